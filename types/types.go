package types

import "time"

// TemplateCategory classifies what kind of document a template produces.
type TemplateCategory string

const (
	CategoryContract   TemplateCategory = "CONTRACT"
	CategoryCompliance TemplateCategory = "COMPLIANCE"
	CategoryFinancial  TemplateCategory = "FINANCIAL"
	CategoryPlanning   TemplateCategory = "PLANNING"
	CategoryOther      TemplateCategory = "OTHER"
)

// Decision identifies what an actor (or the engine itself) did to an instance.
type Decision string

const (
	DecisionInitiated Decision = "INITIATED"
	DecisionApprove   Decision = "APPROVE"
	DecisionReject    Decision = "REJECT"
	DecisionEscalate  Decision = "ESCALATE"
	DecisionCancel    Decision = "CANCEL"
)

// InstanceStatus is the lifecycle state of a workflow instance. The stage
// cursor only has meaning while the status is StatusInProgress.
type InstanceStatus string

const (
	StatusInProgress InstanceStatus = "in_progress"
	StatusCompleted  InstanceStatus = "completed"
	StatusCancelled  InstanceStatus = "cancelled"
)

// Terminal reports whether the status accepts no further actions.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// VariableType constrains the values a template variable accepts.
type VariableType string

const (
	VariableString VariableType = "string"
	VariableNumber VariableType = "number"
	VariableBool   VariableType = "bool"
	VariableDate   VariableType = "date"
)

// VariableSpec declares one merge variable a template's renderer consumes.
type VariableSpec struct {
	Name     string       `json:"name"`
	Type     VariableType `json:"type"`
	Required bool         `json:"required"`
}

// Stage is one step of a template's approval pipeline.
//
// Quorum <= 1 means a single eligible actor advances the stage; otherwise
// Quorum distinct eligible actors must approve before it exits. ScopeExpr,
// when set, is an expression over {actor, subject} that narrows the declared
// roles to actors in scope for the subject (e.g. solicitors assigned to the
// transaction rather than all solicitors).
type Stage struct {
	Name               string        `json:"name"`
	Roles              []string      `json:"roles"`
	Quorum             int           `json:"quorum,omitempty"`
	RequiresGeneration bool          `json:"requires_generation,omitempty"`
	Deadline           time.Duration `json:"deadline,omitempty"`
	ReworkTarget       int           `json:"rework_target"`
	ScopeExpr          string        `json:"scope_expr,omitempty"`
}

// Threshold returns the number of distinct approvals the stage requires.
func (s Stage) Threshold() int {
	if s.Quorum > 1 {
		return s.Quorum
	}
	return 1
}

// WorkflowTemplate defines an approval/generation pipeline. Registered
// templates are immutable; edits produce a new Version.
type WorkflowTemplate struct {
	ID          uint64           `json:"id"`
	Name        string           `json:"name"`
	Category    TemplateCategory `json:"category"`
	Version     int              `json:"version"`
	Stages      []Stage          `json:"stages"`
	Variables   []VariableSpec   `json:"variables,omitempty"`
	CancelRoles []string         `json:"cancel_roles,omitempty"`
	CreatedBy   string           `json:"created_by"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ActorRef identifies a concrete person or system acting on a workflow.
// Attributes carry directory-sourced fields scope expressions can read.
type ActorRef struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name,omitempty"`
	Roles      []string               `json:"roles,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// SubjectRef is an opaque reference to the business object a workflow
// concerns, plus the context data used for scoping and variable merging.
type SubjectRef struct {
	Kind    string                 `json:"kind"`
	ID      string                 `json:"id"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// ApprovalRecord is one actor's recorded approval at the current stage.
type ApprovalRecord struct {
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
	Notes string    `json:"notes,omitempty"`
}

// PendingApproval tracks quorum progress for the current stage. It is
// replaced, never mutated in place, when the instance changes stage.
type PendingApproval struct {
	StageIndex int              `json:"stage_index"`
	EnteredAt  time.Time        `json:"entered_at"`
	Approvals  []ApprovalRecord `json:"approvals,omitempty"`
}

// Approved reports whether the actor already has an approval recorded.
func (p *PendingApproval) Approved(actorID string) bool {
	if p == nil {
		return false
	}
	for _, a := range p.Approvals {
		if a.Actor == actorID {
			return true
		}
	}
	return false
}

// GeneratedDocument is the artifact produced for a generation stage.
type GeneratedDocument struct {
	ArtifactRef     string    `json:"artifact_ref"`
	Checksum        string    `json:"checksum"`
	StageIndex      int       `json:"stage_index"`
	TemplateVersion int       `json:"template_version"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// HistoryEntry is one append-only audit record. FromStage is -1 for the
// creation entry. ArtifactRef is set when the transition committed a
// generated document.
type HistoryEntry struct {
	FromStage   int       `json:"from_stage"`
	ToStage     int       `json:"to_stage"`
	Actor       string    `json:"actor"`
	Decision    Decision  `json:"decision"`
	Notes       string    `json:"notes,omitempty"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	At          time.Time `json:"at"`
}

// WorkflowInstance is one concrete run of a template against a subject.
//
// TemplateVersion is pinned at creation; later template edits never affect
// a running instance. Revision increments on every committed mutation and
// backs the storage layer's optimistic concurrency check. History is
// append-only and is the audit trail.
type WorkflowInstance struct {
	ID              uint64                    `json:"id"`
	TemplateID      uint64                    `json:"template_id"`
	TemplateVersion int                       `json:"template_version"`
	Subject         SubjectRef                `json:"subject"`
	Status          InstanceStatus            `json:"status"`
	CurrentStage    int                       `json:"current_stage"`
	Revision        int64                     `json:"revision"`
	Pending         *PendingApproval          `json:"pending,omitempty"`
	Documents       map[int]GeneratedDocument `json:"documents,omitempty"`
	History         []HistoryEntry            `json:"history"`
	CreatedBy       string                    `json:"created_by"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// LastEscalationAt returns the timestamp of the most recent ESCALATE entry,
// or the zero time if none exists.
func (w *WorkflowInstance) LastEscalationAt() time.Time {
	for i := len(w.History) - 1; i >= 0; i-- {
		if w.History[i].Decision == DecisionEscalate {
			return w.History[i].At
		}
	}
	return time.Time{}
}
