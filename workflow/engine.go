// Package workflow implements the document workflow state machine and the
// engine facade composing the template registry, task assignment resolver,
// and document generation orchestrator.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/songzhibin97/gkit/generator"

	"github.com/propline/docflow/assign"
	"github.com/propline/docflow/docgen"
	"github.com/propline/docflow/events"
	"github.com/propline/docflow/registry"
	"github.com/propline/docflow/storage"
	"github.com/propline/docflow/types"
)

// DefaultCancelRole is the authority consulted for cancellation when a
// template declares no CancelRoles.
const DefaultCancelRole = "ADMIN"

// Clock supplies the current time for history entries and deadline checks.
// Injectable so escalation behavior is deterministic in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ActionRequest describes one actor's decision against an instance.
//
// StageIndex, when non-nil, pins the stage the caller believes it is acting
// on. A pinned stage behind the current one lets the engine recognize a
// retry of an already-committed action and return the committed result
// instead of failing; any other mismatch fails with ErrInvalidState.
type ActionRequest struct {
	InstanceID uint64
	Actor      types.ActorRef
	Decision   types.Decision
	Notes      string
	StageIndex *int
}

// SubjectStats summarizes the workflow load on one business subject.
type SubjectStats struct {
	Total          int
	InProgress     int
	Completed      int
	Cancelled      int
	StageOccupancy map[int]int
}

// Engine is the public workflow API: create instances, record decisions,
// escalate, cancel, and query. All mutating operations on one instance are
// serialized through a keyed mutex; the repository's revision check guards
// against writers outside this process.
type Engine struct {
	repo     storage.Repository
	registry *registry.Registry
	resolver *assign.Resolver
	docgen   *docgen.Orchestrator
	eventBus *events.EventBus
	generate generator.Generator
	clock    Clock
	log      logr.Logger
	metrics  *engineMetrics

	locksMu sync.Mutex
	locks   map[uint64]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the engine's logger. Default discards everything.
func WithLogger(log logr.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithMetricsRegisterer registers the engine's counters against the given
// registerer instead of a private registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		if reg != nil {
			e.metrics = newEngineMetrics(reg)
		}
	}
}

// WithEventBus replaces the engine-owned event bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
		}
	}
}

// NewEngine creates a workflow engine from its collaborators. The
// repository defaults to in-memory storage when nil; everything else is
// required.
func NewEngine(generate generator.Generator, repo storage.Repository, reg *registry.Registry, resolver *assign.Resolver, orchestrator *docgen.Orchestrator, options ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if repo == nil {
		repo = storage.NewMemoryRepository()
	}

	e := &Engine{
		repo:     repo,
		registry: reg,
		resolver: resolver,
		docgen:   orchestrator,
		eventBus: events.NewEventBus(),
		generate: generate,
		clock:    systemClock{},
		log:      logr.Discard(),
		locks:    make(map[uint64]*sync.Mutex),
	}
	for _, option := range options {
		option(e)
	}
	if e.metrics == nil {
		e.metrics = newEngineMetrics(prometheus.NewRegistry())
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// SubscribeEventFunc subscribes a function as a handler to an event type.
func (e *Engine) SubscribeEventFunc(eventType string, fn func(ctx context.Context, event events.Event) error) {
	e.eventBus.SubscribeFunc(eventType, fn)
}

// Stop gracefully stops the engine's event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}

// lockInstance acquires the per-instance mutex and returns its release func.
func (e *Engine) lockInstance(id uint64) func() {
	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// CreateInstance pins the template version and initializes a new instance
// at stage 0 with an INITIATED history entry.
func (e *Engine) CreateInstance(ctx context.Context, templateID uint64, version int, subject types.SubjectRef, creator types.ActorRef) (*types.WorkflowInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	tpl, err := e.registry.Get(ctx, templateID, version)
	if errors.Is(err, registry.ErrTemplateNotFound) {
		return nil, fmt.Errorf("%w: template %d version %d", ErrNotFound, templateID, version)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}

	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance ID: %w", err)
	}

	now := e.clock.Now()
	inst := types.WorkflowInstance{
		ID:              id,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Subject:         subject,
		Status:          types.StatusInProgress,
		CurrentStage:    0,
		Pending:         &types.PendingApproval{StageIndex: 0, EnteredAt: now},
		History: []types.HistoryEntry{{
			FromStage: -1,
			ToStage:   0,
			Actor:     creator.ID,
			Decision:  types.DecisionInitiated,
			At:        now,
		}},
		CreatedBy: creator.ID,
		CreatedAt: now,
	}

	if err := e.commit(ctx, &inst); err != nil {
		return nil, err
	}

	e.publish(ctx, events.TypeWorkflowCreated, inst.ID, events.WorkflowCreated{
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		SubjectKind:     subject.Kind,
		SubjectID:       subject.ID,
		CreatedBy:       creator.ID,
	})
	e.log.Info("workflow instance created", "instance", inst.ID, "template", tpl.ID, "version", tpl.Version)
	return &inst, nil
}

// RecordAction applies one actor's APPROVE or REJECT decision to the
// instance's current stage.
//
// Approvals on a quorum stage below threshold are recorded durably without
// moving the stage. The threshold-meeting approval triggers document
// generation first when the stage requires it; a generation failure leaves
// the instance on the current stage with that approval unrecorded, so the
// retry repeats the whole attempt. Duplicate submissions return the
// already-committed result.
func (e *Engine) RecordAction(ctx context.Context, req ActionRequest) (*types.WorkflowInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if req.Decision != types.DecisionApprove && req.Decision != types.DecisionReject {
		return nil, fmt.Errorf("%w: decision must be APPROVE or REJECT, got %q", ErrValidation, req.Decision)
	}
	if req.Actor.ID == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}

	unlock := e.lockInstance(req.InstanceID)
	defer unlock()

	inst, err := e.loadInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, &InvalidStateError{InstanceID: inst.ID, Status: inst.Status, Reason: "instance is terminal"}
	}

	if req.StageIndex != nil && *req.StageIndex != inst.CurrentStage {
		if e.committedDuplicate(&inst, *req.StageIndex, req.Actor.ID, req.Decision) {
			return &inst, nil
		}
		return nil, &InvalidStateError{
			InstanceID: inst.ID,
			Status:     inst.Status,
			Reason:     fmt.Sprintf("action targets stage %d but instance is at stage %d", *req.StageIndex, inst.CurrentStage),
		}
	}

	tpl, err := e.loadTemplate(ctx, &inst)
	if err != nil {
		return nil, err
	}
	stage := tpl.Stages[inst.CurrentStage]

	eligible, err := e.resolver.IsEligible(ctx, req.Actor, stage, inst.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	if !eligible {
		return nil, &UnauthorizedError{
			Actor:  req.Actor.ID,
			Stage:  stage.Name,
			Reason: fmt.Sprintf("not among eligible actors for roles %v", stage.Roles),
		}
	}

	if req.Decision == types.DecisionReject {
		return e.reject(ctx, &inst, stage, req)
	}
	return e.approve(ctx, &inst, tpl, stage, req)
}

func (e *Engine) reject(ctx context.Context, inst *types.WorkflowInstance, stage types.Stage, req ActionRequest) (*types.WorkflowInstance, error) {
	now := e.clock.Now()
	from := inst.CurrentStage
	target := stage.ReworkTarget

	inst.History = append(inst.History, types.HistoryEntry{
		FromStage: from,
		ToStage:   target,
		Actor:     req.Actor.ID,
		Decision:  types.DecisionReject,
		Notes:     req.Notes,
		At:        now,
	})
	inst.CurrentStage = target
	// Approvals collected at the rejected stage (and any between) are void.
	inst.Pending = &types.PendingApproval{StageIndex: target, EnteredAt: now}

	if err := e.commit(ctx, inst); err != nil {
		return nil, err
	}

	e.metrics.transitions.WithLabelValues(string(types.DecisionReject)).Inc()
	e.publish(ctx, events.TypeStageRejected, inst.ID, events.StageRejected{
		FromStage: from,
		ToStage:   target,
		Actor:     req.Actor.ID,
		Reason:    req.Notes,
	})
	e.log.Info("stage rejected", "instance", inst.ID, "from", from, "to", target, "actor", req.Actor.ID)
	return inst, nil
}

func (e *Engine) approve(ctx context.Context, inst *types.WorkflowInstance, tpl types.WorkflowTemplate, stage types.Stage, req ActionRequest) (*types.WorkflowInstance, error) {
	now := e.clock.Now()
	from := inst.CurrentStage

	pending := inst.Pending
	if pending == nil || pending.StageIndex != from {
		pending = &types.PendingApproval{StageIndex: from, EnteredAt: now}
	}
	if pending.Approved(req.Actor.ID) {
		// Duplicate submission against an unchanged stage.
		return inst, nil
	}

	approvals := make([]types.ApprovalRecord, len(pending.Approvals), len(pending.Approvals)+1)
	copy(approvals, pending.Approvals)
	approvals = append(approvals, types.ApprovalRecord{Actor: req.Actor.ID, At: now, Notes: req.Notes})

	if len(approvals) < stage.Threshold() {
		// Partial quorum progress is durable but the stage does not move.
		inst.Pending = &types.PendingApproval{StageIndex: from, EnteredAt: pending.EnteredAt, Approvals: approvals}
		if err := e.commit(ctx, inst); err != nil {
			return nil, err
		}
		e.metrics.partialApprovals.Inc()
		e.log.V(1).Info("partial approval recorded",
			"instance", inst.ID, "stage", from, "actor", req.Actor.ID,
			"approvals", len(approvals), "threshold", stage.Threshold())
		return inst, nil
	}

	// Threshold met. Generation must succeed before the transition commits;
	// on failure nothing is saved and the attempt is repeatable.
	var artifactRef string
	if stage.RequiresGeneration {
		doc, err := e.docgen.Generate(ctx, tpl, from, inst.Subject)
		if err != nil {
			e.metrics.generationFailures.Inc()
			e.log.Error(err, "generation blocked transition", "instance", inst.ID, "stage", from)
			return nil, err
		}
		if inst.Documents == nil {
			inst.Documents = make(map[int]types.GeneratedDocument)
		}
		inst.Documents[from] = doc
		artifactRef = doc.ArtifactRef
	}

	next := from + 1
	completed := next >= len(tpl.Stages)

	inst.History = append(inst.History, types.HistoryEntry{
		FromStage:   from,
		ToStage:     next,
		Actor:       req.Actor.ID,
		Decision:    types.DecisionApprove,
		Notes:       req.Notes,
		ArtifactRef: artifactRef,
		At:          now,
	})
	if completed {
		inst.Status = types.StatusCompleted
		inst.Pending = nil
	} else {
		inst.CurrentStage = next
		inst.Pending = &types.PendingApproval{StageIndex: next, EnteredAt: now}
	}

	if err := e.commit(ctx, inst); err != nil {
		return nil, err
	}

	e.metrics.transitions.WithLabelValues(string(types.DecisionApprove)).Inc()
	e.publish(ctx, events.TypeStageAdvanced, inst.ID, events.StageAdvanced{
		FromStage:   from,
		ToStage:     next,
		Actor:       req.Actor.ID,
		ArtifactRef: artifactRef,
	})
	if completed {
		e.publish(ctx, events.TypeWorkflowCompleted, inst.ID, events.WorkflowCompleted{FinalStage: from})
		e.log.Info("workflow completed", "instance", inst.ID, "finalStage", from)
	} else {
		e.log.Info("stage advanced", "instance", inst.ID, "from", from, "to", next, "actor", req.Actor.ID)
	}
	return inst, nil
}

// Escalate records an ESCALATE marker when the current stage's deadline has
// elapsed without resolution. It never changes the stage and is idempotent
// per stage-entry period: at most one marker until the stage changes again.
func (e *Engine) Escalate(ctx context.Context, instanceID uint64, reason string) (*types.WorkflowInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, &InvalidStateError{InstanceID: inst.ID, Status: inst.Status, Reason: "instance is terminal"}
	}

	tpl, err := e.loadTemplate(ctx, &inst)
	if err != nil {
		return nil, err
	}
	stage := tpl.Stages[inst.CurrentStage]
	if stage.Deadline <= 0 {
		return nil, &InvalidStateError{InstanceID: inst.ID, Status: inst.Status,
			Reason: fmt.Sprintf("stage %q declares no deadline", stage.Name)}
	}

	enteredAt := inst.CreatedAt
	if inst.Pending != nil {
		enteredAt = inst.Pending.EnteredAt
	}
	now := e.clock.Now()
	if now.Before(enteredAt.Add(stage.Deadline)) {
		return nil, &InvalidStateError{InstanceID: inst.ID, Status: inst.Status,
			Reason: fmt.Sprintf("stage %q deadline has not elapsed", stage.Name)}
	}

	// Idempotent per elapsed-deadline period: skip if an ESCALATE marker
	// already exists since the stage was entered.
	if last := inst.LastEscalationAt(); !last.Before(enteredAt) && !last.IsZero() {
		return &inst, nil
	}

	inst.History = append(inst.History, types.HistoryEntry{
		FromStage: inst.CurrentStage,
		ToStage:   inst.CurrentStage,
		Decision:  types.DecisionEscalate,
		Notes:     reason,
		At:        now,
	})
	if err := e.commit(ctx, &inst); err != nil {
		return nil, err
	}

	e.metrics.escalations.Inc()
	e.publish(ctx, events.TypeEscalationRaised, inst.ID, events.EscalationRaised{
		Stage:  inst.CurrentStage,
		Reason: reason,
	})
	e.log.Info("escalation raised", "instance", inst.ID, "stage", inst.CurrentStage)
	return &inst, nil
}

// Cancel terminates an instance from any non-terminal state. Authority is
// checked against the template's cancel roles (DefaultCancelRole when none
// are declared). Irreversible; the instance and its history are retained.
func (e *Engine) Cancel(ctx context.Context, instanceID uint64, actor types.ActorRef, reason string) (*types.WorkflowInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if actor.ID == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}

	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, &InvalidStateError{InstanceID: inst.ID, Status: inst.Status, Reason: "instance is terminal"}
	}

	tpl, err := e.loadTemplate(ctx, &inst)
	if err != nil {
		return nil, err
	}
	cancelRoles := tpl.CancelRoles
	if len(cancelRoles) == 0 {
		cancelRoles = []string{DefaultCancelRole}
	}

	authorized := false
	for _, role := range cancelRoles {
		ok, err := e.resolver.HasRole(ctx, actor, role, inst.Subject)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
		}
		if ok {
			authorized = true
			break
		}
	}
	if !authorized {
		return nil, &UnauthorizedError{
			Actor:  actor.ID,
			Stage:  tpl.Stages[inst.CurrentStage].Name,
			Reason: fmt.Sprintf("cancellation requires one of roles %v", cancelRoles),
		}
	}

	inst.History = append(inst.History, types.HistoryEntry{
		FromStage: inst.CurrentStage,
		ToStage:   inst.CurrentStage,
		Actor:     actor.ID,
		Decision:  types.DecisionCancel,
		Notes:     reason,
		At:        e.clock.Now(),
	})
	inst.Status = types.StatusCancelled
	inst.Pending = nil

	if err := e.commit(ctx, &inst); err != nil {
		return nil, err
	}

	e.metrics.transitions.WithLabelValues(string(types.DecisionCancel)).Inc()
	e.publish(ctx, events.TypeWorkflowCancelled, inst.ID, events.WorkflowCancelled{
		Actor:  actor.ID,
		Reason: reason,
	})
	e.log.Info("workflow cancelled", "instance", inst.ID, "actor", actor.ID)
	return &inst, nil
}

// GetInstance retrieves a workflow instance by ID. Reads do not take the
// instance lock, so an in-flight mutation is invisible until it commits.
func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (*types.WorkflowInstance, error) {
	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetHistory returns the instance's append-only audit trail.
func (e *Engine) GetHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst.History, nil
}

// InstancesBySubject returns every instance recorded against a subject,
// newest first.
func (e *Engine) InstancesBySubject(ctx context.Context, kind, id string) ([]types.WorkflowInstance, error) {
	out, err := e.repo.InstancesBySubject(ctx, kind, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return out, nil
}

// Stats summarizes the workflows recorded against a subject: totals by
// status and occupancy per stage index for in-progress instances.
func (e *Engine) Stats(ctx context.Context, kind, id string) (SubjectStats, error) {
	instances, err := e.InstancesBySubject(ctx, kind, id)
	if err != nil {
		return SubjectStats{}, err
	}
	stats := SubjectStats{StageOccupancy: make(map[int]int)}
	for _, inst := range instances {
		stats.Total++
		switch inst.Status {
		case types.StatusCompleted:
			stats.Completed++
		case types.StatusCancelled:
			stats.Cancelled++
		default:
			stats.InProgress++
			stats.StageOccupancy[inst.CurrentStage]++
		}
	}
	return stats, nil
}

// committedDuplicate reports whether history already holds the same
// (actor, stage, decision) committed action.
func (e *Engine) committedDuplicate(inst *types.WorkflowInstance, stageIndex int, actorID string, decision types.Decision) bool {
	for _, entry := range inst.History {
		if entry.FromStage == stageIndex && entry.Actor == actorID && entry.Decision == decision {
			return true
		}
	}
	return false
}

func (e *Engine) loadInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	inst, err := e.repo.GetInstance(ctx, id)
	if errors.Is(err, storage.ErrInstanceNotFound) {
		return types.WorkflowInstance{}, fmt.Errorf("%w: instance %d", ErrNotFound, id)
	} else if err != nil {
		return types.WorkflowInstance{}, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return inst, nil
}

func (e *Engine) loadTemplate(ctx context.Context, inst *types.WorkflowInstance) (types.WorkflowTemplate, error) {
	tpl, err := e.registry.Get(ctx, inst.TemplateID, inst.TemplateVersion)
	if errors.Is(err, registry.ErrTemplateNotFound) {
		return types.WorkflowTemplate{}, fmt.Errorf("%w: template %d version %d", ErrNotFound, inst.TemplateID, inst.TemplateVersion)
	} else if err != nil {
		return types.WorkflowTemplate{}, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	if inst.CurrentStage < 0 || inst.CurrentStage >= len(tpl.Stages) {
		return types.WorkflowTemplate{}, fmt.Errorf("instance %d stage cursor %d outside template %d/%d stage list",
			inst.ID, inst.CurrentStage, tpl.ID, tpl.Version)
	}
	return tpl, nil
}

// commit bumps the revision and saves. A revision conflict means another
// writer got there first; the caller must reload and retry.
func (e *Engine) commit(ctx context.Context, inst *types.WorkflowInstance) error {
	inst.Revision++
	inst.UpdatedAt = e.clock.Now()
	if err := e.repo.SaveInstance(ctx, *inst); err != nil {
		if errors.Is(err, storage.ErrRevisionConflict) {
			e.metrics.conflicts.Inc()
			return fmt.Errorf("%w: instance %d", ErrConcurrentModification, inst.ID)
		}
		return fmt.Errorf("failed to save instance %d: %w", inst.ID, err)
	}
	return nil
}

// publish emits a domain event after the state mutation has committed.
// Emission never happens before the save, so subscribers only see states
// that persisted.
func (e *Engine) publish(ctx context.Context, eventType string, instanceID uint64, payload interface{}) {
	err := e.eventBus.Publish(ctx, events.Event{
		Type:       eventType,
		InstanceID: instanceID,
		Payload:    payload,
		At:         e.clock.Now(),
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.log.Error(err, "failed to publish event", "type", eventType, "instance", instanceID)
	}
}
