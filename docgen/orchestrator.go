// Package docgen orchestrates template-to-document rendering for
// generation stages. Actual rendering is delegated to an external Renderer;
// this package owns variable merging, validation, timeouts, and checksums.
package docgen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/propline/docflow/types"
)

var (
	// ErrTemplateData indicates a required variable was missing or had
	// the wrong type. Generation does not proceed; the caller can retry
	// once the data is supplied.
	ErrTemplateData = errors.New("template data error")
	// ErrGeneration wraps any renderer failure, including timeouts.
	// Transition-blocking and retryable.
	ErrGeneration = errors.New("document generation failed")
)

// MissingVariableError reports which required variable generation lacked.
type MissingVariableError struct {
	Variable string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("required variable %q missing from subject data", e.Variable)
}

func (e *MissingVariableError) Unwrap() error { return ErrTemplateData }

// Renderer is the external rendering collaborator. It receives the template
// definition and the merged variable data and returns an opaque artifact
// storage key.
type Renderer interface {
	Render(ctx context.Context, tpl types.WorkflowTemplate, stage types.Stage, data map[string]interface{}) (string, error)
}

// Orchestrator drives document generation for stages that require it.
type Orchestrator struct {
	renderer Renderer
	timeout  time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRenderTimeout caps how long a single render call may take. Exceeding
// it fails the attempt with ErrGeneration. Default is 30 seconds.
func WithRenderTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

// NewOrchestrator creates an Orchestrator around the given renderer.
func NewOrchestrator(renderer Renderer, options ...Option) (*Orchestrator, error) {
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	o := &Orchestrator{renderer: renderer, timeout: 30 * time.Second}
	for _, option := range options {
		option(o)
	}
	return o, nil
}

// Generate merges subject data into the template's declared variables,
// renders the document, and returns the artifact record.
//
// Regenerating for the same (instance, stage) is safe: the caller replaces
// the prior document entry, and the checksum is deterministic over the
// template version, stage, and merged data, so an unchanged snapshot
// reproduces the same checksum.
func (o *Orchestrator) Generate(ctx context.Context, tpl types.WorkflowTemplate, stageIndex int, subject types.SubjectRef) (types.GeneratedDocument, error) {
	if stageIndex < 0 || stageIndex >= len(tpl.Stages) {
		return types.GeneratedDocument{}, fmt.Errorf("%w: stage index %d out of range", ErrGeneration, stageIndex)
	}
	stage := tpl.Stages[stageIndex]

	data, err := mergeVariables(tpl, subject)
	if err != nil {
		return types.GeneratedDocument{}, err
	}

	attemptID := uuid.NewString()
	renderCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	artifactRef, err := o.renderer.Render(renderCtx, tpl, stage, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return types.GeneratedDocument{}, fmt.Errorf("%w: attempt %s timed out after %s", ErrGeneration, attemptID, o.timeout)
		}
		return types.GeneratedDocument{}, fmt.Errorf("%w: attempt %s: %v", ErrGeneration, attemptID, err)
	}
	if artifactRef == "" {
		return types.GeneratedDocument{}, fmt.Errorf("%w: attempt %s: renderer returned empty artifact reference", ErrGeneration, attemptID)
	}

	checksum, err := Checksum(tpl.ID, tpl.Version, stageIndex, data)
	if err != nil {
		return types.GeneratedDocument{}, fmt.Errorf("%w: attempt %s: %v", ErrGeneration, attemptID, err)
	}

	return types.GeneratedDocument{
		ArtifactRef:     artifactRef,
		Checksum:        checksum,
		StageIndex:      stageIndex,
		TemplateVersion: tpl.Version,
		GeneratedAt:     time.Now(),
	}, nil
}

// Checksum computes the deterministic digest of a generation input: the
// sha256 of the canonical JSON of (template id, version, stage, merged
// data). json.Marshal sorts map keys, so equal snapshots hash equally.
func Checksum(templateID uint64, version, stageIndex int, data map[string]interface{}) (string, error) {
	payload, err := json.Marshal(struct {
		TemplateID uint64                 `json:"template_id"`
		Version    int                    `json:"version"`
		Stage      int                    `json:"stage"`
		Data       map[string]interface{} `json:"data"`
	}{templateID, version, stageIndex, data})
	if err != nil {
		return "", fmt.Errorf("failed to marshal checksum payload: %v", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// mergeVariables extracts the template's declared variables from the
// subject context, enforcing required-ness and types.
func mergeVariables(tpl types.WorkflowTemplate, subject types.SubjectRef) (map[string]interface{}, error) {
	data := make(map[string]interface{}, len(tpl.Variables))
	for _, spec := range tpl.Variables {
		value, ok := subject.Context[spec.Name]
		if !ok || value == nil {
			if spec.Required {
				return nil, &MissingVariableError{Variable: spec.Name}
			}
			continue
		}
		if err := checkType(spec, value); err != nil {
			return nil, err
		}
		data[spec.Name] = value
	}
	return data, nil
}

func checkType(spec types.VariableSpec, value interface{}) error {
	ok := false
	switch spec.Type {
	case types.VariableString:
		_, ok = value.(string)
	case types.VariableNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
			ok = true
		}
	case types.VariableBool:
		_, ok = value.(bool)
	case types.VariableDate:
		switch v := value.(type) {
		case time.Time:
			ok = true
		case string:
			_, err := time.Parse(time.RFC3339, v)
			ok = err == nil
		}
	}
	if !ok {
		return fmt.Errorf("%w: variable %q is not a valid %s", ErrTemplateData, spec.Name, spec.Type)
	}
	return nil
}
