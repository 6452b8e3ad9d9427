package docgen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/propline/docflow/types"
)

// mockRenderer returns a fixed artifact ref or a configured error.
type mockRenderer struct {
	ref   string
	err   error
	delay time.Duration
	calls int
}

func (r *mockRenderer) Render(ctx context.Context, tpl types.WorkflowTemplate, stage types.Stage, data map[string]interface{}) (string, error) {
	r.calls++
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.delay):
		}
	}
	if r.err != nil {
		return "", r.err
	}
	return r.ref, nil
}

func generationTemplate() types.WorkflowTemplate {
	return types.WorkflowTemplate{
		ID:       7,
		Name:     "HTB Compliance",
		Category: types.CategoryCompliance,
		Version:  3,
		Stages: []types.Stage{
			{Name: "INTAKE", Roles: []string{"ADMIN"}},
			{Name: "GENERATION", Roles: []string{"ADMIN"}, RequiresGeneration: true},
		},
		Variables: []types.VariableSpec{
			{Name: "buyer_name", Type: types.VariableString, Required: true},
			{Name: "purchase_price", Type: types.VariableNumber, Required: true},
			{Name: "notes", Type: types.VariableString},
		},
	}
}

func generationSubject() types.SubjectRef {
	return types.SubjectRef{
		Kind: "transaction",
		ID:   "txn-42",
		Context: map[string]interface{}{
			"buyer_name":     "Ciara Byrne",
			"purchase_price": 385000.0,
			"irrelevant":     "ignored",
		},
	}
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		renderer := &mockRenderer{ref: "s3://artifacts/doc-1.pdf"}
		o, err := NewOrchestrator(renderer)
		if err != nil {
			t.Fatalf("NewOrchestrator failed: %v", err)
		}

		doc, err := o.Generate(ctx, generationTemplate(), 1, generationSubject())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if doc.ArtifactRef != "s3://artifacts/doc-1.pdf" {
			t.Errorf("unexpected artifact ref %q", doc.ArtifactRef)
		}
		if doc.StageIndex != 1 || doc.TemplateVersion != 3 {
			t.Errorf("document not pinned to stage/version: %+v", doc)
		}
		if doc.Checksum == "" {
			t.Error("expected non-empty checksum")
		}
	})

	t.Run("MissingRequiredVariable", func(t *testing.T) {
		renderer := &mockRenderer{ref: "s3://artifacts/doc-1.pdf"}
		o, _ := NewOrchestrator(renderer)

		subject := generationSubject()
		delete(subject.Context, "buyer_name")

		_, err := o.Generate(ctx, generationTemplate(), 1, subject)
		if !errors.Is(err, ErrTemplateData) {
			t.Fatalf("expected ErrTemplateData, got %v", err)
		}
		var missing *MissingVariableError
		if !errors.As(err, &missing) || missing.Variable != "buyer_name" {
			t.Fatalf("expected MissingVariableError for buyer_name, got %v", err)
		}
		if renderer.calls != 0 {
			t.Error("renderer must not be invoked when data is incomplete")
		}
	})

	t.Run("TypeMismatch", func(t *testing.T) {
		o, _ := NewOrchestrator(&mockRenderer{ref: "x"})
		subject := generationSubject()
		subject.Context["purchase_price"] = "not a number"

		_, err := o.Generate(ctx, generationTemplate(), 1, subject)
		if !errors.Is(err, ErrTemplateData) {
			t.Fatalf("expected ErrTemplateData, got %v", err)
		}
	})

	t.Run("OptionalVariableMayBeAbsent", func(t *testing.T) {
		o, _ := NewOrchestrator(&mockRenderer{ref: "x"})
		if _, err := o.Generate(ctx, generationTemplate(), 1, generationSubject()); err != nil {
			t.Fatalf("optional variable absence should not fail: %v", err)
		}
	})

	t.Run("RendererFailure", func(t *testing.T) {
		o, _ := NewOrchestrator(&mockRenderer{err: errors.New("renderer exploded")})
		_, err := o.Generate(ctx, generationTemplate(), 1, generationSubject())
		if !errors.Is(err, ErrGeneration) {
			t.Fatalf("expected ErrGeneration, got %v", err)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		o, _ := NewOrchestrator(&mockRenderer{ref: "x", delay: 200 * time.Millisecond},
			WithRenderTimeout(20*time.Millisecond))
		_, err := o.Generate(ctx, generationTemplate(), 1, generationSubject())
		if !errors.Is(err, ErrGeneration) {
			t.Fatalf("expected ErrGeneration on timeout, got %v", err)
		}
	})

	t.Run("EmptyArtifactRef", func(t *testing.T) {
		o, _ := NewOrchestrator(&mockRenderer{ref: ""})
		_, err := o.Generate(ctx, generationTemplate(), 1, generationSubject())
		if !errors.Is(err, ErrGeneration) {
			t.Fatalf("expected ErrGeneration for empty artifact ref, got %v", err)
		}
	})

	t.Run("StageOutOfRange", func(t *testing.T) {
		o, _ := NewOrchestrator(&mockRenderer{ref: "x"})
		_, err := o.Generate(ctx, generationTemplate(), 5, generationSubject())
		if !errors.Is(err, ErrGeneration) {
			t.Fatalf("expected ErrGeneration, got %v", err)
		}
	})
}

func TestChecksumDeterministic(t *testing.T) {
	data := map[string]interface{}{"buyer_name": "Ciara Byrne", "purchase_price": 385000.0}

	a, err := Checksum(7, 3, 1, data)
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	b, err := Checksum(7, 3, 1, map[string]interface{}{"purchase_price": 385000.0, "buyer_name": "Ciara Byrne"})
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	if a != b {
		t.Errorf("equal snapshots must hash equally: %s vs %s", a, b)
	}

	c, _ := Checksum(7, 4, 1, data)
	if a == c {
		t.Error("different template versions must not collide")
	}
	d, _ := Checksum(7, 3, 1, map[string]interface{}{"buyer_name": "Ciara Byrne", "purchase_price": 390000.0})
	if a == d {
		t.Error("different data must not collide")
	}
}

func TestGenerateChecksumReproducible(t *testing.T) {
	// Regenerating against the same template version and subject snapshot
	// reproduces the checksum even when the artifact ref changes.
	tpl := generationTemplate()
	subject := generationSubject()

	first, _ := NewOrchestrator(&mockRenderer{ref: "s3://artifacts/run-1.pdf"})
	second, _ := NewOrchestrator(&mockRenderer{ref: "s3://artifacts/run-2.pdf"})

	docA, err := first.Generate(context.Background(), tpl, 1, subject)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	docB, err := second.Generate(context.Background(), tpl, 1, subject)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if docA.Checksum != docB.Checksum {
		t.Errorf("checksums differ across runs: %s vs %s", docA.Checksum, docB.Checksum)
	}
	if docA.ArtifactRef == docB.ArtifactRef {
		t.Error("expected distinct artifact refs")
	}
}
