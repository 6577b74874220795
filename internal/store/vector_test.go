package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ToolBrain/toolbrain-tracing/internal/schema"
)

// stubEngine returns fixed vectors keyed by substring so tests control
// the similarity ranking exactly.
type stubEngine struct {
	vectors  map[string][]float32
	fallback []float32
	embedErr error
}

func (e *stubEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if e.embedErr != nil {
		return nil, e.embedErr
	}
	for key, vec := range e.vectors {
		if strings.Contains(text, key) {
			return vec, nil
		}
	}
	return e.fallback, nil
}

func (e *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *stubEngine) Dimensions() int { return 3 }
func (e *stubEngine) Name() string    { return "stub" }

func similarityPayload(traceID, prompt string) *schema.TracePayload {
	p := testPayload(traceID, "")
	p.Attributes[schema.KeySystemPrompt] = prompt
	return p
}

func TestSearchSimilarExperiences(t *testing.T) {
	engine := &stubEngine{
		vectors: map[string][]float32{
			"alpha":    {1, 0, 0},
			"beta":     {0.9, 0.1, 0},
			"gamma":    {0, 1, 0},
			"my query": {1, 0, 0},
		},
		fallback: []float32{0, 0, 1},
	}
	s := openTestStore(t, Options{Engine: engine})
	ctx := context.Background()

	for _, tc := range []struct {
		id, prompt string
		rating     int
	}{
		{"t-alpha", "alpha agent", 5},
		{"t-beta", "beta agent", 5},
		{"t-gamma", "gamma agent", 5},
		{"t-low", "alpha agent twin", 2}, // filtered by rating
	} {
		if err := s.AddTrace(ctx, similarityPayload(tc.id, tc.prompt)); err != nil {
			t.Fatalf("AddTrace %s failed: %v", tc.id, err)
		}
		if err := s.AddFeedback(ctx, tc.id, &schema.Feedback{Rating: tc.rating}); err != nil {
			t.Fatalf("AddFeedback %s failed: %v", tc.id, err)
		}
	}
	// No feedback at all: excluded regardless of similarity.
	if err := s.AddTrace(ctx, similarityPayload("t-nofb", "alpha agent again")); err != nil {
		t.Fatalf("AddTrace t-nofb failed: %v", err)
	}

	results, err := s.SearchSimilarExperiences(ctx, "my query", 4, 2)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].TraceID != "t-alpha" {
		t.Errorf("top hit = %s, want t-alpha", results[0].TraceID)
	}
	if results[1].TraceID != "t-beta" {
		t.Errorf("second hit = %s, want t-beta", results[1].TraceID)
	}
	if results[0].Similarity < results[1].Similarity {
		t.Error("results not sorted by similarity")
	}
	for _, r := range results {
		if r.TraceID == "t-low" || r.TraceID == "t-nofb" {
			t.Errorf("filtered trace %s appeared in results", r.TraceID)
		}
		if r.Feedback == nil || r.Feedback.Rating < 4 {
			t.Errorf("result %s missing qualifying feedback", r.TraceID)
		}
		if r.CreatedAt.IsZero() {
			t.Errorf("result %s missing created_at", r.TraceID)
		}
	}
}

func TestSearchSimilarExperiencesEmbeddingOutage(t *testing.T) {
	engine := &stubEngine{fallback: []float32{1, 0, 0}}
	s := openTestStore(t, Options{Engine: engine})
	ctx := context.Background()

	if err := s.AddTrace(ctx, similarityPayload("t1", "alpha agent")); err != nil {
		t.Fatalf("AddTrace failed: %v", err)
	}
	if err := s.AddFeedback(ctx, "t1", &schema.Feedback{Rating: 5}); err != nil {
		t.Fatalf("AddFeedback failed: %v", err)
	}

	// A backend outage yields no hits, never an error.
	engine.embedErr = errors.New("embedding backend unreachable")
	results, err := s.SearchSimilarExperiences(ctx, "alpha", 4, 3)
	if err != nil {
		t.Fatalf("outage surfaced as an error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results during outage, want 0", len(results))
	}

	// Same for an empty vector returned without an error.
	engine.embedErr = nil
	engine.fallback = []float32{}
	results, err = s.SearchSimilarExperiences(ctx, "alpha", 4, 3)
	if err != nil {
		t.Fatalf("empty vector surfaced as an error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for an empty query vector, want 0", len(results))
	}
}

func TestSearchSimilarExperiencesEmbeddingStored(t *testing.T) {
	engine := &stubEngine{fallback: []float32{0, 0, 1}}
	s := openTestStore(t, Options{Engine: engine})
	ctx := context.Background()

	if err := s.AddTrace(ctx, testPayload("t1", "")); err != nil {
		t.Fatalf("AddTrace failed: %v", err)
	}

	got, err := s.GetTrace(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTrace failed: %v", err)
	}
	if !got.HasEmbedding {
		t.Error("trace should carry an embedding when an engine is configured")
	}
}

func TestSearchSimilarExperiencesNoEngine(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	if err := s.AddTrace(ctx, testPayload("t1", "")); err != nil {
		t.Fatalf("AddTrace failed: %v", err)
	}

	results, err := s.SearchSimilarExperiences(ctx, "anything", 4, 3)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results without an engine, want 0", len(results))
	}
}
