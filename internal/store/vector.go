package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ToolBrain/toolbrain-tracing/internal/embedding"
	"github.com/ToolBrain/toolbrain-tracing/internal/logging"
	"github.com/ToolBrain/toolbrain-tracing/internal/schema"
)

// SearchSimilarExperiences finds past traces semantically close to the
// query text. Only traces that have both an embedding and feedback with
// rating >= minRating are candidates. Returns an empty slice when no
// embedding engine is configured.
//
// With the sqlite-vec extension loaded the ranking runs inside SQLite;
// otherwise embeddings are decoded and scored in Go.
func (s *Store) SearchSimilarExperiences(ctx context.Context, query string, minRating, limit int) ([]schema.SimilarityResult, error) {
	if s.engine == nil {
		logging.StoreDebug("similarity search skipped: no embedding engine")
		return []schema.SimilarityResult{}, nil
	}
	if limit <= 0 {
		limit = 3
	}
	if minRating <= 0 {
		minRating = 4
	}

	timer := logging.StartTimer(logging.CategoryVector, "SearchSimilarExperiences")
	defer timer.Stop()

	// The search is advisory context for the librarian. An embedding
	// backend outage means no hits, not a failed request.
	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		logging.Get(logging.CategoryVector).Warn("failed to embed query, returning no hits: %v", err)
		return []schema.SimilarityResult{}, nil
	}
	if len(queryVec) == 0 {
		logging.Get(logging.CategoryVector).Warn("embedding engine returned an empty vector, returning no hits")
		return []schema.SimilarityResult{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt {
		return s.searchVec(ctx, queryVec, minRating, limit)
	}
	return s.searchCosineScan(ctx, queryVec, minRating, limit)
}

// searchVec ranks candidates with vec_distance_cosine in SQL. Stored
// embeddings are JSON arrays, which sqlite-vec accepts directly.
func (s *Store) searchVec(ctx context.Context, queryVec []float32, minRating, limit int) ([]schema.SimilarityResult, error) {
	encoded, err := json.Marshal(queryVec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query vector: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, system_prompt, feedback, ai_evaluation, created_at,
		       vec_distance_cosine(embedding, ?) AS distance
		FROM traces
		WHERE embedding IS NOT NULL
		  AND feedback IS NOT NULL
		  AND json_extract(feedback, '$.rating') >= ?
		ORDER BY distance LIMIT ?`,
		string(encoded), minRating, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var results []schema.SimilarityResult
	for rows.Next() {
		var r schema.SimilarityResult
		var systemPrompt, feedback, aiEval sql.NullString
		var createdAt sql.NullTime
		var distance float64
		if err := rows.Scan(&r.TraceID, &systemPrompt, &feedback, &aiEval, &createdAt, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan similarity row: %w", err)
		}
		r.Similarity = 1 - distance
		r.CreatedAt = createdAt.Time
		r.SystemPrompt = systemPrompt.String
		r.AIEvaluation = aiEval.String
		if feedback.Valid {
			var fb schema.Feedback
			if err := json.Unmarshal([]byte(feedback.String), &fb); err == nil {
				r.Feedback = &fb
			}
		}
		results = append(results, r)
	}
	if results == nil {
		results = []schema.SimilarityResult{}
	}
	return results, rows.Err()
}

// searchCosineScan is the fallback when sqlite-vec is not compiled in:
// load every candidate embedding and rank with the in-process cosine.
func (s *Store) searchCosineScan(ctx context.Context, queryVec []float32, minRating, limit int) ([]schema.SimilarityResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, system_prompt, feedback, ai_evaluation, created_at, embedding
		FROM traces
		WHERE embedding IS NOT NULL
		  AND feedback IS NOT NULL
		  AND json_extract(feedback, '$.rating') >= ?`, minRating)
	if err != nil {
		return nil, fmt.Errorf("similarity scan failed: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		result schema.SimilarityResult
		vec    []float32
	}
	var candidates []candidate
	var vectors [][]float32
	for rows.Next() {
		var c candidate
		var systemPrompt, feedback, aiEval sql.NullString
		var createdAt sql.NullTime
		var encoded string
		if err := rows.Scan(&c.result.TraceID, &systemPrompt, &feedback, &aiEval, &createdAt, &encoded); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		c.result.CreatedAt = createdAt.Time
		if err := json.Unmarshal([]byte(encoded), &c.vec); err != nil {
			logging.StoreDebug("trace %s has undecodable embedding, skipping", c.result.TraceID)
			continue
		}
		c.result.SystemPrompt = systemPrompt.String
		c.result.AIEvaluation = aiEval.String
		if feedback.Valid {
			var fb schema.Feedback
			if err := json.Unmarshal([]byte(feedback.String), &fb); err == nil {
				c.result.Feedback = &fb
			}
		}
		candidates = append(candidates, c)
		vectors = append(vectors, c.vec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hits := embedding.FindTopK(queryVec, vectors, limit)
	results := make([]schema.SimilarityResult, 0, len(hits))
	for _, h := range hits {
		r := candidates[h.Index].result
		r.Similarity = h.Similarity
		results = append(results, r)
	}
	return results, nil
}
