package search

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/thrr87/hoard/internal/embedding"
)

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// MemoryQueryParams selects and ranks active memories.
type MemoryQueryParams struct {
	Query            string
	Slot             string
	ScopeType        string
	ScopeID          string
	MemoryType       string
	Tags             []string
	Limit            int
	WeightFTS        float64 // default 0.4
	WeightVector     float64 // default 0.6
	SlotMatchBonus   float64 // default 0.1
	SlotOnlyBaseline float64 // default 0.5
	// MaxSensitivity is the highest tier the caller may see: "normal",
	// "sensitive", or "restricted" (each tier includes all below it).
	// Empty defaults to "normal".
	MaxSensitivity string
}

var sensitivityTiers = map[string][]string{
	"":            {"normal"},
	"normal":      {"normal"},
	"sensitive":   {"normal", "sensitive"},
	"restricted":  {"normal", "sensitive", "restricted"},
}

// MemoryResult is one ranked memory row.
type MemoryResult struct {
	MemoryID string
	Content  string
	Score    float64
	Tags     []string
}

type memoryRow struct {
	id      string
	content string
}

type memoryCandidate struct {
	id        string
	content   string
	bm25      *float64
	vec       *float64
	slotMatch bool
}

// MemoryQuery implements the hybrid-ranked memory read path: BM25 and
// vector branches each min-max scaled, combined by weight, with an
// optional slot-match union and bonus.
//
// The reference implementation this was ported from applies true min-max
// scaling to the vector branch but only divides the BM25 branch by its
// observed maximum — an asymmetry in that source, not a deliberate choice.
// This implementation applies true min-max to both branches instead,
// matching the documented formula. When a branch has fewer than two
// candidates, normalization is skipped for that branch (min-max is
// undefined/degenerate on a single point) and its raw transformed value is
// used directly.
func MemoryQuery(ctx context.Context, db *sql.DB, embedder embedding.Model, params MemoryQueryParams) ([]MemoryResult, error) {
	defer recordLatency(ctx, "memory", time.Now())
	if params.Limit <= 0 {
		params.Limit = 20
	}
	if params.WeightFTS == 0 && params.WeightVector == 0 {
		params.WeightFTS, params.WeightVector = 0.4, 0.6
	}
	if params.SlotMatchBonus == 0 {
		params.SlotMatchBonus = 0.1
	}
	if params.SlotOnlyBaseline == 0 {
		params.SlotOnlyBaseline = 0.5
	}

	candidates := map[string]*memoryCandidate{}
	get := func(id, content string) *memoryCandidate {
		c, ok := candidates[id]
		if !ok {
			c = &memoryCandidate{id: id, content: content}
			candidates[id] = c
		}
		return c
	}

	if params.Query == "" && params.Slot == "" {
		return mostRecentActive(ctx, db, params)
	}

	if params.Query != "" {
		bm25Rows, scores, err := bm25Candidates(ctx, db, params)
		if err != nil {
			return nil, err
		}
		for i, row := range bm25Rows {
			s := scores[i]
			get(row.id, row.content).bm25 = &s
		}

		if embedder != nil {
			vecs, err := embedder.Embed(ctx, []string{params.Query})
			if err == nil && len(vecs) == 1 {
				vecRows, vecScores, err := vectorCandidates(ctx, db, params, vecs[0])
				if err == nil {
					for i, row := range vecRows {
						s := vecScores[i]
						get(row.id, row.content).vec = &s
					}
				}
			}
		}
	}

	if params.Slot != "" {
		slotRows, err := slotCandidates(ctx, db, params)
		if err != nil {
			return nil, err
		}
		for _, row := range slotRows {
			get(row.id, row.content).slotMatch = true
		}
	}

	normalizeBranch(candidates, func(c *memoryCandidate) *float64 { return c.bm25 })
	normalizeBranch(candidates, func(c *memoryCandidate) *float64 { return c.vec })

	results := make([]MemoryResult, 0, len(candidates))
	for _, c := range candidates {
		var score float64
		switch {
		case c.bm25 != nil || c.vec != nil:
			if c.bm25 != nil {
				score += params.WeightFTS * *c.bm25
			}
			if c.vec != nil {
				score += params.WeightVector * *c.vec
			}
			if c.slotMatch {
				score += params.SlotMatchBonus
			}
		case c.slotMatch:
			score = params.SlotOnlyBaseline
		}
		results = append(results, MemoryResult{MemoryID: c.id, Content: c.content, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > params.Limit {
		results = results[:params.Limit]
	}
	return attachTags(ctx, db, results)
}

func normalizeBranch(candidates map[string]*memoryCandidate, get func(*memoryCandidate) *float64) {
	var values []float64
	for _, c := range candidates {
		if v := get(c); v != nil {
			values = append(values, *v)
		}
	}
	if len(values) < 2 {
		return // degenerate case: leave the single raw value untouched
	}
	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		return
	}
	for _, c := range candidates {
		if v := get(c); v != nil {
			*v = (*v - min) / (max - min)
		}
	}
}

func activePredicate(params MemoryQueryParams) (string, []any) {
	clauses := []string{
		"m.retracted_at IS NULL",
		"m.superseded_at IS NULL",
		"(m.expires_at IS NULL OR m.expires_at > ?)",
	}
	args := []any{nowRFC3339()}

	tiers := sensitivityTiers[params.MaxSensitivity]
	if tiers == nil {
		tiers = sensitivityTiers[""]
	}
	placeholders := make([]string, len(tiers))
	for i, t := range tiers {
		placeholders[i] = "?"
		args = append(args, t)
	}
	clauses = append(clauses, fmt.Sprintf("m.sensitivity IN (%s)", strings.Join(placeholders, ",")))
	if params.ScopeType != "" {
		clauses = append(clauses, "m.scope_type = ?")
		args = append(args, params.ScopeType)
		if params.ScopeID != "" {
			clauses = append(clauses, "m.scope_id = ?")
			args = append(args, params.ScopeID)
		}
	}
	if params.MemoryType != "" {
		clauses = append(clauses, "m.memory_type = ?")
		args = append(args, params.MemoryType)
	}
	return strings.Join(clauses, " AND "), args
}

func bm25Candidates(ctx context.Context, db *sql.DB, params MemoryQueryParams) ([]memoryRow, []float64, error) {
	pred, args := activePredicate(params)
	query := fmt.Sprintf(`
		SELECT m.memory_id, m.content, bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ? AND %s
		ORDER BY rank`, pred)

	args = append([]any{params.Query}, args...)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("bm25 query: %w", err)
	}
	defer rows.Close()

	var out []memoryRow
	var scores []float64
	for rows.Next() {
		var id, content string
		var rank float64
		if err := rows.Scan(&id, &content, &rank); err != nil {
			return nil, nil, err
		}
		out = append(out, memoryRow{id: id, content: content})
		// bm25() returns a negative-is-better score in sqlite's FTS5; invert
		// and transform per spec: 1/(1+bm25).
		scores = append(scores, 1/(1+(-rank)))
	}
	return out, scores, rows.Err()
}

func vectorCandidates(ctx context.Context, db *sql.DB, params MemoryQueryParams, query []float32) ([]memoryRow, []float64, error) {
	pred, args := activePredicate(params)
	sqlQuery := fmt.Sprintf(`
		SELECT m.memory_id, m.content, e.embedding
		FROM memory_embeddings e
		JOIN memories m ON m.memory_id = e.memory_id
		WHERE %s
		LIMIT 2000`, pred)

	rows, err := db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("vector candidate query: %w", err)
	}
	defer rows.Close()

	var out []memoryRow
	var scores []float64
	for rows.Next() {
		var id, content string
		var blob []byte
		if err := rows.Scan(&id, &content, &blob); err != nil {
			return nil, nil, err
		}
		vec := embedding.DecodeVector(blob)
		out = append(out, memoryRow{id: id, content: content})
		scores = append(scores, dot(query, vec))
	}
	return out, scores, rows.Err()
}

func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func slotCandidates(ctx context.Context, db *sql.DB, params MemoryQueryParams) ([]memoryRow, error) {
	pred, args := activePredicate(params)
	query := fmt.Sprintf(`SELECT memory_id, content FROM memories m WHERE m.slot = ? AND %s`, pred)
	args = append([]any{params.Slot}, args...)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("slot candidate query: %w", err)
	}
	defer rows.Close()

	var out []memoryRow
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, err
		}
		out = append(out, memoryRow{id: id, content: content})
	}
	return out, rows.Err()
}

func mostRecentActive(ctx context.Context, db *sql.DB, params MemoryQueryParams) ([]MemoryResult, error) {
	pred, args := activePredicate(params)
	query := fmt.Sprintf(`SELECT memory_id, content FROM memories m WHERE %s ORDER BY created_at DESC LIMIT ?`, pred)
	args = append(args, params.Limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent active query: %w", err)
	}
	defer rows.Close()

	var out []MemoryResult
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, err
		}
		out = append(out, MemoryResult{MemoryID: id, Content: content})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attachTags(ctx, db, out)
}

func attachTags(ctx context.Context, db *sql.DB, results []MemoryResult) ([]MemoryResult, error) {
	for i := range results {
		rows, err := db.QueryContext(ctx, `SELECT tag FROM memory_tags WHERE memory_id = ? ORDER BY tag`, results[i].MemoryID)
		if err != nil {
			return nil, fmt.Errorf("load tags for %s: %w", results[i].MemoryID, err)
		}
		var tags []string
		for rows.Next() {
			var tag string
			if err := rows.Scan(&tag); err != nil {
				rows.Close()
				return nil, err
			}
			tags = append(tags, tag)
		}
		rows.Close()
		results[i].Tags = tags
	}
	return results, nil
}
