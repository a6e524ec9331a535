package search

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/thrr87/hoard/internal/embedding"
	"github.com/thrr87/hoard/internal/search/ann"
)

// EntityQueryParams selects, ranks, filters, and paginates entities/chunks
// by hybrid search.
type EntityQueryParams struct {
	Query              string
	Limit              int // entities per page, default 10
	Cursor             int // offset into the entity-ranked list, 0 = first page
	RRFK               int // default 60
	MaxSensitivity     string
	Source             string   // optional: entities.source filter
	Types              []string // optional: entities.entity_type IN (...)
	MaxChunksPerEntity int      // chunks returned per entity, default 3
}

// ChunkHit is one matching chunk within an EntityGroup.
type ChunkHit struct {
	ChunkID string  `json:"chunk_id"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// EntityGroup is one ranked entity, carrying its best-matching chunks.
type EntityGroup struct {
	EntityID string     `json:"entity_id"`
	Title    string     `json:"title"`
	URI      string     `json:"uri"`
	Source   string     `json:"source"`
	Type     string     `json:"type"`
	Score    float64    `json:"score"`
	Chunks   []ChunkHit `json:"chunks"`
}

// Page is one cursor-paginated slice of entity results. NextCursor is nil
// once the caller has reached the end of the ranked list.
type Page struct {
	Results    []EntityGroup `json:"results"`
	NextCursor *int          `json:"next_cursor"`
}

// EntityResult is one ranked chunk-level hit, kept for call sites that
// want the flat (pre-grouping) shape.
type EntityResult struct {
	EntityID string
	ChunkID  string
	Title    string
	URI      string
	Source   string
	Type     string
	Snippet  string
	Score    float64
}

// EntityQuery implements the hybrid entity/chunk search path: a BM25
// ranking over chunks_fts and an ANN ranking over the chunk embedding
// space are each turned into a rank order, then combined with
// Reciprocal Rank Fusion (score = sum over branches of 1/(k+rank)). RRF
// is rank-based rather than score-based, so it needs no cross-branch
// normalization the way the memory-query hybrid score does. This returns
// the flat, ungrouped chunk hits; SearchEntities groups and paginates them.
func EntityQuery(ctx context.Context, db *sql.DB, embedder embedding.Model, index ann.Index, params EntityQueryParams) ([]EntityResult, error) {
	defer recordLatency(ctx, "entity", time.Now())
	if params.Limit <= 0 {
		params.Limit = 20
	}
	if params.RRFK <= 0 {
		params.RRFK = 60
	}
	if params.Query == "" {
		return nil, fmt.Errorf("entity query: query text required")
	}

	type rankedRow struct {
		chunkID  string
		entityID string
		title    string
		uri      string
		source   string
		typ      string
		snippet  string
	}
	rows := map[string]rankedRow{}
	rrf := map[string]float64{}

	addRanked := func(ids []string, fetch func(string) (rankedRow, bool)) {
		for i, id := range ids {
			if _, ok := rows[id]; !ok {
				if row, found := fetch(id); found {
					rows[id] = row
				} else {
					continue
				}
			}
			rrf[id] += 1.0 / float64(params.RRFK+i+1)
		}
	}

	fanout := params.Limit * 4
	if fanout < 40 {
		fanout = 40
	}

	bm25IDs, bm25Rows, err := bm25Chunks(ctx, db, params, fanout)
	if err != nil {
		return nil, err
	}
	for id, r := range bm25Rows {
		rows[id] = rankedRow{chunkID: id, entityID: r.entityID, title: r.title, uri: r.uri, source: r.source, typ: r.typ, snippet: r.snippet}
	}
	addRanked(bm25IDs, func(id string) (rankedRow, bool) { r, ok := rows[id]; return r, ok })

	if embedder != nil && index != nil {
		vecs, embedErr := embedder.Embed(ctx, []string{params.Query})
		if embedErr == nil && len(vecs) == 1 {
			candidates, annErr := index.Search(ctx, vecs[0], fanout)
			if annErr == nil {
				vecIDs := make([]string, len(candidates))
				for i, c := range candidates {
					vecIDs[i] = c.ID
				}
				missing := make([]string, 0)
				for _, id := range vecIDs {
					if _, ok := rows[id]; !ok {
						missing = append(missing, id)
					}
				}
				fetched, fetchErr := fetchChunkRows(ctx, db, missing, params)
				if fetchErr == nil {
					for id, r := range fetched {
						rows[id] = rankedRow{chunkID: id, entityID: r.entityID, title: r.title, uri: r.uri, source: r.source, typ: r.typ, snippet: r.snippet}
					}
					addRanked(vecIDs, func(id string) (rankedRow, bool) { r, ok := rows[id]; return r, ok })
				}
			}
		}
	}

	results := make([]EntityResult, 0, len(rrf))
	for id, score := range rrf {
		r := rows[id]
		results = append(results, EntityResult{
			EntityID: r.entityID,
			ChunkID:  r.chunkID,
			Title:    r.title,
			URI:      r.uri,
			Source:   r.source,
			Type:     r.typ,
			Snippet:  r.snippet,
			Score:    score,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// SearchEntities wraps EntityQuery: it groups chunk-level hits by entity
// (keeping each entity's MaxChunksPerEntity best-scoring chunks, entity
// score = its best chunk's score), then returns one cursor-paginated page
// of entity groups ordered by score.
func SearchEntities(ctx context.Context, db *sql.DB, embedder embedding.Model, index ann.Index, params EntityQueryParams) (*Page, error) {
	if params.MaxChunksPerEntity <= 0 {
		params.MaxChunksPerEntity = 3
	}
	if params.Limit <= 0 {
		params.Limit = 10
	}
	flat, err := EntityQuery(ctx, db, embedder, index, params)
	if err != nil {
		return nil, err
	}

	type group struct {
		g      EntityGroup
		chunks []ChunkHit
	}
	order := make([]string, 0)
	groups := map[string]*group{}
	for _, r := range flat {
		grp, ok := groups[r.EntityID]
		if !ok {
			grp = &group{g: EntityGroup{EntityID: r.EntityID, Title: r.Title, URI: r.URI, Source: r.Source, Type: r.Type, Score: r.Score}}
			groups[r.EntityID] = grp
			order = append(order, r.EntityID)
		}
		if len(grp.chunks) < params.MaxChunksPerEntity {
			grp.chunks = append(grp.chunks, ChunkHit{ChunkID: r.ChunkID, Snippet: r.Snippet, Score: r.Score})
		}
		if r.Score > grp.g.Score {
			grp.g.Score = r.Score
		}
	}

	entityGroups := make([]EntityGroup, 0, len(order))
	for _, id := range order {
		grp := groups[id]
		grp.g.Chunks = grp.chunks
		entityGroups = append(entityGroups, grp.g)
	}
	sort.Slice(entityGroups, func(i, j int) bool { return entityGroups[i].Score > entityGroups[j].Score })

	start := params.Cursor
	if start > len(entityGroups) {
		start = len(entityGroups)
	}
	end := start + params.Limit
	if end > len(entityGroups) {
		end = len(entityGroups)
	}
	page := entityGroups[start:end]

	var next *int
	if end < len(entityGroups) {
		n := end
		next = &n
	}
	return &Page{Results: page, NextCursor: next}, nil
}

type chunkRow struct {
	entityID string
	title    string
	uri      string
	source   string
	typ      string
	snippet  string
}

func sensitivityClause(maxSensitivity string) (string, []any) {
	tiers := sensitivityTiers[maxSensitivity]
	if tiers == nil {
		tiers = sensitivityTiers[""]
	}
	placeholders := ""
	args := make([]any, 0, len(tiers))
	for i, t := range tiers {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, t)
	}
	return fmt.Sprintf("e.sensitivity IN (%s)", placeholders), args
}

// filterClause builds the optional source/types predicate shared by the
// BM25 and ANN-fetch queries.
func filterClause(params EntityQueryParams) (string, []any) {
	clause := ""
	var args []any
	if params.Source != "" {
		clause += " AND e.source = ?"
		args = append(args, params.Source)
	}
	if len(params.Types) > 0 {
		placeholders := ""
		for i, t := range params.Types {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, t)
		}
		clause += fmt.Sprintf(" AND e.entity_type IN (%s)", placeholders)
	}
	return clause, args
}

func bm25Chunks(ctx context.Context, db *sql.DB, params EntityQueryParams, fanout int) ([]string, map[string]chunkRow, error) {
	sensClause, sensArgs := sensitivityClause(params.MaxSensitivity)
	filterSQL, filterArgs := filterClause(params)
	query := fmt.Sprintf(`
		SELECT c.chunk_id, c.entity_id, coalesce(e.title, ''), coalesce(e.uri, ''), e.source, e.entity_type, c.content
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		JOIN entities e ON e.entity_id = c.entity_id
		WHERE chunks_fts MATCH ? AND e.tombstoned_at IS NULL AND %s%s
		ORDER BY bm25(chunks_fts)
		LIMIT ?`, sensClause, filterSQL)

	queryArgs := append([]any{params.Query}, sensArgs...)
	queryArgs = append(queryArgs, filterArgs...)
	queryArgs = append(queryArgs, fanout)

	rows, err := db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, nil, fmt.Errorf("bm25 chunk query: %w", err)
	}
	defer rows.Close()

	var ids []string
	out := map[string]chunkRow{}
	for rows.Next() {
		var chunkID, entityID, title, uri, source, typ, content string
		if err := rows.Scan(&chunkID, &entityID, &title, &uri, &source, &typ, &content); err != nil {
			return nil, nil, err
		}
		ids = append(ids, chunkID)
		out[chunkID] = chunkRow{entityID: entityID, title: title, uri: uri, source: source, typ: typ, snippet: snippet(content)}
	}
	return ids, out, rows.Err()
}

func fetchChunkRows(ctx context.Context, db *sql.DB, chunkIDs []string, params EntityQueryParams) (map[string]chunkRow, error) {
	out := map[string]chunkRow{}
	if len(chunkIDs) == 0 {
		return out, nil
	}
	placeholders := ""
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	sensClause, sensArgs := sensitivityClause(params.MaxSensitivity)
	filterSQL, filterArgs := filterClause(params)
	query := fmt.Sprintf(`
		SELECT c.chunk_id, c.entity_id, coalesce(e.title, ''), coalesce(e.uri, ''), e.source, e.entity_type, c.content
		FROM chunks c JOIN entities e ON e.entity_id = c.entity_id
		WHERE c.chunk_id IN (%s) AND e.tombstoned_at IS NULL AND %s%s`, placeholders, sensClause, filterSQL)
	args = append(args, sensArgs...)
	args = append(args, filterArgs...)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk rows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var chunkID, entityID, title, uri, source, typ, content string
		if err := rows.Scan(&chunkID, &entityID, &title, &uri, &source, &typ, &content); err != nil {
			return nil, err
		}
		out[chunkID] = chunkRow{entityID: entityID, title: title, uri: uri, source: source, typ: typ, snippet: snippet(content)}
	}
	return out, rows.Err()
}

func snippet(content string) string {
	const maxLen = 240
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen] + "…"
}
