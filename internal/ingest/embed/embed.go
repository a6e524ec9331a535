// Package embed backfills the embeddings table for chunks a sync run
// inserted or changed. Unlike memory embedding, which the background
// worker queues automatically per write, chunk embedding has no
// BackgroundJob entry of its own — ingest volume can be large and
// bursty, so it runs as an explicit, operator-triggered batch instead of
// one job per chunk.
package embed

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/thrr87/hoard/internal/coordinator"
	"github.com/thrr87/hoard/internal/embedding"
)

// Result summarizes one Build call.
type Result struct {
	Scanned int
	Embedded int
	Failed   int
}

// Build embeds every chunk missing an embedding row for embedder's
// (model, version) pair, up to limit chunks per call (0 means all). It
// batches database work in small transactions so a large backlog doesn't
// hold the single write connection for the whole run.
func Build(ctx context.Context, coord *coordinator.Coordinator, reader *sql.DB, embedder embedding.Model, limit int) (*Result, error) {
	model, version := embedder.Name(), embedder.Version()
	result := &Result{}

	const batchSize = 50
	for {
		if limit > 0 && result.Scanned >= limit {
			break
		}
		fetchLimit := batchSize
		if limit > 0 && limit-result.Scanned < batchSize {
			fetchLimit = limit - result.Scanned
		}

		rows, err := reader.QueryContext(ctx, `
			SELECT c.chunk_id, c.content
			FROM chunks c
			JOIN entities e ON e.entity_id = c.entity_id
			WHERE e.tombstoned_at IS NULL
			  AND NOT EXISTS (
			      SELECT 1 FROM embeddings em
			      WHERE em.chunk_id = c.chunk_id AND em.model = ? AND em.version = ?)
			LIMIT ?`, model, version, fetchLimit)
		if err != nil {
			return result, fmt.Errorf("select chunks missing embeddings: %w", err)
		}

		type pending struct {
			chunkID, content string
		}
		var batch []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.chunkID, &p.content); err != nil {
				rows.Close()
				return result, err
			}
			batch = append(batch, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		contents := make([]string, len(batch))
		for i, p := range batch {
			contents[i] = p.content
		}
		vecs, err := embedder.Embed(ctx, contents)
		if err != nil {
			return result, fmt.Errorf("embed batch: %w", err)
		}
		if len(vecs) != len(batch) {
			return result, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(batch))
		}

		err = coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
			now := time.Now().UTC().Format(time.RFC3339Nano)
			for i, p := range batch {
				encoded := embedding.EncodeVector(vecs[i])
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO embeddings (chunk_id, model, version, dimensions, embedding, created_at)
					VALUES (?, ?, ?, ?, ?, ?)
					ON CONFLICT(chunk_id, model, version) DO UPDATE SET embedding = excluded.embedding`,
					p.chunkID, model, version, len(vecs[i]), encoded, now); err != nil {
					return fmt.Errorf("insert embedding for %s: %w", p.chunkID, err)
				}
			}
			return nil
		})
		if err != nil {
			result.Failed += len(batch)
			return result, err
		}

		result.Scanned += len(batch)
		result.Embedded += len(batch)
		if len(batch) < fetchLimit {
			break
		}
	}
	return result, nil
}
