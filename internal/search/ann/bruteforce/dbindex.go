package bruteforce

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/thrr87/hoard/internal/embedding"
	"github.com/thrr87/hoard/internal/search/ann"
)

// DBIndex is a bruteforce Index that reloads its vector set from the
// database on every Search, rather than the caller fetching rows once
// and building a fixed Index. This is the right default for a database
// small enough that the brute-force path is viable at all: a query
// against a handful of hundred embeddings costs less than tracking
// invalidation for an in-memory copy.
type DBIndex struct {
	db    *sql.DB
	query string
}

// NewDBIndex wraps a query that returns exactly (id TEXT, embedding BLOB)
// columns, in that order, over the rows to scan.
func NewDBIndex(db *sql.DB, query string) *DBIndex {
	return &DBIndex{db: db, query: query}
}

func (d *DBIndex) Search(ctx context.Context, query []float32, k int) ([]ann.Candidate, error) {
	rows, err := d.db.QueryContext(ctx, d.query)
	if err != nil {
		return nil, fmt.Errorf("bruteforce: load vectors: %w", err)
	}
	defer rows.Close()

	var vectors []Vector
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("bruteforce: scan vector row: %w", err)
		}
		vectors = append(vectors, Vector{ID: id, Values: embedding.DecodeVector(blob)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return New(vectors).Search(ctx, query, k)
}
