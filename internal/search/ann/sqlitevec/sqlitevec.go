// Package sqlitevec implements internal/search/ann.Index over a vec0
// virtual table provided by sqlite-vec, the real wired ANN backend for
// this daemon.
package sqlitevec

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/thrr87/hoard/internal/embedding"
	"github.com/thrr87/hoard/internal/search/ann"
)

// Index queries a vec0 virtual table named table, whose rowid maps 1:1 to
// the memory_embeddings/embeddings table row this vector search serves.
type Index struct {
	db    *sql.DB
	table string
	idCol string
}

// New constructs an Index against an existing vec0 virtual table. Callers
// are responsible for creating the table (e.g. `CREATE VIRTUAL TABLE
// memory_vec USING vec0(embedding float[N])`) and keeping it populated —
// this type only queries.
func New(db *sql.DB, table, idCol string) *Index {
	return &Index{db: db, table: table, idCol: idCol}
}

// Search runs a vec0 KNN query ordered by distance ascending, translating
// distance into a similarity score (1 / (1 + distance)) so callers treat
// every ann.Index uniformly (higher score = closer).
func (i *Index) Search(ctx context.Context, query []float32, k int) ([]ann.Candidate, error) {
	blob := embedding.EncodeVector(query)

	rows, err := i.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s, distance FROM %s WHERE embedding MATCH ? AND k = ? ORDER BY distance`,
		i.idCol, i.table), blob, k)
	if err != nil {
		return nil, fmt.Errorf("vec0 search on %s: %w", i.table, err)
	}
	defer rows.Close()

	var out []ann.Candidate
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		out = append(out, ann.Candidate{ID: id, Score: 1 / (1 + distance)})
	}
	return out, rows.Err()
}
