// Package sync drives one connector's scan-and-reconcile cycle: discover
// what the connector currently sees, upsert each entity, then tombstone
// whatever this connector previously ingested but no longer sees.
//
// A scan that fails partway through must never tombstone — a partial
// view of the source is not evidence anything was deleted — so the
// sweep only runs when the connector's Scan completed without error.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/thrr87/hoard/internal/coordinator"
	"github.com/thrr87/hoard/internal/ingest/entitystore"
	"github.com/thrr87/hoard/internal/lockfile"
	"github.com/thrr87/hoard/internal/types"
)

// DiscoveredEntity is one item a Connector's Scan yields.
type DiscoveredEntity struct {
	SourceID string
	Entity   entitystore.EntityInput
}

// Connector is the interface every ingest source implements: localfiles,
// and any future connector.
type Connector interface {
	// Name is the stable `source` value this connector writes into
	// entities.source.
	Name() string
	// Scan yields every entity currently visible at the source. It must
	// return a non-nil error (wrapped in *types.ConnectorError by the
	// caller) if the enumeration was incomplete, so Run can skip
	// tombstoning rather than act on partial information.
	Scan(ctx context.Context, yield func(DiscoveredEntity) error) error
}

// Result summarizes one sync run.
type Result struct {
	Source         string
	Upserted       int
	ContentChanged int
	Tombstoned     int
	EntityErrors   []EntityError
	Tombstoning    bool // false when the scan failed and cleanup was skipped
}

// EntityError records a single entity's upsert failure without aborting
// the rest of the scan.
type EntityError struct {
	SourceID string
	Err      error
}

// Engine runs connectors against the entity store.
type Engine struct {
	store    *entitystore.Store
	coord    *coordinator.Coordinator
	lockDir  string
	logger   *log.Logger
}

// New constructs an Engine. lockDir is the directory holding the
// system-wide sync lock file (e.g. "<data-dir>/locks").
func New(store *entitystore.Store, coord *coordinator.Coordinator, lockDir string, logger *log.Logger) *Engine {
	return &Engine{store: store, coord: coord, lockDir: lockDir, logger: logger}
}

// Run executes one full scan-upsert-cleanup cycle for conn, serialized
// against any other sync, of this or any connector, via one system-wide
// sync lock file.
func (e *Engine) Run(ctx context.Context, conn Connector) (*Result, error) {
	lockPath := fmt.Sprintf("%s/sync.lock", e.lockDir)
	release, err := lockfile.AcquireSyncLock(lockPath)
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock for %s: %w", conn.Name(), err)
	}
	defer release()

	result := &Result{Source: conn.Name()}
	seen := map[string]bool{}

	scanErr := conn.Scan(ctx, func(d DiscoveredEntity) error {
		seen[d.SourceID] = true
		upserted, err := e.store.UpsertEntity(ctx, d.Entity)
		if err != nil {
			result.EntityErrors = append(result.EntityErrors, EntityError{SourceID: d.SourceID, Err: err})
			if e.logger != nil {
				e.logger.Printf("sync %s: entity %s failed: %v", conn.Name(), d.SourceID, err)
			}
			return nil // isolate this entity's failure; keep scanning
		}
		result.Upserted++
		if upserted.ContentChanged {
			result.ContentChanged++
		}
		return nil
	})

	if scanErr != nil {
		return result, &types.ConnectorError{Source: conn.Name(), Err: scanErr}
	}

	result.Tombstoning = true
	n, err := e.tombstoneMissing(ctx, conn.Name(), seen)
	if err != nil {
		return result, fmt.Errorf("tombstone sweep for %s: %w", conn.Name(), err)
	}
	result.Tombstoned = n
	return result, nil
}

// tombstoneMissing marks every non-tombstoned entity for source whose
// source_id is not in seen as tombstoned, via a temp-table set-difference
// so the NOT IN list never has to be built as Go bind parameters.
func (e *Engine) tombstoneMissing(ctx context.Context, source string, seen map[string]bool) (int, error) {
	var count int
	err := e.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS sync_seen (source_id TEXT PRIMARY KEY)`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_seen`); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO sync_seen(source_id) VALUES (?)`)
		if err != nil {
			return err
		}
		for id := range seen {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				stmt.Close()
				return err
			}
		}
		stmt.Close()

		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx, `
			UPDATE entities SET tombstoned_at = ?
			WHERE source = ? AND tombstoned_at IS NULL
			  AND source_id NOT IN (SELECT source_id FROM sync_seen)`,
			now, source)
		if err != nil {
			return fmt.Errorf("tombstone update: %w", err)
		}
		n, _ := res.RowsAffected()
		count = int(n)

		_, err = tx.ExecContext(ctx, `DROP TABLE sync_seen`)
		return err
	})
	return count, err
}
