// Package migrate applies the embedded schema migrations to a storage
// connection, recording each applied version in a schema_migrations table
// and detecting downgrades, version gaps, and checksum drift.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/thrr87/hoard/internal/types"
	"github.com/thrr87/hoard/internal/version"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// Func is the escape hatch for a migration that cannot be expressed as
// plain SQL (e.g. copying rows out of a legacy table shape). Registered
// migrations run in version order alongside the embedded SQL files.
type Func func(ctx context.Context, tx *sql.Tx) error

// Migration is one schema version's upgrade step, either a SQL file's
// content or a procedural Func.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Func     Func
	Checksum string
}

// procedural holds procedural migrations keyed by version, checked at
// Migrate time for a corresponding embedded SQL file of the same version;
// at most one of SQL/Func may be used per version.
var procedural = map[int]Func{}

// RegisterFunc adds a procedural migration at the given version. Intended
// to be called from package init in a file alongside migrate.go when a
// future schema change needs imperative logic.
func RegisterFunc(version int, name string, fn Func) {
	procedural[version] = fn
}

func loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(sqlFiles, "sql")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	var out []Migration
	seen := map[int]bool{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, name, err := parseFilename(e.Name())
		if err != nil {
			return nil, err
		}
		if seen[version] {
			return nil, fmt.Errorf("duplicate migration version %d", version)
		}
		seen[version] = true

		data, err := fs.ReadFile(sqlFiles, "sql/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}

		out = append(out, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(data),
			Checksum: checksum(data),
		})
	}

	for version, fn := range procedural {
		if seen[version] {
			return nil, fmt.Errorf("migration %d has both a SQL file and a registered Func", version)
		}
		out = append(out, Migration{Version: version, Name: "func", Func: fn, Checksum: checksum([]byte(fmt.Sprintf("func:%d", version)))})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })

	if err := validateSequence(out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseFilename(name string) (int, string, error) {
	base := strings.TrimSuffix(name, ".sql")
	parts := strings.SplitN(base, "_", 2)
	version, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("migration filename %q does not start with a version number", name)
	}
	n := base
	if len(parts) == 2 {
		n = parts[1]
	}
	return version, n, nil
}

func validateSequence(migrations []Migration) error {
	for i, m := range migrations {
		want := i + 1
		if m.Version != want {
			return &types.MigrationError{Reason: fmt.Sprintf("version gap: expected %d, found %d", want, m.Version)}
		}
	}
	return nil
}

// checksum hashes the trimmed byte content of a migration file, so
// trailing-whitespace-only diffs don't register as drift.
func checksum(data []byte) string {
	trimmed := strings.TrimSpace(string(data))
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:])[:16]
}

func ensureHistoryTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			name        TEXT NOT NULL,
			applied_at  TEXT NOT NULL,
			app_version TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			checksum    TEXT NOT NULL
		)`)
	return err
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	row := db.QueryRowContext(ctx, "PRAGMA user_version")
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

func setVersion(ctx context.Context, tx *sql.Tx, v int) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v))
	return err
}

// Migrate applies every pending migration to db in order, each inside its
// own transaction, committing after each so a failure midway leaves the
// schema at the last fully-applied version rather than rolled back to
// zero. db must be a connection opened with _txlock=immediate (the
// storage package's writer DSN) so each of these transactions is a real
// BEGIN IMMEDIATE and fails fast on lock contention instead of silently
// deferring. After all migrations it runs a foreign_key_check and
// returns a non-fatal warning string (empty if clean).
func Migrate(ctx context.Context, db *sql.DB) (warning string, err error) {
	migrations, err := loadMigrations()
	if err != nil {
		return "", err
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return "", err
	}

	latest := 0
	if len(migrations) > 0 {
		latest = migrations[len(migrations)-1].Version
	}
	if current > latest {
		return "", &types.MigrationError{
			Reason: fmt.Sprintf("database is at version %d, newer than the %d versions known to this binary; refusing to run against a newer schema", current, latest),
		}
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyOne(ctx, db, m); err != nil {
			return "", fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
	}

	if err := checkIntegrity(ctx, db, migrations); err != nil {
		return "", err
	}

	return foreignKeyCheck(ctx, db)
}

func applyOne(ctx context.Context, db *sql.DB, m Migration) error {
	start := time.Now()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureHistoryTable(ctx, tx); err != nil {
		return err
	}

	if m.Func != nil {
		if err := m.Func(ctx, tx); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return err
		}
	}

	durationMs := time.Since(start).Milliseconds()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations(version, name, applied_at, app_version, duration_ms, checksum) VALUES (?, ?, ?, ?, ?, ?)`,
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano), version.Version, durationMs, m.Checksum); err != nil {
		return err
	}

	if err := setVersion(ctx, tx, m.Version); err != nil {
		return err
	}

	return tx.Commit()
}

func checkIntegrity(ctx context.Context, db *sql.DB, migrations []Migration) error {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		// Table may not exist yet on a brand-new database with zero migrations.
		return nil
	}
	defer rows.Close()

	recorded := map[int]string{}
	for rows.Next() {
		var v int
		var c string
		if err := rows.Scan(&v, &c); err != nil {
			return err
		}
		recorded[v] = c
	}

	for _, m := range migrations {
		if got, ok := recorded[m.Version]; ok && got != m.Checksum {
			return &types.MigrationError{
				Reason: fmt.Sprintf("checksum drift on version %d: applied %s, binary has %s", m.Version, got, m.Checksum),
			}
		}
	}
	return nil
}

func foreignKeyCheck(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return "", fmt.Errorf("foreign_key_check: %w", err)
	}
	defer rows.Close()

	var violations int
	for rows.Next() {
		violations++
	}
	if violations > 0 {
		return fmt.Sprintf("foreign_key_check reported %d violation(s) after migration", violations), nil
	}
	return "", nil
}
