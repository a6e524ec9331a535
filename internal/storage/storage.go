// Package storage owns the on-disk SQLite database: connection pools,
// pragma setup, and schema migration. A Storage has exactly one writer
// connection (owned by internal/coordinator) and an unbounded pool of
// read-only connections, so WAL readers never block on the writer.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"time"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"

	"github.com/thrr87/hoard/internal/storage/migrate"
)

// Config controls connection-level tuning; defaults match spec's
// write.database section.
type Config struct {
	Path            string
	BusyTimeoutMS   int
	ForeignKeys     bool
}

// DefaultConfig returns the documented defaults: busy_timeout_ms=5000,
// foreign_keys on.
func DefaultConfig(path string) Config {
	return Config{Path: path, BusyTimeoutMS: 5000, ForeignKeys: true}
}

// Storage holds the two connection pools against one database file.
type Storage struct {
	cfg    Config
	Writer *sql.DB // SetMaxOpenConns(1); owned exclusively by the coordinator
	Reader *sql.DB // unbounded read-only pool
	logger *log.Logger
}

// Open creates both pools against cfg.Path, applies pragmas on the writer
// connection, and runs pending migrations. The caller owns the returned
// Storage's lifetime and must call Close.
func Open(ctx context.Context, cfg Config, logger *log.Logger) (*Storage, error) {
	writerDSN := dsn(cfg.Path, false, cfg)
	writer, err := sql.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("open writer connection: %w", err)
	}
	writer.SetMaxOpenConns(1)

	readerDSN := dsn(cfg.Path, true, cfg)
	reader, err := sql.Open("sqlite3", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader pool: %w", err)
	}

	if err := applyPragmas(ctx, writer, cfg); err != nil {
		writer.Close()
		reader.Close()
		return nil, err
	}

	warning, err := migrate.Migrate(ctx, writer)
	if err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if warning != "" && logger != nil {
		logger.Printf("migrate warning: %s", warning)
	}

	return &Storage{cfg: cfg, Writer: writer, Reader: reader, logger: logger}, nil
}

func dsn(path string, readOnly bool, cfg Config) string {
	v := url.Values{}
	v.Set("_busy_timeout", fmt.Sprintf("%d", cfg.BusyTimeoutMS))
	if cfg.ForeignKeys {
		v.Set("_foreign_keys", "on")
	}
	if readOnly {
		v.Set("mode", "ro")
	} else {
		// Every sql.Tx opened on the writer connection takes the write
		// lock up front (BEGIN IMMEDIATE) instead of deferring it to the
		// first write statement, so a migration or coordinator write
		// fails fast on lock contention rather than silently upgrading
		// mid-transaction.
		v.Set("_txlock", "immediate")
	}
	return path + "?" + v.Encode()
}

func applyPragmas(ctx context.Context, db *sql.DB, cfg Config) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeoutMS),
	}
	if cfg.ForeignKeys {
		stmts = append(stmts, "PRAGMA foreign_keys=ON")
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("pragma %q: %w", s, err)
		}
	}
	return nil
}

// Close releases both connection pools.
func (s *Storage) Close() error {
	err1 := s.Writer.Close()
	err2 := s.Reader.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Now is the canonical timestamp format used across every table
// (RFC3339Nano, UTC), so lexical ordering matches chronological ordering.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
