package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/thrr87/hoard/internal/auth"
	"github.com/thrr87/hoard/internal/config"
	"github.com/thrr87/hoard/internal/connectors"
	"github.com/thrr87/hoard/internal/coordinator"
	"github.com/thrr87/hoard/internal/embedding"
	"github.com/thrr87/hoard/internal/ingest/entitystore"
	"github.com/thrr87/hoard/internal/ingest/sync"
	"github.com/thrr87/hoard/internal/lockfile"
	"github.com/thrr87/hoard/internal/memory"
	"github.com/thrr87/hoard/internal/search/ann"
	"github.com/thrr87/hoard/internal/search/ann/bruteforce"
	"github.com/thrr87/hoard/internal/search/ann/sqlitevec"
	"github.com/thrr87/hoard/internal/storage"
)

// app bundles every wired subsystem a cobra command needs. Not every
// command uses every field (e.g. `migrate` never touches the dispatcher),
// but constructing them together keeps one source of truth for wiring
// order, matching how the reference daemon boots as a single unit.
type app struct {
	cfg        config.Config
	dataDir    string
	logger     *log.Logger
	store      *storage.Storage
	coord      *coordinator.Coordinator
	serverLock *lockfile.ServerLock

	auther     *auth.Authenticator
	limiter    *auth.RateLimiter
	memStore   *memory.Store
	entities   *entitystore.Store
	connectors *connectors.Registry
	syncEngine *sync.Engine
	embedder   embedding.Model
	annIndex   ann.Index
}

// resolveDataDir applies the --data-dir flag over $HOARD_DATA_DIR over
// the ~/.hoard default, in that priority order.
func resolveDataDir() (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	return config.DataDir()
}

// openApp loads configuration and opens storage (running migrations),
// but does not take the server singleton lock or start any background
// loop — suitable for one-shot commands like `migrate` and `status`.
func openApp(ctx context.Context) (*app, error) {
	dir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logOut := io.Writer(os.Stderr)
	if f, err := os.OpenFile(cfg.Artifacts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err == nil {
		logOut = io.MultiWriter(os.Stderr, f)
	}
	logger := log.New(logOut, "hoardd: ", log.LstdFlags)

	storeCfg := storage.Config{
		Path:          cfg.Storage.Path,
		BusyTimeoutMS: cfg.Write.BusyTimeoutMS,
		ForeignKeys:   true,
	}
	store, err := storage.Open(ctx, storeCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	lockPath := cfg.Storage.Path + ".lock"
	deadline := time.Duration(cfg.Write.LockDeadlineMS) * time.Millisecond
	coord := coordinator.New(store.Writer, lockPath, deadline, logger)

	hmacKey, err := config.LoadOrCreateHMACKey(dir)
	if err != nil {
		store.Close()
		return nil, err
	}
	adminSecret, err := config.LoadOrCreateServerSecret(dir)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		dataDir:  dir,
		logger:   logger,
		store:    store,
		coord:    coord,
		auther:   auth.New(coord, store.Reader, adminSecret, hmacKey),
		limiter:  auth.NewRateLimiter(),
		memStore: memory.New(coord, store.Reader),
		entities: entitystore.New(coord, store.Reader),
		embedder: embedding.NewHashEmbedder(cfg.Vectors.Dimensions),
	}
	a.memStore.OnInvalidSlot = memory.OnInvalidSlot(cfg.Memory.OnInvalidSlot)
	a.memStore.DefaultProposalTTL = cfg.Memory.DefaultProposalTTL
	a.memStore.MaxProposalTTL = cfg.Memory.MaxProposalTTL

	reg, err := connectors.New(cfg.Connectors)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build connectors: %w", err)
	}
	a.connectors = reg
	a.syncEngine = sync.New(a.entities, coord, filepath.Join(dir, "locks"), logger)

	// The entity/chunk hybrid search path (search.SearchEntities) is the
	// only consumer of annIndex; it ranks rows from the chunk-keyed
	// embeddings table, never memories. A brute-force scan over that
	// table is always available as the degrade path described in
	// SPEC_FULL.md's ANN expansion, used outright when ANN is disabled
	// and as the fallback if the sqlite-vec backend errors (e.g. its
	// vec0 table hasn't been created for the configured dimension yet).
	bruteIndex := bruteforce.NewDBIndex(store.Reader, `SELECT chunk_id, embedding FROM embeddings`)
	if cfg.Vectors.ANN.Enabled {
		a.annIndex = ann.WithFallback(sqlitevec.New(store.Reader, "chunk_vec", "chunk_id"), bruteIndex)
	} else {
		a.annIndex = bruteIndex
	}

	for name, token := range cfg.Security.Tokens {
		if err := a.auther.EnsureStatic(ctx, name, token, auth.RegisterInput{
			Scopes:           []string{"*"},
			TrustLevel:       "standard",
			RateLimitPerHour: cfg.Security.DefaultRateLimit,
			ProposalTTLDays:  cfg.Memory.DefaultProposalTTL,
		}); err != nil {
			logger.Printf("bootstrap static token %q: %v", name, err)
		}
	}

	if err := os.MkdirAll(filepath.Join(dir, "locks"), 0o700); err != nil {
		store.Close()
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o700); err != nil {
		store.Close()
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}

	return a, nil
}

// acquireServerLock takes the non-blocking daemon-singleton lock on
// <db>.server, failing fast (and fatally, per spec.md §4.9) if another
// daemon already holds it.
func (a *app) acquireServerLock() error {
	path := a.cfg.Storage.Path + ".server"
	lock, err := lockfile.AcquireServerLock(path, lockfile.LockInfo{
		PID:       os.Getpid(),
		Database:  a.cfg.Storage.Path,
		Version:   "1",
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		if err == lockfile.ErrLocked {
			return fmt.Errorf("another hoardd process already holds the server lock at %s", path)
		}
		return fmt.Errorf("acquire server lock: %w", err)
	}
	a.serverLock = lock
	return nil
}

// Close releases every resource openApp acquired, in reverse order.
func (a *app) Close() error {
	if a.serverLock != nil {
		a.serverLock.Release()
	}
	a.coord.Stop()
	return a.store.Close()
}

// reader is a small helper for commands that just want a *sql.DB for ad
// hoc reporting queries against the reader pool.
func (a *app) reader() *sql.DB { return a.store.Reader }
