// Package worker runs the single background worker process: it holds a
// renewable lease so only one worker dispatches jobs at a time, claims
// pending background_jobs in priority order, and dispatches each to its
// handler (embedding, duplicate detection, conflict detection).
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/thrr87/hoard/internal/coordinator"
	"github.com/thrr87/hoard/internal/embedding"
	"github.com/thrr87/hoard/internal/memory"
	"github.com/thrr87/hoard/internal/types"
)

// Config tunes the worker's polling and lease behavior.
type Config struct {
	LeaseDuration                time.Duration // default 30s
	PollInterval                 time.Duration // default 2s
	JobTimeout                   time.Duration // stuck-job requeue threshold, default 5m
	BatchSize                    int           // jobs claimed per poll, default 5
	DuplicateSimilarityThreshold float64       // default 0.85
}

// DefaultConfig returns the documented worker defaults.
func DefaultConfig() Config {
	return Config{
		LeaseDuration:                30 * time.Second,
		PollInterval:                 2 * time.Second,
		JobTimeout:                   5 * time.Minute,
		BatchSize:                    5,
		DuplicateSimilarityThreshold: 0.85,
	}
}

// Worker is one background-processing loop instance. Multiple Worker
// values may run (e.g. one per process replica); only the one holding the
// lease actually dispatches jobs.
type Worker struct {
	id       string
	cfg      Config
	coord    *coordinator.Coordinator
	reader   *sql.DB
	embedder embedding.Model
	logger   *log.Logger
}

// New constructs a Worker with a random lease identity derived from the
// process id and a UUID suffix.
func New(coord *coordinator.Coordinator, reader *sql.DB, embedder embedding.Model, cfg Config, logger *log.Logger) *Worker {
	return &Worker{
		id:       fmt.Sprintf("pid%d-%s", os.Getpid(), uuid.NewString()[:8]),
		cfg:      cfg,
		coord:    coord,
		reader:   reader,
		embedder: embedder,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled. It is meant to be run inside an
// errgroup alongside the RPC transport and sync scheduler.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				w.logger.Printf("worker tick: %v", err)
			}
		}
	}
}

func (w *Worker) tick(ctx context.Context) error {
	held, err := w.renewOrAcquireLease(ctx)
	if err != nil {
		return fmt.Errorf("lease: %w", err)
	}
	if !held {
		return nil // another worker holds the lease this cycle
	}

	if err := w.requeueStuck(ctx); err != nil {
		w.logger.Printf("requeue stuck jobs: %v", err)
	}

	recordQueueDepth(ctx, w.reader)

	if err := w.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := memory.ExpireProposals(ctx, tx)
		return err
	}); err != nil {
		w.logger.Printf("expire proposals: %v", err)
	}

	for i := 0; i < w.cfg.BatchSize; i++ {
		job, ok, err := w.claimNext(ctx)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if !ok {
			break
		}
		w.dispatch(ctx, job)
	}
	return nil
}

// renewOrAcquireLease implements the CAS upsert: acquire the lease row if
// it is absent or expired, or renew it if this worker already owns it.
// Per DESIGN.md's Open Question resolution, a renewal attempt against a
// lease already owned by this worker_id is treated as success even if the
// expiry check would otherwise fail, so a slow tick never causes a worker
// to spuriously lose its own lease mid-renewal.
func (w *Worker) renewOrAcquireLease(ctx context.Context) (bool, error) {
	var held bool
	err := w.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC()
		expires := now.Add(w.cfg.LeaseDuration)
		nowStr := now.Format(time.RFC3339Nano)
		expiresStr := expires.Format(time.RFC3339Nano)
		host, _ := os.Hostname()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO worker_lease (id, worker_id, host, pid, acquired_at, expires_at, heartbeat_at)
			VALUES (1, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				worker_id = excluded.worker_id,
				host = excluded.host,
				pid = excluded.pid,
				acquired_at = CASE WHEN worker_lease.worker_id = excluded.worker_id THEN worker_lease.acquired_at ELSE excluded.acquired_at END,
				expires_at = excluded.expires_at,
				heartbeat_at = excluded.heartbeat_at
			WHERE worker_lease.expires_at < ? OR worker_lease.worker_id = ?`,
			w.id, host, os.Getpid(), nowStr, expiresStr, nowStr,
			nowStr, w.id)
		if err != nil {
			return fmt.Errorf("lease upsert: %w", err)
		}
		n, _ := res.RowsAffected()
		held = n > 0
		return nil
	})
	return held, err
}

// requeueStuck resets jobs stuck in 'running' past JobTimeout back to
// 'pending', so a crashed worker's in-flight claim isn't lost forever.
func (w *Worker) requeueStuck(ctx context.Context) error {
	return w.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cutoff := time.Now().UTC().Add(-w.cfg.JobTimeout).Format(time.RFC3339Nano)
		_, err := tx.ExecContext(ctx, `
			UPDATE background_jobs SET status = 'pending', claimed_at = NULL, claimed_by = NULL
			WHERE status = 'running' AND claimed_at < ?`, cutoff)
		return err
	})
}

func (w *Worker) claimNext(ctx context.Context) (*types.BackgroundJob, bool, error) {
	var job *types.BackgroundJob
	err := w.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT job_id, job_type, memory_id, priority, attempts, max_retries
			FROM background_jobs
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`)

		var j types.BackgroundJob
		var jobType string
		if err := row.Scan(&j.JobID, &jobType, &j.MemoryID, &j.Priority, &j.Attempts, &j.MaxRetries); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		j.JobType = types.JobType(jobType)

		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `
			UPDATE background_jobs SET status = 'running', claimed_at = ?, claimed_by = ?, attempts = attempts + 1
			WHERE job_id = ?`, now, w.id, j.JobID); err != nil {
			return err
		}
		job = &j
		return nil
	})
	return job, job != nil, err
}

func (w *Worker) dispatch(ctx context.Context, job *types.BackgroundJob) {
	start := time.Now()
	var err error
	switch job.JobType {
	case types.JobTypeEmbedMemory:
		err = w.handleEmbedMemory(ctx, job)
	case types.JobTypeDetectDuplicates:
		err = w.handleDetectDuplicates(ctx, job)
	case types.JobTypeDetectConflicts:
		err = w.handleDetectConflicts(ctx, job)
	default:
		err = fmt.Errorf("unknown job type %q", job.JobType)
	}

	jobType := string(job.JobType)
	attrs := jobOutcomeAttr(jobType, err != nil)
	workerMetrics.jobsProcessed.Add(ctx, 1, metric.WithAttributeSet(attrs))
	workerMetrics.jobDurationMs.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributeSet(attrs))

	if err != nil {
		w.logger.Printf("job %d (%s) failed: %v", job.JobID, job.JobType, err)
		w.finishJob(ctx, job, err)
		return
	}
	w.finishJob(ctx, job, nil)
}

func (w *Worker) finishJob(ctx context.Context, job *types.BackgroundJob, jobErr error) {
	submitErr := w.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if jobErr == nil {
			_, err := tx.ExecContext(ctx, `
				UPDATE background_jobs SET status = 'completed', completed_at = ? WHERE job_id = ?`,
				now, job.JobID)
			return err
		}
		status := "pending"
		if job.Attempts >= job.MaxRetries {
			status = "failed"
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE background_jobs SET status = ?, claimed_at = NULL, claimed_by = NULL, last_error = ?
			WHERE job_id = ?`, status, jobErr.Error(), job.JobID)
		return err
	})
	if submitErr != nil {
		w.logger.Printf("finish job %d: %v", job.JobID, submitErr)
	}
}

// handleEmbedMemory embeds the memory's content and stores it keyed by
// the embedder's declared model/version, replacing any prior vector for
// that memory (a model upgrade changes the key, so stale rows for an
// old model are cleared rather than left to accumulate).
func (w *Worker) handleEmbedMemory(ctx context.Context, job *types.BackgroundJob) error {
	var content string
	if err := w.reader.QueryRowContext(ctx, `SELECT content FROM memories WHERE memory_id = ?`, job.MemoryID).Scan(&content); err != nil {
		if err == sql.ErrNoRows {
			return nil // memory retracted/deleted before the job ran
		}
		return fmt.Errorf("load memory content: %w", err)
	}

	vecs, err := w.embedder.Embed(ctx, []string{content})
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embedder returned %d vectors, want 1", len(vecs))
	}
	encoded := embedding.EncodeVector(vecs[0])
	model, version := w.embedder.Name(), w.embedder.Version()

	return w.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_id = ?`, job.MemoryID); err != nil {
			return fmt.Errorf("clear stale embeddings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_embeddings (memory_id, model, version, dimensions, embedding)
			VALUES (?, ?, ?, ?, ?)`, job.MemoryID, model, version, len(vecs[0]), encoded); err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO memory_events (memory_id, event_type, actor, detail, created_at) VALUES (?, 'embedding_added', 'worker', ?, ?)`,
			job.MemoryID, model, now)
		return err
	})
}

// cosine computes cosine similarity between two equal-length, already
// L2-normalized vectors (a plain dot product in that case).
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// handleDetectDuplicates compares the written memory's embedding against
// other active, embedded memories in the same scope and clusters it with
// the single most similar one when that similarity reaches the threshold,
// joining an open cluster that already holds either memory or opening a
// new one. Other candidates above the threshold are not clustered by this
// job.
func (w *Worker) handleDetectDuplicates(ctx context.Context, job *types.BackgroundJob) error {
	var content, scopeType string
	var scopeID sql.NullString
	var vecBlob []byte
	err := w.reader.QueryRowContext(ctx, `
		SELECT m.content, m.scope_type, m.scope_id, e.embedding
		FROM memories m
		LEFT JOIN memory_embeddings e ON e.memory_id = m.memory_id
		WHERE m.memory_id = ? AND m.retracted_at IS NULL AND m.superseded_at IS NULL`,
		job.MemoryID).Scan(&content, &scopeType, &scopeID, &vecBlob)
	if err == sql.ErrNoRows {
		return nil // no longer active
	}
	if err != nil {
		return fmt.Errorf("load memory for duplicate check: %w", err)
	}
	if vecBlob == nil {
		return nil // not embedded yet; the job completes without clustering and is not re-enqueued
	}
	target := embedding.DecodeVector(vecBlob)

	rows, err := w.reader.QueryContext(ctx, `
		SELECT m.memory_id, e.embedding
		FROM memories m
		JOIN memory_embeddings e ON e.memory_id = m.memory_id
		WHERE m.scope_type = ? AND (m.scope_id IS ? OR m.scope_id = ?)
		  AND m.memory_id != ? AND m.retracted_at IS NULL AND m.superseded_at IS NULL`,
		scopeType, scopeID, scopeID, job.MemoryID)
	if err != nil {
		return fmt.Errorf("candidate query: %w", err)
	}
	defer rows.Close()

	var bestID string
	var bestSim float64
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		sim := cosine(target, embedding.DecodeVector(blob))
		if sim > bestSim {
			bestSim, bestID = sim, id
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if bestID == "" || bestSim < w.cfg.DuplicateSimilarityThreshold {
		return nil
	}

	return w.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var existingCluster string
		err := tx.QueryRowContext(ctx, `
			SELECT dm.cluster_id FROM duplicate_members dm
			JOIN memory_duplicates d ON d.cluster_id = dm.cluster_id
			WHERE dm.memory_id IN (?, ?) AND d.resolved_at IS NULL
			LIMIT 1`, job.MemoryID, bestID).Scan(&existingCluster)

		now := time.Now().UTC().Format(time.RFC3339Nano)
		if err == sql.ErrNoRows {
			clusterID := uuid.NewString()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO memory_duplicates (cluster_id, detected_at, similarity) VALUES (?, ?, ?)`,
				clusterID, now, bestSim); err != nil {
				return err
			}
			for _, m := range []struct {
				id        string
				canonical bool
			}{{bestID, true}, {job.MemoryID, false}} {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO duplicate_members (cluster_id, memory_id, canonical) VALUES (?, ?, ?)`,
					clusterID, m.id, m.canonical); err != nil {
					return err
				}
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup existing duplicate cluster: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO duplicate_members (cluster_id, memory_id, canonical) VALUES (?, ?, 0)`,
			existingCluster, job.MemoryID)
		return err
	})
}

// handleDetectConflicts clusters active memories sharing the same
// (slot, scope_type, scope_id) tuple — the full triple, not slot+scope_type
// alone, so two projects' identical slot names never collide.
func (w *Worker) handleDetectConflicts(ctx context.Context, job *types.BackgroundJob) error {
	var slot sql.NullString
	var scopeType string
	var scopeID sql.NullString
	err := w.reader.QueryRowContext(ctx, `
		SELECT slot, scope_type, scope_id FROM memories
		WHERE memory_id = ? AND retracted_at IS NULL AND superseded_at IS NULL`,
		job.MemoryID).Scan(&slot, &scopeType, &scopeID)
	if err == sql.ErrNoRows || !slot.Valid {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load memory for conflict check: %w", err)
	}

	rows, err := w.reader.QueryContext(ctx, `
		SELECT memory_id FROM memories
		WHERE slot = ? AND scope_type = ? AND (scope_id IS ? OR scope_id = ?)
		  AND memory_id != ? AND retracted_at IS NULL AND superseded_at IS NULL`,
		slot.String, scopeType, scopeID, scopeID, job.MemoryID)
	if err != nil {
		return fmt.Errorf("conflict sibling query: %w", err)
	}
	defer rows.Close()
	var siblings []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		siblings = append(siblings, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(siblings) == 0 {
		return nil
	}

	return w.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var clusterID string
		err := tx.QueryRowContext(ctx, `
			SELECT cluster_id FROM memory_conflicts
			WHERE slot = ? AND scope_type = ? AND (scope_id IS ? OR scope_id = ?) AND resolved_at IS NULL
			LIMIT 1`, slot.String, scopeType, scopeID, scopeID).Scan(&clusterID)

		now := time.Now().UTC().Format(time.RFC3339Nano)
		if err == sql.ErrNoRows {
			clusterID = uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO memory_conflicts (cluster_id, slot, scope_type, scope_id, detected_at)
				VALUES (?, ?, ?, ?, ?)`, clusterID, slot.String, scopeType, scopeID, now); err != nil {
				return err
			}
		} else if err != nil {
			return fmt.Errorf("lookup existing conflict cluster: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO conflict_members (cluster_id, memory_id) VALUES (?, ?)`,
			clusterID, job.MemoryID); err != nil {
			return err
		}
		for _, sib := range siblings {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO conflict_members (cluster_id, memory_id) VALUES (?, ?)`,
				clusterID, sib); err != nil {
				return err
			}
		}
		return nil
	})
}

// WithJitter spreads multiple worker processes' poll ticks apart so they
// don't all wake on the same instant and contend for the lease row.
func WithJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// Retry wraps fn with an exponential backoff policy, for transient storage
// errors such as SQLITE_BUSY past the writer's busy_timeout; it stops when
// ctx ends. No job handler calls it: a failed job is retried through the
// job table's retry count instead.
func Retry(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(fn, policy)
}
