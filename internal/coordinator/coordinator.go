// Package coordinator serializes every write against the storage file
// through one worker goroutine holding a cross-process exclusive advisory
// lock, per the single-writer contract this daemon relies on.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/thrr87/hoard/internal/lockfile"
	"github.com/thrr87/hoard/internal/types"
)

// WriteFunc is a closure submitted to the coordinator; it runs against a
// transaction that commits on success and rolls back if it returns an
// error.
type WriteFunc func(ctx context.Context, tx *sql.Tx) error

type job struct {
	ctx  context.Context
	fn   WriteFunc
	done chan error
}

// Coordinator owns the single writer connection and the cross-process
// write lock on <db>.lock.
type Coordinator struct {
	db       *sql.DB
	lockPath string
	deadline time.Duration
	logger   *log.Logger

	queue chan job
	stop  chan struct{}
	done  chan struct{}
}

type contextKey int

const (
	insideKey contextKey = iota
	txKey
)

// New constructs a Coordinator. lockPath is the <db>.lock sidecar file;
// deadline bounds how long Submit will wait to acquire it when called from
// outside the worker goroutine.
func New(db *sql.DB, lockPath string, deadline time.Duration, logger *log.Logger) *Coordinator {
	c := &Coordinator{
		db:       db,
		lockPath: lockPath,
		deadline: deadline,
		logger:   logger,
		queue:    make(chan job),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case j := <-c.queue:
			j.done <- c.execute(j.ctx, j.fn)
		case <-c.stop:
			return
		}
	}
}

func (c *Coordinator) execute(ctx context.Context, fn WriteFunc) (err error) {
	lock, lockErr := lockfile.AcquireWriteLock(c.lockPath, c.deadline)
	if lockErr != nil {
		if lockErr == lockfile.ErrLockTimeout {
			return &types.LockTimeout{Database: c.lockPath}
		}
		return fmt.Errorf("acquire write lock: %w", lockErr)
	}
	defer lock.Release()

	// c.db is the writer connection, opened with _txlock=immediate, so
	// this BeginTx issues BEGIN IMMEDIATE and takes SQLite's write lock
	// up front rather than deferring it to the first write statement.
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}

	innerCtx := context.WithValue(ctx, insideKey, true)
	innerCtx = context.WithValue(innerCtx, txKey, tx)

	if err = fn(innerCtx, tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Submit runs fn against the writer connection, holding the cross-process
// write lock for the duration.
//
// If ctx already carries the coordinator's active transaction (set when fn
// itself was invoked by the coordinator and, in turn, calls Submit again),
// it runs fn inline against that same transaction instead of re-acquiring
// the lock or re-enqueueing — this is how a write closure that calls
// Submit from within itself avoids deadlocking on its own lock. Go has no
// per-goroutine identity the way Python's threading.get_ident() gives the
// reference implementation one, so reentrancy is tracked explicitly
// through the context passed to each submitted closure instead.
func (c *Coordinator) Submit(ctx context.Context, fn WriteFunc) error {
	if v, ok := ctx.Value(insideKey).(bool); ok && v {
		tx, _ := ctx.Value(txKey).(*sql.Tx)
		return fn(ctx, tx)
	}

	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case c.queue <- j:
	case <-c.stop:
		return fmt.Errorf("coordinator stopped")
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits for any in-flight write to finish. It
// does not close the underlying *sql.DB or release the write lock file —
// the caller (storage layer) owns both.
func (c *Coordinator) Stop() {
	close(c.stop)
	<-c.done
}
