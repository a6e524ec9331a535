package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	return db, filepath.Join(dir, "test.db.lock")
}

func TestSubmitCommitsOnSuccess(t *testing.T) {
	db, lockPath := openTestDB(t)
	defer db.Close()

	c := New(db, lockPath, time.Second, nil)
	defer c.Stop()

	err := c.Submit(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO items(name) VALUES (?)`, "alpha")
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM items`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestSubmitRollsBackOnError(t *testing.T) {
	db, lockPath := openTestDB(t)
	defer db.Close()

	c := New(db, lockPath, time.Second, nil)
	defer c.Stop()

	wantErr := errors.New("boom")
	err := c.Submit(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO items(name) VALUES (?)`, "beta"); err != nil {
			return err
		}
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM items`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestSubmitReentersInline(t *testing.T) {
	db, lockPath := openTestDB(t)
	defer db.Close()

	c := New(db, lockPath, time.Second, nil)
	defer c.Stop()

	err := c.Submit(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO items(name) VALUES (?)`, "outer"); err != nil {
			return err
		}
		// Reentrant call from within the outer closure must not deadlock
		// on the write lock the outer call already holds.
		return c.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO items(name) VALUES (?)`, "inner")
			return err
		})
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM items`).Scan(&count))
	require.Equal(t, 2, count)
}

func TestSubmitSerializesConcurrentWriters(t *testing.T) {
	db, lockPath := openTestDB(t)
	defer db.Close()

	c := New(db, lockPath, 2*time.Second, nil)
	defer c.Stop()

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errs <- c.Submit(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, `INSERT INTO items(name) VALUES (?)`, "concurrent")
				return err
			})
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM items`).Scan(&count))
	require.Equal(t, n, count)
}
