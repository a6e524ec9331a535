package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thrr87/hoard/internal/lockfile"
	"github.com/thrr87/hoard/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a daemon is running against this data dir and summarize its storage",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	serverLockPath := a.cfg.Storage.Path + ".server"
	held, err := lockfile.IsServerLockHeld(serverLockPath)
	if err != nil {
		return fmt.Errorf("probe server lock: %w", err)
	}
	if held {
		info, _ := lockfile.ReadLockInfo(serverLockPath)
		fmt.Printf("daemon: running (pid %d, started %s)\n", info.PID, info.StartedAt.Format("2006-01-02T15:04:05Z"))
	} else {
		fmt.Println("daemon: not running")
	}

	now := storage.Now()
	rows := []struct {
		label string
		query string
		args  []any
	}{
		{"entities (active)", "SELECT count(*) FROM entities WHERE tombstoned_at IS NULL", nil},
		{"entities (tombstoned)", "SELECT count(*) FROM entities WHERE tombstoned_at IS NOT NULL", nil},
		{"chunks", "SELECT count(*) FROM chunks", nil},
		{"memories (active)", `SELECT count(*) FROM memories
			WHERE retracted_at IS NULL AND superseded_at IS NULL
			  AND (expires_at IS NULL OR expires_at > ?)`, []any{now}},
		{"pending jobs", "SELECT count(*) FROM background_jobs WHERE status = 'pending'", nil},
		{"open conflicts", "SELECT count(*) FROM memory_conflicts WHERE resolved_at IS NULL", nil},
		{"open duplicates", "SELECT count(*) FROM memory_duplicates WHERE resolved_at IS NULL", nil},
		{"registered agents", "SELECT count(*) FROM agent_tokens WHERE revoked_at IS NULL", nil},
	}
	for _, r := range rows {
		var n int
		if err := a.reader().QueryRowContext(ctx, r.query, r.args...).Scan(&n); err != nil {
			fmt.Printf("%-22s error: %v\n", r.label, err)
			continue
		}
		fmt.Printf("%-22s %d\n", r.label, n)
	}
	return nil
}
