package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thrr87/hoard/internal/rpc"
	"github.com/thrr87/hoard/internal/worker"
)

var (
	stdioOverride bool
	httpOverride  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: background worker, sync scheduler, and RPC transports",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&stdioOverride, "stdio", false, "Also serve the line-delimited stdio transport on this process's stdin/stdout")
	serveCmd.Flags().StringVar(&httpOverride, "http-addr", "", "Override the configured HTTP listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.acquireServerLock(); err != nil {
		// Server singleton failure on startup is fatal with a clear
		// operator message, per spec.md §4.9.
		return err
	}

	httpAddr := a.cfg.Server.HTTPAddr
	if httpOverride != "" {
		httpAddr = httpOverride
	}

	dispatcher := rpc.New(
		a.auther, a.limiter, a.coord, a.reader(),
		a.memStore, a.entities, a.syncEngine, a.connectors,
		a.embedder, a.annIndex,
		rpc.Limits{
			SearchRequestsPerMinute: a.cfg.RateLimits.SearchRequestsPerMinute,
			GetRequestsPerMinute:    a.cfg.RateLimits.GetRequestsPerMinute,
			ChunksReturnedPerHour:   a.cfg.RateLimits.ChunksReturnedPerHour,
			BytesReturnedPerHour:    a.cfg.RateLimits.BytesReturnedPerHour,
		},
		a.logger, a.cfg.MCP.LogLegacyAliasUse)

	workerCfg := worker.Config{
		LeaseDuration:                time.Duration(a.cfg.Write.Worker.LeaseDurationSeconds) * time.Second,
		PollInterval:                 time.Duration(a.cfg.Write.Worker.PollIntervalMS) * time.Millisecond,
		JobTimeout:                   time.Duration(a.cfg.Write.Worker.JobTimeoutSeconds) * time.Second,
		BatchSize:                    worker.DefaultConfig().BatchSize,
		DuplicateSimilarityThreshold: a.cfg.Duplicates.SimilarityThreshold,
	}
	bgWorker := worker.New(a.coord, a.reader(), a.embedder, workerCfg, a.logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bgWorker.Run(gctx)
	})

	if a.cfg.Sync.IntervalSeconds > 0 && len(a.connectors.Names()) > 0 {
		g.Go(func() error {
			return runSyncScheduler(gctx, a)
		})
	}

	httpHandler := rpc.NewHTTPHandler(dispatcher, a.logger)
	g.Go(func() error {
		a.logger.Printf("serving JSON-RPC over HTTP at %s (POST /mcp)", httpAddr)
		return httpHandler.ListenAndServe(gctx, httpAddr)
	})

	if a.cfg.Server.StdioEnabled || stdioOverride {
		g.Go(func() error {
			token := os.Getenv("HOARD_TOKEN")
			stdioHandler := rpc.NewStdioHandler(dispatcher, token, a.logger)
			return stdioHandler.Run(gctx, os.Stdin, os.Stdout)
		})
	}

	a.logger.Printf("hoardd ready, data dir %s", a.dataDir)
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// runSyncScheduler re-syncs every configured connector on a fixed
// interval until ctx is cancelled. A single connector's failure never
// aborts the loop for the rest (the engine's own fail-closed tombstoning
// contract already isolates per-connector errors).
func runSyncScheduler(ctx context.Context, a *app) error {
	interval := time.Duration(a.cfg.Sync.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, name := range a.connectors.Names() {
				conn, ok := a.connectors.Get(name)
				if !ok {
					continue
				}
				if _, err := a.syncEngine.Run(ctx, conn); err != nil {
					a.logger.Printf("scheduled sync of %s failed: %v", name, err)
				}
			}
		}
	}
}
