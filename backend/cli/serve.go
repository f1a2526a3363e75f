package cli

import (
	"context"
	"fmt"

	"github.com/andi/cogstac/backend/api"
	"github.com/andi/cogstac/backend/database"
	"github.com/andi/cogstac/backend/scheduler"
	"github.com/andi/cogstac/backend/watcher"
	"github.com/spf13/cobra"
)

func (a *app) serveCommand() *cobra.Command {
	var host string
	var port int
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, source watcher and status API",
		Long: `Runs as a service: tiles queued through the API or detected by the source
watcher are converted in batches every scheduler.batch_interval, and the status
API serves runs, jobs, tiles and live worker pool events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("host") {
				a.cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			if cmd.Flags().Changed("watch") {
				a.cfg.Watcher.Enabled = watch
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return a.serve(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	cmd.Flags().BoolVar(&watch, "watch", false, "watch the source tree for new or changed files (overrides watcher.enabled)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	logger := a.logger

	db, err := a.openDB()
	if err != nil {
		return err
	}

	// Runs interrupted by a previous shutdown can never finish
	resetCount, err := database.NewRunRepo(db).ResetRunningRuns()
	if err != nil {
		logger.Warn("failed to reset running runs", "error", err)
	} else if resetCount > 0 {
		logger.Info("marked interrupted runs as failed", "count", resetCount)
	}

	p, err := a.newPipeline(pipelineOptions{useDB: true, useGateway: a.cfg.Sync.Enabled})
	if err != nil {
		return err
	}

	sched := scheduler.New(p, a.cfg.Scheduler.BatchInterval, logger)
	sched.Start()
	defer sched.Stop()

	server := api.New(db, sched, p.Manager(), a.cfg.Paths.LogDir, logger)
	p.Manager().SetEventSink(server.Hub())

	if a.cfg.Watcher.Enabled {
		watch, err := watcher.New(a.cfg.Paths.Source, a.cfg.Execution.FileGlob, a.cfg.Watcher.Debounce, db, sched, logger)
		if err != nil {
			return fmt.Errorf("failed to create source watcher: %w", err)
		}
		if err := watch.Start(); err != nil {
			return fmt.Errorf("failed to start source watcher: %w", err)
		}
		defer watch.Stop()
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	serverErrors := make(chan error, 1)
	go func() {
		if err := server.Start(addr); err != nil {
			serverErrors <- err
		}
	}()
	logger.Info("cogstac is running", "url", "http://"+addr, "watcher", a.cfg.Watcher.Enabled)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	}

	if err := server.Shutdown(); err != nil {
		logger.Warn("error shutting down server", "error", err)
	}
	// Deferred: watcher stops first, then the scheduler cancels and drains the active batch
	return nil
}
