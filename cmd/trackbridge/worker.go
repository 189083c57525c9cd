package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/steveyegge/trackbridge/internal/types"
	"github.com/steveyegge/trackbridge/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim queued import jobs and run them",
	Long: `Poll for QUEUED import jobs and run them until interrupted.

A job interrupted by shutdown goes back to QUEUED with its checkpoints
intact, so the next worker resumes it at the last saved page.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(rootCtx)
	},
}

func init() {
	workerCmd.Flags().Int("concurrency", 1, "Jobs to run at once")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(ctx context.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	kv, kvCloser, err := openCache()
	if err != nil {
		return err
	}
	defer func() { _ = kvCloser.Close() }()

	rt := newImportRuntime(store, kv)
	w := worker.New(store, func(ctx context.Context, job *types.ImportJob) (worker.Runner, error) {
		return rt.engine(ctx, job)
	}, worker.Config{
		PollInterval: cfg.Worker.PollInterval,
		Concurrency:  cfg.Worker.Concurrency,
		Logger:       logger,
	})

	logger.Info("import worker started", "concurrency", cfg.Worker.Concurrency, "poll_interval", cfg.Worker.PollInterval)
	if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("import worker stopped")
	return nil
}
