package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/trackbridge/internal/config"
	"github.com/steveyegge/trackbridge/internal/connection"
	"github.com/steveyegge/trackbridge/internal/debug"
	"github.com/steveyegge/trackbridge/internal/queue"
	"github.com/steveyegge/trackbridge/internal/syncer"
	"github.com/steveyegge/trackbridge/internal/webhook"
	"github.com/steveyegge/trackbridge/internal/workitems"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive webhooks and sync GitLab with the internal tracker",
	Long: `Start the webhook server.

Routes:
  POST /webhooks/internal           internal tracker issue and comment events
  POST /webhooks/gitlab             GitLab issue and note hooks
  POST /webhooks/gitlab-enterprise  the same, for self-managed GitLab
  GET  /health

With --queue inline each event is synced inside its request. The memory and
nats backends acknowledge once the event is queued and sync it from
--consumers background consumers, retrying failures.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(rootCtx)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Listen address")
	serveCmd.Flags().String("queue", config.QueueInline, "Event queue backend: inline, memory or nats")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
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

	states, err := cfg.Sync.StateMapping()
	if err != nil {
		return err
	}

	var internalOpts []workitems.Option
	if cfg.Internal.RateLimit > 0 {
		internalOpts = append(internalOpts, workitems.WithRateLimit(cfg.Internal.RateLimit, int(cfg.Internal.RateLimit)))
	}
	sy, err := syncer.New(syncer.Config{
		SuppressionTTL: cfg.Sync.SuppressionTTL,
		AppBaseURL:     cfg.Sync.AppBaseURL,
		AssetBaseURL:   cfg.Sync.AssetBaseURL,
		InternalLabel:  cfg.Sync.InternalLabel,
		ExternalLabel:  cfg.Sync.ExternalLabel,
		DefaultStates:  states,
	}, syncer.Deps{
		Cache:    kv,
		Resolver: connection.NewResolver(store, connection.GitLab),
		External: syncer.GitLabClients(nil),
		Internal: syncer.InternalClients(cfg.Internal.APIBaseURL, internalOpts...),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	config.Watch(vcfg, logger, func(next *config.Config) {
		if next.Sync.SuppressionTTL != sy.SuppressionTTL() {
			sy.SetSuppressionTTL(next.Sync.SuppressionTTL)
			logger.Info("suppression ttl changed", "ttl", next.Sync.SuppressionTTL)
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	var handler webhook.Handler = sy
	if cfg.Queue.Backend != config.QueueInline {
		q, stop, err := openQueue()
		if err != nil {
			return err
		}
		defer stop()
		handler = queue.NewProducer(q)

		consumers := max(cfg.Queue.Consumers, 1)
		for range consumers {
			c := queue.NewConsumer(q, sy, logger)
			g.Go(func() error { return c.Run(gctx) })
		}
		logger.Info("event queue ready", "backend", cfg.Queue.Backend, "consumers", consumers)
	}

	srv := webhook.NewServer(webhook.ServerConfig{
		Handler:        handler,
		InternalSecret: []byte(cfg.Server.InternalSecret),
		GitLabToken:    cfg.Server.GitLabToken,
		Health:         healthCheck(store, kvCloser),
		Logger:         logger,
	})
	if cfg.Server.InternalSecret == "" {
		logger.Warn("internal webhook signatures are not verified; set server.internal_secret")
	}

	g.Go(func() error {
		logger.Info("webhook server listening", "addr", cfg.Server.Addr)
		debug.PrintNormal("Listening on %s\n", cfg.Server.Addr)
		if err := srv.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownGrace)
		defer cancel()
		logger.Info("shutting down webhook server")
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openQueue returns the configured event queue and a function that closes
// it, along with the embedded NATS server if one was started.
func openQueue() (queue.Queue, func(), error) {
	if cfg.Queue.Backend != config.QueueNATS {
		q := queue.NewMemoryQueue(cfg.Queue.Size,
			queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
			queue.WithMemoryLogger(logger),
		)
		return q, func() { _ = q.Close() }, nil
	}

	natsCfg := queue.NATSConfig{
		URL:         cfg.Queue.NATSURL,
		Token:       cfg.Queue.NATSToken,
		Durable:     cfg.Queue.Durable,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Logger:      logger,
	}
	if !cfg.Queue.Embedded {
		q, err := queue.DialNATS(natsCfg)
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	}

	es, err := queue.StartEmbedded(queue.EmbeddedConfig{
		Port:     -1,
		StoreDir: cfg.Queue.StoreDir,
		Token:    cfg.Queue.NATSToken,
	})
	if err != nil {
		return nil, nil, err
	}
	nc, err := es.Connect()
	if err != nil {
		es.Shutdown()
		return nil, nil, err
	}
	q, err := queue.NewNATSQueue(nc, natsCfg)
	if err != nil {
		nc.Close()
		es.Shutdown()
		return nil, nil, err
	}
	logger.Info("embedded NATS started", "url", es.ClientURL(), "store_dir", cfg.Queue.StoreDir)
	return q, func() {
		_ = q.Close()
		es.Shutdown()
	}, nil
}
