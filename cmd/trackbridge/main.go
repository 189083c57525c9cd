package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/trackbridge/internal/config"
	"github.com/steveyegge/trackbridge/internal/debug"
	"github.com/steveyegge/trackbridge/internal/telemetry"
)

var (
	configPath string
	logFormat  string
	verbose    bool
	quiet      bool

	// Resolved in PersistentPreRunE.
	cfg    *config.Config
	vcfg   *viper.Viper
	logger *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "trackbridge",
	Short: "Sync GitLab with the internal tracker and import Jira Server projects",
	Long: `trackbridge keeps issues and comments in step between GitLab projects and
the internal tracker, driven by webhooks from both sides, and runs resumable
Jira Server imports.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug.SetVerbose(verbose)
		debug.SetQuiet(quiet)

		vcfg = config.New(configPath)
		if err := config.Read(vcfg); err != nil {
			return err
		}
		config.BindFlag(vcfg, "log.format", cmd.Flags().Lookup("log-format"))
		config.BindFlag(vcfg, "server.addr", cmd.Flags().Lookup("addr"))
		config.BindFlag(vcfg, "queue.backend", cmd.Flags().Lookup("queue"))
		config.BindFlag(vcfg, "worker.concurrency", cmd.Flags().Lookup("concurrency"))

		var err error
		cfg, err = config.Decode(vcfg)
		if err != nil {
			return err
		}
		logger = debug.NewLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level)
		slog.SetDefault(logger)
		if f := vcfg.ConfigFileUsed(); f != "" {
			debug.Logf("using config %s\n", f)
		}

		if err := telemetry.Init(rootCtx, telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     Version,
			Stdout:      cfg.Telemetry.Stdout,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			SampleRatio: cfg.Telemetry.SampleRatio,
		}); err != nil {
			logger.Warn("telemetry disabled", "error", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(rootCtx), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(ctx); err != nil {
			logger.Warn("telemetry flush failed", "error", err)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./trackbridge.yaml or /etc/trackbridge/trackbridge.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		rootCancel()
		os.Exit(1)
	}
}
