package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"castsync/internal/app"
	"castsync/internal/config"
	"castsync/internal/feed"
	"castsync/internal/observability"
	"castsync/internal/server"
	"castsync/internal/storage"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "castsync",
	Short: "Incremental sync of Farcaster channel image casts into a tabular store",
	Long: `castsync polls a channel feed, keeps casts that carry images, drops casts
already recorded and appends the rest to the configured store, remembering
a pagination cursor per channel.

Example usage:
  castsync serve                          # HTTP endpoint, sync on request
  castsync sync --channel nouns-draws     # One cycle for one channel
  castsync sync --all                     # One cycle for every known channel
  castsync reset --channel nouns-draws    # Restart a channel from page one`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and print the summary as JSON",
	RunE:  runSync,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear a channel's cursor so the next cycle starts from the first page",
	RunE:  runReset,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/config.yaml", "path to the YAML config")

	syncCmd.Flags().StringSlice("channel", nil, "channel to sync (repeatable)")
	syncCmd.Flags().Bool("all", false, "sync configured channels and every channel with stored state")

	resetCmd.Flags().String("channel", "", "channel to reset")
	_ = resetCmd.MarkFlagRequired("channel")

	rootCmd.AddCommand(serveCmd, syncCmd, resetCmd)
}

// runtime is everything a command needs, built once from the config.
type runtime struct {
	cfg          *config.Config
	logger       *observability.Logger
	metrics      *observability.Metrics
	store        storage.Store
	orchestrator *app.Orchestrator
}

func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogPath, cfg.Observability.LogLevel)
	metrics := observability.NewMetrics()

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}

	logger.Info("Castsync initialized",
		"driver", cfg.Storage.Driver,
		"default_channel", cfg.Sync.DefaultChannel,
		"max_parallel_channels", cfg.Sync.MaxParallelChannels,
	)

	client := feed.NewClient(cfg, logger)
	return &runtime{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		store:        store,
		orchestrator: app.NewOrchestrator(cfg, logger, metrics, client, store),
	}, nil
}

func (r *runtime) close() {
	if err := r.store.Close(); err != nil {
		r.logger.Error("Failed to close store", "error", err.Error())
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap(context.Background())
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := app.GracefulShutdown(rt.logger)
	defer cancel()

	srv := server.New(rt.cfg, rt.logger, rt.metrics, rt.orchestrator)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(rt.cfg.Server.ListenAddr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rt.logger.Info("Shutting down HTTP server", "timeout", rt.cfg.GetShutdownTimeout().String())
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), rt.cfg.GetShutdownTimeout())
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func runSync(cmd *cobra.Command, args []string) error {
	channels, _ := cmd.Flags().GetStringSlice("channel")
	all, _ := cmd.Flags().GetBool("all")

	rt, err := bootstrap(context.Background())
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := app.GracefulShutdown(rt.logger)
	defer cancel()

	if len(channels) == 0 && !all {
		channels = []string{rt.cfg.Sync.DefaultChannel}
	}

	summary, err := rt.orchestrator.SyncAll(ctx, channels)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}

	for _, r := range summary.Results {
		if r.Status == app.StatusFailed {
			return fmt.Errorf("channel %s failed: %s", r.Channel, r.Error.Detail)
		}
	}
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	channel, _ := cmd.Flags().GetString("channel")

	ctx := context.Background()
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	found, err := rt.orchestrator.Reset(ctx, channel)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no cursor state for channel %s", channel)
	}
	fmt.Printf("Cursor for %s cleared\n", channel)
	return nil
}
