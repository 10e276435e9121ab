package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/fusion-encoder/internal/checkpoint"
	"github.com/raaihank/fusion-encoder/internal/config"
	"github.com/raaihank/fusion-encoder/internal/metrics"
	"github.com/raaihank/fusion-encoder/internal/server"
)

const serveLongDesc string = `Run the HTTP inference server.

The server exposes /v1/encode, /v1/normalize, /v1/forward, /v1/forward/batch
and the checkpoint routes, a websocket event stream and Prometheus metrics.
When checkpoint.autoload names a stored checkpoint it is restored at startup.
Edits to the configuration file change the log level and rate limits
without a restart.`

func newServeCmd(a *app) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP inference server",
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(); err != nil {
				return err
			}
			defer a.close()
			if port > 0 {
				a.cfg.Server.Port = port
			}
			return a.serve(cmd.Context())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override the configured port")

	return cmd
}

func (a *app) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := a.log
	log.Info("Starting fusion-encoder",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", a.cfg.Server.Port),
	)

	m, err := a.newModel(ctx)
	if err != nil {
		return fmt.Errorf("failed to create model: %w", err)
	}
	defer m.Close()

	store, err := a.newStore()
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()

	if name := a.cfg.Checkpoint.Autoload; name != "" {
		err := m.LoadFrom(ctx, store, name)
		switch {
		case err == nil:
		case errors.Is(err, checkpoint.ErrNotFound):
			log.Warn("Autoload checkpoint not found, serving fresh weights", zap.String("name", name))
		default:
			return fmt.Errorf("failed to autoload checkpoint %q: %w", name, err)
		}
	}

	met := metrics.NewMetrics(metrics.InstanceInfo{ModelID: a.cfg.Model.ModelID, Version: version})

	srv, err := server.New(a.cfg, log, server.Dependencies{
		Model:   m,
		Store:   store,
		Metrics: met,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := a.loader.Watch(log.Logger, func(cfg *config.Config) {
		if err := log.SetLevel(cfg.Logging.Level); err != nil {
			log.Warn("Ignoring log level change", zap.Error(err))
		}
		srv.UpdateRateLimit(cfg.Server.RateLimit)
	}); err != nil {
		log.Debug("Configuration hot reload disabled", zap.Error(err))
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("Server shutdown complete")
	return nil
}
