package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/djlord-it/clustercron/internal/analytics"
	"github.com/djlord-it/clustercron/internal/cluster"
	"github.com/djlord-it/clustercron/internal/config"
	"github.com/djlord-it/clustercron/internal/jobs"
	"github.com/djlord-it/clustercron/internal/logging"
	"github.com/djlord-it/clustercron/internal/metrics"
)

const readHeaderTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Join the cluster and fire triggers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, catalog, err := opts.loadValid()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, catalog)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, catalog *jobs.Catalog) error {
	id := cluster.NodeID(cfg.NodeID)
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, id)
	if err != nil {
		return invalidConfig(err)
	}
	defer func() { _ = logger.Sync() }()

	for _, w := range configWarnings(cfg) {
		logger.Warn(w)
	}

	backends, err := cluster.Open(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := backends.Close(); cerr != nil {
			logger.Warnw("closing backends", "error", cerr)
		}
	}()

	mux := http.NewServeMux()
	deps := cluster.Deps{
		Map:        backends.Map,
		Membership: backends.Membership,
		Catalog:    catalog,
		DB:         backends.DB,
		Logger:     logger,
	}
	if cfg.MetricsEnabled {
		deps.Metrics = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
		logger.Infow("metrics enabled", "path", cfg.MetricsPath)
	}
	if backends.Redis != nil {
		deps.Analytics = analytics.NewRedisSink(backends.Redis).WithLogger(logger)
		logger.Infow("analytics enabled")
	}

	node, err := cluster.NewNode(id, cfg, deps)
	if err != nil {
		return invalidConfig(err)
	}
	mux.Handle("/", node.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		logger.Infow("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("http server error", "error", err)
		}
	}()

	runErr := node.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http server shutdown", "error", err)
	}

	if runErr != nil {
		return fmt.Errorf("node %s: %w", id, runErr)
	}
	return nil
}
