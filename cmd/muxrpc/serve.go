package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"muxrpc/codec"
	"muxrpc/config"
	"muxrpc/logging"
	"muxrpc/metrics"
	"muxrpc/middleware"
	"muxrpc/server"
)

func newServeCmd() *cobra.Command {
	var configPath string
	c := &cobra.Command{
		Use:   "serve",
		Short: "serve the echo and health services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), cfg)
		},
	}
	c.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	return c
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	codecType, err := codec.ParseCodecType(cfg.Codec)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector("muxrpc")
	reg.MustRegister(collector)

	s := server.New(
		server.WithCodec(codecType),
		server.WithLogger(logger),
		server.WithMetrics(collector),
		server.WithHandlerTimeout(cfg.HandlerTimeout),
		server.WithWriteTimeout(cfg.WriteTimeout),
		server.WithRateLimit(cfg.RateLimit.Rate, cfg.RateLimit.Burst),
	)
	s.Use(middleware.LoggingMiddleware(logger))
	health := &Health{}
	if err := registerServices(s, health); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Timeout: 5 * time.Second}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("address", cfg.MetricsAddr))
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.ServeAddresses(ctx, cfg.Addresses) }()

	select {
	case err = <-serveErr:
		if err != nil {
			logger.Error("serve", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	}
	health.draining.Store(true)

	shutdownCtx := context.Background()
	if cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, cfg.ShutdownTimeout)
		defer cancel()
	}
	if serr := s.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("shutdown", zap.Error(serr))
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	return err
}
