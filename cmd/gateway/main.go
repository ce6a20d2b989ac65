// Command gateway launches the meetbridge webhook gateway and job workers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/meetbridge/internal/infra/config"
	"github.com/coachpo/meetbridge/internal/infra/logging"
	"github.com/coachpo/meetbridge/internal/infra/telemetry"
)

const (
	defaultConfigPath         = "config/app.yaml"
	serverShutdownTimeout     = 5 * time.Second
	lifecycleShutdownTimeout  = 10 * time.Second
	storeShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	controlReadHeaderTimeout  = 5 * time.Second
	defaultGracefulShutdownIn = 30 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:       appCfg.Logging.Level,
		Format:      appCfg.Logging.Format,
		Environment: string(appCfg.Environment),
		Service:     "meetbridge-gateway",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration initialised",
		zap.String("environment", string(appCfg.Environment)),
		zap.String("store", string(appCfg.Store)),
		zap.Int("webhook_providers", len(appCfg.Webhooks.Providers)))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatal("initialise telemetry", zap.Error(err))
	}

	app, err := build(ctx, appCfg, logger)
	if err != nil {
		logger.Fatal("initialise gateway", zap.Error(err))
	}

	server := buildServer(appCfg.Server, app.handler)

	var lifecycle conc.WaitGroup
	app.start(ctx, &lifecycle)
	startServer(&lifecycle, logger, server)
	logger.Info("gateway listening", zap.String("addr", server.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	timeout := appCfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultGracefulShutdownIn
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     server,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		closeStore: app.close,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(shutdownStart)))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger *zap.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	cfg := appCfg.Telemetry
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(appCfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialised",
			zap.String("endpoint", telemetryCfg.OTLPEndpoint),
			zap.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func buildServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startServer(lifecycle *conc.WaitGroup, logger *zap.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	closeStore func()
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *zap.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step started", zap.String("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", zap.String("step", name), zap.Error(err))
		} else {
			logger.Info("shutdown step completed", zap.String("step", name))
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping http server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for workers", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.closeStore != nil {
		shutdownStep("closing store", storeShutdownTimeout, func(context.Context) error {
			cfg.closeStore()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
