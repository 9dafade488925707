package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/tabrecon/internal/server"
	"github.com/Sumatoshi-tech/tabrecon/pkg/config"
	"github.com/Sumatoshi-tech/tabrecon/pkg/observability"
	"github.com/Sumatoshi-tech/tabrecon/pkg/version"
)

// Fallback HTTP timeouts when the config carries unparsable values.
const (
	serverReadTimeout  = 30 * time.Second
	serverWriteTimeout = 60 * time.Second
	serverIdleTimeout  = 120 * time.Second

	shutdownGrace = 10 * time.Second
)

// NewServeCommand creates the gateway server subcommand.
func NewServeCommand(flags *GlobalFlags) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reconciliation gateway and worker pool",
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			cfg, loadErr := flags.Load()
			if loadErr != nil {
				return loadErr
			}

			if host != "" {
				cfg.Server.Host = host
			}

			if port > 0 {
				cfg.Server.Port = port
			}

			return runServe(cobraCmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	obsCfg := observabilityConfig(cfg, observability.ModeServe)

	providers, initErr := observability.Init(obsCfg)
	if initErr != nil {
		return fmt.Errorf("observability init: %w", initErr)
	}

	defer func() {
		shutdownErr := providers.Shutdown(context.Background())
		if shutdownErr != nil {
			providers.Logger.Warn("observability shutdown failed", "error", shutdownErr)
		}
	}()

	logger := providers.Logger

	runner, st, openErr := openRunner(cfg, logger)
	if openErr != nil {
		return openErr
	}

	defer func() { _ = st.Close() }()

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner.Start(signalCtx)
	defer runner.Stop()

	// Retention sweep on startup; periodic sweeps ride on the same runner.
	swept, sweepErr := runner.Sweep()
	if sweepErr != nil {
		logger.Warn("startup sweep failed", "error", sweepErr)
	} else if swept > 0 {
		logger.Info("startup sweep removed expired runs", "count", swept)
	}

	handler, handlerErr := server.New(runner, providers.Tracer, logger).Handler()
	if handlerErr != nil {
		return handlerErr
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  parseDuration(cfg.Server.ReadTimeout, serverReadTimeout),
		WriteTimeout: parseDuration(cfg.Server.WriteTimeout, serverWriteTimeout),
		IdleTimeout:  parseDuration(cfg.Server.IdleTimeout, serverIdleTimeout),
	}

	serveErrs := make(chan error, 1)

	go func() {
		logger.Info("gateway listening", "addr", addr, "version", version.Version)

		listenErr := srv.ListenAndServe()
		if listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			serveErrs <- listenErr
		}

		close(serveErrs)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
	case listenErr, ok := <-serveErrs:
		if ok {
			return fmt.Errorf("serve: %w", listenErr)
		}

		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	shutdownErr := srv.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		return fmt.Errorf("server shutdown: %w", shutdownErr)
	}

	return nil
}

// observabilityConfig maps file config plus the standard OTel env vars onto
// the observability package's config.
func observabilityConfig(cfg *config.Config, mode observability.AppMode) observability.Config {
	obsCfg := observability.DefaultConfig()
	obsCfg.Mode = mode
	obsCfg.ServiceVersion = version.Version
	obsCfg.Environment = cfg.Telemetry.Environment
	obsCfg.SampleRatio = cfg.Telemetry.SampleRatio
	obsCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	obsCfg.LogJSON = cfg.Logging.Format == "json"
	obsCfg.LogLevel = parseLogLevel(cfg.Logging.Level)

	obsCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	if obsCfg.OTLPEndpoint == "" {
		obsCfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	obsCfg.OTLPHeaders = observability.ParseOTLPHeaders(cfg.Telemetry.OTLPHeaders)
	if obsCfg.OTLPHeaders == nil {
		obsCfg.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}

	return obsCfg
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, parseErr := time.ParseDuration(raw)
	if parseErr != nil || d <= 0 {
		return fallback
	}

	return d
}
