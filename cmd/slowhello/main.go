package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcncl/slowhello/internal/config"
	"github.com/mcncl/slowhello/internal/errors"
	"github.com/mcncl/slowhello/internal/logging"
	"github.com/mcncl/slowhello/internal/server"
)

func main() {
	// Parse command line flags
	configFile := flag.String("config", "", "Path to configuration file (JSON or YAML)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides config")
	logFormat := flag.String("log-format", "", "Log format (json, text, dev); overrides config")
	addr := flag.String("addr", "", "Listen address host:port; overrides config")
	flag.Parse()

	// Used until the configuration says otherwise
	bootstrap := newLogger(firstNonEmpty(*logLevel, "debug"), firstNonEmpty(*logFormat, "json"))

	override := &config.Config{}
	override.Log.Level = *logLevel
	override.Log.Format = *logFormat
	override.Server.Address = *addr

	cfg, err := config.Load(*configFile, override)
	if err != nil {
		bootstrap.Error("Failed to load configuration", "error", err, "error_type", errors.Type(err))
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Debug("Configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()

	if err != nil {
		logger.Error("Server failed", "error", err, "error_type", errors.Type(err))
		os.Exit(1)
	}
}

// run serves until ctx is done. Bind and setup failures are returned
// before any request is accepted.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := server.New(server.Config{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, a.handler(), logger)

	if err := srv.Listen(); err != nil {
		return err
	}

	if a.ipLimiter != nil {
		go a.ipLimiter.RunCleanup(ctx, time.Minute, 10*time.Minute)
	}

	// Mark as ready to receive traffic, and not ready as soon as shutdown starts
	a.health.SetReady(true)
	go func() {
		<-ctx.Done()
		a.health.SetReady(false)
	}()

	logger.Info("Server starting",
		"address", srv.Addr().String(),
		"handler_delay", cfg.Server.HandlerDelay.String(),
		"request_timeout", cfg.Server.RequestTimeout.String(),
	)

	return srv.Run(ctx)
}

// newLogger creates the structured logger for the process
func newLogger(level, format string) *slog.Logger {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return logging.NewLogger(logging.Config{
		Output:   os.Stderr,
		Level:    logging.ParseLevel(level),
		Format:   logging.ParseFormat(format),
		AppName:  "slowhello",
		Hostname: hostname,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
