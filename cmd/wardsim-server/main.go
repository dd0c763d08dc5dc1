package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"wardsim/internal/app"
	"wardsim/internal/config"
	"wardsim/internal/logging"
)

// FUNCTIONAL DISCOVERY: Main entry point with signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newFlagSet declares the overridable keys. Flag names match config keys.
func newFlagSet() *pflag.FlagSet {
	d := config.DefaultConfig()
	fs := pflag.NewFlagSet("wardsim-server", pflag.ContinueOnError)
	fs.String("config", os.Getenv(config.EnvPrefix+"_CONFIG_FILE"), "path to a YAML, JSON or TOML config file")
	fs.String("http.host", d.HTTP.Host, "listen host")
	fs.Int("http.port", d.HTTP.Port, "listen port")
	fs.String("database.path", d.Database.Path, "SQLite database file")
	fs.Bool("redis.enabled", d.Redis.Enabled, "fan out events through redis")
	fs.String("redis.addr", d.Redis.Addr, "redis address")
	fs.String("log.level", d.Log.Level, "debug, info, warn or error")
	fs.String("log.format", d.Log.Format, "json or console")
	return fs
}

// loadConfig parses args and applies flags > environment > file > defaults
func loadConfig(args []string) (*config.Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	path, _ := fs.GetString("config")
	cfg, err := config.LoadConfigWithPrecedence(path, fs)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
func run(args []string) error {
	// STEP 1: configuration and logging
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "wardsim-server")
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// STEP 2: application
	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: start, then wait for a shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}
	<-ctx.Done()
	logger.Info("shutdown signal received, shutting down gracefully")

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
