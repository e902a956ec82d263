package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/e7canasta/scanlens/internal/config"
	"github.com/e7canasta/scanlens/internal/core"
	"github.com/e7canasta/scanlens/internal/logging"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scanner until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScanner(cmd.Context(), opts)
		},
	}
}

func runScanner(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(os.Stdout, logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Debug:      opts.debug,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	slog.Info("starting scanlens",
		"config", opts.configPath,
		"instance_id", cfg.InstanceID,
		"debug", opts.debug,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	scanner, err := core.New(cfg, logger)
	if err != nil {
		slog.Error("failed to create scanner", "error", err)
		return err
	}

	// Run scanner in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- scanner.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("scanner error", "error", runErr)
		}
	}

	// Graceful shutdown
	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := scanner.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return err
	}

	slog.Info("scanlens stopped successfully")
	return runErr
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
