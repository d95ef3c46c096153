package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/meshgate/internal/config"
	"github.com/mattjoyce/meshgate/internal/gateway"
	"github.com/mattjoyce/meshgate/internal/lock"
	"github.com/mattjoyce/meshgate/internal/log"
)

func newStartCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the gateway in the foreground",
		Long:  "Loads the configuration, takes the single-instance lock and runs the\ngateway until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, opts)
		},
	}
}

func runStart(cmd *cobra.Command, opts *globalOptions) error {
	cfg, path, err := loadConfig(cmd, opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.SetupWithFormat(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("meshgate starting", "version", version, "config", path)

	lockPath := pidLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) && held.PID > 0 {
			return fmt.Errorf("another meshgate is running (pid %d, lock %s)", held.PID, lockPath)
		}
		return fmt.Errorf("acquire lock %s: %w", lockPath, err)
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	logger.Info("meshgate running (press Ctrl+C to stop)")
	if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway failed", "error", err)
		return err
	}
	logger.Info("meshgate stopped")
	return nil
}

// pidLockPath falls back to a .pid file beside the state database.
func pidLockPath(cfg *config.Config) string {
	if cfg.Service.LockPath != "" {
		return cfg.Service.LockPath
	}
	dbPath := cfg.State.Path
	base := filepath.Base(dbPath)
	return filepath.Join(filepath.Dir(dbPath), strings.TrimSuffix(base, filepath.Ext(base))+".pid")
}

