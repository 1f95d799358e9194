package daemon

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"ripley/internal/config"
	"ripley/internal/deps"
	"ripley/internal/logging"
	"ripley/internal/queue"
	"ripley/internal/workflow"
)

// RunOptions configures the daemon process runtime.
type RunOptions struct {
	// LogLevel overrides the configured level when non-empty.
	LogLevel string
}

// Run wires the full service together and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts RunOptions) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, unix.SIGINT, unix.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405Z")
	logPath := filepath.Join(cfg.LogDir(), fmt.Sprintf("ripley-%s.log", runID))
	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	statuses := deps.CheckBinaries(deps.Requirements(cfg))
	for _, status := range deps.MissingRequired(statuses) {
		logger.Warn("required tool unavailable",
			logging.String("tool", status.Name),
			logging.String("detail", status.Detail),
		)
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}

	wf := workflow.NewManager(cfg, store, logger)
	d, err := New(cfg, store, logger, wf)
	if err != nil {
		store.Close()
		return err
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return err
	}

	<-signalCtx.Done()
	logger.Info("shutdown signal received")
	d.Stop()
	return nil
}
