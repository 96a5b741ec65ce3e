// Package app owns the process lifecycle: it wires the backends once, runs
// the configured mode and tears everything down in reverse order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/takarun/takaledger/internal/config"
	"github.com/takarun/takaledger/internal/notify"
)

// modes maps a run mode to the goroutines it starts.
var modes = map[string]func(*App, context.Context, *Dependencies) error{
	"api":    (*App).APIMode,
	"worker": (*App).WorkerMode,
	"full":   (*App).FullMode,
}

type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	cleanup []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run blocks until ctx is cancelled or the mode fails. Mirrors started by
// the engine are drained before it returns.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	start, ok := modes[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	if mode == "api" && !a.cfg.Server.Enabled {
		return fmt.Errorf("app: api mode requires server.enabled")
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.onClose(cleanup)
	defer deps.Engine.Wait()

	a.logger.InfoContext(ctx, "running",
		slog.String("mode", mode),
		slog.Bool("chain", a.cfg.Chain.Enabled),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("s3", a.cfg.S3.Enabled),
	)
	a.lifecycle(ctx, deps.Notifier, "started")
	err = start(a, ctx, deps)
	a.lifecycle(context.WithoutCancel(ctx), deps.Notifier, "stopping")
	return err
}

func (a *App) lifecycle(ctx context.Context, n *notify.Notifier, what string) {
	msg := fmt.Sprintf("takaledger %s (mode %s)", what, a.cfg.Mode)
	if err := n.Notify(ctx, notify.EventLifecycle, "Ledger "+what, msg); err != nil {
		a.logger.WarnContext(ctx, "lifecycle notification failed", slog.String("error", err.Error()))
	}
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	a.cleanup = append(a.cleanup, fn)
	a.mu.Unlock()
}

// Close releases every backend, newest first. Repeated calls do nothing.
func (a *App) Close() {
	a.mu.Lock()
	fns := a.cleanup
	a.cleanup = nil
	a.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
	if len(fns) > 0 {
		a.logger.Info("backends closed")
	}
}
