package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/takarun/takaledger/internal/crypto"
	"github.com/takarun/takaledger/internal/reconcile"
	"github.com/takarun/takaledger/internal/server"
	"github.com/takarun/takaledger/internal/server/handler"
	"github.com/takarun/takaledger/internal/server/ws"
)

// APIMode serves the callable surface and live events. Reconciliation jobs
// run elsewhere.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil)
	return g.Wait()
}

// WorkerMode runs the reconciliation scheduler without an HTTP surface.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)
	if _, err := a.startScheduler(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// FullMode runs the HTTP surface and the scheduler in one process. Admins
// can trigger jobs on demand.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	sched, err := a.startScheduler(ctx, g, deps)
	if err != nil {
		return err
	}
	a.startHTTPServer(ctx, g, deps, sched)
	return g.Wait()
}

// intervals returns the job schedule. Jobs that need the chain are disabled
// when it is.
func (a *App) intervals(deps *Dependencies) reconcile.Intervals {
	rc := a.cfg.Reconcile
	iv := reconcile.Intervals{
		Sweep:        rc.SweepInterval.Duration,
		BalanceSync:  rc.BalanceSyncInterval.Duration,
		GasCheck:     rc.GasCheckInterval.Duration,
		CloseExpired: rc.CloseExpiredInterval.Duration,
		Archive:      rc.ArchiveInterval.Duration,
	}
	if deps.Chain == nil {
		iv.Sweep, iv.BalanceSync, iv.GasCheck = 0, 0, 0
	}
	if deps.Archiver == nil {
		iv.Archive = 0
	}
	return iv
}

// startScheduler registers the reconciliation jobs and stops them when ctx
// is cancelled.
func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*reconcile.Scheduler, error) {
	sched, err := reconcile.NewScheduler(ctx, deps.Reconciler, a.intervals(deps), a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	sched.Start()

	g.Go(func() error {
		<-ctx.Done()
		a.logger.InfoContext(ctx, "scheduler shutting down")
		return sched.Shutdown()
	})
	return sched, nil
}

// startHTTPServer adds the HTTP server and the WebSocket hub to g. The
// server shuts down gracefully when ctx is cancelled. sched may be nil.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, sched *reconcile.Scheduler) {
	admin := handler.AdminDeps{
		Treasury:  deps.Reconciler,
		Markets:   deps.Ledger,
		Abandoned: deps.Jobs,
		Audit:     deps.Audit,
		Bus:       deps.EventBus,
		Archives:  deps.Objects,
	}
	if sched != nil {
		admin.Jobs = sched
	}
	if deps.Chain != nil {
		admin.Chain = deps.Chain
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.cfg.Mode, deps.Health, a.logger),
		Ledger: handler.NewLedgerHandler(deps.Engine, a.logger),
		Admin:  handler.NewAdminHandler(admin, a.logger),
	}
	if deps.EventBus != nil {
		hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
			Origins:   a.cfg.Server.CORSOrigins,
		})
		handlers.Hub = hub
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	auth := &crypto.IdentityAuth{
		Secret:  a.cfg.Server.IdentitySecret,
		MaxSkew: a.cfg.Server.IdentityMaxSkew.Duration,
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, auth, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
