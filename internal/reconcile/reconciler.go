// Package reconcile retries pending chain mirrors, keeps cached balances in
// line with the chain and watches the treasury. Every job here is safe to
// run repeatedly and concurrently with the ledger engine.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/takarun/takaledger/internal/domain"
)

// Attempter executes one mirror job. It is the same state machine the
// ledger engine uses inline.
type Attempter interface {
	Attempt(ctx context.Context, job domain.MirrorJob) (domain.MirrorState, error)
}

// Chain is the read-only chain surface used by balance sync, the gas
// monitor and the status report.
type Chain interface {
	TreasuryAddress() string
	TokenBalance(ctx context.Context, addr string) (decimal.Decimal, error)
	NativeBalance(ctx context.Context, addr string) (decimal.Decimal, error)
}

// Alerter forwards operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Deps are the collaborators of a Reconciler. Chain, Archiver and Alerts
// may be nil.
type Deps struct {
	Ledger   domain.LedgerStore
	Jobs     domain.MirrorStore
	Mirror   Attempter
	Chain    Chain
	Archiver domain.Archiver
	Alerts   Alerter
}

// Options tunes the reconciliation jobs.
type Options struct {
	Backoff              Backoff
	BatchSize            int
	SyncPageSize         int
	SyncConcurrency      int
	GasLow               decimal.Decimal
	GasCritical          decimal.Decimal
	ArchiveRetentionDays int
}

// DefaultOptions returns the production schedule parameters.
func DefaultOptions() Options {
	return Options{
		Backoff:              DefaultBackoff(),
		BatchSize:            50,
		SyncPageSize:         50,
		SyncConcurrency:      8,
		GasLow:               decimal.RequireFromString("0.1"),
		GasCritical:          decimal.RequireFromString("0.01"),
		ArchiveRetentionDays: 90,
	}
}

// Reconciler runs the scheduled maintenance of the dual ledger.
type Reconciler struct {
	Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Reconciler.
func New(deps Deps, opts Options, logger *slog.Logger) *Reconciler {
	def := DefaultOptions()
	if opts.Backoff.Base <= 0 || opts.Backoff.Max <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.SyncPageSize <= 0 {
		opts.SyncPageSize = def.SyncPageSize
	}
	if opts.SyncConcurrency <= 0 {
		opts.SyncConcurrency = def.SyncConcurrency
	}
	return &Reconciler{
		Deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "reconcile")),
		now:    time.Now,
	}
}

// CategoryStats counts what one sweep did in a category.
type CategoryStats struct {
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Abandoned int `json:"abandoned"`
	Skipped   int `json:"skipped"`
}

// SweepStats is the per-category outcome of a sweep.
type SweepStats map[domain.MirrorCategory]CategoryStats

// Sweep retries every due pending mirror job. Categories run concurrently;
// the jobs of one category run in order.
func (r *Reconciler) Sweep(ctx context.Context) (SweepStats, error) {
	var (
		mu    sync.Mutex
		stats = SweepStats{}
	)
	var g errgroup.Group
	for _, cat := range domain.Categories {
		g.Go(func() error {
			cs, err := r.sweepCategory(ctx, cat)
			mu.Lock()
			stats[cat] = cs
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	var total CategoryStats
	for _, cs := range stats {
		total.Confirmed += cs.Confirmed
		total.Failed += cs.Failed
		total.Deferred += cs.Deferred
		total.Abandoned += cs.Abandoned
		total.Skipped += cs.Skipped
	}
	r.logger.InfoContext(ctx, "sweep completed",
		slog.Int("confirmed", total.Confirmed),
		slog.Int("failed", total.Failed),
		slog.Int("deferred", total.Deferred),
		slog.Int("abandoned", total.Abandoned),
		slog.Int("skipped", total.Skipped),
	)
	if err != nil {
		return stats, fmt.Errorf("reconcile: sweep: %w", err)
	}
	return stats, nil
}

func (r *Reconciler) sweepCategory(ctx context.Context, cat domain.MirrorCategory) (CategoryStats, error) {
	var cs CategoryStats
	jobs, err := r.Jobs.ListPending(ctx, cat, r.opts.BatchSize)
	if err != nil {
		return cs, fmt.Errorf("list pending %s: %w", cat, err)
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return cs, ctx.Err()
		}
		if !r.opts.Backoff.ShouldRetryNow(job.RetryCount, job.LastRetryAt, r.now()) {
			cs.Skipped++
			continue
		}
		before := job.RetryCount
		state, _ := r.Mirror.Attempt(ctx, job)
		switch state {
		case domain.MirrorConfirmed:
			cs.Confirmed++
		case domain.MirrorAbandoned:
			cs.Abandoned++
		default:
			after, gerr := r.Jobs.Get(ctx, cat, job.EntityRef)
			if gerr == nil && after.RetryCount > before {
				cs.Failed++
			} else {
				cs.Deferred++
			}
		}
	}
	return cs, nil
}

// CloseExpired moves open markets past their deadline to closed.
func (r *Reconciler) CloseExpired(ctx context.Context) (int64, error) {
	n, err := r.Ledger.CloseExpiredMarkets(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("reconcile: close expired: %w", err)
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "markets closed", slog.Int64("count", n))
	}
	return n, nil
}

// Archive moves audit rows and settled mirror jobs older than the retention
// window to cold storage.
func (r *Reconciler) Archive(ctx context.Context) error {
	if r.Archiver == nil || r.opts.ArchiveRetentionDays <= 0 {
		return nil
	}
	before := r.now().AddDate(0, 0, -r.opts.ArchiveRetentionDays)
	audit, err := r.Archiver.ArchiveAudit(ctx, before)
	if err != nil {
		return fmt.Errorf("reconcile: archive audit: %w", err)
	}
	jobs, err := r.Archiver.ArchiveMirrorJobs(ctx, before)
	if err != nil {
		return fmt.Errorf("reconcile: archive mirror jobs: %w", err)
	}
	r.logger.InfoContext(ctx, "archive completed",
		slog.Time("before", before),
		slog.Int64("audit_rows", audit),
		slog.Int64("mirror_jobs", jobs),
	)
	return nil
}

func (r *Reconciler) alert(ctx context.Context, event, title, msg string) {
	if r.Alerts == nil {
		return
	}
	if err := r.Alerts.Notify(ctx, event, title, msg); err != nil {
		r.logger.WarnContext(ctx, "alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
