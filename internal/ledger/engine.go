// Package ledger implements the authoritative off-chain state transitions:
// market creation, bets, resolution, cancellation, claims, activity credits
// and account provisioning. Every transition commits in one store
// transaction and is then mirrored to the chain on a detached context.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/activity"
	"github.com/takarun/takaledger/internal/domain"
	"github.com/takarun/takaledger/internal/events"
)

// Mirror replays one committed ledger record onto the chain.
type Mirror interface {
	Run(ctx context.Context, category domain.MirrorCategory, ref string) (domain.MirrorState, error)
}

// Wallets creates custodial wallets.
type Wallets interface {
	CreateWallet(ctx context.Context, uid string) (domain.Wallet, error)
}

// Options holds the ledger economics and limits.
type Options struct {
	FeeRate          decimal.Decimal
	InlineClaimBatch int
	WelcomeBonus     decimal.Decimal
	TKPerKm          decimal.Decimal
	MaxRunsPerDay    int
	// Location sets the day boundary of the daily run cap.
	Location *time.Location
	Limits   activity.Limits
	// MirrorTimeout bounds the whole post-commit mirror sequence of one
	// transition.
	MirrorTimeout time.Duration
}

// DefaultOptions returns the production constants.
func DefaultOptions() Options {
	return Options{
		FeeRate:          decimal.RequireFromString("0.02"),
		InlineClaimBatch: 20,
		WelcomeBonus:     decimal.NewFromInt(5),
		TKPerKm:          decimal.NewFromInt(10),
		MaxRunsPerDay:    10,
		Location:         time.UTC,
		Limits:           activity.DefaultLimits(),
		MirrorTimeout:    5 * time.Minute,
	}
}

// Deps are the collaborators of an Engine. Mirror, Wallets, Tracks, Audit
// and Events may be nil.
type Deps struct {
	Store   domain.LedgerStore
	Jobs    domain.MirrorStore
	Mirror  Mirror
	Wallets Wallets
	Tracks  domain.TrackStore
	Audit   domain.AuditStore
	Events  *events.Publisher
}

// Engine executes ledger transitions.
type Engine struct {
	Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	wg sync.WaitGroup
}

// New creates an Engine.
func New(deps Deps, opts Options, logger *slog.Logger) *Engine {
	def := DefaultOptions()
	if opts.Location == nil {
		opts.Location = def.Location
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = def.MirrorTimeout
	}
	if opts.InlineClaimBatch < 0 {
		opts.InlineClaimBatch = 0
	}
	return &Engine{
		Deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "ledger")),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Wait blocks until every post-commit mirror sequence has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// afterCommit runs fn in the background on a context detached from the
// caller and bounded by MirrorTimeout.
func (e *Engine) afterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if e.Mirror == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.MirrorTimeout)
		defer cancel()
		fn(mctx)
	}()
}

// mirror runs one job and reports whether it was confirmed. Failures are
// recorded on the job by the mirror and only logged here.
func (e *Engine) mirror(ctx context.Context, category domain.MirrorCategory, ref string) bool {
	state, err := e.Mirror.Run(ctx, category, ref)
	if err != nil {
		e.logger.DebugContext(ctx, "inline mirror not confirmed",
			slog.String("category", string(category)),
			slog.String("ref", ref),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
	}
	return state == domain.MirrorConfirmed
}

func (e *Engine) audit(ctx context.Context, event string, detail map[string]any) {
	if e.Audit == nil {
		return
	}
	if err := e.Audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func requireUser(id domain.Identity, msg string) error {
	if id.UID == "" {
		return domain.Errorf(domain.ErrUnauthenticated, "%s", msg)
	}
	return nil
}

func requireAdmin(id domain.Identity) error {
	if err := requireUser(id, "You must be signed in."); err != nil {
		return err
	}
	if !id.Admin {
		return domain.Errorf(domain.ErrPermissionDenied, "Admin access required.")
	}
	return nil
}

// typed passes domain errors through and maps a bare ErrNotFound from the
// store onto msg.
func typed(err error, notFoundMsg string) error {
	var le *domain.Error
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Errorf(domain.ErrNotFound, "%s", notFoundMsg)
	}
	return err
}
