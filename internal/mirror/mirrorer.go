// Package mirror replays committed ledger records onto the settlement chain.
// The same Attempt drives the inline mirror after a transition commits and
// every retry made by the reconciliation sweep.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/chain"
	"github.com/takarun/takaledger/internal/crypto"
	"github.com/takarun/takaledger/internal/domain"
	"github.com/takarun/takaledger/internal/events"
	"github.com/takarun/takaledger/internal/notify"
)

// Chain is the settlement chain surface the mirror needs.
type Chain interface {
	CreateMarket(ctx context.Context, nonce uint64, title, description string, deadline time.Time) (string, uint64, error)
	ResolveMarket(ctx context.Context, nonce, marketID uint64, outcome bool) (string, error)
	CancelMarket(ctx context.Context, nonce, marketID uint64) (string, error)
	Transfer(ctx context.Context, nonce uint64, to string, amount decimal.Decimal) (string, error)
	PlaceBet(ctx context.Context, user chain.TxSigner, marketID uint64, isYes bool, amount decimal.Decimal) (string, error)
	ClaimWinnings(ctx context.Context, user chain.TxSigner, marketID uint64) (string, error)
	Refund(ctx context.Context, user chain.TxSigner, marketID uint64) (string, error)
	LookupTx(ctx context.Context, hash string) (domain.TxReceipt, error)
}

// Signers returns the custodial signer of a user.
type Signers interface {
	Signer(ctx context.Context, uid string) (*crypto.Signer, error)
}

// Nonces serializes treasury-signed calls.
type Nonces interface {
	WithTreasuryNonce(ctx context.Context, fn func(ctx context.Context, nonce uint64) error) error
}

// Alerter forwards operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Deps are the collaborators of a Mirrorer. Chain may be nil when the chain
// is disabled; Locks, Audit, Alerts and Events may be nil.
type Deps struct {
	Ledger  domain.LedgerStore
	Jobs    domain.MirrorStore
	Chain   Chain
	Signers Signers
	Nonces  Nonces
	Locks   domain.LockManager
	Audit   domain.AuditStore
	Alerts  Alerter
	Events  *events.Publisher
}

// Options tunes the retry ceiling and transfer amounts.
type Options struct {
	MaxRetries   int
	WelcomeBonus decimal.Decimal
	// JobLockTTL bounds how long one attempt holds the per-job lock.
	JobLockTTL time.Duration
	// InFlightTimeout is how long a broadcast transaction with no receipt is
	// waited for before it is presumed dropped and the job is sent again.
	InFlightTimeout time.Duration
	// UserLockWait bounds the wait for another send from the same custodial
	// wallet before the job is deferred to the sweep.
	UserLockWait time.Duration
}

// Mirrorer executes mirror jobs and records their outcome.
type Mirrorer struct {
	Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

var errDependencyAbandoned = errors.New("dependency abandoned")

// New creates a Mirrorer.
func New(deps Deps, opts Options, logger *slog.Logger) *Mirrorer {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.JobLockTTL <= 0 {
		opts.JobLockTTL = 5 * time.Minute
	}
	if opts.InFlightTimeout <= 0 {
		opts.InFlightTimeout = 30 * time.Minute
	}
	if opts.UserLockWait <= 0 {
		opts.UserLockWait = 30 * time.Second
	}
	return &Mirrorer{
		Deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "mirror")),
		now:    time.Now,
	}
}

// Run attempts the pending job for (category, ref).
func (m *Mirrorer) Run(ctx context.Context, category domain.MirrorCategory, ref string) (domain.MirrorState, error) {
	job, err := m.Jobs.Get(ctx, category, ref)
	if err != nil {
		return "", fmt.Errorf("mirror: load %s/%s: %w", category, ref, err)
	}
	return m.Attempt(ctx, job)
}

// Attempt executes one pending job and records the outcome. A failed
// attempt increments the retry count and abandons the job at MaxRetries; a
// deferred attempt (unmet dependency or disabled chain) changes nothing but
// the last error. A transaction broadcast without an observed receipt keeps
// the job pending with its hash, and the next attempt checks that hash
// before sending anything. The returned error describes a failed or
// deferred attempt and is for logging only.
//
// When a LockManager is configured the job is locked for the duration of
// the attempt and re-read under the lock; a job locked by another attempt
// is skipped with ErrLockHeld.
func (m *Mirrorer) Attempt(ctx context.Context, job domain.MirrorJob) (domain.MirrorState, error) {
	if job.State != domain.MirrorPending {
		return job.State, nil
	}
	if m.Locks != nil {
		unlock, err := m.Locks.Acquire(ctx, jobLockKey(job), m.opts.JobLockTTL)
		if err != nil {
			return job.State, fmt.Errorf("mirror: lock %s/%s: %w", job.Category, job.EntityRef, err)
		}
		defer unlock()

		fresh, err := m.Jobs.Get(ctx, job.Category, job.EntityRef)
		if err != nil {
			return job.State, fmt.Errorf("mirror: reload %s/%s: %w", job.Category, job.EntityRef, err)
		}
		if fresh.State != domain.MirrorPending {
			return fresh.State, nil
		}
		job = fresh
	}

	txHash, onChainID, execErr := m.run(ctx, job)
	out := domain.MirrorOutcome{State: domain.MirrorPending, RetryCount: job.RetryCount}
	inFlight, hasInFlight := domain.InFlightHash(execErr)

	switch {
	case execErr == nil:
		out.State = domain.MirrorConfirmed
		out.AttemptedAt = m.now()
		out.TxHash = txHash
		out.OnChainID = onChainID
	case errors.Is(execErr, domain.ErrMirrorDeferred), errors.Is(execErr, domain.ErrChainDisabled):
		out.Err = execErr.Error()
	case errors.Is(execErr, errDependencyAbandoned):
		out.State = domain.MirrorAbandoned
		out.AttemptedAt = m.now()
		out.Err = execErr.Error()
	case hasInFlight:
		// Never abandoned here: the tx may still land.
		out.RetryCount = job.RetryCount + 1
		out.AttemptedAt = m.now()
		out.TxHash = inFlight
		out.Err = execErr.Error()
	default:
		out.RetryCount = job.RetryCount + 1
		out.AttemptedAt = m.now()
		out.Err = execErr.Error()
		if out.RetryCount >= m.opts.MaxRetries {
			out.State = domain.MirrorAbandoned
		}
	}

	// Recording must survive a cancelled request context.
	recCtx := context.WithoutCancel(ctx)
	if err := m.Jobs.Record(recCtx, job, out); err != nil {
		return job.State, fmt.Errorf("mirror: record %s/%s: %w", job.Category, job.EntityRef, err)
	}
	m.report(recCtx, job, out)

	if execErr != nil {
		return out.State, fmt.Errorf("%w: %s/%s: %w", domain.ErrChainMirror, job.Category, job.EntityRef, execErr)
	}
	return out.State, nil
}

// run checks the transaction a previous attempt left unconfirmed before
// executing the job again. A mined success confirms the job without a new
// send; a revert, or no receipt after InFlightTimeout, executes it again.
func (m *Mirrorer) run(ctx context.Context, job domain.MirrorJob) (string, *uint64, error) {
	if job.TxHash == "" || m.Chain == nil {
		return m.execute(ctx, job)
	}
	rcpt, err := m.Chain.LookupTx(ctx, job.TxHash)
	if err != nil {
		return "", nil, fmt.Errorf("lookup %s: %v: %w", job.TxHash, err, domain.ErrMirrorDeferred)
	}

	attrs := []any{
		slog.String("category", string(job.Category)),
		slog.String("ref", job.EntityRef),
		slog.String("tx", job.TxHash),
	}
	switch {
	case rcpt.Found && rcpt.Success:
		if job.Category == domain.CategoryMarketCreate && rcpt.MarketID == nil {
			return "", nil, fmt.Errorf("tx %s has no MarketCreated event", job.TxHash)
		}
		return job.TxHash, rcpt.MarketID, nil
	case rcpt.Found:
		m.logger.WarnContext(ctx, "broadcast tx reverted, sending again", attrs...)
	case job.LastRetryAt != nil && m.now().Sub(*job.LastRetryAt) < m.opts.InFlightTimeout:
		return "", nil, fmt.Errorf("tx %s not mined yet: %w", job.TxHash, domain.ErrMirrorDeferred)
	default:
		m.logger.WarnContext(ctx, "broadcast tx not mined, presumed dropped", attrs...)
	}
	return m.execute(ctx, job)
}

func jobLockKey(job domain.MirrorJob) string {
	return "mirror:" + string(job.Category) + ":" + job.EntityRef
}

func (m *Mirrorer) report(ctx context.Context, job domain.MirrorJob, out domain.MirrorOutcome) {
	attrs := []any{
		slog.String("category", string(job.Category)),
		slog.String("ref", job.EntityRef),
		slog.String("state", string(out.State)),
		slog.Int("retry_count", out.RetryCount),
	}
	switch out.State {
	case domain.MirrorConfirmed:
		m.logger.InfoContext(ctx, "mirror confirmed", append(attrs, slog.String("tx", out.TxHash))...)
	case domain.MirrorAbandoned:
		m.logger.ErrorContext(ctx, "mirror abandoned", append(attrs, slog.String("error", out.Err))...)
		m.abandoned(ctx, job, out)
	default:
		m.logger.WarnContext(ctx, "mirror attempt failed", append(attrs, slog.String("error", out.Err))...)
	}

	if out.State != domain.MirrorPending {
		m.Events.Publish(ctx, domain.ChannelMirror, "mirror_"+string(out.State), map[string]any{
			"category":  job.Category,
			"entityRef": job.EntityRef,
			"txHash":    out.TxHash,
		})
	}
}

func (m *Mirrorer) abandoned(ctx context.Context, job domain.MirrorJob, out domain.MirrorOutcome) {
	if m.Audit != nil {
		if err := m.Audit.Log(ctx, "mirror_abandoned", map[string]any{
			"category":   job.Category,
			"entity_ref": job.EntityRef,
			"user_id":    job.UserID,
			"retries":    out.RetryCount,
			"error":      out.Err,
		}); err != nil {
			m.logger.WarnContext(ctx, "audit mirror_abandoned", slog.String("error", err.Error()))
		}
	}
	if m.Alerts != nil {
		msg := fmt.Sprintf("%s %s abandoned after %d attempts: %s", job.Category, job.EntityRef, out.RetryCount, out.Err)
		if err := m.Alerts.Notify(ctx, notify.EventMirrorAbandoned, "Chain mirror abandoned", msg); err != nil {
			m.logger.WarnContext(ctx, "alert mirror_abandoned", slog.String("error", err.Error()))
		}
	}
}
