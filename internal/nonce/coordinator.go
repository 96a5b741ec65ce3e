// Package nonce serializes every treasury-signed transaction through a
// single stored lock so concurrent workers never reuse a nonce.
package nonce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/takarun/takaledger/internal/domain"
)

// PendingNonceSource reports the chain's pending nonce for the treasury.
type PendingNonceSource interface {
	TreasuryPendingNonce(ctx context.Context) (uint64, error)
}

// Options tunes lock acquisition and nonce-error retries.
type Options struct {
	LockTTL         time.Duration
	PollInterval    time.Duration
	MaxPollAttempts int
	// MaxRetries is the total number of calls to fn, the first included.
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		LockTTL:         60 * time.Second,
		PollInterval:    2 * time.Second,
		MaxPollAttempts: 30,
		MaxRetries:      3,
		RetryBackoff:    time.Second,
	}
}

// Coordinator hands out treasury nonces one holder at a time.
type Coordinator struct {
	store  domain.NonceStore
	chain  PendingNonceSource
	opts   Options
	logger *slog.Logger
}

// NewCoordinator creates a Coordinator over store and chain.
func NewCoordinator(store domain.NonceStore, chain PendingNonceSource, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	return &Coordinator{
		store:  store,
		chain:  chain,
		opts:   opts,
		logger: logger.With(slog.String("component", "nonce")),
	}
}

// WithTreasuryNonce acquires the treasury lock, calls fn with
// max(chain pending nonce, stored nonce) and records nonce+1 when fn
// succeeds or when its transaction was broadcast without an observed
// receipt. Nonce-class failures are retried with a fresh nonce until fn has
// been called MaxRetries times; any other error is returned as is. The lock
// is always released.
func (c *Coordinator) WithTreasuryNonce(ctx context.Context, fn func(ctx context.Context, nonce uint64) error) error {
	lockID := uuid.NewString()
	if err := c.acquire(ctx, lockID); err != nil {
		return err
	}
	defer c.release(lockID)

	for attempt := 0; ; attempt++ {
		n, err := c.next(ctx)
		if err != nil {
			return err
		}

		err = fn(ctx, n)
		if _, inFlight := domain.InFlightHash(err); err == nil || inFlight {
			c.advance(ctx, lockID, n)
			return err
		}

		if !IsNonceError(err) || attempt+1 >= c.opts.MaxRetries {
			return err
		}
		c.logger.WarnContext(ctx, "nonce conflict, retrying",
			slog.Uint64("nonce", n),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		if serr := sleep(ctx, c.opts.RetryBackoff*time.Duration(attempt+1)); serr != nil {
			return serr
		}
	}
}

// advance records that nonce n was consumed by a broadcast transaction.
func (c *Coordinator) advance(ctx context.Context, lockID string, n uint64) {
	if err := c.store.StoreNonce(context.WithoutCancel(ctx), lockID, n+1); err != nil {
		// The next holder recovers from the chain pending nonce.
		c.logger.WarnContext(ctx, "store treasury nonce failed",
			slog.Uint64("nonce", n), slog.String("error", err.Error()))
	}
}

func (c *Coordinator) acquire(ctx context.Context, lockID string) error {
	for attempt := 1; attempt <= c.opts.MaxPollAttempts; attempt++ {
		ok, err := c.store.TryAcquire(ctx, lockID, c.opts.LockTTL)
		if err != nil {
			return fmt.Errorf("nonce: acquire lock: %w", err)
		}
		if ok {
			return nil
		}
		if attempt == c.opts.MaxPollAttempts {
			break
		}
		if err := sleep(ctx, c.opts.PollInterval); err != nil {
			return err
		}
	}
	c.logger.ErrorContext(ctx, "treasury nonce lock not acquired",
		slog.Int("attempts", c.opts.MaxPollAttempts))
	return fmt.Errorf("nonce: %d attempts: %w", c.opts.MaxPollAttempts, domain.ErrLockTimeout)
}

func (c *Coordinator) next(ctx context.Context) (uint64, error) {
	chainNonce, err := c.chain.TreasuryPendingNonce(ctx)
	if err != nil {
		return 0, fmt.Errorf("nonce: pending nonce: %w", err)
	}
	stored, err := c.store.StoredNonce(ctx)
	if err != nil {
		return 0, fmt.Errorf("nonce: stored nonce: %w", err)
	}
	return max(chainNonce, stored), nil
}

func (c *Coordinator) release(lockID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Release(ctx, lockID); err != nil {
		c.logger.Error("release treasury nonce lock", slog.String("error", err.Error()))
	}
}

// IsNonceError reports whether err is a node rejection caused by a stale or
// duplicate nonce.
func IsNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce") ||
		strings.Contains(msg, "replacement transaction") ||
		strings.Contains(msg, "already known")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
