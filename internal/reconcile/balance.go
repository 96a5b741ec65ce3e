package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/takarun/takaledger/internal/domain"
	"github.com/takarun/takaledger/internal/notify"
)

// SyncStats summarizes one balance sync pass.
type SyncStats struct {
	Synced  int64 `json:"synced"`
	Skipped int64 `json:"skipped"`
	Failed  int64 `json:"failed"`
}

// SyncBalances overwrites the cached balance of every wallet holder with
// the on-chain TK balance. Users with a pending mirror job are skipped: the
// chain does not reflect their latest ledger transitions yet.
func (r *Reconciler) SyncBalances(ctx context.Context) (SyncStats, error) {
	var st SyncStats
	if r.Chain == nil {
		return st, domain.ErrChainDisabled
	}

	var synced, skipped, failed atomic.Int64
	after := ""
	for {
		page, err := r.Ledger.ListWalletAccounts(ctx, after, r.opts.SyncPageSize)
		if err != nil {
			return st, fmt.Errorf("reconcile: list wallets: %w", err)
		}
		if len(page) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.opts.SyncConcurrency)
		for _, acct := range page {
			g.Go(func() error {
				switch ok, err := r.syncAccount(gctx, acct); {
				case err != nil:
					failed.Add(1)
				case ok:
					synced.Add(1)
				default:
					skipped.Add(1)
				}
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return st, fmt.Errorf("reconcile: sync balances: %w", err)
		}

		after = page[len(page)-1].UID
		if len(page) < r.opts.SyncPageSize {
			break
		}
	}

	st = SyncStats{Synced: synced.Load(), Skipped: skipped.Load(), Failed: failed.Load()}
	r.logger.InfoContext(ctx, "balance sync completed",
		slog.Int64("synced", st.Synced),
		slog.Int64("skipped", st.Skipped),
		slog.Int64("failed", st.Failed),
	)
	if st.Failed > 0 {
		r.alert(ctx, notify.EventSyncFailed, "Balance sync errors",
			fmt.Sprintf("%d of %d wallets failed to sync", st.Failed, st.Synced+st.Skipped+st.Failed))
	}
	return st, nil
}

// syncAccount reports whether the balance was overwritten. The watermark
// taken before the chain read makes the write a no-op when any ledger
// transition for the user enqueued a mirror job in between.
func (r *Reconciler) syncAccount(ctx context.Context, acct domain.Account) (bool, error) {
	mark, err := r.Jobs.SyncWatermark(ctx, acct.UID)
	if err != nil {
		return false, r.syncFailed(ctx, acct, err)
	}
	if mark.Pending {
		return false, nil
	}
	bal, err := r.Chain.TokenBalance(ctx, acct.WalletAddress)
	if err != nil {
		return false, r.syncFailed(ctx, acct, err)
	}
	written, err := r.Ledger.SetSyncedBalance(ctx, acct.UID, bal, r.now(), mark)
	if err != nil {
		return false, r.syncFailed(ctx, acct, err)
	}
	if !written {
		r.logger.DebugContext(ctx, "balance changed during sync", slog.String("uid", acct.UID))
	}
	return written, nil
}

func (r *Reconciler) syncFailed(ctx context.Context, acct domain.Account, cause error) error {
	r.logger.ErrorContext(ctx, "balance sync failed",
		slog.String("uid", acct.UID),
		slog.String("address", acct.WalletAddress),
		slog.String("error", cause.Error()),
	)
	if err := r.Ledger.SetSyncError(ctx, acct.UID, cause.Error()); err != nil {
		r.logger.WarnContext(ctx, "record sync error", slog.String("uid", acct.UID), slog.String("error", err.Error()))
	}
	return cause
}
