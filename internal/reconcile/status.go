package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/domain"
)

// TreasuryStatus is the operator view of the treasury and mirror backlog.
type TreasuryStatus struct {
	TreasuryAddress string                                          `json:"treasuryAddress"`
	NativeBalance   decimal.Decimal                                 `json:"nativeBalance"`
	TokenBalance    decimal.Decimal                                 `json:"tkBalance"`
	GasLevel        GasLevel                                        `json:"gasLevel"`
	Mirror          map[domain.MirrorCategory]domain.CategoryCounts `json:"mirror"`
	Platform        domain.PlatformStats                            `json:"platform"`
	ChainError      string                                          `json:"chainError,omitempty"`
}

// Status collects treasury balances, mirror counts and platform totals. A
// chain read failure is reported in ChainError; store failures are errors.
func (r *Reconciler) Status(ctx context.Context) (TreasuryStatus, error) {
	var st TreasuryStatus

	counts, err := r.Jobs.Counts(ctx)
	if err != nil {
		return st, fmt.Errorf("reconcile: status counts: %w", err)
	}
	st.Mirror = counts
	if st.Platform, err = r.Ledger.Stats(ctx); err != nil {
		return st, fmt.Errorf("reconcile: status stats: %w", err)
	}

	if r.Chain == nil {
		st.ChainError = domain.ErrChainDisabled.Error()
		return st, nil
	}
	st.TreasuryAddress = r.Chain.TreasuryAddress()
	if st.NativeBalance, err = r.Chain.NativeBalance(ctx, st.TreasuryAddress); err != nil {
		st.ChainError = err.Error()
	} else {
		st.GasLevel = r.gasLevel(st.NativeBalance)
	}
	if st.TokenBalance, err = r.Chain.TokenBalance(ctx, st.TreasuryAddress); err != nil {
		st.ChainError = err.Error()
	}
	if st.ChainError != "" {
		r.logger.WarnContext(ctx, "treasury balances unavailable", slog.String("error", st.ChainError))
	}
	return st, nil
}
