package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/domain"
	"github.com/takarun/takaledger/internal/notify"
)

// GasLevel classifies the treasury's native balance.
type GasLevel string

const (
	GasOK       GasLevel = "ok"
	GasLow      GasLevel = "low"
	GasCritical GasLevel = "critical"
)

// GasStatus is the treasury's native balance check.
type GasStatus struct {
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
	Level   GasLevel        `json:"level"`
}

func (r *Reconciler) gasLevel(bal decimal.Decimal) GasLevel {
	switch {
	case bal.LessThan(r.opts.GasCritical):
		return GasCritical
	case bal.LessThan(r.opts.GasLow):
		return GasLow
	default:
		return GasOK
	}
}

// CheckGas reads the treasury's native balance and alerts operators when it
// is below the low or critical threshold.
func (r *Reconciler) CheckGas(ctx context.Context) (GasStatus, error) {
	if r.Chain == nil {
		return GasStatus{}, domain.ErrChainDisabled
	}
	addr := r.Chain.TreasuryAddress()
	bal, err := r.Chain.NativeBalance(ctx, addr)
	if err != nil {
		r.logger.ErrorContext(ctx, "gas check failed", slog.String("error", err.Error()))
		return GasStatus{}, fmt.Errorf("reconcile: gas check: %w", err)
	}

	st := GasStatus{Address: addr, Balance: bal, Level: r.gasLevel(bal)}
	attrs := []any{slog.String("address", addr), slog.String("balance", bal.String())}
	switch st.Level {
	case GasCritical:
		r.logger.ErrorContext(ctx, "treasury gas critically low", append(attrs, slog.String("threshold", r.opts.GasCritical.String()))...)
		r.alert(ctx, notify.EventGasCritical, "Treasury gas critical",
			fmt.Sprintf("Treasury %s holds %s native, below %s", addr, bal, r.opts.GasCritical))
	case GasLow:
		r.logger.WarnContext(ctx, "treasury gas low", append(attrs, slog.String("threshold", r.opts.GasLow.String()))...)
		r.alert(ctx, notify.EventGasLow, "Treasury gas low",
			fmt.Sprintf("Treasury %s holds %s native, below %s", addr, bal, r.opts.GasLow))
	default:
		r.logger.InfoContext(ctx, "treasury gas ok", attrs...)
	}
	return st, nil
}
