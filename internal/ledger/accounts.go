package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/domain"
)

// Profile is the optional identity data recorded on a new account.
type Profile struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// ProvisionAccount creates the caller's account with the welcome bonus as
// its initial grant, then makes sure a custodial wallet exists. It is safe
// to call repeatedly.
func (e *Engine) ProvisionAccount(ctx context.Context, id domain.Identity, p Profile) (domain.Account, error) {
	if err := requireUser(id, "You must be signed in."); err != nil {
		return domain.Account{}, err
	}

	var (
		acct    domain.Account
		created bool
	)
	err := e.Store.InTx(ctx, func(tx domain.LedgerTx) error {
		created = false
		existing, err := tx.GetAccount(ctx, id.UID)
		if err == nil {
			acct = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		acct = domain.Account{
			UID:         id.UID,
			Email:       p.Email,
			DisplayName: p.DisplayName,
			Balance:     e.opts.WelcomeBonus,
			CreatedAt:   e.now(),
		}
		if err := tx.CreateAccount(ctx, acct); err != nil {
			return err
		}
		created = true
		if !e.opts.WelcomeBonus.IsPositive() {
			return nil
		}
		return tx.EnqueueMirror(ctx, domain.CategoryWelcomeBonus, id.UID, id.UID)
	})
	if err != nil {
		return domain.Account{}, fmt.Errorf("ledger: provision account: %w", err)
	}

	if created {
		e.logger.InfoContext(ctx, "account provisioned",
			slog.String("uid", id.UID),
			slog.String("welcome_bonus", e.opts.WelcomeBonus.String()),
		)
		e.Events.Publish(ctx, domain.ChannelTreasury, "account_provisioned", map[string]any{
			"uid":          id.UID,
			"welcomeBonus": e.opts.WelcomeBonus,
		})
	}

	if acct.WalletAddress == "" && e.Wallets != nil {
		w, err := e.Wallets.CreateWallet(ctx, id.UID)
		if err != nil {
			// The welcome bonus mirror defers until a wallet exists; the
			// next provisioning call retries the wallet.
			e.logger.ErrorContext(ctx, "wallet creation failed",
				slog.String("uid", id.UID),
				slog.String("error", err.Error()),
			)
		} else {
			acct.WalletAddress = w.Address
		}
	}

	if created && e.opts.WelcomeBonus.IsPositive() {
		e.afterCommit(ctx, func(ctx context.Context) {
			e.mirror(ctx, domain.CategoryWelcomeBonus, id.UID)
		})
	}
	return acct, nil
}

// AccountView is the balance projection shown to the user.
type AccountView struct {
	TKBalance     decimal.Decimal `json:"tkBalance"`
	TotalDistance float64         `json:"totalDistance"`
	TotalRuns     int             `json:"totalRuns"`
	WalletAddress string          `json:"walletAddress"`
}

// GetAccount returns the caller's balance projection, provisioning the
// account on first use.
func (e *Engine) GetAccount(ctx context.Context, id domain.Identity) (AccountView, error) {
	if err := requireUser(id, "You must be signed in."); err != nil {
		return AccountView{}, err
	}
	acct, err := e.Store.GetAccount(ctx, id.UID)
	if err != nil || acct.WalletAddress == "" {
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return AccountView{}, fmt.Errorf("ledger: get account: %w", err)
		}
		if acct, err = e.ProvisionAccount(ctx, id, Profile{}); err != nil {
			return AccountView{}, err
		}
	}
	return AccountView{
		TKBalance:     acct.Balance,
		TotalDistance: acct.TotalDistance,
		TotalRuns:     acct.TotalRuns,
		WalletAddress: acct.WalletAddress,
	}, nil
}
