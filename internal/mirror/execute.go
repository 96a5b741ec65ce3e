package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/domain"
)

const userLockPoll = 100 * time.Millisecond

// execute performs the chain calls of one job and returns the tx hash and,
// for market creation, the on-chain market id.
func (m *Mirrorer) execute(ctx context.Context, job domain.MirrorJob) (string, *uint64, error) {
	if m.Chain == nil {
		return "", nil, domain.ErrChainDisabled
	}

	switch job.Category {
	case domain.CategoryMarketCreate:
		return m.createMarket(ctx, job.EntityRef)
	case domain.CategoryBet:
		hash, err := m.placeBet(ctx, job.EntityRef)
		return hash, nil, err
	case domain.CategoryMarketResolve, domain.CategoryMarketCancel:
		hash, err := m.settleMarket(ctx, job.Category, job.EntityRef)
		return hash, nil, err
	case domain.CategoryClaim:
		hash, err := m.claim(ctx, job.EntityRef)
		return hash, nil, err
	case domain.CategoryReward:
		hash, err := m.reward(ctx, job.EntityRef)
		return hash, nil, err
	case domain.CategoryWelcomeBonus:
		hash, err := m.welcomeBonus(ctx, job.EntityRef)
		return hash, nil, err
	default:
		return "", nil, fmt.Errorf("unknown mirror category %q", job.Category)
	}
}

func (m *Mirrorer) createMarket(ctx context.Context, marketID string) (string, *uint64, error) {
	mkt, err := m.Ledger.GetMarket(ctx, marketID)
	if err != nil {
		return "", nil, err
	}
	if mkt.HasOnChainID() {
		id := *mkt.OnChainID
		return "", &id, nil
	}

	var (
		hash string
		id   uint64
	)
	err = m.Nonces.WithTreasuryNonce(ctx, func(ctx context.Context, nonce uint64) error {
		var cerr error
		hash, id, cerr = m.Chain.CreateMarket(ctx, nonce, mkt.Title, mkt.Description, mkt.Deadline)
		return cerr
	})
	if err != nil {
		return "", nil, err
	}
	return hash, &id, nil
}

// chainMarket loads a market that must already exist on chain.
func (m *Mirrorer) chainMarket(ctx context.Context, marketID string) (domain.Market, error) {
	mkt, err := m.Ledger.GetMarket(ctx, marketID)
	if err != nil {
		return domain.Market{}, err
	}
	if mkt.HasOnChainID() {
		return mkt, nil
	}
	if mkt.ChainMirrorState == domain.MirrorAbandoned {
		return domain.Market{}, fmt.Errorf("market %s creation: %w", marketID, errDependencyAbandoned)
	}
	return domain.Market{}, fmt.Errorf("market %s has no on-chain id: %w", marketID, domain.ErrMirrorDeferred)
}

func (m *Mirrorer) placeBet(ctx context.Context, betID string) (string, error) {
	bet, err := m.Ledger.GetBet(ctx, betID)
	if err != nil {
		return "", err
	}
	mkt, err := m.chainMarket(ctx, bet.MarketID)
	if err != nil {
		return "", err
	}
	signer, err := m.Signers.Signer(ctx, bet.UserID)
	if err != nil {
		return "", err
	}
	return m.withUserNonce(ctx, bet.UserID, func() (string, error) {
		return m.Chain.PlaceBet(ctx, signer, *mkt.OnChainID, bet.Position.IsYes(), bet.Amount)
	})
}

// settleMarket waits for every bet of the market to reach a terminal mirror
// state so the chain sees the stakes before the settlement.
func (m *Mirrorer) settleMarket(ctx context.Context, category domain.MirrorCategory, marketID string) (string, error) {
	mkt, err := m.chainMarket(ctx, marketID)
	if err != nil {
		return "", err
	}
	bets, err := m.Ledger.ListBets(ctx, domain.BetFilter{MarketID: marketID})
	if err != nil {
		return "", err
	}
	for _, b := range bets {
		if b.ChainMirrorState == domain.MirrorPending {
			return "", fmt.Errorf("bet %s still pending: %w", b.ID, domain.ErrMirrorDeferred)
		}
	}

	var hash string
	err = m.Nonces.WithTreasuryNonce(ctx, func(ctx context.Context, nonce uint64) error {
		var cerr error
		if category == domain.CategoryMarketCancel {
			hash, cerr = m.Chain.CancelMarket(ctx, nonce, *mkt.OnChainID)
			return cerr
		}
		if mkt.Resolution == nil {
			return fmt.Errorf("market %s has no resolution", marketID)
		}
		hash, cerr = m.Chain.ResolveMarket(ctx, nonce, *mkt.OnChainID, mkt.Resolution.IsYes())
		return cerr
	})
	return hash, err
}

// claim requires the market settlement to be confirmed on chain first.
func (m *Mirrorer) claim(ctx context.Context, ref string) (string, error) {
	marketID, uid, err := domain.ParseClaimRef(ref)
	if err != nil {
		return "", err
	}
	mkt, err := m.chainMarket(ctx, marketID)
	if err != nil {
		return "", err
	}

	settle := domain.CategoryMarketResolve
	if mkt.Status == domain.MarketStatusCancelled {
		settle = domain.CategoryMarketCancel
	}
	sj, err := m.Jobs.Get(ctx, settle, marketID)
	if err != nil {
		return "", fmt.Errorf("market %s settlement: %w", marketID, err)
	}
	switch sj.State {
	case domain.MirrorConfirmed:
	case domain.MirrorAbandoned:
		return "", fmt.Errorf("market %s settlement: %w", marketID, errDependencyAbandoned)
	default:
		return "", fmt.Errorf("market %s settlement not confirmed: %w", marketID, domain.ErrMirrorDeferred)
	}

	signer, err := m.Signers.Signer(ctx, uid)
	if err != nil {
		return "", err
	}
	return m.withUserNonce(ctx, uid, func() (string, error) {
		if settle == domain.CategoryMarketCancel {
			return m.Chain.Refund(ctx, signer, *mkt.OnChainID)
		}
		return m.Chain.ClaimWinnings(ctx, signer, *mkt.OnChainID)
	})
}

// withUserNonce runs one user-signed send at a time per wallet, since each
// send takes the wallet's pending nonce from the node.
func (m *Mirrorer) withUserNonce(ctx context.Context, uid string, send func() (string, error)) (string, error) {
	if m.Locks == nil {
		return send()
	}
	key := "user-nonce:" + uid
	wait := time.NewTimer(m.opts.UserLockWait)
	defer wait.Stop()
	poll := time.NewTicker(userLockPoll)
	defer poll.Stop()
	for {
		unlock, err := m.Locks.Acquire(ctx, key, m.opts.JobLockTTL)
		if err == nil {
			defer unlock()
			return send()
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return "", fmt.Errorf("lock %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wait.C:
			return "", fmt.Errorf("wallet of %s busy: %w", uid, domain.ErrMirrorDeferred)
		case <-poll.C:
		}
	}
}

func (m *Mirrorer) reward(ctx context.Context, activityID string) (string, error) {
	rec, err := m.Ledger.GetActivity(ctx, activityID)
	if err != nil {
		return "", err
	}
	if rec.Status != domain.ActivityValidated || !rec.TKEarned.IsPositive() {
		return "", fmt.Errorf("activity %s earned nothing", activityID)
	}
	return m.treasuryTransfer(ctx, rec.UserID, rec.TKEarned)
}

func (m *Mirrorer) welcomeBonus(ctx context.Context, uid string) (string, error) {
	return m.treasuryTransfer(ctx, uid, m.opts.WelcomeBonus)
}

func (m *Mirrorer) treasuryTransfer(ctx context.Context, uid string, amount decimal.Decimal) (string, error) {
	acct, err := m.Ledger.GetAccount(ctx, uid)
	if err != nil {
		return "", err
	}
	if acct.WalletAddress == "" {
		return "", fmt.Errorf("account %s has no wallet: %w", uid, domain.ErrMirrorDeferred)
	}

	var hash string
	err = m.Nonces.WithTreasuryNonce(ctx, func(ctx context.Context, nonce uint64) error {
		var cerr error
		hash, cerr = m.Chain.Transfer(ctx, nonce, acct.WalletAddress, amount)
		return cerr
	})
	return hash, err
}
