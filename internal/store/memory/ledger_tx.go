package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/domain"
)

type ledgerTx struct {
	st  *state
	now time.Time
}

func (t *ledgerTx) GetAccount(_ context.Context, uid string) (domain.Account, error) {
	return t.st.account(uid)
}

func (t *ledgerTx) CreateAccount(_ context.Context, acct domain.Account) error {
	if _, ok := t.st.accounts[acct.UID]; ok {
		return fmt.Errorf("memory: account %s: %w", acct.UID, domain.ErrAlreadyExists)
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = t.now
	}
	t.st.accounts[acct.UID] = acct
	return nil
}

func (t *ledgerTx) IncrementBalance(_ context.Context, uid string, delta decimal.Decimal) error {
	a, err := t.st.account(uid)
	if err != nil {
		return err
	}
	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("memory: account %s: %w", uid, domain.ErrInsufficientBalance)
	}
	a.Balance = next
	t.st.accounts[uid] = a
	return nil
}

func (t *ledgerTx) AddRunStats(_ context.Context, uid string, distance float64) error {
	a, err := t.st.account(uid)
	if err != nil {
		return err
	}
	a.TotalDistance += distance
	a.TotalRuns++
	t.st.accounts[uid] = a
	return nil
}

func (t *ledgerTx) GetMarket(_ context.Context, id string) (domain.Market, error) {
	return t.st.market(id)
}

func (t *ledgerTx) InsertMarket(_ context.Context, m domain.Market) error {
	if _, ok := t.st.markets[m.ID]; ok {
		return fmt.Errorf("memory: market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	t.st.markets[m.ID] = m
	return nil
}

func (t *ledgerTx) AddStake(_ context.Context, marketID string, side domain.Side, amount decimal.Decimal) error {
	m, err := t.st.market(marketID)
	if err != nil {
		return err
	}
	m.AddStake(side, amount)
	t.st.markets[marketID] = m
	return nil
}

func (t *ledgerTx) SettleMarket(_ context.Context, marketID string, status domain.MarketStatus, resolution *domain.Side, at time.Time) error {
	m, err := t.st.market(marketID)
	if err != nil {
		return err
	}
	m.Status = status
	m.Resolution = resolution
	m.ResolvedAt = &at
	t.st.markets[marketID] = m
	return nil
}

func (t *ledgerTx) InsertBet(_ context.Context, b domain.Bet) error {
	if _, ok := t.st.bets[b.ID]; ok {
		return fmt.Errorf("memory: bet %s: %w", b.ID, domain.ErrAlreadyExists)
	}
	t.st.bets[b.ID] = b
	return nil
}

func (t *ledgerTx) ListMarketBets(_ context.Context, marketID string) ([]domain.Bet, error) {
	return t.st.listBets(domain.BetFilter{MarketID: marketID}), nil
}

func (t *ledgerTx) SettleBet(_ context.Context, betID string, status domain.BetStatus, payout decimal.Decimal, claim domain.ClaimStatus) error {
	b, ok := t.st.bets[betID]
	if !ok {
		return fmt.Errorf("memory: bet %s: %w", betID, domain.ErrNotFound)
	}
	b.Status = status
	b.Payout = payout
	b.ClaimStatus = claim
	t.st.bets[betID] = b
	return nil
}

func (t *ledgerTx) InsertActivity(_ context.Context, rec domain.ActivityRecord) error {
	if _, ok := t.st.activities[rec.ID]; ok {
		return fmt.Errorf("memory: activity %s: %w", rec.ID, domain.ErrAlreadyExists)
	}
	t.st.activities[rec.ID] = rec
	return nil
}

func (t *ledgerTx) CountActivitiesSince(_ context.Context, uid string, since time.Time) (int, error) {
	n := 0
	for _, a := range t.st.activities {
		if a.UserID == uid && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *ledgerTx) EnqueueMirror(_ context.Context, category domain.MirrorCategory, ref, uid string) error {
	t.st.enqueue(category, ref, uid, t.now)
	return nil
}

// enqueue creates the job if absent and marks its entity pending.
func (s *state) enqueue(category domain.MirrorCategory, ref, uid string, now time.Time) domain.MirrorJob {
	key := jobKey{category, ref}
	if j, ok := s.jobs[key]; ok {
		return j
	}
	s.nextJobID++
	j := domain.MirrorJob{
		ID:        s.nextJobID,
		Category:  category,
		EntityRef: ref,
		UserID:    uid,
		State:     domain.MirrorPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[key] = j
	s.markEntity(j, domain.MirrorOutcome{State: domain.MirrorPending})
	return j
}

// markEntity mirrors a job state change onto the ledger row it replicates.
func (s *state) markEntity(j domain.MirrorJob, out domain.MirrorOutcome) {
	switch j.Category {
	case domain.CategoryMarketCreate:
		if m, ok := s.markets[j.EntityRef]; ok {
			m.ChainMirrorState = out.State
			if out.OnChainID != nil && m.OnChainID == nil {
				id := *out.OnChainID
				m.OnChainID = &id
			}
			s.markets[j.EntityRef] = m
		}
	case domain.CategoryBet:
		if b, ok := s.bets[j.EntityRef]; ok {
			b.ChainMirrorState = out.State
			s.bets[j.EntityRef] = b
		}
	case domain.CategoryReward:
		if a, ok := s.activities[j.EntityRef]; ok {
			a.ChainMirrorState = out.State
			s.activities[j.EntityRef] = a
		}
	case domain.CategoryClaim:
		marketID, uid, err := domain.ParseClaimRef(j.EntityRef)
		if err != nil {
			return
		}
		for id, b := range s.bets {
			if b.MarketID != marketID || b.UserID != uid || b.Payout.IsZero() {
				continue
			}
			switch out.State {
			case domain.MirrorPending:
				if b.ClaimStatus != domain.ClaimStatusClaimed {
					b.ClaimStatus = domain.ClaimStatusPending
				}
			case domain.MirrorConfirmed:
				b.ClaimStatus = domain.ClaimStatusClaimed
				b.ClaimTxHash = out.TxHash
			}
			s.bets[id] = b
		}
	}
}
