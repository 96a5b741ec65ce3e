// Package memory implements the domain store interfaces in process memory.
// It backs the engine tests and single-node development runs; a Store is
// safe for concurrent use and InTx commits atomically or not at all.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/domain"
)

type jobKey struct {
	category domain.MirrorCategory
	ref      string
}

type state struct {
	accounts   map[string]domain.Account
	wallets    map[string]domain.Wallet
	markets    map[string]domain.Market
	bets       map[string]domain.Bet
	activities map[string]domain.ActivityRecord
	jobs       map[jobKey]domain.MirrorJob
	nextJobID  int64
}

func newState() *state {
	return &state{
		accounts:   map[string]domain.Account{},
		wallets:    map[string]domain.Wallet{},
		markets:    map[string]domain.Market{},
		bets:       map[string]domain.Bet{},
		activities: map[string]domain.ActivityRecord{},
		jobs:       map[jobKey]domain.MirrorJob{},
	}
}

func (s *state) clone() *state {
	c := &state{
		accounts:   make(map[string]domain.Account, len(s.accounts)),
		wallets:    make(map[string]domain.Wallet, len(s.wallets)),
		markets:    make(map[string]domain.Market, len(s.markets)),
		bets:       make(map[string]domain.Bet, len(s.bets)),
		activities: make(map[string]domain.ActivityRecord, len(s.activities)),
		jobs:       make(map[jobKey]domain.MirrorJob, len(s.jobs)),
		nextJobID:  s.nextJobID,
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.markets {
		c.markets[k] = v
	}
	for k, v := range s.bets {
		c.bets[k] = v
	}
	for k, v := range s.activities {
		c.activities[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	return c
}

// Store holds every ledger table in memory.
type Store struct {
	mu    sync.Mutex
	st    *state
	now   func() time.Time
	nonce domain.NonceLock

	config map[string]string
	audit  []domain.AuditEntry
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		st:     newState(),
		now:    time.Now,
		config: map[string]string{},
	}
}

// SetClock replaces the time source used for lock expiry and timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// InTx runs fn against a private copy of the ledger and publishes the copy
// only when fn returns nil. Transactions are serialized.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.st.clone()
	if err := fn(&ledgerTx{st: next, now: s.now()}); err != nil {
		return err
	}
	s.st = next
	return nil
}

func (s *Store) GetAccount(_ context.Context, uid string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.account(uid)
}

func (s *Store) GetMarket(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.market(id)
}

func (s *Store) GetActivity(_ context.Context, id string) (domain.ActivityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.st.activities[id]
	if !ok {
		return domain.ActivityRecord{}, fmt.Errorf("memory: activity %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) GetBet(_ context.Context, id string) (domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.st.bets[id]
	if !ok {
		return domain.Bet{}, fmt.Errorf("memory: bet %s: %w", id, domain.ErrNotFound)
	}
	return b, nil
}

func (s *Store) ListBets(_ context.Context, f domain.BetFilter) ([]domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listBets(f), nil
}

func (s *Store) ListMarkets(_ context.Context, filter domain.MarketFilter, limit int) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Market, 0, len(s.st.markets))
	for _, m := range s.st.markets {
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.GroupID != "" && m.GroupID != filter.GroupID {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListWalletAccounts(_ context.Context, afterUID string, limit int) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uids := make([]string, 0, len(s.st.accounts))
	for uid, a := range s.st.accounts {
		if a.WalletAddress != "" && uid > afterUID {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	out := make([]domain.Account, 0, len(uids))
	for _, uid := range uids {
		out = append(out, s.st.accounts[uid])
	}
	return out, nil
}

func (s *Store) SetSyncedBalance(_ context.Context, uid string, balance decimal.Decimal, at time.Time, mark domain.SyncWatermark) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.st.account(uid)
	if err != nil {
		return false, err
	}
	if now := s.st.watermark(uid); now.Pending || now.LastJobID > mark.LastJobID {
		return false, nil
	}
	a.Balance = balance
	a.BalanceSyncedAt = &at
	a.LastSyncError = ""
	s.st.accounts[uid] = a
	return true, nil
}

func (s *Store) SetSyncError(_ context.Context, uid, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.st.account(uid)
	if err != nil {
		return err
	}
	a.LastSyncError = msg
	s.st.accounts[uid] = a
	return nil
}

func (s *Store) CloseExpiredMarkets(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.st.markets {
		if m.Status == domain.MarketStatusOpen && !m.Deadline.After(now) {
			m.Status = domain.MarketStatusClosed
			s.st.markets[id] = m
			n++
		}
	}
	return n, nil
}

func (s *Store) Stats(_ context.Context) (domain.PlatformStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := domain.PlatformStats{
		Markets:  int64(len(s.st.markets)),
		Bets:     int64(len(s.st.bets)),
		Accounts: int64(len(s.st.accounts)),
	}
	for _, m := range s.st.markets {
		if m.Status == domain.MarketStatusOpen {
			st.OpenMarkets++
		}
		st.Volume = st.Volume.Add(m.TotalVolume)
	}
	for _, a := range s.st.activities {
		if a.Status == domain.ActivityValidated {
			st.ValidatedRuns++
			st.TKDistributed = st.TKDistributed.Add(a.TKEarned)
		}
	}
	return st, nil
}

func (s *state) account(uid string) (domain.Account, error) {
	a, ok := s.accounts[uid]
	if !ok {
		return domain.Account{}, fmt.Errorf("memory: account %s: %w", uid, domain.ErrNotFound)
	}
	return a, nil
}

func (s *state) market(id string) (domain.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: market %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (s *state) listBets(f domain.BetFilter) []domain.Bet {
	out := []domain.Bet{}
	for _, b := range s.bets {
		if f.UserID != "" && b.UserID != f.UserID {
			continue
		}
		if f.MarketID != "" && b.MarketID != f.MarketID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

var (
	_ domain.LedgerStore = (*Store)(nil)
	_ domain.MirrorStore = (*Store)(nil)
	_ domain.NonceStore  = (*Store)(nil)
	_ domain.WalletStore = (*Store)(nil)
	_ domain.ConfigStore = (*Store)(nil)
	_ domain.AuditStore  = (*Store)(nil)
)
