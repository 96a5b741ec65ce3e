package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BetFilter narrows a bet listing. Empty fields match everything.
type BetFilter struct {
	UserID   string
	MarketID string
	Status   BetStatus
}

// MarketFilter narrows a market listing. Empty fields match everything.
type MarketFilter struct {
	Status  MarketStatus
	GroupID string
}

// LedgerStore is the authoritative off-chain ledger.
type LedgerStore interface {
	// InTx runs fn inside one isolated read-modify-write transaction. The
	// store may call fn more than once when it retries a serialization
	// conflict, so fn must not have side effects outside tx.
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error

	GetAccount(ctx context.Context, uid string) (Account, error)
	GetMarket(ctx context.Context, id string) (Market, error)
	GetActivity(ctx context.Context, id string) (ActivityRecord, error)
	GetBet(ctx context.Context, id string) (Bet, error)
	ListBets(ctx context.Context, f BetFilter) ([]Bet, error)
	// ListMarkets returns the markets matching filter, newest first.
	ListMarkets(ctx context.Context, filter MarketFilter, limit int) ([]Market, error)

	// ListWalletAccounts pages through accounts that have a wallet address,
	// ordered by uid, starting after afterUID.
	ListWalletAccounts(ctx context.Context, afterUID string, limit int) ([]Account, error)
	// SetSyncedBalance overwrites the cached balance with the chain value
	// unless uid has a pending mirror job or a job newer than mark was
	// created. It reports whether the balance was written.
	SetSyncedBalance(ctx context.Context, uid string, balance decimal.Decimal, at time.Time, mark SyncWatermark) (bool, error)
	SetSyncError(ctx context.Context, uid, msg string) error

	// CloseExpiredMarkets moves open markets past their deadline to closed.
	CloseExpiredMarkets(ctx context.Context, now time.Time) (int64, error)
	Stats(ctx context.Context) (PlatformStats, error)
}

// LedgerTx is the ledger as seen from inside one transaction. Reads lock
// the rows they return until commit.
type LedgerTx interface {
	GetAccount(ctx context.Context, uid string) (Account, error)
	CreateAccount(ctx context.Context, acct Account) error
	// IncrementBalance atomically adds delta (which may be negative) to the
	// account balance.
	IncrementBalance(ctx context.Context, uid string, delta decimal.Decimal) error
	AddRunStats(ctx context.Context, uid string, distance float64) error

	GetMarket(ctx context.Context, id string) (Market, error)
	InsertMarket(ctx context.Context, m Market) error
	// AddStake atomically increments the side total and volume.
	AddStake(ctx context.Context, marketID string, side Side, amount decimal.Decimal) error
	SettleMarket(ctx context.Context, marketID string, status MarketStatus, resolution *Side, at time.Time) error

	InsertBet(ctx context.Context, b Bet) error
	ListMarketBets(ctx context.Context, marketID string) ([]Bet, error)
	SettleBet(ctx context.Context, betID string, status BetStatus, payout decimal.Decimal, claim ClaimStatus) error

	InsertActivity(ctx context.Context, rec ActivityRecord) error
	CountActivitiesSince(ctx context.Context, uid string, since time.Time) (int, error)

	// EnqueueMirror creates a pending mirror job for the entity unless one
	// already exists, and moves the entity to the pending mirror state.
	EnqueueMirror(ctx context.Context, category MirrorCategory, ref, uid string) error
}

// MirrorStore persists chain mirror jobs.
type MirrorStore interface {
	Get(ctx context.Context, category MirrorCategory, ref string) (MirrorJob, error)
	Enqueue(ctx context.Context, category MirrorCategory, ref, uid string) (MirrorJob, error)
	// ListPending returns pending jobs of one category, oldest first.
	ListPending(ctx context.Context, category MirrorCategory, limit int) ([]MirrorJob, error)
	// Record applies the outcome of an attempt to the job and its entity.
	Record(ctx context.Context, job MirrorJob, out MirrorOutcome) error
	// SyncWatermark snapshots uid's mirror jobs before a chain read.
	SyncWatermark(ctx context.Context, uid string) (SyncWatermark, error)
	Counts(ctx context.Context) (map[MirrorCategory]CategoryCounts, error)
	ListAbandoned(ctx context.Context, opts ListOpts) ([]MirrorJob, error)
}

// NonceLock is the stored treasury nonce lock row.
type NonceLock struct {
	LockID     string
	LockExpiry time.Time
	Nonce      uint64
}

// NonceStore backs the treasury nonce coordinator. Implementations must make
// TryAcquire an atomic conditional write.
type NonceStore interface {
	// TryAcquire takes the lock for lockID when no unexpired lock exists.
	TryAcquire(ctx context.Context, lockID string, ttl time.Duration) (bool, error)
	// Release clears the lock only if lockID still holds it.
	Release(ctx context.Context, lockID string) error
	StoredNonce(ctx context.Context) (uint64, error)
	// StoreNonce records the next nonce while lockID holds the lock. The
	// stored value never decreases.
	StoreNonce(ctx context.Context, lockID string, next uint64) error
}

// WalletStore persists custodial wallets.
type WalletStore interface {
	GetWallet(ctx context.Context, uid string) (Wallet, error)
	// CreateWallet inserts w unless a wallet for w.UID exists, and returns
	// the stored wallet either way. The account's wallet address is updated
	// in the same write.
	CreateWallet(ctx context.Context, w Wallet) (Wallet, error)
	SetEncryptedKey(ctx context.Context, uid, encrypted string) error
}

// ConfigStore is the key/value application config document.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditStore persists an append-only audit log. List returns newest
// first; an empty event matches every entry.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, event string, opts ListOpts) ([]AuditEntry, error)
}

// PlatformStats is the operator summary of ledger totals.
type PlatformStats struct {
	Markets       int64           `json:"markets"`
	OpenMarkets   int64           `json:"openMarkets"`
	Bets          int64           `json:"bets"`
	Volume        decimal.Decimal `json:"volume"`
	Accounts      int64           `json:"accounts"`
	ValidatedRuns int64           `json:"validatedRuns"`
	TKDistributed decimal.Decimal `json:"tkDistributed"`
}
