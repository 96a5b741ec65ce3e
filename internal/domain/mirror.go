package domain

import (
	"fmt"
	"strings"
	"time"
)

// MirrorState is the per-entity state of its on-chain counterpart.
type MirrorState string

const (
	MirrorOffChain  MirrorState = "off-chain"
	MirrorPending   MirrorState = "pending"
	MirrorConfirmed MirrorState = "confirmed"
	MirrorAbandoned MirrorState = "abandoned"
)

// Terminal reports whether no further mirror attempts will be made.
func (s MirrorState) Terminal() bool {
	return s == MirrorConfirmed || s == MirrorAbandoned
}

// MirrorCategory names the kind of on-chain operation a job replays.
type MirrorCategory string

const (
	CategoryMarketCreate  MirrorCategory = "market_create"
	CategoryBet           MirrorCategory = "bet"
	CategoryMarketResolve MirrorCategory = "market_resolve"
	CategoryMarketCancel  MirrorCategory = "market_cancel"
	CategoryClaim         MirrorCategory = "claim"
	CategoryReward        MirrorCategory = "reward"
	CategoryWelcomeBonus  MirrorCategory = "welcome_bonus"
)

// Categories lists every mirror category in sweep order.
var Categories = []MirrorCategory{
	CategoryMarketCreate,
	CategoryBet,
	CategoryMarketResolve,
	CategoryMarketCancel,
	CategoryClaim,
	CategoryReward,
	CategoryWelcomeBonus,
}

// TreasurySigned reports whether jobs in this category are signed by the
// treasury identity and therefore go through the nonce coordinator.
func (c MirrorCategory) TreasurySigned() bool {
	switch c {
	case CategoryBet, CategoryClaim:
		return false
	default:
		return true
	}
}

// MirrorJob tracks the replication of one ledger record onto the chain.
// (Category, EntityRef) is unique.
type MirrorJob struct {
	ID          int64          `json:"id"`
	Category    MirrorCategory `json:"category"`
	EntityRef   string         `json:"entityRef"`
	UserID      string         `json:"userId,omitempty"`
	State       MirrorState    `json:"state"`
	RetryCount  int            `json:"retryCount"`
	LastRetryAt *time.Time     `json:"lastRetryAt,omitempty"`
	TxHash      string         `json:"txHash,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// MirrorOutcome is the result of one mirror attempt, applied to the job and
// its entity by MirrorStore.Record.
type MirrorOutcome struct {
	State       MirrorState
	RetryCount  int
	AttemptedAt time.Time
	TxHash      string
	Err         string
	// OnChainID is set when a market creation was confirmed.
	OnChainID *uint64
}

// ClaimRef builds the entity reference of a per-user claim on a market.
func ClaimRef(marketID, uid string) string {
	return marketID + ":" + uid
}

// ParseClaimRef splits a claim entity reference.
func ParseClaimRef(ref string) (marketID, uid string, err error) {
	marketID, uid, ok := strings.Cut(ref, ":")
	if !ok || marketID == "" || uid == "" {
		return "", "", fmt.Errorf("malformed claim ref %q", ref)
	}
	return marketID, uid, nil
}

// CategoryCounts is the operator view of mirror backlog per category.
type CategoryCounts struct {
	Pending   int64 `json:"pending"`
	Abandoned int64 `json:"abandoned"`
	Confirmed int64 `json:"confirmed"`
}

// SyncWatermark is the state of one user's mirror jobs when balance sync
// reads the chain. A later job means the chain reading may be stale.
type SyncWatermark struct {
	Pending   bool
	LastJobID int64
}

// TxReceipt is the chain's view of a previously broadcast transaction.
// MarketID is set when the receipt carries a MarketCreated event.
type TxReceipt struct {
	Found    bool
	Success  bool
	MarketID *uint64
}
