package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BetStatus is the settlement state of a bet.
type BetStatus string

const (
	BetStatusActive   BetStatus = "active"
	BetStatusWon      BetStatus = "won"
	BetStatusLost     BetStatus = "lost"
	BetStatusRefunded BetStatus = "refunded"
)

// ClaimStatus tracks the on-chain claim of a settled bet's payout.
type ClaimStatus string

const (
	ClaimStatusNone    ClaimStatus = "none"
	ClaimStatusPending ClaimStatus = "pending"
	ClaimStatusClaimed ClaimStatus = "claimed"
)

// Bet is a user's stake on one side of a market.
type Bet struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	MarketID         string          `json:"marketId"`
	Position         Side            `json:"position"`
	Amount           decimal.Decimal `json:"amount"`
	Status           BetStatus       `json:"status"`
	Payout           decimal.Decimal `json:"payout"`
	ChainMirrorState MirrorState     `json:"chainMirrorState"`
	ClaimStatus      ClaimStatus     `json:"claimStatus"`
	ClaimTxHash      string          `json:"claimTxHash,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}
