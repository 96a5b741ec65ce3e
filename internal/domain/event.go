package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bus channels for ledger events.
const (
	ChannelMarkets  = "ledger:markets"
	ChannelBets     = "ledger:bets"
	ChannelRuns     = "ledger:runs"
	ChannelMirror   = "ledger:mirror"
	ChannelTreasury = "ledger:treasury"

	// StreamLedger is the durable stream every ledger event is appended to.
	StreamLedger = "stream:ledger"
)

// LedgerEvent is the envelope published on the bus after a transition
// commits or a mirror job changes state.
type LedgerEvent struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ChainEvent is a decoded log emitted by the prediction contract.
type ChainEvent struct {
	Name        string          `json:"name"`
	MarketID    uint64          `json:"marketId"`
	User        string          `json:"user,omitempty"`
	IsYes       *bool           `json:"isYes,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Title       string          `json:"title,omitempty"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	BlockNumber uint64          `json:"blockNumber"`
	TxHash      string          `json:"txHash"`
}
