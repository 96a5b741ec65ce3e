package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen      MarketStatus = "open"
	MarketStatusClosed    MarketStatus = "closed"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusCancelled MarketStatus = "cancelled"
)

// Settleable reports whether a market in this status may be resolved or
// cancelled.
func (s MarketStatus) Settleable() bool {
	return s == MarketStatusOpen || s == MarketStatusClosed
}

// Side is one of the two outcomes of a binary market.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// SideFromBool maps the callable surface's isYes/outcome flag onto a Side.
func SideFromBool(yes bool) Side {
	if yes {
		return SideYes
	}
	return SideNo
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// IsYes is the on-chain boolean encoding of the side.
func (s Side) IsYes() bool { return s == SideYes }

// Market is a binary-outcome proposition users stake TK on.
type Market struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Category         string          `json:"category"`
	ImageURL         string          `json:"imageUrl,omitempty"`
	Status           MarketStatus    `json:"status"`
	Resolution       *Side           `json:"resolution"`
	TotalYesAmount   decimal.Decimal `json:"totalYesAmount"`
	TotalNoAmount    decimal.Decimal `json:"totalNoAmount"`
	TotalVolume      decimal.Decimal `json:"totalVolume"`
	Deadline         time.Time       `json:"deadline"`
	OnChainID        *uint64         `json:"onChainId"`
	ChainMirrorState MirrorState     `json:"chainMirrorState"`
	CreatedBy        string          `json:"createdBy"`
	CreatedAt        time.Time       `json:"createdAt"`
	ResolvedAt       *time.Time      `json:"resolvedAt,omitempty"`
	GroupID          string          `json:"groupId,omitempty"`
	GroupTitle       string          `json:"groupTitle,omitempty"`
}

// Pool returns the total staked on side.
func (m Market) Pool(side Side) decimal.Decimal {
	if side == SideYes {
		return m.TotalYesAmount
	}
	return m.TotalNoAmount
}

// AddStake increments the side total and the volume together; volume
// always equals yes plus no.
func (m *Market) AddStake(side Side, amount decimal.Decimal) {
	if side == SideYes {
		m.TotalYesAmount = m.TotalYesAmount.Add(amount)
	} else {
		m.TotalNoAmount = m.TotalNoAmount.Add(amount)
	}
	m.TotalVolume = m.TotalVolume.Add(amount)
}

// HasOnChainID reports whether the market has been mirrored to the chain.
func (m Market) HasOnChainID() bool { return m.OnChainID != nil }
