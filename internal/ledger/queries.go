package ledger

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/domain"
)

// Read-side page sizes of the callable surface.
const (
	marketPageDefault = 50
	marketPageMax     = 200
	userBetsLimit     = 100
	marketBetsLimit   = 20
)

// MarketView is a market as shown to players. The creator uid is omitted.
type MarketView struct {
	ID               string              `json:"id"`
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	Category         string              `json:"category"`
	ImageURL         string              `json:"imageUrl,omitempty"`
	Status           domain.MarketStatus `json:"status"`
	Resolution       *domain.Side        `json:"resolution"`
	TotalYesAmount   decimal.Decimal     `json:"totalYesAmount"`
	TotalNoAmount    decimal.Decimal     `json:"totalNoAmount"`
	TotalVolume      decimal.Decimal     `json:"totalVolume"`
	Deadline         time.Time           `json:"deadline"`
	OnChainID        *uint64             `json:"onChainId"`
	ChainMirrorState domain.MirrorState  `json:"chainMirrorState"`
	CreatedAt        time.Time           `json:"createdAt"`
	ResolvedAt       *time.Time          `json:"resolvedAt,omitempty"`
	GroupID          string              `json:"groupId,omitempty"`
	GroupTitle       string              `json:"groupTitle,omitempty"`
}

// PublicBet is a bet on a market's activity feed, without the bettor.
type PublicBet struct {
	ID        string           `json:"id"`
	Position  domain.Side      `json:"position"`
	Amount    decimal.Decimal  `json:"amount"`
	Status    domain.BetStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
}

// GetMarkets lists markets newest first, optionally by status.
func (e *Engine) GetMarkets(ctx context.Context, id domain.Identity, filter domain.MarketFilter, limit int) ([]MarketView, error) {
	if err := requireUser(id, "You must be signed in."); err != nil {
		return nil, err
	}
	switch filter.Status {
	case "", domain.MarketStatusOpen, domain.MarketStatusClosed, domain.MarketStatusResolved, domain.MarketStatusCancelled:
	default:
		return nil, domain.Errorf(domain.ErrInvalidArgument, "Unknown market status %q.", filter.Status)
	}
	if limit <= 0 {
		limit = marketPageDefault
	}
	limit = min(limit, marketPageMax)

	markets, err := e.Store.ListMarkets(ctx, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list markets: %w", err)
	}
	views := make([]MarketView, len(markets))
	for i, m := range markets {
		views[i] = MarketView{
			ID:               m.ID,
			Title:            m.Title,
			Description:      m.Description,
			Category:         m.Category,
			ImageURL:         m.ImageURL,
			Status:           m.Status,
			Resolution:       m.Resolution,
			TotalYesAmount:   m.TotalYesAmount,
			TotalNoAmount:    m.TotalNoAmount,
			TotalVolume:      m.TotalVolume,
			Deadline:         m.Deadline,
			OnChainID:        m.OnChainID,
			ChainMirrorState: m.ChainMirrorState,
			CreatedAt:        m.CreatedAt,
			ResolvedAt:       m.ResolvedAt,
			GroupID:          m.GroupID,
			GroupTitle:       m.GroupTitle,
		}
	}
	return views, nil
}

// GetUserBets returns the caller's most recent bets, optionally on one
// market.
func (e *Engine) GetUserBets(ctx context.Context, id domain.Identity, marketID string) ([]domain.Bet, error) {
	if err := requireUser(id, "You must be signed in."); err != nil {
		return nil, err
	}
	bets, err := e.Store.ListBets(ctx, domain.BetFilter{UserID: id.UID, MarketID: marketID})
	if err != nil {
		return nil, fmt.Errorf("ledger: list user bets: %w", err)
	}
	return newest(bets, userBetsLimit), nil
}

// GetMarketBets returns the latest bets on a market with the bettors
// stripped.
func (e *Engine) GetMarketBets(ctx context.Context, id domain.Identity, marketID string) ([]PublicBet, error) {
	if err := requireUser(id, "You must be signed in."); err != nil {
		return nil, err
	}
	if marketID == "" {
		return nil, domain.Errorf(domain.ErrInvalidArgument, "marketId is required.")
	}
	bets, err := e.Store.ListBets(ctx, domain.BetFilter{MarketID: marketID})
	if err != nil {
		return nil, fmt.Errorf("ledger: list market bets: %w", err)
	}
	bets = newest(bets, marketBetsLimit)
	out := make([]PublicBet, len(bets))
	for i, b := range bets {
		out[i] = PublicBet{ID: b.ID, Position: b.Position, Amount: b.Amount, Status: b.Status, CreatedAt: b.CreatedAt}
	}
	return out, nil
}

// newest reverses an oldest-first listing and keeps the first n.
func newest(bets []domain.Bet, n int) []domain.Bet {
	slices.Reverse(bets)
	if len(bets) > n {
		bets = bets[:n]
	}
	return bets
}
