package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/activity"
	"github.com/takarun/takaledger/internal/domain"
	"github.com/takarun/takaledger/internal/ledger"
)

// Ledger is the transition surface behind the callable routes.
type Ledger interface {
	CreateMarket(ctx context.Context, id domain.Identity, in ledger.CreateMarketInput) (domain.Market, error)
	CreateMarketGroup(ctx context.Context, id domain.Identity, in ledger.CreateMarketGroupInput) (ledger.MarketGroup, error)
	PlaceBet(ctx context.Context, id domain.Identity, in ledger.PlaceBetInput) (domain.Bet, error)
	ResolveMarket(ctx context.Context, id domain.Identity, marketID string, outcome domain.Side) (ledger.SettleResult, error)
	CancelMarket(ctx context.Context, id domain.Identity, marketID string) (ledger.SettleResult, error)
	ClaimWinnings(ctx context.Context, id domain.Identity, marketID string) (ledger.ClaimResult, error)
	SubmitActivity(ctx context.Context, id domain.Identity, sub activity.Submission) (ledger.ActivityResult, error)
	GetAccount(ctx context.Context, id domain.Identity) (ledger.AccountView, error)
	GetMarkets(ctx context.Context, id domain.Identity, filter domain.MarketFilter, limit int) ([]ledger.MarketView, error)
	GetUserBets(ctx context.Context, id domain.Identity, marketID string) ([]domain.Bet, error)
	GetMarketBets(ctx context.Context, id domain.Identity, marketID string) ([]ledger.PublicBet, error)
}

// LedgerHandler serves the player and admin callables.
type LedgerHandler struct {
	ledger Ledger
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(l Ledger, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, logger: logger.With(slog.String("handler", "ledger"))}
}

type createMarketRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	ImageURL    string    `json:"imageUrl"`
	Deadline    time.Time `json:"deadline"`
}

type placeBetRequest struct {
	MarketID string          `json:"marketId"`
	IsYes    *bool           `json:"isYes"`
	Amount   decimal.Decimal `json:"amount"`
}

type resolveMarketRequest struct {
	MarketID string `json:"marketId"`
	Outcome  *bool  `json:"outcome"`
}

type marketRequest struct {
	MarketID string `json:"marketId"`
}

// side maps an optional yes flag onto a Side. A missing flag yields the
// empty Side, which the ledger rejects after its auth checks.
func side(yes *bool) domain.Side {
	if yes == nil {
		return ""
	}
	return domain.SideFromBool(*yes)
}

// CreateMarket opens a new market.
// POST /api/v1/createMarket
func (h *LedgerHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	mkt, err := h.ledger.CreateMarket(r.Context(), caller(r), ledger.CreateMarketInput{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		ImageURL:    req.ImageURL,
		Deadline:    req.Deadline,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "marketId": mkt.ID})
}

// CreateMarketGroup opens linked markets, one per outcome.
// POST /api/v1/createMarketGroup
func (h *LedgerHandler) CreateMarketGroup(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateMarketGroupInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	group, err := h.ledger.CreateMarketGroup(r.Context(), caller(r), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groupId": group.GroupID, "marketIds": group.MarketIDs})
}

// PlaceBet stakes TK on one side of a market.
// POST /api/v1/placeBet
func (h *LedgerHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req placeBetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	bet, err := h.ledger.PlaceBet(r.Context(), caller(r), ledger.PlaceBetInput{
		MarketID: req.MarketID,
		Side:     side(req.IsYes),
		Amount:   req.Amount,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "betId": bet.ID})
}

// ResolveMarket settles a market on the given outcome.
// POST /api/v1/resolveMarket
func (h *LedgerHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req resolveMarketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.ledger.ResolveMarket(r.Context(), caller(r), req.MarketID, side(req.Outcome))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse(res))
}

// CancelMarket refunds every bet of a market.
// POST /api/v1/cancelMarket
func (h *LedgerHandler) CancelMarket(w http.ResponseWriter, r *http.Request) {
	var req marketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.ledger.CancelMarket(r.Context(), caller(r), req.MarketID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse(res))
}

func settleResponse(res ledger.SettleResult) map[string]any {
	return map[string]any{
		"success":  true,
		"marketId": res.MarketID,
		"credited": res.Credited,
		"paid":     res.Paid,
		"claims":   res.Claims,
	}
}

// ClaimWinnings reports the caller's payout and triggers the chain claim.
// POST /api/v1/claimWinnings
func (h *LedgerHandler) ClaimWinnings(w http.ResponseWriter, r *http.Request) {
	var req marketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.ledger.ClaimWinnings(r.Context(), caller(r), req.MarketID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"payout":         res.Payout,
		"claimTriggered": res.ClaimTriggered,
	})
}

// SubmitActivity validates a GPS run and credits TK for a valid one.
// POST /api/v1/submitActivity
func (h *LedgerHandler) SubmitActivity(w http.ResponseWriter, r *http.Request) {
	var sub activity.Submission
	if err := decodeJSON(w, r, &sub); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.ledger.SubmitActivity(r.Context(), caller(r), sub)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAccount returns the caller's balance projection.
// GET /api/v1/account
func (h *LedgerHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	view, err := h.ledger.GetAccount(r.Context(), caller(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetMarkets lists markets newest first.
// GET /api/v1/markets?status=open&groupId=...&limit=50
func (h *LedgerHandler) GetMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := domain.MarketFilter{Status: domain.MarketStatus(q.Get("status")), GroupID: q.Get("groupId")}
	markets, err := h.ledger.GetMarkets(r.Context(), caller(r), filter, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetUserBets lists the caller's recent bets.
// GET /api/v1/bets?marketId=...
func (h *LedgerHandler) GetUserBets(w http.ResponseWriter, r *http.Request) {
	bets, err := h.ledger.GetUserBets(r.Context(), caller(r), r.URL.Query().Get("marketId"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bets)
}

// GetMarketBets lists the latest bets on a market without bettor ids.
// GET /api/v1/markets/{id}/bets
func (h *LedgerHandler) GetMarketBets(w http.ResponseWriter, r *http.Request) {
	bets, err := h.ledger.GetMarketBets(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bets)
}
