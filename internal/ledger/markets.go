package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/domain"
)

// CreateMarketInput is an admin request for a new market.
type CreateMarketInput struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Deadline    time.Time `json:"deadline"`
}

// CreateMarketGroupInput is an admin request for linked markets that share a
// description and category, one market per outcome.
type CreateMarketGroupInput struct {
	GroupTitle  string         `json:"groupTitle"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Markets     []GroupOutcome `json:"markets"`
}

// GroupOutcome is one market of a group.
type GroupOutcome struct {
	Title    string    `json:"title"`
	Deadline time.Time `json:"deadline"`
}

// MarketGroup identifies the markets created by CreateMarketGroup.
type MarketGroup struct {
	GroupID   string   `json:"groupId"`
	MarketIDs []string `json:"marketIds"`
}

// PlaceBetInput is a stake on one side of a market.
type PlaceBetInput struct {
	MarketID string          `json:"marketId"`
	Side     domain.Side     `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
}

// SettleResult summarizes a resolution or cancellation.
type SettleResult struct {
	MarketID string          `json:"marketId"`
	Credited int             `json:"credited"`
	Paid     decimal.Decimal `json:"paid"`
	Claims   int             `json:"claims"`
}

// ClaimResult is the caller's total payout on a market.
type ClaimResult struct {
	Payout         decimal.Decimal `json:"payout"`
	ClaimTriggered bool            `json:"claimTriggered"`
}

// CreateMarket opens a market and mirrors it through the treasury signer.
func (e *Engine) CreateMarket(ctx context.Context, id domain.Identity, in CreateMarketInput) (domain.Market, error) {
	if err := requireAdmin(id); err != nil {
		return domain.Market{}, err
	}
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Description) == "" ||
		strings.TrimSpace(in.Category) == "" || in.Deadline.IsZero() {
		return domain.Market{}, domain.Errorf(domain.ErrInvalidArgument, "title, description, category, and deadline are required.")
	}
	now := e.now()
	if !in.Deadline.After(now) {
		return domain.Market{}, domain.Errorf(domain.ErrInvalidArgument, "Deadline must be a valid future date.")
	}

	mkt := domain.Market{
		ID:               e.newID(),
		Title:            strings.TrimSpace(in.Title),
		Description:      strings.TrimSpace(in.Description),
		Category:         strings.TrimSpace(in.Category),
		ImageURL:         in.ImageURL,
		Status:           domain.MarketStatusOpen,
		TotalYesAmount:   decimal.Zero,
		TotalNoAmount:    decimal.Zero,
		TotalVolume:      decimal.Zero,
		Deadline:         in.Deadline.UTC(),
		ChainMirrorState: domain.MirrorPending,
		CreatedBy:        id.UID,
		CreatedAt:        now,
	}
	err := e.Store.InTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.InsertMarket(ctx, mkt); err != nil {
			return err
		}
		return tx.EnqueueMirror(ctx, domain.CategoryMarketCreate, mkt.ID, "")
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger: create market: %w", err)
	}

	e.logger.InfoContext(ctx, "market created",
		slog.String("market_id", mkt.ID),
		slog.String("created_by", id.UID),
		slog.Time("deadline", mkt.Deadline),
	)
	e.audit(ctx, "market_created", map[string]any{"market_id": mkt.ID, "title": mkt.Title, "admin": id.UID})
	e.Events.Publish(ctx, domain.ChannelMarkets, "market_created", map[string]any{
		"marketId": mkt.ID,
		"title":    mkt.Title,
		"deadline": mkt.Deadline,
	})
	e.afterCommit(ctx, func(ctx context.Context) {
		e.mirror(ctx, domain.CategoryMarketCreate, mkt.ID)
	})
	return mkt, nil
}

// CreateMarketGroup opens two or more linked markets in one transaction and
// mirrors each of them like CreateMarket.
func (e *Engine) CreateMarketGroup(ctx context.Context, id domain.Identity, in CreateMarketGroupInput) (MarketGroup, error) {
	if err := requireAdmin(id); err != nil {
		return MarketGroup{}, err
	}
	title := strings.TrimSpace(in.GroupTitle)
	desc := strings.TrimSpace(in.Description)
	category := strings.TrimSpace(in.Category)
	if title == "" || desc == "" || category == "" {
		return MarketGroup{}, domain.Errorf(domain.ErrInvalidArgument, "groupTitle, description, and category are required.")
	}
	if len(in.Markets) < 2 {
		return MarketGroup{}, domain.Errorf(domain.ErrInvalidArgument, "At least 2 market outcomes are required for a group.")
	}
	now := e.now()
	for _, o := range in.Markets {
		if strings.TrimSpace(o.Title) == "" || o.Deadline.IsZero() {
			return MarketGroup{}, domain.Errorf(domain.ErrInvalidArgument, "Each market outcome must have a title and deadline.")
		}
		if !o.Deadline.After(now) {
			return MarketGroup{}, domain.Errorf(domain.ErrInvalidArgument, "Deadline for %q must be a valid future date.", o.Title)
		}
	}

	group := MarketGroup{GroupID: e.newID(), MarketIDs: make([]string, len(in.Markets))}
	markets := make([]domain.Market, len(in.Markets))
	for i, o := range in.Markets {
		markets[i] = domain.Market{
			ID:               e.newID(),
			Title:            strings.TrimSpace(o.Title),
			Description:      desc,
			Category:         category,
			Status:           domain.MarketStatusOpen,
			TotalYesAmount:   decimal.Zero,
			TotalNoAmount:    decimal.Zero,
			TotalVolume:      decimal.Zero,
			Deadline:         o.Deadline.UTC(),
			ChainMirrorState: domain.MirrorPending,
			CreatedBy:        id.UID,
			CreatedAt:        now,
			GroupID:          group.GroupID,
			GroupTitle:       title,
		}
		group.MarketIDs[i] = markets[i].ID
	}
	err := e.Store.InTx(ctx, func(tx domain.LedgerTx) error {
		for _, mkt := range markets {
			if err := tx.InsertMarket(ctx, mkt); err != nil {
				return err
			}
			if err := tx.EnqueueMirror(ctx, domain.CategoryMarketCreate, mkt.ID, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return MarketGroup{}, fmt.Errorf("ledger: create market group: %w", err)
	}

	e.logger.InfoContext(ctx, "market group created",
		slog.String("group_id", group.GroupID),
		slog.Int("markets", len(markets)),
		slog.String("created_by", id.UID),
	)
	e.audit(ctx, "market_group_created", map[string]any{
		"group_id":   group.GroupID,
		"title":      title,
		"market_ids": group.MarketIDs,
		"admin":      id.UID,
	})
	for _, mkt := range markets {
		e.Events.Publish(ctx, domain.ChannelMarkets, "market_created", map[string]any{
			"marketId": mkt.ID,
			"title":    mkt.Title,
			"deadline": mkt.Deadline,
			"groupId":  group.GroupID,
		})
	}
	e.afterCommit(ctx, func(ctx context.Context) {
		for _, marketID := range group.MarketIDs {
			e.mirror(ctx, domain.CategoryMarketCreate, marketID)
		}
	})
	return group, nil
}

// PlaceBet debits the caller and records a stake on one side of an open
// market.
func (e *Engine) PlaceBet(ctx context.Context, id domain.Identity, in PlaceBetInput) (domain.Bet, error) {
	if err := requireUser(id, "You must be signed in to place a bet."); err != nil {
		return domain.Bet{}, err
	}
	if in.MarketID == "" || !in.Side.Valid() {
		return domain.Bet{}, domain.Errorf(domain.ErrInvalidArgument, "marketId and a yes/no side are required.")
	}
	if !in.Amount.IsPositive() {
		return domain.Bet{}, domain.Errorf(domain.ErrInvalidArgument, "Bet amount must be positive.")
	}

	var bet domain.Bet
	err := e.Store.InTx(ctx, func(tx domain.LedgerTx) error {
		now := e.now()
		mkt, err := tx.GetMarket(ctx, in.MarketID)
		if err != nil {
			return typed(err, "Market not found.")
		}
		if mkt.Status != domain.MarketStatusOpen || !mkt.Deadline.After(now) {
			return domain.Errorf(domain.ErrMarketNotOpen, "Market is not open for betting.")
		}
		acct, err := tx.GetAccount(ctx, id.UID)
		if err != nil {
			return typed(err, "User profile not found.")
		}
		if acct.Balance.LessThan(in.Amount) {
			return domain.Errorf(domain.ErrInsufficientBalance, "Insufficient TK balance.")
		}

		bet = domain.Bet{
			ID:               e.newID(),
			UserID:           id.UID,
			MarketID:         mkt.ID,
			Position:         in.Side,
			Amount:           in.Amount,
			Status:           domain.BetStatusActive,
			Payout:           decimal.Zero,
			ChainMirrorState: domain.MirrorPending,
			ClaimStatus:      domain.ClaimStatusNone,
			CreatedAt:        now,
		}
		if err := tx.IncrementBalance(ctx, id.UID, in.Amount.Neg()); err != nil {
			return err
		}
		if err := tx.AddStake(ctx, mkt.ID, in.Side, in.Amount); err != nil {
			return err
		}
		if err := tx.InsertBet(ctx, bet); err != nil {
			return err
		}
		return tx.EnqueueMirror(ctx, domain.CategoryBet, bet.ID, id.UID)
	})
	if err != nil {
		return domain.Bet{}, fmt.Errorf("ledger: place bet: %w", err)
	}

	e.logger.InfoContext(ctx, "bet placed",
		slog.String("bet_id", bet.ID),
		slog.String("market_id", bet.MarketID),
		slog.String("uid", bet.UserID),
		slog.String("side", string(bet.Position)),
		slog.String("amount", bet.Amount.String()),
	)
	e.Events.Publish(ctx, domain.ChannelBets, "bet_placed", map[string]any{
		"betId":    bet.ID,
		"marketId": bet.MarketID,
		"side":     bet.Position,
		"amount":   bet.Amount,
	})
	e.afterCommit(ctx, func(ctx context.Context) {
		e.mirror(ctx, domain.CategoryBet, bet.ID)
	})
	return bet, nil
}

// Payout is a winning stake's share of the pool after the fee, rounded to
// 18 decimal places. A zero winning pool pays nothing.
func Payout(amount, winningPool, totalPool, feeRate decimal.Decimal) decimal.Decimal {
	if !winningPool.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(totalPool).Mul(decimal.NewFromInt(1).Sub(feeRate)).DivRound(winningPool, 18)
}

// ResolveMarket settles every bet of a market against outcome, crediting
// winners in the same transaction.
func (e *Engine) ResolveMarket(ctx context.Context, id domain.Identity, marketID string, outcome domain.Side) (SettleResult, error) {
	if err := requireAdmin(id); err != nil {
		return SettleResult{}, err
	}
	if marketID == "" || !outcome.Valid() {
		return SettleResult{}, domain.Errorf(domain.ErrInvalidArgument, "marketId and outcome are required.")
	}

	var (
		res     SettleResult
		winners []string
	)
	err := e.Store.InTx(ctx, func(tx domain.LedgerTx) error {
		res = SettleResult{MarketID: marketID, Paid: decimal.Zero}
		winners = winners[:0]

		mkt, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return typed(err, "Market not found.")
		}
		if !mkt.Status.Settleable() {
			return domain.Errorf(domain.ErrFailedPrecondition, "Market status is %q, cannot resolve.", mkt.Status)
		}
		bets, err := tx.ListMarketBets(ctx, marketID)
		if err != nil {
			return err
		}

		totalPool := mkt.TotalYesAmount.Add(mkt.TotalNoAmount)
		winningPool := mkt.Pool(outcome)
		seen := map[string]bool{}
		for _, b := range bets {
			if b.Status != domain.BetStatusActive {
				continue
			}
			payout := decimal.Zero
			if b.Position == outcome {
				payout = Payout(b.Amount, winningPool, totalPool, e.opts.FeeRate)
			}
			if !payout.IsPositive() {
				if err := tx.SettleBet(ctx, b.ID, domain.BetStatusLost, decimal.Zero, domain.ClaimStatusNone); err != nil {
					return err
				}
				continue
			}
			if err := tx.SettleBet(ctx, b.ID, domain.BetStatusWon, payout, domain.ClaimStatusNone); err != nil {
				return err
			}
			if err := tx.IncrementBalance(ctx, b.UserID, payout); err != nil {
				return err
			}
			res.Credited++
			res.Paid = res.Paid.Add(payout)
			if !seen[b.UserID] {
				seen[b.UserID] = true
				winners = append(winners, b.UserID)
			}
		}

		side := outcome
		if err := tx.SettleMarket(ctx, marketID, domain.MarketStatusResolved, &side, e.now()); err != nil {
			return err
		}
		if err := tx.EnqueueMirror(ctx, domain.CategoryMarketResolve, marketID, ""); err != nil {
			return err
		}
		for _, uid := range winners {
			if err := tx.EnqueueMirror(ctx, domain.CategoryClaim, domain.ClaimRef(marketID, uid), uid); err != nil {
				return err
			}
		}
		res.Claims = len(winners)
		return nil
	})
	if err != nil {
		return SettleResult{}, fmt.Errorf("ledger: resolve market: %w", err)
	}

	e.logger.InfoContext(ctx, "market resolved",
		slog.String("market_id", marketID),
		slog.String("outcome", string(outcome)),
		slog.Int("winning_bets", res.Credited),
		slog.String("paid", res.Paid.String()),
	)
	e.audit(ctx, "market_resolved", map[string]any{
		"market_id": marketID,
		"outcome":   outcome,
		"paid":      res.Paid.String(),
		"admin":     id.UID,
	})
	e.Events.Publish(ctx, domain.ChannelMarkets, "market_resolved", map[string]any{
		"marketId": marketID,
		"outcome":  outcome,
		"paid":     res.Paid,
	})
	e.afterCommit(ctx, func(ctx context.Context) {
		e.settleThenClaim(ctx, domain.CategoryMarketResolve, marketID, winners)
	})
	return res, nil
}

// CancelMarket refunds every active bet of a market.
func (e *Engine) CancelMarket(ctx context.Context, id domain.Identity, marketID string) (SettleResult, error) {
	if err := requireAdmin(id); err != nil {
		return SettleResult{}, err
	}
	if marketID == "" {
		return SettleResult{}, domain.Errorf(domain.ErrInvalidArgument, "marketId is required.")
	}

	var (
		res     SettleResult
		bettors []string
	)
	err := e.Store.InTx(ctx, func(tx domain.LedgerTx) error {
		res = SettleResult{MarketID: marketID, Paid: decimal.Zero}
		bettors = bettors[:0]

		mkt, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return typed(err, "Market not found.")
		}
		if !mkt.Status.Settleable() {
			return domain.Errorf(domain.ErrFailedPrecondition, "Market status is %q, cannot cancel.", mkt.Status)
		}
		bets, err := tx.ListMarketBets(ctx, marketID)
		if err != nil {
			return err
		}

		seen := map[string]bool{}
		for _, b := range bets {
			if b.Status != domain.BetStatusActive {
				continue
			}
			if err := tx.SettleBet(ctx, b.ID, domain.BetStatusRefunded, b.Amount, domain.ClaimStatusNone); err != nil {
				return err
			}
			if err := tx.IncrementBalance(ctx, b.UserID, b.Amount); err != nil {
				return err
			}
			res.Credited++
			res.Paid = res.Paid.Add(b.Amount)
			if !seen[b.UserID] {
				seen[b.UserID] = true
				bettors = append(bettors, b.UserID)
			}
		}

		if err := tx.SettleMarket(ctx, marketID, domain.MarketStatusCancelled, nil, e.now()); err != nil {
			return err
		}
		if err := tx.EnqueueMirror(ctx, domain.CategoryMarketCancel, marketID, ""); err != nil {
			return err
		}
		for _, uid := range bettors {
			if err := tx.EnqueueMirror(ctx, domain.CategoryClaim, domain.ClaimRef(marketID, uid), uid); err != nil {
				return err
			}
		}
		res.Claims = len(bettors)
		return nil
	})
	if err != nil {
		return SettleResult{}, fmt.Errorf("ledger: cancel market: %w", err)
	}

	e.logger.InfoContext(ctx, "market cancelled",
		slog.String("market_id", marketID),
		slog.Int("refunded_bets", res.Credited),
		slog.String("refunded", res.Paid.String()),
	)
	e.audit(ctx, "market_cancelled", map[string]any{
		"market_id": marketID,
		"refunded":  res.Paid.String(),
		"admin":     id.UID,
	})
	e.Events.Publish(ctx, domain.ChannelMarkets, "market_cancelled", map[string]any{
		"marketId": marketID,
		"refunded": res.Paid,
	})
	e.afterCommit(ctx, func(ctx context.Context) {
		e.settleThenClaim(ctx, domain.CategoryMarketCancel, marketID, bettors)
	})
	return res, nil
}

// settleThenClaim mirrors a settlement and, once it is confirmed, claims
// for the first InlineClaimBatch users. The remaining claims stay pending
// for the sweep.
func (e *Engine) settleThenClaim(ctx context.Context, settle domain.MirrorCategory, marketID string, users []string) {
	if !e.mirror(ctx, settle, marketID) {
		return
	}
	batch := users
	if len(batch) > e.opts.InlineClaimBatch {
		batch = batch[:e.opts.InlineClaimBatch]
	}
	for _, uid := range batch {
		if ctx.Err() != nil {
			return
		}
		e.mirror(ctx, domain.CategoryClaim, domain.ClaimRef(marketID, uid))
	}
	if deferred := len(users) - len(batch); deferred > 0 {
		e.logger.InfoContext(ctx, "claims left for sweep",
			slog.String("market_id", marketID),
			slog.Int("deferred", deferred),
		)
	}
}

// ClaimWinnings returns the caller's total payout on a resolved market and
// triggers the on-chain claim when part of it is still unclaimed. The
// off-chain ledger is not changed: winnings were credited at resolution.
func (e *Engine) ClaimWinnings(ctx context.Context, id domain.Identity, marketID string) (ClaimResult, error) {
	if err := requireUser(id, "You must be signed in."); err != nil {
		return ClaimResult{}, err
	}
	if marketID == "" {
		return ClaimResult{}, domain.Errorf(domain.ErrInvalidArgument, "marketId is required.")
	}

	bets, err := e.Store.ListBets(ctx, domain.BetFilter{UserID: id.UID, MarketID: marketID, Status: domain.BetStatusWon})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("ledger: claim winnings: %w", err)
	}
	res := ClaimResult{Payout: decimal.Zero}
	unclaimed := false
	for _, b := range bets {
		res.Payout = res.Payout.Add(b.Payout)
		if b.Payout.IsPositive() && b.ClaimStatus != domain.ClaimStatusClaimed {
			unclaimed = true
		}
	}
	if !unclaimed || e.Jobs == nil {
		return res, nil
	}

	ref := domain.ClaimRef(marketID, id.UID)
	job, err := e.Jobs.Enqueue(ctx, domain.CategoryClaim, ref, id.UID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("ledger: claim winnings: %w", err)
	}
	if job.State == domain.MirrorPending {
		res.ClaimTriggered = true
		e.afterCommit(ctx, func(ctx context.Context) {
			e.mirror(ctx, domain.CategoryClaim, ref)
		})
	}
	return res, nil
}
