package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/domain"
)

// ledgerTx implements domain.LedgerTx on one pgx transaction. Reads take
// row locks so concurrent transitions on the same rows serialize.
type ledgerTx struct {
	q querier
}

func (t *ledgerTx) GetAccount(ctx context.Context, uid string) (domain.Account, error) {
	a, err := scanAccount(t.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE uid = $1 FOR UPDATE`, uid))
	if err != nil {
		return a, notFound(err, "account", uid)
	}
	return a, nil
}

func (t *ledgerTx) CreateAccount(ctx context.Context, a domain.Account) error {
	const query = `INSERT INTO accounts (uid, email, display_name, balance, wallet_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := t.q.Exec(ctx, query, a.UID, a.Email, a.DisplayName, a.Balance, a.WalletAddress, created)
	if pgCode(err) == codeUniqueViolation {
		return fmt.Errorf("postgres: account %s: %w", a.UID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create account %s: %w", a.UID, err)
	}
	return nil
}

func (t *ledgerTx) IncrementBalance(ctx context.Context, uid string, delta decimal.Decimal) error {
	tag, err := t.q.Exec(ctx, `UPDATE accounts SET balance = balance + $2 WHERE uid = $1`, uid, delta)
	if pgCode(err) == codeCheckViolation {
		return fmt.Errorf("postgres: account %s: %w", uid, domain.ErrInsufficientBalance)
	}
	if err != nil {
		return fmt.Errorf("postgres: increment balance %s: %w", uid, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: account %s: %w", uid, domain.ErrNotFound)
	}
	return nil
}

func (t *ledgerTx) AddRunStats(ctx context.Context, uid string, distance float64) error {
	const query = `UPDATE accounts SET total_distance = total_distance + $2, total_runs = total_runs + 1 WHERE uid = $1`
	if _, err := t.q.Exec(ctx, query, uid, distance); err != nil {
		return fmt.Errorf("postgres: add run stats %s: %w", uid, err)
	}
	return nil
}

func (t *ledgerTx) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(t.q.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return m, notFound(err, "market", id)
	}
	return m, nil
}

func (t *ledgerTx) InsertMarket(ctx context.Context, m domain.Market) error {
	const query = `INSERT INTO markets (
		id, title, description, category, image_url, status, total_yes_amount, total_no_amount,
		total_volume, deadline, chain_mirror_state, created_by, created_at, group_id, group_title
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := t.q.Exec(ctx, query,
		m.ID, m.Title, m.Description, m.Category, m.ImageURL, m.Status, m.TotalYesAmount, m.TotalNoAmount,
		m.TotalVolume, m.Deadline, m.ChainMirrorState, m.CreatedBy, m.CreatedAt, m.GroupID, m.GroupTitle,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert market %s: %w", m.ID, err)
	}
	return nil
}

func (t *ledgerTx) AddStake(ctx context.Context, marketID string, side domain.Side, amount decimal.Decimal) error {
	column := "total_no_amount"
	if side == domain.SideYes {
		column = "total_yes_amount"
	}
	query := `UPDATE markets SET ` + column + ` = ` + column + ` + $2, total_volume = total_volume + $2 WHERE id = $1`
	if _, err := t.q.Exec(ctx, query, marketID, amount); err != nil {
		return fmt.Errorf("postgres: add stake %s: %w", marketID, err)
	}
	return nil
}

func (t *ledgerTx) SettleMarket(ctx context.Context, marketID string, status domain.MarketStatus, resolution *domain.Side, at time.Time) error {
	var res *string
	if resolution != nil {
		s := string(*resolution)
		res = &s
	}
	const query = `UPDATE markets SET status = $2, resolution = $3, resolved_at = $4 WHERE id = $1`
	if _, err := t.q.Exec(ctx, query, marketID, status, res, at); err != nil {
		return fmt.Errorf("postgres: settle market %s: %w", marketID, err)
	}
	return nil
}

func (t *ledgerTx) InsertBet(ctx context.Context, b domain.Bet) error {
	const query = `INSERT INTO bets (
		id, user_id, market_id, position, amount, status, payout, chain_mirror_state, claim_status, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := t.q.Exec(ctx, query,
		b.ID, b.UserID, b.MarketID, b.Position, b.Amount, b.Status, b.Payout, b.ChainMirrorState, b.ClaimStatus, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert bet %s: %w", b.ID, err)
	}
	return nil
}

func (t *ledgerTx) ListMarketBets(ctx context.Context, marketID string) ([]domain.Bet, error) {
	rows, err := t.q.Query(ctx, `SELECT `+betColumns+` FROM bets WHERE market_id = $1 ORDER BY created_at, id FOR UPDATE`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list market bets %s: %w", marketID, err)
	}
	return collectBets(rows)
}

func (t *ledgerTx) SettleBet(ctx context.Context, betID string, status domain.BetStatus, payout decimal.Decimal, claim domain.ClaimStatus) error {
	const query = `UPDATE bets SET status = $2, payout = $3, claim_status = $4 WHERE id = $1`
	if _, err := t.q.Exec(ctx, query, betID, status, payout, claim); err != nil {
		return fmt.Errorf("postgres: settle bet %s: %w", betID, err)
	}
	return nil
}

func (t *ledgerTx) InsertActivity(ctx context.Context, r domain.ActivityRecord) error {
	var points []byte
	if len(r.Points) > 0 {
		var err error
		if points, err = json.Marshal(r.Points); err != nil {
			return fmt.Errorf("postgres: marshal points of %s: %w", r.ID, err)
		}
	}
	errs := r.ValidationErrors
	if errs == nil {
		errs = []string{}
	}
	const query = `INSERT INTO activities (
		id, user_id, distance, duration, pace, start_time, end_time, points, status,
		tk_earned, validation_errors, track_key, chain_mirror_state, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := t.q.Exec(ctx, query,
		r.ID, r.UserID, r.Distance, r.Duration, r.Pace, r.StartTime, r.EndTime, points, r.Status,
		r.TKEarned, errs, r.TrackKey, r.ChainMirrorState, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert activity %s: %w", r.ID, err)
	}
	return nil
}

func (t *ledgerTx) CountActivitiesSince(ctx context.Context, uid string, since time.Time) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `SELECT COUNT(*) FROM activities WHERE user_id = $1 AND created_at >= $2`, uid, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count activities %s: %w", uid, err)
	}
	return n, nil
}

func (t *ledgerTx) EnqueueMirror(ctx context.Context, category domain.MirrorCategory, ref, uid string) error {
	_, err := enqueueJob(ctx, t.q, category, ref, uid)
	return err
}
