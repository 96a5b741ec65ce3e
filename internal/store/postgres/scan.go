package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/takarun/takaledger/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const accountColumns = `uid, email, display_name, balance, wallet_address, balance_synced_at,
	last_sync_error, total_distance, total_runs, created_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.UID, &a.Email, &a.DisplayName, &a.Balance, &a.WalletAddress, &a.BalanceSyncedAt,
		&a.LastSyncError, &a.TotalDistance, &a.TotalRuns, &a.CreatedAt)
	return a, err
}

const marketColumns = `id, title, description, category, image_url, status, resolution,
	total_yes_amount, total_no_amount, total_volume, deadline, on_chain_id,
	chain_mirror_state, created_by, created_at, resolved_at, group_id, group_title`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m          domain.Market
		resolution *string
		onChainID  *int64
	)
	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.Category, &m.ImageURL, &m.Status, &resolution,
		&m.TotalYesAmount, &m.TotalNoAmount, &m.TotalVolume, &m.Deadline, &onChainID,
		&m.ChainMirrorState, &m.CreatedBy, &m.CreatedAt, &m.ResolvedAt, &m.GroupID, &m.GroupTitle)
	if err != nil {
		return m, err
	}
	if resolution != nil {
		side := domain.Side(*resolution)
		m.Resolution = &side
	}
	if onChainID != nil {
		id := uint64(*onChainID)
		m.OnChainID = &id
	}
	return m, nil
}

const betColumns = `id, user_id, market_id, position, amount, status, payout,
	chain_mirror_state, claim_status, claim_tx_hash, created_at`

func scanBet(row pgx.Row) (domain.Bet, error) {
	var b domain.Bet
	err := row.Scan(&b.ID, &b.UserID, &b.MarketID, &b.Position, &b.Amount, &b.Status, &b.Payout,
		&b.ChainMirrorState, &b.ClaimStatus, &b.ClaimTxHash, &b.CreatedAt)
	return b, err
}

func collectBets(rows pgx.Rows) ([]domain.Bet, error) {
	defer rows.Close()
	bets := []domain.Bet{}
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		bets = append(bets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: bet rows: %w", err)
	}
	return bets, nil
}

const activityColumns = `id, user_id, distance, duration, pace, start_time, end_time, points,
	status, tk_earned, validation_errors, track_key, chain_mirror_state, created_at`

func scanActivity(row pgx.Row) (domain.ActivityRecord, error) {
	var (
		r      domain.ActivityRecord
		points []byte
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Distance, &r.Duration, &r.Pace, &r.StartTime, &r.EndTime, &points,
		&r.Status, &r.TKEarned, &r.ValidationErrors, &r.TrackKey, &r.ChainMirrorState, &r.CreatedAt)
	if err != nil {
		return r, err
	}
	if len(points) > 0 {
		if err := json.Unmarshal(points, &r.Points); err != nil {
			return r, fmt.Errorf("postgres: unmarshal points of %s: %w", r.ID, err)
		}
	}
	return r, nil
}

const jobColumns = `id, category, entity_ref, user_id, state, retry_count, last_retry_at,
	tx_hash, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (domain.MirrorJob, error) {
	var j domain.MirrorJob
	err := row.Scan(&j.ID, &j.Category, &j.EntityRef, &j.UserID, &j.State, &j.RetryCount, &j.LastRetryAt,
		&j.TxHash, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func collectJobs(rows pgx.Rows) ([]domain.MirrorJob, error) {
	defer rows.Close()
	jobs := []domain.MirrorJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan mirror job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: mirror job rows: %w", err)
	}
	return jobs, nil
}

// notFound maps pgx.ErrNoRows onto domain.ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s %s: %w", what, id, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: get %s %s: %w", what, id, err)
}

// Postgres error codes the stores react to.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isRetryable(err error) bool {
	code := pgCode(err)
	return code == codeSerializationFailure || code == codeDeadlockDetected
}
