package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. Transactions
// run at SERIALIZABLE isolation and are retried on serialization failures.
type LedgerStore struct {
	pool        *pgxpool.Pool
	maxAttempts int
	logger      *slog.Logger
}

// NewLedgerStore creates a LedgerStore. maxAttempts bounds InTx retries.
func NewLedgerStore(pool *pgxpool.Pool, maxAttempts int, logger *slog.Logger) *LedgerStore {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &LedgerStore{
		pool:        pool,
		maxAttempts: maxAttempts,
		logger:      logger.With(slog.String("component", "ledger_store")),
	}
}

// InTx runs fn in a SERIALIZABLE transaction, re-running it when Postgres
// reports a serialization failure or deadlock.
func (s *LedgerStore) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return s.serializable(ctx, func(tx pgx.Tx) error {
		return fn(&ledgerTx{q: tx})
	})
}

func (s *LedgerStore) serializable(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		s.logger.DebugContext(ctx, "retrying serialization conflict",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("postgres: %d attempts: %w: %w", s.maxAttempts, domain.ErrTxConflict, err)
}

func (s *LedgerStore) GetAccount(ctx context.Context, uid string) (domain.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE uid = $1`, uid))
	if err != nil {
		return a, notFound(err, "account", uid)
	}
	return a, nil
}

func (s *LedgerStore) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return m, notFound(err, "market", id)
	}
	return m, nil
}

func (s *LedgerStore) GetActivity(ctx context.Context, id string) (domain.ActivityRecord, error) {
	r, err := scanActivity(s.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = $1`, id))
	if err != nil {
		return r, notFound(err, "activity", id)
	}
	return r, nil
}

func (s *LedgerStore) GetBet(ctx context.Context, id string) (domain.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id))
	if err != nil {
		return b, notFound(err, "bet", id)
	}
	return b, nil
}

// ListBets returns bets matching f ordered by creation time.
func (s *LedgerStore) ListBets(ctx context.Context, f domain.BetFilter) ([]domain.Bet, error) {
	query := `SELECT ` + betColumns + ` FROM bets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, f.UserID)
		argIdx++
	}
	if f.MarketID != "" {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, f.MarketID)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets: %w", err)
	}
	return collectBets(rows)
}

func (s *LedgerStore) ListMarkets(ctx context.Context, filter domain.MarketFilter, limit int) ([]domain.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE TRUE`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.GroupID != "" {
		args = append(args, filter.GroupID)
		query += fmt.Sprintf(" AND group_id = $%d", len(args))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	markets := []domain.Market{}
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}

func (s *LedgerStore) ListWalletAccounts(ctx context.Context, afterUID string, limit int) ([]domain.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts
		WHERE wallet_address <> '' AND uid > $1 ORDER BY uid LIMIT $2`
	rows, err := s.pool.Query(ctx, query, afterUID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list wallet accounts: %w", err)
	}
	defer rows.Close()

	accts := []domain.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan account: %w", err)
		}
		accts = append(accts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list wallet accounts rows: %w", err)
	}
	return accts, nil
}

// SetSyncedBalance writes in a SERIALIZABLE transaction so a ledger
// transition that enqueues a mirror job concurrently either is seen by the
// guard or aborts one side.
func (s *LedgerStore) SetSyncedBalance(ctx context.Context, uid string, balance decimal.Decimal, at time.Time, mark domain.SyncWatermark) (bool, error) {
	const update = `UPDATE accounts SET balance = $2, balance_synced_at = $3, last_sync_error = ''
		WHERE uid = $1 AND NOT EXISTS (
			SELECT 1 FROM mirror_jobs WHERE user_id = $1 AND (state = 'pending' OR id > $4)
		)`
	var written bool
	err := s.serializable(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, update, uid, balance, at, mark.LastJobID)
		if err != nil {
			return err
		}
		if written = tag.RowsAffected() == 1; written {
			return nil
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE uid = $1)`, uid).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("postgres: account %s: %w", uid, domain.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("postgres: set synced balance %s: %w", uid, err)
	}
	return written, nil
}

func (s *LedgerStore) SetSyncError(ctx context.Context, uid, msg string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE accounts SET last_sync_error = $2 WHERE uid = $1`, uid, msg); err != nil {
		return fmt.Errorf("postgres: set sync error %s: %w", uid, err)
	}
	return nil
}

func (s *LedgerStore) CloseExpiredMarkets(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE markets SET status = 'closed' WHERE status = 'open' AND deadline <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: close expired markets: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *LedgerStore) Stats(ctx context.Context) (domain.PlatformStats, error) {
	const query = `SELECT
		(SELECT COUNT(*) FROM markets),
		(SELECT COUNT(*) FROM markets WHERE status = 'open'),
		(SELECT COUNT(*) FROM bets),
		(SELECT COALESCE(SUM(total_volume), 0) FROM markets),
		(SELECT COUNT(*) FROM accounts),
		(SELECT COUNT(*) FROM activities WHERE status = 'validated'),
		(SELECT COALESCE(SUM(tk_earned), 0) FROM activities WHERE status = 'validated')`
	var st domain.PlatformStats
	err := s.pool.QueryRow(ctx, query).Scan(
		&st.Markets, &st.OpenMarkets, &st.Bets, &st.Volume,
		&st.Accounts, &st.ValidatedRuns, &st.TKDistributed,
	)
	if err != nil {
		return st, fmt.Errorf("postgres: platform stats: %w", err)
	}
	return st, nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
