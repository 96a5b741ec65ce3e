package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/takarun/takaledger/internal/domain"
)

// NonceStore implements domain.NonceStore on the singleton treasury_nonce
// row. Every write is a single conditional UPDATE.
type NonceStore struct {
	pool *pgxpool.Pool
}

// NewNonceStore creates a new NonceStore backed by the given connection pool.
func NewNonceStore(pool *pgxpool.Pool) *NonceStore {
	return &NonceStore{pool: pool}
}

func (s *NonceStore) TryAcquire(ctx context.Context, lockID string, ttl time.Duration) (bool, error) {
	const query = `UPDATE treasury_nonce
		SET lock_id = $1, lock_expiry = NOW() + $2::interval
		WHERE id = 1 AND (lock_id = '' OR lock_expiry <= NOW())`
	tag, err := s.pool.Exec(ctx, query, lockID, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("postgres: acquire nonce lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *NonceStore) Release(ctx context.Context, lockID string) error {
	const query = `UPDATE treasury_nonce SET lock_id = '', lock_expiry = 'epoch' WHERE id = 1 AND lock_id = $1`
	if _, err := s.pool.Exec(ctx, query, lockID); err != nil {
		return fmt.Errorf("postgres: release nonce lock: %w", err)
	}
	return nil
}

func (s *NonceStore) StoredNonce(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT nonce FROM treasury_nonce WHERE id = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: stored nonce: %w", err)
	}
	return uint64(n), nil
}

func (s *NonceStore) StoreNonce(ctx context.Context, lockID string, next uint64) error {
	const query = `UPDATE treasury_nonce SET nonce = GREATEST(nonce, $2) WHERE id = 1 AND lock_id = $1`
	tag, err := s.pool.Exec(ctx, query, lockID, int64(next))
	if err != nil {
		return fmt.Errorf("postgres: store nonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: store nonce: %w", domain.ErrLockHeld)
	}
	return nil
}

var _ domain.NonceStore = (*NonceStore)(nil)
