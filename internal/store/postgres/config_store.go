package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/takarun/takaledger/internal/domain"
)

// ConfigStore implements domain.ConfigStore on the app_config table.
type ConfigStore struct {
	pool *pgxpool.Pool
}

// NewConfigStore creates a new ConfigStore backed by the given connection pool.
func NewConfigStore(pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

func (s *ConfigStore) GetConfig(ctx context.Context, key string) (string, error) {
	var v string
	if err := s.pool.QueryRow(ctx, `SELECT value FROM app_config WHERE key = $1`, key).Scan(&v); err != nil {
		return "", notFound(err, "config", key)
	}
	return v, nil
}

func (s *ConfigStore) SetConfig(ctx context.Context, key, value string) error {
	const query = `INSERT INTO app_config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("postgres: set config %s: %w", key, err)
	}
	return nil
}

var _ domain.ConfigStore = (*ConfigStore)(nil)
