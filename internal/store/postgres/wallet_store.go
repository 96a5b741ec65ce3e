package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/takarun/takaledger/internal/domain"
)

// WalletStore implements domain.WalletStore using PostgreSQL.
type WalletStore struct {
	pool *pgxpool.Pool
}

// NewWalletStore creates a new WalletStore backed by the given connection pool.
func NewWalletStore(pool *pgxpool.Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

func (s *WalletStore) GetWallet(ctx context.Context, uid string) (domain.Wallet, error) {
	var w domain.Wallet
	err := s.pool.QueryRow(ctx,
		`SELECT uid, address, encrypted_private_key, created_at FROM wallets WHERE uid = $1`, uid,
	).Scan(&w.UID, &w.Address, &w.EncryptedPrivateKey, &w.CreatedAt)
	if err != nil {
		return w, notFound(err, "wallet", uid)
	}
	return w, nil
}

// CreateWallet inserts w unless the user already has a wallet, and points
// the account at the stored address. Concurrent callers converge on the
// first inserted wallet.
func (s *WalletStore) CreateWallet(ctx context.Context, w domain.Wallet) (domain.Wallet, error) {
	var stored domain.Wallet
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const insert = `INSERT INTO wallets (uid, address, encrypted_private_key, created_at)
			VALUES ($1, $2, $3, $4) ON CONFLICT (uid) DO NOTHING`
		if _, err := tx.Exec(ctx, insert, w.UID, w.Address, w.EncryptedPrivateKey, w.CreatedAt); err != nil {
			return fmt.Errorf("postgres: insert wallet %s: %w", w.UID, err)
		}
		err := tx.QueryRow(ctx,
			`SELECT uid, address, encrypted_private_key, created_at FROM wallets WHERE uid = $1`, w.UID,
		).Scan(&stored.UID, &stored.Address, &stored.EncryptedPrivateKey, &stored.CreatedAt)
		if err != nil {
			return fmt.Errorf("postgres: load wallet %s: %w", w.UID, err)
		}
		const link = `UPDATE accounts SET wallet_address = $2 WHERE uid = $1 AND wallet_address = ''`
		if _, err := tx.Exec(ctx, link, stored.UID, stored.Address); err != nil {
			return fmt.Errorf("postgres: link wallet %s: %w", w.UID, err)
		}
		return nil
	})
	return stored, err
}

func (s *WalletStore) SetEncryptedKey(ctx context.Context, uid, encrypted string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE wallets SET encrypted_private_key = $2 WHERE uid = $1`, uid, encrypted)
	if err != nil {
		return fmt.Errorf("postgres: set encrypted key %s: %w", uid, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: wallet %s: %w", uid, domain.ErrNotFound)
	}
	return nil
}

var _ domain.WalletStore = (*WalletStore)(nil)
