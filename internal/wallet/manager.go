// Package wallet manages the custodial keypairs held for each user.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/takarun/takaledger/internal/crypto"
	"github.com/takarun/takaledger/internal/domain"
)

// KeySource resolves the wallet encryption key by name.
type KeySource interface {
	Get(ctx context.Context, name string) (string, error)
}

// Manager creates wallets and hands out in-process signers. Private keys
// never leave this package unencrypted except inside a *crypto.Signer.
type Manager struct {
	store   domain.WalletStore
	keys    KeySource
	keyName string
	logger  *slog.Logger

	mu     sync.Mutex
	cipher *crypto.KeyCipher
}

// NewManager creates a Manager. keyName is the secret holding the hex AES
// key.
func NewManager(store domain.WalletStore, keys KeySource, keyName string, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		keys:    keys,
		keyName: keyName,
		logger:  logger.With(slog.String("component", "wallet")),
	}
}

// CreateWallet returns the user's wallet, generating and storing a new
// keypair the first time. Concurrent calls converge on one stored wallet.
func (m *Manager) CreateWallet(ctx context.Context, uid string) (domain.Wallet, error) {
	w, err := m.store.GetWallet(ctx, uid)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Wallet{}, fmt.Errorf("wallet: lookup %s: %w", uid, err)
	}

	c, err := m.keyCipher(ctx)
	if err != nil {
		return domain.Wallet{}, err
	}
	pkHex, addr, err := crypto.GenerateKey()
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet: %w", err)
	}
	enc, err := c.Encrypt(pkHex)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet: encrypt key: %w", err)
	}

	stored, err := m.store.CreateWallet(ctx, domain.Wallet{
		UID:                 uid,
		Address:             addr,
		EncryptedPrivateKey: enc,
	})
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet: store %s: %w", uid, err)
	}
	if stored.Address == addr {
		m.logger.InfoContext(ctx, "custodial wallet created",
			slog.String("uid", uid), slog.String("address", addr))
	}
	return stored, nil
}

// Signer decrypts the user's key and returns a signer for it. Legacy rows
// holding a plaintext key are honoured and re-encrypted in place.
func (m *Manager) Signer(ctx context.Context, uid string) (*crypto.Signer, error) {
	w, err := m.store.GetWallet(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("wallet: %s: %w", uid, err)
	}
	c, err := m.keyCipher(ctx)
	if err != nil {
		return nil, err
	}

	pkHex := w.EncryptedPrivateKey
	if crypto.IsEncryptedKey(pkHex) {
		if pkHex, err = c.Decrypt(w.EncryptedPrivateKey); err != nil {
			return nil, fmt.Errorf("wallet: decrypt %s: %w", uid, err)
		}
	} else {
		m.migrateLegacy(ctx, c, uid, pkHex)
	}

	s, err := crypto.NewSigner(pkHex)
	if err != nil {
		return nil, fmt.Errorf("wallet: %s: %w", uid, err)
	}
	return s, nil
}

func (m *Manager) migrateLegacy(ctx context.Context, c *crypto.KeyCipher, uid, pkHex string) {
	enc, err := c.Encrypt(pkHex)
	if err == nil {
		err = m.store.SetEncryptedKey(ctx, uid, enc)
	}
	if err != nil {
		m.logger.WarnContext(ctx, "legacy wallet key left unencrypted",
			slog.String("uid", uid), slog.String("error", err.Error()))
		return
	}
	m.logger.InfoContext(ctx, "legacy wallet key encrypted", slog.String("uid", uid))
}

func (m *Manager) keyCipher(ctx context.Context) (*crypto.KeyCipher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cipher != nil {
		return m.cipher, nil
	}
	keyHex, err := m.keys.Get(ctx, m.keyName)
	if err != nil {
		return nil, fmt.Errorf("wallet: encryption key: %w", err)
	}
	c, err := crypto.NewKeyCipher(keyHex)
	if err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}
	m.cipher = c
	return c, nil
}
