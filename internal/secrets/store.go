// Package secrets resolves named secrets such as the treasury key and the
// wallet encryption key.
package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/takarun/takaledger/internal/crypto"
	"github.com/takarun/takaledger/internal/domain"
)

// Well-known secret names.
const (
	TreasuryPrivateKey  = "treasuryPrivateKey"
	WalletEncryptionKey = "walletEncryptionKey"
)

// sealedPrefix marks an app_config value sealed with the master passphrase.
const sealedPrefix = "enc:"

// Source is a managed secret backend.
type Source interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// Store looks secrets up in the managed Source first and falls back to the
// app_config document store. Resolved values are cached for the process
// lifetime.
type Store struct {
	managed    Source
	config     domain.ConfigStore
	passphrase string
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewStore creates a Store. managed may be nil.
func NewStore(managed Source, config domain.ConfigStore, masterPassphrase string, logger *slog.Logger) *Store {
	return &Store{
		managed:    managed,
		config:     config,
		passphrase: masterPassphrase,
		logger:     logger.With(slog.String("component", "secrets")),
		cache:      map[string]string{},
	}
}

// Get returns the named secret.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	if v, ok := s.cache[name]; ok {
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	if s.managed != nil {
		v, err := s.managed.Lookup(ctx, name)
		if err == nil && v != "" {
			s.logger.InfoContext(ctx, "secret loaded from managed store", slog.String("name", name))
			return s.remember(name, v), nil
		}
		s.logger.WarnContext(ctx, "managed secret lookup failed, using app_config",
			slog.String("name", name), slog.Any("error", err))
	}

	raw, err := s.config.GetConfig(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("secrets: %q not found in managed store or app_config: %w", name, domain.ErrNotFound)
		}
		return "", fmt.Errorf("secrets: read %q: %w", name, err)
	}
	v, err := s.unseal(raw)
	if err != nil {
		return "", fmt.Errorf("secrets: %q: %w", name, err)
	}
	if v == "" {
		return "", fmt.Errorf("secrets: %q is empty: %w", name, domain.ErrNotFound)
	}
	s.logger.InfoContext(ctx, "secret loaded from app_config", slog.String("name", name))
	return s.remember(name, v), nil
}

func (s *Store) remember(name, v string) string {
	s.mu.Lock()
	s.cache[name] = v
	s.mu.Unlock()
	return v
}

func (s *Store) unseal(raw string) (string, error) {
	if !strings.HasPrefix(raw, sealedPrefix) {
		return raw, nil
	}
	if s.passphrase == "" {
		return "", errors.New("sealed value but no master passphrase configured")
	}
	env, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	plain, err := crypto.Open(env, s.passphrase)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// SealValue seals plaintext for storage in app_config.
func SealValue(plaintext, masterPassphrase string) (string, error) {
	env, err := crypto.Seal([]byte(plaintext), masterPassphrase)
	if err != nil {
		return "", err
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(env), nil
}

// ManagedSource reads secrets from AWS Secrets Manager under a name prefix.
type ManagedSource struct {
	client *secretsmanager.Client
	prefix string
}

// NewManagedSource builds a ManagedSource from the default AWS credential
// chain.
func NewManagedSource(ctx context.Context, region, prefix string) (*ManagedSource, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}
	return &ManagedSource{client: secretsmanager.NewFromConfig(cfg), prefix: prefix}, nil
}

// Lookup returns the current string value of prefix+name.
func (m *ManagedSource) Lookup(ctx context.Context, name string) (string, error) {
	out, err := m.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(m.prefix + name),
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get %s%s: %w", m.prefix, name, err)
	}
	return aws.ToString(out.SecretString), nil
}
