package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a user's off-chain TK balance and chain identity.
type Account struct {
	UID             string          `json:"uid"`
	Email           string          `json:"email,omitempty"`
	DisplayName     string          `json:"displayName,omitempty"`
	Balance         decimal.Decimal `json:"balance"`
	WalletAddress   string          `json:"walletAddress,omitempty"`
	BalanceSyncedAt *time.Time      `json:"balanceSyncedAt,omitempty"`
	LastSyncError   string          `json:"lastSyncError,omitempty"`
	TotalDistance   float64         `json:"totalDistance"`
	TotalRuns       int             `json:"totalRuns"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Wallet is a custodial keypair held on behalf of a user. The encrypted key
// is stored as hex "iv:authTag:ciphertext".
type Wallet struct {
	UID                 string
	Address             string
	EncryptedPrivateKey string
	CreatedAt           time.Time
}

// Identity is the caller asserted by the upstream auth gateway.
type Identity struct {
	UID   string
	Admin bool
}
