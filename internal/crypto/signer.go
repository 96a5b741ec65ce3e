package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer holds one secp256k1 key in memory: the treasury key, or a
// custodial wallet key decrypted for a single mirror attempt. The key is
// never returned or formatted.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex private key, with or without 0x.
func NewSigner(privateKeyHex string) (*Signer, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	return &Signer{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs tx for chainID with the newest signer the chain supports,
// so both legacy and dynamic-fee transactions are accepted.
func (s *Signer) SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign tx %s: %w", tx.Hash().Hex(), err)
	}
	return signed, nil
}

// String and GoString keep the key out of %v and %#v.
func (s *Signer) String() string   { return "Signer(" + s.address.Hex() + ")" }
func (s *Signer) GoString() string { return s.String() }

// GenerateKey creates a custodial wallet key. It returns the private key as
// hex without 0x and the checksummed address.
func GenerateKey() (privateKeyHex, address string, err error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", "", fmt.Errorf("crypto: generate key: %w", err)
	}
	return hex.EncodeToString(ethcrypto.FromECDSA(key)), ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}
