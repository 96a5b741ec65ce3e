// Package crypto holds the custodial key primitives: per-user wallet key
// encryption, passphrase-sealed secrets and transaction signing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// walletIVLen matches the 16-byte IV of the stored wallet key format.
	walletIVLen = 16
	// gcmTagLen is the AES-GCM authentication tag length.
	gcmTagLen = 16

	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	envelopeVersion  = 1
)

// KeyCipher encrypts custodial private keys under the process-wide wallet
// encryption key. Ciphertexts are stored as hex "iv:authTag:ciphertext".
type KeyCipher struct {
	aead cipher.AEAD
}

// NewKeyCipher builds a KeyCipher from a hex-encoded 32-byte AES key.
func NewKeyCipher(keyHex string) (*KeyCipher, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: wallet encryption key is not hex: %w", err)
	}
	if len(key) != aesKeyLen {
		return nil, fmt.Errorf("crypto: wallet encryption key must be %d bytes, got %d", aesKeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, walletIVLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return &KeyCipher{aead: aead}, nil
}

// Encrypt seals a hex private key.
func (c *KeyCipher) Encrypt(privateKeyHex string) (string, error) {
	iv := make([]byte, walletIVLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: generating iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(strings.TrimPrefix(privateKeyHex, "0x")), nil)
	body, tag := sealed[:len(sealed)-gcmTagLen], sealed[len(sealed)-gcmTagLen:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(body), nil
}

// Decrypt opens a value produced by Encrypt and returns the hex private key.
func (c *KeyCipher) Decrypt(stored string) (string, error) {
	parts := strings.Split(stored, ":")
	if len(parts) != 3 {
		return "", errors.New("crypto: encrypted key must have 3 parts")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != walletIVLen {
		return "", errors.New("crypto: malformed iv")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != gcmTagLen {
		return "", errors.New("crypto: malformed auth tag")
	}
	body, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", errors.New("crypto: malformed ciphertext")
	}
	plain, err := c.aead.Open(nil, iv, append(body, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed: %w", err)
	}
	return string(plain), nil
}

// IsEncryptedKey reports whether stored looks like a KeyCipher value rather
// than a legacy plaintext key.
func IsEncryptedKey(stored string) bool {
	return strings.Count(stored, ":") == 2
}

// sealedEnvelope is the JSON form of a passphrase-sealed secret.
type sealedEnvelope struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func passphraseAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under a passphrase (PBKDF2-SHA256 + AES-256-GCM)
// and returns the JSON envelope.
func Seal(plaintext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	aead, err := passphraseAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	return json.Marshal(sealedEnvelope{
		Version:    envelopeVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	})
}

// Open decrypts an envelope produced by Seal.
func Open(envelope []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}
	var env sealedEnvelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		return nil, fmt.Errorf("crypto: parsing envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("crypto: unsupported envelope version %d", env.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}
	aead, err := passphraseAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong passphrase?): %w", err)
	}
	return plain, nil
}

// KeyConfig carries the sources LoadKey may resolve the treasury key from.
type KeyConfig struct {
	// RawPrivateKey is a hex key, with or without 0x.
	RawPrivateKey string
	// SealedKeyPath points at a Seal envelope holding the hex key.
	SealedKeyPath string
	Passphrase    string
}

// LoadKey resolves a hex private key (without 0x). A raw key wins over a
// sealed key file.
func LoadKey(cfg KeyConfig) (string, error) {
	if cfg.RawPrivateKey != "" {
		k := strings.TrimPrefix(strings.TrimSpace(cfg.RawPrivateKey), "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto: raw private key is not valid hex: %w", err)
		}
		return k, nil
	}
	if cfg.SealedKeyPath != "" {
		data, err := os.ReadFile(cfg.SealedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: reading sealed key file: %w", err)
		}
		plain, err := Open(data, cfg.Passphrase)
		if err != nil {
			return "", err
		}
		return strings.TrimPrefix(strings.TrimSpace(string(plain)), "0x"), nil
	}
	return "", errors.New("crypto: no private key source configured")
}
