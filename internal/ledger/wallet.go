package ledger

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet holds the signing credential used for proof submissions.
type Wallet struct {
	key *ecdsa.PrivateKey
}

// ParseWallet decodes a hex-encoded secp256k1 secret key.
func ParseWallet(secretHex string) (*Wallet, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(secretHex), "0x")
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse wallet secret: %w", err)
	}
	return &Wallet{key: key}, nil
}

// NewWallet generates a fresh wallet, used when onboarding a user without one.
func NewWallet() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Wallet{key: key}, nil
}

// Address returns the wallet's ledger address.
func (w *Wallet) Address() string {
	return crypto.PubkeyToAddress(w.key.PublicKey).Hex()
}

// Secret returns the hex-encoded secret key for persistence.
func (w *Wallet) Secret() string {
	return hex.EncodeToString(crypto.FromECDSA(w.key))
}

// SignProof signs the keccak hash of the canonical proof payload.
func (w *Wallet) SignProof(payload []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256(payload), w.key)
}
