package solana

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Keypair is an ed25519 signing key in the Solana CLI layout: 32 bytes of
// seed followed by 32 bytes of public key.
type Keypair struct {
	private ed25519.PrivateKey
}

// NewKeypair generates a random keypair.
func NewKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &Keypair{private: priv}, nil
}

// KeypairFromSecretKey builds a keypair from a 64-byte secret key. The
// trailing public half must match the seed.
func KeypairFromSecretKey(secret []byte) (*Keypair, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	priv := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	if string(priv[ed25519.SeedSize:]) != string(secret[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("secret key public half does not match seed")
	}
	return &Keypair{private: priv}, nil
}

// LoadKeypair reads a Solana CLI keypair file (a JSON array of 64 bytes).
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair from %s: %w", path, err)
	}
	var raw []int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to load keypair from %s: %w", path, err)
	}
	secret := make([]byte, len(raw))
	for i, v := range raw {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("failed to load keypair from %s: byte %d out of range: %d", path, i, v)
		}
		secret[i] = byte(v)
	}
	kp, err := KeypairFromSecretKey(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair from %s: %w", path, err)
	}
	return kp, nil
}

// Save writes the keypair in the Solana CLI format with owner-only access.
func (k *Keypair) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create keypair directory: %w", err)
	}
	raw := make([]int, len(k.private))
	for i, b := range k.private {
		raw[i] = int(b)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal keypair: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// PublicKey returns the keypair's public key.
func (k *Keypair) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], k.private[ed25519.SeedSize:])
	return pk
}

// Sign signs message.
func (k *Keypair) Sign(message []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.private, message))
	return sig
}
