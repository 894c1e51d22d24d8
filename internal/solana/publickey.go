// Package solana holds the wire-level pieces soldeploy needs to talk to a
// cluster: base58 public keys, CLI keypair files, legacy transactions, and a
// JSON-RPC client.
package solana

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKeyLength is the size of an ed25519 public key.
const PublicKeyLength = 32

// PublicKey identifies an account or program.
type PublicKey [PublicKeyLength]byte

// ParsePublicKey decodes a base58 public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("invalid public key %q: %w", s, err)
	}
	if len(raw) != PublicKeyLength {
		return pk, fmt.Errorf("invalid public key %q: decoded to %d bytes, want %d", s, len(raw), PublicKeyLength)
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustParsePublicKey is ParsePublicKey for constants; it panics on bad input.
func MustParsePublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PublicKeyFromBytes copies an ed25519 public key.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeyLength {
		return pk, fmt.Errorf("public key must be %d bytes, got %d", PublicKeyLength, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// String returns the base58 form.
func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

// IsZero reports whether pk is the all-zero key (the system program).
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// Verify checks an ed25519 signature made by pk.
func (pk PublicKey) Verify(message []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), message, sig[:])
}

// MarshalText implements encoding.TextMarshaler.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *PublicKey) UnmarshalText(b []byte) error {
	parsed, err := ParsePublicKey(string(b))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// SignatureLength is the size of an ed25519 signature.
const SignatureLength = 64

// Signature is a transaction signature; its base58 form is the transaction ID.
type Signature [SignatureLength]byte

// String returns the base58 form.
func (s Signature) String() string {
	return base58.Encode(s[:])
}

// ParseSignature decodes a base58 signature.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	raw, err := base58.Decode(s)
	if err != nil {
		return sig, fmt.Errorf("invalid signature %q: %w", s, err)
	}
	if len(raw) != SignatureLength {
		return sig, fmt.Errorf("invalid signature %q: decoded to %d bytes, want %d", s, len(raw), SignatureLength)
	}
	copy(sig[:], raw)
	return sig, nil
}
