package txtypes

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// PubkeySize is the wire size of an account key or program id.
const PubkeySize = 32

// SignatureSize is the wire size of an ed25519 signature.
const SignatureSize = 64

// Pubkey is a 32-byte account address, base58-encoded at the wire/API edge.
type Pubkey [PubkeySize]byte

// String returns the base58 encoding of the key.
func (p Pubkey) String() string { return base58.Encode(p[:]) }

// IsZero reports whether p is the all-zero key (an unset/default value).
func (p Pubkey) IsZero() bool { return p == Pubkey{} }

// ParsePubkey decodes a base58 public key, rejecting anything that doesn't
// decode to exactly 32 bytes.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("invalid base58 pubkey: %w", err)
	}
	if len(raw) != PubkeySize {
		return pk, fmt.Errorf("invalid pubkey length: got %d want %d", len(raw), PubkeySize)
	}
	copy(pk[:], raw)
	return pk, nil
}

// Signature is a 64-byte ed25519 signature.
type Signature [SignatureSize]byte

// String returns the base58 encoding of the signature.
func (s Signature) String() string { return base58.Encode(s[:]) }

// ParseSignature decodes a base58 signature.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	raw, err := base58.Decode(s)
	if err != nil {
		return sig, fmt.Errorf("invalid base58 signature: %w", err)
	}
	if len(raw) != SignatureSize {
		return sig, fmt.Errorf("invalid signature length: got %d want %d", len(raw), SignatureSize)
	}
	copy(sig[:], raw)
	return sig, nil
}
