package feepayer

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/zeyxx/gasdf-relayer/txtypes"
)

// SigningKey is a fee payer's ed25519 keypair, held in memory for the
// lifetime of the process. It never leaves the pool: only its public key and
// the signatures it produces are observable outside this package.
type SigningKey struct {
	priv ed25519.PrivateKey
	pub  txtypes.Pubkey
}

// NewSigningKeyFromBase58 decodes a base58-encoded ed25519 seed or full
// private key, the format FEE_PAYER_PRIVATE_KEYS entries are supplied in.
func NewSigningKeyFromBase58(s string) (*SigningKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base58 private key: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("invalid private key length: got %d, want %d or %d", len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}

	var pub txtypes.Pubkey
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return &SigningKey{priv: priv, pub: pub}, nil
}

// PublicKey returns the fee payer's account address.
func (k *SigningKey) PublicKey() txtypes.Pubkey { return k.pub }

// Sign produces the ed25519 signature over msg.
func (k *SigningKey) Sign(msg []byte) txtypes.Signature {
	var sig txtypes.Signature
	copy(sig[:], ed25519.Sign(k.priv, msg))
	return sig
}
