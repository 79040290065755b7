// Package quoteid defines the opaque 128-bit token used to key quotes,
// reservations, and everything downstream that references "this quote".
package quoteid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ID is an opaque 128-bit quote identifier.
type ID [16]byte

// New generates a random quote id.
func New() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read failing indicates a broken host RNG; there is no
		// sane degraded mode for an identifier that must be unguessable.
		panic(fmt.Sprintf("quoteid: failed to read random bytes: %v", err))
	}
	return id
}

// String renders the id as lowercase hex.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Parse decodes a hex-encoded id previously produced by String.
func Parse(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid quote id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid quote id length: got %d want %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}
