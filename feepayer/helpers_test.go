package feepayer

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeyxx/gasdf-relayer/txtypes"
)

// buildTestTransaction constructs a minimal, well-formed legacy transaction
// with feePayer as signer 0 and a fresh random user as signer 1, suitable
// for exercising Sign/SetSignature without a real chain.
func buildTestTransaction(t *testing.T, feePayer txtypes.Pubkey) *txtypes.Transaction {
	t.Helper()
	userPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var userKey txtypes.Pubkey
	copy(userKey[:], userPub)

	var programID, blockhash txtypes.Pubkey
	blockhash[0] = 0x42

	msgBytes := encodeLegacyMessage(t, []txtypes.Pubkey{feePayer, userKey, programID}, blockhash, 2, 0, 1)

	raw := append(encodeShortVecLenForTest(2), make([]byte, 64*2)...)
	raw = append(raw, msgBytes...)

	tx, err := txtypes.Deserialize(raw)
	require.NoError(t, err)
	return tx
}

func encodeShortVecLenForTest(n int) []byte {
	return []byte{byte(n)}
}

// encodeLegacyMessage hand-assembles a minimal legacy message: header,
// account keys, blockhash, zero instructions.
func encodeLegacyMessage(t *testing.T, keys []txtypes.Pubkey, blockhash txtypes.Pubkey, numSigners, numReadonlySigned, numReadonlyUnsigned uint8) []byte {
	t.Helper()
	var out []byte
	out = append(out, numSigners, numReadonlySigned, numReadonlyUnsigned)
	out = append(out, byte(len(keys)))
	for _, k := range keys {
		out = append(out, k[:]...)
	}
	out = append(out, blockhash[:]...)
	out = append(out, 0) // zero instructions
	return out
}
