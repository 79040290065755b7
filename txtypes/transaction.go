// Package txtypes decodes and re-encodes the wire-format transactions the
// relayer is asked to co-sign: a compact signature array followed by a
// message (legacy or versioned), mirroring the account-based chain's
// transaction layout.
package txtypes

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

// MaxTxSize is the chain-enforced maximum size of a serialized transaction.
const MaxTxSize = 1232

// versionPrefixMask marks a message as versioned; when unset the message is
// the legacy format.
const versionPrefixMask = 0x80

// CompiledInstruction references accounts by index into the transaction's
// flattened account key list, the same compaction the wire format uses to
// avoid repeating 32-byte keys per instruction.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	AccountIndexes []uint8
	Data           []byte
}

// MessageHeader carries the counts needed to classify each account key as
// signer/non-signer and writable/readonly without extra metadata bytes.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// AddressTableLookup references accounts resolved via an on-chain lookup
// table, only present in versioned (v0) messages.
type AddressTableLookup struct {
	AccountKey      Pubkey
	WritableIndexes []uint8
	ReadonlyIndexes []uint8
}

// Message is the signed payload of a Transaction.
type Message struct {
	Versioned           bool
	Version             uint8
	Header              MessageHeader
	AccountKeys         []Pubkey
	RecentBlockhash     [32]byte
	Instructions        []CompiledInstruction
	AddressTableLookups []AddressTableLookup
}

// Transaction is a fully decoded wire-format transaction: a signature per
// required signer, in account-key order, plus the message they sign over.
type Transaction struct {
	Signatures []Signature
	Message    Message
	// raw is the exact byte slice the message was decoded from, needed to
	// recompute the fingerprint/signing payload without re-serializing.
	raw []byte
}

// NumSigners returns how many signatures the message declares are required.
func (m Message) NumSigners() int { return int(m.Header.NumRequiredSignatures) }

// FeePayer is the account expected to pay network fees: by protocol
// convention, the first entry of the account key list.
func (m Message) FeePayer() (Pubkey, error) {
	if len(m.AccountKeys) == 0 {
		return Pubkey{}, errors.New("message has no account keys")
	}
	return m.AccountKeys[0], nil
}

// IsSigner reports whether the account at idx is required to sign.
func (m Message) IsSigner(idx int) bool {
	return idx < int(m.Header.NumRequiredSignatures)
}

// Deserialize decodes a wire-format transaction: a compact array of
// signatures followed by the message they cover.
func Deserialize(b []byte) (*Transaction, error) {
	if len(b) == 0 {
		return nil, errors.New("empty transaction bytes")
	}
	if len(b) > MaxTxSize {
		return nil, fmt.Errorf("transaction too large: %d bytes (max %d)", len(b), MaxTxSize)
	}

	numSigs, n, err := decodeShortVecLen(b)
	if err != nil {
		return nil, fmt.Errorf("decode signature count: %w", err)
	}
	off := n

	if numSigs <= 0 || numSigs > 16 {
		return nil, fmt.Errorf("implausible signature count: %d", numSigs)
	}

	sigs := make([]Signature, numSigs)
	for i := 0; i < numSigs; i++ {
		if off+SignatureSize > len(b) {
			return nil, errors.New("truncated signature")
		}
		copy(sigs[i][:], b[off:off+SignatureSize])
		off += SignatureSize
	}

	msgBytes := b[off:]
	msg, err := decodeMessage(msgBytes)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	return &Transaction{Signatures: sigs, Message: *msg, raw: append([]byte(nil), b...)}, nil
}

func decodeMessage(b []byte) (*Message, error) {
	if len(b) < 4 {
		return nil, errors.New("message too short")
	}
	msg := &Message{}
	off := 0

	if b[0]&versionPrefixMask != 0 {
		msg.Versioned = true
		msg.Version = b[0] &^ versionPrefixMask
		off++
	}

	if off+3 > len(b) {
		return nil, errors.New("truncated message header")
	}
	msg.Header = MessageHeader{
		NumRequiredSignatures:       b[off],
		NumReadonlySignedAccounts:   b[off+1],
		NumReadonlyUnsignedAccounts: b[off+2],
	}
	off += 3

	numKeys, n, err := decodeShortVecLen(b[off:])
	if err != nil {
		return nil, fmt.Errorf("decode account key count: %w", err)
	}
	off += n
	if numKeys <= 0 || numKeys > 256 {
		return nil, fmt.Errorf("implausible account key count: %d", numKeys)
	}
	msg.AccountKeys = make([]Pubkey, numKeys)
	for i := 0; i < numKeys; i++ {
		if off+PubkeySize > len(b) {
			return nil, errors.New("truncated account key")
		}
		copy(msg.AccountKeys[i][:], b[off:off+PubkeySize])
		off += PubkeySize
	}

	if off+32 > len(b) {
		return nil, errors.New("truncated blockhash")
	}
	copy(msg.RecentBlockhash[:], b[off:off+32])
	off += 32

	numIx, n, err := decodeShortVecLen(b[off:])
	if err != nil {
		return nil, fmt.Errorf("decode instruction count: %w", err)
	}
	off += n
	if numIx < 0 || numIx > 64 {
		return nil, fmt.Errorf("implausible instruction count: %d", numIx)
	}
	msg.Instructions = make([]CompiledInstruction, numIx)
	for i := 0; i < numIx; i++ {
		if off >= len(b) {
			return nil, errors.New("truncated instruction")
		}
		programIdx := b[off]
		off++

		numAcc, n, err := decodeShortVecLen(b[off:])
		if err != nil {
			return nil, fmt.Errorf("decode instruction account count: %w", err)
		}
		off += n
		if off+numAcc > len(b) {
			return nil, errors.New("truncated instruction accounts")
		}
		accIdx := append([]uint8(nil), b[off:off+numAcc]...)
		off += numAcc

		dataLen, n, err := decodeShortVecLen(b[off:])
		if err != nil {
			return nil, fmt.Errorf("decode instruction data length: %w", err)
		}
		off += n
		if off+dataLen > len(b) {
			return nil, errors.New("truncated instruction data")
		}
		data := append([]byte(nil), b[off:off+dataLen]...)
		off += dataLen

		msg.Instructions[i] = CompiledInstruction{
			ProgramIDIndex: programIdx,
			AccountIndexes: accIdx,
			Data:           data,
		}
	}

	if msg.Versioned {
		numLookups, n, err := decodeShortVecLen(b[off:])
		if err != nil {
			return nil, fmt.Errorf("decode address table lookup count: %w", err)
		}
		off += n
		msg.AddressTableLookups = make([]AddressTableLookup, numLookups)
		for i := 0; i < numLookups; i++ {
			if off+PubkeySize > len(b) {
				return nil, errors.New("truncated address table lookup key")
			}
			var lu AddressTableLookup
			copy(lu.AccountKey[:], b[off:off+PubkeySize])
			off += PubkeySize

			wlen, n, err := decodeShortVecLen(b[off:])
			if err != nil {
				return nil, err
			}
			off += n
			if off+wlen > len(b) {
				return nil, errors.New("truncated writable indexes")
			}
			lu.WritableIndexes = append([]uint8(nil), b[off:off+wlen]...)
			off += wlen

			rlen, n, err := decodeShortVecLen(b[off:])
			if err != nil {
				return nil, err
			}
			off += n
			if off+rlen > len(b) {
				return nil, errors.New("truncated readonly indexes")
			}
			lu.ReadonlyIndexes = append([]uint8(nil), b[off:off+rlen]...)
			off += rlen

			msg.AddressTableLookups[i] = lu
		}
	}

	return msg, nil
}

// MessageBytes returns the exact bytes of the signed message portion, i.e.
// everything after the signature array in the original wire encoding.
func (tx *Transaction) MessageBytes() []byte {
	_, n, _ := decodeShortVecLen(tx.raw)
	off := n + len(tx.Signatures)*SignatureSize
	return tx.raw[off:]
}

// Serialize re-encodes the transaction, signatures in account-key order
// followed by the original message bytes unchanged.
func (tx *Transaction) Serialize() []byte {
	out := append([]byte(nil), encodeShortVecLen(len(tx.Signatures))...)
	for _, sig := range tx.Signatures {
		out = append(out, sig[:]...)
	}
	out = append(out, tx.MessageBytes()...)
	return out
}

// Fingerprint is a canonical digest of the fully signed transaction bytes,
// used by the replay set to detect resubmission of an already-sent tx.
func Fingerprint(raw []byte) [32]byte {
	return sha256.Sum256(raw)
}

// SignerIndex returns the position of pk within the signer prefix of the
// account key list, or -1 if pk is not a declared signer.
func (m Message) SignerIndex(pk Pubkey) int {
	for i := 0; i < m.NumSigners() && i < len(m.AccountKeys); i++ {
		if m.AccountKeys[i] == pk {
			return i
		}
	}
	return -1
}

// SetSignature installs sig at the given signer index. The index must be
// within the declared signer count; the fee payer is always index 0 per
// protocol convention.
func (tx *Transaction) SetSignature(index int, sig Signature) error {
	if index < 0 || index >= tx.Message.NumSigners() {
		return fmt.Errorf("signature index %d out of range [0,%d)", index, tx.Message.NumSigners())
	}
	if index >= len(tx.Signatures) {
		return fmt.Errorf("signature slot %d not present in decoded transaction", index)
	}
	tx.Signatures[index] = sig
	// Patch the cached raw bytes so Serialize/MessageBytes/Fingerprint all
	// observe the newly installed signature.
	_, n, _ := decodeShortVecLen(tx.raw)
	off := n + index*SignatureSize
	copy(tx.raw[off:off+SignatureSize], sig[:])
	return nil
}
