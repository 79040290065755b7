// Package txvalidate holds the pure, side-effect-free checks the submit
// path runs over a user-supplied transaction before it is ever shown to the
// chain: size bounds, structural shape, and the fee-instruction contract.
package txvalidate

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/zeyxx/gasdf-relayer/txtypes"
)

// ErrTooLarge is returned by ValidateSize when the wire bytes exceed the
// chain's hard transaction-size ceiling.
type ErrTooLarge struct{ Size int }

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("transaction too large: %d bytes (max %d)", e.Size, txtypes.MaxTxSize)
}

// ValidateSize rejects any payload over the chain's 1232-byte limit.
func ValidateSize(raw []byte) error {
	if len(raw) > txtypes.MaxTxSize {
		return &ErrTooLarge{Size: len(raw)}
	}
	return nil
}

// Deserialize decodes the wire-format transaction. Exposed here (thin
// wrapper over txtypes.Deserialize) so callers only need one import for the
// whole validation pipeline.
func Deserialize(raw []byte) (*txtypes.Transaction, error) {
	return txtypes.Deserialize(raw)
}

// GetBlockhash returns the recent blockhash a transaction was built against.
func GetBlockhash(tx *txtypes.Transaction) [32]byte {
	return tx.Message.RecentBlockhash
}

// ComputeFingerprint returns the canonical replay-detection digest of a
// signed transaction's exact wire bytes.
func ComputeFingerprint(tx *txtypes.Transaction) [32]byte {
	return txtypes.Fingerprint(tx.Serialize())
}

// Result is the outcome of ValidateStructure: either the claimed fee payer
// along with no reasons, or a non-empty list of reasons the transaction was
// rejected. The submit service reports every reason, not just the first.
type Result struct {
	OK        bool
	FeePayer  txtypes.Pubkey
	Reasons   []string
}

// Params bundles the context ValidateStructure checks the transaction
// against: the amount and mint the quote promised, and the user key the
// submit request claims to be acting on behalf of.
type Params struct {
	ExpectedUserKey       txtypes.Pubkey
	ExpectedFeeAmount     *big.Int
	PaymentMint           txtypes.Pubkey
	TreasuryAddress       txtypes.Pubkey
	GasSink               txtypes.Pubkey
	MaxExpectedGasLamports uint64
}

const (
	splTransferDiscriminant        = 3
	splTransferCheckedDiscriminant = 12
	systemTransferDiscriminant     = 2
)

// ValidateStructure enforces the invariants spec.md §4.4 requires of a
// user-submitted transaction:
//   - exactly one non-fee-payer signer is present (the user, at index 1),
//   - the declared fee payer sits at the protocol-mandated index 0,
//   - at least one instruction is an SPL transfer crediting the treasury's
//     payment-token account with exactly the quoted amount,
//   - no instruction moves native lamports out of the fee-payer account to
//     anywhere but the designated gas sink,
//   - the user's signature verifies over the message bytes.
func ValidateStructure(tx *txtypes.Transaction, p Params) Result {
	var reasons []string
	msg := tx.Message

	feePayer, err := msg.FeePayer()
	if err != nil {
		return Result{Reasons: []string{"message has no account keys"}}
	}

	if msg.NumSigners() != 2 {
		reasons = append(reasons, fmt.Sprintf("expected exactly one non-payer signer, got %d non-payer signers", msg.NumSigners()-1))
	} else {
		userIdx := msg.AccountKeys[1]
		if userIdx != p.ExpectedUserKey {
			reasons = append(reasons, "user signature position does not match claimed user key")
		}
	}

	if fpIdx := msg.SignerIndex(feePayer); fpIdx != 0 {
		reasons = append(reasons, "declared fee payer is not at the protocol-mandated signer index 0")
	}

	treasuryATA := txtypes.DeriveATA(p.TreasuryAddress, p.PaymentMint)
	if !hasFeeInstruction(msg, treasuryATA, p.ExpectedFeeAmount) {
		reasons = append(reasons, fmt.Sprintf("no instruction credits the treasury payment-token account with the quoted fee amount %s", p.ExpectedFeeAmount.String()))
	}

	if drain, amt := drainsFeePayer(msg, feePayer, p.GasSink); drain {
		reasons = append(reasons, fmt.Sprintf("instruction transfers %d lamports out of the fee payer to a non-sink account", amt))
	}

	if !verifyUserSignature(tx) {
		reasons = append(reasons, "user signature does not verify over the message")
	}

	if len(reasons) > 0 {
		return Result{Reasons: reasons}
	}
	return Result{OK: true, FeePayer: feePayer}
}

// hasFeeInstruction reports whether msg contains an SPL Transfer or
// TransferChecked instruction crediting treasuryATA with exactly amount
// units.
func hasFeeInstruction(msg txtypes.Message, treasuryATA txtypes.Pubkey, amount *big.Int) bool {
	if !amount.IsUint64() {
		return false
	}
	want := amount.Uint64()

	for _, ix := range msg.Instructions {
		if int(ix.ProgramIDIndex) >= len(msg.AccountKeys) {
			continue
		}
		program := msg.AccountKeys[ix.ProgramIDIndex]
		if program != txtypes.SPLTokenProgramID {
			continue
		}
		if len(ix.Data) < 1 {
			continue
		}
		switch ix.Data[0] {
		case splTransferDiscriminant:
			if len(ix.Data) < 9 || len(ix.AccountIndexes) < 2 {
				continue
			}
			amt := binary.LittleEndian.Uint64(ix.Data[1:9])
			dest := resolveAccount(msg, ix.AccountIndexes[1])
			if amt == want && dest == treasuryATA {
				return true
			}
		case splTransferCheckedDiscriminant:
			if len(ix.Data) < 9 || len(ix.AccountIndexes) < 3 {
				continue
			}
			amt := binary.LittleEndian.Uint64(ix.Data[1:9])
			dest := resolveAccount(msg, ix.AccountIndexes[2])
			if amt == want && dest == treasuryATA {
				return true
			}
		}
	}
	return false
}

// drainsFeePayer reports whether any System Program transfer moves lamports
// out of feePayer to an account other than sink.
func drainsFeePayer(msg txtypes.Message, feePayer, sink txtypes.Pubkey) (bool, uint64) {
	for _, ix := range msg.Instructions {
		if int(ix.ProgramIDIndex) >= len(msg.AccountKeys) {
			continue
		}
		if msg.AccountKeys[ix.ProgramIDIndex] != txtypes.SystemProgramID {
			continue
		}
		if len(ix.Data) < 12 || len(ix.AccountIndexes) < 2 {
			continue
		}
		if binary.LittleEndian.Uint32(ix.Data[0:4]) != systemTransferDiscriminant {
			continue
		}
		from := resolveAccount(msg, ix.AccountIndexes[0])
		to := resolveAccount(msg, ix.AccountIndexes[1])
		if from != feePayer {
			continue
		}
		if to == sink {
			continue
		}
		amt := binary.LittleEndian.Uint64(ix.Data[4:12])
		return true, amt
	}
	return false, 0
}

func resolveAccount(msg txtypes.Message, idx uint8) txtypes.Pubkey {
	if int(idx) < len(msg.AccountKeys) {
		return msg.AccountKeys[idx]
	}
	return txtypes.Pubkey{}
}

// verifyUserSignature checks the signature at index 1 (the user, per the
// strict signer-position reading spec.md §9 mandates) against the message
// bytes and the account key at the same index.
func verifyUserSignature(tx *txtypes.Transaction) bool {
	if len(tx.Signatures) < 2 || len(tx.Message.AccountKeys) < 2 {
		return false
	}
	userKey := tx.Message.AccountKeys[1]
	sig := tx.Signatures[1]
	return ed25519.Verify(ed25519.PublicKey(userKey[:]), tx.MessageBytes(), sig[:])
}
