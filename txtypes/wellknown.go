package txtypes

// SystemProgramID is the native account-creation/transfer program; by
// protocol convention its address is the all-zero key.
var SystemProgramID = Pubkey{}

// SPLTokenProgramID is the canonical SPL token program.
var SPLTokenProgramID = mustParsePubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

// AssociatedTokenProgramID derives and owns associated token accounts.
var AssociatedTokenProgramID = mustParsePubkey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

func mustParsePubkey(s string) Pubkey {
	pk, err := ParsePubkey(s)
	if err != nil {
		panic("txtypes: invalid well-known pubkey literal " + s + ": " + err.Error())
	}
	return pk
}
