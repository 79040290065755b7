package apiserver

import "github.com/zeyxx/gasdf-relayer/txtypes"

// StaticMintList is the simplest AcceptedMints implementation: a fixed
// allowlist read once at startup from configuration. The oracle decides
// per-call acceptance (it may trust mints this list omits); this list only
// drives what /v1/tokens advertises to clients browsing for a payment
// option.
type StaticMintList struct {
	mints []txtypes.Pubkey
}

// NewStaticMintList returns a list advertising exactly mints.
func NewStaticMintList(mints []txtypes.Pubkey) *StaticMintList {
	cp := make([]txtypes.Pubkey, len(mints))
	copy(cp, mints)
	return &StaticMintList{mints: cp}
}

// List returns the advertised mints.
func (l *StaticMintList) List() []txtypes.Pubkey { return l.mints }
