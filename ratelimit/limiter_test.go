package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeyxx/gasdf-relayer/internal/clock"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

func TestNormalizeIPStripsV4InV6Prefix(t *testing.T) {
	require.Equal(t, "203.0.113.5", NormalizeIP("::ffff:203.0.113.5"))
	require.Equal(t, "203.0.113.5", NormalizeIP("203.0.113.5"))
}

func TestCheckIPEnforcesGlobalBurst(t *testing.T) {
	cfg := Config{GlobalIPPerMin: 3}
	l := New(cfg)

	for i := 0; i < 3; i++ {
		d := l.CheckIP("1.2.3.4", EventQuote)
		require.True(t, d.Allowed)
	}
	d := l.CheckIP("1.2.3.4", EventQuote)
	require.False(t, d.Allowed)
	require.Equal(t, RetryAfter, d.RetryAfter)
}

func TestCheckIPEventSpecificLimitIndependentOfGlobal(t *testing.T) {
	cfg := Config{GlobalIPPerMin: 1000, QuoteIPPerMin: 2, SubmitIPPerMin: 1000}
	l := New(cfg)

	require.True(t, l.CheckIP("5.5.5.5", EventQuote).Allowed)
	require.True(t, l.CheckIP("5.5.5.5", EventQuote).Allowed)
	require.False(t, l.CheckIP("5.5.5.5", EventQuote).Allowed)

	// A different event type on the same IP is unaffected.
	require.True(t, l.CheckIP("5.5.5.5", EventSubmit).Allowed)
}

func TestCheckWalletEnforcesPerEventLimit(t *testing.T) {
	cfg := Config{QuoteWalletPerMin: 2, SubmitWalletPerMin: 1}
	l := New(cfg)
	w := txtypes.Pubkey{0x01}

	require.True(t, l.CheckWallet(w, EventQuote).Allowed)
	require.True(t, l.CheckWallet(w, EventQuote).Allowed)
	require.False(t, l.CheckWallet(w, EventQuote).Allowed)

	require.True(t, l.CheckWallet(w, EventSubmit).Allowed)
	require.False(t, l.CheckWallet(w, EventSubmit).Allowed)
}

func TestSweepReclaimsIdleBuckets(t *testing.T) {
	clk := clock.New()
	l := New(DefaultConfig(), WithClock(clk))

	l.CheckIP("9.9.9.9", EventQuote)
	require.Len(t, l.ips, 1)

	clk.Advance(6 * time.Minute)
	l.Sweep()
	require.Len(t, l.ips, 0)
}

func TestCheckIPAndWalletFeedAttachedDetector(t *testing.T) {
	clk := clock.New()
	d := NewDetector(WithDetectorClock(clk))
	l := New(DefaultConfig(), WithClock(clk), WithDetector(d))
	w := txtypes.Pubkey{0x02}

	l.CheckIP("7.7.7.7", EventQuote)
	l.CheckWallet(w, EventSubmit)

	require.Equal(t, 1, d.counts[ScopeIP]["7.7.7.7"])
	require.Equal(t, 1, d.counts[ScopeGlobal]["global"])
	require.Equal(t, 1, d.counts[ScopeWallet][w.String()])
}

func TestDefaultConfigMatchesSpec(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 100, cfg.GlobalIPPerMin)
	require.Equal(t, 30, cfg.QuoteIPPerMin)
	require.Equal(t, 10, cfg.SubmitIPPerMin)
	require.Equal(t, 20, cfg.QuoteWalletPerMin)
	require.Equal(t, 10, cfg.SubmitWalletPerMin)
}
