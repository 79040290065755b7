// Package oracle is the relayer's window onto external pricing and
// reputation services: fee-in-payment-token conversion, token
// acceptance verdicts, and per-user engagement discounts. It is grounded on
// the teacher codebase's eth/gasprice external-fee-estimation shape (bounded
// timeout around an outbound call, safe defaults on failure) generalized to
// three distinct upstream calls, each with its own circuit breaker and a
// shared 60s TTL response cache (github.com/hashicorp/golang-lru, the same
// cache family the chain adapter uses for its blockhash cache).
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/zeyxx/gasdf-relayer/internal/clock"
	"github.com/zeyxx/gasdf-relayer/internal/log"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

const (
	cacheTTL       = 60 * time.Second
	cacheSize      = 4096
	callTimeout    = 3 * time.Second
	breakerTrip    = 3
	breakerCooldown = 20 * time.Second

	// MaxDiscount is the ceiling userDiscount may ever return, independent
	// of whatever the backing service reports.
	MaxDiscount = 0.95
)

// Backend is the outbound transport the gateway wraps with caching, timeout,
// and circuit-breaking. Implementations talk to whatever pricing/reputation
// service the deployment actually uses; tests supply a fake.
type Backend interface {
	FeeInToken(ctx context.Context, mint txtypes.Pubkey, nativeLamports uint64) (Amount, error)
	TokenAcceptance(ctx context.Context, mint txtypes.Pubkey) (Acceptance, error)
	UserDiscount(ctx context.Context, userKey txtypes.Pubkey, operation string) (float64, error)
}

// Amount is a fee expressed in a payment token's base units.
type Amount struct {
	Value    *big.Int
	Symbol   string
	Decimals uint8
}

// AcceptanceReason classifies why a token was or was not accepted.
type AcceptanceReason string

const (
	ReasonTrusted      AcceptanceReason = "trusted"
	ReasonHoldexVerified AcceptanceReason = "holdex_verified"
	ReasonNotVerified  AcceptanceReason = "not_verified"
)

// Acceptance is the verdict on whether a payment mint may be used.
type Acceptance struct {
	Accepted bool
	Reason   AcceptanceReason
}

type cacheEntry struct {
	value    interface{}
	cachedAt time.Time
}

type breaker struct {
	mu               sync.Mutex
	consecutiveFails int
	openUntil        time.Time
}

func (b *breaker) open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Before(b.openUntil)
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
}

func (b *breaker) recordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails++
	if b.consecutiveFails >= breakerTrip {
		b.openUntil = now.Add(breakerCooldown)
	}
}

// Gateway is the Oracle Gateway: C6.
type Gateway struct {
	backend Backend
	cache   *lru.Cache
	clock   *clock.Clock
	log     log.Logger

	feeBreaker        breaker
	acceptanceBreaker breaker
	discountBreaker   breaker
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock overrides the gateway's time source for deterministic tests.
func WithClock(c *clock.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// New returns a Gateway calling out through backend.
func New(backend Backend, opts ...Option) (*Gateway, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("oracle: allocate response cache: %w", err)
	}
	g := &Gateway{
		backend: backend,
		cache:   cache,
		clock:   clock.New(),
		log:     log.New("component", "oracle"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Gateway) cached(key string) (interface{}, bool) {
	v, ok := g.cache.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(cacheEntry)
	if g.clock.Now().Sub(e.cachedAt) >= cacheTTL {
		return nil, false
	}
	return e.value, true
}

func (g *Gateway) store(key string, value interface{}) {
	g.cache.Add(key, cacheEntry{value: value, cachedAt: g.clock.Now()})
}

// FeeInToken converts nativeLamports into mint's base units. On an open
// circuit it returns a zero amount rather than blocking the quote pipeline;
// callers must treat a zero Amount as "use the native-lamport fee only" per
// spec.md §4.6's safe-default rule.
func (g *Gateway) FeeInToken(ctx context.Context, mint txtypes.Pubkey, nativeLamports uint64) (Amount, error) {
	key := "fee:" + mint.String() + ":" + fmt.Sprint(nativeLamports)
	if v, ok := g.cached(key); ok {
		return v.(Amount), nil
	}

	now := g.clock.Now()
	if g.feeBreaker.open(now) {
		return Amount{Value: big.NewInt(0)}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	amt, err := g.backend.FeeInToken(cctx, mint, nativeLamports)
	if err != nil {
		g.feeBreaker.recordFailure(now)
		g.log.Warn("fee-in-token lookup failed", "mint", mint.String(), "err", err)
		return Amount{Value: big.NewInt(0)}, nil
	}
	g.feeBreaker.recordSuccess()
	g.store(key, amt)
	return amt, nil
}

// IsTokenAccepted reports whether mint may be used to pay fees. On an open
// circuit it rejects the token as not-verified: spec.md §4.6 requires
// failing toward rejecting unknown tokens, not toward accepting them.
func (g *Gateway) IsTokenAccepted(ctx context.Context, mint txtypes.Pubkey) Acceptance {
	key := "accept:" + mint.String()
	if v, ok := g.cached(key); ok {
		return v.(Acceptance)
	}

	now := g.clock.Now()
	if g.acceptanceBreaker.open(now) {
		return Acceptance{Accepted: false, Reason: ReasonNotVerified}
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	a, err := g.backend.TokenAcceptance(cctx, mint)
	if err != nil {
		g.acceptanceBreaker.recordFailure(now)
		g.log.Warn("token acceptance lookup failed", "mint", mint.String(), "err", err)
		return Acceptance{Accepted: false, Reason: ReasonNotVerified}
	}
	g.acceptanceBreaker.recordSuccess()
	g.store(key, a)
	return a
}

// UserDiscount returns the fractional discount (0 to MaxDiscount) userKey
// has earned for operation. On an open circuit or backend error it returns
// zero: no discount, never a free ride.
func (g *Gateway) UserDiscount(ctx context.Context, userKey txtypes.Pubkey, operation string) float64 {
	key := "discount:" + userKey.String() + ":" + operation
	if v, ok := g.cached(key); ok {
		return v.(float64)
	}

	now := g.clock.Now()
	if g.discountBreaker.open(now) {
		return 0
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	d, err := g.backend.UserDiscount(cctx, userKey, operation)
	if err != nil {
		g.discountBreaker.recordFailure(now)
		g.log.Warn("user discount lookup failed", "user", userKey.String(), "err", err)
		return 0
	}
	g.discountBreaker.recordSuccess()
	if d < 0 {
		d = 0
	}
	if d > MaxDiscount {
		d = MaxDiscount
	}
	g.store(key, d)
	return d
}
