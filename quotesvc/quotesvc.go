// Package quotesvc composes the fee-payer pool, quote store, and oracle
// gateway into spec.md §4.7's quote endpoint contract: rate-check, price,
// reserve capacity, persist. It is the first of the two composition roots
// (quotesvc, submitsvc) and is grounded on the teacher codebase's eth/
// service-constructor style — a thin struct wiring already-built
// collaborators together, with no state of its own beyond configuration.
package quotesvc

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/zeyxx/gasdf-relayer/auditlog"
	"github.com/zeyxx/gasdf-relayer/feepayer"
	"github.com/zeyxx/gasdf-relayer/internal/clock"
	"github.com/zeyxx/gasdf-relayer/internal/log"
	"github.com/zeyxx/gasdf-relayer/internal/relayerr"
	"github.com/zeyxx/gasdf-relayer/oracle"
	"github.com/zeyxx/gasdf-relayer/quoteid"
	"github.com/zeyxx/gasdf-relayer/quotestore"
	"github.com/zeyxx/gasdf-relayer/ratelimit"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

const (
	// MinComputeUnitEstimate and MaxComputeUnitEstimate bound the client's
	// requested compute budget per spec.md §8's boundary test.
	MinComputeUnitEstimate = 1
	MaxComputeUnitEstimate = 1_400_000
)

// Config holds the pricing and TTL tunables spec.md §6 exposes as env vars.
type Config struct {
	BaseFeeLamports        uint64
	NetworkFeeLamports     uint64
	PriorityPricePerCULamports uint64 // micro-lamports-per-CU, pre-scaled to whole lamports
	DefaultComputeUnits    uint32
	QuoteTTL               time.Duration
	ReservationTTL         time.Duration
	TreasuryRatio          float64
	TreasuryAddress        txtypes.Pubkey
}

// Validate enforces spec.md §3's TTL invariants: 30s <= QuoteTTL <= 120s and
// ReservationTTL >= QuoteTTL.
func (c Config) Validate() error {
	if c.QuoteTTL < 30*time.Second || c.QuoteTTL > 120*time.Second {
		return fmt.Errorf("quotesvc: QUOTE_TTL_SECONDS must be within [30s,120s], got %s", c.QuoteTTL)
	}
	if c.ReservationTTL < c.QuoteTTL {
		return fmt.Errorf("quotesvc: RESERVATION_TTL_MS must be >= QUOTE_TTL_SECONDS")
	}
	if c.TreasuryRatio <= 0 {
		return fmt.Errorf("quotesvc: TreasuryRatio must be positive")
	}
	return nil
}

// Pool is the subset of *feepayer.Pool the quote service depends on.
type Pool interface {
	Reserve(id quoteid.ID, amount uint64, ttl time.Duration) (txtypes.Pubkey, error)
	Release(id quoteid.ID)
}

// Oracle is the subset of *oracle.Gateway the quote service depends on.
type Oracle interface {
	IsTokenAccepted(ctx context.Context, mint txtypes.Pubkey) oracle.Acceptance
	UserDiscount(ctx context.Context, userKey txtypes.Pubkey, operation string) float64
	FeeInToken(ctx context.Context, mint txtypes.Pubkey, nativeLamports uint64) (oracle.Amount, error)
}

// Limiter is the subset of *ratelimit.Limiter the quote service depends on.
type Limiter interface {
	CheckIP(ip string, evt ratelimit.EventType) ratelimit.Decision
	CheckWallet(w txtypes.Pubkey, evt ratelimit.EventType) ratelimit.Decision
}

// Audit is the subset of *auditlog.Log the quote service depends on.
type Audit interface {
	LogEvent(ctx context.Context, evt auditlog.Event)
}

// Service is the Quote Service: C7.
type Service struct {
	cfg     Config
	pool    Pool
	store   *quotestore.Store
	oracle  Oracle
	limiter Limiter
	audit   Audit
	clock   *clock.Clock
	log     log.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service's time source for deterministic tests.
func WithClock(c *clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// New returns a Service composing the given collaborators.
func New(cfg Config, pool Pool, store *quotestore.Store, og Oracle, limiter Limiter, audit Audit, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DefaultComputeUnits == 0 {
		cfg.DefaultComputeUnits = 200_000
	}
	s := &Service{
		cfg:     cfg,
		pool:    pool,
		store:   store,
		oracle:  og,
		limiter: limiter,
		audit:   audit,
		clock:   clock.New(),
		log:     log.New("component", "quotesvc"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Request is the inbound /v1/quote payload.
type Request struct {
	UserKey             txtypes.Pubkey
	PaymentMint         txtypes.Pubkey
	ComputeUnitEstimate *uint32
	IP                  string
}

// clampComputeUnits enforces spec.md §8's boundary: 1_400_000 accepted,
// 1_400_001 clamped back down to the ceiling; anything below 1 is floored.
func clampComputeUnits(v uint32) uint32 {
	if v < MinComputeUnitEstimate {
		return MinComputeUnitEstimate
	}
	if v > MaxComputeUnitEstimate {
		return MaxComputeUnitEstimate
	}
	return v
}

// tier maps a discount fraction onto the holder-tier labels the /v1/quote
// response surfaces; the oracle only promises a fraction, so the labeling
// boundaries are this service's own policy, not a chain invariant.
func tier(discount float64) string {
	switch {
	case discount >= 0.75:
		return "platinum"
	case discount >= 0.5:
		return "gold"
	case discount >= 0.25:
		return "silver"
	case discount > 0:
		return "bronze"
	default:
		return "standard"
	}
}

// breakEven computes ceil(txCost / TreasuryRatio): the minimum fee such
// that the treasury's fractional share alone still covers the relayer's
// gas outlay, per spec.md §4.7 step 4.
func breakEven(txCost uint64, ratio float64) uint64 {
	v := math.Ceil(float64(txCost) / ratio)
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// Quote executes spec.md §4.7's seven steps and returns a freshly reserved,
// persisted quote, or a *relayerr.Error mapping one of the documented
// failure codes.
func (s *Service) Quote(ctx context.Context, req Request) (quotestore.Quote, error) {
	if d := s.limiter.CheckIP(req.IP, ratelimit.EventQuote); !d.Allowed {
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventRateLimitIP, IP: req.IP, Detail: "quote"})
		return quotestore.Quote{}, relayerr.ErrIPRateLimited.WithRetryAfter(d.RetryAfter)
	}
	if d := s.limiter.CheckWallet(req.UserKey, ratelimit.EventQuote); !d.Allowed {
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventRateLimitWallet, Wallet: req.UserKey.String(), Detail: "quote"})
		return quotestore.Quote{}, relayerr.ErrWalletRateLimited.WithRetryAfter(d.RetryAfter)
	}

	acceptance := s.oracle.IsTokenAccepted(ctx, req.PaymentMint)
	if !acceptance.Accepted {
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventQuoteRejected, Wallet: req.UserKey.String(), Detail: "TOKEN_NOT_ACCEPTED"})
		return quotestore.Quote{}, relayerr.ErrTokenNotAccepted
	}

	cuRequested := s.cfg.DefaultComputeUnits
	if req.ComputeUnitEstimate != nil {
		cuRequested = clampComputeUnits(*req.ComputeUnitEstimate)
	}
	pricedCU := cuRequested
	if pricedCU < s.cfg.DefaultComputeUnits {
		pricedCU = s.cfg.DefaultComputeUnits
	}

	txCost := s.cfg.BaseFeeLamports + s.cfg.NetworkFeeLamports
	base := s.cfg.BaseFeeLamports + uint64(pricedCU)*s.cfg.PriorityPricePerCULamports + s.cfg.NetworkFeeLamports

	discount := s.oracle.UserDiscount(ctx, req.UserKey, "quote")
	discounted := uint64(math.Round(float64(base) * (1 - discount)))
	minFee := breakEven(txCost, s.cfg.TreasuryRatio)
	if discounted < minFee {
		discounted = minFee
	}

	id := quoteid.New()
	payerKey, err := s.pool.Reserve(id, discounted, s.cfg.ReservationTTL)
	if err != nil {
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventPayerReservation, Wallet: req.UserKey.String(), Detail: err.Error()})
		switch {
		case err == feepayer.ErrCircuitOpen:
			return quotestore.Quote{}, relayerr.ErrCircuitBreakerOpen.WithRetryAfter(30 * time.Second)
		default:
			return quotestore.Quote{}, relayerr.ErrNoPayerCapacity.WithRetryAfter(30 * time.Second)
		}
	}

	paymentAmount, err := s.oracle.FeeInToken(ctx, req.PaymentMint, discounted)
	if err != nil {
		s.pool.Release(id)
		return quotestore.Quote{}, relayerr.ErrQuoteFailed
	}
	if paymentAmount.Value == nil {
		paymentAmount.Value = big.NewInt(0)
	}

	now := s.clock.Now()
	quote := quotestore.Quote{
		ID:                    id,
		UserKey:               req.UserKey,
		PaymentMint:           req.PaymentMint,
		FeePayerKey:           payerKey,
		FeeAmountNative:       discounted,
		FeeAmountPaymentToken: paymentAmount.Value.String(),
		CreatedAt:             now,
		ExpiresAt:             now.Add(s.cfg.QuoteTTL),
		KTier:                 tier(discount),
		ComputeUnitEstimate:   cuRequested,
	}
	s.store.Put(quote)
	s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventQuoteCreated, Wallet: req.UserKey.String(), Detail: id.String()})
	return quote, nil
}
