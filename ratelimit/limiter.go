// Package ratelimit is the Rate & Anomaly Layer: C9. It sits in front of
// every request, sliding-window limiting by IP and by wallet, and
// separately watches 5-minute totals for anomalous spikes. Grounded on the
// teacher codebase's atomic-counter metrics idiom for the sliding windows
// (x/time/rate token buckets approximate "N events per minute" closely
// enough for this purpose, the same approximation the ecosystem reaches for
// whenever a hard sliding window isn't worth the bookkeeping) and on the
// teacher's circuit-breaker-adjacent cooldown pattern for anomaly dedup.
package ratelimit

import (
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zeyxx/gasdf-relayer/internal/clock"
	"github.com/zeyxx/gasdf-relayer/internal/log"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

// EventType classifies a rate-limited request.
type EventType string

const (
	EventQuote   EventType = "quote"
	EventSubmit  EventType = "submit"
	EventFailure EventType = "failure"
)

// RetryAfter is the fixed Retry-After value spec.md §4.9 mandates on a
// rejected request, regardless of which window tripped.
const RetryAfter = 60 * time.Second

// bucketIdleTimeout is how long an IP or wallet bucket may sit unused
// before Sweep reclaims it.
const bucketIdleTimeout = 5 * time.Minute

// Config holds the per-minute limits spec.md §4.9 defaults to. A zero limit
// disables that specific check.
type Config struct {
	GlobalIPPerMin     int
	QuoteIPPerMin      int
	SubmitIPPerMin     int
	QuoteWalletPerMin  int
	SubmitWalletPerMin int
}

// DefaultConfig returns spec.md §4.9's stated defaults.
func DefaultConfig() Config {
	return Config{
		GlobalIPPerMin:     100,
		QuoteIPPerMin:      30,
		SubmitIPPerMin:     10,
		QuoteWalletPerMin:  20,
		SubmitWalletPerMin: 10,
	}
}

// Decision is the outcome of a rate check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type ipBucket struct {
	global   *rate.Limiter
	quote    *rate.Limiter
	submit   *rate.Limiter
	lastUsed time.Time
}

type walletBucket struct {
	quote    *rate.Limiter
	submit   *rate.Limiter
	lastUsed time.Time
}

func newLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)
}

// Limiter is the sliding-window rate-limiting half of C9.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	ips      map[string]*ipBucket
	wallets  map[txtypes.Pubkey]*walletBucket
	clock    *clock.Clock
	log      log.Logger
	detector *Detector
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter's time source, used only for bucket
// idle-eviction bookkeeping (the underlying x/time/rate limiters keep their
// own wall-clock time and are not mockable).
func WithClock(c *clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithDetector attaches the anomaly-detection half of C9: every request the
// limiter observes is also fed into d's 5-minute scoped counters.
func WithDetector(d *Detector) Option {
	return func(l *Limiter) { l.detector = d }
}

// Detector returns the limiter's attached anomaly detector, or nil if none
// was configured. The composition root ticks it on a 30s timer.
func (l *Limiter) Detector() *Detector {
	return l.detector
}

// New returns a Limiter enforcing cfg.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		ips:     make(map[string]*ipBucket),
		wallets: make(map[txtypes.Pubkey]*walletBucket),
		clock:   clock.New(),
		log:     log.New("component", "ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NormalizeIP strips the IPv4-in-IPv6 "::ffff:" prefix so a dual-stack
// client cannot key around its own limits by presenting the mapped form.
func NormalizeIP(ip string) string {
	trimmed := strings.TrimPrefix(ip, "::ffff:")
	if parsed := net.ParseIP(trimmed); parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			return v4.String()
		}
	}
	return trimmed
}

func (l *Limiter) ipBucketFor(ip string) *ipBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.ips[ip]
	if !ok {
		b = &ipBucket{
			global: newLimiter(l.cfg.GlobalIPPerMin),
			quote:  newLimiter(l.cfg.QuoteIPPerMin),
			submit: newLimiter(l.cfg.SubmitIPPerMin),
		}
		l.ips[ip] = b
	}
	b.lastUsed = l.clock.Now()
	return b
}

func (l *Limiter) walletBucketFor(w txtypes.Pubkey) *walletBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.wallets[w]
	if !ok {
		b = &walletBucket{
			quote:  newLimiter(l.cfg.QuoteWalletPerMin),
			submit: newLimiter(l.cfg.SubmitWalletPerMin),
		}
		l.wallets[w] = b
	}
	b.lastUsed = l.clock.Now()
	return b
}

// CheckIP enforces both the global per-IP limit and the event-specific
// per-IP limit, normalizing ip first.
func (l *Limiter) CheckIP(ip string, evt EventType) Decision {
	normalized := NormalizeIP(ip)
	b := l.ipBucketFor(normalized)
	if l.detector != nil {
		l.detector.RecordEvent(ScopeIP, normalized)
		l.detector.RecordEvent(ScopeGlobal, "global")
	}

	if b.global != nil && !b.global.Allow() {
		return Decision{Allowed: false, RetryAfter: RetryAfter}
	}

	var lim *rate.Limiter
	switch evt {
	case EventQuote:
		lim = b.quote
	case EventSubmit:
		lim = b.submit
	}
	if lim != nil && !lim.Allow() {
		return Decision{Allowed: false, RetryAfter: RetryAfter}
	}
	return Decision{Allowed: true}
}

// CheckWallet enforces the event-specific per-wallet limit.
func (l *Limiter) CheckWallet(w txtypes.Pubkey, evt EventType) Decision {
	b := l.walletBucketFor(w)
	if l.detector != nil {
		l.detector.RecordEvent(ScopeWallet, w.String())
	}

	var lim *rate.Limiter
	switch evt {
	case EventQuote:
		lim = b.quote
	case EventSubmit:
		lim = b.submit
	}
	if lim != nil && !lim.Allow() {
		return Decision{Allowed: false, RetryAfter: RetryAfter}
	}
	return Decision{Allowed: true}
}

// Sweep reclaims IP and wallet buckets idle for more than five minutes.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	for k, b := range l.ips {
		if now.Sub(b.lastUsed) > bucketIdleTimeout {
			delete(l.ips, k)
		}
	}
	for k, b := range l.wallets {
		if now.Sub(b.lastUsed) > bucketIdleTimeout {
			delete(l.wallets, k)
		}
	}
}
