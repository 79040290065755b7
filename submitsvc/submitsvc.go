// Package submitsvc composes the fee-payer pool, quote store, replay set,
// transaction validator, and chain adapter into spec.md §4.8's submit
// endpoint contract: a thirteen-step, fail-fast pipeline ending in a
// bounded, retry-aware send. It is the second composition root, grounded
// (like quotesvc) on the teacher codebase's eth/ tx-submission service
// shape, generalized to the relayer's layered verification and
// health-feedback-into-the-pool requirements.
package submitsvc

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/zeyxx/gasdf-relayer/auditlog"
	"github.com/zeyxx/gasdf-relayer/chainadapter"
	"github.com/zeyxx/gasdf-relayer/internal/clock"
	"github.com/zeyxx/gasdf-relayer/internal/log"
	"github.com/zeyxx/gasdf-relayer/internal/relayerr"
	"github.com/zeyxx/gasdf-relayer/quoteid"
	"github.com/zeyxx/gasdf-relayer/quotestore"
	"github.com/zeyxx/gasdf-relayer/ratelimit"
	"github.com/zeyxx/gasdf-relayer/replayset"
	"github.com/zeyxx/gasdf-relayer/txtypes"
	"github.com/zeyxx/gasdf-relayer/txvalidate"
)

// Config holds the submit path's tunables.
type Config struct {
	MaxExpectedGasLamports uint64
	MaxRetries             int
	RetryDelays            []time.Duration
	GasSink                txtypes.Pubkey
	TreasuryAddress        txtypes.Pubkey
}

// DefaultConfig returns spec.md §4.8/§4.9's stated defaults: a 50,000
// lamport CPI-drain tolerance and three retries at 1s/2s/4s.
func DefaultConfig() Config {
	return Config{
		MaxExpectedGasLamports: 50_000,
		MaxRetries:             3,
		RetryDelays:            []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// Pool is the subset of *feepayer.Pool the submit service depends on.
type Pool interface {
	CanProcessSubmit(payerKey txtypes.Pubkey) bool
	Sign(tx *txtypes.Transaction, payerKey txtypes.Pubkey) error
	Release(id quoteid.ID)
	MarkUnhealthy(payerKey txtypes.Pubkey)
	BalanceOf(payerKey txtypes.Pubkey) (uint64, bool)
}

// Store is the subset of *quotestore.Store the submit service depends on.
type Store interface {
	ConsumeOrExpired(id quoteid.ID) (quotestore.Quote, error)
	Put(q quotestore.Quote)
}

// Replay is the subset of *replayset.Set the submit service depends on.
type Replay interface {
	Contains(fp replayset.Fingerprint) bool
	MarkAndTest(fp replayset.Fingerprint) bool
}

// Chain is the subset of *chainadapter.Adapter the submit service depends
// on.
type Chain interface {
	IsBlockhashValid(ctx context.Context, bh [32]byte) (bool, error)
	Simulate(ctx context.Context, tx *txtypes.Transaction, watch []txtypes.Pubkey) (chainadapter.SimulateResult, error)
	Send(ctx context.Context, tx *txtypes.Transaction) (txtypes.Signature, error)
}

// Limiter is the subset of *ratelimit.Limiter the submit service depends on.
type Limiter interface {
	CheckIP(ip string, evt ratelimit.EventType) ratelimit.Decision
	CheckWallet(w txtypes.Pubkey, evt ratelimit.EventType) ratelimit.Decision
}

// Audit is the subset of *auditlog.Log the submit service depends on.
type Audit interface {
	LogEvent(ctx context.Context, evt auditlog.Event)
}

// Service is the Submit Service: C8.
type Service struct {
	cfg      Config
	pool     Pool
	store    Store
	replay   Replay
	chain    Chain
	limiter  Limiter
	audit    Audit
	clock    *clock.Clock
	log      log.Logger
	inflight *inflightSet
	sleep    func(ctx context.Context, d time.Duration)
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service's time source for deterministic tests.
func WithClock(c *clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithSleeper overrides the retry backoff's sleep function, so tests can
// run the retry loop without waiting out real delays.
func WithSleeper(fn func(ctx context.Context, d time.Duration)) Option {
	return func(s *Service) { s.sleep = fn }
}

func defaultSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// New returns a Service composing the given collaborators.
func New(cfg Config, pool Pool, store Store, replay Replay, chain Chain, limiter Limiter, audit Audit, opts ...Option) *Service {
	if cfg.MaxExpectedGasLamports == 0 {
		cfg.MaxExpectedGasLamports = DefaultConfig().MaxExpectedGasLamports
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = DefaultConfig().RetryDelays
	}
	s := &Service{
		cfg:     cfg,
		pool:    pool,
		store:   store,
		replay:  replay,
		chain:   chain,
		limiter: limiter,
		audit:   audit,
		clock:   clock.New(),
		log:     log.New("component", "submitsvc"),
		sleep:   defaultSleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.inflight = newInflightSet(s.clock)
	return s
}

// Request is the inbound /v1/submit payload.
type Request struct {
	QuoteID        quoteid.ID
	SignedTxBytes  []byte
	ClaimedUserKey txtypes.Pubkey
	IP             string
}

// Result is the outcome of a successful submit.
type Result struct {
	Signature txtypes.Signature
	Attempts  int
}

// Submit executes spec.md §4.8's thirteen-step sequence, failing fast on
// the first violated check and feeding payer health signals back into the
// pool.
func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	if d := s.limiter.CheckIP(req.IP, ratelimit.EventSubmit); !d.Allowed {
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventRateLimitIP, IP: req.IP, Detail: "submit"})
		return Result{}, relayerr.ErrIPRateLimited.WithRetryAfter(d.RetryAfter)
	}
	if d := s.limiter.CheckWallet(req.ClaimedUserKey, ratelimit.EventSubmit); !d.Allowed {
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventRateLimitWallet, Wallet: req.ClaimedUserKey.String(), Detail: "submit"})
		return Result{}, relayerr.ErrWalletRateLimited.WithRetryAfter(d.RetryAfter)
	}

	// Step 2: get-then-delete the quote.
	quote, err := s.store.ConsumeOrExpired(req.QuoteID)
	switch {
	case errors.Is(err, quotestore.ErrExpired):
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventSubmitRejected, Wallet: req.ClaimedUserKey.String(), Detail: "QUOTE_EXPIRED"})
		return Result{}, relayerr.ErrQuoteExpired
	case err != nil:
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventSubmitRejected, Wallet: req.ClaimedUserKey.String(), Detail: "QUOTE_NOT_FOUND"})
		return Result{}, relayerr.ErrQuoteNotFound
	}

	// Every exit past this point must release the pool reservation this
	// quote was holding; terminal additionally leaves the quote deleted,
	// transient restores it so the client can retry before its original
	// TTL lapses (spec.md §4.8 step 13).
	terminal := func(rerr *relayerr.Error, eventDetail string) (Result, error) {
		s.pool.Release(req.QuoteID)
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventSubmitRejected, Wallet: req.ClaimedUserKey.String(), Detail: eventDetail})
		return Result{}, rerr
	}
	transient := func(rerr *relayerr.Error, eventDetail string) (Result, error) {
		s.pool.Release(req.QuoteID)
		s.store.Put(quote)
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventSubmitFailed, Wallet: req.ClaimedUserKey.String(), Detail: eventDetail})
		return Result{}, rerr
	}

	// Step 3.
	if err := txvalidate.ValidateSize(req.SignedTxBytes); err != nil {
		return terminal(relayerr.ErrTxTooLarge, err.Error())
	}

	// Step 4.
	tx, err := txvalidate.Deserialize(req.SignedTxBytes)
	if err != nil {
		return terminal(relayerr.ErrInvalidTxFormat, err.Error())
	}

	// Step 5: replay + provisional in-flight dedupe.
	fp := replayset.Fingerprint(txvalidate.ComputeFingerprint(tx))
	if s.replay.Contains(fp) {
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventSecurityReplay, Wallet: req.ClaimedUserKey.String()})
		return terminal(relayerr.ErrReplayDetected, "fingerprint already sent")
	}
	if !s.inflight.acquire(fp) {
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventSecurityReplay, Wallet: req.ClaimedUserKey.String()})
		return terminal(relayerr.ErrReplayDetected, "concurrent submit of identical transaction")
	}
	defer s.inflight.release(fp)

	// Step 6.
	bh := txvalidate.GetBlockhash(tx)
	valid, err := s.chain.IsBlockhashValid(ctx, bh)
	if err != nil || !valid {
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventSecurityBlockhash, Wallet: req.ClaimedUserKey.String()})
		return terminal(relayerr.ErrBlockhashExpired, "")
	}

	// Step 7.
	feeAmount, ok := new(big.Int).SetString(quote.FeeAmountPaymentToken, 10)
	if !ok {
		feeAmount = big.NewInt(0)
	}
	result := txvalidate.ValidateStructure(tx, txvalidate.Params{
		ExpectedUserKey:        req.ClaimedUserKey,
		ExpectedFeeAmount:      feeAmount,
		PaymentMint:            quote.PaymentMint,
		TreasuryAddress:        s.cfg.TreasuryAddress,
		GasSink:                s.cfg.GasSink,
		MaxExpectedGasLamports: s.cfg.MaxExpectedGasLamports,
	})
	if !result.OK {
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventSecurityValidation, Wallet: req.ClaimedUserKey.String(), Detail: joinReasons(result.Reasons)})
		return terminal(relayerr.ErrValidationFailed.WithReasons(result.Reasons), joinReasons(result.Reasons))
	}

	// Step 8.
	if result.FeePayer != quote.FeePayerKey {
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventSecurityFeePayer, Wallet: req.ClaimedUserKey.String()})
		return terminal(relayerr.ErrFeePayerMismatch, "")
	}
	if !s.pool.CanProcessSubmit(quote.FeePayerKey) {
		return terminal(relayerr.ErrSubmitFailed, "fee payer can no longer process submits")
	}

	// Step 9.
	if err := s.pool.Sign(tx, quote.FeePayerKey); err != nil {
		return terminal(relayerr.ErrSubmitFailed, err.Error())
	}

	// Step 10: simulate + CPI-drain guard.
	simResult, err := s.chain.Simulate(ctx, tx, []txtypes.Pubkey{quote.FeePayerKey})
	if err != nil || !simResult.OK {
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventSecuritySimulation, Wallet: req.ClaimedUserKey.String()})
		return terminal(relayerr.ErrSimulationFailed, "")
	}
	preBalance, _ := s.pool.BalanceOf(quote.FeePayerKey)
	if postBalance, ok := simResult.PostBalances[quote.FeePayerKey]; ok {
		delta := postBalance - int64(preBalance)
		if delta < -int64(s.cfg.MaxExpectedGasLamports) {
			s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventSecuritySimulation, Wallet: req.ClaimedUserKey.String(), Detail: "cpi drain guard tripped"})
			return terminal(relayerr.ErrSimulationFailed, "cpi drain guard tripped")
		}
	}

	// Step 11: send with bounded, classification-aware retry.
	sig, attempts, sendErr := s.sendWithRetry(ctx, tx, quote.FeePayerKey)
	if sendErr != nil {
		if chainadapter.IsTransient(sendErr) {
			return transient(relayerr.ErrSubmitFailed, sendErr.Error())
		}
		s.pool.MarkUnhealthy(quote.FeePayerKey)
		s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventPayerUnhealthy, Wallet: req.ClaimedUserKey.String()})
		return terminal(relayerr.ErrSubmitFailed, sendErr.Error())
	}

	// Step 12: success bookkeeping.
	s.replay.MarkAndTest(fp)
	s.pool.Release(req.QuoteID)
	s.audit.LogEvent(ctx, auditlog.Event{Type: auditlog.EventSubmitSuccess, Wallet: req.ClaimedUserKey.String(), Detail: sig.String()})
	return Result{Signature: sig, Attempts: attempts}, nil
}

// sendWithRetry performs the chain send, retrying up to cfg.MaxRetries
// times on a transient error with the configured delay schedule. A
// "blockhash not found" error is only retryable on the very first attempt
// (spec.md §4.8 step 11); any other non-transient error aborts immediately.
func (s *Service) sendWithRetry(ctx context.Context, tx *txtypes.Transaction, payerKey txtypes.Pubkey) (txtypes.Signature, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		attempts++
		sig, err := s.chain.Send(ctx, tx)
		if err == nil {
			return sig, attempts, nil
		}
		lastErr = err

		retryable := chainadapter.IsTransient(err)
		if errors.Is(err, chainadapter.ErrBlockhashNotFound) && attempt > 0 {
			retryable = false
		}
		if !retryable || attempt == s.cfg.MaxRetries {
			break
		}
		s.sleep(ctx, jitter(s.cfg.RetryDelays[attempt]))
		if ctx.Err() != nil {
			break
		}
	}
	return txtypes.Signature{}, attempts, lastErr
}

// jitter adds up to 25% random variance to d, avoiding synchronized retry
// stampedes across many concurrent submits hitting the same transient
// condition.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func joinReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}
