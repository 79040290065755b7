// Package feepayer owns the relayer's signing keys and the capacity
// accounting around them. It is grounded on the teacher codebase's
// core/txpool.TxPool: a reservation map serialized by a single mutex, a
// round-robin-style cursor, and an explicit reserve/unreserve callback pair,
// generalized from "one subpool owns this address" to "one reservation owns
// this many lamports of this payer's balance".
package feepayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeyxx/gasdf-relayer/internal/log"
	"github.com/zeyxx/gasdf-relayer/quoteid"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

// RotationState is a FeePayer's position in the retirement lifecycle.
type RotationState int

const (
	Active RotationState = iota
	Retiring
	Retired
)

func (s RotationState) String() string {
	switch s {
	case Active:
		return "active"
	case Retiring:
		return "retiring"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

var (
	// ErrNoCapacity is returned when no reservable payer had enough
	// available balance for the requested amount.
	ErrNoCapacity = errors.New("no fee payer capacity available")
	// ErrCircuitOpen is returned while the pool-wide breaker is tripped.
	ErrCircuitOpen = errors.New("fee payer pool circuit breaker is open")
	// ErrUnknownPayer is returned by operations referencing a payer key the
	// pool was not configured with.
	ErrUnknownPayer = errors.New("unknown fee payer")
	// ErrSignFailed covers a missing or unusable signing key; fatal to the
	// request that hit it.
	ErrSignFailed = errors.New("fee payer signing failed")
)

const (
	// breakerTripThreshold is the number of consecutive full-scan misses
	// before the circuit opens.
	breakerTripThreshold = 5
	// breakerOpenDuration is how long the breaker stays open once tripped.
	breakerOpenDuration = 30 * time.Second
	// unhealthyDuration is how long a payer is marked unhealthy after a
	// non-retryable send failure.
	unhealthyDuration = 60 * time.Second
)

// reservation is the pool's private bookkeeping record; spec.md's
// Reservation entity, owned here for capacity accounting (the Quote Store
// owns the TTL-facing copy).
type reservation struct {
	payerKey  txtypes.Pubkey
	amount    uint64
	createdAt time.Time
	expiresAt time.Time
}

// payer is a fee payer account together with the pool's view of its health.
type payer struct {
	key            txtypes.Pubkey
	signer         *SigningKey
	observedBal    uint64
	balanceStale   bool
	lastRefresh    time.Time
	unhealthyUntil time.Time
	rotation       RotationState
	retiredForced  bool
}

// Clock abstracts time.Now so reservation/breaker expiry is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds the pool's tunables, sourced from spec.md §6's env vars.
type Config struct {
	MinHealthyBalanceLamports uint64
	MaxReservationsPerPayer   int
}

// Pool is the fee-payer pool: C1 of the relay pipeline. All access to its
// mutable state is serialized by mu, matching spec.md §5's coarse-grained
// locking mandate — the state machine is small and contention is low enough
// that finer-grained locking would add risk without measurable benefit.
type Pool struct {
	mu sync.Mutex

	cfg   Config
	clock Clock
	log   log.Logger

	payers      []*payer
	byKey       map[txtypes.Pubkey]*payer
	cursor      int
	reservations map[quoteid.ID]*reservation
	reservedByPayer map[txtypes.Pubkey]uint64

	consecutiveFailures int
	circuitOpenUntil    time.Time
}

// New constructs a pool from a set of signing keys. Each key becomes an
// ACTIVE payer with zero observed balance until the first refresh.
func New(cfg Config, keys []*SigningKey, clk Clock) (*Pool, error) {
	if len(keys) == 0 {
		return nil, errors.New("feepayer: at least one signing key is required")
	}
	if cfg.MaxReservationsPerPayer <= 0 {
		cfg.MaxReservationsPerPayer = 50
	}
	if clk == nil {
		clk = systemClock{}
	}

	p := &Pool{
		cfg:             cfg,
		clock:           clk,
		log:             log.New("component", "feepayer"),
		byKey:           make(map[txtypes.Pubkey]*payer, len(keys)),
		reservations:    make(map[quoteid.ID]*reservation),
		reservedByPayer: make(map[txtypes.Pubkey]uint64),
	}
	for _, k := range keys {
		pk := k.PublicKey()
		if _, exists := p.byKey[pk]; exists {
			return nil, fmt.Errorf("feepayer: duplicate signing key %s", pk)
		}
		fp := &payer{key: pk, signer: k, rotation: Active}
		p.payers = append(p.payers, fp)
		p.byKey[pk] = fp
	}
	return p, nil
}

// Reserve selects a reservable payer with enough available balance for
// amount and records a reservation against it, per spec.md §4.1's
// reserve algorithm.
func (p *Pool) Reserve(id quoteid.ID, amount uint64, ttl time.Duration) (txtypes.Pubkey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	p.sweepExpiredLocked(now)

	if !p.circuitOpenUntil.IsZero() {
		if now.Before(p.circuitOpenUntil) {
			return txtypes.Pubkey{}, ErrCircuitOpen
		}
		p.circuitOpenUntil = time.Time{}
		p.consecutiveFailures = 0
	}

	n := len(p.payers)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		fp := p.payers[idx]
		if !p.reservableLocked(fp, now) {
			continue
		}
		available := p.availableLocked(fp)
		if available < amount+p.cfg.MinHealthyBalanceLamports {
			continue
		}

		p.reservations[id] = &reservation{
			payerKey:  fp.key,
			amount:    amount,
			createdAt: now,
			expiresAt: now.Add(ttl),
		}
		p.reservedByPayer[fp.key] += amount
		p.cursor = (idx + 1) % n
		p.consecutiveFailures = 0
		p.log.Debug("reservation created", "quoteId", id, "payer", fp.key, "amount", amount)
		return fp.key, nil
	}

	p.consecutiveFailures++
	if p.consecutiveFailures >= breakerTripThreshold {
		p.circuitOpenUntil = now.Add(breakerOpenDuration)
		p.log.Warn("fee payer pool circuit breaker opened", "consecutiveFailures", p.consecutiveFailures)
	}
	return txtypes.Pubkey{}, ErrNoCapacity
}

// Release removes the reservation for id, if any. Idempotent.
func (p *Pool) Release(id quoteid.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(id)
}

func (p *Pool) releaseLocked(id quoteid.ID) {
	r, ok := p.reservations[id]
	if !ok {
		return
	}
	delete(p.reservations, id)
	p.reservedByPayer[r.payerKey] -= r.amount
	if p.reservedByPayer[r.payerKey] == 0 {
		delete(p.reservedByPayer, r.payerKey)
	}
}

// CanProcessSubmit reports whether payerKey may still be used to finish a
// submit already underway: true for ACTIVE and RETIRING payers whose
// observed balance is at least MinHealthyBalanceLamports and which are not
// inside an unhealthy cool-down, false once RETIRED.
func (p *Pool) CanProcessSubmit(payerKey txtypes.Pubkey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fp, ok := p.byKey[payerKey]
	if !ok {
		return false
	}
	now := p.clock.Now()
	if fp.rotation == Retired {
		return false
	}
	if now.Before(fp.unhealthyUntil) {
		return false
	}
	return fp.observedBal >= p.cfg.MinHealthyBalanceLamports
}

// Sign adds payerKey's signature to tx in the chain's fee-payer signature
// slot (index 0).
func (p *Pool) Sign(tx *txtypes.Transaction, payerKey txtypes.Pubkey) error {
	p.mu.Lock()
	fp, ok := p.byKey[payerKey]
	p.mu.Unlock()
	if !ok || fp.signer == nil {
		return fmt.Errorf("%w: %s", ErrSignFailed, payerKey)
	}
	sig := fp.signer.Sign(tx.MessageBytes())
	if err := tx.SetSignature(0, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignFailed, err)
	}
	return nil
}

// MarkUnhealthy flags payerKey as unavailable for new reservations for the
// standard 60s cool-down, used after a non-retryable send failure.
func (p *Pool) MarkUnhealthy(payerKey txtypes.Pubkey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fp, ok := p.byKey[payerKey]; ok {
		fp.unhealthyUntil = p.clock.Now().Add(unhealthyDuration)
	}
}

// reservableLocked implements spec.md §3's FeePayer.reservable predicate.
func (p *Pool) reservableLocked(fp *payer, now time.Time) bool {
	if fp.rotation != Active {
		return false
	}
	if now.Before(fp.unhealthyUntil) {
		return false
	}
	if fp.observedBal < p.cfg.MinHealthyBalanceLamports {
		return false
	}
	reservedCount := 0
	for _, r := range p.reservations {
		if r.payerKey == fp.key {
			reservedCount++
		}
	}
	return reservedCount < p.cfg.MaxReservationsPerPayer
}

func (p *Pool) availableLocked(fp *payer) uint64 {
	reserved := p.reservedByPayer[fp.key]
	if reserved >= fp.observedBal {
		return 0
	}
	return fp.observedBal - reserved
}

// sweepExpiredLocked drops reservations past their TTL, bounding the reserve
// critical section to O(#reservations) as spec.md §4.1 step 1 requires.
func (p *Pool) sweepExpiredLocked(now time.Time) {
	for id, r := range p.reservations {
		if now.After(r.expiresAt) {
			p.reservedByPayer[r.payerKey] -= r.amount
			if p.reservedByPayer[r.payerKey] == 0 {
				delete(p.reservedByPayer, r.payerKey)
			}
			delete(p.reservations, id)
		}
	}
}

// BalanceFetcher is the subset of the chain adapter the pool needs to
// refresh observed balances, kept minimal so tests can fake it trivially.
type BalanceFetcher interface {
	BatchBalances(ctx context.Context, keys []txtypes.Pubkey) (map[txtypes.Pubkey]uint64, error)
}

// RefreshBalances fetches every payer's balance in one batched call and
// updates observedBalance. A fetch failure is logged and leaves the stale
// balance in place (marked stale) rather than zeroing it, so a transient RPC
// error cannot make a healthy payer look empty.
func (p *Pool) RefreshBalances(ctx context.Context, fetcher BalanceFetcher) error {
	p.mu.Lock()
	keys := make([]txtypes.Pubkey, len(p.payers))
	for i, fp := range p.payers {
		keys[i] = fp.key
	}
	p.mu.Unlock()

	now := p.clock.Now()
	balances, err := fetcher.BatchBalances(ctx, keys)
	if err != nil {
		p.mu.Lock()
		for _, fp := range p.payers {
			fp.balanceStale = true
		}
		p.mu.Unlock()
		p.log.Warn("fee payer balance refresh failed", "err", err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fp := range p.payers {
		bal, ok := balances[fp.key]
		if !ok {
			fp.balanceStale = true
			continue
		}
		// Observationally monotonic: never let an older refresh clobber a
		// newer one (spec.md §5 ordering guarantee (c)).
		if fp.lastRefresh.After(now) {
			continue
		}
		fp.observedBal = bal
		fp.balanceStale = false
		fp.lastRefresh = now
		if bal >= p.cfg.MinHealthyBalanceLamports && now.After(fp.unhealthyUntil) {
			fp.unhealthyUntil = time.Time{}
		}
	}
	return nil
}

// StartRetirement moves payerKey from ACTIVE to RETIRING: it stops
// accepting new reservations but continues to honor ones it already holds.
func (p *Pool) StartRetirement(payerKey txtypes.Pubkey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fp, ok := p.byKey[payerKey]
	if !ok {
		return ErrUnknownPayer
	}
	if fp.rotation == Active {
		fp.rotation = Retiring
	}
	return nil
}

// CompleteRetirement moves a RETIRING payer with no outstanding
// reservations to RETIRED.
func (p *Pool) CompleteRetirement(payerKey txtypes.Pubkey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fp, ok := p.byKey[payerKey]
	if !ok {
		return ErrUnknownPayer
	}
	if fp.rotation != Retiring {
		return fmt.Errorf("feepayer: %s is not retiring", payerKey)
	}
	if p.reservedByPayer[payerKey] != 0 {
		return fmt.Errorf("feepayer: %s still has outstanding reservations", payerKey)
	}
	fp.rotation = Retired
	return nil
}

// Emergency forces payerKey straight to RETIRED, cancelling every
// reservation it holds. Unlike an orderly retirement this is marked forced,
// which blocks Reactivate.
func (p *Pool) Emergency(payerKey txtypes.Pubkey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fp, ok := p.byKey[payerKey]
	if !ok {
		return ErrUnknownPayer
	}
	for id, r := range p.reservations {
		if r.payerKey == payerKey {
			delete(p.reservations, id)
		}
	}
	delete(p.reservedByPayer, payerKey)
	fp.rotation = Retired
	fp.retiredForced = true
	return nil
}

// Reactivate returns a non-forced RETIRED payer to ACTIVE.
func (p *Pool) Reactivate(payerKey txtypes.Pubkey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fp, ok := p.byKey[payerKey]
	if !ok {
		return ErrUnknownPayer
	}
	if fp.rotation != Retired {
		return fmt.Errorf("feepayer: %s is not retired", payerKey)
	}
	if fp.retiredForced {
		return fmt.Errorf("feepayer: %s was force-retired and cannot be reactivated", payerKey)
	}
	fp.rotation = Active
	return nil
}

// Snapshot is a read-only view of a payer, used by the health endpoint and
// admin tooling.
type Snapshot struct {
	Key             txtypes.Pubkey
	ObservedBalance uint64
	BalanceStale    bool
	Rotation        RotationState
	Unhealthy       bool
	Reserved        uint64
}

// Snapshot returns the current state of every payer.
func (p *Pool) Snapshot() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	out := make([]Snapshot, len(p.payers))
	for i, fp := range p.payers {
		out[i] = Snapshot{
			Key:             fp.key,
			ObservedBalance: fp.observedBal,
			BalanceStale:    fp.balanceStale,
			Rotation:        fp.rotation,
			Unhealthy:       now.Before(fp.unhealthyUntil),
			Reserved:        p.reservedByPayer[fp.key],
		}
	}
	return out
}

// BalanceOf returns the pool's last-observed balance for payerKey, used by
// the submit path's CPI-drain guard to compute the simulated delta without
// an extra RPC round trip. The second return is false for an unknown key.
func (p *Pool) BalanceOf(payerKey txtypes.Pubkey) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fp, ok := p.byKey[payerKey]
	if !ok {
		return 0, false
	}
	return fp.observedBal, true
}

// Healthy reports whether at least one payer can currently process a
// submit, used by the /v1/health aggregation.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	for _, fp := range p.payers {
		if fp.rotation == Retired {
			continue
		}
		if now.Before(fp.unhealthyUntil) {
			continue
		}
		if fp.observedBal >= p.cfg.MinHealthyBalanceLamports {
			return true
		}
	}
	return false
}

// CircuitOpen reports whether the pool-wide reservation breaker is
// currently tripped, used by the stats/metrics surfaces to expose the same
// condition Reserve itself checks.
func (p *Pool) CircuitOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.circuitOpenUntil.IsZero() && p.clock.Now().Before(p.circuitOpenUntil)
}
