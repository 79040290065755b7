// Package replayset answers one question: has this exact signed transaction
// already been submitted? It backs the submit path's first line of defense
// against resubmission, whether from a retrying client or an attacker who
// captured a signed payload off the wire.
//
// Membership testing is split in two tiers, grounded on the teacher
// codebase's trie-database clean-cache bloom filter
// (github.com/holiman/bloomfilter/v2): a bloom filter answers "definitely
// new" in O(1) without ever touching the authoritative map, and only a
// possible hit falls through to the time-indexed map that actually enforces
// REPLAY_TTL. A bloom filter has no delete operation, so entries age out of
// it by generation rotation rather than by TTL: two filters are kept, the
// active one always receiving inserts and the previous one discarded
// wholesale once a full REPLAY_TTL window has elapsed since the rotation.
package replayset

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/holiman/bloomfilter/v2"

	"github.com/zeyxx/gasdf-relayer/internal/clock"
	"github.com/zeyxx/gasdf-relayer/internal/log"
)

// Fingerprint is the canonical 32-byte digest of a signed transaction's wire
// bytes, as produced by txvalidate.ComputeFingerprint.
type Fingerprint [32]byte

// bloomBits/bloomHashes size each generation's filter for roughly a 0.02%
// false-positive rate at 2M entries, comfortably above any single payer
// pool's REPLAY_TTL-window submit volume.
const (
	bloomBits   = 2_000_000 * 20
	bloomHashes = 7
)

type entry struct {
	expiresAt time.Time
}

// Set is the Replay Set: C3. Single-instance, in-process. A multi-instance
// deployment must front this with a shared store instead (spec.md §4.3); no
// such backend is wired here.
type Set struct {
	mu  sync.Mutex
	ttl time.Duration

	active, previous *bloomfilter.Filter
	rotatedAt        time.Time

	entries map[Fingerprint]entry
	clock   *clock.Clock
	log     log.Logger
}

// Option configures a Set.
type Option func(*Set)

// WithClock overrides the set's time source for deterministic tests.
func WithClock(c *clock.Clock) Option {
	return func(s *Set) { s.clock = c }
}

// New returns a Set expiring entries after ttl (REPLAY_TTL).
func New(ttl time.Duration, opts ...Option) *Set {
	s := &Set{
		ttl:     ttl,
		entries: make(map[Fingerprint]entry),
		clock:   clock.New(),
		log:     log.New("component", "replayset"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.active = newBloom()
	s.rotatedAt = s.clock.Now()
	return s
}

func newBloom() *bloomfilter.Filter {
	f, err := bloomfilter.New(bloomBits, bloomHashes)
	if err != nil {
		// Fixed, compile-time-sane parameters; a failure here means the
		// library's constructor contract changed underneath us.
		panic("replayset: failed to allocate bloom filter: " + err.Error())
	}
	return f
}

func hashOf(fp Fingerprint) *xxhash.Digest {
	h := xxhash.New()
	h.Write(fp[:])
	return h
}

// MarkAndTest reports whether fp was newly inserted (true) or was already a
// live member of the set (false). Expired entries do not block reinsertion.
func (s *Set) MarkAndTest(fp Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.rotateLocked(now)

	if s.maybeSeen(fp) {
		if e, ok := s.entries[fp]; ok && now.Before(e.expiresAt) {
			return false
		}
	}

	s.entries[fp] = entry{expiresAt: now.Add(s.ttl)}
	s.active.Add(hashOf(fp))
	return true
}

// Contains reports whether fp is a live (non-expired) member, without
// inserting it. The submit path calls it before sending and calls
// MarkAndTest only after a successful send.
func (s *Set) Contains(fp Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fp]
	return ok && s.clock.Now().Before(e.expiresAt)
}

// maybeSeen is a fast negative check: if neither generation of the bloom
// filter has seen fp, the authoritative map definitely has not either, and
// MarkAndTest can skip straight to insertion. A true result is not proof of
// membership (bloom filters false-positive); the map lookup still decides.
func (s *Set) maybeSeen(fp Fingerprint) bool {
	h := hashOf(fp)
	if s.active.Contains(h) {
		return true
	}
	if s.previous != nil && s.previous.Contains(h) {
		return true
	}
	return false
}

// rotateLocked swaps the active bloom filter into previous and starts a
// fresh one once a full TTL window has passed, bounding both filters'
// lifetime to roughly [0, 2*ttl) and keeping their false-positive rate from
// climbing without bound as entries accumulate. Must be called with mu held.
func (s *Set) rotateLocked(now time.Time) {
	if now.Sub(s.rotatedAt) < s.ttl {
		return
	}
	s.previous = s.active
	s.active = newBloom()
	s.rotatedAt = now
}

// Sweep drops expired entries from the authoritative map. Invoked
// periodically by a background task; safe to call concurrently with
// MarkAndTest/Contains.
func (s *Set) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for fp, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, fp)
			n++
		}
	}
	return n
}

// Len returns the number of live entries in the authoritative map.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
