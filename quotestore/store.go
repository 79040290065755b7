// Package quotestore holds short-lived quotes between their creation by the
// quote service and their one-shot consumption by the submit service. The
// in-memory map is always authoritative; everything here is wrapped in a
// single mutex so get-then-delete is linearizable, which an unguarded
// two-step cache operation cannot guarantee.
//
// WithPersistence mirrors puts/deletes into a disk-backed fastcache instance
// (grounded on the teacher codebase's VictoriaMetrics/fastcache trie-node
// cache) as a write-through forensic log: fastcache has no key-enumeration
// API, so a restarted process cannot replay it back into the live map. It is
// useful for post-incident inspection of what quotes existed, not for
// restart-survival of in-flight quotes — single-instance, best-effort
// in-memory operation is the accepted default per spec.md §9.
package quotestore

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/zeyxx/gasdf-relayer/internal/clock"
	"github.com/zeyxx/gasdf-relayer/internal/log"
	"github.com/zeyxx/gasdf-relayer/quoteid"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

// ErrNotFound is returned by Get/Consume when the id has no live quote:
// never created, already consumed, or expired.
var ErrNotFound = errors.New("quote not found")

// ErrExpired is returned by ConsumeOrExpired specifically (never by Get or
// Consume, which fold expiry into ErrNotFound) when the id was present but
// past its ExpiresAt, so the submit path can report QUOTE_EXPIRED instead of
// the less precise QUOTE_NOT_FOUND spec.md §6 also documents.
var ErrExpired = errors.New("quote expired")

// Quote is spec.md §3's Quote entity.
type Quote struct {
	ID                    quoteid.ID
	UserKey               txtypes.Pubkey
	PaymentMint           txtypes.Pubkey
	FeePayerKey           txtypes.Pubkey
	FeeAmountNative       uint64
	FeeAmountPaymentToken string // decimal big.Int string; see oracle.Amount
	CreatedAt             time.Time
	ExpiresAt             time.Time
	KTier                 string
	ComputeUnitEstimate   uint32
}

type entry struct {
	quote    Quote
	consumed bool
}

// Store is the quote store: C2. When persist is non-nil, every put/delete is
// mirrored into it; reads never consult the mirror, and nothing replays it
// into the live map, so in-flight quotes do not survive a process restart.
// The in-memory state is the source of truth for TTL enforcement.
type Store struct {
	mu      sync.Mutex
	entries map[quoteid.ID]*entry
	clock   *clock.Clock
	persist *fastcache.Cache
	log     log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPersistence mirrors the store into a fastcache instance of maxBytes,
// loaded from path when a snapshot exists there. The store never saves the
// cache back to path and never reads quotes from it. Pass "" for an
// in-memory-only cache.
func WithPersistence(path string, maxBytes int) Option {
	return func(s *Store) {
		if path == "" {
			s.persist = fastcache.New(maxBytes)
			return
		}
		s.persist = fastcache.LoadFromFileOrNew(path, maxBytes)
	}
}

// WithClock overrides the store's time source for deterministic tests.
func WithClock(c *clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New returns an empty quote store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[quoteid.ID]*entry),
		clock:   clock.New(),
		log:     log.New("component", "quotestore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores quote, reachable via Get/Consume until its ExpiresAt.
func (s *Store) Put(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[q.ID] = &entry{quote: q}
	if s.persist != nil {
		if b, err := json.Marshal(q); err == nil {
			s.persist.Set(q.ID[:], b)
		}
	}
}

// Get returns the quote for id if it is live (not expired, not consumed).
// TTL is enforced on read per spec.md §4.2: a read at or past ExpiresAt
// returns ErrNotFound even if the sweeper has not yet run.
func (s *Store) Get(id quoteid.ID) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id quoteid.ID) (Quote, error) {
	e, ok := s.entries[id]
	if !ok {
		return Quote{}, ErrNotFound
	}
	if e.consumed {
		return Quote{}, ErrNotFound
	}
	if !s.clock.Now().Before(e.quote.ExpiresAt) {
		delete(s.entries, id)
		return Quote{}, ErrNotFound
	}
	return e.quote, nil
}

// Delete removes id unconditionally. Idempotent.
func (s *Store) Delete(id quoteid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	if s.persist != nil {
		s.persist.Del(id[:])
	}
}

// Consume atomically performs get-then-delete: the caller that wins the
// race observes the quote and every other concurrent caller observes
// ErrNotFound, satisfying spec.md §8 invariant 4. Implemented as a single
// critical section (design note §4.2 option (b)) rather than a conditional
// cache delete, since the in-memory map is always the authoritative store.
func (s *Store) Consume(id quoteid.ID) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.getLocked(id)
	if err != nil {
		return Quote{}, err
	}
	s.entries[id].consumed = true
	delete(s.entries, id)
	if s.persist != nil {
		s.persist.Del(id[:])
	}
	return q, nil
}

// ConsumeOrExpired performs the same atomic get-then-delete as Consume, but
// distinguishes "never existed / already consumed" (ErrNotFound) from
// "existed, but past its TTL" (ErrExpired), so the submit path can report
// the more specific QUOTE_EXPIRED code spec.md §4.8 step 2 requires.
func (s *Store) ConsumeOrExpired(id quoteid.ID) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.consumed {
		return Quote{}, ErrNotFound
	}
	if !s.clock.Now().Before(e.quote.ExpiresAt) {
		delete(s.entries, id)
		if s.persist != nil {
			s.persist.Del(id[:])
		}
		return Quote{}, ErrExpired
	}
	q := e.quote
	e.consumed = true
	delete(s.entries, id)
	if s.persist != nil {
		s.persist.Del(id[:])
	}
	return q, nil
}

// Sweep drops every expired entry. Invoked periodically by the background
// sweeper (Get/Consume separately drop the single expired entry they read);
// exported so a caller can force a sweep (e.g. in tests or shutdown).
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for id, e := range s.entries {
		if !now.Before(e.quote.ExpiresAt) {
			delete(s.entries, id)
			if s.persist != nil {
				s.persist.Del(id[:])
			}
			n++
		}
	}
	return n
}

// Len returns the number of live entries, used by the health endpoint.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
