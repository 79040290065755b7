package chainadapter

import (
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/zeyxx/gasdf-relayer/internal/clock"
)

var (
	// ErrRateLimited reports a 429 from an endpoint; distinct from a breaker
	// trip since the endpoint is reachable, just asking for less traffic.
	ErrRateLimited = errors.New("rpc endpoint returned 429")
	// ErrServerError reports a 5xx from an endpoint.
	ErrServerError = errors.New("rpc endpoint returned 5xx")
	// ErrTimeout wraps a context deadline or network timeout surfaced by the
	// underlying HTTP client.
	ErrTimeout = errors.New("rpc call timed out")
	// ErrBlockhashNotFound is the chain's error string for a send attempted
	// against a blockhash the leader hasn't seen yet; spec.md §4.8 step 11
	// makes this retryable only on the first attempt.
	ErrBlockhashNotFound = errors.New("blockhash not found")
)

const (
	breakerTripThreshold = 3
	breakerOpenDuration  = 15 * time.Second

	backoffBase       = 250 * time.Millisecond
	backoffMax        = 30 * time.Second
	successResetAfter = 10
)

// endpoint tracks one RPC URL's health: a failure-count circuit breaker per
// spec.md §4.5, plus a 429-driven exponential backoff independent of the
// breaker (a rate-limited endpoint is not necessarily unhealthy — it is just
// asking to be called less often).
type endpoint struct {
	url        string
	httpClient *http.Client

	mu                   sync.Mutex
	consecutiveFailures  int
	breakerOpenUntil     time.Time
	backoffExp           int
	backoffUntil         time.Time
	consecutiveSuccesses int

	clock *clock.Clock
}

func newEndpoint(url string, clk *clock.Clock) *endpoint {
	return &endpoint{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		clock:      clk,
	}
}

// available reports whether the endpoint is neither breaker-open nor
// presently serving out a 429 backoff window.
func (e *endpoint) available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	return now.After(e.breakerOpenUntil) && now.After(e.backoffUntil)
}

func (e *endpoint) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures = 0
	e.consecutiveSuccesses++
	if e.consecutiveSuccesses >= successResetAfter {
		e.backoffExp = 0
	}
}

func (e *endpoint) recordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveSuccesses = 0
	e.consecutiveFailures++
	if e.consecutiveFailures >= breakerTripThreshold {
		e.breakerOpenUntil = e.clock.Now().Add(breakerOpenDuration)
	}
}

// recordRateLimited applies exponential backoff with jitter:
// min(base·2^k, 30s). Distinct from recordFailure — a 429 does not itself
// count toward the breaker threshold, since the endpoint is reachable and
// functioning, just asking for less traffic.
func (e *endpoint) recordRateLimited() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveSuccesses = 0
	d := backoffBase << e.backoffExp
	if d > backoffMax || d <= 0 {
		d = backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	e.backoffUntil = e.clock.Now().Add(d + jitter)
	e.backoffExp++
}
