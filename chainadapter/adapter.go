// Package chainadapter is the relayer's only window onto the chain itself:
// every other component reasons about balances, blockhashes, and
// transaction outcomes exclusively through the methods here. It is grounded
// on the teacher codebase's JSON-RPC plumbing (utils/rpc/json.go) and
// multi-endpoint dialing conventions, generalized to the ordered
// primary/secondary/fallback endpoint list and per-endpoint circuit
// breaker spec.md §4.5 requires.
package chainadapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/zeyxx/gasdf-relayer/internal/clock"
	"github.com/zeyxx/gasdf-relayer/internal/log"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

func encodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// ErrAllEndpointsUnavailable is returned when every configured endpoint is
// either breaker-open or backed off.
var ErrAllEndpointsUnavailable = errors.New("chainadapter: all endpoints unavailable")

const blockhashCacheTTL = 30 * time.Second

type blockhashCacheEntry struct {
	hash     [32]byte
	cachedAt time.Time
}

// Adapter is the Chain Adapter: C5.
type Adapter struct {
	endpoints []*endpoint
	clock     *clock.Clock
	log       log.Logger

	bhCache *lru.Cache // single entry keyed by bhCacheKey, see latestBlockhash
}

const bhCacheKey = "latest"

// New returns an Adapter dialing urls in priority order: primary first,
// then secondaries, then the public fallback last.
func New(urls []string, opts ...Option) (*Adapter, error) {
	if len(urls) == 0 {
		return nil, errors.New("chainadapter: at least one endpoint is required")
	}
	a := &Adapter{
		clock: clock.New(),
		log:   log.New("component", "chainadapter"),
	}
	for _, opt := range opts {
		opt(a)
	}
	cache, err := lru.New(1)
	if err != nil {
		return nil, fmt.Errorf("chainadapter: allocate blockhash cache: %w", err)
	}
	a.bhCache = cache
	for _, u := range urls {
		a.endpoints = append(a.endpoints, newEndpoint(u, a.clock))
	}
	return a, nil
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock overrides the adapter's time source for deterministic tests.
func WithClock(c *clock.Clock) Option {
	return func(a *Adapter) { a.clock = c }
}

// call tries every available endpoint in priority order, applying each
// endpoint's circuit-breaker and backoff bookkeeping, and returns the first
// success. A 429 or 5xx on one endpoint is not reported to the caller if a
// later endpoint succeeds.
func (a *Adapter) call(ctx context.Context, method string, params, reply interface{}) error {
	var lastErr error
	tried := 0
	for _, ep := range a.endpoints {
		if !ep.available() {
			continue
		}
		tried++
		err := sendJSONRequest(ctx, ep.httpClient, ep.url, method, params, reply)
		if err == nil {
			ep.recordSuccess()
			return nil
		}
		lastErr = err
		switch {
		case errors.Is(err, ErrRateLimited):
			ep.recordRateLimited()
		default:
			ep.recordFailure()
		}
	}
	if tried == 0 {
		return ErrAllEndpointsUnavailable
	}
	return fmt.Errorf("chainadapter: all tried endpoints failed: %w", lastErr)
}

// IsTransient reports whether err looks like a condition worth retrying:
// a timeout, a rate limit, a 5xx, or (callers should additionally check
// only-on-first-attempt) a not-yet-landed blockhash. Used by the submit
// service to decide whether a send failure is worth another attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrAllEndpointsUnavailable) ||
		errors.Is(err, ErrBlockhashNotFound)
}

// LatestBlockhash returns the most recent blockhash, cached for
// blockhashCacheTTL to avoid hammering the endpoint on every quote.
func (a *Adapter) LatestBlockhash(ctx context.Context) ([32]byte, error) {
	if v, ok := a.bhCache.Get(bhCacheKey); ok {
		entry := v.(blockhashCacheEntry)
		if a.clock.Now().Sub(entry.cachedAt) < blockhashCacheTTL {
			return entry.hash, nil
		}
	}

	var reply struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := a.call(ctx, "getLatestBlockhash", []interface{}{}, &reply); err != nil {
		return [32]byte{}, err
	}
	pk, err := txtypes.ParsePubkey(reply.Value.Blockhash)
	if err != nil {
		return [32]byte{}, fmt.Errorf("chainadapter: decode blockhash: %w", err)
	}
	a.bhCache.Add(bhCacheKey, blockhashCacheEntry{hash: pk, cachedAt: a.clock.Now()})
	return pk, nil
}

// IsBlockhashValid checks whether bh is still within the chain's validity
// window.
func (a *Adapter) IsBlockhashValid(ctx context.Context, bh [32]byte) (bool, error) {
	var reply struct {
		Value bool `json:"value"`
	}
	pk := txtypes.Pubkey(bh)
	err := a.call(ctx, "isBlockhashValid", []interface{}{pk.String()}, &reply)
	return reply.Value, err
}

// SimulateResult is the outcome of simulating a transaction, including the
// post-simulation lamport balance of each requested watch account. The
// caller (the submit service, which already knows the fee payer's
// pre-simulation balance from the pool) computes the delta itself for its
// CPI-drain guard.
type SimulateResult struct {
	OK           bool
	Err          string
	PostBalances map[txtypes.Pubkey]int64
}

// Simulate runs signedTx against the chain's simulator without committing
// it, reporting the post-simulation lamport balance of each account in watch.
func (a *Adapter) Simulate(ctx context.Context, tx *txtypes.Transaction, watch []txtypes.Pubkey) (SimulateResult, error) {
	var reply struct {
		Value struct {
			Err       interface{} `json:"err"`
			Accounts  []*struct {
				Lamports uint64 `json:"lamports"`
			} `json:"accounts"`
		} `json:"value"`
	}
	watchStrs := make([]string, len(watch))
	for i, w := range watch {
		watchStrs[i] = w.String()
	}
	params := []interface{}{
		encodeBase64(tx.Serialize()),
		map[string]interface{}{
			"encoding":       "base64",
			"sigVerify":      false,
			"accounts":       map[string]interface{}{"addresses": watchStrs, "encoding": "base64"},
		},
	}
	if err := a.call(ctx, "simulateTransaction", params, &reply); err != nil {
		return SimulateResult{}, err
	}

	res := SimulateResult{
		OK:           reply.Value.Err == nil,
		PostBalances: make(map[txtypes.Pubkey]int64),
	}
	if !res.OK {
		if b, err := json.Marshal(reply.Value.Err); err == nil {
			res.Err = string(b)
		}
	}
	for i, acc := range reply.Value.Accounts {
		if acc == nil || i >= len(watch) {
			continue
		}
		res.PostBalances[watch[i]] = int64(acc.Lamports)
	}
	return res, nil
}

// Send broadcasts signedTx and returns its signature.
func (a *Adapter) Send(ctx context.Context, tx *txtypes.Transaction) (txtypes.Signature, error) {
	var reply struct {
		Value string `json:"value"`
	}
	params := []interface{}{
		encodeBase64(tx.Serialize()),
		map[string]interface{}{"encoding": "base64"},
	}
	if err := a.call(ctx, "sendTransaction", params, &reply); err != nil {
		return txtypes.Signature{}, err
	}
	return txtypes.ParseSignature(reply.Value)
}

// SignatureStatus reports the confirmation status of a previously
// submitted transaction.
type SignatureStatus struct {
	Found         bool
	Confirmations *uint64
	Err           interface{}
}

// SignatureStatus polls the chain for the confirmation status of sig.
func (a *Adapter) SignatureStatus(ctx context.Context, sig txtypes.Signature) (SignatureStatus, error) {
	var reply struct {
		Value []*struct {
			Confirmations *uint64     `json:"confirmations"`
			Err           interface{} `json:"err"`
		} `json:"value"`
	}
	if err := a.call(ctx, "getSignatureStatuses", []interface{}{[]string{sig.String()}}, &reply); err != nil {
		return SignatureStatus{}, err
	}
	if len(reply.Value) == 0 || reply.Value[0] == nil {
		return SignatureStatus{Found: false}, nil
	}
	s := reply.Value[0]
	return SignatureStatus{Found: true, Confirmations: s.Confirmations, Err: s.Err}, nil
}

// BatchBalances fetches the lamport balance of every key in one round trip,
// satisfying the feepayer.BalanceFetcher interface used by Pool's
// background refresh task.
func (a *Adapter) BatchBalances(ctx context.Context, keys []txtypes.Pubkey) (map[txtypes.Pubkey]uint64, error) {
	strs := make([]string, len(keys))
	for i, k := range keys {
		strs[i] = k.String()
	}
	var reply struct {
		Value []*struct {
			Lamports uint64 `json:"lamports"`
		} `json:"value"`
	}
	if err := a.call(ctx, "getMultipleAccounts", []interface{}{strs, map[string]string{"encoding": "base64"}}, &reply); err != nil {
		return nil, err
	}
	out := make(map[txtypes.Pubkey]uint64, len(keys))
	for i, acc := range reply.Value {
		if acc == nil || i >= len(keys) {
			continue
		}
		out[keys[i]] = acc.Lamports
	}
	return out, nil
}
