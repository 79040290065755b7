// Package apiserver is the relayer's HTTP framing layer: it decodes
// requests, calls into quotesvc/submitsvc, and encodes spec.md §6's
// response and error envelopes. Grounded on the teacher codebase's
// internal/ethapi request/response shaping combined with the cmd/evm-node
// style of a single composition root wiring a net/http mux — here
// gorilla/mux, since spec.md §6's routes need named path parameters
// (`{mint}`) net/http's own ServeMux (pre-1.22 pattern syntax, which the
// teacher's go.mod line predates) does not support.
package apiserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/mr-tron/base58"

	"github.com/zeyxx/gasdf-relayer/feepayer"
	"github.com/zeyxx/gasdf-relayer/internal/log"
	"github.com/zeyxx/gasdf-relayer/internal/relayerr"
	"github.com/zeyxx/gasdf-relayer/oracle"
	"github.com/zeyxx/gasdf-relayer/quotesvc"
	"github.com/zeyxx/gasdf-relayer/quotestore"
	"github.com/zeyxx/gasdf-relayer/submitsvc"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

// QuoteService is the subset of *quotesvc.Service the server depends on.
type QuoteService interface {
	Quote(ctx context.Context, req quotesvc.Request) (quotestore.Quote, error)
}

// SubmitService is the subset of *submitsvc.Service the server depends on.
type SubmitService interface {
	Submit(ctx context.Context, req submitsvc.Request) (submitsvc.Result, error)
}

// Oracle is the subset of *oracle.Gateway the /v1/tokens endpoints depend on.
type Oracle interface {
	IsTokenAccepted(ctx context.Context, mint txtypes.Pubkey) oracle.Acceptance
}

// Pool is the subset of *feepayer.Pool the health/stats endpoints depend on.
type Pool interface {
	Healthy() bool
	Snapshot() []feepayer.Snapshot
}

// Store is the subset of *quotestore.Store the health endpoint depends on.
type Store interface {
	Len() int
}

// Chain is the subset of *chainadapter.Adapter the health endpoint depends
// on; fetching the latest blockhash is a cheap round-trip probe that
// exercises the same RPC path a real health check would.
type Chain interface {
	LatestBlockhash(ctx context.Context) ([32]byte, error)
}

// AcceptedMints is the configured allowlist /v1/tokens returns; spec.md §6
// documents it as a relayer-operated list, not something the oracle itself
// enumerates.
type AcceptedMints interface {
	List() []txtypes.Pubkey
}

// Metrics is the subset of *metricsx.Metrics the server reports into.
// Left nil-able: a Server built without one (e.g. in unit tests) simply
// skips recording.
type Metrics interface {
	ObserveQuote(d time.Duration, code string)
	ObserveSubmit(d time.Duration, code string)
	RecordRateLimitRejection(scope, event string)
}

// Server is the HTTP framing layer sitting in front of the relayer's
// composed services.
type Server struct {
	quote   QuoteService
	submit  SubmitService
	oracle  Oracle
	pool    Pool
	store   Store
	chain   Chain
	mints   AcceptedMints
	metrics Metrics
	log     log.Logger

	metricsAPIKey   string
	network         string
	treasuryAddress string
	startedAt       time.Time

	// totalSubmits counts successful sends, spec.md §6's /v1/stats
	// totalTransactions field. totalBurned is not tracked here: the
	// buy-and-burn worker that actually moves treasury funds is an external
	// collaborator (spec.md §1's out-of-scope swap-and-burn worker) and is
	// the authoritative source for that figure; this server only reports
	// the treasury address it pays into.
	totalSubmits atomic.Int64
}

// New returns a Server; call Handler to obtain the http.Handler to serve.
// metrics may be nil. network is spec.md §6's NETWORK config value
// (mainnet or devnet), used to report /v1/health's network field and to
// build cluster-qualified explorer links in /v1/submit's response.
func New(quote QuoteService, submit SubmitService, og Oracle, pool Pool, store Store, chain Chain, mints AcceptedMints, metrics Metrics, metricsAPIKey string, network string) *Server {
	return &Server{
		quote:         quote,
		submit:        submit,
		oracle:        og,
		pool:          pool,
		store:         store,
		chain:         chain,
		mints:         mints,
		metrics:       metrics,
		metricsAPIKey: metricsAPIKey,
		network:       network,
		log:           log.New("component", "apiserver"),
		startedAt:     time.Now(),
	}
}

// WithTreasuryAddress sets the base58 treasury address /v1/stats reports.
// Optional: a Server built without it simply omits the field.
func (s *Server) WithTreasuryAddress(addr string) *Server {
	s.treasuryAddress = addr
	return s
}

// Handler builds the routed mux, including the deprecated unversioned alias
// paths spec.md §6 requires to carry Deprecation/Sunset headers.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(tracingMiddleware)

	v1 := r.PathPrefix("/v1").Subrouter()
	s.mountRoutes(v1)

	legacy := r.NewRoute().Subrouter()
	legacy.Use(deprecationMiddleware)
	s.mountRoutes(legacy)

	return r
}

func (s *Server) mountRoutes(r *mux.Router) {
	r.HandleFunc("/quote", s.handleQuote).Methods(http.MethodPost)
	r.HandleFunc("/submit", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/tokens", s.handleTokens).Methods(http.MethodGet)
	r.HandleFunc("/tokens/{mint}/check", s.handleTokenCheck).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// errorResponse is spec.md §6's error envelope.
type errorResponse struct {
	Error      string   `json:"error"`
	Code       string   `json:"code"`
	RequestID  string   `json:"requestId,omitempty"`
	RetryAfter int      `json:"retryAfter,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	rerr, ok := err.(*relayerr.Error)
	if !ok {
		rerr = relayerr.ErrQuoteFailed
	}
	resp := errorResponse{
		Error:     rerr.Message,
		Code:      rerr.Code,
		RequestID: w.Header().Get("X-Request-Id"),
		Reasons:   rerr.Reasons,
	}
	if rerr.RetryAfter > 0 {
		secs := int(rerr.RetryAfter.Seconds())
		resp.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rerr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		return xf
	}
	return r.RemoteAddr
}

func decodeTxBytes(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// explorerURL builds a Solana Explorer link for a submitted signature,
// qualified with the relayer's configured cluster when it isn't mainnet.
func (s *Server) explorerURL(sig string) string {
	url := "https://explorer.solana.com/tx/" + sig
	if s.network != "" && s.network != "mainnet" {
		url += "?cluster=" + s.network
	}
	return url
}

// newRequestID returns an opaque correlation id, base58-encoded like every
// other identifier spec.md §6 puts on the wire.
func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("apiserver: failed to read random bytes: " + err.Error())
	}
	return base58.Encode(b[:])
}
