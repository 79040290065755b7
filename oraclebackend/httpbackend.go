// Package oraclebackend is the default oracle.Backend: a thin JSON-over-HTTP
// client against a single pricing/reputation service. Grounded on the
// chainadapter package's sendJSONRequest idiom (a single http.Client,
// context-scoped timeout, status-code-to-sentinel-error mapping),
// generalized from JSON-RPC framing to plain REST endpoints since the
// upstream service here is not a Solana RPC node.
package oraclebackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/zeyxx/gasdf-relayer/oracle"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

// defaultTimeout bounds every outbound call; oracle.Gateway additionally
// enforces its own callTimeout around Backend methods, so this is a safety
// net rather than the primary bound.
const defaultTimeout = 5 * time.Second

// HTTPBackend implements oracle.Backend against a single base URL exposing
// three JSON endpoints: POST {base}/fee, GET {base}/accepted/{mint}, and
// GET {base}/discount/{userKey}?operation=....
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// New returns an HTTPBackend calling out to baseURL.
func New(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

type feeRequest struct {
	Mint           string `json:"mint"`
	NativeLamports uint64 `json:"nativeLamports"`
}

type feeResponse struct {
	Value    string `json:"value"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// FeeInToken converts nativeLamports into mint's base units.
func (b *HTTPBackend) FeeInToken(ctx context.Context, mint txtypes.Pubkey, nativeLamports uint64) (oracle.Amount, error) {
	var resp feeResponse
	body, err := json.Marshal(feeRequest{Mint: mint.String(), NativeLamports: nativeLamports})
	if err != nil {
		return oracle.Amount{}, fmt.Errorf("oraclebackend: encode fee request: %w", err)
	}
	if err := b.post(ctx, "/fee", body, &resp); err != nil {
		return oracle.Amount{}, err
	}
	value, ok := new(big.Int).SetString(resp.Value, 10)
	if !ok {
		return oracle.Amount{}, fmt.Errorf("oraclebackend: malformed fee amount %q", resp.Value)
	}
	return oracle.Amount{Value: value, Symbol: resp.Symbol, Decimals: resp.Decimals}, nil
}

type acceptanceResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// TokenAcceptance reports whether mint may be used as a payment token.
func (b *HTTPBackend) TokenAcceptance(ctx context.Context, mint txtypes.Pubkey) (oracle.Acceptance, error) {
	var resp acceptanceResponse
	path := "/accepted/" + url.PathEscape(mint.String())
	if err := b.get(ctx, path, &resp); err != nil {
		return oracle.Acceptance{}, err
	}
	return oracle.Acceptance{Accepted: resp.Accepted, Reason: oracle.AcceptanceReason(resp.Reason)}, nil
}

type discountResponse struct {
	Discount float64 `json:"discount"`
}

// UserDiscount returns the fractional discount userKey earns for operation.
func (b *HTTPBackend) UserDiscount(ctx context.Context, userKey txtypes.Pubkey, operation string) (float64, error) {
	var resp discountResponse
	path := "/discount/" + url.PathEscape(userKey.String()) + "?operation=" + url.QueryEscape(operation)
	if err := b.get(ctx, path, &resp); err != nil {
		return 0, err
	}
	return resp.Discount, nil
}

func (b *HTTPBackend) get(ctx context.Context, path string, reply interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("oraclebackend: build request: %w", err)
	}
	return b.do(req, reply)
}

func (b *HTTPBackend) post(ctx context.Context, path string, body []byte, reply interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("oraclebackend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, reply)
}

func (b *HTTPBackend) do(req *http.Request, reply interface{}) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("oraclebackend: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oraclebackend: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(reply)
}
