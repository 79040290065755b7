package apiserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeyxx/gasdf-relayer/feepayer"
	"github.com/zeyxx/gasdf-relayer/internal/relayerr"
	"github.com/zeyxx/gasdf-relayer/oracle"
	"github.com/zeyxx/gasdf-relayer/quoteid"
	"github.com/zeyxx/gasdf-relayer/quotesvc"
	"github.com/zeyxx/gasdf-relayer/quotestore"
	"github.com/zeyxx/gasdf-relayer/submitsvc"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

type fakeQuoteSvc struct {
	quote quotestore.Quote
	err   error
}

func (f *fakeQuoteSvc) Quote(ctx context.Context, req quotesvc.Request) (quotestore.Quote, error) {
	return f.quote, f.err
}

type fakeSubmitSvc struct {
	result submitsvc.Result
	err    error
}

func (f *fakeSubmitSvc) Submit(ctx context.Context, req submitsvc.Request) (submitsvc.Result, error) {
	return f.result, f.err
}

type fakeOracle struct{ acceptance oracle.Acceptance }

func (f *fakeOracle) IsTokenAccepted(ctx context.Context, mint txtypes.Pubkey) oracle.Acceptance {
	return f.acceptance
}

type fakePool struct {
	healthy  bool
	snapshot []feepayer.Snapshot
}

func (f *fakePool) Healthy() bool                 { return f.healthy }
func (f *fakePool) Snapshot() []feepayer.Snapshot { return f.snapshot }

type fakeStore struct{ n int }

func (f *fakeStore) Len() int { return f.n }

type fakeChain struct{ err error }

func (f *fakeChain) LatestBlockhash(ctx context.Context) ([32]byte, error) {
	return [32]byte{}, f.err
}

func testPubkey(b byte) txtypes.Pubkey {
	var pk txtypes.Pubkey
	pk[0] = b
	return pk
}

type fakeMetrics struct {
	quoteObserved  int
	submitObserved int
	rejections     int
}

func (f *fakeMetrics) ObserveQuote(d time.Duration, code string)    { f.quoteObserved++ }
func (f *fakeMetrics) ObserveSubmit(d time.Duration, code string)   { f.submitObserved++ }
func (f *fakeMetrics) RecordRateLimitRejection(scope, event string) { f.rejections++ }

func newTestServer(qs QuoteService, ss SubmitService) *Server {
	return New(qs, ss, &fakeOracle{acceptance: oracle.Acceptance{Accepted: true}},
		&fakePool{healthy: true}, &fakeStore{n: 3}, &fakeChain{}, NewStaticMintList([]txtypes.Pubkey{testPubkey(1)}), nil, "", "devnet")
}

func TestHandleQuoteHappyPath(t *testing.T) {
	id := quoteid.New()
	qs := &fakeQuoteSvc{quote: quotestore.Quote{
		ID:                    id,
		FeePayerKey:           testPubkey(2),
		FeeAmountNative:       1000,
		FeeAmountPaymentToken: "5000",
		PaymentMint:           testPubkey(1),
		CreatedAt:             time.Now(),
		ExpiresAt:             time.Now().Add(time.Minute),
		KTier:                 "gold",
		ComputeUnitEstimate:   200000,
	}}
	srv := newTestServer(qs, &fakeSubmitSvc{})

	body, _ := json.Marshal(quoteRequestBody{UserKey: testPubkey(3).String(), PaymentMint: testPubkey(1).String()})
	req := httptest.NewRequest(http.MethodPost, "/v1/quote", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp quoteResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, id.String(), resp.ID)
	require.Equal(t, "gold", resp.KTier)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHandleQuoteRejectsInvalidUserKey(t *testing.T) {
	srv := newTestServer(&fakeQuoteSvc{}, &fakeSubmitSvc{})
	body, _ := json.Marshal(quoteRequestBody{UserKey: "not-base58!!", PaymentMint: testPubkey(1).String()})
	req := httptest.NewRequest(http.MethodPost, "/v1/quote", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleQuotePropagatesServiceError(t *testing.T) {
	srv := newTestServer(&fakeQuoteSvc{err: relayerr.ErrTokenNotAccepted}, &fakeSubmitSvc{})
	body, _ := json.Marshal(quoteRequestBody{UserKey: testPubkey(3).String(), PaymentMint: testPubkey(1).String()})
	req := httptest.NewRequest(http.MethodPost, "/v1/quote", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	require.Equal(t, "TOKEN_NOT_ACCEPTED", errResp.Code)
}

func TestHandleSubmitHappyPath(t *testing.T) {
	sig := txtypes.Signature{9, 9}
	ss := &fakeSubmitSvc{result: submitsvc.Result{Signature: sig, Attempts: 2}}
	srv := newTestServer(&fakeQuoteSvc{}, ss)

	id := quoteid.New()
	body, _ := json.Marshal(submitRequestBody{
		QuoteID:  id.String(),
		SignedTx: base64.StdEncoding.EncodeToString([]byte("fake-tx-bytes")),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/submit", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp submitResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Attempts)
	require.Equal(t, sig.String(), resp.Signature)
	require.Equal(t, "submitted", resp.Status)
	require.Contains(t, resp.Explorer, sig.String())
	require.Contains(t, resp.Explorer, "cluster=devnet")
}

func TestHandleStatsReportsTreasuryAndTransactionCount(t *testing.T) {
	ss := &fakeSubmitSvc{result: submitsvc.Result{Signature: txtypes.Signature{1}, Attempts: 1}}
	srv := newTestServer(&fakeQuoteSvc{}, ss).WithTreasuryAddress("TreasuryPubkey111111111111111111111111111")

	submitBody, _ := json.Marshal(submitRequestBody{
		QuoteID:  quoteid.New().String(),
		SignedTx: base64.StdEncoding.EncodeToString([]byte("fake-tx-bytes")),
	})
	submitReq := httptest.NewRequest(http.MethodPost, "/v1/submit", bytes.NewReader(submitBody))
	srv.Handler().ServeHTTP(httptest.NewRecorder(), submitReq)

	statsReq := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, statsReq)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 1, resp["totalTransactions"])
	treasury, ok := resp["treasury"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "TreasuryPubkey111111111111111111111111111", treasury["address"])
}

func TestHandleSubmitRejectsMalformedQuoteID(t *testing.T) {
	srv := newTestServer(&fakeQuoteSvc{}, &fakeSubmitSvc{})
	body, _ := json.Marshal(submitRequestBody{QuoteID: "not-hex", SignedTx: "AA=="})
	req := httptest.NewRequest(http.MethodPost, "/v1/submit", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTokens(t *testing.T) {
	srv := newTestServer(&fakeQuoteSvc{}, &fakeSubmitSvc{})
	req := httptest.NewRequest(http.MethodGet, "/v1/tokens", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body["tokens"], 1)
}

func TestHandleTokenCheck(t *testing.T) {
	srv := newTestServer(&fakeQuoteSvc{}, &fakeSubmitSvc{})
	req := httptest.NewRequest(http.MethodGet, "/v1/tokens/"+testPubkey(1).String()+"/check", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealthReportsUnavailableWhenChainErrors(t *testing.T) {
	qs := &fakeQuoteSvc{}
	ss := &fakeSubmitSvc{}
	srv := New(qs, ss, &fakeOracle{}, &fakePool{healthy: true}, &fakeStore{}, &fakeChain{err: context.DeadlineExceeded}, NewStaticMintList(nil), nil, "", "devnet")
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, "devnet", body["network"])
	checks, ok := body["checks"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, false, checks["rpc"])
	require.Equal(t, true, checks["feePayer"])
}

func TestLegacyRouteCarriesDeprecationHeaders(t *testing.T) {
	srv := newTestServer(&fakeQuoteSvc{}, &fakeSubmitSvc{})
	req := httptest.NewRequest(http.MethodGet, "/tokens", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, "true", rec.Header().Get("Deprecation"))
	require.NotEmpty(t, rec.Header().Get("Sunset"))
}

func TestMetricsAreRecordedOnQuoteAndSubmit(t *testing.T) {
	id := quoteid.New()
	qs := &fakeQuoteSvc{quote: quotestore.Quote{ID: id}}
	ss := &fakeSubmitSvc{result: submitsvc.Result{Signature: txtypes.Signature{1}, Attempts: 1}}
	metrics := &fakeMetrics{}
	srv := New(qs, ss, &fakeOracle{acceptance: oracle.Acceptance{Accepted: true}},
		&fakePool{healthy: true}, &fakeStore{}, &fakeChain{}, NewStaticMintList(nil), metrics, "", "devnet")

	qbody, _ := json.Marshal(quoteRequestBody{UserKey: testPubkey(3).String(), PaymentMint: testPubkey(1).String()})
	req := httptest.NewRequest(http.MethodPost, "/v1/quote", bytes.NewReader(qbody))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, 1, metrics.quoteObserved)

	sbody, _ := json.Marshal(submitRequestBody{QuoteID: quoteid.New().String(), SignedTx: "AA=="})
	req2 := httptest.NewRequest(http.MethodPost, "/v1/submit", bytes.NewReader(sbody))
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req2)
	require.Equal(t, 1, metrics.submitObserved)
}

func TestTracingMiddlewareEchoesRequestID(t *testing.T) {
	srv := newTestServer(&fakeQuoteSvc{}, &fakeSubmitSvc{})
	req := httptest.NewRequest(http.MethodGet, "/v1/tokens", nil)
	req.Header.Set("X-Request-Id", "caller-supplied-id")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-supplied-id", rec.Header().Get("X-Request-Id"))
}
