package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zeyxx/gasdf-relayer/internal/relayerr"
	"github.com/zeyxx/gasdf-relayer/quoteid"
	"github.com/zeyxx/gasdf-relayer/quotesvc"
	"github.com/zeyxx/gasdf-relayer/submitsvc"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

type quoteRequestBody struct {
	UserKey             string  `json:"userKey"`
	PaymentMint         string  `json:"paymentMint"`
	ComputeUnitEstimate *uint32 `json:"computeUnitEstimate,omitempty"`
}

type quoteResponseBody struct {
	ID                    string    `json:"id"`
	FeePayerKey           string    `json:"feePayerKey"`
	FeeAmountNative       uint64    `json:"feeAmountNative"`
	FeeAmountPaymentToken string    `json:"feeAmountPaymentToken"`
	PaymentMint           string    `json:"paymentMint"`
	CreatedAt             time.Time `json:"createdAt"`
	ExpiresAt             time.Time `json:"expiresAt"`
	KTier                 string    `json:"kTier"`
	ComputeUnitEstimate   uint32    `json:"computeUnitEstimate"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body quoteRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.finishQuote(start, "MALFORMED_REQUEST")
		writeError(w, relayerr.ErrQuoteFailed.WithReasons([]string{"malformed request body"}))
		return
	}
	userKey, err := txtypes.ParsePubkey(body.UserKey)
	if err != nil {
		s.finishQuote(start, "MALFORMED_REQUEST")
		writeError(w, relayerr.ErrQuoteFailed.WithReasons([]string{"invalid userKey"}))
		return
	}
	mint, err := txtypes.ParsePubkey(body.PaymentMint)
	if err != nil {
		s.finishQuote(start, "TOKEN_NOT_ACCEPTED")
		writeError(w, relayerr.ErrTokenNotAccepted.WithReasons([]string{"invalid paymentMint"}))
		return
	}

	q, err := s.quote.Quote(r.Context(), quotesvc.Request{
		UserKey:             userKey,
		PaymentMint:         mint,
		ComputeUnitEstimate: body.ComputeUnitEstimate,
		IP:                  clientIP(r),
	})
	if err != nil {
		s.finishQuote(start, errorCode(err))
		s.recordRateLimitMetric(err)
		writeError(w, err)
		return
	}
	s.finishQuote(start, "OK")

	writeJSON(w, http.StatusOK, quoteResponseBody{
		ID:                    q.ID.String(),
		FeePayerKey:           q.FeePayerKey.String(),
		FeeAmountNative:       q.FeeAmountNative,
		FeeAmountPaymentToken: q.FeeAmountPaymentToken,
		PaymentMint:           q.PaymentMint.String(),
		CreatedAt:             q.CreatedAt,
		ExpiresAt:             q.ExpiresAt,
		KTier:                 q.KTier,
		ComputeUnitEstimate:   q.ComputeUnitEstimate,
	})
}

type submitRequestBody struct {
	QuoteID        string `json:"quoteId"`
	SignedTx       string `json:"signedTransaction"`
	ClaimedUserKey string `json:"userKey"`
}

type submitResponseBody struct {
	Signature string `json:"signature"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Explorer  string `json:"explorer,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.finishSubmit(start, "INVALID_TX_FORMAT")
		writeError(w, relayerr.ErrInvalidTxFormat)
		return
	}
	id, err := quoteid.Parse(body.QuoteID)
	if err != nil {
		s.finishSubmit(start, "QUOTE_NOT_FOUND")
		writeError(w, relayerr.ErrQuoteNotFound)
		return
	}
	txBytes, err := decodeTxBytes(body.SignedTx)
	if err != nil {
		s.finishSubmit(start, "INVALID_TX_FORMAT")
		writeError(w, relayerr.ErrInvalidTxFormat)
		return
	}
	var userKey txtypes.Pubkey
	if body.ClaimedUserKey != "" {
		userKey, err = txtypes.ParsePubkey(body.ClaimedUserKey)
		if err != nil {
			s.finishSubmit(start, "INVALID_TX_FORMAT")
			writeError(w, relayerr.ErrInvalidTxFormat)
			return
		}
	}

	res, err := s.submit.Submit(r.Context(), submitsvc.Request{
		QuoteID:        id,
		SignedTxBytes:  txBytes,
		ClaimedUserKey: userKey,
		IP:             clientIP(r),
	})
	if err != nil {
		s.finishSubmit(start, errorCode(err))
		s.recordRateLimitMetric(err)
		writeError(w, err)
		return
	}
	s.finishSubmit(start, "OK")
	s.totalSubmits.Add(1)
	writeJSON(w, http.StatusOK, submitResponseBody{
		Signature: res.Signature.String(),
		Status:    "submitted",
		Attempts:  res.Attempts,
		Explorer:  s.explorerURL(res.Signature.String()),
	})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	mints := s.mints.List()
	out := make([]string, 0, len(mints))
	for _, m := range mints {
		out = append(out, m.String())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": out})
}

func (s *Server) handleTokenCheck(w http.ResponseWriter, r *http.Request) {
	mintStr := mux.Vars(r)["mint"]
	mint, err := txtypes.ParsePubkey(mintStr)
	if err != nil {
		writeError(w, relayerr.ErrTokenNotAccepted.WithReasons([]string{"invalid mint"}))
		return
	}
	acc := s.oracle.IsTokenAccepted(r.Context(), mint)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mint":     mint.String(),
		"accepted": acc.Accepted,
		"reason":   acc.Reason,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.pool.Snapshot()
	payers := make([]map[string]interface{}, 0, len(snap))
	for _, p := range snap {
		payers = append(payers, map[string]interface{}{
			"key":             p.Key.String(),
			"observedBalance": p.ObservedBalance,
			"balanceStale":    p.BalanceStale,
			"rotation":        p.Rotation.String(),
			"unhealthy":       p.Unhealthy,
			"reserved":        p.Reserved,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptimeSeconds":     int(time.Since(s.startedAt).Seconds()),
		"liveQuotes":        s.store.Len(),
		"payers":            payers,
		"totalTransactions": s.totalSubmits.Load(),
		// totalBurned is owned by the external buy-and-burn worker; this
		// relayer only reports where its collected fees are heading.
		"treasury": map[string]interface{}{
			"address": s.treasuryAddress,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	poolOK := s.pool.Healthy()
	_, chainErr := s.chain.LatestBlockhash(r.Context())
	rpcOK := chainErr == nil

	status := "ok"
	httpStatus := http.StatusOK
	if !poolOK || !rpcOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]interface{}{
		"status":  status,
		"network": s.network,
		"checks": map[string]bool{
			"rpc":      rpcOK,
			"store":    true,
			"feePayer": poolOK,
		},
	})
}

func (s *Server) finishQuote(start time.Time, code string) {
	if s.metrics != nil {
		s.metrics.ObserveQuote(time.Since(start), code)
	}
}

func (s *Server) finishSubmit(start time.Time, code string) {
	if s.metrics != nil {
		s.metrics.ObserveSubmit(time.Since(start), code)
	}
}

func (s *Server) recordRateLimitMetric(err error) {
	if s.metrics == nil {
		return
	}
	rerr, ok := err.(*relayerr.Error)
	if !ok {
		return
	}
	switch rerr.Code {
	case "IP_RATE_LIMITED":
		s.metrics.RecordRateLimitRejection("ip", "request")
	case "WALLET_RATE_LIMITED":
		s.metrics.RecordRateLimitRejection("wallet", "request")
	}
}

func errorCode(err error) string {
	if rerr, ok := err.(*relayerr.Error); ok {
		return rerr.Code
	}
	return "UNKNOWN"
}
