package metricsx

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveQuoteAndSubmit(t *testing.T) {
	m := New()
	m.ObserveQuote(50*time.Millisecond, "OK")
	m.ObserveSubmit(200*time.Millisecond, "SUBMIT_FAILED")

	require.Equal(t, 1, testutil.CollectAndCount(m.QuoteLatency))
	require.Equal(t, 1, testutil.CollectAndCount(m.SubmitLatency))
	require.Equal(t, float64(1), testutil.ToFloat64(m.QuoteOutcomes.WithLabelValues("OK")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.SubmitOutcomes.WithLabelValues("SUBMIT_FAILED")))
}

func TestSetPoolStats(t *testing.T) {
	m := New()
	m.SetPoolStats(3, 5, true)
	require.Equal(t, float64(1), testutil.ToFloat64(m.CircuitOpen))
	require.Equal(t, float64(3), testutil.ToFloat64(m.PoolHealthyCount))
	require.InDelta(t, 0.6, testutil.ToFloat64(m.PoolUtilization), 0.001)
}

func TestSetPoolStatsZeroTotalDoesNotDivideByZero(t *testing.T) {
	m := New()
	m.SetPoolStats(0, 0, false)
	require.Equal(t, float64(0), testutil.ToFloat64(m.PoolUtilization))
}

func TestRecordRateLimitRejection(t *testing.T) {
	m := New()
	m.RecordRateLimitRejection("ip", "submit")
	require.Equal(t, float64(1), testutil.ToFloat64(m.RateLimitRejections.WithLabelValues("ip", "submit")))
}

func TestHandlerServesMetricsEndpoint(t *testing.T) {
	m := New()
	m.SetLiveQuotes(7)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "relayer_live_quotes 7")
}
