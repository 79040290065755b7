package oraclebackend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeyxx/gasdf-relayer/oracle"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

func testMint() txtypes.Pubkey {
	var pk txtypes.Pubkey
	pk[0] = 7
	return pk
}

func TestFeeInToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fee", r.URL.Path)
		_ = json.NewEncoder(w).Encode(feeResponse{Value: "123456", Symbol: "USDC", Decimals: 6})
	}))
	defer srv.Close()

	b := New(srv.URL)
	amt, err := b.FeeInToken(context.Background(), testMint(), 5000)
	require.NoError(t, err)
	require.Equal(t, "123456", amt.Value.String())
	require.Equal(t, "USDC", amt.Symbol)
}

func TestTokenAcceptance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/accepted/")
		_ = json.NewEncoder(w).Encode(acceptanceResponse{Accepted: true, Reason: "trusted"})
	}))
	defer srv.Close()

	b := New(srv.URL)
	acc, err := b.TokenAcceptance(context.Background(), testMint())
	require.NoError(t, err)
	require.True(t, acc.Accepted)
	require.Equal(t, oracle.ReasonTrusted, acc.Reason)
}

func TestUserDiscount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/discount/")
		require.Equal(t, "quote", r.URL.Query().Get("operation"))
		_ = json.NewEncoder(w).Encode(discountResponse{Discount: 0.25})
	}))
	defer srv.Close()

	b := New(srv.URL)
	d, err := b.UserDiscount(context.Background(), testMint(), "quote")
	require.NoError(t, err)
	require.Equal(t, 0.25, d)
}

func TestNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := New(srv.URL)
	_, err := b.FeeInToken(context.Background(), testMint(), 5000)
	require.Error(t, err)
}
