// Package config loads the relayer's runtime configuration from environment
// variables (with a thin flag layer over the same keys), grounded on the
// teacher codebase's cmd/utils flag-bundle convention and built on
// spf13/viper + spf13/pflag for the env/flag binding itself. Every key here
// is spec.md §6's documented config surface, plus ORACLE_URL: the oracle
// gateway is an out-of-scope external collaborator per spec.md §1, but it
// still needs some endpoint to call, and the documented surface doesn't
// name one.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zeyxx/gasdf-relayer/feepayer"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

// Defaults mirror spec.md §6 exactly.
const (
	DefaultQuoteTTLSeconds           = 60
	DefaultReservationTTLMs          = 90_000
	DefaultMinHealthyBalanceLamports = 50_000_000
	DefaultMaxReservationsPerPayer   = 50
	DefaultListenAddr                = ":8080"
)

// Config is the fully parsed, validated configuration the relayer's
// composition root (cmd/relayer) builds every component from.
type Config struct {
	FeePayerKeys              []*feepayer.SigningKey
	TreasuryAddress           txtypes.Pubkey
	RPCURLs                   []string
	StoreURL                  string
	OracleURL                 string
	Network                   string
	BaseFeeLamports           uint64
	NetworkFeeLamports        uint64
	QuoteTTL                  time.Duration
	ReservationTTL            time.Duration
	MinHealthyBalanceLamports uint64
	MaxReservationsPerPayer   int
	AllowedOrigins            []string
	MetricsAPIKey             string
	ListenAddr                string

	RateLimit RateLimitOverrides
}

// RateLimitOverrides carries spec.md §6's optional per-minute overrides;
// a zero field means "use ratelimit.DefaultConfig()'s value".
type RateLimitOverrides struct {
	GlobalIPPerMin     int
	QuoteIPPerMin      int
	SubmitIPPerMin     int
	QuoteWalletPerMin  int
	SubmitWalletPerMin int
}

// Load reads the process environment (and, if argv is non-nil, flags
// overriding the same keys) into a validated Config. It fails closed: any
// missing required key or malformed value is returned as an error rather
// than silently defaulted, since a relayer holding private keys must never
// start half-configured.
func Load(argv []string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	fs := pflag.NewFlagSet("relayer", pflag.ContinueOnError)
	fs.String("listen-addr", DefaultListenAddr, "HTTP listen address")
	fs.String("network", "", "mainnet or devnet")
	if argv != nil {
		if err := fs.Parse(argv); err != nil {
			return nil, fmt.Errorf("config: parse flags: %w", err)
		}
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	v.SetDefault("QUOTE_TTL_SECONDS", DefaultQuoteTTLSeconds)
	v.SetDefault("RESERVATION_TTL_MS", DefaultReservationTTLMs)
	v.SetDefault("MIN_HEALTHY_BALANCE_LAMPORTS", DefaultMinHealthyBalanceLamports)
	v.SetDefault("MAX_RESERVATIONS_PER_PAYER", DefaultMaxReservationsPerPayer)
	v.SetDefault("listen-addr", DefaultListenAddr)

	v.SetDefault("ORACLE_URL", "http://localhost:8090")

	cfg := &Config{
		StoreURL:                  v.GetString("STORE_URL"),
		OracleURL:                 v.GetString("ORACLE_URL"),
		Network:                   firstNonEmpty(v.GetString("NETWORK"), v.GetString("network")),
		BaseFeeLamports:           v.GetUint64("BASE_FEE_LAMPORTS"),
		NetworkFeeLamports:        v.GetUint64("NETWORK_FEE_LAMPORTS"),
		QuoteTTL:                  time.Duration(v.GetInt64("QUOTE_TTL_SECONDS")) * time.Second,
		ReservationTTL:            time.Duration(v.GetInt64("RESERVATION_TTL_MS")) * time.Millisecond,
		MinHealthyBalanceLamports: v.GetUint64("MIN_HEALTHY_BALANCE_LAMPORTS"),
		MaxReservationsPerPayer:   v.GetInt("MAX_RESERVATIONS_PER_PAYER"),
		MetricsAPIKey:             v.GetString("METRICS_API_KEY"),
		ListenAddr:                firstNonEmpty(v.GetString("listen-addr"), DefaultListenAddr),
	}

	if cfg.Network == "" {
		cfg.Network = "mainnet"
	}
	if cfg.Network != "mainnet" && cfg.Network != "devnet" {
		return nil, fmt.Errorf("config: NETWORK must be mainnet or devnet, got %q", cfg.Network)
	}

	treasury := v.GetString("TREASURY_ADDRESS")
	if treasury == "" {
		return nil, fmt.Errorf("config: TREASURY_ADDRESS is required")
	}
	pk, err := txtypes.ParsePubkey(treasury)
	if err != nil {
		return nil, fmt.Errorf("config: TREASURY_ADDRESS: %w", err)
	}
	cfg.TreasuryAddress = pk

	rpcURLs := splitList(v.GetString("RPC_URLS"))
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("config: RPC_URLS is required")
	}
	cfg.RPCURLs = rpcURLs

	keyStrs := splitList(v.GetString("FEE_PAYER_PRIVATE_KEYS"))
	if len(keyStrs) == 0 {
		return nil, fmt.Errorf("config: FEE_PAYER_PRIVATE_KEYS is required")
	}
	keys := make([]*feepayer.SigningKey, 0, len(keyStrs))
	for i, s := range keyStrs {
		sk, err := feepayer.NewSigningKeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("config: FEE_PAYER_PRIVATE_KEYS[%d]: %w", i, err)
		}
		keys = append(keys, sk)
	}
	cfg.FeePayerKeys = keys

	cfg.AllowedOrigins = splitList(v.GetString("ALLOWED_ORIGINS"))

	cfg.RateLimit = RateLimitOverrides{
		GlobalIPPerMin:     v.GetInt("RATE_LIMIT_GLOBAL_IP_PER_MIN"),
		QuoteIPPerMin:      v.GetInt("RATE_LIMIT_QUOTE_IP_PER_MIN"),
		SubmitIPPerMin:     v.GetInt("RATE_LIMIT_SUBMIT_IP_PER_MIN"),
		QuoteWalletPerMin:  v.GetInt("RATE_LIMIT_QUOTE_WALLET_PER_MIN"),
		SubmitWalletPerMin: v.GetInt("RATE_LIMIT_SUBMIT_WALLET_PER_MIN"),
	}

	if cfg.QuoteTTL < 30*time.Second || cfg.QuoteTTL > 120*time.Second {
		return nil, fmt.Errorf("config: QUOTE_TTL_SECONDS must be within [30,120], got %s", cfg.QuoteTTL)
	}
	if cfg.ReservationTTL < cfg.QuoteTTL {
		return nil, fmt.Errorf("config: RESERVATION_TTL_MS must be >= QUOTE_TTL_SECONDS")
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// splitList accepts either a comma-separated string or a JSON-ish
// bracketed list and returns the trimmed, non-empty elements. spec.md §6
// documents RPC_URLS/FEE_PAYER_PRIVATE_KEYS/ALLOWED_ORIGINS as "lists"
// without mandating a single encoding, so both common shapes are accepted.
func splitList(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"'`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
