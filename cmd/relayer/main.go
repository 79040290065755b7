// relayer is the gasless-relay daemon: it wires together the fee-payer
// pool, quote store, replay set, chain adapter, oracle gateway, rate
// limiter, and audit log behind an HTTP surface, and runs the background
// maintenance tasks spec.md §5 names. Structured as a single urfave/cli/v2
// app, following the teacher codebase's cmd/evm-node composition-root
// pattern (App.Before installs the logger, App.Action builds and runs
// everything else).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/zeyxx/gasdf-relayer/auditlog"
	"github.com/zeyxx/gasdf-relayer/chainadapter"
	"github.com/zeyxx/gasdf-relayer/feepayer"
	"github.com/zeyxx/gasdf-relayer/internal/apiserver"
	"github.com/zeyxx/gasdf-relayer/internal/clock"
	"github.com/zeyxx/gasdf-relayer/internal/config"
	"github.com/zeyxx/gasdf-relayer/internal/log"
	"github.com/zeyxx/gasdf-relayer/metricsx"
	"github.com/zeyxx/gasdf-relayer/oracle"
	"github.com/zeyxx/gasdf-relayer/oraclebackend"
	"github.com/zeyxx/gasdf-relayer/quotesvc"
	"github.com/zeyxx/gasdf-relayer/quotestore"
	"github.com/zeyxx/gasdf-relayer/ratelimit"
	"github.com/zeyxx/gasdf-relayer/replayset"
	"github.com/zeyxx/gasdf-relayer/submitsvc"
)

const clientIdentifier = "relayer"

var app = &cli.App{
	Name:    clientIdentifier,
	Usage:   "gasless Solana-family transaction relayer",
	Version: "1.0.0",
}

func init() {
	app.Action = run
	app.Before = func(ctx *cli.Context) error {
		log.SetDefault(log.New("component", "relayer"))
		return nil
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// replayTTL bounds how long a successfully-sent fingerprint is remembered;
// spec.md §8 invariant 3 only promises "within REPLAY_TTL", not forever.
const replayTTL = 10 * time.Minute

func run(cliCtx *cli.Context) error {
	cfg, err := config.Load(nil)
	if err != nil {
		return fmt.Errorf("relayer: load config: %w", err)
	}

	clk := clock.New()

	pool, err := feepayer.New(feepayer.Config{
		MinHealthyBalanceLamports: cfg.MinHealthyBalanceLamports,
		MaxReservationsPerPayer:   cfg.MaxReservationsPerPayer,
	}, cfg.FeePayerKeys, clk)
	if err != nil {
		return fmt.Errorf("relayer: build fee payer pool: %w", err)
	}

	chain, err := chainadapter.New(cfg.RPCURLs, chainadapter.WithClock(clk))
	if err != nil {
		return fmt.Errorf("relayer: build chain adapter: %w", err)
	}

	storeOpts := []quotestore.Option{quotestore.WithClock(clk)}
	if cfg.StoreURL != "" {
		storeOpts = append(storeOpts, quotestore.WithPersistence(cfg.StoreURL, 64*1024*1024))
	}
	store := quotestore.New(storeOpts...)
	replay := replayset.New(replayTTL, replayset.WithClock(clk))

	backend := oraclebackend.New(cfg.OracleURL)
	og, err := oracle.New(backend, oracle.WithClock(clk))
	if err != nil {
		return fmt.Errorf("relayer: build oracle gateway: %w", err)
	}

	rlCfg := ratelimit.DefaultConfig()
	applyRateLimitOverrides(&rlCfg, cfg.RateLimit)
	detector := ratelimit.NewDetector(ratelimit.WithDetectorClock(clk))
	limiter := ratelimit.New(rlCfg, ratelimit.WithClock(clk), ratelimit.WithDetector(detector))

	auditSink := auditlog.NewWriterSink(os.Stdout)
	audit := auditlog.New(auditSink, auditlog.WithClock(clk))

	metrics := metricsx.New()

	qcfg := quotesvc.Config{
		BaseFeeLamports:     cfg.BaseFeeLamports,
		NetworkFeeLamports:  cfg.NetworkFeeLamports,
		DefaultComputeUnits: 200_000,
		QuoteTTL:            cfg.QuoteTTL,
		ReservationTTL:      cfg.ReservationTTL,
		TreasuryRatio:       1.0,
		TreasuryAddress:     cfg.TreasuryAddress,
	}
	quoteSvc, err := quotesvc.New(qcfg, pool, store, og, limiter, audit, quotesvc.WithClock(clk))
	if err != nil {
		return fmt.Errorf("relayer: build quote service: %w", err)
	}

	scfg := submitsvc.DefaultConfig()
	scfg.GasSink = cfg.TreasuryAddress
	scfg.TreasuryAddress = cfg.TreasuryAddress
	submitSvc := submitsvc.New(scfg, pool, store, replay, chain, limiter, audit, submitsvc.WithClock(clk))

	srv := apiserver.New(quoteSvc, submitSvc, og, pool, store, chain,
		apiserver.NewStaticMintList(nil), metrics, cfg.MetricsAPIKey, cfg.Network).
		WithTreasuryAddress(cfg.TreasuryAddress.String())

	ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		audit.Run(ctx)
	}()

	startBackgroundTasks(ctx, &wg, pool, chain, store, replay, limiter, metrics, audit)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}
	metricsSrv := &http.Server{Addr: ":9090", Handler: metrics.Handler()}

	wg.Add(2)
	go func() {
		defer wg.Done()
		log.Info("relayer: serving HTTP", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("relayer: HTTP server exited", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("relayer: metrics server exited", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("relayer: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	audit.Stop()
	wg.Wait()
	return nil
}

// applyRateLimitOverrides copies only the non-zero fields the operator
// configured, leaving ratelimit.DefaultConfig's values otherwise.
func applyRateLimitOverrides(cfg *ratelimit.Config, o config.RateLimitOverrides) {
	if o.GlobalIPPerMin != 0 {
		cfg.GlobalIPPerMin = o.GlobalIPPerMin
	}
	if o.QuoteIPPerMin != 0 {
		cfg.QuoteIPPerMin = o.QuoteIPPerMin
	}
	if o.SubmitIPPerMin != 0 {
		cfg.SubmitIPPerMin = o.SubmitIPPerMin
	}
	if o.QuoteWalletPerMin != 0 {
		cfg.QuoteWalletPerMin = o.QuoteWalletPerMin
	}
	if o.SubmitWalletPerMin != 0 {
		cfg.SubmitWalletPerMin = o.SubmitWalletPerMin
	}
}

// startBackgroundTasks launches spec.md §5's periodic maintenance loops,
// each stopping when ctx is cancelled.
func startBackgroundTasks(ctx context.Context, wg *sync.WaitGroup, pool *feepayer.Pool, chain *chainadapter.Adapter, store *quotestore.Store, replay *replayset.Set, limiter *ratelimit.Limiter, metrics *metricsx.Metrics, audit *auditlog.Log) {
	wg.Add(1)
	go runEvery(ctx, wg, 30*time.Second, func() {
		refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := pool.RefreshBalances(refreshCtx, chain); err != nil {
			log.Warn("relayer: balance refresh failed", "err", err)
		}
		reportPoolMetrics(pool, metrics)
	})

	wg.Add(1)
	go runEvery(ctx, wg, 10*time.Second, func() {
		store.Sweep()
		metrics.SetLiveQuotes(store.Len())
	})

	wg.Add(1)
	go runEvery(ctx, wg, time.Minute, func() {
		replay.Sweep()
	})

	if d := limiter.Detector(); d != nil {
		wg.Add(1)
		go runEvery(ctx, wg, 30*time.Second, func() {
			for _, a := range d.Tick() {
				log.Warn("relayer: anomaly detected", "scope", string(a.Scope), "subject", ratelimit.TruncatedSubject(a.Subject), "count", a.Count, "threshold", a.Threshold)
				audit.LogEvent(ctx, auditlog.Event{
					Type:   auditlog.EventSecurityAnomaly,
					Wallet: anomalySubject(a, ratelimit.ScopeWallet),
					IP:     anomalySubject(a, ratelimit.ScopeIP),
					Detail: fmt.Sprintf("%s count=%d threshold=%.0f", a.Scope, a.Count, a.Threshold),
				})
			}
		})
	}

	wg.Add(1)
	go runEvery(ctx, wg, 30*time.Second, func() {
		limiter.Sweep()
	})
}

// anomalySubject returns a's subject when it was detected under scope, so
// the audit event's Wallet/IP fields line up with which counter tripped;
// empty otherwise.
func anomalySubject(a ratelimit.Anomaly, scope ratelimit.Scope) string {
	if a.Scope != scope {
		return ""
	}
	return a.Subject
}

func reportPoolMetrics(pool *feepayer.Pool, metrics *metricsx.Metrics) {
	snap := pool.Snapshot()
	healthy := 0
	for _, p := range snap {
		if !p.Unhealthy && p.Rotation == feepayer.Active {
			healthy++
		}
	}
	metrics.SetPoolStats(healthy, len(snap), pool.CircuitOpen())
}

// runEvery calls fn immediately and then every interval until ctx is done.
func runEvery(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func()) {
	defer wg.Done()
	fn()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
