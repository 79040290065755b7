package submitsvc

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeyxx/gasdf-relayer/auditlog"
	"github.com/zeyxx/gasdf-relayer/chainadapter"
	"github.com/zeyxx/gasdf-relayer/internal/clock"
	"github.com/zeyxx/gasdf-relayer/quoteid"
	"github.com/zeyxx/gasdf-relayer/quotestore"
	"github.com/zeyxx/gasdf-relayer/ratelimit"
	"github.com/zeyxx/gasdf-relayer/replayset"
	"github.com/zeyxx/gasdf-relayer/txtypes"
)

const splTransferDiscriminant = 3

// fixture hand-assembles a minimal legacy transaction, mirroring
// txvalidate's own test fixture: two signers (fee payer at 0, user at 1)
// and a single SPL Transfer crediting the treasury's ATA. The fee payer's
// signature slot is left zeroed, matching the pre-co-sign state a real
// submit request arrives in.
type fixture struct {
	feePayer    txtypes.Pubkey
	userPub     ed25519.PublicKey
	userPriv    ed25519.PrivateKey
	treasury    txtypes.Pubkey
	mint        txtypes.Pubkey
	treasuryATA txtypes.Pubkey
	blockhash   [32]byte
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	var feePayer txtypes.Pubkey
	_, fpPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	copy(feePayer[:], fpPriv.Public().(ed25519.PublicKey))

	userPub, userPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var treasury, mint, blockhash txtypes.Pubkey
	treasury[0], treasury[1] = 0x11, 0x22
	mint[0], mint[1] = 0x33, 0x44
	blockhash[0] = 0x99

	return fixture{
		feePayer:    feePayer,
		userPub:     userPub,
		userPriv:    userPriv,
		treasury:    treasury,
		mint:        mint,
		treasuryATA: txtypes.DeriveATA(treasury, mint),
		blockhash:   [32]byte(blockhash),
	}
}

func (f fixture) userKey() txtypes.Pubkey {
	var k txtypes.Pubkey
	copy(k[:], f.userPub)
	return k
}

func (f fixture) rawTx(t *testing.T, feeAmount uint64) []byte {
	t.Helper()
	accountKeys := []txtypes.Pubkey{f.feePayer, f.userKey(), f.treasuryATA, txtypes.SPLTokenProgramID}

	amt := make([]byte, 8)
	binary.LittleEndian.PutUint64(amt, feeAmount)
	feeIx := txtypes.CompiledInstruction{
		ProgramIDIndex: 3,
		AccountIndexes: []uint8{1, 2},
		Data:           append([]byte{splTransferDiscriminant}, amt...),
	}

	header := []byte{2, 0, 1}

	var msgBody []byte
	msgBody = append(msgBody, header...)
	msgBody = append(msgBody, shortVec(len(accountKeys))...)
	for _, k := range accountKeys {
		msgBody = append(msgBody, k[:]...)
	}
	msgBody = append(msgBody, f.blockhash[:]...)
	msgBody = append(msgBody, shortVec(1)...)
	msgBody = append(msgBody, feeIx.ProgramIDIndex)
	msgBody = append(msgBody, shortVec(len(feeIx.AccountIndexes))...)
	msgBody = append(msgBody, feeIx.AccountIndexes...)
	msgBody = append(msgBody, shortVec(len(feeIx.Data))...)
	msgBody = append(msgBody, feeIx.Data...)

	userSig := ed25519.Sign(f.userPriv, msgBody)

	var raw []byte
	raw = append(raw, shortVec(2)...)
	raw = append(raw, make([]byte, 64)...) // fee payer slot, unsigned
	raw = append(raw, userSig...)
	raw = append(raw, msgBody...)
	return raw
}

func shortVec(n int) []byte {
	var out []byte
	v := uint32(n)
	for {
		elem := v & 0x7f
		v >>= 7
		if v == 0 {
			out = append(out, byte(elem))
			break
		}
		out = append(out, byte(elem|0x80))
	}
	return out
}

func (f fixture) quote(id quoteid.ID, feeAmount uint64, clk *clock.Clock) quotestore.Quote {
	now := clk.Now()
	return quotestore.Quote{
		ID:                    id,
		UserKey:               f.userKey(),
		PaymentMint:           f.mint,
		FeePayerKey:           f.feePayer,
		FeeAmountNative:       1_000_000,
		FeeAmountPaymentToken: "1000000",
		CreatedAt:             now,
		ExpiresAt:             now.Add(time.Minute),
		KTier:                 "standard",
	}
}

type fakePool struct {
	canProcess  bool
	signErr     error
	balance     uint64
	released    []quoteid.ID
	unhealthy   []txtypes.Pubkey
}

func (p *fakePool) CanProcessSubmit(txtypes.Pubkey) bool { return p.canProcess }
func (p *fakePool) Sign(tx *txtypes.Transaction, payerKey txtypes.Pubkey) error {
	if p.signErr != nil {
		return p.signErr
	}
	var sig txtypes.Signature
	sig[0] = 0x01
	return tx.SetSignature(0, sig)
}
func (p *fakePool) Release(id quoteid.ID)               { p.released = append(p.released, id) }
func (p *fakePool) MarkUnhealthy(k txtypes.Pubkey)       { p.unhealthy = append(p.unhealthy, k) }
func (p *fakePool) BalanceOf(txtypes.Pubkey) (uint64, bool) { return p.balance, true }

type fakeStore struct {
	quote    quotestore.Quote
	consumeErr error
	puts     []quotestore.Quote
}

func (s *fakeStore) ConsumeOrExpired(id quoteid.ID) (quotestore.Quote, error) {
	if s.consumeErr != nil {
		return quotestore.Quote{}, s.consumeErr
	}
	return s.quote, nil
}
func (s *fakeStore) Put(q quotestore.Quote) { s.puts = append(s.puts, q) }

type fakeReplay struct {
	contains bool
	marked   []replayset.Fingerprint
}

func (r *fakeReplay) Contains(fp replayset.Fingerprint) bool { return r.contains }
func (r *fakeReplay) MarkAndTest(fp replayset.Fingerprint) bool {
	r.marked = append(r.marked, fp)
	return true
}

type fakeChain struct {
	blockhashValid bool
	simOK          bool
	postBalances   map[txtypes.Pubkey]int64
	sendErrs       []error // consumed in order, one per Send call; last repeats
	sendSig        txtypes.Signature
	sendCalls      int
}

func (c *fakeChain) IsBlockhashValid(ctx context.Context, bh [32]byte) (bool, error) {
	return c.blockhashValid, nil
}
func (c *fakeChain) Simulate(ctx context.Context, tx *txtypes.Transaction, watch []txtypes.Pubkey) (chainadapter.SimulateResult, error) {
	return chainadapter.SimulateResult{OK: c.simOK, PostBalances: c.postBalances}, nil
}
func (c *fakeChain) Send(ctx context.Context, tx *txtypes.Transaction) (txtypes.Signature, error) {
	idx := c.sendCalls
	if idx >= len(c.sendErrs) {
		idx = len(c.sendErrs) - 1
	}
	c.sendCalls++
	if idx >= 0 && c.sendErrs[idx] != nil {
		return txtypes.Signature{}, c.sendErrs[idx]
	}
	return c.sendSig, nil
}

type fakeLimiter struct{ denySubmit bool }

func (l *fakeLimiter) CheckIP(ip string, evt ratelimit.EventType) ratelimit.Decision {
	return ratelimit.Decision{Allowed: true}
}
func (l *fakeLimiter) CheckWallet(w txtypes.Pubkey, evt ratelimit.EventType) ratelimit.Decision {
	if l.denySubmit && evt == ratelimit.EventSubmit {
		return ratelimit.Decision{Allowed: false, RetryAfter: 60 * time.Second}
	}
	return ratelimit.Decision{Allowed: true}
}

type fakeAudit struct{ events []auditlog.Event }

func (a *fakeAudit) LogEvent(ctx context.Context, evt auditlog.Event) { a.events = append(a.events, evt) }

func noSleep(ctx context.Context, d time.Duration) {}

func newTestService(t *testing.T, pool *fakePool, store *fakeStore, replay *fakeReplay, chain *fakeChain, limiter *fakeLimiter, audit *fakeAudit, f fixture) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TreasuryAddress = f.treasury
	cfg.GasSink = txtypes.Pubkey{0xAA}
	return New(cfg, pool, store, replay, chain, limiter, audit, WithSleeper(noSleep))
}

func TestSubmitHappyPath(t *testing.T) {
	f := newFixture(t)
	clk := clock.New()
	id := quoteid.New()
	q := f.quote(id, 1_000_000, clk)

	pool := &fakePool{canProcess: true, balance: 10_000_000}
	store := &fakeStore{quote: q}
	replay := &fakeReplay{}
	var sig txtypes.Signature
	sig[0] = 0x42
	chain := &fakeChain{
		blockhashValid: true,
		simOK:          true,
		postBalances:   map[txtypes.Pubkey]int64{f.feePayer: 9_990_000},
		sendErrs:       []error{nil},
		sendSig:        sig,
	}
	limiter := &fakeLimiter{}
	audit := &fakeAudit{}
	svc := newTestService(t, pool, store, replay, chain, limiter, audit, f)

	res, err := svc.Submit(context.Background(), Request{
		QuoteID:        id,
		SignedTxBytes:  f.rawTx(t, 1_000_000),
		ClaimedUserKey: f.userKey(),
		IP:             "1.2.3.4",
	})
	require.NoError(t, err)
	require.Equal(t, sig, res.Signature)
	require.Equal(t, 1, res.Attempts)
	require.Len(t, pool.released, 1)
	require.Len(t, replay.marked, 1)
	require.Empty(t, store.puts, "a successful submit must not restore the consumed quote")
}

func TestSubmitQuoteExpired(t *testing.T) {
	f := newFixture(t)
	pool := &fakePool{canProcess: true}
	store := &fakeStore{consumeErr: quotestore.ErrExpired}
	svc := newTestService(t, pool, store, &fakeReplay{}, &fakeChain{}, &fakeLimiter{}, &fakeAudit{}, f)

	_, err := svc.Submit(context.Background(), Request{QuoteID: quoteid.New(), SignedTxBytes: f.rawTx(t, 1_000_000), ClaimedUserKey: f.userKey()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "QUOTE_EXPIRED")
}

func TestSubmitQuoteNotFound(t *testing.T) {
	f := newFixture(t)
	store := &fakeStore{consumeErr: quotestore.ErrNotFound}
	svc := newTestService(t, &fakePool{}, store, &fakeReplay{}, &fakeChain{}, &fakeLimiter{}, &fakeAudit{}, f)

	_, err := svc.Submit(context.Background(), Request{QuoteID: quoteid.New(), SignedTxBytes: f.rawTx(t, 1_000_000), ClaimedUserKey: f.userKey()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "QUOTE_NOT_FOUND")
}

func TestSubmitReplayDetected(t *testing.T) {
	f := newFixture(t)
	clk := clock.New()
	id := quoteid.New()
	q := f.quote(id, 1_000_000, clk)

	store := &fakeStore{quote: q}
	replay := &fakeReplay{contains: true}
	svc := newTestService(t, &fakePool{canProcess: true}, store, replay, &fakeChain{}, &fakeLimiter{}, &fakeAudit{}, f)

	_, err := svc.Submit(context.Background(), Request{QuoteID: id, SignedTxBytes: f.rawTx(t, 1_000_000), ClaimedUserKey: f.userKey()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "REPLAY_DETECTED")
	// Quote must be released but not restored: this is a terminal failure.
	require.Empty(t, store.puts)
}

func TestSubmitFeePayerMismatch(t *testing.T) {
	f := newFixture(t)
	clk := clock.New()
	id := quoteid.New()
	q := f.quote(id, 1_000_000, clk)
	q.FeePayerKey = txtypes.Pubkey{0xFF} // does not match tx's declared fee payer

	store := &fakeStore{quote: q}
	svc := newTestService(t, &fakePool{canProcess: true}, store, &fakeReplay{}, &fakeChain{blockhashValid: true}, &fakeLimiter{}, &fakeAudit{}, f)

	_, err := svc.Submit(context.Background(), Request{QuoteID: id, SignedTxBytes: f.rawTx(t, 1_000_000), ClaimedUserKey: f.userKey()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "FEE_PAYER_MISMATCH")
}

func TestSubmitBlockhashExpired(t *testing.T) {
	f := newFixture(t)
	clk := clock.New()
	id := quoteid.New()
	q := f.quote(id, 1_000_000, clk)

	store := &fakeStore{quote: q}
	chain := &fakeChain{blockhashValid: false}
	svc := newTestService(t, &fakePool{canProcess: true}, store, &fakeReplay{}, chain, &fakeLimiter{}, &fakeAudit{}, f)

	_, err := svc.Submit(context.Background(), Request{QuoteID: id, SignedTxBytes: f.rawTx(t, 1_000_000), ClaimedUserKey: f.userKey()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "BLOCKHASH_EXPIRED")
}

func TestSubmitRetriesTransientSendFailureThenSucceeds(t *testing.T) {
	f := newFixture(t)
	clk := clock.New()
	id := quoteid.New()
	q := f.quote(id, 1_000_000, clk)

	pool := &fakePool{canProcess: true, balance: 10_000_000}
	store := &fakeStore{quote: q}
	replay := &fakeReplay{}
	var sig txtypes.Signature
	sig[0] = 0x07
	chain := &fakeChain{
		blockhashValid: true,
		simOK:          true,
		postBalances:   map[txtypes.Pubkey]int64{f.feePayer: 9_990_000},
		sendErrs:       []error{chainadapter.ErrServerError, chainadapter.ErrServerError, nil},
		sendSig:        sig,
	}
	svc := newTestService(t, pool, store, replay, chain, &fakeLimiter{}, &fakeAudit{}, f)

	res, err := svc.Submit(context.Background(), Request{QuoteID: id, SignedTxBytes: f.rawTx(t, 1_000_000), ClaimedUserKey: f.userKey()})
	require.NoError(t, err)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, sig, res.Signature)
}

func TestSubmitNonRetryableSendFailureMarksPayerUnhealthy(t *testing.T) {
	f := newFixture(t)
	clk := clock.New()
	id := quoteid.New()
	q := f.quote(id, 1_000_000, clk)

	pool := &fakePool{canProcess: true, balance: 10_000_000}
	store := &fakeStore{quote: q}
	nonRetryable := errors.New("signature verification failed")
	chain := &fakeChain{
		blockhashValid: true,
		simOK:          true,
		postBalances:   map[txtypes.Pubkey]int64{f.feePayer: 9_990_000},
		sendErrs:       []error{nonRetryable},
	}
	svc := newTestService(t, pool, store, &fakeReplay{}, chain, &fakeLimiter{}, &fakeAudit{}, f)

	_, err := svc.Submit(context.Background(), Request{QuoteID: id, SignedTxBytes: f.rawTx(t, 1_000_000), ClaimedUserKey: f.userKey()})
	require.Error(t, err)
	require.Len(t, pool.unhealthy, 1)
	require.Equal(t, f.feePayer, pool.unhealthy[0])
	// Non-retryable failures are terminal: the quote is not restored.
	require.Empty(t, store.puts)
}

func TestSubmitExhaustedRetriesRestoresQuote(t *testing.T) {
	f := newFixture(t)
	clk := clock.New()
	id := quoteid.New()
	q := f.quote(id, 1_000_000, clk)

	pool := &fakePool{canProcess: true, balance: 10_000_000}
	store := &fakeStore{quote: q}
	chain := &fakeChain{
		blockhashValid: true,
		simOK:          true,
		postBalances:   map[txtypes.Pubkey]int64{f.feePayer: 9_990_000},
		sendErrs:       []error{chainadapter.ErrServerError, chainadapter.ErrServerError, chainadapter.ErrServerError, chainadapter.ErrServerError},
	}
	svc := newTestService(t, pool, store, &fakeReplay{}, chain, &fakeLimiter{}, &fakeAudit{}, f)

	_, err := svc.Submit(context.Background(), Request{QuoteID: id, SignedTxBytes: f.rawTx(t, 1_000_000), ClaimedUserKey: f.userKey()})
	require.Error(t, err)
	require.Len(t, store.puts, 1, "the quote must be restored so the client can retry before its TTL lapses")
}

func TestSubmitCPIDrainGuardTrips(t *testing.T) {
	f := newFixture(t)
	clk := clock.New()
	id := quoteid.New()
	q := f.quote(id, 1_000_000, clk)

	pool := &fakePool{canProcess: true, balance: 10_000_000}
	store := &fakeStore{quote: q}
	chain := &fakeChain{
		blockhashValid: true,
		simOK:          true,
		// Drains far more than the 50,000 lamport default tolerance.
		postBalances: map[txtypes.Pubkey]int64{f.feePayer: 5_000_000},
	}
	svc := newTestService(t, pool, store, &fakeReplay{}, chain, &fakeLimiter{}, &fakeAudit{}, f)

	_, err := svc.Submit(context.Background(), Request{QuoteID: id, SignedTxBytes: f.rawTx(t, 1_000_000), ClaimedUserKey: f.userKey()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "SIMULATION_FAILED")
}

func TestSubmitWalletRateLimited(t *testing.T) {
	f := newFixture(t)
	limiter := &fakeLimiter{denySubmit: true}
	svc := newTestService(t, &fakePool{}, &fakeStore{}, &fakeReplay{}, &fakeChain{}, limiter, &fakeAudit{}, f)

	_, err := svc.Submit(context.Background(), Request{QuoteID: quoteid.New(), SignedTxBytes: f.rawTx(t, 1_000_000), ClaimedUserKey: f.userKey()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "WALLET_RATE_LIMITED")
}
