package quotestore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeyxx/gasdf-relayer/internal/clock"
	"github.com/zeyxx/gasdf-relayer/quoteid"
)

func newTestQuote(id quoteid.ID, createdAt time.Time, ttl time.Duration) Quote {
	return Quote{
		ID:                    id,
		FeeAmountNative:       1_000_000,
		FeeAmountPaymentToken: "1000000",
		CreatedAt:             createdAt,
		ExpiresAt:             createdAt.Add(ttl),
		KTier:                 "standard",
	}
}

func TestPutGetDelete(t *testing.T) {
	clk := clock.New()
	s := New(WithClock(clk))

	id := quoteid.New()
	q := newTestQuote(id, clk.Now(), time.Minute)
	s.Put(q)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, q.FeeAmountNative, got.FeeAmountNative)
	require.Equal(t, 1, s.Len())

	s.Delete(id)
	_, err = s.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 0, s.Len())

	// Delete is idempotent.
	s.Delete(id)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.Get(quoteid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTTLBoundary(t *testing.T) {
	clk := clock.New()
	now := clk.Now()
	s := New(WithClock(clk))

	id := quoteid.New()
	s.Put(newTestQuote(id, now, 30*time.Second))

	clk.Set(now.Add(30*time.Second - time.Millisecond))
	_, err := s.Get(id)
	require.NoError(t, err, "quote must still be live one millisecond before expiry")

	clk.Set(now.Add(30*time.Second + time.Millisecond))
	_, err = s.Get(id)
	require.ErrorIs(t, err, ErrNotFound, "quote must be gone one millisecond past expiry")
}

func TestSweepDropsOnlyExpired(t *testing.T) {
	clk := clock.New()
	now := clk.Now()
	s := New(WithClock(clk))

	liveID, expiredID := quoteid.New(), quoteid.New()
	s.Put(newTestQuote(liveID, now, time.Minute))
	s.Put(newTestQuote(expiredID, now, time.Second))

	clk.Advance(2 * time.Second)
	n := s.Sweep()
	require.Equal(t, 1, n)
	require.Equal(t, 1, s.Len())

	_, err := s.Get(liveID)
	require.NoError(t, err)
	_, err = s.Get(expiredID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeIsOneShot(t *testing.T) {
	s := New()
	id := quoteid.New()
	s.Put(newTestQuote(id, s.clock.Now(), time.Minute))

	q, err := s.Consume(id)
	require.NoError(t, err)
	require.Equal(t, id, q.ID)

	_, err = s.Consume(id)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestConsumeIsLinearizable asserts spec.md §8 invariant 4: of many
// concurrent Consume calls racing on the same id, exactly one observes the
// quote and every other caller observes ErrNotFound.
func TestConsumeIsLinearizable(t *testing.T) {
	s := New()
	id := quoteid.New()
	s.Put(newTestQuote(id, s.clock.Now(), time.Minute))

	const racers = 50
	var wg sync.WaitGroup
	var wins int
	var mu sync.Mutex
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(id); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestConsumeOrExpiredDistinguishesMissingFromExpired(t *testing.T) {
	clk := clock.New()
	now := clk.Now()
	s := New(WithClock(clk))

	id := quoteid.New()
	s.Put(newTestQuote(id, now, time.Second))
	clk.Advance(2 * time.Second)

	_, err := s.ConsumeOrExpired(id)
	require.ErrorIs(t, err, ErrExpired)

	_, err = s.ConsumeOrExpired(quoteid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeExpiredReturnsNotFound(t *testing.T) {
	clk := clock.New()
	now := clk.Now()
	s := New(WithClock(clk))

	id := quoteid.New()
	s.Put(newTestQuote(id, now, time.Second))
	clk.Advance(2 * time.Second)

	_, err := s.Consume(id)
	require.ErrorIs(t, err, ErrNotFound)
}
