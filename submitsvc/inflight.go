package submitsvc

import (
	"sync"
	"time"

	"github.com/zeyxx/gasdf-relayer/internal/clock"
	"github.com/zeyxx/gasdf-relayer/replayset"
)

// inflightTTL is how long a fingerprint blocks a concurrent duplicate
// submit before it is assumed abandoned, per spec.md §9's mitigation for
// replay-on-success: two clients racing with byte-identical signed
// transactions must not both reach the chain adapter.
const inflightTTL = 60 * time.Second

// inflightSet deduplicates concurrent submits of the exact same signed
// transaction while it is still being processed, closing the narrow window
// spec.md §9 identifies between "replay set inserts only after success" and
// "no two concurrent submits of the same bytes should both be sent".
type inflightSet struct {
	mu    sync.Mutex
	until map[replayset.Fingerprint]time.Time
	clock *clock.Clock
}

func newInflightSet(clk *clock.Clock) *inflightSet {
	return &inflightSet{until: make(map[replayset.Fingerprint]time.Time), clock: clk}
}

// acquire reports whether fp was free to claim (true) or already claimed by
// an in-progress submit (false).
func (s *inflightSet) acquire(fp replayset.Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if until, ok := s.until[fp]; ok && now.Before(until) {
		return false
	}
	s.until[fp] = now.Add(inflightTTL)
	return true
}

// release frees fp immediately, called once the attempt (success or
// failure) has finished so a legitimate retry after a transient failure
// does not have to wait out the full TTL.
func (s *inflightSet) release(fp replayset.Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.until, fp)
}
