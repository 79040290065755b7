package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/zeyxx/gasdf-relayer/internal/clock"
	"github.com/zeyxx/gasdf-relayer/internal/log"
)

// Scope classifies which baseline an anomaly is judged against: every
// wallet shares one learned threshold, every IP shares another, and there
// is a single global threshold.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeWallet Scope = "wallet"
	ScopeIP     Scope = "ip"
)

const (
	anomalyWindow       = 5 * time.Minute
	anomalyDedup        = 5 * time.Minute
	baselineMinSamples  = 10
	baselineRingCap     = 1000
	baselineStddevMult  = 3
)

// fixedDefaults are the thresholds used until a scope has accumulated
// enough samples to learn its own.
var fixedDefaults = map[Scope]float64{
	ScopeGlobal: 5000,
	ScopeWallet: 200,
	ScopeIP:     500,
}

// minimumFloors bound how low a learned threshold may fall, so a quiet
// night doesn't teach the detector to fire on ordinary daytime traffic.
var minimumFloors = map[Scope]float64{
	ScopeGlobal: 1000,
	ScopeWallet: 50,
	ScopeIP:     100,
}

// Anomaly is a single detected spike.
type Anomaly struct {
	Scope     Scope
	Subject   string
	Count     int
	Threshold float64
}

type sampleRing struct {
	samples []float64
}

func (r *sampleRing) add(v float64) {
	r.samples = append(r.samples, v)
	if len(r.samples) > baselineRingCap {
		r.samples = r.samples[len(r.samples)-baselineRingCap:]
	}
}

func (r *sampleRing) meanStddev() (mean, stddev float64) {
	n := len(r.samples)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range r.samples {
		sum += v
	}
	mean = sum / float64(n)
	var sqDiff float64
	for _, v := range r.samples {
		d := v - mean
		sqDiff += d * d
	}
	stddev = math.Sqrt(sqDiff / float64(n))
	return mean, stddev
}

// Detector is the anomaly-detection half of C9.
type Detector struct {
	mu sync.Mutex

	windowStart time.Time
	counts      map[Scope]map[string]int

	rings      map[Scope]*sampleRing
	thresholds map[Scope]float64

	lastReported map[string]time.Time // key: scope+subject

	clock *clock.Clock
	log   log.Logger
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithDetectorClock overrides the detector's time source for deterministic
// tests.
func WithDetectorClock(c *clock.Clock) DetectorOption {
	return func(d *Detector) { d.clock = c }
}

// NewDetector returns a Detector starting a fresh 5-minute window at the
// current time.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{
		counts:       map[Scope]map[string]int{ScopeGlobal: {}, ScopeWallet: {}, ScopeIP: {}},
		rings:        map[Scope]*sampleRing{ScopeGlobal: {}, ScopeWallet: {}, ScopeIP: {}},
		thresholds:   map[Scope]float64{},
		lastReported: map[string]time.Time{},
		clock:        clock.New(),
		log:          log.New("component", "ratelimit.anomaly"),
	}
	for k, v := range fixedDefaults {
		d.thresholds[k] = v
	}
	for _, opt := range opts {
		opt(d)
	}
	d.windowStart = d.clock.Now()
	return d
}

// RecordEvent registers one event against subject's window count under
// scope. subject is "global" for ScopeGlobal, a wallet's base58 string for
// ScopeWallet, or a normalized IP for ScopeIP.
func (d *Detector) RecordEvent(scope Scope, subject string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[scope][subject]++
}

// Tick runs the periodic anomaly check (spec.md §4.9: every 30s), rolling
// the window over and re-deriving thresholds when a full anomalyWindow has
// elapsed, and returns any newly detected (and not presently deduped)
// anomalies.
func (d *Detector) Tick() []Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	var anomalies []Anomaly
	for scope, subjects := range d.counts {
		threshold := d.thresholds[scope]
		for subject, count := range subjects {
			if float64(count) <= threshold {
				continue
			}
			key := string(scope) + ":" + subject
			if last, ok := d.lastReported[key]; ok && now.Sub(last) < anomalyDedup {
				continue
			}
			d.lastReported[key] = now
			anomalies = append(anomalies, Anomaly{Scope: scope, Subject: subject, Count: count, Threshold: threshold})
		}
	}

	if now.Sub(d.windowStart) >= anomalyWindow {
		d.rolloverLocked(now)
	}
	return anomalies
}

func (d *Detector) rolloverLocked(now time.Time) {
	for scope, subjects := range d.counts {
		ring := d.rings[scope]
		for _, count := range subjects {
			ring.add(float64(count))
		}
		if mean, stddev := ring.meanStddev(); len(ring.samples) >= baselineMinSamples {
			learned := mean + baselineStddevMult*stddev
			if floor := minimumFloors[scope]; learned < floor {
				learned = floor
			}
			d.thresholds[scope] = learned
		}
		d.counts[scope] = map[string]int{}
	}
	d.windowStart = now
}

// Threshold exposes the currently active threshold for scope, for metrics
// and tests.
func (d *Detector) Threshold(scope Scope) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thresholds[scope]
}

// TruncatedSubject returns the first 12 characters of subject, the privacy
// truncation spec.md §4.10 requires audit events to apply to wallet/IP
// fields.
func TruncatedSubject(subject string) string {
	if len(subject) <= 12 {
		return subject
	}
	return subject[:12]
}
