package lim

import (
	"pastel/metrics"
	"pastel/svc/util"
	"sync"
)

const (
	spikeMinRequests = 10
	spikeErrorRate   = 5.0
)

// ErrorTracker keeps per-minute request and server-error counts over a
// sliding window and calls onSpike when the error rate climbs too high.
type ErrorTracker struct {
	mu      sync.Mutex
	buckets []bucket
	current int
	onSpike func()
}

type bucket struct {
	requests int64
	errors   int64
}

func NewErrorTracker(minutes int, onSpike func()) *ErrorTracker {
	if minutes <= 0 {
		minutes = 5
	}
	return &ErrorTracker{buckets: make([]bucket, minutes), onSpike: onSpike}
}

func (t *ErrorTracker) Record(status int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[t.current].requests++
	if status >= 500 {
		t.buckets[t.current].errors++
	}
}

// Rate is the windowed error percentage.
func (t *ErrorTracker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	rate, _ := t.rateLocked()
	return rate
}

func (t *ErrorTracker) rateLocked() (float64, int64) {
	var reqs, errs int64
	for _, b := range t.buckets {
		reqs += b.requests
		errs += b.errors
	}
	if reqs == 0 {
		return 0, 0
	}
	return float64(errs) / float64(reqs) * 100, reqs
}

// Advance publishes the current rate and rotates to a fresh bucket.
func (t *ErrorTracker) Advance() {
	t.mu.Lock()
	rate, reqs := t.rateLocked()
	t.current = (t.current + 1) % len(t.buckets)
	t.buckets[t.current] = bucket{}
	t.mu.Unlock()

	metrics.RecentErrorRatePercent.Set(rate)
	if reqs > spikeMinRequests && rate > spikeErrorRate {
		util.Warn().
			Float64("error_rate", rate).
			Int64("requests", reqs).
			Msg("high error rate, tightening rate limits")
		if t.onSpike != nil {
			t.onSpike()
		}
	}
}
