// Package shared holds the venue-independent adapter machinery: reconnect
// policy, subscription bookkeeping, order book reconciliation and the common
// websocket session manager.
package shared

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// ReconnectPolicy computes the delay before reconnect attempt N. Jitter is a
// hash of (seed, attempt) rather than a random draw, so a replayed failure
// sequence backs off identically.
type ReconnectPolicy struct {
	Base         time.Duration
	Max          time.Duration
	PolicyFloor  time.Duration
	JitterFrac   float64
	ResetAfterMs int64
	Seed         string
}

// DefaultReconnectPolicy returns the websocket reconnect tuning.
func DefaultReconnectPolicy(seed string) ReconnectPolicy {
	return ReconnectPolicy{
		Base:         500 * time.Millisecond,
		Max:          30 * time.Second,
		PolicyFloor:  5 * time.Second,
		JitterFrac:   0.2,
		ResetAfterMs: 60_000,
		Seed:         seed,
	}
}

// Delay returns the wait before attempt (1-based). policyViolation raises
// the floor; venues answer code 1008 when we break their rules and an
// immediate redial makes it worse.
func (p ReconnectPolicy) Delay(attempt int, policyViolation bool) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	if policyViolation && d < p.PolicyFloor {
		d = p.PolicyFloor
	}
	return d + deterministicJitter(p.Seed, attempt, d, p.JitterFrac)
}

// deterministicJitter maps (seed, attempt) to [0, frac*d).
func deterministicJitter(seed string, attempt int, d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	_, _ = h.Write([]byte(strconv.Itoa(attempt)))
	span := int64(float64(d) * frac)
	if span <= 0 {
		return 0
	}
	return time.Duration(int64(h.Sum64() % uint64(span)))
}

// BackoffTable tracks REST failure streaks per key with capped exponential
// backoff, used by the derivatives poller. Safe for concurrent use.
type BackoffTable struct {
	Base       time.Duration
	Max        time.Duration
	JitterFrac float64
	Seed       string

	mu       sync.Mutex
	failures map[string]int
}

// NewBackoffTable constructs a table with poller defaults.
func NewBackoffTable(seed string) *BackoffTable {
	return &BackoffTable{
		Base:       2 * time.Second,
		Max:        300 * time.Second,
		JitterFrac: 0.1,
		Seed:       seed,
		mu:         sync.Mutex{},
		failures:   make(map[string]int),
	}
}

// Failure records a failed poll and returns how long to hold the key back.
func (t *BackoffTable) Failure(key string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[key]++
	n := t.failures[key]
	exp := n
	if exp > 6 {
		exp = 6
	}
	d := t.Base
	for i := 0; i < exp; i++ {
		d *= 2
		if d >= t.Max {
			d = t.Max
			break
		}
	}
	if d > t.Max {
		d = t.Max
	}
	return d + deterministicJitter(t.Seed+key, n, d, t.JitterFrac)
}

// Success clears the failure streak for key.
func (t *BackoffTable) Success(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, key)
}

// Failures reports the current streak for key.
func (t *BackoffTable) Failures(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[key]
}
