// Package sourcereg keeps the observability ledger of expected, used and
// suppressed sources per symbol and market type.
package sourcereg

import (
	"sort"
	"sync"
)

// Metric groups aggregates by the consolidated signal they feed.
type Metric string

// Ledger metrics.
const (
	MetricPrice       Metric = "price"
	MetricFlow        Metric = "flow"
	MetricLiquidity   Metric = "liquidity"
	MetricDerivatives Metric = "derivatives"
)

// Feed identifies a raw venue feed.
type Feed string

// Ledger feeds.
const (
	FeedTrades     Feed = "trades"
	FeedOrderbook  Feed = "orderbook"
	FeedOI         Feed = "oi"
	FeedFunding    Feed = "funding"
	FeedMarkPrice  Feed = "markPrice"
	FeedIndexPrice Feed = "indexPrice"
	FeedKlines     Feed = "klines"
)

// Reason labels a suppressed emission.
type Reason string

// Suppression reasons.
const (
	ReasonNoCanonicalPrice Reason = "NO_CANONICAL_PRICE"
	ReasonConfidenceTooLow Reason = "CONFIDENCE_TOO_LOW"
	ReasonResyncActive     Reason = "RESYNC_ACTIVE"
	ReasonStaleInput       Reason = "STALE_INPUT"
	ReasonLagTooHigh       Reason = "LAG_TOO_HIGH"
	ReasonGapsDetected     Reason = "GAPS_DETECTED"
)

type metricKey struct {
	symbol string
	market string
	metric Metric
}

type feedKey struct {
	symbol string
	market string
	feed   Feed
}

type metricEntry struct {
	expected     map[string]struct{}
	lastUsed     []string
	lastEmitTs   int64
	suppressions map[Reason]int
}

type feedEntry struct {
	lastTs       map[string]int64
	nonMonotonic map[string]struct{}
}

// Registry is the process-wide ledger. Entries are lazily created on first
// observation and persist for the process lifetime.
type Registry struct {
	mu      sync.Mutex
	metrics map[metricKey]*metricEntry
	feeds   map[feedKey]*feedEntry
}

// New constructs an empty registry. Production wiring shares one instance;
// tests construct their own.
func New() *Registry {
	return &Registry{
		mu:      sync.Mutex{},
		metrics: make(map[metricKey]*metricEntry),
		feeds:   make(map[feedKey]*feedEntry),
	}
}

func (r *Registry) metricEntry(symbol, market string, metric Metric) *metricEntry {
	key := metricKey{symbol: symbol, market: market, metric: metric}
	entry, ok := r.metrics[key]
	if !ok {
		entry = &metricEntry{
			expected:     make(map[string]struct{}),
			lastUsed:     nil,
			lastEmitTs:   0,
			suppressions: make(map[Reason]int),
		}
		r.metrics[key] = entry
	}
	return entry
}

func (r *Registry) feedEntry(symbol, market string, feed Feed) *feedEntry {
	key := feedKey{symbol: symbol, market: market, feed: feed}
	entry, ok := r.feeds[key]
	if !ok {
		entry = &feedEntry{
			lastTs:       make(map[string]int64),
			nonMonotonic: make(map[string]struct{}),
		}
		r.feeds[key] = entry
	}
	return entry
}

// SetExpected declares the streams expected to contribute to a metric.
func (r *Registry) SetExpected(symbol, market string, metric Metric, streams []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.metricEntry(symbol, market, metric)
	entry.expected = make(map[string]struct{}, len(streams))
	for _, s := range streams {
		entry.expected[s] = struct{}{}
	}
}

// ExpectedCount reports the declared expectation for a metric; zero when no
// expectation was declared.
func (r *Registry) ExpectedCount(symbol, market string, metric Metric) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := metricKey{symbol: symbol, market: market, metric: metric}
	entry, ok := r.metrics[key]
	if !ok {
		return 0
	}
	return len(entry.expected)
}

// MarkAggEmitted records a successful aggregate emission.
func (r *Registry) MarkAggEmitted(symbol, market string, metric Metric, used []string, ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.metricEntry(symbol, market, metric)
	entry.lastUsed = append(entry.lastUsed[:0], used...)
	entry.lastEmitTs = ts
}

// RecordSuppression counts a suppressed emission by reason.
func (r *Registry) RecordSuppression(symbol, market string, metric Metric, reason Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.metricEntry(symbol, market, metric)
	entry.suppressions[reason]++
}

// ObserveRaw records a raw sample arrival for non-monotonicity tracking.
// Klines re-emit on close and are excluded from the non-monotonic set.
func (r *Registry) ObserveRaw(symbol, market string, feed Feed, streamID string, ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.feedEntry(symbol, market, feed)
	if last, ok := entry.lastTs[streamID]; ok && ts < last && feed != FeedKlines {
		entry.nonMonotonic[streamID] = struct{}{}
	}
	if ts > entry.lastTs[streamID] {
		entry.lastTs[streamID] = ts
	}
}

// MetricSnapshot is the deterministic view of one metric entry.
type MetricSnapshot struct {
	Metric       Metric         `json:"metric"`
	Expected     []string       `json:"expected"`
	LastUsed     []string       `json:"lastUsed"`
	LastEmitTs   int64          `json:"lastEmitTs"`
	Suppressions map[Reason]int `json:"suppressions"`
}

// FeedSnapshot is the deterministic view of one feed entry.
type FeedSnapshot struct {
	Feed         Feed     `json:"feed"`
	Streams      []string `json:"streams"`
	NonMonotonic []string `json:"nonMonotonic"`
}

// Snapshot describes the ledger for one symbol and market type at nowTs.
type Snapshot struct {
	Symbol  string           `json:"symbol"`
	Market  string           `json:"marketType"`
	NowTs   int64            `json:"nowTs"`
	Metrics []MetricSnapshot `json:"metrics"`
	Feeds   []FeedSnapshot   `json:"feeds"`
}

// Snapshot returns sorted, copy-safe views suitable for byte-stable output.
func (r *Registry) Snapshot(nowTs int64, symbol, market string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Symbol:  symbol,
		Market:  market,
		NowTs:   nowTs,
		Metrics: nil,
		Feeds:   nil,
	}
	for key, entry := range r.metrics {
		if key.symbol != symbol || key.market != market {
			continue
		}
		ms := MetricSnapshot{
			Metric:       key.metric,
			Expected:     sortedSet(entry.expected),
			LastUsed:     append([]string(nil), entry.lastUsed...),
			LastEmitTs:   entry.lastEmitTs,
			Suppressions: make(map[Reason]int, len(entry.suppressions)),
		}
		sort.Strings(ms.LastUsed)
		for reason, n := range entry.suppressions {
			ms.Suppressions[reason] = n
		}
		snap.Metrics = append(snap.Metrics, ms)
	}
	sort.Slice(snap.Metrics, func(i, j int) bool { return snap.Metrics[i].Metric < snap.Metrics[j].Metric })

	for key, entry := range r.feeds {
		if key.symbol != symbol || key.market != market {
			continue
		}
		streams := make([]string, 0, len(entry.lastTs))
		for s := range entry.lastTs {
			streams = append(streams, s)
		}
		sort.Strings(streams)
		snap.Feeds = append(snap.Feeds, FeedSnapshot{
			Feed:         key.feed,
			Streams:      streams,
			NonMonotonic: sortedSet(entry.nonMonotonic),
		})
	}
	sort.Slice(snap.Feeds, func(i, j int) bool { return snap.Feeds[i].Feed < snap.Feeds[j].Feed })
	return snap
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
