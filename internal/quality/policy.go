// Package quality watches the consolidated topics for staleness, venue
// disagreement and confidence degradation, and publishes data:* signals.
package quality

import "github.com/quantfold/marketpipe/internal/bus"

// OI mismatch baseline strategies.
const (
	BaselineBybitOrMedian = "bybit|median"
	BaselineMedian        = "median"
)

// Policy freezes the monitoring thresholds. Zero values are replaced by
// defaults in NewMonitor, so a partially filled policy is usable.
type Policy struct {
	// ExpectedIntervalMs maps a topic name to its expected emission cadence.
	// Topics not listed are exempt from staleness sweeps.
	ExpectedIntervalMs map[string]int64
	// StaleMultiplier scales the expected interval into the staleness
	// threshold; the threshold never drops below the interval itself.
	StaleMultiplier float64
	// MismatchThreshold is the relative disagreement that raises a signal.
	MismatchThreshold float64
	// MismatchWindowMs is how long a breach must persist continuously
	// before the mismatch signal fires and the key degrades.
	MismatchWindowMs int64
	// BaselineEpsilon guards the relative comparison: baselines below it
	// switch the check to an absolute one against the epsilon itself.
	BaselineEpsilon float64
	// StartupGraceMs suppresses staleness signals right after a key is
	// first seen.
	StartupGraceMs int64
	// MinSamples is the venue count below which mismatch checks are skipped.
	MinSamples int
	// LogThrottleMs spaces repeated log lines for the same key.
	LogThrottleMs int64
	// OIBaseline selects the reference venue for open interest comparisons.
	OIBaseline string
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		ExpectedIntervalMs: map[string]int64{
			bus.TopicPriceCanonical.Name():  5_000,
			bus.TopicPriceIndex.Name():      5_000,
			bus.TopicFundingAgg.Name():      120_000,
			bus.TopicOpenInterestAgg.Name(): 120_000,
			bus.TopicLiquidityAgg.Name():    90_000,
			bus.TopicCvdSpotAgg.Name():      90_000,
			bus.TopicCvdFuturesAgg.Name():   90_000,
		},
		StaleMultiplier:   3,
		MismatchThreshold: 0.05,
		MismatchWindowMs:  30_000,
		BaselineEpsilon:   1e-9,
		StartupGraceMs:    30_000,
		MinSamples:        2,
		LogThrottleMs:     60_000,
		OIBaseline:        BaselineBybitOrMedian,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.ExpectedIntervalMs == nil {
		p.ExpectedIntervalMs = def.ExpectedIntervalMs
	}
	if p.StaleMultiplier <= 0 {
		p.StaleMultiplier = def.StaleMultiplier
	}
	if p.MismatchThreshold <= 0 {
		p.MismatchThreshold = def.MismatchThreshold
	}
	if p.MismatchWindowMs <= 0 {
		p.MismatchWindowMs = def.MismatchWindowMs
	}
	if p.BaselineEpsilon <= 0 {
		p.BaselineEpsilon = def.BaselineEpsilon
	}
	if p.StartupGraceMs <= 0 {
		p.StartupGraceMs = def.StartupGraceMs
	}
	if p.MinSamples <= 0 {
		p.MinSamples = def.MinSamples
	}
	if p.LogThrottleMs <= 0 {
		p.LogThrottleMs = def.LogThrottleMs
	}
	if p.OIBaseline == "" {
		p.OIBaseline = def.OIBaseline
	}
	return p
}

// staleThreshold is the age beyond which a topic is considered stale.
func (p Policy) staleThreshold(topic string) (int64, bool) {
	interval, ok := p.ExpectedIntervalMs[topic]
	if !ok || interval <= 0 {
		return 0, false
	}
	threshold := int64(float64(interval) * p.StaleMultiplier)
	if threshold < interval {
		threshold = interval
	}
	return threshold, true
}
