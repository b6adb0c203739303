// Package aggregate consolidates per-venue streams into single events using
// TTL-windowed weighted means. All fan-in is deterministic: samples are
// accumulated in stream-sorted order and freshness is judged against event
// time, never wall-clock time.
package aggregate

import (
	"sort"

	"github.com/quantfold/marketpipe/internal/schema"
)

// mismatchRelThreshold is the relative spread above which a kernel flags
// venue disagreement.
const mismatchRelThreshold = 0.1

// Sample is one per-stream observation inside a kernel window.
type Sample struct {
	Ts    int64
	Value float64
}

// Collected is the result of one window collection.
type Collected struct {
	Value          float64
	VenueBreakdown map[string]float64
	SourcesUsed    []string
	WeightsUsed    map[string]float64
	FreshCount     int
	StaleDropped   []string
	Mismatch       bool
}

// Kernel keeps the latest sample per stream for each (symbol, market) pair
// and produces weighted means over the samples still inside the TTL window.
// Kernels are not safe for concurrent use; callers serialise through the bus.
type Kernel struct {
	ttlMs   int64
	weights map[string]float64
	states  map[string]map[string]Sample
}

// NewKernel constructs a kernel. Streams absent from weights get weight 1.
func NewKernel(ttlMs int64, weights map[string]float64) *Kernel {
	if weights == nil {
		weights = map[string]float64{}
	}
	return &Kernel{
		ttlMs:   ttlMs,
		weights: weights,
		states:  make(map[string]map[string]Sample),
	}
}

func stateKey(symbol string, market schema.MarketType) string {
	return symbol + "|" + string(market)
}

// Observe records a sample, keeping only the newest per stream.
func (k *Kernel) Observe(symbol string, market schema.MarketType, streamID string, ts int64, value float64) {
	key := stateKey(symbol, market)
	streams, ok := k.states[key]
	if !ok {
		streams = make(map[string]Sample)
		k.states[key] = streams
	}
	if prev, ok := streams[streamID]; ok && ts < prev.Ts {
		return
	}
	streams[streamID] = Sample{Ts: ts, Value: value}
}

// Forget drops a stream's sample everywhere, used on venue disconnect.
func (k *Kernel) Forget(streamID string) {
	for _, streams := range k.states {
		delete(streams, streamID)
	}
}

func (k *Kernel) weight(streamID string) float64 {
	if w, ok := k.weights[streamID]; ok && w > 0 {
		return w
	}
	return 1
}

// Collect computes the weighted mean over samples fresh at nowTs. Stale
// samples are removed from the window and reported by name so the emission
// can account for them. ok is false when no fresh sample remains.
func (k *Kernel) Collect(symbol string, market schema.MarketType, nowTs int64) (Collected, bool) {
	out := Collected{
		Value:          0,
		VenueBreakdown: map[string]float64{},
		SourcesUsed:    []string{},
		WeightsUsed:    map[string]float64{},
		FreshCount:     0,
		StaleDropped:   []string{},
		Mismatch:       false,
	}
	streams, ok := k.states[stateKey(symbol, market)]
	if !ok {
		return out, false
	}

	ids := make([]string, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var weightSum, valueSum float64
	minV, maxV := 0.0, 0.0
	for _, id := range ids {
		s := streams[id]
		if nowTs-s.Ts > k.ttlMs {
			delete(streams, id)
			out.StaleDropped = append(out.StaleDropped, id)
			continue
		}
		w := k.weight(id)
		valueSum += w * s.Value
		weightSum += w
		out.VenueBreakdown[id] = s.Value
		out.WeightsUsed[id] = w
		out.SourcesUsed = append(out.SourcesUsed, id)
		if out.FreshCount == 0 || s.Value < minV {
			minV = s.Value
		}
		if out.FreshCount == 0 || s.Value > maxV {
			maxV = s.Value
		}
		out.FreshCount++
	}
	if out.FreshCount == 0 {
		return out, false
	}
	out.Value = valueSum / weightSum
	if out.FreshCount >= 2 && minV > 0 && (maxV-minV)/minV >= mismatchRelThreshold {
		out.Mismatch = true
	}
	return out, true
}
