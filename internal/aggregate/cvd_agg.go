package aggregate

import (
	"sort"
	"sync"

	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/confidence"
	"github.com/quantfold/marketpipe/internal/schema"
	"github.com/quantfold/marketpipe/internal/sourcereg"
)

// CvdAggConfig configures the CVD consolidator.
type CvdAggConfig struct {
	Weights  map[string]float64
	Mismatch MismatchConfig
}

type cvdAggBucket struct {
	start    int64
	sizeMs   int64
	deltas   map[string]float64
	totals   map[string]float64
	lastMeta schema.EventMeta
}

// CvdAggregator consolidates per-stream CVD buckets. A (symbol, market)
// bucket closes when a stream reports a later one; deltas and totals are
// weighted sums and the mismatch-v1 verdict rides along when it fires.
type CvdAggregator struct {
	bus *bus.Bus
	reg *sourcereg.Registry
	cfg CvdAggConfig

	mu       sync.Mutex
	spot     map[string]*cvdAggBucket
	futures  map[string]*cvdAggBucket
	mismatch map[string]*MismatchState
}

// NewCvdAggregator constructs the consolidator; call Register to attach it.
func NewCvdAggregator(b *bus.Bus, reg *sourcereg.Registry, cfg CvdAggConfig) *CvdAggregator {
	return &CvdAggregator{
		bus:      b,
		reg:      reg,
		cfg:      cfg,
		mu:       sync.Mutex{},
		spot:     make(map[string]*cvdAggBucket),
		futures:  make(map[string]*cvdAggBucket),
		mismatch: make(map[string]*MismatchState),
	}
}

// Register subscribes the consolidator to its input topics.
func (a *CvdAggregator) Register() {
	bus.Subscribe(a.bus, bus.TopicCvdSpot, "aggregate.cvd_agg.spot", func(ev *schema.Cvd) {
		a.onCvd(ev, a.spot, bus.TopicCvdSpotAgg)
	})
	bus.Subscribe(a.bus, bus.TopicCvdFutures, "aggregate.cvd_agg.futures", func(ev *schema.Cvd) {
		a.onCvd(ev, a.futures, bus.TopicCvdFuturesAgg)
	})
}

func (a *CvdAggregator) onCvd(ev *schema.Cvd, buckets map[string]*cvdAggBucket, out bus.Topic[*schema.CvdAgg]) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := stateKey(ev.Symbol, ev.MarketType)
	bucket, ok := buckets[key]
	if ok && ev.BucketStartTs > bucket.start {
		delete(buckets, key)
		a.closeBucket(ev.Symbol, ev.MarketType, key, bucket, out)
		bucket = nil
	}
	if bucket == nil || !ok {
		bucket = &cvdAggBucket{
			start:    ev.BucketStartTs,
			sizeMs:   ev.BucketSizeMs,
			deltas:   make(map[string]float64),
			totals:   make(map[string]float64),
			lastMeta: ev.Meta,
		}
		buckets[key] = bucket
	}
	if ev.BucketStartTs < bucket.start {
		// Stream lagging behind an already-closed bucket; its contribution
		// is lost rather than rewriting history.
		return
	}
	bucket.deltas[ev.StreamID] = ev.CvdDelta
	bucket.totals[ev.StreamID] = ev.CvdTotal
	bucket.lastMeta = ev.Meta
	a.reg.ObserveRaw(ev.Symbol, string(ev.MarketType), sourcereg.FeedTrades, ev.StreamID, ev.BucketEndTs)
}

// Flush closes every pending bucket, used at shutdown and replay end.
func (a *CvdAggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, side := range []struct {
		buckets map[string]*cvdAggBucket
		out     bus.Topic[*schema.CvdAgg]
	}{
		{buckets: a.spot, out: bus.TopicCvdSpotAgg},
		{buckets: a.futures, out: bus.TopicCvdFuturesAgg},
	} {
		keys := make([]string, 0, len(side.buckets))
		for key := range side.buckets {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			symbol, market := splitStateKey(key)
			a.closeBucket(symbol, market, key, side.buckets[key], side.out)
			delete(side.buckets, key)
		}
	}
}

func (a *CvdAggregator) closeBucket(symbol string, market schema.MarketType, key string, bucket *cvdAggBucket, out bus.Topic[*schema.CvdAgg]) {
	if len(bucket.deltas) == 0 {
		return
	}

	streams := make([]string, 0, len(bucket.deltas))
	for id := range bucket.deltas {
		streams = append(streams, id)
	}
	sort.Strings(streams)

	var deltaSum, totalSum float64
	weightsUsed := map[string]float64{}
	breakdown := map[string]float64{}
	for _, id := range streams {
		w := 1.0
		if cw, ok := a.cfg.Weights[id]; ok && cw > 0 {
			w = cw
		}
		deltaSum += w * bucket.deltas[id]
		totalSum += w * bucket.totals[id]
		weightsUsed[id] = w
		breakdown[id] = bucket.deltas[id]
	}

	mstate, ok := a.mismatch[out.Name()+"|"+key]
	if !ok {
		mstate = NewMismatchState()
		a.mismatch[out.Name()+"|"+key] = mstate
	}
	verdict := EvaluateCvdMismatchV1(a.cfg.Mismatch, mstate, bucket.deltas)

	res := confidence.Compute(confidence.Inputs{
		FreshSources:        len(streams),
		ExpectedSources:     a.reg.ExpectedCount(symbol, string(market), sourcereg.MetricFlow),
		StaleSourcesDropped: 0,
		MismatchDetected:    false,
		GapDetected:         false,
		SequenceBroken:      false,
		LagDetected:         false,
		OutlierDetected:     false,
		FallbackPenalty:     nil,
		SourcePenalty:       nil,
		SourceCap:           nil,
	})
	score := res.Score
	mismatched := false
	if verdict != nil {
		score = clampScore(score * verdict.ConfidencePenalty)
		mismatched = true
	}

	closeTs := bucket.start + bucket.sizeMs
	ev := &schema.CvdAgg{
		AggregateCore: schema.AggregateCore{
			Symbol:              symbol,
			Ts:                  closeTs,
			MarketType:          market,
			VenueBreakdown:      breakdown,
			SourcesUsed:         streams,
			WeightsUsed:         weightsUsed,
			FreshSourcesCount:   len(streams),
			StaleSourcesDropped: []string{},
			MismatchDetected:    mismatched,
			ConfidenceScore:     score,
			QualityFlags: schema.QualityFlags{
				ConsistentUnits:  nil,
				MismatchDetected: mismatched,
				GapDetected:      false,
				SequenceBroken:   false,
				LagDetected:      false,
				OutlierDetected:  false,
			},
			Provider: schema.ProviderConsolidated,
			Meta:     schema.InheritMeta(bucket.lastMeta, schema.ProviderConsolidated),
		},
		CvdDelta:      deltaSum,
		CvdTotal:      totalSum,
		BucketStartTs: bucket.start,
		BucketEndTs:   closeTs,
		BucketSizeMs:  bucket.sizeMs,
		Unit:          "base",
		Mismatch:      verdict,
	}
	a.reg.MarkAggEmitted(symbol, string(market), sourcereg.MetricFlow, streams, closeTs)
	bus.Publish(a.bus, out, ev)
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
