package aggregate

import (
	"sort"
	"sync"

	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/confidence"
	"github.com/quantfold/marketpipe/internal/schema"
	"github.com/quantfold/marketpipe/internal/sourcereg"
	"github.com/quantfold/marketpipe/internal/symbols"
)

// LiquidationConfig configures the liquidation bucket aggregator.
type LiquidationConfig struct {
	BucketMs int64
	Weights  map[string]float64
}

type liqBucket struct {
	startTs   int64
	count     int
	usdCount  int
	usdTotal  float64
	baseTotal float64
	perUsd    map[string]float64
	perBase   map[string]float64
	streams   map[string]struct{}
}

// LiquidationAggregator totals liquidations over fixed buckets. A bucket
// closes when an event for a later bucket arrives; the emitted unit is usd
// only when every event in the bucket carried a USD notional.
type LiquidationAggregator struct {
	bus *bus.Bus
	reg *sourcereg.Registry
	cfg LiquidationConfig

	mu       sync.Mutex
	buckets  map[string]*liqBucket
	lastMeta map[string]schema.EventMeta
}

// NewLiquidationAggregator constructs the aggregator; call Register to attach it.
func NewLiquidationAggregator(b *bus.Bus, reg *sourcereg.Registry, cfg LiquidationConfig) *LiquidationAggregator {
	return &LiquidationAggregator{
		bus:      b,
		reg:      reg,
		cfg:      cfg,
		mu:       sync.Mutex{},
		buckets:  make(map[string]*liqBucket),
		lastMeta: make(map[string]schema.EventMeta),
	}
}

// Register subscribes the aggregator to its input topics.
func (a *LiquidationAggregator) Register() {
	bus.Subscribe(a.bus, bus.TopicLiquidation, "aggregate.liquidation", a.onLiquidation)
}

func (a *LiquidationAggregator) onLiquidation(l *schema.Liquidation) {
	if l.MarketType == schema.MarketUnknown {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := l.Meta.TsEvent
	key := stateKey(l.Symbol, l.MarketType)
	start := symbols.BucketStart(ts, a.cfg.BucketMs)

	bucket, ok := a.buckets[key]
	if ok && start > bucket.startTs {
		a.closeBucket(l.Symbol, l.MarketType, key, bucket)
		bucket = nil
	}
	if bucket == nil || !ok {
		bucket = &liqBucket{
			startTs:   start,
			count:     0,
			usdCount:  0,
			usdTotal:  0,
			baseTotal: 0,
			perUsd:    make(map[string]float64),
			perBase:   make(map[string]float64),
			streams:   make(map[string]struct{}),
		}
		a.buckets[key] = bucket
	}
	// Late events for an already-emitted bucket land in the open one rather
	// than being dropped.
	bucket.count++
	bucket.streams[l.StreamID] = struct{}{}
	bucket.baseTotal += l.Size
	bucket.perBase[l.StreamID] += l.Size
	if l.NotionalUsd != nil {
		bucket.usdCount++
		bucket.usdTotal += *l.NotionalUsd
		bucket.perUsd[l.StreamID] += *l.NotionalUsd
	}
	a.lastMeta[key] = l.Meta
}

// Flush closes and emits every open bucket, used at shutdown and at the end
// of a replay.
func (a *LiquidationAggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.buckets))
	for key := range a.buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		bucket := a.buckets[key]
		symbol, market := splitStateKey(key)
		a.closeBucket(symbol, market, key, bucket)
	}
}

func splitStateKey(key string) (string, schema.MarketType) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[:i], schema.MarketType(key[i+1:])
		}
	}
	return key, schema.MarketUnknown
}

func (a *LiquidationAggregator) closeBucket(symbol string, market schema.MarketType, key string, bucket *liqBucket) {
	delete(a.buckets, key)
	if bucket.count == 0 {
		return
	}

	streams := make([]string, 0, len(bucket.streams))
	for id := range bucket.streams {
		streams = append(streams, id)
	}
	sort.Strings(streams)

	// USD only when every event in the bucket carried a notional.
	unit := "base"
	total := bucket.baseTotal
	breakdown := bucket.perBase
	if bucket.usdCount == bucket.count {
		unit = "usd"
		total = bucket.usdTotal
		breakdown = bucket.perUsd
	}

	weightsUsed := map[string]float64{}
	for _, id := range streams {
		if w, ok := a.cfg.Weights[id]; ok && w > 0 {
			weightsUsed[id] = w
		} else {
			weightsUsed[id] = 1
		}
	}

	adj := confidence.SourceTrustAdjustments(confidence.ContextLiquidation, streams)
	res := confidence.Compute(confidence.Inputs{
		FreshSources:        len(streams),
		ExpectedSources:     a.reg.ExpectedCount(symbol, string(market), sourcereg.MetricDerivatives),
		StaleSourcesDropped: 0,
		MismatchDetected:    false,
		GapDetected:         false,
		SequenceBroken:      false,
		LagDetected:         false,
		OutlierDetected:     false,
		FallbackPenalty:     nil,
		SourcePenalty:       adj.SourcePenalty,
		SourceCap:           adj.SourceCap,
	})

	closeTs := bucket.startTs + a.cfg.BucketMs
	ev := &schema.LiquidationsAgg{
		AggregateCore: schema.AggregateCore{
			Symbol:              symbol,
			Ts:                  closeTs,
			MarketType:          market,
			VenueBreakdown:      breakdown,
			SourcesUsed:         streams,
			WeightsUsed:         weightsUsed,
			FreshSourcesCount:   len(streams),
			StaleSourcesDropped: []string{},
			MismatchDetected:    false,
			ConfidenceScore:     res.Score,
			QualityFlags: schema.QualityFlags{
				ConsistentUnits:  nil,
				MismatchDetected: false,
				GapDetected:      false,
				SequenceBroken:   false,
				LagDetected:      false,
				OutlierDetected:  false,
			},
			Provider: schema.ProviderConsolidated,
			Meta:     schema.InheritMeta(a.lastMeta[key], schema.ProviderConsolidated),
		},
		Total:         total,
		Unit:          unit,
		Count:         bucket.count,
		BucketStartTs: bucket.startTs,
		BucketEndTs:   closeTs,
		BucketSizeMs:  a.cfg.BucketMs,
	}
	a.reg.MarkAggEmitted(symbol, string(market), sourcereg.MetricDerivatives, streams, closeTs)
	bus.Publish(a.bus, bus.TopicLiquidationsAgg, ev)
}
