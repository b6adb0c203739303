package aggregate

import (
	"sort"
	"sync"

	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/confidence"
	"github.com/quantfold/marketpipe/internal/schema"
	"github.com/quantfold/marketpipe/internal/sourcereg"
)

// OIConfig configures the open interest aggregator. The canonical price gate
// controls base-to-USD conversion: a conversion only happens when a canonical
// price is fresher than CanonicalTTLMs and at least CanonicalMinConfidence.
type OIConfig struct {
	TTLMs                  int64
	Weights                map[string]float64
	CanonicalTTLMs         int64
	CanonicalMinConfidence float64
}

type oiSample struct {
	ts    int64
	value float64
	unit  schema.OIUnit
}

// PriceSource supplies the latest canonical price for USD conversion.
type PriceSource interface {
	Latest(symbol string, market schema.MarketType) (price float64, ts int64, conf float64, ok bool)
}

// OIAggregator consolidates open interest across venues. Venues report OI in
// different units; only the dominant unit group is summed, and the rest are
// excluded from the emission rather than silently mixed.
type OIAggregator struct {
	bus    *bus.Bus
	reg    *sourcereg.Registry
	prices PriceSource
	cfg    OIConfig

	mu     sync.Mutex
	states map[string]map[string]oiSample
}

// NewOIAggregator constructs the aggregator; call Register to attach it.
func NewOIAggregator(b *bus.Bus, reg *sourcereg.Registry, prices PriceSource, cfg OIConfig) *OIAggregator {
	return &OIAggregator{
		bus:    b,
		reg:    reg,
		prices: prices,
		cfg:    cfg,
		mu:     sync.Mutex{},
		states: make(map[string]map[string]oiSample),
	}
}

// Register subscribes the aggregator to its input topics.
func (a *OIAggregator) Register() {
	bus.Subscribe(a.bus, bus.TopicOpenInterest, "aggregate.oi", a.onOpenInterest)
	bus.Subscribe(a.bus, bus.TopicDisconnected, "aggregate.oi.disconnect", func(ev *schema.Disconnected) {
		a.mu.Lock()
		defer a.mu.Unlock()
		for _, streams := range a.states {
			delete(streams, ev.StreamID)
		}
	})
}

func (a *OIAggregator) onOpenInterest(oi *schema.OpenInterest) {
	if oi.MarketType == schema.MarketUnknown || oi.Unit == schema.OIUnitUnknown {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := oi.Meta.TsEvent
	key := stateKey(oi.Symbol, oi.MarketType)
	streams, ok := a.states[key]
	if !ok {
		streams = make(map[string]oiSample)
		a.states[key] = streams
	}
	if prev, ok := streams[oi.StreamID]; !ok || ts >= prev.ts {
		streams[oi.StreamID] = oiSample{ts: ts, value: oi.OpenInterest, unit: oi.Unit}
	}
	a.reg.ObserveRaw(oi.Symbol, string(oi.MarketType), sourcereg.FeedOI, oi.StreamID, ts)

	a.emit(oi, ts, streams)
}

func (a *OIAggregator) emit(oi *schema.OpenInterest, nowTs int64, streams map[string]oiSample) {
	ids := make([]string, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fresh := make([]string, 0, len(ids))
	staleDropped := []string{}
	groups := map[schema.OIUnit][]string{}
	for _, id := range ids {
		s := streams[id]
		if nowTs-s.ts > a.cfg.TTLMs {
			delete(streams, id)
			staleDropped = append(staleDropped, id)
			continue
		}
		fresh = append(fresh, id)
		groups[s.unit] = append(groups[s.unit], id)
	}
	if len(fresh) == 0 {
		a.reg.RecordSuppression(oi.Symbol, string(oi.MarketType), sourcereg.MetricDerivatives, sourcereg.ReasonStaleInput)
		return
	}

	// Dominant group by member count, ties broken by unit name.
	units := make([]schema.OIUnit, 0, len(groups))
	for unit := range groups {
		units = append(units, unit)
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	dominant := units[0]
	for _, unit := range units[1:] {
		if len(groups[unit]) > len(groups[dominant]) {
			dominant = unit
		}
	}
	consistent := len(groups) == 1

	// The consolidated figure is a weighted total like the CVD roll-up;
	// the breakdown keeps the raw per-venue values.
	var total float64
	breakdown := map[string]float64{}
	weightsUsed := map[string]float64{}
	for _, id := range groups[dominant] {
		v := streams[id].value
		w := 1.0
		if cw, ok := a.cfg.Weights[id]; ok && cw > 0 {
			w = cw
		}
		total += v * w
		breakdown[id] = v
		weightsUsed[id] = w
	}

	var valueUsd *float64
	switch dominant {
	case schema.OIUnitUsd:
		v := total
		valueUsd = &v
	case schema.OIUnitBase:
		if a.prices != nil {
			price, priceTs, conf, ok := a.prices.Latest(oi.Symbol, oi.MarketType)
			if ok && nowTs-priceTs <= a.cfg.CanonicalTTLMs && conf >= a.cfg.CanonicalMinConfidence {
				v := total * price
				valueUsd = &v
			} else {
				a.reg.RecordSuppression(oi.Symbol, string(oi.MarketType), sourcereg.MetricDerivatives, sourcereg.ReasonNoCanonicalPrice)
			}
		}
	}

	res := confidence.Compute(confidence.Inputs{
		FreshSources:        len(groups[dominant]),
		ExpectedSources:     a.reg.ExpectedCount(oi.Symbol, string(oi.MarketType), sourcereg.MetricDerivatives),
		StaleSourcesDropped: len(staleDropped),
		MismatchDetected:    false,
		GapDetected:         false,
		SequenceBroken:      false,
		LagDetected:         false,
		OutlierDetected:     false,
		FallbackPenalty:     nil,
		SourcePenalty:       nil,
		SourceCap:           nil,
	})
	consistentFlag := consistent
	ev := &schema.OpenInterestAgg{
		AggregateCore: schema.AggregateCore{
			Symbol:              oi.Symbol,
			Ts:                  nowTs,
			MarketType:          oi.MarketType,
			VenueBreakdown:      breakdown,
			SourcesUsed:         groups[dominant],
			WeightsUsed:         weightsUsed,
			FreshSourcesCount:   len(groups[dominant]),
			StaleSourcesDropped: staleDropped,
			MismatchDetected:    false,
			ConfidenceScore:     res.Score,
			QualityFlags: schema.QualityFlags{
				ConsistentUnits:  &consistentFlag,
				MismatchDetected: false,
				GapDetected:      false,
				SequenceBroken:   false,
				LagDetected:      false,
				OutlierDetected:  false,
			},
			Provider: schema.ProviderConsolidated,
			Meta:     schema.InheritMeta(oi.Meta, schema.ProviderConsolidated),
		},
		OpenInterest:         total,
		Unit:                 dominant,
		OpenInterestValueUsd: valueUsd,
	}
	a.reg.MarkAggEmitted(oi.Symbol, string(oi.MarketType), sourcereg.MetricDerivatives, groups[dominant], nowTs)
	bus.Publish(a.bus, bus.TopicOpenInterestAgg, ev)
}
