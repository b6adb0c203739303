package aggregate

import (
	"log"
	"sync"

	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/confidence"
	"github.com/quantfold/marketpipe/internal/schema"
	"github.com/quantfold/marketpipe/internal/sourcereg"
)

// Fallback penalty factors for demoted price tiers. Index needs none.
const (
	penaltyMarkFallback = 0.85
	penaltyLastFallback = 0.60
)

// PriceConfig configures the canonical price aggregator.
type PriceConfig struct {
	TTLMs   int64
	Weights map[string]float64
}

type latestPrice struct {
	price      float64
	ts         int64
	confidence float64
}

// PriceAggregator consolidates venue tickers into the canonical price. It
// prefers index over mark over last and records the fallback reason when a
// tier is demoted.
type PriceAggregator struct {
	bus    *bus.Bus
	reg    *sourcereg.Registry
	logger *log.Logger

	mu     sync.Mutex
	index  *Kernel
	mark   *Kernel
	last   *Kernel
	latest map[string]latestPrice
}

// NewPriceAggregator constructs the aggregator; call Register to attach it.
func NewPriceAggregator(b *bus.Bus, reg *sourcereg.Registry, logger *log.Logger, cfg PriceConfig) *PriceAggregator {
	if logger == nil {
		logger = log.Default()
	}
	return &PriceAggregator{
		bus:    b,
		reg:    reg,
		logger: logger,
		mu:     sync.Mutex{},
		index:  NewKernel(cfg.TTLMs, cfg.Weights),
		mark:   NewKernel(cfg.TTLMs, cfg.Weights),
		last:   NewKernel(cfg.TTLMs, cfg.Weights),
		latest: make(map[string]latestPrice),
	}
}

// Register subscribes the aggregator to its input topics.
func (a *PriceAggregator) Register() {
	bus.Subscribe(a.bus, bus.TopicTicker, "aggregate.price", a.onTicker)
	bus.Subscribe(a.bus, bus.TopicDisconnected, "aggregate.price.disconnect", a.onDisconnect)
}

// Latest reports the most recently emitted canonical price for a pair; the
// open interest aggregator uses it for base-to-USD conversion.
func (a *PriceAggregator) Latest(symbol string, market schema.MarketType) (price float64, ts int64, conf float64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lp, ok := a.latest[stateKey(symbol, market)]
	if !ok {
		return 0, 0, 0, false
	}
	return lp.price, lp.ts, lp.confidence, true
}

func (a *PriceAggregator) onDisconnect(ev *schema.Disconnected) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.index.Forget(ev.StreamID)
	a.mark.Forget(ev.StreamID)
	a.last.Forget(ev.StreamID)
}

func (a *PriceAggregator) onTicker(t *schema.Ticker) {
	if t.MarketType == schema.MarketUnknown {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := t.Meta.TsEvent
	if t.IndexPrice != nil {
		a.index.Observe(t.Symbol, t.MarketType, t.StreamID, ts, *t.IndexPrice)
		a.reg.ObserveRaw(t.Symbol, string(t.MarketType), sourcereg.FeedIndexPrice, t.StreamID, ts)
	}
	if t.MarkPrice != nil {
		a.mark.Observe(t.Symbol, t.MarketType, t.StreamID, ts, *t.MarkPrice)
		a.reg.ObserveRaw(t.Symbol, string(t.MarketType), sourcereg.FeedMarkPrice, t.StreamID, ts)
	}
	if t.LastPrice != nil {
		a.last.Observe(t.Symbol, t.MarketType, t.StreamID, ts, *t.LastPrice)
	}

	a.emitIndex(t, ts)
	a.emitCanonical(t, ts)
}

func (a *PriceAggregator) emitIndex(t *schema.Ticker, nowTs int64) {
	col, ok := a.index.Collect(t.Symbol, t.MarketType, nowTs)
	if !ok {
		return
	}
	core, score := a.buildCore(t, nowTs, col, nil)
	ev := &schema.PriceIndex{AggregateCore: core, Price: col.Value}
	ev.ConfidenceScore = score
	bus.Publish(a.bus, bus.TopicPriceIndex, ev)
}

func (a *PriceAggregator) emitCanonical(t *schema.Ticker, nowTs int64) {
	type tier struct {
		kernel    *Kernel
		priceType string
		penalty   *float64
		missing   string
		stale     string
	}
	f := func(v float64) *float64 { return &v }
	tiers := []tier{
		{kernel: a.index, priceType: schema.PriceTypeIndex, penalty: nil,
			missing: schema.FallbackNoIndex, stale: schema.FallbackIndexStale},
		{kernel: a.mark, priceType: schema.PriceTypeMark, penalty: f(penaltyMarkFallback),
			missing: schema.FallbackNoMark, stale: schema.FallbackMarkStale},
		{kernel: a.last, priceType: schema.PriceTypeLast, penalty: f(penaltyLastFallback),
			missing: "", stale: ""},
	}

	fallbackReason := ""
	for _, tr := range tiers {
		col, ok := tr.kernel.Collect(t.Symbol, t.MarketType, nowTs)
		if !ok {
			// The reason the NEXT tier was selected is why this one failed.
			if len(col.StaleDropped) > 0 && tr.stale != "" {
				fallbackReason = tr.stale
			} else if tr.missing != "" {
				fallbackReason = tr.missing
			}
			continue
		}
		core, score := a.buildCore(t, nowTs, col, tr.penalty)
		ev := &schema.PriceCanonical{
			AggregateCore:  core,
			Price:          col.Value,
			PriceTypeUsed:  tr.priceType,
			FallbackReason: fallbackReason,
		}
		ev.ConfidenceScore = score
		a.latest[stateKey(t.Symbol, t.MarketType)] = latestPrice{
			price:      col.Value,
			ts:         nowTs,
			confidence: score,
		}
		a.reg.MarkAggEmitted(t.Symbol, string(t.MarketType), sourcereg.MetricPrice, col.SourcesUsed, nowTs)
		bus.Publish(a.bus, bus.TopicPriceCanonical, ev)
		return
	}
	a.reg.RecordSuppression(t.Symbol, string(t.MarketType), sourcereg.MetricPrice, sourcereg.ReasonNoCanonicalPrice)
}

func (a *PriceAggregator) buildCore(t *schema.Ticker, nowTs int64, col Collected, fallbackPenalty *float64) (schema.AggregateCore, float64) {
	res := confidence.Compute(confidence.Inputs{
		FreshSources:        col.FreshCount,
		ExpectedSources:     a.reg.ExpectedCount(t.Symbol, string(t.MarketType), sourcereg.MetricPrice),
		StaleSourcesDropped: len(col.StaleDropped),
		MismatchDetected:    col.Mismatch,
		GapDetected:         false,
		SequenceBroken:      false,
		LagDetected:         false,
		OutlierDetected:     false,
		FallbackPenalty:     fallbackPenalty,
		SourcePenalty:       nil,
		SourceCap:           nil,
	})
	core := schema.AggregateCore{
		Symbol:              t.Symbol,
		Ts:                  nowTs,
		MarketType:          t.MarketType,
		VenueBreakdown:      col.VenueBreakdown,
		SourcesUsed:         col.SourcesUsed,
		WeightsUsed:         col.WeightsUsed,
		FreshSourcesCount:   col.FreshCount,
		StaleSourcesDropped: col.StaleDropped,
		MismatchDetected:    col.Mismatch,
		ConfidenceScore:     res.Score,
		QualityFlags: schema.QualityFlags{
			ConsistentUnits:  nil,
			MismatchDetected: col.Mismatch,
			GapDetected:      false,
			SequenceBroken:   false,
			LagDetected:      false,
			OutlierDetected:  false,
		},
		Provider: schema.ProviderConsolidated,
		Meta:     schema.InheritMeta(t.Meta, schema.ProviderConsolidated),
	}
	return core, res.Score
}
