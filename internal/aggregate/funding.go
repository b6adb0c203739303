package aggregate

import (
	"sync"

	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/confidence"
	"github.com/quantfold/marketpipe/internal/schema"
	"github.com/quantfold/marketpipe/internal/sourcereg"
)

// FundingConfig configures the funding rate aggregator.
type FundingConfig struct {
	TTLMs   int64
	Weights map[string]float64
}

// FundingAggregator consolidates venue funding rates into a weighted mean.
type FundingAggregator struct {
	bus *bus.Bus
	reg *sourcereg.Registry

	mu     sync.Mutex
	kernel *Kernel
}

// NewFundingAggregator constructs the aggregator; call Register to attach it.
func NewFundingAggregator(b *bus.Bus, reg *sourcereg.Registry, cfg FundingConfig) *FundingAggregator {
	return &FundingAggregator{
		bus:    b,
		reg:    reg,
		mu:     sync.Mutex{},
		kernel: NewKernel(cfg.TTLMs, cfg.Weights),
	}
}

// Register subscribes the aggregator to its input topics.
func (a *FundingAggregator) Register() {
	bus.Subscribe(a.bus, bus.TopicFunding, "aggregate.funding", a.onFunding)
	bus.Subscribe(a.bus, bus.TopicDisconnected, "aggregate.funding.disconnect", func(ev *schema.Disconnected) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.kernel.Forget(ev.StreamID)
	})
}

func (a *FundingAggregator) onFunding(f *schema.Funding) {
	if f.MarketType == schema.MarketUnknown {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := f.Meta.TsEvent
	a.kernel.Observe(f.Symbol, f.MarketType, f.StreamID, ts, f.Rate)
	a.reg.ObserveRaw(f.Symbol, string(f.MarketType), sourcereg.FeedFunding, f.StreamID, ts)

	col, ok := a.kernel.Collect(f.Symbol, f.MarketType, ts)
	if !ok {
		a.reg.RecordSuppression(f.Symbol, string(f.MarketType), sourcereg.MetricDerivatives, sourcereg.ReasonStaleInput)
		return
	}
	res := confidence.Compute(confidence.Inputs{
		FreshSources:        col.FreshCount,
		ExpectedSources:     a.reg.ExpectedCount(f.Symbol, string(f.MarketType), sourcereg.MetricDerivatives),
		StaleSourcesDropped: len(col.StaleDropped),
		MismatchDetected:    col.Mismatch,
		GapDetected:         false,
		SequenceBroken:      false,
		LagDetected:         false,
		OutlierDetected:     false,
		FallbackPenalty:     nil,
		SourcePenalty:       nil,
		SourceCap:           nil,
	})
	ev := &schema.FundingAgg{
		AggregateCore: schema.AggregateCore{
			Symbol:              f.Symbol,
			Ts:                  ts,
			MarketType:          f.MarketType,
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
			Meta:     schema.InheritMeta(f.Meta, schema.ProviderConsolidated),
		},
		Rate: col.Value,
	}
	a.reg.MarkAggEmitted(f.Symbol, string(f.MarketType), sourcereg.MetricDerivatives, col.SourcesUsed, ts)
	bus.Publish(a.bus, bus.TopicFundingAgg, ev)
}
