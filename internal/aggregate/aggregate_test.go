package aggregate

import (
	"math"
	"testing"

	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/schema"
	"github.com/quantfold/marketpipe/internal/sourcereg"
)

func f(v float64) *float64 { return &v }

func ticker(stream string, ts int64, index, mark, last *float64) *schema.Ticker {
	return &schema.Ticker{
		Symbol:     "BTCUSDT",
		StreamID:   stream,
		MarketType: schema.MarketFutures,
		LastPrice:  last,
		MarkPrice:  mark,
		IndexPrice: index,
		BidPrice:   nil,
		AskPrice:   nil,
		Meta: schema.EventMeta{
			TsEvent:       ts,
			TsIngest:      ts,
			TsExchange:    nil,
			Sequence:      nil,
			Source:        stream,
			StreamID:      stream,
			CorrelationID: "corr-1",
		},
	}
}

func TestCanonicalPriceDropsStaleSource(t *testing.T) {
	b := bus.New(nil)
	reg := sourcereg.New()
	reg.SetExpected("BTCUSDT", "futures", sourcereg.MetricPrice, []string{"binance.futures", "okx.public.swap"})
	agg := NewPriceAggregator(b, reg, nil, PriceConfig{TTLMs: 5000, Weights: nil})
	agg.Register()

	var got []*schema.PriceCanonical
	bus.Subscribe(b, bus.TopicPriceCanonical, "test", func(ev *schema.PriceCanonical) {
		got = append(got, ev)
	})

	bus.Publish(b, bus.TopicTicker, ticker("binance.futures", 1000, f(50000), nil, nil))
	bus.Publish(b, bus.TopicTicker, ticker("okx.public.swap", 1100, f(50100), nil, nil))
	if len(got) != 2 {
		t.Fatalf("expected 2 canonical emissions, got %d", len(got))
	}
	if got[1].FreshSourcesCount != 2 || got[1].ConfidenceScore != 1 {
		t.Fatalf("both sources fresh should score 1, got %+v", got[1].AggregateCore)
	}
	if math.Abs(got[1].Price-50050) > 1e-9 {
		t.Fatalf("expected mean 50050, got %v", got[1].Price)
	}

	// binance goes quiet; the next okx tick pushes it past the TTL.
	bus.Publish(b, bus.TopicTicker, ticker("okx.public.swap", 7000, f(50200), nil, nil))
	last := got[len(got)-1]
	if last.FreshSourcesCount != 1 {
		t.Fatalf("expected 1 fresh source, got %d", last.FreshSourcesCount)
	}
	if len(last.StaleSourcesDropped) != 1 || last.StaleSourcesDropped[0] != "binance.futures" {
		t.Fatalf("expected binance dropped, got %v", last.StaleSourcesDropped)
	}
	if last.Price != 50200 {
		t.Fatalf("stale source must not contribute, got %v", last.Price)
	}
	if last.ConfidenceScore != 0.5 {
		t.Fatalf("expected confidence 1/2, got %v", last.ConfidenceScore)
	}
}

func TestCanonicalPriceFallbackToMark(t *testing.T) {
	b := bus.New(nil)
	reg := sourcereg.New()
	agg := NewPriceAggregator(b, reg, nil, PriceConfig{TTLMs: 5000, Weights: nil})
	agg.Register()

	var got []*schema.PriceCanonical
	bus.Subscribe(b, bus.TopicPriceCanonical, "test", func(ev *schema.PriceCanonical) {
		got = append(got, ev)
	})

	bus.Publish(b, bus.TopicTicker, ticker("binance.futures", 1000, nil, f(50000), nil))
	if len(got) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(got))
	}
	if got[0].PriceTypeUsed != schema.PriceTypeMark {
		t.Fatalf("expected mark tier, got %s", got[0].PriceTypeUsed)
	}
	if got[0].FallbackReason != schema.FallbackNoIndex {
		t.Fatalf("expected NO_INDEX, got %q", got[0].FallbackReason)
	}
	if got[0].ConfidenceScore != 0.85 {
		t.Fatalf("expected mark penalty 0.85, got %v", got[0].ConfidenceScore)
	}
}

func TestCanonicalPriceSuppressedWhenAllStale(t *testing.T) {
	b := bus.New(nil)
	reg := sourcereg.New()
	agg := NewPriceAggregator(b, reg, nil, PriceConfig{TTLMs: 1000, Weights: nil})
	agg.Register()

	emitted := 0
	bus.Subscribe(b, bus.TopicPriceCanonical, "test", func(*schema.PriceCanonical) { emitted++ })

	bus.Publish(b, bus.TopicTicker, ticker("binance.futures", 1000, f(50000), nil, nil))
	if emitted != 1 {
		t.Fatalf("expected first emission")
	}
	// A ticker with no usable field far in the future finds everything stale.
	bus.Publish(b, bus.TopicTicker, ticker("okx.public.swap", 99999, nil, nil, nil))
	if emitted != 1 {
		t.Fatalf("no aggregate may be produced from stale data")
	}
	snap := reg.Snapshot(99999, "BTCUSDT", "futures")
	found := false
	for _, m := range snap.Metrics {
		if m.Metric == sourcereg.MetricPrice && m.Suppressions[sourcereg.ReasonNoCanonicalPrice] > 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("suppression not recorded: %+v", snap.Metrics)
	}
}

func TestKernelMismatchFlag(t *testing.T) {
	k := NewKernel(5000, nil)
	k.Observe("BTCUSDT", schema.MarketFutures, "a", 1000, 100)
	k.Observe("BTCUSDT", schema.MarketFutures, "b", 1000, 112)
	col, ok := k.Collect("BTCUSDT", schema.MarketFutures, 1000)
	if !ok || !col.Mismatch {
		t.Fatalf("12%% spread must flag mismatch: %+v", col)
	}
	k.Observe("BTCUSDT", schema.MarketFutures, "b", 1001, 105)
	col, ok = k.Collect("BTCUSDT", schema.MarketFutures, 1001)
	if !ok || col.Mismatch {
		t.Fatalf("5%% spread must not flag mismatch: %+v", col)
	}
}

func TestKernelWeightedMeanStreamOrderInvariant(t *testing.T) {
	weights := map[string]float64{"a": 2, "b": 1}
	k1 := NewKernel(5000, weights)
	k1.Observe("BTCUSDT", schema.MarketSpot, "a", 1000, 100)
	k1.Observe("BTCUSDT", schema.MarketSpot, "b", 1000, 130)
	k2 := NewKernel(5000, weights)
	k2.Observe("BTCUSDT", schema.MarketSpot, "b", 1000, 130)
	k2.Observe("BTCUSDT", schema.MarketSpot, "a", 1000, 100)

	c1, _ := k1.Collect("BTCUSDT", schema.MarketSpot, 1000)
	c2, _ := k2.Collect("BTCUSDT", schema.MarketSpot, 1000)
	if c1.Value != c2.Value {
		t.Fatalf("arrival order changed the mean: %v vs %v", c1.Value, c2.Value)
	}
	if math.Abs(c1.Value-110) > 1e-9 {
		t.Fatalf("expected weighted mean 110, got %v", c1.Value)
	}
}

type fixedPrice struct {
	price float64
	ts    int64
	conf  float64
	ok    bool
}

func (p fixedPrice) Latest(string, schema.MarketType) (float64, int64, float64, bool) {
	return p.price, p.ts, p.conf, p.ok
}

func oiEvent(stream string, ts int64, value float64, unit schema.OIUnit) *schema.OpenInterest {
	return &schema.OpenInterest{
		Symbol:       "BTCUSDT",
		StreamID:     stream,
		MarketType:   schema.MarketFutures,
		OpenInterest: value,
		Unit:         unit,
		ValueUsd:     nil,
		Meta: schema.EventMeta{
			TsEvent:       ts,
			TsIngest:      ts,
			TsExchange:    nil,
			Sequence:      nil,
			Source:        stream,
			StreamID:      stream,
			CorrelationID: "corr-1",
		},
	}
}

func TestOIDominantUnitGroup(t *testing.T) {
	b := bus.New(nil)
	reg := sourcereg.New()
	agg := NewOIAggregator(b, reg, fixedPrice{price: 50000, ts: 1000, conf: 1, ok: true}, OIConfig{
		TTLMs:                  60000,
		Weights:                nil,
		CanonicalTTLMs:         60000,
		CanonicalMinConfidence: 0.5,
	})
	agg.Register()

	var got []*schema.OpenInterestAgg
	bus.Subscribe(b, bus.TopicOpenInterestAgg, "test", func(ev *schema.OpenInterestAgg) {
		got = append(got, ev)
	})

	bus.Publish(b, bus.TopicOpenInterest, oiEvent("binance.futures", 1000, 1000, schema.OIUnitBase))
	bus.Publish(b, bus.TopicOpenInterest, oiEvent("bybit.public.linear.v5", 1100, 1100, schema.OIUnitBase))
	bus.Publish(b, bus.TopicOpenInterest, oiEvent("okx.public.swap", 1200, 21000, schema.OIUnitContracts))

	last := got[len(got)-1]
	if last.Unit != schema.OIUnitBase {
		t.Fatalf("dominant group should be base, got %s", last.Unit)
	}
	if last.OpenInterest != 2100 {
		t.Fatalf("contracts must not mix into base total, got %v", last.OpenInterest)
	}
	if last.QualityFlags.ConsistentUnits == nil || *last.QualityFlags.ConsistentUnits {
		t.Fatalf("mixed units must clear consistentUnits")
	}
	if last.OpenInterestValueUsd == nil || *last.OpenInterestValueUsd != 2100*50000 {
		t.Fatalf("expected USD conversion, got %+v", last.OpenInterestValueUsd)
	}
}

func TestOIWeightsScaleContributions(t *testing.T) {
	b := bus.New(nil)
	reg := sourcereg.New()
	agg := NewOIAggregator(b, reg, fixedPrice{price: 50000, ts: 1000, conf: 1, ok: true}, OIConfig{
		TTLMs:                  60000,
		Weights:                map[string]float64{"binance.futures": 0.5},
		CanonicalTTLMs:         60000,
		CanonicalMinConfidence: 0.5,
	})
	agg.Register()

	var got []*schema.OpenInterestAgg
	bus.Subscribe(b, bus.TopicOpenInterestAgg, "test", func(ev *schema.OpenInterestAgg) {
		got = append(got, ev)
	})

	bus.Publish(b, bus.TopicOpenInterest, oiEvent("binance.futures", 1000, 1000, schema.OIUnitBase))
	bus.Publish(b, bus.TopicOpenInterest, oiEvent("bybit.public.linear.v5", 1100, 1100, schema.OIUnitBase))

	last := got[len(got)-1]
	if last.OpenInterest != 0.5*1000+1100 {
		t.Fatalf("weights not applied to the total, got %v", last.OpenInterest)
	}
	if last.WeightsUsed["binance.futures"] != 0.5 || last.WeightsUsed["bybit.public.linear.v5"] != 1 {
		t.Fatalf("weightsUsed must report the applied weights: %+v", last.WeightsUsed)
	}
	// The breakdown keeps raw values.
	if last.VenueBreakdown["binance.futures"] != 1000 {
		t.Fatalf("breakdown must stay unweighted: %+v", last.VenueBreakdown)
	}
	if last.OpenInterestValueUsd == nil || *last.OpenInterestValueUsd != 1600*50000 {
		t.Fatalf("conversion must use the weighted total: %+v", last.OpenInterestValueUsd)
	}
}

func TestOIConversionGatedOnPriceFreshness(t *testing.T) {
	b := bus.New(nil)
	reg := sourcereg.New()
	agg := NewOIAggregator(b, reg, fixedPrice{price: 50000, ts: 0, conf: 1, ok: true}, OIConfig{
		TTLMs:                  60000,
		Weights:                nil,
		CanonicalTTLMs:         1000,
		CanonicalMinConfidence: 0.5,
	})
	agg.Register()

	var got []*schema.OpenInterestAgg
	bus.Subscribe(b, bus.TopicOpenInterestAgg, "test", func(ev *schema.OpenInterestAgg) {
		got = append(got, ev)
	})
	bus.Publish(b, bus.TopicOpenInterest, oiEvent("binance.futures", 50000, 1000, schema.OIUnitBase))
	if len(got) != 1 {
		t.Fatalf("expected emission")
	}
	if got[0].OpenInterestValueUsd != nil {
		t.Fatalf("stale canonical price must block conversion")
	}
}

func liqEvent(stream string, ts int64, size float64, notional *float64) *schema.Liquidation {
	return &schema.Liquidation{
		Symbol:      "BTCUSDT",
		StreamID:    stream,
		MarketType:  schema.MarketFutures,
		Side:        schema.SideSell,
		Price:       50000,
		Size:        size,
		NotionalUsd: notional,
		Meta: schema.EventMeta{
			TsEvent:       ts,
			TsIngest:      ts,
			TsExchange:    nil,
			Sequence:      nil,
			Source:        stream,
			StreamID:      stream,
			CorrelationID: "corr-1",
		},
	}
}

func TestLiquidationBucketCloseAndTrust(t *testing.T) {
	b := bus.New(nil)
	reg := sourcereg.New()
	agg := NewLiquidationAggregator(b, reg, LiquidationConfig{BucketMs: 60000, Weights: nil})
	agg.Register()

	var got []*schema.LiquidationsAgg
	bus.Subscribe(b, bus.TopicLiquidationsAgg, "test", func(ev *schema.LiquidationsAgg) {
		got = append(got, ev)
	})

	bus.Publish(b, bus.TopicLiquidation, liqEvent("binance.futures", 1000, 1, f(50000)))
	bus.Publish(b, bus.TopicLiquidation, liqEvent("bybit.public.linear.v5", 2000, 2, f(100000)))
	if len(got) != 0 {
		t.Fatalf("bucket must not close early")
	}
	// Event in the next bucket closes the first.
	bus.Publish(b, bus.TopicLiquidation, liqEvent("binance.futures", 61000, 1, f(50000)))
	if len(got) != 1 {
		t.Fatalf("expected bucket close, got %d", len(got))
	}
	ev := got[0]
	if ev.Count != 2 || ev.Unit != "usd" || ev.Total != 150000 {
		t.Fatalf("unexpected totals: %+v", ev)
	}
	if ev.BucketStartTs != 0 || ev.BucketEndTs != 60000 {
		t.Fatalf("unexpected bucket bounds: %+v", ev)
	}
	// Bybit reports bankruptcy price; confidence is capped.
	if ev.ConfidenceScore > 0.7 {
		t.Fatalf("expected trust cap 0.7, got %v", ev.ConfidenceScore)
	}

	agg.Flush()
	if len(got) != 2 {
		t.Fatalf("flush must close the open bucket")
	}
	if got[1].Unit != "usd" || got[1].Total != 50000 {
		t.Fatalf("unexpected flushed bucket: %+v", got[1])
	}
}

func TestLiquidationMixedNotionalFallsBackToBase(t *testing.T) {
	b := bus.New(nil)
	agg := NewLiquidationAggregator(b, sourcereg.New(), LiquidationConfig{BucketMs: 60000, Weights: nil})
	agg.Register()

	var got []*schema.LiquidationsAgg
	bus.Subscribe(b, bus.TopicLiquidationsAgg, "test", func(ev *schema.LiquidationsAgg) {
		got = append(got, ev)
	})
	bus.Publish(b, bus.TopicLiquidation, liqEvent("binance.futures", 1000, 1, f(50000)))
	bus.Publish(b, bus.TopicLiquidation, liqEvent("okx.public.swap", 2000, 2, nil))
	agg.Flush()
	if len(got) != 1 {
		t.Fatalf("expected one bucket")
	}
	if got[0].Unit != "base" || got[0].Total != 3 {
		t.Fatalf("mixed notional must total base sizes only: %+v", got[0])
	}
}

func trade(stream string, ts int64, side schema.Side, size float64) *schema.Trade {
	return &schema.Trade{
		Symbol:     "BTCUSDT",
		StreamID:   stream,
		MarketType: schema.MarketSpot,
		Side:       side,
		Price:      50000,
		Size:       size,
		Meta: schema.EventMeta{
			TsEvent:       ts,
			TsIngest:      ts,
			TsExchange:    nil,
			Sequence:      nil,
			Source:        stream,
			StreamID:      stream,
			CorrelationID: "corr-1",
		},
	}
}

func TestCvdBucketIntegrity(t *testing.T) {
	b := bus.New(nil)
	calc := NewCvdCalculator(b, CvdConfig{BucketMs: 60000})
	calc.Register()

	var got []*schema.Cvd
	bus.Subscribe(b, bus.TopicCvdSpot, "test", func(ev *schema.Cvd) { got = append(got, ev) })

	bus.Publish(b, bus.TopicTrade, trade("binance.spot", 1000, schema.SideBuy, 5))
	bus.Publish(b, bus.TopicTrade, trade("binance.spot", 2000, schema.SideSell, 2))
	if len(got) != 0 {
		t.Fatalf("bucket must not emit before rollover")
	}
	bus.Publish(b, bus.TopicTrade, trade("binance.spot", 61000, schema.SideBuy, 1))
	if len(got) != 1 {
		t.Fatalf("expected one closed bucket")
	}
	if got[0].CvdDelta != 3 || got[0].CvdTotal != 3 {
		t.Fatalf("unexpected first bucket: %+v", got[0])
	}
	calc.Flush()
	if len(got) != 2 {
		t.Fatalf("flush must emit the open bucket")
	}
	// Delta resets; total carries across buckets.
	if got[1].CvdDelta != 1 || got[1].CvdTotal != 4 {
		t.Fatalf("unexpected second bucket: %+v", got[1])
	}
	if got[1].BucketStartTs != 60000 || got[1].BucketEndTs != 120000 {
		t.Fatalf("unexpected bucket bounds: %+v", got[1])
	}
}

func cvdEvent(stream string, bucketStart, sizeMs int64, delta, total float64) *schema.Cvd {
	return &schema.Cvd{
		Symbol:        "BTCUSDT",
		StreamID:      stream,
		MarketType:    schema.MarketSpot,
		CvdDelta:      delta,
		CvdTotal:      total,
		BucketStartTs: bucketStart,
		BucketEndTs:   bucketStart + sizeMs,
		BucketSizeMs:  sizeMs,
		Unit:          "base",
		Meta: schema.EventMeta{
			TsEvent:       bucketStart + sizeMs,
			TsIngest:      bucketStart + sizeMs,
			TsExchange:    nil,
			Sequence:      nil,
			Source:        stream,
			StreamID:      stream,
			CorrelationID: "corr-1",
		},
	}
}

func TestCvdAggWeightedSumsAndSignMismatch(t *testing.T) {
	b := bus.New(nil)
	reg := sourcereg.New()
	agg := NewCvdAggregator(b, reg, CvdAggConfig{
		Weights:  map[string]float64{"binance.spot": 2, "okx.public.spot": 1},
		Mismatch: DefaultMismatchConfig(),
	})
	agg.Register()

	var got []*schema.CvdAgg
	bus.Subscribe(b, bus.TopicCvdSpotAgg, "test", func(ev *schema.CvdAgg) { got = append(got, ev) })

	bus.Publish(b, bus.TopicCvdSpot, cvdEvent("binance.spot", 0, 60000, 10, 10))
	bus.Publish(b, bus.TopicCvdSpot, cvdEvent("okx.public.spot", 0, 60000, -9, -9))
	bus.Publish(b, bus.TopicCvdSpot, cvdEvent("binance.spot", 60000, 60000, 1, 11))
	if len(got) != 1 {
		t.Fatalf("expected bucket close on rollover")
	}
	ev := got[0]
	if ev.CvdDelta != 2*10+1*(-9) {
		t.Fatalf("unexpected weighted delta: %v", ev.CvdDelta)
	}
	if ev.Mismatch == nil || ev.Mismatch.Type != schema.CvdMismatchSign {
		t.Fatalf("opposing signs must flag SIGN mismatch: %+v", ev.Mismatch)
	}
	if !ev.MismatchDetected || ev.ConfidenceScore >= 1 {
		t.Fatalf("mismatch must cut confidence: %+v", ev.AggregateCore)
	}
}

func TestMismatchV1AgreementPasses(t *testing.T) {
	state := NewMismatchState()
	cfg := DefaultMismatchConfig()
	verdict := EvaluateCvdMismatchV1(cfg, state, map[string]float64{"a": 10, "b": 9, "c": 11})
	if verdict != nil {
		t.Fatalf("agreeing streams must not flag: %+v", verdict)
	}
	if EvaluateCvdMismatchV1(cfg, state, map[string]float64{"a": 10}) != nil {
		t.Fatalf("single stream can never mismatch")
	}
}

func TestMismatchV1DispersionFiresOnSingleBranch(t *testing.T) {
	state := NewMismatchState()
	cfg := DefaultMismatchConfig()

	// Warm the EWMAs with an agreeing bucket so scales settle near 1.
	if verdict := EvaluateCvdMismatchV1(cfg, state, map[string]float64{"a": 10, "b": 10, "c": 10}); verdict != nil {
		t.Fatalf("warm-up bucket must not flag: %+v", verdict)
	}

	// One stream triples: MAD collapses to zero so maxAbsZ explodes past
	// zThresh while the ratio stays under ratioThresh. The z branch alone
	// must flag dispersion.
	verdict := EvaluateCvdMismatchV1(cfg, state, map[string]float64{"a": 10, "b": 10, "c": 30})
	if verdict == nil {
		t.Fatal("z branch alone must flag dispersion")
	}
	if verdict.Type != schema.CvdMismatchDispersion {
		t.Fatalf("verdict type = %s", verdict.Type)
	}
	if verdict.MaxAbsZ < cfg.ZThresh {
		t.Fatalf("maxAbsZ = %v, below zThresh", verdict.MaxAbsZ)
	}
	if verdict.Ratio >= cfg.RatioThresh {
		t.Fatalf("ratio = %v, test needs the ratio branch quiet", verdict.Ratio)
	}
	if verdict.ConfidencePenalty >= 1 {
		t.Fatalf("dispersion must cut confidence: %+v", verdict)
	}
}

func snapshot(stream string, ts int64, bid, ask float64) *schema.OrderbookL2Snapshot {
	return &schema.OrderbookL2Snapshot{
		Symbol:     "BTCUSDT",
		StreamID:   stream,
		MarketType: schema.MarketSpot,
		UpdateID:   1,
		Bids:       []schema.Level{{Price: bid, Size: 2}, {Price: bid - 1, Size: 3}},
		Asks:       []schema.Level{{Price: ask, Size: 2}, {Price: ask + 1, Size: 3}},
		Meta: schema.EventMeta{
			TsEvent:       ts,
			TsIngest:      ts,
			TsExchange:    nil,
			Sequence:      nil,
			Source:        stream,
			StreamID:      stream,
			CorrelationID: "corr-1",
		},
	}
}

func TestLiquidityBucketEmission(t *testing.T) {
	b := bus.New(nil)
	reg := sourcereg.New()
	agg := NewLiquidityAggregator(b, reg, LiquidityConfig{BucketMs: 60000, DepthLevels: 10, Weights: nil})
	agg.Register()

	var got []*schema.LiquidityAgg
	bus.Subscribe(b, bus.TopicLiquidityAgg, "test", func(ev *schema.LiquidityAgg) { got = append(got, ev) })

	bus.Publish(b, bus.TopicOrderbookSnapshot, snapshot("binance.spot", 1000, 100, 101))
	bus.Publish(b, bus.TopicOrderbookSnapshot, snapshot("okx.public.spot", 2000, 102, 103))
	if len(got) != 0 {
		t.Fatalf("bucket must not emit early")
	}
	bus.Publish(b, bus.TopicOrderbookSnapshot, snapshot("binance.spot", 61000, 100, 101))
	if len(got) != 1 {
		t.Fatalf("expected one bucket, got %d", len(got))
	}
	ev := got[0]
	if math.Abs(ev.BestBid-101) > 1e-9 || math.Abs(ev.BestAsk-102) > 1e-9 {
		t.Fatalf("unexpected top of book: %+v", ev)
	}
	if math.Abs(ev.Spread-1) > 1e-9 || math.Abs(ev.MidPrice-101.5) > 1e-9 {
		t.Fatalf("unexpected spread/mid: %+v", ev)
	}
	if ev.DepthBid != 5 || ev.DepthAsk != 5 || ev.Imbalance != 0 {
		t.Fatalf("unexpected depth: %+v", ev)
	}
	if len(ev.SourcesUsed) != 2 {
		t.Fatalf("both books should contribute: %v", ev.SourcesUsed)
	}
}

func TestLiquidityResyncMarksSequenceBroken(t *testing.T) {
	b := bus.New(nil)
	reg := sourcereg.New()
	agg := NewLiquidityAggregator(b, reg, LiquidityConfig{BucketMs: 60000, DepthLevels: 10, Weights: nil})
	agg.Register()

	var got []*schema.LiquidityAgg
	bus.Subscribe(b, bus.TopicLiquidityAgg, "test", func(ev *schema.LiquidityAgg) { got = append(got, ev) })

	bus.Publish(b, bus.TopicOrderbookSnapshot, snapshot("binance.spot", 1000, 100, 101))
	bus.Publish(b, bus.TopicResyncRequested, &schema.ResyncRequested{
		Symbol:     "BTCUSDT",
		StreamID:   "okx.public.spot",
		MarketType: schema.MarketSpot,
		Reason:     schema.ResyncReasonGap,
		Meta:       schema.EventMeta{TsEvent: 2000, TsIngest: 2000, TsExchange: nil, Sequence: nil, Source: "okx.public.spot", StreamID: "okx.public.spot", CorrelationID: "corr-1"},
	})
	bus.Publish(b, bus.TopicOrderbookSnapshot, snapshot("binance.spot", 61000, 100, 101))
	if len(got) != 1 {
		t.Fatalf("expected one bucket")
	}
	ev := got[0]
	if !ev.QualityFlags.SequenceBroken {
		t.Fatalf("resync must mark sequenceBroken")
	}
	status, ok := ev.VenueStatus["okx.public.spot"]
	if !ok || !status.Resyncing {
		t.Fatalf("venue status missing: %+v", ev.VenueStatus)
	}
	if ev.ConfidenceScore >= 1 {
		t.Fatalf("sequence penalty must apply, got %v", ev.ConfidenceScore)
	}
}
