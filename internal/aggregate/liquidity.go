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

// LiquidityConfig configures the top-of-book liquidity aggregator.
type LiquidityConfig struct {
	BucketMs    int64
	DepthLevels int
	Weights     map[string]float64
}

type bookState struct {
	bids      map[float64]float64
	asks      map[float64]float64
	resyncing bool
	seqBroken bool
	touched   bool
}

func newBookState() *bookState {
	return &bookState{
		bids:      make(map[float64]float64),
		asks:      make(map[float64]float64),
		resyncing: false,
		seqBroken: false,
		touched:   false,
	}
}

type bookMetrics struct {
	bestBid   float64
	bestAsk   float64
	spread    float64
	depthBid  float64
	depthAsk  float64
	imbalance float64
	mid       float64
}

// LiquidityAggregator maintains a shadow book per stream and emits one
// consolidated liquidity picture per bucket.
type LiquidityAggregator struct {
	bus *bus.Bus
	reg *sourcereg.Registry
	cfg LiquidityConfig

	mu          sync.Mutex
	books       map[string]map[string]*bookState
	bucketStart map[string]int64
	lastMeta    map[string]schema.EventMeta
}

// NewLiquidityAggregator constructs the aggregator; call Register to attach it.
func NewLiquidityAggregator(b *bus.Bus, reg *sourcereg.Registry, cfg LiquidityConfig) *LiquidityAggregator {
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 10
	}
	return &LiquidityAggregator{
		bus:         b,
		reg:         reg,
		cfg:         cfg,
		mu:          sync.Mutex{},
		books:       make(map[string]map[string]*bookState),
		bucketStart: make(map[string]int64),
		lastMeta:    make(map[string]schema.EventMeta),
	}
}

// Register subscribes the aggregator to its input topics.
func (a *LiquidityAggregator) Register() {
	bus.Subscribe(a.bus, bus.TopicOrderbookSnapshot, "aggregate.liquidity.snapshot", a.onSnapshot)
	bus.Subscribe(a.bus, bus.TopicOrderbookDelta, "aggregate.liquidity.delta", a.onDelta)
	bus.Subscribe(a.bus, bus.TopicResyncRequested, "aggregate.liquidity.resync", a.onResync)
	bus.Subscribe(a.bus, bus.TopicDisconnected, "aggregate.liquidity.disconnect", a.onDisconnect)
}

func (a *LiquidityAggregator) book(key, streamID string) *bookState {
	streams, ok := a.books[key]
	if !ok {
		streams = make(map[string]*bookState)
		a.books[key] = streams
	}
	state, ok := streams[streamID]
	if !ok {
		state = newBookState()
		streams[streamID] = state
	}
	return state
}

func (a *LiquidityAggregator) onSnapshot(snap *schema.OrderbookL2Snapshot) {
	if snap.MarketType == schema.MarketUnknown {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	key := stateKey(snap.Symbol, snap.MarketType)
	a.rollover(snap.Symbol, snap.MarketType, key, snap.Meta.TsEvent)

	state := a.book(key, snap.StreamID)
	state.bids = make(map[float64]float64, len(snap.Bids))
	state.asks = make(map[float64]float64, len(snap.Asks))
	for _, lvl := range snap.Bids {
		if lvl.Size > 0 {
			state.bids[lvl.Price] = lvl.Size
		}
	}
	for _, lvl := range snap.Asks {
		if lvl.Size > 0 {
			state.asks[lvl.Price] = lvl.Size
		}
	}
	state.resyncing = false
	state.touched = true
	a.lastMeta[key] = snap.Meta
	a.reg.ObserveRaw(snap.Symbol, string(snap.MarketType), sourcereg.FeedOrderbook, snap.StreamID, snap.Meta.TsEvent)
}

func (a *LiquidityAggregator) onDelta(delta *schema.OrderbookL2Delta) {
	if delta.MarketType == schema.MarketUnknown {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	key := stateKey(delta.Symbol, delta.MarketType)
	a.rollover(delta.Symbol, delta.MarketType, key, delta.Meta.TsEvent)

	state := a.book(key, delta.StreamID)
	if state.resyncing {
		return
	}
	applyLevels(state.bids, delta.Bids)
	applyLevels(state.asks, delta.Asks)
	state.touched = true
	a.lastMeta[key] = delta.Meta
	a.reg.ObserveRaw(delta.Symbol, string(delta.MarketType), sourcereg.FeedOrderbook, delta.StreamID, delta.Meta.TsEvent)
}

func applyLevels(book map[float64]float64, levels []schema.Level) {
	for _, lvl := range levels {
		if lvl.Size == 0 {
			delete(book, lvl.Price)
		} else {
			book[lvl.Price] = lvl.Size
		}
	}
}

func (a *LiquidityAggregator) onResync(ev *schema.ResyncRequested) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := stateKey(ev.Symbol, ev.MarketType)
	state := a.book(key, ev.StreamID)
	state.bids = make(map[float64]float64)
	state.asks = make(map[float64]float64)
	state.resyncing = true
	state.seqBroken = true
}

func (a *LiquidityAggregator) onDisconnect(ev *schema.Disconnected) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, streams := range a.books {
		delete(streams, ev.StreamID)
	}
}

// rollover closes the pending bucket for key when ts belongs to a later one.
func (a *LiquidityAggregator) rollover(symbol string, market schema.MarketType, key string, ts int64) {
	start := symbols.BucketStart(ts, a.cfg.BucketMs)
	prev, ok := a.bucketStart[key]
	if !ok {
		a.bucketStart[key] = start
		return
	}
	if start <= prev {
		return
	}
	a.emitBucket(symbol, market, key, prev)
	a.bucketStart[key] = start
}

// Flush closes every pending bucket, used at shutdown and replay end.
func (a *LiquidityAggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.bucketStart))
	for key := range a.bucketStart {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		symbol, market := splitStateKey(key)
		a.emitBucket(symbol, market, key, a.bucketStart[key])
		delete(a.bucketStart, key)
	}
}

func metricsOf(state *bookState, depthLevels int) (bookMetrics, bool) {
	if len(state.bids) == 0 || len(state.asks) == 0 {
		return bookMetrics{}, false
	}
	bids := make([]float64, 0, len(state.bids))
	for price := range state.bids {
		bids = append(bids, price)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(bids)))
	asks := make([]float64, 0, len(state.asks))
	for price := range state.asks {
		asks = append(asks, price)
	}
	sort.Float64s(asks)

	m := bookMetrics{
		bestBid:   bids[0],
		bestAsk:   asks[0],
		spread:    asks[0] - bids[0],
		depthBid:  0,
		depthAsk:  0,
		imbalance: 0,
		mid:       (asks[0] + bids[0]) / 2,
	}
	for i := 0; i < len(bids) && i < depthLevels; i++ {
		m.depthBid += state.bids[bids[i]]
	}
	for i := 0; i < len(asks) && i < depthLevels; i++ {
		m.depthAsk += state.asks[asks[i]]
	}
	if m.depthBid+m.depthAsk > 0 {
		m.imbalance = (m.depthBid - m.depthAsk) / (m.depthBid + m.depthAsk)
	}
	return m, true
}

func (a *LiquidityAggregator) emitBucket(symbol string, market schema.MarketType, key string, startTs int64) {
	streams := a.books[key]
	if len(streams) == 0 {
		return
	}
	ids := make([]string, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	used := []string{}
	breakdown := map[string]float64{}
	weightsUsed := map[string]float64{}
	venueStatus := map[string]schema.VenueBookStatus{}
	seqBroken := false
	var weightSum float64
	var agg bookMetrics
	for _, id := range ids {
		state := streams[id]
		if state.resyncing || state.seqBroken {
			venueStatus[id] = schema.VenueBookStatus{
				SequenceBroken: state.seqBroken,
				Resyncing:      state.resyncing,
			}
			seqBroken = seqBroken || state.seqBroken
			state.seqBroken = false
		}
		if !state.touched || state.resyncing {
			continue
		}
		state.touched = false
		m, ok := metricsOf(state, a.cfg.DepthLevels)
		if !ok {
			continue
		}
		w := 1.0
		if cw, ok := a.cfg.Weights[id]; ok && cw > 0 {
			w = cw
		}
		agg.bestBid += w * m.bestBid
		agg.bestAsk += w * m.bestAsk
		agg.spread += w * m.spread
		agg.depthBid += w * m.depthBid
		agg.depthAsk += w * m.depthAsk
		agg.imbalance += w * m.imbalance
		agg.mid += w * m.mid
		weightSum += w
		used = append(used, id)
		breakdown[id] = m.mid
		weightsUsed[id] = w
	}
	if len(used) == 0 {
		a.reg.RecordSuppression(symbol, string(market), sourcereg.MetricLiquidity, sourcereg.ReasonResyncActive)
		return
	}
	agg.bestBid /= weightSum
	agg.bestAsk /= weightSum
	agg.spread /= weightSum
	agg.depthBid /= weightSum
	agg.depthAsk /= weightSum
	agg.imbalance /= weightSum
	agg.mid /= weightSum

	res := confidence.Compute(confidence.Inputs{
		FreshSources:        len(used),
		ExpectedSources:     a.reg.ExpectedCount(symbol, string(market), sourcereg.MetricLiquidity),
		StaleSourcesDropped: 0,
		MismatchDetected:    false,
		GapDetected:         false,
		SequenceBroken:      seqBroken,
		LagDetected:         false,
		OutlierDetected:     false,
		FallbackPenalty:     nil,
		SourcePenalty:       nil,
		SourceCap:           nil,
	})
	closeTs := startTs + a.cfg.BucketMs
	ev := &schema.LiquidityAgg{
		AggregateCore: schema.AggregateCore{
			Symbol:              symbol,
			Ts:                  closeTs,
			MarketType:          market,
			VenueBreakdown:      breakdown,
			SourcesUsed:         used,
			WeightsUsed:         weightsUsed,
			FreshSourcesCount:   len(used),
			StaleSourcesDropped: []string{},
			MismatchDetected:    false,
			ConfidenceScore:     res.Score,
			QualityFlags: schema.QualityFlags{
				ConsistentUnits:  nil,
				MismatchDetected: false,
				GapDetected:      false,
				SequenceBroken:   seqBroken,
				LagDetected:      false,
				OutlierDetected:  false,
			},
			Provider: schema.ProviderConsolidated,
			Meta:     schema.InheritMeta(a.lastMeta[key], schema.ProviderConsolidated),
		},
		BestBid:       agg.bestBid,
		BestAsk:       agg.bestAsk,
		Spread:        agg.spread,
		DepthBid:      agg.depthBid,
		DepthAsk:      agg.depthAsk,
		Imbalance:     agg.imbalance,
		MidPrice:      agg.mid,
		BucketStartTs: startTs,
		BucketEndTs:   closeTs,
		VenueStatus:   venueStatus,
	}
	if len(venueStatus) == 0 {
		ev.VenueStatus = nil
	}
	a.reg.MarkAggEmitted(symbol, string(market), sourcereg.MetricLiquidity, used, closeTs)
	bus.Publish(a.bus, bus.TopicLiquidityAgg, ev)
}
