package quality

import (
	"log"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/confidence"
	"github.com/quantfold/marketpipe/internal/schema"
)

// Reason attached to suppressed open interest diagnostics.
const reasonUnitsIncomparable = "UNITS_INCOMPARABLE"

type keyState struct {
	firstSeenTs int64
	lastTs      int64
	market      schema.MarketType
	degraded    bool
	lastErrorTs int64
	staleSent   bool
	// mismatchSinceTs is when the current continuous breach began; zero
	// when the breakdown agrees.
	mismatchSinceTs int64
}

type oiSample struct {
	ts    int64
	value float64
	unit  schema.OIUnit
	usd   *float64
}

// Monitor derives data:* signals from everything the aggregators emit plus
// the raw open interest feed. All state is keyed (topic, symbol, market) and
// all signal timestamps come from event time, keeping replay verdicts equal
// to live ones.
type Monitor struct {
	bus    *bus.Bus
	policy Policy
	logger *log.Logger

	mu      sync.Mutex
	keys    map[string]*keyState
	oi      map[string]map[string]oiSample
	lastLog map[string]int64
}

// NewMonitor constructs the monitor; call Register to attach it.
func NewMonitor(b *bus.Bus, policy Policy, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		bus:     b,
		policy:  policy.withDefaults(),
		logger:  logger,
		mu:      sync.Mutex{},
		keys:    make(map[string]*keyState),
		oi:      make(map[string]map[string]oiSample),
		lastLog: make(map[string]int64),
	}
}

// Register subscribes the monitor to every consolidated topic and the raw
// open interest feed.
func (m *Monitor) Register() {
	observe := func(topic string) func(schema.Aggregated) {
		return func(ev schema.Aggregated) { m.onAggregate(topic, ev) }
	}
	bus.Subscribe(m.bus, bus.TopicPriceCanonical, "quality.price_canonical",
		func(ev *schema.PriceCanonical) { observe(bus.TopicPriceCanonical.Name())(ev) })
	bus.Subscribe(m.bus, bus.TopicPriceIndex, "quality.price_index",
		func(ev *schema.PriceIndex) { observe(bus.TopicPriceIndex.Name())(ev) })
	bus.Subscribe(m.bus, bus.TopicFundingAgg, "quality.funding",
		func(ev *schema.FundingAgg) { observe(bus.TopicFundingAgg.Name())(ev) })
	bus.Subscribe(m.bus, bus.TopicOpenInterestAgg, "quality.oi",
		func(ev *schema.OpenInterestAgg) { observe(bus.TopicOpenInterestAgg.Name())(ev) })
	bus.Subscribe(m.bus, bus.TopicLiquidationsAgg, "quality.liquidations",
		func(ev *schema.LiquidationsAgg) { observe(bus.TopicLiquidationsAgg.Name())(ev) })
	bus.Subscribe(m.bus, bus.TopicLiquidityAgg, "quality.liquidity",
		func(ev *schema.LiquidityAgg) { observe(bus.TopicLiquidityAgg.Name())(ev) })
	bus.Subscribe(m.bus, bus.TopicCvdSpotAgg, "quality.cvd_spot",
		func(ev *schema.CvdAgg) { observe(bus.TopicCvdSpotAgg.Name())(ev) })
	bus.Subscribe(m.bus, bus.TopicCvdFuturesAgg, "quality.cvd_futures",
		func(ev *schema.CvdAgg) { observe(bus.TopicCvdFuturesAgg.Name())(ev) })
	bus.Subscribe(m.bus, bus.TopicOpenInterest, "quality.oi_raw", m.onRawOI)
}

func signalKey(topic, symbol string, market schema.MarketType) string {
	return topic + "|" + symbol + "|" + string(market)
}

func (m *Monitor) onAggregate(topic string, ev schema.Aggregated) {
	core := ev.Core()
	m.mu.Lock()
	defer m.mu.Unlock()

	key := signalKey(topic, core.Symbol, core.MarketType)
	state, ok := m.keys[key]
	if !ok {
		state = &keyState{
			firstSeenTs:     core.Ts,
			lastTs:          0,
			market:          core.MarketType,
			degraded:        false,
			lastErrorTs:     0,
			staleSent:       false,
			mismatchSinceTs: 0,
		}
		m.keys[key] = state
	}
	state.lastTs = core.Ts
	state.staleSent = false

	// Re-derive the confidence inputs from the flags and republish; a
	// divergence from the embedded score marks a producer bug.
	res := confidence.Compute(confidence.Inputs{
		FreshSources:        core.FreshSourcesCount,
		ExpectedSources:     0,
		StaleSourcesDropped: len(core.StaleSourcesDropped),
		MismatchDetected:    core.QualityFlags.MismatchDetected,
		GapDetected:         core.QualityFlags.GapDetected,
		SequenceBroken:      core.QualityFlags.SequenceBroken,
		LagDetected:         core.QualityFlags.LagDetected,
		OutlierDetected:     core.QualityFlags.OutlierDetected,
		FallbackPenalty:     nil,
		SourcePenalty:       nil,
		SourceCap:           nil,
	})
	bus.Publish(m.bus, bus.TopicDataConfidence, &schema.ConfidenceSignal{
		Topic:      topic,
		Symbol:     core.Symbol,
		MarketType: core.MarketType,
		Ts:         core.Ts,
		Score:      core.ConfidenceScore,
		Version:    res.Version,
		Flags:      core.QualityFlags,
	})

	// A breach must persist for the whole mismatch window before it
	// signals; a single agreeing breakdown resets the clock.
	breached, baseline, maxDiff, relative := m.evalBreakdown(core)
	switch {
	case breached:
		if state.mismatchSinceTs == 0 {
			state.mismatchSinceTs = core.Ts
		}
		if core.Ts-state.mismatchSinceTs >= m.policy.MismatchWindowMs {
			m.signalMismatch(topic, core, baseline, maxDiff, relative)
			m.degrade(state, topic, core.Symbol, core.MarketType, schema.DegradeReasonMismatch, core.Ts)
		}
	case state.degraded:
		state.mismatchSinceTs = 0
		m.recover(state, topic, core.Symbol, core.MarketType, core.Ts)
	default:
		state.mismatchSinceTs = 0
	}
}

// evalBreakdown compares the venue breakdown against its median. The check
// is relative; a near-zero baseline (funding rates hover around zero) falls
// back to an absolute comparison against the epsilon.
func (m *Monitor) evalBreakdown(core *schema.AggregateCore) (breached bool, baseline, maxDiff float64, relative bool) {
	if len(core.VenueBreakdown) < m.policy.MinSamples {
		return false, 0, 0, false
	}
	values := make([]float64, 0, len(core.VenueBreakdown))
	for _, v := range core.VenueBreakdown {
		values = append(values, v)
	}
	sort.Float64s(values)
	baseline = values[len(values)/2]
	if len(values)%2 == 0 {
		baseline = (values[len(values)/2-1] + values[len(values)/2]) / 2
	}

	for _, v := range values {
		if d := math.Abs(v - baseline); d > maxDiff {
			maxDiff = d
		}
	}
	relative = math.Abs(baseline) >= m.policy.BaselineEpsilon
	if relative {
		breached = maxDiff/math.Abs(baseline) >= m.policy.MismatchThreshold
	} else {
		breached = maxDiff >= m.policy.BaselineEpsilon
	}
	return breached, baseline, maxDiff, relative
}

func (m *Monitor) signalMismatch(topic string, core *schema.AggregateCore, baseline, maxDiff float64, relative bool) {
	bus.Publish(m.bus, bus.TopicDataMismatch, &schema.MismatchSignal{
		Topic:      topic,
		Symbol:     core.Symbol,
		MarketType: core.MarketType,
		Ts:         core.Ts,
		Baseline:   baseline,
		MaxDiff:    maxDiff,
		Relative:   relative,
		Venues:     core.VenueBreakdown,
		Suppressed: false,
		Reason:     "",
	})
	m.logThrottled(signalKey(topic, core.Symbol, core.MarketType)+"|mismatch", core.Ts,
		"quality: mismatch on %s %s baseline=%v maxDiff=%v", topic, core.Symbol, baseline, maxDiff)
}

// onRawOI cross-checks venue open interest inside comparable unit groups.
// Figures in different units never trip a mismatch; they produce a
// suppressed diagnostic instead.
func (m *Monitor) onRawOI(oi *schema.OpenInterest) {
	if oi.MarketType == schema.MarketUnknown {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := oi.Symbol + "|" + string(oi.MarketType)
	streams, ok := m.oi[key]
	if !ok {
		streams = make(map[string]oiSample)
		m.oi[key] = streams
	}
	streams[oi.StreamID] = oiSample{ts: oi.Meta.TsEvent, value: oi.OpenInterest, unit: oi.Unit, usd: oi.ValueUsd}
	if len(streams) < m.policy.MinSamples {
		return
	}

	// USD notionals compare across venues regardless of the native unit,
	// so that group is preferred. The fallback is the base-asset group;
	// contract counts are venue-specific and never compared cross-venue.
	group := map[string]float64{}
	for id, s := range streams {
		if s.usd != nil {
			group[id] = *s.usd
		} else if s.unit == schema.OIUnitUsd {
			group[id] = s.value
		}
	}
	if len(group) < m.policy.MinSamples {
		group = map[string]float64{}
		incomparable := false
		for id, s := range streams {
			if s.unit == schema.OIUnitBase {
				group[id] = s.value
			} else {
				incomparable = true
			}
		}
		if len(group) < m.policy.MinSamples {
			if incomparable {
				bus.Publish(m.bus, bus.TopicDataMismatch, &schema.MismatchSignal{
					Topic:      bus.TopicOpenInterest.Name(),
					Symbol:     oi.Symbol,
					MarketType: oi.MarketType,
					Ts:         oi.Meta.TsEvent,
					Baseline:   0,
					MaxDiff:    0,
					Relative:   false,
					Venues:     group,
					Suppressed: true,
					Reason:     reasonUnitsIncomparable,
				})
			}
			return
		}
	}

	baseline, ok := m.oiBaseline(group)
	if !ok || math.Abs(baseline) < m.policy.BaselineEpsilon {
		return
	}
	maxDiff := 0.0
	for _, v := range group {
		if d := math.Abs(v - baseline); d > maxDiff {
			maxDiff = d
		}
	}
	if maxDiff/math.Abs(baseline) < m.policy.MismatchThreshold {
		return
	}
	bus.Publish(m.bus, bus.TopicDataMismatch, &schema.MismatchSignal{
		Topic:      bus.TopicOpenInterest.Name(),
		Symbol:     oi.Symbol,
		MarketType: oi.MarketType,
		Ts:         oi.Meta.TsEvent,
		Baseline:   baseline,
		MaxDiff:    maxDiff,
		Relative:   true,
		Venues:     group,
		Suppressed: false,
		Reason:     "",
	})
}

func (m *Monitor) oiBaseline(group map[string]float64) (float64, bool) {
	if len(group) == 0 {
		return 0, false
	}
	if m.policy.OIBaseline == BaselineBybitOrMedian {
		ids := make([]string, 0, len(group))
		for id := range group {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if strings.Contains(id, "bybit") {
				return group[id], true
			}
		}
	}
	values := make([]float64, 0, len(group))
	for _, v := range group {
		values = append(values, v)
	}
	sort.Float64s(values)
	if len(values)%2 == 1 {
		return values[len(values)/2], true
	}
	return (values[len(values)/2-1] + values[len(values)/2]) / 2, true
}

// Tick sweeps every tracked key for staleness. nowTs is event time during
// replay and wall time live.
func (m *Monitor) Tick(nowTs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.keys))
	for key := range m.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		state := m.keys[key]
		parts := strings.SplitN(key, "|", 3)
		topic, symbol := parts[0], parts[1]
		threshold, ok := m.policy.staleThreshold(topic)
		if !ok {
			continue
		}
		if nowTs-state.firstSeenTs < m.policy.StartupGraceMs {
			continue
		}
		if nowTs-state.lastTs <= threshold || state.staleSent {
			continue
		}
		state.staleSent = true
		bus.Publish(m.bus, bus.TopicDataStale, &schema.StaleSignal{
			Topic:       topic,
			Symbol:      symbol,
			MarketType:  state.market,
			Provider:    schema.ProviderConsolidated,
			LastTs:      state.lastTs,
			Ts:          nowTs,
			ThresholdMs: threshold,
		})
		m.logThrottled(key+"|stale", nowTs,
			"quality: %s %s stale, last emit %dms ago", topic, symbol, nowTs-state.lastTs)
		m.degrade(state, topic, symbol, state.market, schema.DegradeReasonStale, nowTs)
	}
}

// Status summarises degraded keys for the periodic operator heartbeat.
func (m *Monitor) Status(nowTs int64) *schema.MarketDataStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	degraded := []string{}
	for key, state := range m.keys {
		if state.degraded {
			degraded = append(degraded, key)
		}
	}
	sort.Strings(degraded)
	return &schema.MarketDataStatus{
		Ts:        nowTs,
		Degraded:  degraded,
		Suppress:  nil,
		EventRate: 0,
	}
}

func (m *Monitor) degrade(state *keyState, topic, symbol string, market schema.MarketType, reason string, ts int64) {
	state.lastErrorTs = ts
	if state.degraded {
		return
	}
	state.degraded = true
	bus.Publish(m.bus, bus.TopicDataSourceDegraded, &schema.SourceDegraded{
		Topic:      topic,
		Symbol:     symbol,
		MarketType: market,
		Reason:     reason,
		Ts:         ts,
	})
}

func (m *Monitor) recover(state *keyState, topic, symbol string, market schema.MarketType, ts int64) {
	state.degraded = false
	bus.Publish(m.bus, bus.TopicDataSourceRecovered, &schema.SourceRecovered{
		Topic:       topic,
		Symbol:      symbol,
		MarketType:  market,
		Ts:          ts,
		LastErrorTs: state.lastErrorTs,
	})
}

func (m *Monitor) logThrottled(key string, nowTs int64, format string, args ...any) {
	if last, ok := m.lastLog[key]; ok && nowTs-last < m.policy.LogThrottleMs {
		return
	}
	m.lastLog[key] = nowTs
	m.logger.Printf(format, args...)
}
