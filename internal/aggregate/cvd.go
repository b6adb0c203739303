package aggregate

import (
	"sort"
	"sync"

	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/schema"
	"github.com/quantfold/marketpipe/internal/symbols"
)

// CvdConfig configures the per-stream CVD calculator.
type CvdConfig struct {
	BucketMs int64
}

type cvdState struct {
	symbol     string
	streamID   string
	market     schema.MarketType
	bucketOpen bool
	start      int64
	delta      float64
	total      float64
	meta       schema.EventMeta
}

// CvdCalculator accumulates signed trade volume per (symbol, market, stream)
// and emits one CVD event per closed bucket. Totals carry across buckets;
// deltas reset.
type CvdCalculator struct {
	bus *bus.Bus
	cfg CvdConfig

	mu     sync.Mutex
	states map[string]*cvdState
}

// NewCvdCalculator constructs the calculator; call Register to attach it.
func NewCvdCalculator(b *bus.Bus, cfg CvdConfig) *CvdCalculator {
	return &CvdCalculator{
		bus:    b,
		cfg:    cfg,
		mu:     sync.Mutex{},
		states: make(map[string]*cvdState),
	}
}

// Register subscribes the calculator to its input topics.
func (c *CvdCalculator) Register() {
	bus.Subscribe(c.bus, bus.TopicTrade, "aggregate.cvd", c.onTrade)
}

func (c *CvdCalculator) onTrade(t *schema.Trade) {
	if t.MarketType == schema.MarketUnknown {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := t.Meta.TsEvent
	key := stateKey(t.Symbol, t.MarketType) + "|" + t.StreamID
	start := symbols.BucketStart(ts, c.cfg.BucketMs)

	state, ok := c.states[key]
	if !ok {
		state = &cvdState{
			symbol:     t.Symbol,
			streamID:   t.StreamID,
			market:     t.MarketType,
			bucketOpen: false,
			start:      start,
			delta:      0,
			total:      0,
			meta:       t.Meta,
		}
		c.states[key] = state
	}
	if state.bucketOpen && start > state.start {
		c.emit(state)
		state.start = start
		state.delta = 0
	}
	if !state.bucketOpen {
		state.start = start
		state.bucketOpen = true
	}

	signed := t.Size
	if t.Side == schema.SideSell {
		signed = -t.Size
	}
	state.delta += signed
	state.total += signed
	state.meta = t.Meta
}

// Flush emits every open bucket, used at shutdown and replay end.
func (c *CvdCalculator) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.states))
	for key := range c.states {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		state := c.states[key]
		if state.bucketOpen {
			c.emit(state)
			state.bucketOpen = false
		}
	}
}

func (c *CvdCalculator) emit(state *cvdState) {
	ev := &schema.Cvd{
		Symbol:        state.symbol,
		StreamID:      state.streamID,
		MarketType:    state.market,
		CvdDelta:      state.delta,
		CvdTotal:      state.total,
		BucketStartTs: state.start,
		BucketEndTs:   state.start + c.cfg.BucketMs,
		BucketSizeMs:  c.cfg.BucketMs,
		Unit:          "base",
		Meta:          state.meta,
	}
	if state.market == schema.MarketFutures {
		bus.Publish(c.bus, bus.TopicCvdFutures, ev)
		return
	}
	bus.Publish(c.bus, bus.TopicCvdSpot, ev)
}
