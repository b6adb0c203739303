package binance

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantfold/marketpipe/internal/adapters/shared"
	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/schema"
	"github.com/quantfold/marketpipe/internal/symbols"
)

const (
	// Binance rate limits control frames to 5/s; one per 250ms keeps a margin.
	controlSendInterval = 250 * time.Millisecond
	// Streams per SUBSCRIBE request.
	maxStreamsPerRequest = 100
	pingInterval         = 30 * time.Second
	defaultDepthLimit    = 1000
)

// Channel names accepted in Config.Channels.
const (
	ChannelTrades       = "trades"
	ChannelKlines       = "klines"
	ChannelDepth        = "depth"
	ChannelMarkPrice    = "markPrice"
	ChannelLiquidations = "liquidations"
	ChannelTicker       = "ticker"
)

// Config describes one Binance connection. Spot and futures run as separate
// adapters with their own stream IDs.
type Config struct {
	StreamID       string
	Market         schema.MarketType
	WSURL          string
	RESTBaseURL    string
	Symbols        []string
	Channels       []string
	KlineIntervals []string
	DepthLimit     int
	Book           shared.ReconcilerOptions
}

// Adapter ingests one Binance websocket connection plus the REST snapshots
// that anchor its depth chains.
type Adapter struct {
	cfg    Config
	bus    *bus.Bus
	logger *log.Logger
	pub    *shared.Publisher
	rest   *RESTClient
	ws     *shared.WSManager
	subs   *shared.SubscriptionManager

	mu    sync.Mutex
	acks  map[uint64][]string
	books map[string]*bookState
}

type bookState struct {
	rec      *shared.Reconciler
	fetching bool
}

// New constructs an adapter; Start connects.
func New(cfg Config, b *bus.Bus, rest *RESTClient, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.DepthLimit <= 0 {
		cfg.DepthLimit = defaultDepthLimit
	}
	a := &Adapter{
		cfg:    cfg,
		bus:    b,
		logger: logger,
		pub:    shared.NewPublisher(b, cfg.StreamID, nil),
		rest:   rest,
		ws:     nil,
		subs:   nil,
		mu:     sync.Mutex{},
		acks:   make(map[uint64][]string),
		books:  make(map[string]*bookState),
	}
	a.subs = shared.NewSubscriptionManager(a.sendSubscribe)
	return a
}

// Start dials the websocket and subscribes the configured streams.
func (a *Adapter) Start(ctx context.Context) error {
	a.ws = shared.NewWSManager(ctx, shared.WSConfig{
		URL:             a.cfg.WSURL,
		StreamID:        a.cfg.StreamID,
		ControlInterval: controlSendInterval,
		PingInterval:    pingInterval,
		ReadLimit:       0,
		Reconnect:       shared.DefaultReconnectPolicy(a.cfg.StreamID),
	}, a.bus, a.logger, a.handleFrame, a.onConnect)
	if err := a.ws.Start(); err != nil {
		return err
	}
	return a.subs.Subscribe(ctx, a.streamKeys()...)
}

// Stop tears the connection down.
func (a *Adapter) Stop() {
	if a.ws != nil {
		a.ws.Stop()
	}
}

// onConnect runs on every (re)connect: confirmed state is void and every
// depth chain restarts from a fresh snapshot.
func (a *Adapter) onConnect(ctx context.Context) error {
	a.subs.Reset()
	a.mu.Lock()
	a.acks = make(map[uint64][]string)
	for sym := range a.books {
		a.books[sym] = &bookState{rec: a.newReconciler(sym), fetching: false}
	}
	a.mu.Unlock()
	return a.subs.Flush(ctx)
}

func (a *Adapter) newReconciler(venueSymbol string) *shared.Reconciler {
	canonical, ok := symbols.Normalise(venueSymbol)
	if !ok {
		return nil
	}
	rule := shared.ChainSpot
	if a.cfg.Market == schema.MarketFutures {
		rule = shared.ChainBinanceFutures
	}
	sink := &shared.BookPublisher{
		Pub:        a.pub,
		Symbol:     canonical,
		MarketType: a.cfg.Market,
	}
	return shared.NewReconciler(rule, sink, a.cfg.Book)
}

// streamKeys expands the channel/symbol matrix into Binance stream names.
func (a *Adapter) streamKeys() []string {
	keys := make([]string, 0, len(a.cfg.Symbols)*len(a.cfg.Channels))
	for _, sym := range a.cfg.Symbols {
		if _, ok := symbols.Normalise(sym); !ok {
			a.logger.Printf("%s: unmappable symbol %q skipped", a.cfg.StreamID, sym)
			continue
		}
		lower := strings.ToLower(sym)
		for _, ch := range a.cfg.Channels {
			switch ch {
			case ChannelTrades:
				keys = append(keys, lower+"@aggTrade")
			case ChannelKlines:
				for _, iv := range a.cfg.KlineIntervals {
					keys = append(keys, lower+"@kline_"+iv)
				}
			case ChannelDepth:
				keys = append(keys, lower+"@depth@100ms")
				a.mu.Lock()
				if _, ok := a.books[strings.ToUpper(sym)]; !ok {
					a.books[strings.ToUpper(sym)] = &bookState{rec: a.newReconciler(sym), fetching: false}
				}
				a.mu.Unlock()
			case ChannelMarkPrice:
				keys = append(keys, lower+"@markPrice@1s")
			case ChannelLiquidations:
				keys = append(keys, lower+"@forceOrder")
			case ChannelTicker:
				keys = append(keys, lower+"@miniTicker")
			default:
				a.logger.Printf("%s: unknown channel %q ignored", a.cfg.StreamID, ch)
			}
		}
	}
	return keys
}

// sendSubscribe transmits one batch of streams, chunked to the venue limit.
// Each request ID maps back to its keys so the ack can confirm them.
func (a *Adapter) sendSubscribe(ctx context.Context, keys []string) error {
	for _, chunk := range shared.ChunkKeys(keys, maxStreamsPerRequest) {
		id := a.ws.NextID()
		payload, err := json.Marshal(subscribeRequest{Method: "SUBSCRIBE", Params: chunk, ID: id})
		if err != nil {
			return fmt.Errorf("marshal subscribe: %w", err)
		}
		a.mu.Lock()
		a.acks[id] = chunk
		a.mu.Unlock()
		if err := a.ws.SendControl(ctx, payload); err != nil {
			a.mu.Lock()
			delete(a.acks, id)
			a.mu.Unlock()
			return err
		}
	}
	return nil
}

// handleFrame routes one websocket frame by its event type.
func (a *Adapter) handleFrame(frame []byte) {
	data := frame
	var envelope wsEnvelope
	if err := json.Unmarshal(frame, &envelope); err == nil && len(envelope.Data) > 0 {
		data = envelope.Data
	}

	var probe struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		a.logger.Printf("%s: undecodable frame dropped: %v", a.cfg.StreamID, err)
		return
	}
	if probe.Event == "" {
		a.handleAck(data)
		return
	}

	switch probe.Event {
	case "aggTrade", "trade":
		a.handleTrade(data)
	case "kline":
		a.handleKline(data)
	case "depthUpdate":
		a.handleDepth(data)
	case "markPriceUpdate":
		a.handleMarkPrice(data)
	case "24hrMiniTicker", "24hrTicker":
		a.handleMiniTicker(data)
	case "forceOrder":
		a.handleForceOrder(data)
	default:
		// Unknown event types are dropped; Binance adds stream types
		// without notice.
	}
}

func (a *Adapter) handleAck(data []byte) {
	var ack subscribeAck
	if err := json.Unmarshal(data, &ack); err != nil || ack.ID == 0 {
		return
	}
	a.mu.Lock()
	keys, ok := a.acks[ack.ID]
	delete(a.acks, ack.ID)
	a.mu.Unlock()
	if !ok {
		return
	}
	if ack.Error != nil {
		a.logger.Printf("%s: subscribe rejected (code %d): %s", a.cfg.StreamID, ack.Error.Code, ack.Error.Msg)
		a.subs.Fail(keys...)
		return
	}
	a.subs.Confirm(keys...)
}

func (a *Adapter) handleTrade(data []byte) {
	var t wsAggTrade
	if err := json.Unmarshal(data, &t); err != nil {
		a.logger.Printf("%s: decode aggTrade: %v", a.cfg.StreamID, err)
		return
	}
	price, err := parseF(t.Price)
	if err != nil {
		a.logger.Printf("%s: aggTrade price: %v", a.cfg.StreamID, err)
		return
	}
	size, err := parseF(t.Quantity)
	if err != nil {
		a.logger.Printf("%s: aggTrade qty: %v", a.cfg.StreamID, err)
		return
	}
	// m is "buyer is maker": the aggressor sold into the bid.
	side := schema.SideBuy
	if t.IsBuyerMaker {
		side = schema.SideSell
	}
	tsEvent := t.TradeTime
	if tsEvent == 0 {
		tsEvent = t.EventTime
	}
	canonical, ok := symbols.Normalise(t.Symbol)
	if !ok {
		a.logger.Printf("%s: unmappable symbol %q dropped", a.cfg.StreamID, t.Symbol)
		return
	}
	meta := a.pub.Meta(tsEvent, t.EventTime, schema.Uint64Ptr(t.TradeID))
	a.pub.Trade(
		&schema.TradeRaw{
			Symbol:     canonical,
			StreamID:   a.cfg.StreamID,
			MarketType: a.cfg.Market,
			Side:       side,
			Price:      t.Price,
			Size:       t.Quantity,
			Meta:       meta,
		},
		&schema.Trade{
			Symbol:     canonical,
			StreamID:   a.cfg.StreamID,
			MarketType: a.cfg.Market,
			Side:       side,
			Price:      price,
			Size:       size,
			Meta:       meta,
		},
	)
}

func (a *Adapter) handleKline(data []byte) {
	var k wsKline
	if err := json.Unmarshal(data, &k); err != nil {
		a.logger.Printf("%s: decode kline: %v", a.cfg.StreamID, err)
		return
	}
	// In-progress candles stream continuously; only the close is canonical.
	if !k.Kline.Closed {
		return
	}
	open, err1 := parseF(k.Kline.Open)
	high, err2 := parseF(k.Kline.High)
	low, err3 := parseF(k.Kline.Low)
	cls, err4 := parseF(k.Kline.Close)
	vol, err5 := parseF(k.Kline.Volume)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			a.logger.Printf("%s: kline decimals: %v", a.cfg.StreamID, err)
			return
		}
	}
	canonical, ok := symbols.Normalise(k.Symbol)
	if !ok {
		a.logger.Printf("%s: unmappable symbol %q dropped", a.cfg.StreamID, k.Symbol)
		return
	}
	bus.Publish(a.bus, bus.TopicKline, &schema.Kline{
		Symbol:     canonical,
		StreamID:   a.cfg.StreamID,
		MarketType: a.cfg.Market,
		Interval:   k.Kline.Interval,
		StartTs:    k.Kline.StartTime,
		EndTs:      k.Kline.CloseTime,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      cls,
		Volume:     vol,
		Meta:       a.pub.Meta(k.Kline.CloseTime, k.EventTime, nil),
	})
}

func (a *Adapter) handleDepth(data []byte) {
	var d wsDepthUpdate
	if err := json.Unmarshal(data, &d); err != nil {
		a.logger.Printf("%s: decode depthUpdate: %v", a.cfg.StreamID, err)
		return
	}
	sym := strings.ToUpper(d.Symbol)
	a.mu.Lock()
	state, ok := a.books[sym]
	if !ok {
		a.mu.Unlock()
		return
	}
	meta := a.pub.Meta(d.EventTime, d.EventTime, schema.Uint64Ptr(d.FinalUpdateID))
	state.rec.OnDelta(shared.RawDelta{
		First: d.FirstUpdateID,
		Final: d.FinalUpdateID,
		Prev:  d.PrevUpdateID,
		Bids:  toRawLevels(d.Bids),
		Asks:  toRawLevels(d.Asks),
		Meta:  meta,
	})
	needSnapshot := !state.rec.Synced() && !state.fetching
	if needSnapshot {
		state.fetching = true
	}
	a.mu.Unlock()
	if needSnapshot {
		go a.fetchSnapshot(sym)
	}
}

// fetchSnapshot anchors one symbol's delta chain from REST. Buffered deltas
// drain inside OnSnapshot.
func (a *Adapter) fetchSnapshot(venueSymbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	depth, err := a.rest.Depth(ctx, venueSymbol, a.cfg.DepthLimit)

	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.books[venueSymbol]
	if !ok {
		return
	}
	state.fetching = false
	if err != nil {
		// The next delta retriggers the fetch.
		a.logger.Printf("%s: depth snapshot %s: %v", a.cfg.StreamID, venueSymbol, err)
		return
	}
	now := time.Now().UnixMilli()
	state.rec.OnSnapshot(shared.RawSnapshot{
		UpdateID: depth.LastUpdateID,
		Bids:     toRawLevels(depth.Bids),
		Asks:     toRawLevels(depth.Asks),
		Meta:     a.pub.Meta(now, 0, schema.Uint64Ptr(depth.LastUpdateID)),
	})
}

func (a *Adapter) handleMarkPrice(data []byte) {
	var m wsMarkPrice
	if err := json.Unmarshal(data, &m); err != nil {
		a.logger.Printf("%s: decode markPriceUpdate: %v", a.cfg.StreamID, err)
		return
	}
	canonical, ok := symbols.Normalise(m.Symbol)
	if !ok {
		a.logger.Printf("%s: unmappable symbol %q dropped", a.cfg.StreamID, m.Symbol)
		return
	}
	meta := a.pub.Meta(m.EventTime, m.EventTime, nil)

	raw := &schema.TickerRaw{
		Symbol:     canonical,
		StreamID:   a.cfg.StreamID,
		MarketType: a.cfg.Market,
		LastPrice:  "",
		MarkPrice:  m.MarkPrice,
		IndexPrice: m.IndexPrice,
		BidPrice:   "",
		AskPrice:   "",
		Meta:       meta,
	}
	ticker := &schema.Ticker{
		Symbol:     canonical,
		StreamID:   a.cfg.StreamID,
		MarketType: a.cfg.Market,
		LastPrice:  nil,
		MarkPrice:  nil,
		IndexPrice: nil,
		BidPrice:   nil,
		AskPrice:   nil,
		Meta:       meta,
	}
	if v, err := parseF(m.MarkPrice); err == nil {
		ticker.MarkPrice = &v
	}
	if m.IndexPrice != "" {
		if v, err := parseF(m.IndexPrice); err == nil {
			ticker.IndexPrice = &v
		}
	}
	a.pub.Ticker(raw, ticker)

	if m.FundingRate != "" {
		if rate, err := parseF(m.FundingRate); err == nil {
			funding := &schema.Funding{
				Symbol:        canonical,
				StreamID:      a.cfg.StreamID,
				MarketType:    a.cfg.Market,
				Rate:          rate,
				NextFundingTs: nil,
				Meta:          meta,
			}
			if m.NextFundingTs > 0 {
				funding.NextFundingTs = schema.Int64Ptr(m.NextFundingTs)
			}
			bus.Publish(a.bus, bus.TopicFunding, funding)
		}
	}
}

func (a *Adapter) handleMiniTicker(data []byte) {
	var t wsMiniTicker
	if err := json.Unmarshal(data, &t); err != nil {
		a.logger.Printf("%s: decode miniTicker: %v", a.cfg.StreamID, err)
		return
	}
	last, err := parseF(t.LastPrice)
	if err != nil {
		a.logger.Printf("%s: miniTicker close: %v", a.cfg.StreamID, err)
		return
	}
	canonical, ok := symbols.Normalise(t.Symbol)
	if !ok {
		a.logger.Printf("%s: unmappable symbol %q dropped", a.cfg.StreamID, t.Symbol)
		return
	}
	meta := a.pub.Meta(t.EventTime, t.EventTime, nil)
	a.pub.Ticker(
		&schema.TickerRaw{
			Symbol:     canonical,
			StreamID:   a.cfg.StreamID,
			MarketType: a.cfg.Market,
			LastPrice:  t.LastPrice,
			MarkPrice:  "",
			IndexPrice: "",
			BidPrice:   "",
			AskPrice:   "",
			Meta:       meta,
		},
		&schema.Ticker{
			Symbol:     canonical,
			StreamID:   a.cfg.StreamID,
			MarketType: a.cfg.Market,
			LastPrice:  &last,
			MarkPrice:  nil,
			IndexPrice: nil,
			BidPrice:   nil,
			AskPrice:   nil,
			Meta:       meta,
		},
	)
}

func (a *Adapter) handleForceOrder(data []byte) {
	var f wsForceOrder
	if err := json.Unmarshal(data, &f); err != nil {
		a.logger.Printf("%s: decode forceOrder: %v", a.cfg.StreamID, err)
		return
	}
	side, ok := schema.ParseSide(f.Order.Side)
	if !ok {
		a.logger.Printf("%s: forceOrder side %q dropped", a.cfg.StreamID, f.Order.Side)
		return
	}
	priceStr := f.Order.AvgPrice
	if priceStr == "" || priceStr == "0" {
		priceStr = f.Order.Price
	}
	price, err := parseF(priceStr)
	if err != nil {
		a.logger.Printf("%s: forceOrder price: %v", a.cfg.StreamID, err)
		return
	}
	size, err := parseF(f.Order.Quantity)
	if err != nil {
		a.logger.Printf("%s: forceOrder qty: %v", a.cfg.StreamID, err)
		return
	}
	tsEvent := f.Order.TradeTime
	if tsEvent == 0 {
		tsEvent = f.EventTime
	}
	canonical, ok := symbols.Normalise(f.Order.Symbol)
	if !ok {
		a.logger.Printf("%s: unmappable symbol %q dropped", a.cfg.StreamID, f.Order.Symbol)
		return
	}
	liq := &schema.Liquidation{
		Symbol:      canonical,
		StreamID:    a.cfg.StreamID,
		MarketType:  a.cfg.Market,
		Side:        side,
		Price:       price,
		Size:        size,
		NotionalUsd: nil,
		Meta:        a.pub.Meta(tsEvent, f.EventTime, nil),
	}
	if usdQuoted(f.Order.Symbol) {
		notional := price * size
		liq.NotionalUsd = &notional
	}
	bus.Publish(a.bus, bus.TopicLiquidation, liq)
}

// usdQuoted reports whether the venue symbol settles in a USD stable, which
// makes price*size a USD notional.
func usdQuoted(venueSymbol string) bool {
	upper := strings.ToUpper(venueSymbol)
	for _, quote := range []string{"USDT", "USDC", "BUSD", "FDUSD", "USD"} {
		if strings.HasSuffix(upper, quote) {
			return true
		}
	}
	return false
}

func toRawLevels(levels [][]string) []schema.RawLevel {
	out := make([]schema.RawLevel, 0, len(levels))
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, schema.RawLevel{Price: lvl[0], Size: lvl[1]})
	}
	return out
}
