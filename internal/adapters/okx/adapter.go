package okx

import (
	"context"
	"fmt"
	"log"
	"strconv"
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
	controlSendInterval = 250 * time.Millisecond
	maxArgsPerRequest   = 100
	// OKX drops connections idle for 30s; they expect client pings.
	pingInterval = 20 * time.Second
)

// Channel names accepted in Config.Channels. Books and candles have their
// own config switches.
const (
	ChannelTrades       = "trades"
	ChannelTickers      = "tickers"
	ChannelMarkPrice    = "mark-price"
	ChannelIndexTickers = "index-tickers"
	ChannelFundingRate  = "funding-rate"
	ChannelBooks        = "books"
	ChannelLiquidations = "liquidation-orders"
)

// Config describes the OKX connection.
type Config struct {
	StreamID    string
	WSURL       string
	RESTBaseURL string
	// Instruments are venue instIds, e.g. BTC-USDT and BTC-USDT-SWAP.
	Instruments []string
	Channels    []string
	// EnableKlines gates the candle channels; OKX serves them from the
	// business endpoint and some deployments leave them off.
	EnableKlines bool
	KlineBars    []string
	Book         shared.ReconcilerOptions
}

// Adapter ingests one OKX websocket connection.
type Adapter struct {
	cfg    Config
	bus    *bus.Bus
	logger *log.Logger
	pub    *shared.Publisher
	ws     *shared.WSManager
	subs   *shared.SubscriptionManager

	mu    sync.Mutex
	books map[string]*shared.Reconciler
}

// New constructs an adapter; Start connects.
func New(cfg Config, b *bus.Bus, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "okx"
	}
	a := &Adapter{
		cfg:    cfg,
		bus:    b,
		logger: logger,
		pub:    shared.NewPublisher(b, cfg.StreamID, nil),
		ws:     nil,
		subs:   nil,
		mu:     sync.Mutex{},
		books:  make(map[string]*shared.Reconciler),
	}
	a.subs = shared.NewSubscriptionManager(a.sendSubscribe)
	return a
}

// Start dials and subscribes the configured channels.
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
	return a.subs.Subscribe(ctx, a.subscriptionKeys()...)
}

// Stop tears the connection down.
func (a *Adapter) Stop() {
	if a.ws != nil {
		a.ws.Stop()
	}
}

func (a *Adapter) onConnect(ctx context.Context) error {
	a.subs.Reset()
	a.mu.Lock()
	for inst := range a.books {
		a.books[inst] = a.newReconciler(inst)
	}
	a.mu.Unlock()
	return a.subs.Flush(ctx)
}

// subKey encodes one channel/instrument pair as a subscription key.
func subKey(channel, instID string) string { return channel + "|" + instID }

func splitSubKey(key string) (channel, instID string, ok bool) {
	idx := strings.IndexByte(key, '|')
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

func (a *Adapter) subscriptionKeys() []string {
	keys := make([]string, 0, len(a.cfg.Instruments)*len(a.cfg.Channels))
	for _, inst := range a.cfg.Instruments {
		if _, ok := symbols.Normalise(inst); !ok {
			a.logger.Printf("%s: unmappable instrument %q skipped", a.cfg.StreamID, inst)
			continue
		}
		for _, ch := range a.cfg.Channels {
			switch ch {
			case ChannelMarkPrice, ChannelIndexTickers, ChannelFundingRate, ChannelLiquidations:
				// Derivatives channels only exist for derivative instruments.
				if marketOf(inst) != schema.MarketFutures {
					continue
				}
			case ChannelBooks:
				a.mu.Lock()
				if _, ok := a.books[inst]; !ok {
					a.books[inst] = a.newReconciler(inst)
				}
				a.mu.Unlock()
			}
			keys = append(keys, subKey(ch, inst))
		}
		if a.cfg.EnableKlines {
			for _, bar := range a.cfg.KlineBars {
				keys = append(keys, subKey("candle"+bar, inst))
			}
		}
	}
	return keys
}

func (a *Adapter) newReconciler(instID string) *shared.Reconciler {
	canonical, ok := symbols.Normalise(instID)
	if !ok {
		return nil
	}
	sink := &resyncSink{
		BookPublisher: &shared.BookPublisher{
			Pub:        a.pub,
			Symbol:     canonical,
			MarketType: marketOf(instID),
		},
		adapter: a,
		instID:  instID,
	}
	return shared.NewReconciler(shared.ChainOKX, sink, a.cfg.Book)
}

// resyncSink forwards book events and, on resync, bounces the books channel
// so OKX replays a fresh snapshot.
type resyncSink struct {
	*shared.BookPublisher
	adapter *Adapter
	instID  string
}

func (s *resyncSink) ResyncRequested(reason string, meta schema.EventMeta) {
	s.BookPublisher.ResyncRequested(reason, meta)
	go s.adapter.bounceBooks(s.instID)
}

// bounceBooks unsubscribes and resubscribes one books stream; OKX only
// sends action:snapshot on (re)subscribe.
func (a *Adapter) bounceBooks(instID string) {
	if a.ws == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	arg := wsArg{Channel: ChannelBooks, InstID: instID}
	for _, op := range []string{"unsubscribe", "subscribe"} {
		payload, err := json.Marshal(wsRequest{Op: op, Args: []wsArg{arg}})
		if err != nil {
			a.logger.Printf("%s: marshal %s: %v", a.cfg.StreamID, op, err)
			return
		}
		if err := a.ws.SendControl(ctx, payload); err != nil {
			a.logger.Printf("%s: books %s %s: %v", a.cfg.StreamID, op, instID, err)
			return
		}
	}
}

func (a *Adapter) sendSubscribe(ctx context.Context, keys []string) error {
	for _, chunk := range shared.ChunkKeys(keys, maxArgsPerRequest) {
		args := make([]wsArg, 0, len(chunk))
		for _, key := range chunk {
			channel, instID, ok := splitSubKey(key)
			if !ok {
				continue
			}
			args = append(args, wsArg{Channel: channel, InstID: instID})
		}
		payload, err := json.Marshal(wsRequest{Op: "subscribe", Args: args})
		if err != nil {
			return fmt.Errorf("marshal subscribe: %w", err)
		}
		if err := a.ws.SendControl(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

// handleFrame routes one frame: control events confirm subscriptions, data
// frames dispatch on the channel.
func (a *Adapter) handleFrame(frame []byte) {
	if string(frame) == "pong" {
		return
	}
	var f wsFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		a.logger.Printf("%s: undecodable frame dropped: %v", a.cfg.StreamID, err)
		return
	}
	switch f.Event {
	case "subscribe":
		a.subs.Confirm(subKey(f.Arg.Channel, f.Arg.InstID))
		return
	case "unsubscribe":
		return
	case "error":
		a.logger.Printf("%s: venue error code=%s msg=%q", a.cfg.StreamID, f.Code, f.Msg)
		if f.Arg.Channel != "" {
			a.subs.Fail(subKey(f.Arg.Channel, f.Arg.InstID))
		}
		return
	}
	if len(f.Data) == 0 {
		return
	}

	switch {
	case f.Arg.Channel == ChannelTrades:
		a.handleTrades(f.Data)
	case f.Arg.Channel == ChannelTickers:
		a.handleTickers(f.Data)
	case f.Arg.Channel == ChannelMarkPrice:
		a.handleMarkPrice(f.Data)
	case f.Arg.Channel == ChannelIndexTickers:
		a.handleIndexTickers(f.Data)
	case f.Arg.Channel == ChannelFundingRate:
		a.handleFundingRate(f.Data)
	case strings.HasPrefix(f.Arg.Channel, ChannelBooks):
		a.handleBooks(f.Arg.InstID, f.Action, f.Data)
	case f.Arg.Channel == ChannelLiquidations:
		a.handleLiquidations(f.Data)
	case strings.HasPrefix(f.Arg.Channel, "candle"):
		a.handleCandles(f.Arg.InstID, strings.TrimPrefix(f.Arg.Channel, "candle"), f.Data)
	default:
		// Unknown channels are dropped.
	}
}

func (a *Adapter) handleTrades(data json.RawMessage) {
	var trades []wsTrade
	if err := json.Unmarshal(data, &trades); err != nil {
		a.logger.Printf("%s: decode trades: %v", a.cfg.StreamID, err)
		return
	}
	for _, t := range trades {
		side, ok := schema.ParseSide(t.Side)
		if !ok {
			a.logger.Printf("%s: trade side %q dropped", a.cfg.StreamID, t.Side)
			continue
		}
		price, err1 := parseF(t.Price)
		size, err2 := parseF(t.Size)
		ts, err3 := parseTs(t.Ts)
		if err1 != nil || err2 != nil || err3 != nil {
			a.logger.Printf("%s: malformed trade %s dropped", a.cfg.StreamID, t.TradeID)
			continue
		}
		var seq *uint64
		if id, err := strconv.ParseUint(t.TradeID, 10, 64); err == nil {
			seq = schema.Uint64Ptr(id)
		}
		canonical, ok := symbols.Normalise(t.InstID)
		if !ok {
			continue
		}
		meta := a.pub.Meta(ts, ts, seq)
		market := marketOf(t.InstID)
		a.pub.Trade(
			&schema.TradeRaw{
				Symbol:     canonical,
				StreamID:   a.cfg.StreamID,
				MarketType: market,
				Side:       side,
				Price:      t.Price,
				Size:       t.Size,
				Meta:       meta,
			},
			&schema.Trade{
				Symbol:     canonical,
				StreamID:   a.cfg.StreamID,
				MarketType: market,
				Side:       side,
				Price:      price,
				Size:       size,
				Meta:       meta,
			},
		)
	}
}

func (a *Adapter) handleTickers(data json.RawMessage) {
	var tickers []wsTicker
	if err := json.Unmarshal(data, &tickers); err != nil {
		a.logger.Printf("%s: decode tickers: %v", a.cfg.StreamID, err)
		return
	}
	for _, t := range tickers {
		ts, err := parseTs(t.Ts)
		if err != nil {
			continue
		}
		canonical, ok := symbols.Normalise(t.InstID)
		if !ok {
			continue
		}
		meta := a.pub.Meta(ts, ts, nil)
		market := marketOf(t.InstID)
		raw := &schema.TickerRaw{
			Symbol:     canonical,
			StreamID:   a.cfg.StreamID,
			MarketType: market,
			LastPrice:  t.Last,
			MarkPrice:  "",
			IndexPrice: "",
			BidPrice:   t.BidPrice,
			AskPrice:   t.AskPrice,
			Meta:       meta,
		}
		ticker := &schema.Ticker{
			Symbol:     canonical,
			StreamID:   a.cfg.StreamID,
			MarketType: market,
			LastPrice:  nil,
			MarkPrice:  nil,
			IndexPrice: nil,
			BidPrice:   nil,
			AskPrice:   nil,
			Meta:       meta,
		}
		if v, err := parseF(t.Last); err == nil {
			ticker.LastPrice = &v
		}
		if t.BidPrice != "" {
			if v, err := parseF(t.BidPrice); err == nil {
				ticker.BidPrice = &v
			}
		}
		if t.AskPrice != "" {
			if v, err := parseF(t.AskPrice); err == nil {
				ticker.AskPrice = &v
			}
		}
		a.pub.Ticker(raw, ticker)
	}
}

func (a *Adapter) handleMarkPrice(data json.RawMessage) {
	var marks []wsMarkPrice
	if err := json.Unmarshal(data, &marks); err != nil {
		a.logger.Printf("%s: decode mark-price: %v", a.cfg.StreamID, err)
		return
	}
	for _, m := range marks {
		mark, err1 := parseF(m.MarkPrice)
		ts, err2 := parseTs(m.Ts)
		if err1 != nil || err2 != nil {
			continue
		}
		canonical, ok := symbols.Normalise(m.InstID)
		if !ok {
			continue
		}
		meta := a.pub.Meta(ts, ts, nil)
		a.pub.Ticker(
			&schema.TickerRaw{
				Symbol:     canonical,
				StreamID:   a.cfg.StreamID,
				MarketType: marketOf(m.InstID),
				LastPrice:  "",
				MarkPrice:  m.MarkPrice,
				IndexPrice: "",
				BidPrice:   "",
				AskPrice:   "",
				Meta:       meta,
			},
			&schema.Ticker{
				Symbol:     canonical,
				StreamID:   a.cfg.StreamID,
				MarketType: marketOf(m.InstID),
				LastPrice:  nil,
				MarkPrice:  &mark,
				IndexPrice: nil,
				BidPrice:   nil,
				AskPrice:   nil,
				Meta:       meta,
			},
		)
	}
}

func (a *Adapter) handleIndexTickers(data json.RawMessage) {
	var idx []wsIndexTicker
	if err := json.Unmarshal(data, &idx); err != nil {
		a.logger.Printf("%s: decode index-tickers: %v", a.cfg.StreamID, err)
		return
	}
	for _, i := range idx {
		price, err1 := parseF(i.IndexPrice)
		ts, err2 := parseTs(i.Ts)
		if err1 != nil || err2 != nil {
			continue
		}
		canonical, ok := symbols.Normalise(i.InstID)
		if !ok {
			continue
		}
		meta := a.pub.Meta(ts, ts, nil)
		a.pub.Ticker(
			&schema.TickerRaw{
				Symbol:     canonical,
				StreamID:   a.cfg.StreamID,
				MarketType: schema.MarketFutures,
				LastPrice:  "",
				MarkPrice:  "",
				IndexPrice: i.IndexPrice,
				BidPrice:   "",
				AskPrice:   "",
				Meta:       meta,
			},
			&schema.Ticker{
				Symbol:     canonical,
				StreamID:   a.cfg.StreamID,
				MarketType: schema.MarketFutures,
				LastPrice:  nil,
				MarkPrice:  nil,
				IndexPrice: &price,
				BidPrice:   nil,
				AskPrice:   nil,
				Meta:       meta,
			},
		)
	}
}

func (a *Adapter) handleFundingRate(data json.RawMessage) {
	var rates []wsFundingRate
	if err := json.Unmarshal(data, &rates); err != nil {
		a.logger.Printf("%s: decode funding-rate: %v", a.cfg.StreamID, err)
		return
	}
	for _, r := range rates {
		rate, err := parseF(r.FundingRate)
		if err != nil {
			continue
		}
		ts, err := parseTs(r.Ts)
		if err != nil {
			ts, err = parseTs(r.FundingTime)
			if err != nil {
				continue
			}
		}
		canonical, ok := symbols.Normalise(r.InstID)
		if !ok {
			continue
		}
		funding := &schema.Funding{
			Symbol:        canonical,
			StreamID:      a.cfg.StreamID,
			MarketType:    schema.MarketFutures,
			Rate:          rate,
			NextFundingTs: nil,
			Meta:          a.pub.Meta(ts, ts, nil),
		}
		if next, err := parseTs(r.FundingTime); err == nil && next > 0 {
			funding.NextFundingTs = schema.Int64Ptr(next)
		}
		bus.Publish(a.bus, bus.TopicFunding, funding)
	}
}

func (a *Adapter) handleBooks(instID, action string, data json.RawMessage) {
	var pages []wsBook
	if err := json.Unmarshal(data, &pages); err != nil {
		a.logger.Printf("%s: decode books: %v", a.cfg.StreamID, err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.books[instID]
	if !ok {
		return
	}
	for _, page := range pages {
		ts, err := parseTs(page.Ts)
		if err != nil {
			continue
		}
		meta := a.pub.Meta(ts, ts, schema.Uint64Ptr(uint64(page.SeqID)))
		if action == "snapshot" {
			rec.OnSnapshot(shared.RawSnapshot{
				UpdateID: uint64(page.SeqID),
				Bids:     toRawLevels(page.Bids),
				Asks:     toRawLevels(page.Asks),
				Meta:     meta,
			})
			continue
		}
		prev := uint64(page.PrevSeqID)
		rec.OnDelta(shared.RawDelta{
			First: prev + 1,
			Final: uint64(page.SeqID),
			Prev:  &prev,
			Bids:  toRawLevels(page.Bids),
			Asks:  toRawLevels(page.Asks),
			Meta:  meta,
		})
	}
}

func (a *Adapter) handleLiquidations(data json.RawMessage) {
	var liqs []wsLiquidation
	if err := json.Unmarshal(data, &liqs); err != nil {
		a.logger.Printf("%s: decode liquidation-orders: %v", a.cfg.StreamID, err)
		return
	}
	for _, l := range liqs {
		canonical, ok := symbols.Normalise(l.InstID)
		if !ok {
			continue
		}
		for _, d := range l.Details {
			side, ok := schema.ParseSide(d.Side)
			if !ok {
				continue
			}
			price, err1 := parseF(d.Price)
			size, err2 := parseF(d.Size)
			ts, err3 := parseTs(d.Ts)
			if err1 != nil || err2 != nil || err3 != nil {
				continue
			}
			// OKX sizes liquidations in contracts; without the contract
			// multiplier the USD notional stays unknown.
			bus.Publish(a.bus, bus.TopicLiquidation, &schema.Liquidation{
				Symbol:      canonical,
				StreamID:    a.cfg.StreamID,
				MarketType:  schema.MarketFutures,
				Side:        side,
				Price:       price,
				Size:        size,
				NotionalUsd: nil,
				Meta:        a.pub.Meta(ts, ts, nil),
			})
		}
	}
}

func (a *Adapter) handleCandles(instID, bar string, data json.RawMessage) {
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		a.logger.Printf("%s: decode candle%s: %v", a.cfg.StreamID, bar, err)
		return
	}
	interval := strings.ToLower(bar)
	span := barMs(bar)
	for _, row := range rows {
		// [ts, o, h, l, c, vol, ..., confirm]; only confirmed candles are
		// canonical.
		if len(row) < 6 || row[len(row)-1] != "1" {
			continue
		}
		ts, err := parseTs(row[0])
		if err != nil {
			continue
		}
		open, err1 := parseF(row[1])
		high, err2 := parseF(row[2])
		low, err3 := parseF(row[3])
		cls, err4 := parseF(row[4])
		vol, err5 := parseF(row[5])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		endTs := ts
		if span > 0 {
			endTs = ts + span - 1
		}
		canonical, ok := symbols.Normalise(instID)
		if !ok {
			continue
		}
		bus.Publish(a.bus, bus.TopicKline, &schema.Kline{
			Symbol:     canonical,
			StreamID:   a.cfg.StreamID,
			MarketType: marketOf(instID),
			Interval:   interval,
			StartTs:    ts,
			EndTs:      endTs,
			Open:       open,
			High:       high,
			Low:        low,
			Close:      cls,
			Volume:     vol,
			Meta:       a.pub.Meta(endTs, 0, nil),
		})
	}
}

// marketOf classifies an instId: two segments is spot, anything further
// (SWAP or an expiry) is a derivative.
func marketOf(instID string) schema.MarketType {
	parts := strings.Split(instID, "-")
	switch {
	case len(parts) == 2:
		return schema.MarketSpot
	case len(parts) >= 3:
		return schema.MarketFutures
	default:
		return schema.MarketUnknown
	}
}

func barMs(bar string) int64 {
	switch strings.ToLower(bar) {
	case "1m":
		return 60_000
	case "3m":
		return 180_000
	case "5m":
		return 300_000
	case "15m":
		return 900_000
	case "30m":
		return 1_800_000
	case "1h":
		return 3_600_000
	case "2h":
		return 7_200_000
	case "4h":
		return 14_400_000
	case "1d":
		return 86_400_000
	default:
		return 0
	}
}

func parseF(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func parseTs(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
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
