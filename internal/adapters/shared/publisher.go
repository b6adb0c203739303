package shared

import (
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/schema"
)

// Clock supplies now; tests freeze it.
type Clock func() time.Time

// Publisher stamps venue events with stream identity, ingest time and a
// correlation ID, and publishes them. One publisher per connection.
type Publisher struct {
	Bus      *bus.Bus
	StreamID string
	Now      Clock
}

// NewPublisher constructs a publisher. A nil clock uses wall time.
func NewPublisher(b *bus.Bus, streamID string, now Clock) *Publisher {
	if now == nil {
		now = time.Now
	}
	return &Publisher{Bus: b, StreamID: streamID, Now: now}
}

// Meta builds the event meta for a venue event. tsExchange may be zero when
// the venue omits it.
func (p *Publisher) Meta(tsEvent, tsExchange int64, sequence *uint64) schema.EventMeta {
	meta := schema.EventMeta{
		TsEvent:       tsEvent,
		TsIngest:      p.Now().UnixMilli(),
		TsExchange:    nil,
		Sequence:      sequence,
		Source:        p.StreamID,
		StreamID:      p.StreamID,
		CorrelationID: uuid.NewString(),
	}
	if tsExchange > 0 {
		meta.TsExchange = schema.Int64Ptr(tsExchange)
	}
	return meta
}

// Trade publishes the raw mirror and the canonical trade as one correlated
// pair.
func (p *Publisher) Trade(raw *schema.TradeRaw, trade *schema.Trade) {
	bus.Publish(p.Bus, bus.TopicTradeRaw, raw)
	bus.Publish(p.Bus, bus.TopicTrade, trade)
}

// Ticker publishes the raw mirror and the canonical ticker as one
// correlated pair.
func (p *Publisher) Ticker(raw *schema.TickerRaw, ticker *schema.Ticker) {
	bus.Publish(p.Bus, bus.TopicTickerRaw, raw)
	bus.Publish(p.Bus, bus.TopicTicker, ticker)
}

// BookPublisher adapts a Publisher into a BookSink for one symbol.
type BookPublisher struct {
	Pub        *Publisher
	Symbol     string
	MarketType schema.MarketType
}

var _ BookSink = (*BookPublisher)(nil)

// BookSnapshot publishes a reconciled snapshot.
func (bp *BookPublisher) BookSnapshot(updateID uint64, bids, asks []schema.Level, meta schema.EventMeta) {
	bus.Publish(bp.Pub.Bus, bus.TopicOrderbookSnapshot, &schema.OrderbookL2Snapshot{
		Symbol:     bp.Symbol,
		StreamID:   bp.Pub.StreamID,
		MarketType: bp.MarketType,
		UpdateID:   updateID,
		Bids:       bids,
		Asks:       asks,
		Meta:       meta,
	})
}

// BookSnapshotRaw publishes the wire-form snapshot mirror.
func (bp *BookPublisher) BookSnapshotRaw(snap RawSnapshot) {
	bus.Publish(bp.Pub.Bus, bus.TopicOrderbookSnapshotRaw, &schema.OrderbookL2SnapshotRaw{
		Symbol:     bp.Symbol,
		StreamID:   bp.Pub.StreamID,
		MarketType: bp.MarketType,
		UpdateID:   snap.UpdateID,
		Bids:       snap.Bids,
		Asks:       snap.Asks,
		Meta:       snap.Meta,
	})
}

// BookDelta publishes a reconciled diff.
func (bp *BookPublisher) BookDelta(first, final uint64, prev *uint64, bids, asks []schema.Level, meta schema.EventMeta) {
	bus.Publish(bp.Pub.Bus, bus.TopicOrderbookDelta, &schema.OrderbookL2Delta{
		Symbol:        bp.Symbol,
		StreamID:      bp.Pub.StreamID,
		MarketType:    bp.MarketType,
		FirstUpdateID: first,
		UpdateID:      final,
		PrevUpdateID:  prev,
		Bids:          bids,
		Asks:          asks,
		Meta:          meta,
	})
}

// BookDeltaRaw publishes the wire-form diff mirror.
func (bp *BookPublisher) BookDeltaRaw(d RawDelta) {
	bus.Publish(bp.Pub.Bus, bus.TopicOrderbookDeltaRaw, &schema.OrderbookL2DeltaRaw{
		Symbol:        bp.Symbol,
		StreamID:      bp.Pub.StreamID,
		MarketType:    bp.MarketType,
		FirstUpdateID: d.First,
		UpdateID:      d.Final,
		PrevUpdateID:  d.Prev,
		Bids:          d.Bids,
		Asks:          d.Asks,
		Meta:          d.Meta,
	})
}

// ResyncRequested publishes the resync marker for this symbol.
func (bp *BookPublisher) ResyncRequested(reason string, meta schema.EventMeta) {
	bus.Publish(bp.Pub.Bus, bus.TopicResyncRequested, &schema.ResyncRequested{
		Symbol:     bp.Symbol,
		StreamID:   bp.Pub.StreamID,
		MarketType: bp.MarketType,
		Reason:     reason,
		Meta:       meta,
	})
}
