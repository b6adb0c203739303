package schema

// Level is a parsed order book price level. Size zero deletes the level.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// RawLevel preserves the venue's exact decimal strings to avoid early
// floating-point rounding in journaled raw mirrors.
type RawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Trade is a normalised trade execution.
type Trade struct {
	Symbol     string     `json:"symbol"`
	StreamID   string     `json:"streamId"`
	MarketType MarketType `json:"marketType"`
	Side       Side       `json:"side"`
	Price      float64    `json:"price"`
	Size       float64    `json:"size"`
	Meta       EventMeta  `json:"meta"`
}

// TradeRaw mirrors the venue trade record pre-aggregation with string forms.
type TradeRaw struct {
	Symbol     string     `json:"symbol"`
	StreamID   string     `json:"streamId"`
	MarketType MarketType `json:"marketType"`
	Side       Side       `json:"side"`
	Price      string     `json:"price"`
	Size       string     `json:"size"`
	Meta       EventMeta  `json:"meta"`
}

// Ticker carries the price fields a venue exposes for a symbol. Absent
// fields are nil; canonical price aggregation picks index, mark, last in
// that priority order.
type Ticker struct {
	Symbol     string     `json:"symbol"`
	StreamID   string     `json:"streamId"`
	MarketType MarketType `json:"marketType"`
	LastPrice  *float64   `json:"lastPrice,omitempty"`
	MarkPrice  *float64   `json:"markPrice,omitempty"`
	IndexPrice *float64   `json:"indexPrice,omitempty"`
	BidPrice   *float64   `json:"bidPrice,omitempty"`
	AskPrice   *float64   `json:"askPrice,omitempty"`
	Meta       EventMeta  `json:"meta"`
}

// TickerRaw mirrors the venue ticker record with string forms.
type TickerRaw struct {
	Symbol     string     `json:"symbol"`
	StreamID   string     `json:"streamId"`
	MarketType MarketType `json:"marketType"`
	LastPrice  string     `json:"lastPrice,omitempty"`
	MarkPrice  string     `json:"markPrice,omitempty"`
	IndexPrice string     `json:"indexPrice,omitempty"`
	BidPrice   string     `json:"bidPrice,omitempty"`
	AskPrice   string     `json:"askPrice,omitempty"`
	Meta       EventMeta  `json:"meta"`
}

// Kline is a closed candlestick. Klines are only emitted on close.
type Kline struct {
	Symbol     string     `json:"symbol"`
	StreamID   string     `json:"streamId"`
	MarketType MarketType `json:"marketType"`
	Interval   string     `json:"interval"`
	StartTs    int64      `json:"startTs"`
	EndTs      int64      `json:"endTs"`
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     float64    `json:"volume"`
	Meta       EventMeta  `json:"meta"`
}

// OIUnit names the unit an open interest figure is denominated in.
type OIUnit string

const (
	// OIUnitContracts is a contract count.
	OIUnitContracts OIUnit = "contracts"
	// OIUnitBase is base-asset denominated.
	OIUnitBase OIUnit = "base"
	// OIUnitUsd is USD denominated.
	OIUnitUsd OIUnit = "usd"
	// OIUnitUnknown marks figures whose unit could not be determined.
	OIUnitUnknown OIUnit = "unknown"
)

// OpenInterest is a normalised open interest observation.
type OpenInterest struct {
	Symbol       string     `json:"symbol"`
	StreamID     string     `json:"streamId"`
	MarketType   MarketType `json:"marketType"`
	OpenInterest float64    `json:"openInterest"`
	Unit         OIUnit     `json:"unit"`
	ValueUsd     *float64   `json:"valueUsd,omitempty"`
	Meta         EventMeta  `json:"meta"`
}

// Funding is a normalised funding rate observation.
type Funding struct {
	Symbol        string     `json:"symbol"`
	StreamID      string     `json:"streamId"`
	MarketType    MarketType `json:"marketType"`
	Rate          float64    `json:"rate"`
	NextFundingTs *int64     `json:"nextFundingTs,omitempty"`
	Meta          EventMeta  `json:"meta"`
}

// Liquidation is a normalised forced-order event.
type Liquidation struct {
	Symbol      string     `json:"symbol"`
	StreamID    string     `json:"streamId"`
	MarketType  MarketType `json:"marketType"`
	Side        Side       `json:"side"`
	Price       float64    `json:"price"`
	Size        float64    `json:"size"`
	NotionalUsd *float64   `json:"notionalUsd,omitempty"`
	Meta        EventMeta  `json:"meta"`
}

// OrderbookL2Snapshot is a full depth snapshot anchoring a delta chain.
type OrderbookL2Snapshot struct {
	Symbol     string     `json:"symbol"`
	StreamID   string     `json:"streamId"`
	MarketType MarketType `json:"marketType"`
	UpdateID   uint64     `json:"updateId"`
	Bids       []Level    `json:"bids"`
	Asks       []Level    `json:"asks"`
	Meta       EventMeta  `json:"meta"`
}

// OrderbookL2Delta is an incremental depth update. Between two consecutive
// deltas with no intervening snapshot or resync the chain predicate holds.
type OrderbookL2Delta struct {
	Symbol        string     `json:"symbol"`
	StreamID      string     `json:"streamId"`
	MarketType    MarketType `json:"marketType"`
	FirstUpdateID uint64     `json:"firstUpdateId"`
	UpdateID      uint64     `json:"updateId"`
	PrevUpdateID  *uint64    `json:"prevUpdateId,omitempty"`
	Bids          []Level    `json:"bids"`
	Asks          []Level    `json:"asks"`
	Meta          EventMeta  `json:"meta"`
}

// OrderbookL2SnapshotRaw mirrors a venue depth snapshot pre-reconciliation
// with the venue's decimal strings intact.
type OrderbookL2SnapshotRaw struct {
	Symbol     string     `json:"symbol"`
	StreamID   string     `json:"streamId"`
	MarketType MarketType `json:"marketType"`
	UpdateID   uint64     `json:"updateId"`
	Bids       []RawLevel `json:"bids"`
	Asks       []RawLevel `json:"asks"`
	Meta       EventMeta  `json:"meta"`
}

// OrderbookL2DeltaRaw mirrors a venue depth diff pre-reconciliation.
type OrderbookL2DeltaRaw struct {
	Symbol        string     `json:"symbol"`
	StreamID      string     `json:"streamId"`
	MarketType    MarketType `json:"marketType"`
	FirstUpdateID uint64     `json:"firstUpdateId"`
	UpdateID      uint64     `json:"updateId"`
	PrevUpdateID  *uint64    `json:"prevUpdateId,omitempty"`
	Bids          []RawLevel `json:"bids"`
	Asks          []RawLevel `json:"asks"`
	Meta          EventMeta  `json:"meta"`
}

// Cvd is one closed cumulative-volume-delta bucket for a single stream.
type Cvd struct {
	Symbol        string     `json:"symbol"`
	StreamID      string     `json:"streamId"`
	MarketType    MarketType `json:"marketType"`
	CvdDelta      float64    `json:"cvdDelta"`
	CvdTotal      float64    `json:"cvdTotal"`
	BucketStartTs int64      `json:"bucketStartTs"`
	BucketEndTs   int64      `json:"bucketEndTs"`
	BucketSizeMs  int64      `json:"bucketSizeMs"`
	Unit          string     `json:"unit"`
	Meta          EventMeta  `json:"meta"`
}

// ResyncRequested announces that an order-book reconcile FSM dropped its
// state and requested a fresh snapshot.
type ResyncRequested struct {
	Symbol     string     `json:"symbol"`
	StreamID   string     `json:"streamId"`
	MarketType MarketType `json:"marketType"`
	Reason     string     `json:"reason"`
	Meta       EventMeta  `json:"meta"`
}

// Resync reasons.
const (
	ResyncReasonGap        = "gap"
	ResyncReasonOutOfOrder = "out_of_order"
)

// Disconnected announces a venue connection loss; all order-book state for
// the connection is reset.
type Disconnected struct {
	StreamID string    `json:"streamId"`
	Code     int       `json:"code,omitempty"`
	Meta     EventMeta `json:"meta"`
}
