// Package binance ingests Binance spot and USD-M futures market data over
// websocket and REST, normalising payloads into the canonical event model.
package binance

import (
	json "github.com/goccy/go-json"
)

// wsEnvelope is the combined-stream wrapper. Single-stream frames arrive
// without it, in which case Data is the frame itself.
type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// subscribeAck answers a SUBSCRIBE request; result is null on success.
type subscribeAck struct {
	Result json.RawMessage `json:"result"`
	ID     uint64          `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type wsAggTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      uint64 `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type wsKline struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Symbol    string `json:"s"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

type wsDepthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	PrevUpdateID  *uint64    `json:"pu,omitempty"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type wsMarkPrice struct {
	EventType     string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	MarkPrice     string `json:"p"`
	IndexPrice    string `json:"i"`
	FundingRate   string `json:"r"`
	NextFundingTs int64  `json:"T"`
}

type wsMiniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
}

type wsBookTicker struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	AskPrice string `json:"a"`
	// Futures book tickers carry timestamps; spot ones do not.
	EventTime int64 `json:"E"`
}

type wsForceOrder struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol       string `json:"s"`
		Side         string `json:"S"`
		Quantity     string `json:"q"`
		Price        string `json:"p"`
		AvgPrice     string `json:"ap"`
		TradeTime    int64  `json:"T"`
		FilledQty    string `json:"z"`
		OrderStatus  string `json:"X"`
		TimeInForce  string `json:"f"`
		OrderType    string `json:"o"`
		LastFillQty  string `json:"l"`
		LastFillTime int64  `json:"t"`
	} `json:"o"`
}

type restDepth struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type restOpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

type restPremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}
