// Package okx ingests OKX market data over the v5 public websocket and REST
// API, normalising payloads into the canonical event model.
package okx

import (
	json "github.com/goccy/go-json"
)

// wsArg addresses one channel/instrument pair in subscribe requests and in
// every data frame.
type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId,omitempty"`
}

type wsRequest struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

// wsFrame is the common shape of every inbound frame: control events carry
// Event, data frames carry Arg plus Data.
type wsFrame struct {
	Event  string          `json:"event,omitempty"`
	Arg    wsArg           `json:"arg,omitempty"`
	Code   string          `json:"code,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	Action string          `json:"action,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type wsTrade struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Price   string `json:"px"`
	Size    string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

type wsTicker struct {
	InstID   string `json:"instId"`
	Last     string `json:"last"`
	BidPrice string `json:"bidPx"`
	AskPrice string `json:"askPx"`
	Ts       string `json:"ts"`
}

type wsMarkPrice struct {
	InstID    string `json:"instId"`
	MarkPrice string `json:"markPx"`
	Ts        string `json:"ts"`
}

type wsIndexTicker struct {
	InstID     string `json:"instId"`
	IndexPrice string `json:"idxPx"`
	Ts         string `json:"ts"`
}

type wsFundingRate struct {
	InstID      string `json:"instId"`
	FundingRate string `json:"fundingRate"`
	FundingTime string `json:"fundingTime"`
	Ts          string `json:"ts"`
}

type wsBook struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
	Checksum  int32      `json:"checksum"`
}

// wsLiquidation carries liquidation details per instrument. OKX batches
// fills under details.
type wsLiquidation struct {
	InstID     string `json:"instId"`
	InstFamily string `json:"instFamily"`
	Details    []struct {
		Side  string `json:"side"`
		Price string `json:"bkPx"`
		Size  string `json:"sz"`
		Loss  string `json:"bkLoss"`
		Ccy   string `json:"ccy"`
		Ts    string `json:"ts"`
	} `json:"details"`
}

type restEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type restOpenInterest struct {
	InstID string `json:"instId"`
	Oi     string `json:"oi"`
	OiCcy  string `json:"oiCcy"`
	OiUsd  string `json:"oiUsd"`
	Ts     string `json:"ts"`
}

type restFundingRate struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	FundingTime     string `json:"fundingTime"`
	Ts              string `json:"ts"`
}
