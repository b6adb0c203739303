package bus

import "github.com/quantfold/marketpipe/internal/schema"

// Contractual topic descriptors. The names are part of the journal format
// and must not change.
var (
	TopicTrade                = NewTopic[*schema.Trade]("market:trade")
	TopicTradeRaw             = NewTopic[*schema.TradeRaw]("market:trade_raw")
	TopicTicker               = NewTopic[*schema.Ticker]("market:ticker")
	TopicTickerRaw            = NewTopic[*schema.TickerRaw]("market:ticker_raw")
	TopicKline                = NewTopic[*schema.Kline]("market:kline")
	TopicOpenInterest         = NewTopic[*schema.OpenInterest]("market:oi")
	TopicFunding              = NewTopic[*schema.Funding]("market:funding")
	TopicLiquidation          = NewTopic[*schema.Liquidation]("market:liquidation")
	TopicOrderbookSnapshot    = NewTopic[*schema.OrderbookL2Snapshot]("market:orderbook_l2_snapshot")
	TopicOrderbookSnapshotRaw = NewTopic[*schema.OrderbookL2SnapshotRaw]("market:orderbook_l2_snapshot_raw")
	TopicOrderbookDelta       = NewTopic[*schema.OrderbookL2Delta]("market:orderbook_l2_delta")
	TopicOrderbookDeltaRaw    = NewTopic[*schema.OrderbookL2DeltaRaw]("market:orderbook_l2_delta_raw")
	TopicResyncRequested      = NewTopic[*schema.ResyncRequested]("market:resync_requested")
	TopicDisconnected         = NewTopic[*schema.Disconnected]("market:disconnected")
	TopicCvdSpot              = NewTopic[*schema.Cvd]("market:cvd_spot")
	TopicCvdFutures           = NewTopic[*schema.Cvd]("market:cvd_futures")
	TopicPriceCanonical       = NewTopic[*schema.PriceCanonical]("market:price_canonical")
	TopicPriceIndex           = NewTopic[*schema.PriceIndex]("market:price_index")
	TopicFundingAgg           = NewTopic[*schema.FundingAgg]("market:funding_agg")
	TopicOpenInterestAgg      = NewTopic[*schema.OpenInterestAgg]("market:oi_agg")
	TopicLiquidationsAgg      = NewTopic[*schema.LiquidationsAgg]("market:liquidations_agg")
	TopicLiquidityAgg         = NewTopic[*schema.LiquidityAgg]("market:liquidity_agg")
	TopicCvdSpotAgg           = NewTopic[*schema.CvdAgg]("market:cvd_spot_agg")
	TopicCvdFuturesAgg        = NewTopic[*schema.CvdAgg]("market:cvd_futures_agg")
	TopicDataStale            = NewTopic[*schema.StaleSignal]("data:stale")
	TopicDataMismatch         = NewTopic[*schema.MismatchSignal]("data:mismatch")
	TopicDataConfidence       = NewTopic[*schema.ConfidenceSignal]("data:confidence")
	TopicDataSourceDegraded   = NewTopic[*schema.SourceDegraded]("data:sourceDegraded")
	TopicDataSourceRecovered  = NewTopic[*schema.SourceRecovered]("data:sourceRecovered")
	TopicReplayStarted        = NewTopic[*schema.ReplayStarted]("replay:started")
	TopicReplayProgress       = NewTopic[*schema.ReplayProgress]("replay:progress")
	TopicReplayWarning        = NewTopic[*schema.ReplayWarning]("replay:warning")
	TopicReplayError          = NewTopic[*schema.ReplayError]("replay:error")
	TopicReplayFinished       = NewTopic[*schema.ReplayFinished]("replay:finished")
	TopicMarketDataStatus     = NewTopic[*schema.MarketDataStatus]("system:market_data_status")
	TopicHandlerError         = NewTopic[schema.HandlerError]("system:handler_error")
)
