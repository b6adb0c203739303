package poller

import (
	"context"
	"strconv"

	"github.com/quantfold/marketpipe/internal/adapters/binance"
	"github.com/quantfold/marketpipe/internal/adapters/okx"
	"github.com/quantfold/marketpipe/internal/adapters/shared"
	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/schema"
	"github.com/quantfold/marketpipe/internal/symbols"
)

// BinanceDerivativeTasks builds open interest and funding polls for Binance
// USD-M symbols. Binance reports open interest in base asset units.
func BinanceDerivativeTasks(rest *binance.RESTClient, b *bus.Bus, streamID string, venueSymbols []string) []Task {
	pub := shared.NewPublisher(b, streamID, nil)
	tasks := make([]Task, 0, len(venueSymbols)*2)
	for _, sym := range venueSymbols {
		sym := sym
		canonical, ok := symbols.Normalise(sym)
		if !ok {
			continue
		}
		tasks = append(tasks, Task{
			Key: streamID + "|oi|" + sym,
			Fetch: func(ctx context.Context) error {
				oi, err := rest.OpenInterest(ctx, sym)
				if err != nil {
					return err
				}
				value, err := strconv.ParseFloat(oi.OpenInterest, 64)
				if err != nil {
					return err
				}
				bus.Publish(b, bus.TopicOpenInterest, &schema.OpenInterest{
					Symbol:       canonical,
					StreamID:     streamID,
					MarketType:   schema.MarketFutures,
					OpenInterest: value,
					Unit:         schema.OIUnitBase,
					ValueUsd:     nil,
					Meta:         pub.Meta(oi.Time, oi.Time, nil),
				})
				return nil
			},
		})
		tasks = append(tasks, Task{
			Key: streamID + "|funding|" + sym,
			Fetch: func(ctx context.Context) error {
				premium, err := rest.PremiumIndex(ctx, sym)
				if err != nil {
					return err
				}
				rate, err := strconv.ParseFloat(premium.LastFundingRate, 64)
				if err != nil {
					return err
				}
				meta := pub.Meta(premium.Time, premium.Time, nil)
				funding := &schema.Funding{
					Symbol:        canonical,
					StreamID:      streamID,
					MarketType:    schema.MarketFutures,
					Rate:          rate,
					NextFundingTs: nil,
					Meta:          meta,
				}
				if premium.NextFundingTime > 0 {
					funding.NextFundingTs = schema.Int64Ptr(premium.NextFundingTime)
				}
				bus.Publish(b, bus.TopicFunding, funding)
				return nil
			},
		})
	}
	return tasks
}

// OKXDerivativeTasks builds open interest and funding polls for OKX swaps.
// OKX reports open interest in contracts, base currency and USD; the base
// figure is preferred so units stay comparable across venues.
func OKXDerivativeTasks(rest *okx.RESTClient, b *bus.Bus, streamID string, instIDs []string) []Task {
	pub := shared.NewPublisher(b, streamID, nil)
	tasks := make([]Task, 0, len(instIDs)*2)
	for _, inst := range instIDs {
		inst := inst
		canonical, ok := symbols.Normalise(inst)
		if !ok {
			continue
		}
		tasks = append(tasks, Task{
			Key: streamID + "|oi|" + inst,
			Fetch: func(ctx context.Context) error {
				oi, err := rest.OpenInterest(ctx, inst)
				if err != nil {
					return err
				}
				value, unit, err := pickOIFigure(oi.OiCcy, oi.Oi)
				if err != nil {
					return err
				}
				ts, err := strconv.ParseInt(oi.Ts, 10, 64)
				if err != nil {
					return err
				}
				ev := &schema.OpenInterest{
					Symbol:       canonical,
					StreamID:     streamID,
					MarketType:   schema.MarketFutures,
					OpenInterest: value,
					Unit:         unit,
					ValueUsd:     nil,
					Meta:         pub.Meta(ts, ts, nil),
				}
				if oi.OiUsd != "" {
					if usd, err := strconv.ParseFloat(oi.OiUsd, 64); err == nil {
						ev.ValueUsd = &usd
					}
				}
				bus.Publish(b, bus.TopicOpenInterest, ev)
				return nil
			},
		})
		tasks = append(tasks, Task{
			Key: streamID + "|funding|" + inst,
			Fetch: func(ctx context.Context) error {
				fr, err := rest.FundingRate(ctx, inst)
				if err != nil {
					return err
				}
				rate, err := strconv.ParseFloat(fr.FundingRate, 64)
				if err != nil {
					return err
				}
				ts, err := strconv.ParseInt(fr.Ts, 10, 64)
				if err != nil {
					if ts, err = strconv.ParseInt(fr.FundingTime, 10, 64); err != nil {
						return err
					}
				}
				meta := pub.Meta(ts, ts, nil)
				funding := &schema.Funding{
					Symbol:        canonical,
					StreamID:      streamID,
					MarketType:    schema.MarketFutures,
					Rate:          rate,
					NextFundingTs: nil,
					Meta:          meta,
				}
				if next, err := strconv.ParseInt(fr.NextFundingTime, 10, 64); err == nil && next > 0 {
					funding.NextFundingTs = schema.Int64Ptr(next)
				} else if next, err := strconv.ParseInt(fr.FundingTime, 10, 64); err == nil && next > 0 {
					funding.NextFundingTs = schema.Int64Ptr(next)
				}
				bus.Publish(b, bus.TopicFunding, funding)
				return nil
			},
		})
	}
	return tasks
}

// pickOIFigure prefers the base-asset figure and falls back to contracts.
func pickOIFigure(oiCcy, oi string) (float64, schema.OIUnit, error) {
	if oiCcy != "" {
		v, err := strconv.ParseFloat(oiCcy, 64)
		if err == nil {
			return v, schema.OIUnitBase, nil
		}
	}
	v, err := strconv.ParseFloat(oi, 64)
	if err != nil {
		return 0, schema.OIUnitUnknown, err
	}
	return v, schema.OIUnitContracts, nil
}

// WarmupBinanceKlines publishes the recent closed candles for one symbol so
// aggregators start with history instead of waiting a full interval.
func WarmupBinanceKlines(ctx context.Context, rest *binance.RESTClient, b *bus.Bus, streamID string, market schema.MarketType, venueSymbol, interval string, limit int) error {
	canonical, err := symbols.Canonical(venueSymbol)
	if err != nil {
		return err
	}
	pub := shared.NewPublisher(b, streamID, nil)
	rows, err := rest.Klines(ctx, venueSymbol, interval, limit)
	if err != nil {
		return err
	}
	for _, row := range rows {
		open, err1 := strconv.ParseFloat(row.Open, 64)
		high, err2 := strconv.ParseFloat(row.High, 64)
		low, err3 := strconv.ParseFloat(row.Low, 64)
		cls, err4 := strconv.ParseFloat(row.Close, 64)
		vol, err5 := strconv.ParseFloat(row.Volume, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		bus.Publish(b, bus.TopicKline, &schema.Kline{
			Symbol:     canonical,
			StreamID:   streamID,
			MarketType: market,
			Interval:   interval,
			StartTs:    row.OpenTime,
			EndTs:      row.CloseTime,
			Open:       open,
			High:       high,
			Low:        low,
			Close:      cls,
			Volume:     vol,
			Meta:       pub.Meta(row.CloseTime, 0, nil),
		})
	}
	return nil
}
