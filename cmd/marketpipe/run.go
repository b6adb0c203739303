package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/quantfold/marketpipe/internal/adapters/binance"
	"github.com/quantfold/marketpipe/internal/adapters/okx"
	"github.com/quantfold/marketpipe/internal/adapters/shared"
	"github.com/quantfold/marketpipe/internal/aggregate"
	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/config"
	"github.com/quantfold/marketpipe/internal/journal"
	"github.com/quantfold/marketpipe/internal/poller"
	"github.com/quantfold/marketpipe/internal/quality"
	"github.com/quantfold/marketpipe/internal/schema"
	"github.com/quantfold/marketpipe/internal/sourcereg"
	"github.com/quantfold/marketpipe/internal/symbols"
	"github.com/quantfold/marketpipe/internal/telemetry"
)

const (
	streamBinanceSpot    = "binance.spot"
	streamBinanceFutures = "binance.futures"
	streamOKX            = "okx"

	shutdownTimeout     = 30 * time.Second
	qualityTickInterval = 5 * time.Second
	warmupKlineLimit    = 100
)

func newRunCmd(logger *log.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start live ingestion and consolidation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runPipeline(cmd.Context(), logger, cfg)
		},
	}
}

// runPipeline wires the full pipeline and blocks until ctx is cancelled:
// bus, source ledger, aggregators, quality monitor, journal writer, venue
// adapters and the derivatives poller, then an ordered shutdown.
func runPipeline(ctx context.Context, logger *log.Logger, cfg config.AppConfig) error {
	_, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	b := bus.New(logger)
	reg := sourcereg.New()
	registerExpectations(reg, cfg)

	agg := cfg.Aggregation
	price := aggregate.NewPriceAggregator(b, reg, logger, aggregate.PriceConfig{
		TTLMs:   agg.PriceTTLMs,
		Weights: agg.Weights,
	})
	price.Register()
	funding := aggregate.NewFundingAggregator(b, reg, aggregate.FundingConfig{
		TTLMs:   agg.OITTLMs,
		Weights: agg.Weights,
	})
	funding.Register()
	oi := aggregate.NewOIAggregator(b, reg, price, aggregate.OIConfig{
		TTLMs:                  agg.OITTLMs,
		Weights:                agg.Weights,
		CanonicalTTLMs:         agg.CanonicalTTLMs,
		CanonicalMinConfidence: agg.CanonicalMinConfidence,
	})
	oi.Register()
	liq := aggregate.NewLiquidationAggregator(b, reg, aggregate.LiquidationConfig{
		BucketMs: agg.CvdBucketMs,
		Weights:  agg.Weights,
	})
	liq.Register()
	liquidity := aggregate.NewLiquidityAggregator(b, reg, aggregate.LiquidityConfig{
		BucketMs:    agg.LiquidityBucketMs,
		DepthLevels: agg.DepthLevels,
		Weights:     agg.Weights,
	})
	liquidity.Register()
	cvd := aggregate.NewCvdCalculator(b, aggregate.CvdConfig{BucketMs: agg.CvdBucketMs})
	cvd.Register()
	cvdAgg := aggregate.NewCvdAggregator(b, reg, aggregate.CvdAggConfig{
		Weights:  agg.Weights,
		Mismatch: cfg.MismatchFor(),
	})
	cvdAgg.Register()

	monitor := quality.NewMonitor(b, quality.DefaultPolicy(), logger)
	monitor.Register()

	var wg conc.WaitGroup
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()
	var writer *journal.Writer
	if cfg.Journal.Enabled {
		writer = journal.NewWriter(journal.WriterConfig{
			BaseDir:         cfg.Journal.Dir,
			RunID:           uuid.NewString(),
			FlushIntervalMs: cfg.Journal.FlushIntervalMs,
			MaxBatchSize:    cfg.Journal.MaxBatchSize,
			QueueSize:       cfg.Journal.QueueSize,
		}, logger)
		writer.Attach(b)
		wg.Go(func() { writer.Run(journalCtx) })
	}

	var binSpot, binFut *binance.Adapter
	var okxAdapter *okx.Adapter
	if cfg.BinanceSpot.Enabled {
		rest := binance.NewRESTClient(cfg.BinanceSpot.RESTURL, nil)
		binSpot = binance.New(binance.Config{
			StreamID:       streamBinanceSpot,
			Market:         schema.MarketSpot,
			WSURL:          cfg.BinanceSpot.WSURL,
			RESTBaseURL:    cfg.BinanceSpot.RESTURL,
			Symbols:        cfg.BinanceSpot.Symbols,
			Channels:       cfg.BinanceSpot.Channels,
			KlineIntervals: cfg.BinanceSpot.KlineIntervals,
			DepthLimit:     0,
			Book:           shared.ReconcilerOptions{MinGapCount: 0, PendingMaxMs: 0},
		}, b, rest, logger)
		if err := binSpot.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", streamBinanceSpot, err)
		}
		warmupKlines(ctx, &wg, rest, b, logger, streamBinanceSpot, schema.MarketSpot, cfg.BinanceSpot)
	}
	if cfg.BinanceFutures.Enabled {
		rest := binance.NewRESTClient(cfg.BinanceFutures.RESTURL, nil)
		binFut = binance.New(binance.Config{
			StreamID:       streamBinanceFutures,
			Market:         schema.MarketFutures,
			WSURL:          cfg.BinanceFutures.WSURL,
			RESTBaseURL:    cfg.BinanceFutures.RESTURL,
			Symbols:        cfg.BinanceFutures.Symbols,
			Channels:       cfg.BinanceFutures.Channels,
			KlineIntervals: cfg.BinanceFutures.KlineIntervals,
			DepthLimit:     0,
			Book:           shared.ReconcilerOptions{MinGapCount: 0, PendingMaxMs: 0},
		}, b, rest, logger)
		if err := binFut.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", streamBinanceFutures, err)
		}
		warmupKlines(ctx, &wg, rest, b, logger, streamBinanceFutures, schema.MarketFutures, cfg.BinanceFutures)
	}
	if cfg.OKX.Enabled {
		okxAdapter = okx.New(okx.Config{
			StreamID:     streamOKX,
			WSURL:        cfg.OKX.WSURL,
			RESTBaseURL:  cfg.OKX.RESTURL,
			Instruments:  cfg.OKX.Instruments,
			Channels:     cfg.OKX.Channels,
			EnableKlines: cfg.OKX.EnableKlines,
			KlineBars:    cfg.OKX.KlineBars,
			Book: shared.ReconcilerOptions{
				MinGapCount:  cfg.OKX.ResyncMinGapCount,
				PendingMaxMs: cfg.OKX.ResyncPendingMaxMs,
			},
		}, b, logger)
		if err := okxAdapter.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", streamOKX, err)
		}
	}

	pollCtx, stopPoller := context.WithCancel(ctx)
	defer stopPoller()
	var tasks []poller.Task
	if cfg.BinanceFutures.Enabled {
		rest := binance.NewRESTClient(cfg.BinanceFutures.RESTURL, nil)
		tasks = append(tasks, poller.BinanceDerivativeTasks(rest, b, streamBinanceFutures, cfg.BinanceFutures.Symbols)...)
	}
	if cfg.OKX.Enabled {
		_, derivatives := splitOKXInstruments(cfg.OKX.Instruments)
		if len(derivatives) > 0 {
			rest := okx.NewRESTClient(cfg.OKX.RESTURL, nil)
			tasks = append(tasks, poller.OKXDerivativeTasks(rest, b, streamOKX, derivatives)...)
		}
	}
	if len(tasks) > 0 {
		p := poller.New(poller.Config{
			Interval:          time.Duration(cfg.Poller.IntervalMs) * time.Millisecond,
			RequestsPerSecond: cfg.Poller.RequestsPerSecond,
			Burst:             2,
		}, tasks, logger)
		wg.Go(func() { p.Run(pollCtx) })
	}

	wg.Go(func() {
		ticker := time.NewTicker(qualityTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				monitor.Tick(now.UnixMilli())
			}
		}
	})

	logger.Printf("pipeline running")
	<-ctx.Done()
	logger.Printf("shutdown requested")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if binSpot != nil {
			binSpot.Stop()
		}
		if binFut != nil {
			binFut.Stop()
		}
		if okxAdapter != nil {
			okxAdapter.Stop()
		}
		stopPoller()
		// Close out partial buckets so the journal captures them.
		cvd.Flush()
		cvdAgg.Flush()
		liq.Flush()
		liquidity.Flush()
		monitor.Tick(time.Now().UnixMilli())
		stopJournal()
		wg.Wait()
		if writer != nil {
			writer.Wait()
		}
	}()
	select {
	case <-done:
		logger.Printf("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Printf("shutdown timed out after %s", shutdownTimeout)
	}

	telemetryCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(telemetryCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	return nil
}

// warmupKlines backfills recent closed candles over REST so kline consumers
// do not wait a full interval after startup.
func warmupKlines(ctx context.Context, wg *conc.WaitGroup, rest *binance.RESTClient, b *bus.Bus, logger *log.Logger, streamID string, market schema.MarketType, conn config.VenueConn) {
	if !containsChannel(conn.Channels, binance.ChannelKlines) {
		return
	}
	symbolsCopy := append([]string(nil), conn.Symbols...)
	intervals := append([]string(nil), conn.KlineIntervals...)
	wg.Go(func() {
		for _, sym := range symbolsCopy {
			for _, interval := range intervals {
				if ctx.Err() != nil {
					return
				}
				if err := poller.WarmupBinanceKlines(ctx, rest, b, streamID, market, sym, interval, warmupKlineLimit); err != nil {
					logger.Printf("%s: kline warmup %s %s: %v", streamID, sym, interval, err)
				}
			}
		}
	})
}

func containsChannel(channels []string, want string) bool {
	for _, ch := range channels {
		if ch == want {
			return true
		}
	}
	return false
}

// splitOKXInstruments partitions instIds into spot (BASE-QUOTE) and
// derivative (BASE-QUOTE-SUFFIX) instruments.
func splitOKXInstruments(instruments []string) (spot, derivatives []string) {
	for _, inst := range instruments {
		if strings.Count(inst, "-") >= 2 {
			derivatives = append(derivatives, inst)
		} else {
			spot = append(spot, inst)
		}
	}
	return spot, derivatives
}

// registerExpectations seeds the source ledger with the streams each
// consolidated metric should draw from per configured symbol, so aggregate
// emissions can report missing sources from the first event.
func registerExpectations(reg *sourcereg.Registry, cfg config.AppConfig) {
	type venueStreams struct {
		stream   string
		market   schema.MarketType
		channels []string
		symbols  []string
	}
	var views []venueStreams
	if cfg.BinanceSpot.Enabled {
		views = append(views, venueStreams{streamBinanceSpot, schema.MarketSpot, cfg.BinanceSpot.Channels, cfg.BinanceSpot.Symbols})
	}
	if cfg.BinanceFutures.Enabled {
		views = append(views, venueStreams{streamBinanceFutures, schema.MarketFutures, cfg.BinanceFutures.Channels, cfg.BinanceFutures.Symbols})
	}
	if cfg.OKX.Enabled {
		spot, derivatives := splitOKXInstruments(cfg.OKX.Instruments)
		views = append(views, venueStreams{streamOKX, schema.MarketSpot, cfg.OKX.Channels, spot})
		views = append(views, venueStreams{streamOKX, schema.MarketFutures, cfg.OKX.Channels, derivatives})
	}

	type ledgerKey struct {
		symbol string
		market schema.MarketType
		metric sourcereg.Metric
	}
	expected := make(map[ledgerKey]map[string]struct{})
	add := func(symbol string, market schema.MarketType, metric sourcereg.Metric, stream string) {
		k := ledgerKey{symbol: symbol, market: market, metric: metric}
		if expected[k] == nil {
			expected[k] = make(map[string]struct{})
		}
		expected[k][stream] = struct{}{}
	}

	for _, view := range views {
		for _, raw := range view.symbols {
			canonical, err := symbols.Canonical(raw)
			if err != nil {
				continue
			}
			for _, ch := range view.channels {
				switch ch {
				case "ticker", "tickers", "markPrice", "mark-price", "index-tickers":
					add(canonical, view.market, sourcereg.MetricPrice, view.stream)
				case "trades":
					add(canonical, view.market, sourcereg.MetricFlow, view.stream)
				case "depth", "books":
					add(canonical, view.market, sourcereg.MetricLiquidity, view.stream)
				}
			}
			// OI and funding arrive over REST polling regardless of the
			// websocket channel selection.
			if view.market == schema.MarketFutures {
				add(canonical, view.market, sourcereg.MetricDerivatives, view.stream)
			}
		}
	}

	for k, set := range expected {
		streams := make([]string, 0, len(set))
		for stream := range set {
			streams = append(streams, stream)
		}
		sort.Strings(streams)
		reg.SetExpected(k.symbol, string(k.market), k.metric, streams)
	}
}
