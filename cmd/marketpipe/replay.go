package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/quantfold/marketpipe/internal/aggregate"
	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/config"
	"github.com/quantfold/marketpipe/internal/journal"
	"github.com/quantfold/marketpipe/internal/quality"
	"github.com/quantfold/marketpipe/internal/schema"
	"github.com/quantfold/marketpipe/internal/sourcereg"
)

func newReplayCmd(logger *log.Logger) *cobra.Command {
	var opts journal.ReplayOptions
	var withPipeline bool

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-emit journalled events deterministically",
		Long: "Replay reads journal files and republishes their events on the bus with\n" +
			"meta.Source rewritten to \"replay\". With --pipeline the consolidation and\n" +
			"quality stages run over the replayed events, reproducing the live verdicts.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := bus.New(logger)
			if withPipeline {
				if err := attachReplayPipeline(b, logger); err != nil {
					return err
				}
			}

			var emitted, warnings int64
			bus.Subscribe(b, bus.TopicReplayProgress, "replay.cli.progress", func(ev *schema.ReplayProgress) {
				emitted = ev.Emitted
			})
			bus.Subscribe(b, bus.TopicReplayWarning, "replay.cli.warning", func(ev *schema.ReplayWarning) {
				warnings++
				logger.Printf("replay warning %s:%d: %s", ev.File, ev.Line, ev.Err)
			})
			bus.Subscribe(b, bus.TopicReplayFinished, "replay.cli.finished", func(ev *schema.ReplayFinished) {
				emitted = ev.Emitted
			})

			r := journal.NewReplayer(b, logger, nil)
			if err := r.Run(cmd.Context(), opts); err != nil {
				return err
			}
			logger.Printf("replay done: %d events emitted, %d warnings", emitted, warnings)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", "data/journal", "journal base directory")
	cmd.Flags().StringSliceVar(&opts.Topics, "topic", nil, "topics to replay (default all)")
	cmd.Flags().StringSliceVar(&opts.Symbols, "symbol", nil, "symbols to replay (default all)")
	cmd.Flags().StringSliceVar(&opts.Streams, "stream", nil, "stream ids to replay (default all)")
	cmd.Flags().StringVar(&opts.FromDate, "from", "", "first UTC date to include (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.ToDate, "to", "", "last UTC date to include (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Ordering, "ordering", journal.OrderingIngest, "sort order: ingest or exchange")
	cmd.Flags().StringVar(&opts.Mode, "mode", journal.ModeMax, "pacing: max, accelerated or realtime")
	cmd.Flags().Float64Var(&opts.SpeedFactor, "speed", 1, "acceleration factor for --mode accelerated")
	cmd.Flags().Int64Var(&opts.ProgressN, "progress", 10_000, "emit a progress event every N records")
	cmd.Flags().BoolVar(&withPipeline, "pipeline", true, "run consolidation and quality stages over the replay")
	return cmd
}

// attachReplayPipeline wires the same aggregation and quality stages the run
// command uses, with default tuning, so a replay reproduces live verdicts.
func attachReplayPipeline(b *bus.Bus, logger *log.Logger) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	reg := sourcereg.New()
	registerExpectations(reg, cfg)
	agg := cfg.Aggregation

	price := aggregate.NewPriceAggregator(b, reg, logger, aggregate.PriceConfig{TTLMs: agg.PriceTTLMs, Weights: agg.Weights})
	price.Register()
	aggregate.NewFundingAggregator(b, reg, aggregate.FundingConfig{TTLMs: agg.OITTLMs, Weights: agg.Weights}).Register()
	aggregate.NewOIAggregator(b, reg, price, aggregate.OIConfig{
		TTLMs:                  agg.OITTLMs,
		Weights:                agg.Weights,
		CanonicalTTLMs:         agg.CanonicalTTLMs,
		CanonicalMinConfidence: agg.CanonicalMinConfidence,
	}).Register()
	aggregate.NewLiquidationAggregator(b, reg, aggregate.LiquidationConfig{BucketMs: agg.CvdBucketMs, Weights: agg.Weights}).Register()
	aggregate.NewLiquidityAggregator(b, reg, aggregate.LiquidityConfig{
		BucketMs:    agg.LiquidityBucketMs,
		DepthLevels: agg.DepthLevels,
		Weights:     agg.Weights,
	}).Register()
	aggregate.NewCvdCalculator(b, aggregate.CvdConfig{BucketMs: agg.CvdBucketMs}).Register()
	aggregate.NewCvdAggregator(b, reg, aggregate.CvdAggConfig{Weights: agg.Weights, Mismatch: cfg.MismatchFor()}).Register()
	quality.NewMonitor(b, quality.DefaultPolicy(), logger).Register()
	return nil
}
