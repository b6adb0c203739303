package journal

import (
	"bufio"
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/schema"
)

// WriterConfig configures the journal writer.
type WriterConfig struct {
	BaseDir         string
	RunID           string
	FlushIntervalMs int64
	MaxBatchSize    int
	QueueSize       int
}

type pending struct {
	streamID string
	symbol   string
	topic    string
	tf       string
	tsIngest int64
	payload  []byte
}

type journalFile struct {
	f   *os.File
	buf *bufio.Writer
	seq int64
}

// Writer appends bus events to per-stream JSONL files. Appends go through a
// bounded queue so a slow disk never stalls the bus; overflow is counted and
// warned about, never silently swallowed.
type Writer struct {
	cfg    WriterConfig
	logger *log.Logger
	queue  chan pending
	wg     conc.WaitGroup

	mu       sync.Mutex
	files    map[string]*journalFile
	dropped  int64
	lastWarn int64
	batched  int
}

// NewWriter constructs a writer rooted at cfg.BaseDir.
func NewWriter(cfg WriterConfig, logger *log.Logger) *Writer {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.FlushIntervalMs <= 0 {
		cfg.FlushIntervalMs = 1000
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 256
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8192
	}
	return &Writer{
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan pending, cfg.QueueSize),
		wg:       conc.WaitGroup{},
		mu:       sync.Mutex{},
		files:    make(map[string]*journalFile),
		dropped:  0,
		lastWarn: 0,
		batched:  0,
	}
}

// Append queues one event for persistence. The payload is marshalled on the
// caller's goroutine so the journal captures the event as published.
func (w *Writer) Append(topic, streamID, symbol, tf string, tsIngest int64, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Printf("journal: marshal %s failed: %v", topic, err)
		return
	}
	p := pending{
		streamID: streamID,
		symbol:   symbol,
		topic:    topic,
		tf:       tf,
		tsIngest: tsIngest,
		payload:  body,
	}
	select {
	case w.queue <- p:
	default:
		w.noteDrop(tsIngest)
	}
}

func (w *Writer) noteDrop(nowTs int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropped++
	if nowTs-w.lastWarn >= w.cfg.FlushIntervalMs*10 {
		w.lastWarn = nowTs
		w.logger.Printf("journal: queue full, %d records dropped so far", w.dropped)
	}
}

// Dropped reports how many records overflowed the queue.
func (w *Writer) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Run drains the queue until ctx is cancelled, then flushes and closes every
// open file.
func (w *Writer) Run(ctx context.Context) {
	w.wg.Go(func() {
		ticker := time.NewTicker(time.Duration(w.cfg.FlushIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				w.drain()
				w.closeAll()
				return
			case p := <-w.queue:
				w.write(p)
			case <-ticker.C:
				w.flushAll(false)
			}
		}
	})
}

// Wait blocks until the run loop has exited.
func (w *Writer) Wait() { w.wg.Wait() }

func (w *Writer) drain() {
	for {
		select {
		case p := <-w.queue:
			w.write(p)
		default:
			return
		}
	}
}

func (w *Writer) write(p pending) {
	path := filePath(w.cfg.BaseDir, p.streamID, p.symbol, p.topic, p.tf, w.cfg.RunID, p.tsIngest)

	w.mu.Lock()
	defer w.mu.Unlock()
	jf, ok := w.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			w.logger.Printf("journal: mkdir %s failed: %v", filepath.Dir(path), err)
			return
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			w.logger.Printf("journal: open %s failed: %v", path, err)
			return
		}
		jf = &journalFile{f: f, buf: bufio.NewWriter(f), seq: 0}
		w.files[path] = jf
	}

	jf.seq++
	rec := Record{
		Seq:      jf.seq,
		StreamID: p.streamID,
		RunID:    w.cfg.RunID,
		Topic:    p.topic,
		Symbol:   p.symbol,
		TsIngest: p.tsIngest,
		Payload:  p.payload,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		w.logger.Printf("journal: marshal record failed: %v", err)
		return
	}
	if _, err := jf.buf.Write(append(line, '\n')); err != nil {
		w.logger.Printf("journal: write %s failed: %v", path, err)
		return
	}
	w.batched++
	if w.batched >= w.cfg.MaxBatchSize {
		w.flushLocked(true)
	}
}

func (w *Writer) flushAll(fsync bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked(fsync)
}

func (w *Writer) flushLocked(fsync bool) {
	paths := make([]string, 0, len(w.files))
	for path := range w.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		jf := w.files[path]
		if err := jf.buf.Flush(); err != nil {
			w.logger.Printf("journal: flush %s failed: %v", path, err)
			continue
		}
		if fsync {
			if err := jf.f.Sync(); err != nil {
				w.logger.Printf("journal: fsync %s failed: %v", path, err)
			}
		}
	}
	w.batched = 0
}

func (w *Writer) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked(true)
	for path, jf := range w.files {
		if err := jf.f.Close(); err != nil {
			w.logger.Printf("journal: close %s failed: %v", path, err)
		}
		delete(w.files, path)
	}
}

// Attach subscribes the writer to every journaled topic.
func (w *Writer) Attach(b *bus.Bus) {
	bus.Subscribe(b, bus.TopicTrade, "journal.trade", func(ev *schema.Trade) {
		w.Append(bus.TopicTrade.Name(), ev.StreamID, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicTradeRaw, "journal.trade_raw", func(ev *schema.TradeRaw) {
		w.Append(bus.TopicTradeRaw.Name(), ev.StreamID, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicTicker, "journal.ticker", func(ev *schema.Ticker) {
		w.Append(bus.TopicTicker.Name(), ev.StreamID, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicTickerRaw, "journal.ticker_raw", func(ev *schema.TickerRaw) {
		w.Append(bus.TopicTickerRaw.Name(), ev.StreamID, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicKline, "journal.kline", func(ev *schema.Kline) {
		w.Append(bus.TopicKline.Name(), ev.StreamID, ev.Symbol, ev.Interval, ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicOpenInterest, "journal.oi", func(ev *schema.OpenInterest) {
		w.Append(bus.TopicOpenInterest.Name(), ev.StreamID, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicFunding, "journal.funding", func(ev *schema.Funding) {
		w.Append(bus.TopicFunding.Name(), ev.StreamID, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicLiquidation, "journal.liquidation", func(ev *schema.Liquidation) {
		w.Append(bus.TopicLiquidation.Name(), ev.StreamID, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicOrderbookSnapshot, "journal.book_snapshot", func(ev *schema.OrderbookL2Snapshot) {
		w.Append(bus.TopicOrderbookSnapshot.Name(), ev.StreamID, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicOrderbookSnapshotRaw, "journal.book_snapshot_raw", func(ev *schema.OrderbookL2SnapshotRaw) {
		w.Append(bus.TopicOrderbookSnapshotRaw.Name(), ev.StreamID, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicOrderbookDelta, "journal.book_delta", func(ev *schema.OrderbookL2Delta) {
		w.Append(bus.TopicOrderbookDelta.Name(), ev.StreamID, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicOrderbookDeltaRaw, "journal.book_delta_raw", func(ev *schema.OrderbookL2DeltaRaw) {
		w.Append(bus.TopicOrderbookDeltaRaw.Name(), ev.StreamID, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicCvdSpot, "journal.cvd_spot", func(ev *schema.Cvd) {
		w.Append(bus.TopicCvdSpot.Name(), ev.StreamID, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicCvdFutures, "journal.cvd_futures", func(ev *schema.Cvd) {
		w.Append(bus.TopicCvdFutures.Name(), ev.StreamID, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	aggStream := schema.ProviderConsolidated
	bus.Subscribe(b, bus.TopicPriceCanonical, "journal.price_canonical", func(ev *schema.PriceCanonical) {
		w.Append(bus.TopicPriceCanonical.Name(), aggStream, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicPriceIndex, "journal.price_index", func(ev *schema.PriceIndex) {
		w.Append(bus.TopicPriceIndex.Name(), aggStream, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicFundingAgg, "journal.funding_agg", func(ev *schema.FundingAgg) {
		w.Append(bus.TopicFundingAgg.Name(), aggStream, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicOpenInterestAgg, "journal.oi_agg", func(ev *schema.OpenInterestAgg) {
		w.Append(bus.TopicOpenInterestAgg.Name(), aggStream, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicLiquidationsAgg, "journal.liquidations_agg", func(ev *schema.LiquidationsAgg) {
		w.Append(bus.TopicLiquidationsAgg.Name(), aggStream, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicLiquidityAgg, "journal.liquidity_agg", func(ev *schema.LiquidityAgg) {
		w.Append(bus.TopicLiquidityAgg.Name(), aggStream, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicCvdSpotAgg, "journal.cvd_spot_agg", func(ev *schema.CvdAgg) {
		w.Append(bus.TopicCvdSpotAgg.Name(), aggStream, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
	bus.Subscribe(b, bus.TopicCvdFuturesAgg, "journal.cvd_futures_agg", func(ev *schema.CvdAgg) {
		w.Append(bus.TopicCvdFuturesAgg.Name(), aggStream, ev.Symbol, "", ev.Meta.TsIngest, ev)
	})
}
