package journal

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/schema"
)

func testTrade(stream string, ts int64, side schema.Side, size float64) *schema.Trade {
	return &schema.Trade{
		Symbol:     "BTCUSDT",
		StreamID:   stream,
		MarketType: schema.MarketSpot,
		Side:       side,
		Price:      50000,
		Size:       size,
		Meta: schema.EventMeta{
			TsEvent:       ts,
			TsIngest:      ts,
			TsExchange:    schema.Int64Ptr(ts - 5),
			Sequence:      nil,
			Source:        stream,
			StreamID:      stream,
			CorrelationID: "corr-journal",
		},
	}
}

func writeJournal(t *testing.T, dir string, events []*schema.Trade) {
	t.Helper()
	b := bus.New(nil)
	w := NewWriter(WriterConfig{
		BaseDir:         dir,
		RunID:           "run-1",
		FlushIntervalMs: 10,
		MaxBatchSize:    2,
		QueueSize:       64,
	}, nil)
	w.Attach(b)
	ctx, cancel := context.WithCancel(context.Background())
	w.Run(ctx)
	for _, ev := range events {
		bus.Publish(b, bus.TopicTrade, ev)
	}
	// Give the run loop a moment to pick the queue up, then stop it.
	time.Sleep(50 * time.Millisecond)
	cancel()
	w.Wait()
}

func TestWriterLayoutAndMonotoneSeq(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, []*schema.Trade{
		testTrade("binance.spot", 1000, schema.SideBuy, 1),
		testTrade("binance.spot", 2000, schema.SideSell, 2),
		testTrade("binance.spot", 3000, schema.SideBuy, 3),
	})

	path := filepath.Join(dir, "binance.spot", "BTCUSDT", "market_trade", "run-1", "1970-01-01.jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("journal file missing at %s: %v", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var prevSeq int64
	lines := 0
	for scanner.Scan() {
		lines++
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d invalid: %v", lines, err)
		}
		if rec.Seq != prevSeq+1 {
			t.Fatalf("seq not monotone: %d after %d", rec.Seq, prevSeq)
		}
		prevSeq = rec.Seq
		if rec.Topic != bus.TopicTrade.Name() || rec.RunID != "run-1" || rec.Symbol != "BTCUSDT" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	}
	if lines != 3 {
		t.Fatalf("expected 3 lines, got %d", lines)
	}
}

func collectTrades(t *testing.T, dir string, opts ReplayOptions) ([]byte, []*schema.Trade) {
	t.Helper()
	b := bus.New(nil)
	var got []*schema.Trade
	bus.Subscribe(b, bus.TopicTrade, "test", func(ev *schema.Trade) { got = append(got, ev) })

	r := NewReplayer(b, nil, func(context.Context, time.Duration) error { return nil })
	opts.Dir = dir
	if err := r.Run(context.Background(), opts); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	blob, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return blob, got
}

func TestReplayDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, []*schema.Trade{
		testTrade("binance.spot", 1000, schema.SideBuy, 1),
		testTrade("okx.public.spot", 1500, schema.SideSell, 2),
		testTrade("binance.spot", 2000, schema.SideBuy, 3),
	})

	first, events := collectTrades(t, dir, ReplayOptions{Ordering: OrderingIngest, Mode: ModeMax})
	second, _ := collectTrades(t, dir, ReplayOptions{Ordering: OrderingIngest, Mode: ModeMax})
	if string(first) != string(second) {
		t.Fatalf("two replays of the same journal diverged")
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Meta.Source != "replay" {
			t.Fatalf("source must be rewritten to replay: %+v", ev.Meta)
		}
		if ev.Meta.CorrelationID != "corr-journal" {
			t.Fatalf("correlation id must survive replay: %+v", ev.Meta)
		}
	}
	// Ingest ordering across streams.
	if events[0].StreamID != "binance.spot" || events[1].StreamID != "okx.public.spot" {
		t.Fatalf("unexpected order: %v %v", events[0].StreamID, events[1].StreamID)
	}
}

func TestReplayLifecycleEvents(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, []*schema.Trade{
		testTrade("binance.spot", 1000, schema.SideBuy, 1),
	})

	b := bus.New(nil)
	var started []*schema.ReplayStarted
	var finished []*schema.ReplayFinished
	bus.Subscribe(b, bus.TopicReplayStarted, "test", func(ev *schema.ReplayStarted) { started = append(started, ev) })
	bus.Subscribe(b, bus.TopicReplayFinished, "test", func(ev *schema.ReplayFinished) { finished = append(finished, ev) })

	r := NewReplayer(b, nil, func(context.Context, time.Duration) error { return nil })
	if err := r.Run(context.Background(), ReplayOptions{Dir: dir, Mode: ModeMax}); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(started) != 1 || started[0].Files != 1 || started[0].Mode != ModeMax {
		t.Fatalf("unexpected started: %+v", started)
	}
	if len(finished) != 1 || finished[0].Emitted != 1 || finished[0].Skipped != 0 {
		t.Fatalf("unexpected finished: %+v", finished)
	}
}

func TestReplayAcceleratedPacing(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, []*schema.Trade{
		testTrade("binance.spot", 1000, schema.SideBuy, 1),
		testTrade("binance.spot", 2000, schema.SideSell, 2),
	})

	b := bus.New(nil)
	var slept []time.Duration
	r := NewReplayer(b, nil, func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})
	err := r.Run(context.Background(), ReplayOptions{
		Dir:         dir,
		Ordering:    OrderingIngest,
		Mode:        ModeAccelerated,
		SpeedFactor: 2,
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(slept) != 1 || slept[0] != 500*time.Millisecond {
		t.Fatalf("expected one 500ms sleep at 2x, got %v", slept)
	}
}

func TestReplayExchangeOrdering(t *testing.T) {
	dir := t.TempDir()
	// Ingest order inverts exchange order.
	a := testTrade("binance.spot", 1000, schema.SideBuy, 1)
	a.Meta.TsExchange = schema.Int64Ptr(5000)
	b2 := testTrade("okx.public.spot", 2000, schema.SideSell, 2)
	b2.Meta.TsExchange = schema.Int64Ptr(4000)
	writeJournal(t, dir, []*schema.Trade{a, b2})

	_, events := collectTrades(t, dir, ReplayOptions{Ordering: OrderingExchange, Mode: ModeMax})
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].StreamID != "okx.public.spot" || events[1].StreamID != "binance.spot" {
		t.Fatalf("exchange ordering ignored: %v %v", events[0].StreamID, events[1].StreamID)
	}
}

func TestReplayRawPromotion(t *testing.T) {
	dir := t.TempDir()
	b := bus.New(nil)
	w := NewWriter(WriterConfig{
		BaseDir:         dir,
		RunID:           "run-1",
		FlushIntervalMs: 10,
		MaxBatchSize:    1,
		QueueSize:       8,
	}, nil)
	w.Attach(b)
	ctx, cancel := context.WithCancel(context.Background())
	w.Run(ctx)
	bus.Publish(b, bus.TopicTradeRaw, &schema.TradeRaw{
		Symbol:     "BTCUSDT",
		StreamID:   "okx.public.spot",
		MarketType: schema.MarketSpot,
		Side:       schema.SideBuy,
		Price:      "50000.5",
		Size:       "0.25",
		Meta: schema.EventMeta{
			TsEvent:       1000,
			TsIngest:      1000,
			TsExchange:    nil,
			Sequence:      nil,
			Source:        "okx.public.spot",
			StreamID:      "okx.public.spot",
			CorrelationID: "corr-raw",
		},
	})
	time.Sleep(50 * time.Millisecond)
	cancel()
	w.Wait()

	_, events := collectTrades(t, dir, ReplayOptions{Mode: ModeMax})
	if len(events) != 1 {
		t.Fatalf("raw mirror must replay onto the canonical topic, got %d", len(events))
	}
	if events[0].Price != 50000.5 || events[0].Size != 0.25 {
		t.Fatalf("decimal strings mangled: %+v", events[0])
	}
}

func writeRecordFile(t *testing.T, path string, recs []Record) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var buf []byte
	for _, rec := range recs {
		line, err := json.Marshal(rec)
		if err != nil {
			t.Fatalf("marshal record: %v", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestReplayIngestTieBreakPreservesFileOrder(t *testing.T) {
	dir := t.TempDir()
	tradePayload := func(size float64) json.RawMessage {
		body, err := json.Marshal(testTrade("binance.spot", 1000, schema.SideBuy, size))
		if err != nil {
			t.Fatalf("marshal trade: %v", err)
		}
		return body
	}
	rawPayload := func(size string) json.RawMessage {
		body, err := json.Marshal(&schema.TradeRaw{
			Symbol:     "BTCUSDT",
			StreamID:   "binance.spot",
			MarketType: schema.MarketSpot,
			Side:       schema.SideBuy,
			Price:      "50000",
			Size:       size,
			Meta: schema.EventMeta{
				TsEvent:       1000,
				TsIngest:      1000,
				TsExchange:    nil,
				Sequence:      nil,
				Source:        "binance.spot",
				StreamID:      "binance.spot",
				CorrelationID: "corr-journal",
			},
		})
		if err != nil {
			t.Fatalf("marshal raw trade: %v", err)
		}
		return body
	}

	// Two files for the same stream, all records at the same ingest ts. The
	// per-file seq counters overlap, so ordering by seq would interleave the
	// files instead of keeping each file's write order intact.
	writeRecordFile(t, filepath.Join(dir, "binance.spot", "BTCUSDT", "market_trade", "run-1", "1970-01-01.jsonl"), []Record{
		{Seq: 5, StreamID: "binance.spot", RunID: "run-1", Topic: bus.TopicTrade.Name(), Symbol: "BTCUSDT", TsIngest: 1000, Payload: tradePayload(1)},
		{Seq: 6, StreamID: "binance.spot", RunID: "run-1", Topic: bus.TopicTrade.Name(), Symbol: "BTCUSDT", TsIngest: 1000, Payload: tradePayload(2)},
	})
	writeRecordFile(t, filepath.Join(dir, "binance.spot", "BTCUSDT", "market_trade_raw", "run-1", "1970-01-01.jsonl"), []Record{
		{Seq: 1, StreamID: "binance.spot", RunID: "run-1", Topic: bus.TopicTradeRaw.Name(), Symbol: "BTCUSDT", TsIngest: 1000, Payload: rawPayload("3")},
		{Seq: 2, StreamID: "binance.spot", RunID: "run-1", Topic: bus.TopicTradeRaw.Name(), Symbol: "BTCUSDT", TsIngest: 1000, Payload: rawPayload("4")},
	})

	first, events := collectTrades(t, dir, ReplayOptions{Ordering: OrderingIngest, Mode: ModeMax})
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	sizes := make([]float64, 0, 4)
	for _, ev := range events {
		sizes = append(sizes, ev.Size)
	}
	want := []float64{1, 2, 3, 4}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("file order broken at equal timestamps: %v", sizes)
		}
	}
	second, _ := collectTrades(t, dir, ReplayOptions{Ordering: OrderingIngest, Mode: ModeMax})
	if string(first) != string(second) {
		t.Fatalf("replays of equal-timestamp records diverged")
	}
}

func TestReplayBookRawMirrors(t *testing.T) {
	dir := t.TempDir()
	b := bus.New(nil)
	w := NewWriter(WriterConfig{
		BaseDir:         dir,
		RunID:           "run-1",
		FlushIntervalMs: 10,
		MaxBatchSize:    1,
		QueueSize:       8,
	}, nil)
	w.Attach(b)
	ctx, cancel := context.WithCancel(context.Background())
	w.Run(ctx)
	prev := uint64(41)
	bus.Publish(b, bus.TopicOrderbookDeltaRaw, &schema.OrderbookL2DeltaRaw{
		Symbol:        "BTCUSDT",
		StreamID:      "binance.spot",
		MarketType:    schema.MarketSpot,
		FirstUpdateID: 42,
		UpdateID:      43,
		PrevUpdateID:  &prev,
		Bids:          []schema.RawLevel{{Price: "50000.10", Size: "0.500"}},
		Asks:          []schema.RawLevel{{Price: "50000.20", Size: "1.250"}},
		Meta: schema.EventMeta{
			TsEvent:       1000,
			TsIngest:      1000,
			TsExchange:    nil,
			Sequence:      schema.Uint64Ptr(43),
			Source:        "binance.spot",
			StreamID:      "binance.spot",
			CorrelationID: "corr-book-raw",
		},
	})
	time.Sleep(50 * time.Millisecond)
	cancel()
	w.Wait()

	rb := bus.New(nil)
	var deltas []*schema.OrderbookL2DeltaRaw
	bus.Subscribe(rb, bus.TopicOrderbookDeltaRaw, "test", func(ev *schema.OrderbookL2DeltaRaw) { deltas = append(deltas, ev) })
	r := NewReplayer(rb, nil, func(context.Context, time.Duration) error { return nil })
	if err := r.Run(context.Background(), ReplayOptions{Dir: dir, Mode: ModeMax}); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("book raw mirror must replay on its own topic, got %d", len(deltas))
	}
	got := deltas[0]
	if got.Meta.Source != "replay" {
		t.Fatalf("source must be rewritten: %+v", got.Meta)
	}
	if got.Bids[0].Price != "50000.10" || got.Asks[0].Size != "1.250" {
		t.Fatalf("decimal strings mangled: %+v", got)
	}
	if got.PrevUpdateID == nil || *got.PrevUpdateID != 41 {
		t.Fatalf("chain ids mangled: %+v", got)
	}
}
