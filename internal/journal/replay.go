package journal

import (
	"bufio"
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/quantfold/marketpipe/errs"
	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/schema"
)

// Replay orderings.
const (
	OrderingIngest   = "ingest"
	OrderingExchange = "exchange"
)

// Replay pacing modes.
const (
	ModeMax         = "max"
	ModeAccelerated = "accelerated"
	ModeRealtime    = "realtime"
)

// ReplayOptions selects which journal slice to replay and how to pace it.
type ReplayOptions struct {
	Dir         string
	Topics      []string
	Symbols     []string
	Streams     []string
	FromDate    string
	ToDate      string
	Ordering    string
	Mode        string
	SpeedFactor float64
	ProgressN   int64
}

// Sleeper paces emission; tests inject a recording fake.
type Sleeper func(ctx context.Context, d time.Duration) error

// Replayer reads journal files and republishes their events on the bus with
// meta.Source rewritten to "replay". Event timestamps, sequences, stream and
// correlation IDs are preserved, so downstream consumers reach the same
// verdicts they reached live.
type Replayer struct {
	bus     *bus.Bus
	logger  *log.Logger
	sleeper Sleeper
}

// NewReplayer constructs a replayer. A nil sleeper uses real time.
func NewReplayer(b *bus.Bus, logger *log.Logger, sleeper Sleeper) *Replayer {
	if logger == nil {
		logger = log.Default()
	}
	if sleeper == nil {
		sleeper = func(ctx context.Context, d time.Duration) error {
			if d <= 0 {
				return nil
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	return &Replayer{bus: b, logger: logger, sleeper: sleeper}
}

type replayRecord struct {
	rec  Record
	file string
	line int
	// sortTs is tsIngest for ingest ordering and the exchange timestamp
	// (falling back to tsEvent) for exchange ordering.
	sortTs   int64
	sequence uint64
}

// Run replays the selected slice. It blocks until every record is emitted,
// ctx is cancelled, or discovery fails.
func (r *Replayer) Run(ctx context.Context, opts ReplayOptions) error {
	if opts.Ordering == "" {
		opts.Ordering = OrderingIngest
	}
	if opts.Mode == "" {
		opts.Mode = ModeMax
	}
	if opts.SpeedFactor <= 0 {
		opts.SpeedFactor = 1
	}
	if opts.ProgressN <= 0 {
		opts.ProgressN = 10_000
	}
	runID := uuid.NewString()

	files, err := r.discover(opts)
	if err != nil {
		return err
	}
	records, skipped, err := r.load(runID, files, opts)
	if err != nil {
		return err
	}

	topics := map[string]struct{}{}
	for _, rec := range records {
		topics[rec.rec.Topic] = struct{}{}
	}
	topicList := make([]string, 0, len(topics))
	for topic := range topics {
		topicList = append(topicList, topic)
	}
	sort.Strings(topicList)

	bus.Publish(r.bus, bus.TopicReplayStarted, &schema.ReplayStarted{
		RunID:    runID,
		Files:    len(files),
		Topics:   topicList,
		Ordering: opts.Ordering,
		Mode:     opts.Mode,
	})

	var emitted int64
	var prevTs int64 = -1
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			break
		}
		if prevTs >= 0 && rec.sortTs > prevTs {
			delta := time.Duration(rec.sortTs-prevTs) * time.Millisecond
			switch opts.Mode {
			case ModeRealtime:
				if err := r.sleeper(ctx, delta); err != nil {
					break
				}
			case ModeAccelerated:
				if err := r.sleeper(ctx, time.Duration(float64(delta)/opts.SpeedFactor)); err != nil {
					break
				}
			}
		}
		prevTs = rec.sortTs

		if ok := r.emit(runID, rec); ok {
			emitted++
		} else {
			skipped++
		}
		if emitted%opts.ProgressN == 0 && emitted > 0 {
			bus.Publish(r.bus, bus.TopicReplayProgress, &schema.ReplayProgress{
				RunID:    runID,
				Emitted:  emitted,
				Skipped:  skipped,
				File:     rec.file,
				TsIngest: rec.rec.TsIngest,
			})
		}
	}

	bus.Publish(r.bus, bus.TopicReplayFinished, &schema.ReplayFinished{
		RunID:   runID,
		Emitted: emitted,
		Skipped: skipped,
		Files:   len(files),
	})
	return ctx.Err()
}

// discover walks the journal tree applying the stream/symbol/topic/date
// filters encoded in the layout.
func (r *Replayer) discover(opts ReplayOptions) ([]string, error) {
	topicDirs := map[string]struct{}{}
	for _, topic := range opts.Topics {
		topicDirs[topicDir(topic)] = struct{}{}
	}
	symbols := toSet(opts.Symbols)
	streams := toSet(opts.Streams)

	var files []string
	err := filepath.WalkDir(opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		rel, err := filepath.Rel(opts.Dir, path)
		if err != nil {
			return err
		}
		parts := strings.Split(rel, string(filepath.Separator))
		// streamId/symbol/topicDir[/tf]/runId/date.jsonl
		if len(parts) < 5 {
			return nil
		}
		stream, symbol, topic := parts[0], parts[1], parts[2]
		if len(streams) > 0 {
			if _, ok := streams[stream]; !ok {
				return nil
			}
		}
		if len(symbols) > 0 {
			if _, ok := symbols[symbol]; !ok {
				return nil
			}
		}
		if len(topicDirs) > 0 {
			if _, ok := topicDirs[topic]; !ok {
				return nil
			}
		}
		date := strings.TrimSuffix(d.Name(), ".jsonl")
		if opts.FromDate != "" && date < opts.FromDate {
			return nil
		}
		if opts.ToDate != "" && date > opts.ToDate {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, errs.New("", errs.CodeUnavailable,
			errs.WithMessage("journal discovery failed"), errs.WithCause(err))
	}
	sort.Strings(files)
	return files, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func (r *Replayer) load(runID string, files []string, opts ReplayOptions) ([]replayRecord, int64, error) {
	var records []replayRecord
	var skipped int64
	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			bus.Publish(r.bus, bus.TopicReplayError, &schema.ReplayError{
				RunID: runID,
				File:  file,
				Err:   err.Error(),
			})
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				skipped++
				bus.Publish(r.bus, bus.TopicReplayWarning, &schema.ReplayWarning{
					RunID: runID,
					File:  file,
					Line:  lineNo,
					Err:   err.Error(),
				})
				continue
			}
			rr := replayRecord{
				rec:      rec,
				file:     file,
				line:     lineNo,
				sortTs:   rec.TsIngest,
				sequence: 0,
			}
			if opts.Ordering == OrderingExchange {
				rr.sortTs, rr.sequence = exchangeOrderKey(rec.Payload, rec.TsIngest)
			}
			records = append(records, rr)
		}
		if err := scanner.Err(); err != nil {
			bus.Publish(r.bus, bus.TopicReplayError, &schema.ReplayError{
				RunID: runID,
				File:  file,
				Err:   err.Error(),
			})
		}
		_ = f.Close()
	}

	// Equal timestamps tie-break on file path then line number, so
	// intra-file write order survives the global sort and two replays of
	// the same journal emit byte-identical streams. File paths start with
	// the stream directory, which also keeps streams grouped.
	if opts.Ordering == OrderingExchange {
		sort.SliceStable(records, func(i, j int) bool {
			if records[i].sortTs != records[j].sortTs {
				return records[i].sortTs < records[j].sortTs
			}
			if records[i].sequence != records[j].sequence {
				return records[i].sequence < records[j].sequence
			}
			if records[i].file != records[j].file {
				return records[i].file < records[j].file
			}
			return records[i].line < records[j].line
		})
	} else {
		sort.SliceStable(records, func(i, j int) bool {
			if records[i].sortTs != records[j].sortTs {
				return records[i].sortTs < records[j].sortTs
			}
			if records[i].file != records[j].file {
				return records[i].file < records[j].file
			}
			return records[i].line < records[j].line
		})
	}
	return records, skipped, nil
}

// exchangeOrderKey extracts the venue timestamp and sequence from a payload
// without decoding the full event.
func exchangeOrderKey(payload []byte, fallback int64) (int64, uint64) {
	var probe struct {
		Meta schema.EventMeta `json:"meta"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return fallback, 0
	}
	ts := probe.Meta.TsEvent
	if probe.Meta.TsExchange != nil {
		ts = *probe.Meta.TsExchange
	}
	if ts == 0 {
		ts = fallback
	}
	var seq uint64
	if probe.Meta.Sequence != nil {
		seq = *probe.Meta.Sequence
	}
	return ts, seq
}

// emit decodes one record and republishes it. Raw mirrors are promoted to
// their canonical topics; unknown topics are skipped with a warning.
func (r *Replayer) emit(runID string, rr replayRecord) bool {
	ok, err := publishRecord(r.bus, rr.rec)
	if err != nil {
		bus.Publish(r.bus, bus.TopicReplayWarning, &schema.ReplayWarning{
			RunID: runID,
			File:  rr.file,
			Line:  rr.line,
			Err:   err.Error(),
		})
		return false
	}
	return ok
}

func decodeAs[T any](payload []byte) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}

func replaySource(meta *schema.EventMeta) {
	meta.Source = "replay"
}

func parseF(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// publishRecord dispatches one journal record to its topic. The decoder
// table is the inverse of Writer.Attach.
func publishRecord(b *bus.Bus, rec Record) (bool, error) {
	switch rec.Topic {
	case bus.TopicTrade.Name():
		ev, err := decodeAs[*schema.Trade](rec.Payload)
		if err != nil {
			return false, err
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicTrade, ev)
	case bus.TopicTradeRaw.Name():
		raw, err := decodeAs[*schema.TradeRaw](rec.Payload)
		if err != nil {
			return false, err
		}
		price, size := parseF(raw.Price), parseF(raw.Size)
		if price == nil || size == nil {
			return false, errs.New("", errs.CodeProtocol, errs.WithMessage("raw trade with unparseable decimals"))
		}
		ev := &schema.Trade{
			Symbol:     raw.Symbol,
			StreamID:   raw.StreamID,
			MarketType: raw.MarketType,
			Side:       raw.Side,
			Price:      *price,
			Size:       *size,
			Meta:       raw.Meta,
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicTrade, ev)
	case bus.TopicTicker.Name():
		ev, err := decodeAs[*schema.Ticker](rec.Payload)
		if err != nil {
			return false, err
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicTicker, ev)
	case bus.TopicTickerRaw.Name():
		raw, err := decodeAs[*schema.TickerRaw](rec.Payload)
		if err != nil {
			return false, err
		}
		ev := &schema.Ticker{
			Symbol:     raw.Symbol,
			StreamID:   raw.StreamID,
			MarketType: raw.MarketType,
			LastPrice:  parseF(raw.LastPrice),
			MarkPrice:  parseF(raw.MarkPrice),
			IndexPrice: parseF(raw.IndexPrice),
			BidPrice:   parseF(raw.BidPrice),
			AskPrice:   parseF(raw.AskPrice),
			Meta:       raw.Meta,
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicTicker, ev)
	case bus.TopicKline.Name():
		ev, err := decodeAs[*schema.Kline](rec.Payload)
		if err != nil {
			return false, err
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicKline, ev)
	case bus.TopicOpenInterest.Name():
		ev, err := decodeAs[*schema.OpenInterest](rec.Payload)
		if err != nil {
			return false, err
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicOpenInterest, ev)
	case bus.TopicFunding.Name():
		ev, err := decodeAs[*schema.Funding](rec.Payload)
		if err != nil {
			return false, err
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicFunding, ev)
	case bus.TopicLiquidation.Name():
		ev, err := decodeAs[*schema.Liquidation](rec.Payload)
		if err != nil {
			return false, err
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicLiquidation, ev)
	case bus.TopicOrderbookSnapshot.Name():
		ev, err := decodeAs[*schema.OrderbookL2Snapshot](rec.Payload)
		if err != nil {
			return false, err
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicOrderbookSnapshot, ev)
	case bus.TopicOrderbookSnapshotRaw.Name():
		// Book raw mirrors replay on their own topic; promoting them to the
		// canonical book would bypass chain validation.
		ev, err := decodeAs[*schema.OrderbookL2SnapshotRaw](rec.Payload)
		if err != nil {
			return false, err
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicOrderbookSnapshotRaw, ev)
	case bus.TopicOrderbookDelta.Name():
		ev, err := decodeAs[*schema.OrderbookL2Delta](rec.Payload)
		if err != nil {
			return false, err
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicOrderbookDelta, ev)
	case bus.TopicOrderbookDeltaRaw.Name():
		ev, err := decodeAs[*schema.OrderbookL2DeltaRaw](rec.Payload)
		if err != nil {
			return false, err
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicOrderbookDeltaRaw, ev)
	case bus.TopicCvdSpot.Name():
		ev, err := decodeAs[*schema.Cvd](rec.Payload)
		if err != nil {
			return false, err
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicCvdSpot, ev)
	case bus.TopicCvdFutures.Name():
		ev, err := decodeAs[*schema.Cvd](rec.Payload)
		if err != nil {
			return false, err
		}
		replaySource(&ev.Meta)
		bus.Publish(b, bus.TopicCvdFutures, ev)
	default:
		// Aggregate topics are derived; replay feeds inputs and lets the
		// aggregators regenerate them.
		return false, nil
	}
	return true, nil
}
