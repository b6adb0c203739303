package shared

import (
	"testing"

	"github.com/quantfold/marketpipe/internal/schema"
)

type sinkEvent struct {
	kind     string
	updateID uint64
	first    uint64
	final    uint64
	reason   string
	bids     []schema.Level
	asks     []schema.Level
}

type recordingSink struct {
	events    []sinkEvent
	rawSnaps  []RawSnapshot
	rawDeltas []RawDelta
}

func (s *recordingSink) BookSnapshotRaw(snap RawSnapshot) {
	s.rawSnaps = append(s.rawSnaps, snap)
}

func (s *recordingSink) BookDeltaRaw(d RawDelta) {
	s.rawDeltas = append(s.rawDeltas, d)
}

func (s *recordingSink) BookSnapshot(updateID uint64, bids, asks []schema.Level, _ schema.EventMeta) {
	s.events = append(s.events, sinkEvent{kind: "snapshot", updateID: updateID, first: 0, final: 0, reason: "", bids: bids, asks: asks})
}

func (s *recordingSink) BookDelta(first, final uint64, _ *uint64, bids, asks []schema.Level, _ schema.EventMeta) {
	s.events = append(s.events, sinkEvent{kind: "delta", updateID: 0, first: first, final: final, reason: "", bids: bids, asks: asks})
}

func (s *recordingSink) ResyncRequested(reason string, _ schema.EventMeta) {
	s.events = append(s.events, sinkEvent{kind: "resync", updateID: 0, first: 0, final: 0, reason: reason, bids: nil, asks: nil})
}

func rawLevels(pairs ...string) []schema.RawLevel {
	out := make([]schema.RawLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, schema.RawLevel{Price: pairs[i], Size: pairs[i+1]})
	}
	return out
}

func deltaMeta(tsIngest int64) schema.EventMeta {
	return schema.EventMeta{
		TsEvent:       tsIngest,
		TsIngest:      tsIngest,
		TsExchange:    nil,
		Sequence:      nil,
		Source:        "test",
		StreamID:      "test",
		CorrelationID: "",
	}
}

func TestSpotBootstrapFromEmptySnapshot(t *testing.T) {
	sink := &recordingSink{}
	r := NewReconciler(ChainSpot, sink, ReconcilerOptions{MinGapCount: 0, PendingMaxMs: 0})

	// A fresh symbol can legitimately report lastUpdateId 0 with an empty
	// book; the first delta U=1,u=1 chains directly off it.
	r.OnSnapshot(RawSnapshot{UpdateID: 0, Bids: nil, Asks: nil, Meta: deltaMeta(1000)})
	r.OnDelta(RawDelta{First: 1, Final: 1, Prev: nil, Bids: rawLevels("100", "2"), Asks: rawLevels("101", "3"), Meta: deltaMeta(1001)})

	if len(sink.events) != 2 {
		t.Fatalf("expected snapshot+delta, got %+v", sink.events)
	}
	if sink.events[0].kind != "snapshot" || sink.events[0].updateID != 0 {
		t.Fatalf("snapshot event = %+v", sink.events[0])
	}
	if sink.events[1].kind != "delta" || sink.events[1].final != 1 {
		t.Fatalf("delta event = %+v", sink.events[1])
	}
	if !r.Synced() {
		t.Fatal("reconciler must stay synced")
	}
}

func TestSpotBufferedDeltasDrainAfterSnapshot(t *testing.T) {
	sink := &recordingSink{}
	r := NewReconciler(ChainSpot, sink, ReconcilerOptions{MinGapCount: 0, PendingMaxMs: 0})

	// Deltas before the snapshot buffer; the covering snapshot anchors them.
	r.OnDelta(RawDelta{First: 8, Final: 9, Prev: nil, Bids: rawLevels("100", "1"), Asks: nil, Meta: deltaMeta(1000)})
	r.OnDelta(RawDelta{First: 10, Final: 12, Prev: nil, Bids: rawLevels("100", "2"), Asks: nil, Meta: deltaMeta(1001)})
	r.OnDelta(RawDelta{First: 13, Final: 14, Prev: nil, Bids: rawLevels("100", "3"), Asks: nil, Meta: deltaMeta(1002)})
	if len(sink.events) != 0 {
		t.Fatalf("deltas leaked before snapshot: %+v", sink.events)
	}

	// Snapshot at 9: the 8..9 delta is stale, 10..12 anchors (first <= 10 <= final).
	r.OnSnapshot(RawSnapshot{UpdateID: 9, Bids: rawLevels("99", "5"), Asks: rawLevels("102", "5"), Meta: deltaMeta(1003)})

	kinds := make([]string, 0, len(sink.events))
	for _, ev := range sink.events {
		kinds = append(kinds, ev.kind)
	}
	if len(sink.events) != 3 || kinds[0] != "snapshot" || kinds[1] != "delta" || kinds[2] != "delta" {
		t.Fatalf("event sequence = %v", kinds)
	}
	if sink.events[1].first != 10 || sink.events[2].first != 13 {
		t.Fatalf("drained deltas out of order: %+v", sink.events[1:])
	}
}

func TestSpotGapTriggersResync(t *testing.T) {
	sink := &recordingSink{}
	r := NewReconciler(ChainSpot, sink, ReconcilerOptions{MinGapCount: 0, PendingMaxMs: 0})
	r.OnSnapshot(RawSnapshot{UpdateID: 5, Bids: rawLevels("100", "1"), Asks: rawLevels("101", "1"), Meta: deltaMeta(1000)})
	r.OnDelta(RawDelta{First: 6, Final: 7, Prev: nil, Bids: rawLevels("100", "2"), Asks: nil, Meta: deltaMeta(1001)})

	// 8 is missing.
	r.OnDelta(RawDelta{First: 9, Final: 10, Prev: nil, Bids: rawLevels("100", "3"), Asks: nil, Meta: deltaMeta(1002)})

	last := sink.events[len(sink.events)-1]
	if last.kind != "resync" || last.reason != schema.ResyncReasonGap {
		t.Fatalf("expected gap resync, got %+v", last)
	}
	if r.Synced() {
		t.Fatal("reconciler must drop to resyncing")
	}

	// Deltas during resync buffer again until the next snapshot.
	r.OnDelta(RawDelta{First: 11, Final: 12, Prev: nil, Bids: rawLevels("100", "4"), Asks: nil, Meta: deltaMeta(1003)})
	before := len(sink.events)
	if before != 3 {
		t.Fatalf("unexpected events during resync: %+v", sink.events)
	}
	r.OnSnapshot(RawSnapshot{UpdateID: 11, Bids: rawLevels("100", "4"), Asks: rawLevels("101", "1"), Meta: deltaMeta(1004)})
	if !r.Synced() {
		t.Fatal("snapshot must re-anchor")
	}
}

func TestSpotOverlapReportsOutOfOrder(t *testing.T) {
	sink := &recordingSink{}
	r := NewReconciler(ChainSpot, sink, ReconcilerOptions{MinGapCount: 0, PendingMaxMs: 0})
	r.OnSnapshot(RawSnapshot{UpdateID: 5, Bids: rawLevels("100", "1"), Asks: rawLevels("101", "1"), Meta: deltaMeta(1000)})

	// First 4 rewinds behind last+1 while final advances.
	r.OnDelta(RawDelta{First: 4, Final: 7, Prev: nil, Bids: rawLevels("100", "2"), Asks: nil, Meta: deltaMeta(1001)})

	last := sink.events[len(sink.events)-1]
	if last.kind != "resync" || last.reason != schema.ResyncReasonOutOfOrder {
		t.Fatalf("expected out_of_order resync, got %+v", last)
	}
}

func TestFuturesChainUsesPrevID(t *testing.T) {
	sink := &recordingSink{}
	r := NewReconciler(ChainBinanceFutures, sink, ReconcilerOptions{MinGapCount: 0, PendingMaxMs: 0})
	r.OnSnapshot(RawSnapshot{UpdateID: 100, Bids: rawLevels("50000", "1"), Asks: rawLevels("50001", "1"), Meta: deltaMeta(1000)})

	// Futures IDs are sparse; pu continuity is what matters, not U == last+1.
	prev := uint64(100)
	r.OnDelta(RawDelta{First: 105, Final: 110, Prev: &prev, Bids: rawLevels("50000", "2"), Asks: nil, Meta: deltaMeta(1001)})
	if sink.events[len(sink.events)-1].kind != "delta" {
		t.Fatalf("sparse-ID delta rejected: %+v", sink.events)
	}

	wrong := uint64(99)
	r.OnDelta(RawDelta{First: 111, Final: 120, Prev: &wrong, Bids: rawLevels("50000", "3"), Asks: nil, Meta: deltaMeta(1002)})
	last := sink.events[len(sink.events)-1]
	if last.kind != "resync" || last.reason != schema.ResyncReasonGap {
		t.Fatalf("expected gap resync on pu mismatch, got %+v", last)
	}
}

func TestFuturesAnchorIncludesSnapshotID(t *testing.T) {
	sink := &recordingSink{}
	r := NewReconciler(ChainBinanceFutures, sink, ReconcilerOptions{MinGapCount: 0, PendingMaxMs: 0})
	prev := uint64(95)
	r.OnDelta(RawDelta{First: 96, Final: 104, Prev: &prev, Bids: rawLevels("50000", "1"), Asks: nil, Meta: deltaMeta(1000)})
	// Futures anchoring wants first <= U0 <= final.
	r.OnSnapshot(RawSnapshot{UpdateID: 100, Bids: rawLevels("49999", "5"), Asks: rawLevels("50002", "5"), Meta: deltaMeta(1001)})

	if len(sink.events) != 2 || sink.events[1].kind != "delta" || sink.events[1].final != 104 {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestOKXGapToleranceWindow(t *testing.T) {
	sink := &recordingSink{}
	r := NewReconciler(ChainOKX, sink, ReconcilerOptions{MinGapCount: 2, PendingMaxMs: 0})
	r.OnSnapshot(RawSnapshot{UpdateID: 10, Bids: rawLevels("100", "1"), Asks: rawLevels("101", "1"), Meta: deltaMeta(1000)})

	bad := uint64(8)
	r.OnDelta(RawDelta{First: 11, Final: 11, Prev: &bad, Bids: rawLevels("100", "2"), Asks: nil, Meta: deltaMeta(1001)})
	r.OnDelta(RawDelta{First: 12, Final: 12, Prev: &bad, Bids: rawLevels("100", "3"), Asks: nil, Meta: deltaMeta(1002)})
	if len(sink.events) != 1 {
		t.Fatalf("breaks within tolerance must be held back: %+v", sink.events)
	}

	// Third consecutive break exceeds MinGapCount.
	r.OnDelta(RawDelta{First: 13, Final: 13, Prev: &bad, Bids: rawLevels("100", "4"), Asks: nil, Meta: deltaMeta(1003)})
	last := sink.events[len(sink.events)-1]
	if last.kind != "resync" || last.reason != schema.ResyncReasonGap {
		t.Fatalf("expected gap resync after tolerance, got %+v", last)
	}
}

func TestPendingDeadlineForcesResync(t *testing.T) {
	sink := &recordingSink{}
	r := NewReconciler(ChainSpot, sink, ReconcilerOptions{MinGapCount: 0, PendingMaxMs: 500})

	r.OnDelta(RawDelta{First: 1, Final: 2, Prev: nil, Bids: rawLevels("100", "1"), Asks: nil, Meta: deltaMeta(1000)})
	r.OnDelta(RawDelta{First: 3, Final: 4, Prev: nil, Bids: rawLevels("100", "2"), Asks: nil, Meta: deltaMeta(1400)})
	if len(sink.events) != 0 {
		t.Fatalf("premature events: %+v", sink.events)
	}
	r.OnDelta(RawDelta{First: 5, Final: 6, Prev: nil, Bids: rawLevels("100", "3"), Asks: nil, Meta: deltaMeta(1600)})
	if len(sink.events) != 1 || sink.events[0].kind != "resync" {
		t.Fatalf("expected resync after waiting past deadline, got %+v", sink.events)
	}
}

func TestRawMirrorsFireBeforeReconciliation(t *testing.T) {
	sink := &recordingSink{}
	r := NewReconciler(ChainSpot, sink, ReconcilerOptions{MinGapCount: 0, PendingMaxMs: 0})

	// A delta that only buffers still mirrors; the journal sees the wire.
	r.OnDelta(RawDelta{First: 10, Final: 12, Prev: nil, Bids: rawLevels("100.10", "2"), Asks: nil, Meta: deltaMeta(1000)})
	if len(sink.events) != 0 {
		t.Fatalf("buffered delta leaked: %+v", sink.events)
	}
	if len(sink.rawDeltas) != 1 || sink.rawDeltas[0].Final != 12 {
		t.Fatalf("raw delta mirror = %+v", sink.rawDeltas)
	}
	if sink.rawDeltas[0].Bids[0].Price != "100.10" {
		t.Fatalf("decimal strings must survive the mirror: %+v", sink.rawDeltas[0].Bids)
	}

	r.OnSnapshot(RawSnapshot{UpdateID: 9, Bids: rawLevels("99", "5"), Asks: rawLevels("102", "5"), Meta: deltaMeta(1001)})
	if len(sink.rawSnaps) != 1 || sink.rawSnaps[0].UpdateID != 9 {
		t.Fatalf("raw snapshot mirror = %+v", sink.rawSnaps)
	}
}

func TestZeroSizeDeletesLevel(t *testing.T) {
	sink := &recordingSink{}
	r := NewReconciler(ChainSpot, sink, ReconcilerOptions{MinGapCount: 0, PendingMaxMs: 0})
	r.OnSnapshot(RawSnapshot{
		UpdateID: 1,
		Bids:     rawLevels("100.5", "2", "100.0", "1"),
		Asks:     rawLevels("101.0", "3"),
		Meta:     deltaMeta(1000),
	})
	r.OnDelta(RawDelta{First: 2, Final: 2, Prev: nil, Bids: rawLevels("100.5", "0"), Asks: nil, Meta: deltaMeta(1001)})

	bid, ask, ok := r.TopOfBook()
	if !ok {
		t.Fatal("book must be synced")
	}
	if bid != 100.0 || ask != 101.0 {
		t.Fatalf("top of book = %v/%v", bid, ask)
	}
}
