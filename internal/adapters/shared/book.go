package shared

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quantfold/marketpipe/internal/schema"
)

// ChainRule selects the venue's delta chaining contract.
type ChainRule int

const (
	// ChainSpot expects firstUpdateId == last+1 (Binance spot).
	ChainSpot ChainRule = iota
	// ChainBinanceFutures expects pu == last.
	ChainBinanceFutures
	// ChainOKX expects prevSeqId == last, with bounded gap tolerance.
	ChainOKX
)

// RawSnapshot is a venue depth snapshot before reconciliation, with the
// venue's decimal strings intact.
type RawSnapshot struct {
	UpdateID uint64
	Bids     []schema.RawLevel
	Asks     []schema.RawLevel
	Meta     schema.EventMeta
}

// RawDelta is a venue depth diff before reconciliation.
type RawDelta struct {
	First uint64
	Final uint64
	Prev  *uint64
	Bids  []schema.RawLevel
	Asks  []schema.RawLevel
	Meta  schema.EventMeta
}

// BookSink receives reconciled book events plus the pre-reconciliation raw
// mirrors. Raw mirrors fire for every wire event, including ones the chain
// later buffers or discards.
type BookSink interface {
	BookSnapshot(updateID uint64, bids, asks []schema.Level, meta schema.EventMeta)
	BookSnapshotRaw(snap RawSnapshot)
	BookDelta(first, final uint64, prev *uint64, bids, asks []schema.Level, meta schema.EventMeta)
	BookDeltaRaw(d RawDelta)
	ResyncRequested(reason string, meta schema.EventMeta)
}

// ReconcilerOptions tunes the gap tolerance for venues that interleave
// partial feeds.
type ReconcilerOptions struct {
	// MinGapCount is how many consecutive chain breaks are tolerated before
	// a resync fires. Zero resyncs on the first break.
	MinGapCount int
	// PendingMaxMs bounds how long deltas buffer while waiting for the
	// anchoring snapshot before a resync fires.
	PendingMaxMs int64
}

// Reconciler validates a single stream's delta chain against its rule,
// maintains the authoritative decimal book, and forwards clean events.
// Deltas that arrive before the snapshot are buffered and drained once the
// snapshot anchors them. Not safe for concurrent use; each connection owns
// its reconcilers.
type Reconciler struct {
	rule ChainRule
	sink BookSink
	opts ReconcilerOptions

	synced       bool
	lastID       uint64
	bids         map[string]decimal.Decimal
	asks         map[string]decimal.Decimal
	pending      []RawDelta
	pendingSince int64
	gapStreak    int
}

// NewReconciler constructs a reconciler in the awaiting-snapshot state.
func NewReconciler(rule ChainRule, sink BookSink, opts ReconcilerOptions) *Reconciler {
	return &Reconciler{
		rule:         rule,
		sink:         sink,
		opts:         opts,
		synced:       false,
		lastID:       0,
		bids:         make(map[string]decimal.Decimal),
		asks:         make(map[string]decimal.Decimal),
		pending:      nil,
		pendingSince: 0,
		gapStreak:    0,
	}
}

// Synced reports whether the stream has an anchored book.
func (r *Reconciler) Synced() bool { return r.synced }

// Reset drops all state and reports the resync upstream. The stream is
// RESYNCING until the next snapshot anchors.
func (r *Reconciler) Reset(reason string, meta schema.EventMeta) {
	r.synced = false
	r.lastID = 0
	r.bids = make(map[string]decimal.Decimal)
	r.asks = make(map[string]decimal.Decimal)
	r.pending = nil
	r.pendingSince = 0
	r.gapStreak = 0
	r.sink.ResyncRequested(reason, meta)
}

// OnSnapshot anchors the book and drains buffered deltas through the chain.
func (r *Reconciler) OnSnapshot(snap RawSnapshot) {
	r.sink.BookSnapshotRaw(snap)
	r.bids = make(map[string]decimal.Decimal, len(snap.Bids))
	r.asks = make(map[string]decimal.Decimal, len(snap.Asks))
	bids, ok := r.applyRaw(r.bids, snap.Bids)
	if !ok {
		r.Reset(schema.ResyncReasonOutOfOrder, snap.Meta)
		return
	}
	asks, ok := r.applyRaw(r.asks, snap.Asks)
	if !ok {
		r.Reset(schema.ResyncReasonOutOfOrder, snap.Meta)
		return
	}
	r.lastID = snap.UpdateID
	r.synced = true
	r.gapStreak = 0
	r.sink.BookSnapshot(snap.UpdateID, bids, asks, snap.Meta)

	pending := r.pending
	r.pending = nil
	r.pendingSince = 0
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].First != pending[j].First {
			return pending[i].First < pending[j].First
		}
		if pending[i].Final != pending[j].Final {
			return pending[i].Final < pending[j].Final
		}
		return pending[i].Meta.TsEvent < pending[j].Meta.TsEvent
	})

	anchored := false
	for _, d := range pending {
		if r.discardBeforeAnchor(d, snap.UpdateID) {
			continue
		}
		if !anchored {
			if !r.anchors(d, snap.UpdateID) {
				// The buffered chain starts past the snapshot; the book
				// cannot be stitched together.
				r.Reset(schema.ResyncReasonGap, d.Meta)
				return
			}
			anchored = true
			r.applyDelta(d)
			continue
		}
		if !r.chainOK(d) {
			r.Reset(schema.ResyncReasonGap, d.Meta)
			return
		}
		r.applyDelta(d)
	}
}

// OnDelta validates one diff against the chain. Before the snapshot the
// delta is buffered; afterwards a chain break resyncs the stream.
func (r *Reconciler) OnDelta(d RawDelta) {
	r.sink.BookDeltaRaw(d)
	if !r.synced {
		if r.pendingSince == 0 {
			r.pendingSince = d.Meta.TsIngest
		}
		if r.opts.PendingMaxMs > 0 && d.Meta.TsIngest-r.pendingSince > r.opts.PendingMaxMs {
			r.Reset(schema.ResyncReasonGap, d.Meta)
			return
		}
		r.pending = append(r.pending, d)
		return
	}
	if d.Final <= r.lastID {
		return
	}
	if !r.chainOK(d) {
		r.gapStreak++
		if r.gapStreak <= r.opts.MinGapCount {
			return
		}
		reason := schema.ResyncReasonGap
		if d.First < r.lastID+1 {
			reason = schema.ResyncReasonOutOfOrder
		}
		r.Reset(reason, d.Meta)
		return
	}
	r.gapStreak = 0
	r.applyDelta(d)
}

func (r *Reconciler) chainOK(d RawDelta) bool {
	switch r.rule {
	case ChainBinanceFutures:
		return d.Prev != nil && *d.Prev == r.lastID
	case ChainOKX:
		return d.Prev != nil && *d.Prev == r.lastID
	default:
		return d.First == r.lastID+1
	}
}

func (r *Reconciler) discardBeforeAnchor(d RawDelta, snapshotID uint64) bool {
	if r.rule == ChainBinanceFutures {
		return d.Final < snapshotID
	}
	return d.Final <= snapshotID
}

func (r *Reconciler) anchors(d RawDelta, snapshotID uint64) bool {
	if r.rule == ChainBinanceFutures {
		return d.First <= snapshotID && snapshotID <= d.Final
	}
	return d.First <= snapshotID+1 && snapshotID+1 <= d.Final
}

func (r *Reconciler) applyDelta(d RawDelta) {
	bids, ok := r.applyRaw(r.bids, d.Bids)
	if !ok {
		r.Reset(schema.ResyncReasonOutOfOrder, d.Meta)
		return
	}
	asks, ok := r.applyRaw(r.asks, d.Asks)
	if !ok {
		r.Reset(schema.ResyncReasonOutOfOrder, d.Meta)
		return
	}
	r.lastID = d.Final
	r.sink.BookDelta(d.First, d.Final, d.Prev, bids, asks, d.Meta)
}

// applyRaw parses venue decimal strings, mutates the book, and returns the
// touched levels as floats. Size zero deletes a level.
func (r *Reconciler) applyRaw(book map[string]decimal.Decimal, levels []schema.RawLevel) ([]schema.Level, bool) {
	out := make([]schema.Level, 0, len(levels))
	for _, lvl := range levels {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			return nil, false
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			return nil, false
		}
		key := price.String()
		if size.IsZero() {
			delete(book, key)
		} else {
			book[key] = size
		}
		out = append(out, schema.Level{
			Price: price.InexactFloat64(),
			Size:  size.InexactFloat64(),
		})
	}
	return out, true
}

// TopOfBook reports the current best bid and ask, used by health probes.
func (r *Reconciler) TopOfBook() (bestBid, bestAsk float64, ok bool) {
	if !r.synced || len(r.bids) == 0 || len(r.asks) == 0 {
		return 0, 0, false
	}
	var bid, ask decimal.Decimal
	first := true
	for key := range r.bids {
		p, _ := decimal.NewFromString(key)
		if first || p.GreaterThan(bid) {
			bid = p
		}
		first = false
	}
	first = true
	for key := range r.asks {
		p, _ := decimal.NewFromString(key)
		if first || p.LessThan(ask) {
			ask = p
		}
		first = false
	}
	return bid.InexactFloat64(), ask.InexactFloat64(), true
}
