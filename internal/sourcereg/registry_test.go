package sourcereg

import (
	"reflect"
	"testing"
)

func TestSnapshotDeterministic(t *testing.T) {
	reg := New()
	reg.SetExpected("BTCUSDT", "futures", MetricPrice, []string{"okx.public.swap", "binance.futures"})
	reg.MarkAggEmitted("BTCUSDT", "futures", MetricPrice, []string{"okx.public.swap", "binance.futures"}, 1000)
	reg.RecordSuppression("BTCUSDT", "futures", MetricDerivatives, ReasonNoCanonicalPrice)
	reg.RecordSuppression("BTCUSDT", "futures", MetricDerivatives, ReasonNoCanonicalPrice)
	reg.ObserveRaw("BTCUSDT", "futures", FeedTrades, "binance.futures", 900)
	reg.ObserveRaw("BTCUSDT", "futures", FeedTrades, "okx.public.swap", 910)

	a := reg.Snapshot(2000, "BTCUSDT", "futures")
	b := reg.Snapshot(2000, "BTCUSDT", "futures")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("snapshots differ:\n%+v\n%+v", a, b)
	}
	if len(a.Metrics) != 2 {
		t.Fatalf("expected 2 metric entries, got %d", len(a.Metrics))
	}
	if a.Metrics[0].Metric != MetricDerivatives || a.Metrics[1].Metric != MetricPrice {
		t.Fatalf("metrics not sorted: %+v", a.Metrics)
	}
	if a.Metrics[0].Suppressions[ReasonNoCanonicalPrice] != 2 {
		t.Fatalf("suppression count = %d", a.Metrics[0].Suppressions[ReasonNoCanonicalPrice])
	}
	want := []string{"binance.futures", "okx.public.swap"}
	if !reflect.DeepEqual(a.Metrics[1].Expected, want) || !reflect.DeepEqual(a.Metrics[1].LastUsed, want) {
		t.Fatalf("expected/lastUsed not sorted: %+v", a.Metrics[1])
	}
	if a.Metrics[1].LastEmitTs != 1000 {
		t.Fatalf("lastEmitTs = %d", a.Metrics[1].LastEmitTs)
	}
	if len(a.Feeds) != 1 || !reflect.DeepEqual(a.Feeds[0].Streams, want) {
		t.Fatalf("unexpected feeds: %+v", a.Feeds)
	}
}

func TestObserveRawNonMonotonic(t *testing.T) {
	reg := New()
	reg.ObserveRaw("BTCUSDT", "spot", FeedTrades, "binance.spot", 1000)
	reg.ObserveRaw("BTCUSDT", "spot", FeedTrades, "binance.spot", 900)
	snap := reg.Snapshot(2000, "BTCUSDT", "spot")
	if len(snap.Feeds) != 1 || len(snap.Feeds[0].NonMonotonic) != 1 {
		t.Fatalf("expected one non-monotonic stream, got %+v", snap.Feeds)
	}

	// Klines re-emit the same bucket and must stay off the list.
	reg.ObserveRaw("BTCUSDT", "spot", FeedKlines, "binance.spot", 1000)
	reg.ObserveRaw("BTCUSDT", "spot", FeedKlines, "binance.spot", 900)
	snap = reg.Snapshot(2000, "BTCUSDT", "spot")
	for _, fs := range snap.Feeds {
		if fs.Feed == FeedKlines && len(fs.NonMonotonic) != 0 {
			t.Fatalf("klines must be exempt: %+v", fs)
		}
	}
}

func TestExpectedCount(t *testing.T) {
	reg := New()
	if reg.ExpectedCount("ETHUSDT", "spot", MetricFlow) != 0 {
		t.Fatalf("expected zero before declaration")
	}
	reg.SetExpected("ETHUSDT", "spot", MetricFlow, []string{"binance.spot", "okx.public.spot"})
	if got := reg.ExpectedCount("ETHUSDT", "spot", MetricFlow); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	reg.SetExpected("ETHUSDT", "spot", MetricFlow, []string{"binance.spot"})
	if got := reg.ExpectedCount("ETHUSDT", "spot", MetricFlow); got != 1 {
		t.Fatalf("redeclaration must replace, got %d", got)
	}
}
