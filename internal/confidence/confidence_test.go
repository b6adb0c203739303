package confidence

import (
	"math"
	"testing"
)

func TestComputeFullPenaltyChain(t *testing.T) {
	res := Compute(Inputs{
		FreshSources:     4,
		ExpectedSources:  4,
		MismatchDetected: true,
		GapDetected:      true,
		SequenceBroken:   true,
		LagDetected:      true,
	})
	// 1 * 0.5 * 0.7 * 0.5 * 0.8 = 0.14
	if math.Abs(res.Score-0.14) > 1e-12 {
		t.Fatalf("expected score 0.14, got %v", res.Score)
	}
	if res.Version != "v1" {
		t.Fatalf("unexpected version %s", res.Version)
	}
	if len(res.Penalties) != 4 {
		t.Fatalf("expected 4 penalties, got %+v", res.Penalties)
	}
	order := []string{"mismatch", "gap", "sequence_broken", "lag"}
	for i, p := range res.Penalties {
		if p.Reason != order[i] {
			t.Fatalf("penalty %d = %s, want %s", i, p.Reason, order[i])
		}
	}
}

func TestComputeBaseWithoutExpected(t *testing.T) {
	res := Compute(Inputs{FreshSources: 3, StaleSourcesDropped: 1})
	if math.Abs(res.Score-0.75) > 1e-12 {
		t.Fatalf("expected 3/4 base, got %v", res.Score)
	}
	if Compute(Inputs{}).Score != 0 {
		t.Fatalf("empty inputs must score 0")
	}
}

func TestComputeBoundsAndCap(t *testing.T) {
	res := Compute(Inputs{FreshSources: 10, ExpectedSources: 2, SourceCap: f(0.7)})
	if res.Score != 0.7 {
		t.Fatalf("expected cap 0.7, got %v", res.Score)
	}
	res = Compute(Inputs{FreshSources: 1, ExpectedSources: 1, FallbackPenalty: f(-2)})
	if res.Score != 0 {
		t.Fatalf("negative fallback penalty must clamp to 0, got %v", res.Score)
	}
	for _, in := range []Inputs{
		{FreshSources: 5, ExpectedSources: 1},
		{FreshSources: 0, ExpectedSources: 3, MismatchDetected: true},
	} {
		s := Compute(in).Score
		if s < 0 || s > 1 {
			t.Fatalf("score out of bounds: %v", s)
		}
	}
}

func TestTrustAdjustmentsComposition(t *testing.T) {
	adj := SourceTrustAdjustments(ContextLiquidation,
		[]string{"okx.public.swap", "bybit.public.linear.v5"})
	if adj.SourcePenalty == nil || *adj.SourcePenalty != 0.9 {
		t.Fatalf("expected source penalty 0.9, got %+v", adj.SourcePenalty)
	}
	if adj.SourceCap == nil || *adj.SourceCap != 0.7 {
		t.Fatalf("expected source cap 0.7, got %+v", adj.SourceCap)
	}
	want := []string{"BYBIT_BANKRUPTCY_PRICE", "OKX_LIQUIDATIONS_LIMITED"}
	if len(adj.Reasons) != len(want) {
		t.Fatalf("unexpected reasons: %v", adj.Reasons)
	}
	for i := range want {
		if adj.Reasons[i] != want[i] {
			t.Fatalf("reasons not sorted: %v", adj.Reasons)
		}
	}
}

func TestTrustAdjustmentsOrderInvariant(t *testing.T) {
	a := SourceTrustAdjustments(ContextLiquidation,
		[]string{"okx.public.swap", "bybit.public.linear.v5"})
	b := SourceTrustAdjustments(ContextLiquidation,
		[]string{"bybit.public.linear.v5", "okx.public.swap"})
	if *a.SourcePenalty != *b.SourcePenalty || *a.SourceCap != *b.SourceCap {
		t.Fatalf("adjustments differ with input order: %+v vs %+v", a, b)
	}
	if len(a.Reasons) != len(b.Reasons) {
		t.Fatalf("reasons differ with input order")
	}
	for i := range a.Reasons {
		if a.Reasons[i] != b.Reasons[i] {
			t.Fatalf("reasons differ with input order: %v vs %v", a.Reasons, b.Reasons)
		}
	}
}

func TestTrustAdjustmentsNoMatch(t *testing.T) {
	adj := SourceTrustAdjustments(ContextTrade, []string{"binance.futures"})
	if adj.SourcePenalty != nil || adj.SourceCap != nil || len(adj.Reasons) != 0 {
		t.Fatalf("expected empty adjustments, got %+v", adj)
	}
}
