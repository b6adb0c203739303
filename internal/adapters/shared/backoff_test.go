package shared

import (
	"testing"
	"time"
)

func TestReconnectDelayDeterministic(t *testing.T) {
	p := DefaultReconnectPolicy("binance.spot")
	for attempt := 1; attempt <= 8; attempt++ {
		a := p.Delay(attempt, false)
		b := p.Delay(attempt, false)
		if a != b {
			t.Fatalf("attempt %d: %v != %v", attempt, a, b)
		}
	}
	if p.Delay(1, false) == DefaultReconnectPolicy("okx").Delay(1, false) {
		t.Fatal("different seeds must jitter differently")
	}
}

func TestReconnectDelayDoublesAndCaps(t *testing.T) {
	p := DefaultReconnectPolicy("s")
	p.JitterFrac = 0
	if got := p.Delay(1, false); got != 500*time.Millisecond {
		t.Fatalf("attempt 1 = %v", got)
	}
	if got := p.Delay(3, false); got != 2*time.Second {
		t.Fatalf("attempt 3 = %v", got)
	}
	if got := p.Delay(20, false); got != 30*time.Second {
		t.Fatalf("attempt 20 must cap at max, got %v", got)
	}
}

func TestPolicyViolationRaisesFloor(t *testing.T) {
	p := DefaultReconnectPolicy("s")
	p.JitterFrac = 0
	// 1008 on an early attempt still waits at least the policy floor.
	if got := p.Delay(1, true); got != 5*time.Second {
		t.Fatalf("violation delay = %v", got)
	}
	// Past the floor the normal schedule wins.
	if got := p.Delay(10, true); got != 30*time.Second {
		t.Fatalf("late violation delay = %v", got)
	}
}

func TestJitterStaysWithinFraction(t *testing.T) {
	p := DefaultReconnectPolicy("seed")
	for attempt := 1; attempt <= 12; attempt++ {
		base := p.Delay(attempt, false)
		bare := p
		bare.JitterFrac = 0
		floor := bare.Delay(attempt, false)
		if base < floor || base >= floor+time.Duration(float64(floor)*p.JitterFrac) {
			t.Fatalf("attempt %d: %v outside [%v, %v)", attempt, base, floor, floor+time.Duration(float64(floor)*p.JitterFrac))
		}
	}
}

func TestBackoffTableStreaks(t *testing.T) {
	tab := NewBackoffTable("poller")
	tab.JitterFrac = 0

	if got := tab.Failure("binance|oi"); got != 4*time.Second {
		t.Fatalf("first failure = %v", got)
	}
	if got := tab.Failure("binance|oi"); got != 8*time.Second {
		t.Fatalf("second failure = %v", got)
	}
	// Independent keys keep independent streaks.
	if got := tab.Failure("okx|funding"); got != 4*time.Second {
		t.Fatalf("other key first failure = %v", got)
	}

	tab.Success("binance|oi")
	if tab.Failures("binance|oi") != 0 {
		t.Fatal("success must clear the streak")
	}
	if got := tab.Failure("binance|oi"); got != 4*time.Second {
		t.Fatalf("restarted streak = %v", got)
	}

	// Streaks cap rather than growing without bound.
	for i := 0; i < 20; i++ {
		tab.Failure("okx|funding")
	}
	if got := tab.Failure("okx|funding"); got != 128*time.Second {
		t.Fatalf("capped failure = %v", got)
	}
}
