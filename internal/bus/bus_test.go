package bus

import (
	"log"
	"os"
	"testing"

	"github.com/quantfold/marketpipe/internal/schema"
)

func testBus() *Bus {
	return New(log.New(os.Stdout, "bus-test ", log.LstdFlags))
}

func TestPublishOrderMatchesRegistration(t *testing.T) {
	b := testBus()
	var order []string
	Subscribe(b, TopicTrade, "first", func(*schema.Trade) { order = append(order, "first") })
	Subscribe(b, TopicTrade, "second", func(*schema.Trade) { order = append(order, "second") })
	Subscribe(b, TopicTrade, "third", func(*schema.Trade) { order = append(order, "third") })

	Publish(b, TopicTrade, &schema.Trade{Symbol: "BTCUSDT"})

	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("unexpected dispatch order: %v", order)
	}
}

func TestSubscribeIdempotentByName(t *testing.T) {
	b := testBus()
	count := 0
	Subscribe(b, TopicTrade, "dup", func(*schema.Trade) { count++ })
	Subscribe(b, TopicTrade, "dup", func(*schema.Trade) { count += 10 })

	Publish(b, TopicTrade, &schema.Trade{})
	if count != 10 {
		t.Fatalf("expected replacement handler only, got count=%d", count)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := testBus()
	fired := false
	Subscribe(b, TopicTicker, "h", func(*schema.Ticker) { fired = true })
	Unsubscribe(b, TopicTicker, "h")
	Unsubscribe(b, TopicTicker, "h")
	Unsubscribe(b, TopicTicker, "never-registered")

	Publish(b, TopicTicker, &schema.Ticker{})
	if fired {
		t.Fatalf("handler fired after unsubscribe")
	}
}

func TestPanickingHandlerDoesNotAbortFanout(t *testing.T) {
	b := testBus()
	var errs []schema.HandlerError
	Subscribe(b, TopicHandlerError, "collect", func(e schema.HandlerError) { errs = append(errs, e) })

	delivered := false
	Subscribe(b, TopicTrade, "bad", func(*schema.Trade) { panic("boom") })
	Subscribe(b, TopicTrade, "good", func(*schema.Trade) { delivered = true })

	Publish(b, TopicTrade, &schema.Trade{})

	if !delivered {
		t.Fatalf("good handler should still receive the event")
	}
	if len(errs) != 1 || errs[0].Handler != "bad" || errs[0].Topic != TopicTrade.Name() {
		t.Fatalf("expected one handler error for %q, got %+v", "bad", errs)
	}
}

func TestRecursivePublishCompletesInline(t *testing.T) {
	b := testBus()
	var seen []string
	Subscribe(b, TopicTrade, "fan", func(tr *schema.Trade) {
		seen = append(seen, "trade")
		Publish(b, TopicTicker, &schema.Ticker{Symbol: tr.Symbol})
		seen = append(seen, "after")
	})
	Subscribe(b, TopicTicker, "tick", func(*schema.Ticker) { seen = append(seen, "ticker") })

	Publish(b, TopicTrade, &schema.Trade{Symbol: "ETHUSDT"})

	want := []string{"trade", "ticker", "after"}
	if len(seen) != len(want) {
		t.Fatalf("unexpected recursion trace: %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("unexpected recursion trace: %v", seen)
		}
	}
}
