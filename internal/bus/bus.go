// Package bus implements the typed in-process pub/sub fabric. Dispatch is
// synchronous on the publishing goroutine: within one topic, publish order is
// delivery order for every subscriber, which the replay determinism contract
// depends on.
package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfold/marketpipe/internal/schema"
)

// Topic is a typed topic descriptor. Descriptors for the contractual topic
// names live in topics.go.
type Topic[T any] struct {
	name string
}

// NewTopic declares a typed topic with the given contractual name.
func NewTopic[T any](name string) Topic[T] { return Topic[T]{name: name} }

// Name returns the contractual topic name.
func (t Topic[T]) Name() string { return t.name }

type entry struct {
	name string
	fn   func(any)
}

// Bus fans events out to subscribers in registration order. Handlers may
// publish recursively; the nested dispatch completes before control returns.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]entry
	logger *log.Logger

	published metric.Int64Counter
	errored   metric.Int64Counter
}

// New constructs a bus. A nil logger falls back to the default logger.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	b := &Bus{
		mu:        sync.RWMutex{},
		topics:    make(map[string][]entry),
		logger:    logger,
		published: nil,
		errored:   nil,
	}
	meter := otel.Meter("bus")
	b.published, _ = meter.Int64Counter("bus.events.published",
		metric.WithDescription("Number of events published per topic"),
		metric.WithUnit("{event}"))
	b.errored, _ = meter.Int64Counter("bus.handler.errors",
		metric.WithDescription("Number of subscriber failures"),
		metric.WithUnit("{error}"))
	return b
}

// Subscribe registers a named handler. Subscribing the same (topic, name)
// pair again replaces the handler in place, keeping its original position.
func Subscribe[T any](b *Bus, t Topic[T], name string, fn func(T)) {
	if fn == nil {
		return
	}
	wrapped := func(payload any) {
		v, ok := payload.(T)
		if !ok {
			return
		}
		fn(v)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.topics[t.name]
	for i := range entries {
		if entries[i].name == name {
			entries[i].fn = wrapped
			return
		}
	}
	b.topics[t.name] = append(entries, entry{name: name, fn: wrapped})
}

// Unsubscribe removes a named handler; unknown names are ignored.
func Unsubscribe[T any](b *Bus, t Topic[T], name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.topics[t.name]
	for i := range entries {
		if entries[i].name == name {
			b.topics[t.name] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Publish dispatches to the current subscriber list in registration order on
// the calling goroutine. A failing handler is reported on the error topic and
// never aborts the fan-out.
func Publish[T any](b *Bus, t Topic[T], payload T) {
	b.mu.RLock()
	entries := b.topics[t.name]
	snapshot := make([]entry, len(entries))
	copy(snapshot, entries)
	b.mu.RUnlock()

	if b.published != nil {
		b.published.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("topic", t.name)))
	}

	for _, e := range snapshot {
		b.invoke(t.name, e, payload)
	}
}

func (b *Bus) invoke(topic string, e entry, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.reportHandlerError(topic, e.name, fmt.Sprintf("%v", r))
		}
	}()
	e.fn(payload)
}

func (b *Bus) reportHandlerError(topic, handler, msg string) {
	if b.errored != nil {
		b.errored.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("topic", topic)))
	}
	if topic == TopicHandlerError.Name() {
		// A failing error handler only gets logged, never re-dispatched.
		b.logger.Printf("bus: error handler %q failed: %s", handler, msg)
		return
	}
	b.logger.Printf("bus: handler %q on %s failed: %s", handler, topic, msg)
	Publish(b, TopicHandlerError, schema.HandlerError{
		Topic:   topic,
		Handler: handler,
		Err:     msg,
	})
}
