package shared

import (
	"context"
	"sort"
	"sync"
)

// SendFunc transmits a batch of subscription keys to the venue. It is called
// outside the manager lock.
type SendFunc func(ctx context.Context, keys []string) error

// SubscriptionManager reconciles the desired subscription set against what
// the venue has confirmed. desired, pending and active are disjoint views:
// a key is active only after the venue acknowledged it, pending while a
// request is in flight, and desired otherwise.
//
// Flush is single-flight: concurrent triggers coalesce into one rerun, so a
// burst of Subscribe calls produces a bounded number of venue requests.
type SubscriptionManager struct {
	send SendFunc

	mu      sync.Mutex
	desired map[string]struct{}
	pending map[string]struct{}
	active  map[string]struct{}
	flying  bool
	rerun   bool
}

// NewSubscriptionManager constructs a manager around a venue send function.
func NewSubscriptionManager(send SendFunc) *SubscriptionManager {
	return &SubscriptionManager{
		send:    send,
		mu:      sync.Mutex{},
		desired: make(map[string]struct{}),
		pending: make(map[string]struct{}),
		active:  make(map[string]struct{}),
		flying:  false,
		rerun:   false,
	}
}

// Subscribe adds keys to the desired set and flushes the difference.
func (m *SubscriptionManager) Subscribe(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	for _, key := range keys {
		m.desired[key] = struct{}{}
	}
	m.mu.Unlock()
	return m.Flush(ctx)
}

// Unsubscribe removes keys everywhere. The venue-side unsubscribe is the
// caller's concern; the manager only stops tracking them.
func (m *SubscriptionManager) Unsubscribe(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.desired, key)
		delete(m.pending, key)
		delete(m.active, key)
	}
}

// Flush sends desired − (active ∪ pending) to the venue. If a flush is
// already in flight the call is coalesced into a rerun once it returns.
func (m *SubscriptionManager) Flush(ctx context.Context) error {
	m.mu.Lock()
	if m.flying {
		m.rerun = true
		m.mu.Unlock()
		return nil
	}
	m.flying = true
	m.mu.Unlock()

	for {
		m.mu.Lock()
		diff := make([]string, 0, len(m.desired))
		for key := range m.desired {
			if _, ok := m.active[key]; ok {
				continue
			}
			if _, ok := m.pending[key]; ok {
				continue
			}
			diff = append(diff, key)
		}
		sort.Strings(diff)
		for _, key := range diff {
			m.pending[key] = struct{}{}
		}
		m.mu.Unlock()

		if len(diff) > 0 {
			if err := m.send(ctx, diff); err != nil {
				m.mu.Lock()
				for _, key := range diff {
					delete(m.pending, key)
				}
				m.flying = false
				m.rerun = false
				m.mu.Unlock()
				return err
			}
		}

		m.mu.Lock()
		if !m.rerun {
			m.flying = false
			m.mu.Unlock()
			return nil
		}
		m.rerun = false
		m.mu.Unlock()
	}
}

// Confirm moves venue-acknowledged keys from pending to active. Keys no
// longer desired are dropped instead.
func (m *SubscriptionManager) Confirm(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if _, ok := m.pending[key]; !ok {
			continue
		}
		delete(m.pending, key)
		if _, ok := m.desired[key]; ok {
			m.active[key] = struct{}{}
		}
	}
}

// Fail returns nacked keys from pending to the desired backlog; the next
// flush retries them.
func (m *SubscriptionManager) Fail(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.pending, key)
	}
}

// Reset collapses pending and active back into desired, used on reconnect:
// the new connection has confirmed nothing.
func (m *SubscriptionManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[string]struct{})
	m.active = make(map[string]struct{})
}

// Snapshot returns sorted copies of the three sets.
func (m *SubscriptionManager) Snapshot() (desired, pending, active []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.desired), sortedKeys(m.pending), sortedKeys(m.active)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
