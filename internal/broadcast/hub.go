// Package broadcast pushes stock availability changes to subscribers. The
// in-process Hub feeds the WebSocket and SSE transports; KafkaSink exports
// the same events to a topic.
package broadcast

import (
	"sync"

	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/efreitasn/stockreserve/internal/metrics"
)

// Publisher receives stock events. Implementations must not block.
type Publisher interface {
	Publish(event domain.StockEvent)
}

// Broadcaster is a Publisher that consumers can subscribe to.
type Broadcaster interface {
	Publisher
	Subscribe(key domain.StockKey) *Subscription
}

// Subscription is one consumer's view of a key's events.
type Subscription struct {
	key  domain.StockKey
	ch   chan domain.StockEvent
	hub  *Hub
	once sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan domain.StockEvent {
	return s.ch
}

// Key returns the subscribed stock key.
func (s *Subscription) Key() domain.StockKey {
	return s.key
}

// Close detaches the subscription from the hub. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub fans events out to per-key subscriber sets. Delivery is at most once:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[domain.StockKey]map[*Subscription]struct{}
	closed  bool
	buffer  int
	metrics *metrics.Metrics
}

// NewHub creates a Hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int, m *metrics.Metrics) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		subs:    make(map[domain.StockKey]map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: m,
	}
}

// Subscribe registers interest in key. After Close it returns a
// subscription whose channel is already closed.
func (h *Hub) Subscribe(key domain.StockKey) *Subscription {
	s := &Subscription{
		key: key,
		ch:  make(chan domain.StockEvent, h.buffer),
		hub: h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s
	}
	set := h.subs[key]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.subs[key] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	h.metrics.SubscriberAdded()
	return s
}

// Publish delivers event to every subscriber of its key without blocking.
func (h *Hub) Publish(event domain.StockEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs[event.Key] {
		select {
		case s.ch <- event:
		default:
			h.metrics.EventDropped("hub")
		}
	}
}

// SubscriberCount returns the number of open subscriptions for key.
func (h *Hub) SubscriberCount(key domain.StockKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

// Close ends every open subscription, which lets long-lived streams return
// during shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for s := range set {
			close(s.ch)
			h.metrics.SubscriberRemoved()
		}
	}
	h.subs = make(map[domain.StockKey]map[*Subscription]struct{})
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[s.key]
	if _, ok := set[s]; !ok {
		// Already closed by Close, or never registered.
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.key)
	}
	// Closed under the write lock so Publish never sends on a closed channel.
	close(s.ch)
	h.metrics.SubscriberRemoved()
}
