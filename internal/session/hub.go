package session

import (
	"sync"
	"sync/atomic"

	"appforge/pkg/logx"
	"appforge/pkg/proto"
)

const (
	// SubscriberBufferCap is the per-subscriber send queue capacity.
	SubscriberBufferCap = 128
	// SubscriberHighWater is the queue depth at which droppable streaming
	// messages stop being enqueued for that subscriber. The headroom between
	// high water and capacity is reserved for lifecycle messages.
	SubscriberHighWater = 64
)

// Subscriber is one attached client stream. Messages are delivered through a
// buffered channel; a slow reader loses streaming chunks, never lifecycle
// events.
type Subscriber struct {
	id      uint64
	ch      chan proto.Message
	dropped atomic.Int64
}

// Messages is the subscriber's receive stream. It is closed on unsubscribe
// and on agent shutdown.
func (s *Subscriber) Messages() <-chan proto.Message {
	return s.ch
}

// Dropped reports how many droppable messages backpressure discarded.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// hub fans broadcasts out to all subscribers. Safe for concurrent use: the
// agent loop and conversation tasks both publish.
type hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	closed bool
	logger *logx.Logger
}

func newHub(logger *logx.Logger) *hub {
	return &hub{subs: make(map[uint64]*Subscriber), logger: logger}
}

// subscribe attaches a new subscriber. The caller sends the initial state
// snapshot before the subscriber is exposed to broadcasts.
func (h *hub) subscribe(snapshot proto.Message) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{id: h.nextID, ch: make(chan proto.Message, SubscriberBufferCap)}
	if h.closed {
		close(sub.ch)
		return sub
	}
	sub.ch <- snapshot
	h.subs[sub.id] = sub
	return sub
}

func (h *hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(sub.ch)
	}
}

// broadcast enqueues msg for every subscriber. Droppable messages are skipped
// for subscribers above the high-water mark; lifecycle messages use the
// reserved headroom and are only lost if a subscriber has ignored its queue
// entirely.
func (h *hub) broadcast(msg proto.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	droppable := !proto.IsLifecycle(msg.Type)
	for _, sub := range h.subs {
		if droppable && len(sub.ch) >= SubscriberHighWater {
			sub.dropped.Add(1)
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
			h.logger.Warn("subscriber %d queue full, dropping %s", sub.id, msg.Type)
		}
	}
}

func (h *hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
