// Package events provides the in-process event bus that fans out session
// status transitions to UI, CLI and observability consumers.
package events

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/metrics"
)

// StatusEvent is the immutable record of one session state transition.
type StatusEvent struct {
	SessionID string              `json:"session_id"`
	ServerID  string              `json:"server_id,omitempty"`
	From      common.SessionState `json:"from"`
	To        common.SessionState `json:"to"`
	Timestamp time.Time           `json:"timestamp"`
	Reason    string              `json:"reason,omitempty"`
	Attempt   int                 `json:"attempt,omitempty"`
}

// Publisher is the write side of the bus consumed by the session machine.
type Publisher interface {
	Publish(ev StatusEvent)
}

const dropLogEvery = 100

// Bus is an in-memory pub/sub with one bounded queue per subscriber.
// Publish never blocks: a full queue drops its oldest event.
type Bus struct {
	pubMu     sync.Mutex // serializes publishers so every subscriber sees one order
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	queueSize int
	dropped   atomic.Uint64
	closed    bool
	logger    zerolog.Logger
}

// NewBus creates a bus whose subscribers buffer up to queueSize events.
func NewBus(queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = common.DefaultEventQueueSize
	}
	return &Bus{
		subs:      make(map[*Subscription]struct{}),
		queueSize: queueSize,
		logger:    common.WithComponent("events"),
	}
}

// Publish delivers ev to every current subscriber.
func (b *Bus) Publish(ev StatusEvent) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		if sub.offer(ev) {
			continue
		}
		total := b.dropped.Add(1)
		metrics.IncEventDrop()
		if total%dropLogEvery == 1 {
			b.logger.Warn().
				Uint64("dropped", total).
				Str("session_id", ev.SessionID).
				Msg("event subscriber queue full, dropping oldest event")
		}
	}
}

// Subscribe registers a new subscriber. Only events published after the
// call are delivered; there is no replay.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus: b,
		ch:  make(chan StatusEvent, b.queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Dropped returns the number of events dropped across all subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.closed = true
		close(sub.ch)
	}
	b.subs = nil
}

func (b *Bus) remove(sub *Subscription) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.ch)
}

// Subscription is one consumer's bounded view of the bus.
type Subscription struct {
	bus     *Bus
	ch      chan StatusEvent
	dropped atomic.Uint64
	closed  bool // guarded by bus.mu
}

// offer enqueues ev, evicting the oldest queued event when full.
// Callers hold bus.pubMu, so only the consumer races with us and it only
// ever makes room. Returns false when an event was dropped.
func (s *Subscription) offer(ev StatusEvent) bool {
	select {
	case s.ch <- ev:
		return true
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	s.dropped.Add(1)

	select {
	case s.ch <- ev:
	default:
		// The consumer cannot fill the queue, so this is unreachable in practice.
		s.dropped.Add(1)
	}
	return false
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan StatusEvent {
	return s.ch
}

// All returns a lazy sequence of events that ends when ctx is done or the
// subscription is closed.
func (s *Subscription) All(ctx context.Context) iter.Seq[StatusEvent] {
	return func(yield func(StatusEvent) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-s.ch:
				if !ok || !yield(ev) {
					return
				}
			}
		}
	}
}

// Dropped returns how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
}
