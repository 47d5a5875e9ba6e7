package task

import (
	"sync"
	"time"
)

// Event is one task state transition routed through the bus.
type Event struct {
	Key       string    `json:"key"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans task events out to subscribers over Go channels. Safe for
// concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan<- Event
	closed      bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a channel for every event. The caller sizes the
// buffer; events for a full channel are dropped rather than blocking the
// supervisor.
func (b *Bus) Subscribe(ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, ch)
}

// Unsubscribe removes a previously subscribed channel.
func (b *Bus) Unsubscribe(ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.subscribers {
		if c == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every subscriber. No-op after Close.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// drop if subscriber is slow
		}
	}
}

// Close marks the bus as closed. Subscriber channels stay open; closing
// them is the subscriber's job.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
