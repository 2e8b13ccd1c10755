package emit

import (
	"sync"
)

// BufferedEmitter collects events in memory. Tests use it to assert on the
// exact event sequence a run produced; it can also front a slow backend,
// with Drain called from a background flusher.
type BufferedEmitter struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewBufferedEmitter creates a buffer. limit <= 0 means unbounded; when a
// bounded buffer is full the oldest event is dropped.
func NewBufferedEmitter(limit int) *BufferedEmitter {
	return &BufferedEmitter{limit: limit}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && len(b.events) >= b.limit {
		b.events = b.events[1:]
	}
	b.events = append(b.events, event)
}

// Events returns a snapshot of the buffered events.
func (b *BufferedEmitter) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Drain returns the buffered events and empties the buffer.
func (b *BufferedEmitter) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

// Len reports the number of buffered events.
func (b *BufferedEmitter) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Messages returns just the Msg field of each buffered event, in order.
// Convenient for sequence assertions.
func (b *BufferedEmitter) Messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Msg
	}
	return out
}
