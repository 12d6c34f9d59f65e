package logging

import (
	"sync"
	"time"
)

// Event is one log record retained for display.
type Event struct {
	Timestamp time.Time         `json:"timestamp" yaml:"timestamp"`
	Level     string            `json:"level" yaml:"level"`
	Source    string            `json:"source" yaml:"source"`
	Message   string            `json:"message" yaml:"message"`
	Extra     map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// RingBuffer is a thread-safe circular buffer of events.
type RingBuffer struct {
	entries []Event
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{
		entries: make([]Event, size),
		size:    size,
	}
}

// Add adds an entry to the ring buffer, evicting the oldest when full.
func (rb *RingBuffer) Add(entry Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
}

// GetLast returns the last n entries in chronological order.
func (rb *RingBuffer) GetLast(n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return []Event{}
	}

	result := make([]Event, n)
	start := (rb.head - n + rb.size) % rb.size
	for i := 0; i < n; i++ {
		result[i] = rb.entries[(start+i)%rb.size]
	}
	return result
}

// Count returns the number of entries in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

const eventBufferSize = 200

var (
	events     *RingBuffer
	eventsOnce sync.Once
)

// Events returns the process-wide recent-events buffer.
func Events() *RingBuffer {
	eventsOnce.Do(func() {
		events = NewRingBuffer(eventBufferSize)
	})
	return events
}
