package worker

import (
	"sync"
	"time"
)

// Event describes one dispatch decision, streamed to the progress
// websocket
type Event struct {
	EnrollmentID uint      `json:"enrollment_id"`
	SequenceID   uint      `json:"sequence_id"`
	StepOrder    int       `json:"step_order"`
	Action       string    `json:"action,omitempty"`
	Status       string    `json:"status"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// EventHub fans dispatch events out to websocket subscribers. Slow
// subscribers drop events instead of blocking the dispatcher.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a receive channel and an unsubscribe func
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// Publish delivers the event to every subscriber without blocking
func (h *EventHub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
