package bridge

import (
	"sync"
	"time"
)

// Event is one bridge occurrence published to the websocket feed.
type Event struct {
	Type          string    `json:"type"`
	TicketID      string    `json:"ticket_id,omitempty"`
	CaseID        string    `json:"case_id,omitempty"`
	Trigger       string    `json:"trigger,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	At            time.Time `json:"at"`
}

const (
	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
	EventTicketLinked  = "ticket.linked"
	EventTicketAdopted = "ticket.adopted"
	EventUnmonitored   = "ticket.unmonitored"
)

// Bus fans events out to subscribers. Delivery is best-effort: a subscriber
// that cannot keep up loses events rather than stalling the publisher.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: map[chan Event]struct{}{}}
}

func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	b.mu.Unlock()
}
