package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Coordinator owns the intake queues and the per-ticket lock table. A ticket
// id has at most one in-flight sync regardless of which queue it came from;
// dequeue-and-lock happens atomically under one mutex.
type Coordinator struct {
	mu sync.Mutex

	// external is keyed and insertion-ordered: one entry per ticket, repeat
	// requests are no-ops.
	externalOrder []string
	external      map[string]SyncRequest

	// scheduled is a FIFO with one entry per ticket.
	scheduledOrder []string
	scheduled      map[string]struct{}

	active map[string]*Lease

	now func() time.Time
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		external:  map[string]SyncRequest{},
		scheduled: map[string]struct{}{},
		active:    map[string]*Lease{},
		now:       time.Now,
	}
}

// Lease is one acquired per-ticket sync slot. Ctx is cancelled by StopOne or
// StopAll; Release must be called when the sync finishes, whatever the
// outcome.
type Lease struct {
	Request SyncRequest
	Ctx     context.Context

	coord  *Coordinator
	cancel context.CancelFunc
	done   chan struct{}
}

// Release removes the ticket from both intake queues and frees its lock
// entry, making it eligible for a fresh acquisition.
func (l *Lease) Release() {
	c := l.coord
	c.mu.Lock()
	c.removeExternalLocked(l.Request.TicketID)
	c.removeScheduledLocked(l.Request.TicketID)
	delete(c.active, l.Request.TicketID)
	c.mu.Unlock()
	l.cancel()
	close(l.done)
}

// RequestExternal queues an auto or manual trigger. A ticket already queued
// keeps its original slot and trigger.
func (c *Coordinator) RequestExternal(ticketID string, trigger TriggerKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.external[ticketID]; ok {
		return
	}
	c.external[ticketID] = SyncRequest{
		TicketID:      ticketID,
		Trigger:       trigger,
		CorrelationID: uuid.NewString(),
		RequestedAt:   c.now(),
	}
	c.externalOrder = append(c.externalOrder, ticketID)
}

// RequestScheduled appends the ticket to the scheduled FIFO unless already
// queued there.
func (c *Coordinator) RequestScheduled(ticketID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.scheduled[ticketID]; ok {
		return
	}
	c.scheduled[ticketID] = struct{}{}
	c.scheduledOrder = append(c.scheduledOrder, ticketID)
}

// NextExternal scans the external queue in insertion order and returns the
// first ticket whose lock it could take. Tickets scanned before it that were
// locked are dropped from the queue entirely; the next external trigger or
// the schedule picks them up again.
func (c *Coordinator) NextExternal(parent context.Context) (*Lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.externalOrder) > 0 {
		ticketID := c.externalOrder[0]
		c.externalOrder = c.externalOrder[1:]
		request, ok := c.external[ticketID]
		if !ok {
			continue
		}
		delete(c.external, ticketID)
		if _, busy := c.active[ticketID]; busy {
			continue
		}
		return c.acquireLocked(parent, request), true
	}
	return nil, false
}

// NextScheduled polls the FIFO, discarding locked ids, until a lock succeeds
// or the queue is empty.
func (c *Coordinator) NextScheduled(parent context.Context) (*Lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.scheduledOrder) > 0 {
		ticketID := c.scheduledOrder[0]
		c.scheduledOrder = c.scheduledOrder[1:]
		if _, ok := c.scheduled[ticketID]; !ok {
			continue
		}
		delete(c.scheduled, ticketID)
		if _, busy := c.active[ticketID]; busy {
			continue
		}
		return c.acquireLocked(parent, SyncRequest{
			TicketID:      ticketID,
			Trigger:       TriggerSchedule,
			CorrelationID: uuid.NewString(),
			RequestedAt:   c.now(),
		}), true
	}
	return nil, false
}

// TryInstant acquires the ticket's lock immediately, bypassing the queues.
// Returns ErrTicketBusy when a sync is already in flight.
func (c *Coordinator) TryInstant(parent context.Context, ticketID string) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[ticketID]; busy {
		return nil, ErrTicketBusy
	}
	return c.acquireLocked(parent, SyncRequest{
		TicketID:      ticketID,
		Trigger:       TriggerInstant,
		CorrelationID: uuid.NewString(),
		RequestedAt:   c.now(),
	}), nil
}

func (c *Coordinator) acquireLocked(parent context.Context, request SyncRequest) *Lease {
	ctx, cancel := context.WithCancel(parent)
	lease := &Lease{
		Request: request,
		Ctx:     ctx,
		coord:   c,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.active[request.TicketID] = lease
	return lease
}

// StopOne cancels the active sync for one ticket, if any. It does not wait.
func (c *Coordinator) StopOne(ticketID string) {
	c.mu.Lock()
	lease, ok := c.active[ticketID]
	c.mu.Unlock()
	if ok {
		lease.cancel()
	}
}

// StopAll cancels every active sync and blocks until each has released its
// lease, providing the shutdown drain barrier.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	leases := make([]*Lease, 0, len(c.active))
	for _, lease := range c.active {
		leases = append(leases, lease)
	}
	c.mu.Unlock()
	for _, lease := range leases {
		lease.cancel()
	}
	for _, lease := range leases {
		<-lease.done
	}
}

// Depths reports queue and lock-table sizes for the status surface.
func (c *Coordinator) Depths() (external, scheduled, active int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.external), len(c.scheduled), len(c.active)
}

func (c *Coordinator) removeExternalLocked(ticketID string) {
	delete(c.external, ticketID)
}

func (c *Coordinator) removeScheduledLocked(ticketID string) {
	delete(c.scheduled, ticketID)
}
