package bridge

import "sync"

type FailureKind string

const (
	FailureCreate FailureKind = "create"
	FailureSync   FailureKind = "sync"
	FailureStatus FailureKind = "status-change"
)

// FailureTracker deduplicates user-visible failure notes. It is not a retry
// counter: it remembers only the last cause per (ticket, kind) and suppresses
// repeats of it.
type FailureTracker struct {
	mu   sync.Mutex
	last map[failureKey]string
}

type failureKey struct {
	ticketID string
	kind     FailureKind
}

func NewFailureTracker() *FailureTracker {
	return &FailureTracker{last: map[failureKey]string{}}
}

// Record stores the cause and reports whether it should be surfaced to the
// user: true on the first occurrence or when the cause changed.
func (t *FailureTracker) Record(ticketID string, kind FailureKind, cause string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := failureKey{ticketID: ticketID, kind: kind}
	if previous, ok := t.last[key]; ok && previous == cause {
		return false
	}
	t.last[key] = cause
	return true
}

// ClearSuccess forgets the record so the next failure is surfaced again.
func (t *FailureTracker) ClearSuccess(ticketID string, kind FailureKind) {
	t.mu.Lock()
	delete(t.last, failureKey{ticketID: ticketID, kind: kind})
	t.mu.Unlock()
}
