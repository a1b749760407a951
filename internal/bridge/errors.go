package bridge

import (
	"errors"
	"fmt"

	"github.com/opsbridge/ticketbridge/internal/sequencer"
)

var (
	// ErrTicketBusy means a sync for the ticket is already in flight.
	ErrTicketBusy = errors.New("ticket sync already in flight")
	// ErrNotLinked means the ticket has no cloud case link.
	ErrNotLinked = errors.New("ticket not linked to a cloud case")
	// ErrAlreadyLinked rejects a duplicate escalation or adoption.
	ErrAlreadyLinked = errors.New("ticket already linked to a cloud case")
	// ErrSyncDisabled means the global sync switch is off.
	ErrSyncDisabled = errors.New("synchronization is disabled")
)

// ReplayError is a failed item in the ordered replay. It aborts the rest of
// the cycle so the destination never goes out of sequence.
type ReplayError struct {
	Kind   sequencer.ItemKind
	ItemID string
	// Remaining counts the items that were skipped because of the abort.
	Remaining int
	Err       error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s %s failed (%d items skipped): %v", e.Kind, e.ItemID, e.Remaining, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}
