// Package bridge is the synchronization core: the coordinator that hands out
// per-ticket sync leases, the executors that drive them, and the engine that
// runs one sync cycle end to end.
package bridge

import "time"

type TriggerKind int

const (
	TriggerAuto TriggerKind = iota
	TriggerManual
	TriggerSchedule
	TriggerInstant
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerAuto:
		return "auto"
	case TriggerManual:
		return "manual"
	case TriggerSchedule:
		return "schedule"
	case TriggerInstant:
		return "instant"
	default:
		return "unknown"
	}
}

type SyncRequest struct {
	TicketID      string
	Trigger       TriggerKind
	CorrelationID string
	RequestedAt   time.Time
}

// TicketLink binds one helpdesk ticket to one cloud case.
type TicketLink struct {
	TicketID        string    `json:"ticket_id"`
	CaseID          string    `json:"case_id"`
	AccountID       string    `json:"account_id,omitempty"`
	ReporterEmail   string    `json:"reporter_email"`
	OpeningUpdateID string    `json:"opening_update_id"`
	LinkedAt        time.Time `json:"linked_at"`
}

// TicketMetadata is the per-ticket monitoring record: the link plus the
// activity watermarks the scanners compare against.
type TicketMetadata struct {
	Link            TicketLink `json:"link"`
	LastCloudUpdate time.Time  `json:"last_cloud_update,omitempty"`
	LastCloudFile   time.Time  `json:"last_cloud_file,omitempty"`
	LastSyncedAt    time.Time  `json:"last_synced_at,omitempty"`
	Monitored       bool       `json:"monitored"`
}
