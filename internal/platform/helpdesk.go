// Package platform defines the clients the bridge talks to: the helpdesk
// (customer-facing support platform), the cloud provider's case API, the
// account broker that maps reporter emails to cloud credentials, and the
// alert sink. Each client is an interface with an HTTP implementation
// beside it; the bridge core depends only on the interfaces.
package platform

import (
	"context"
	"time"
)

// TicketStatus uses the helpdesk's numeric status codes.
type TicketStatus int

const (
	StatusOpen     TicketStatus = 2
	StatusPending  TicketStatus = 3
	StatusResolved TicketStatus = 4
	StatusClosed   TicketStatus = 5
)

func (s TicketStatus) Closed() bool {
	return s == StatusResolved || s == StatusClosed
}

type Ticket struct {
	ID              string       `json:"id"`
	Subject         string       `json:"subject"`
	DescriptionHTML string       `json:"description_html,omitempty"`
	Status          TicketStatus `json:"status"`
	ReporterEmail   string       `json:"reporter_email"`
	CloudAccountID  string       `json:"cloud_account_id,omitempty"`
	CloudCaseID     string       `json:"cloud_case_id,omitempty"`
	Escalated       bool         `json:"escalated"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

type Conversation struct {
	ID          string       `json:"id"`
	BodyHTML    string       `json:"body_html"`
	Private     bool         `json:"private"`
	CreatedAt   time.Time    `json:"created_at"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OutgoingAttachment carries file content for an upload in either direction.
type OutgoingAttachment struct {
	Name string
	Data []byte
}

type TicketUpdate struct {
	Status      TicketStatus
	SolveReason string
	CloudCaseID string
}

type TicketCreate struct {
	Subject         string
	DescriptionHTML string
	ReporterEmail   string
	CloudAccountID  string
	CloudCaseID     string
	Attachments     []OutgoingAttachment
}

// RateInfo is the rate-budget snapshot carried on every helpdesk response.
// Fields mirror the helpdesk's X-Ratelimit-* and Retry-After headers; a
// negative value means the header was absent.
type RateInfo struct {
	Total      int
	Remaining  int
	Used       int
	RetryAfter time.Duration
	URL        string
}

// RateObserver receives the rate headers of every helpdesk response.
type RateObserver interface {
	Observe(info RateInfo)
}

// CallGate is consulted before every helpdesk call. A non-nil error rejects
// the call without touching the network.
type CallGate interface {
	Allow() error
}

// HelpdeskClient is the Platform A surface the bridge consumes.
type HelpdeskClient interface {
	GetTicket(ctx context.Context, id string) (Ticket, error)
	UpdateTicket(ctx context.Context, id string, update TicketUpdate) error
	CreateTicket(ctx context.Context, req TicketCreate) (Ticket, error)
	// ListConversations returns one page of the ticket's conversation list
	// in chronological order plus whether more pages remain. Pages start
	// at 1.
	ListConversations(ctx context.Context, id string, page int) ([]Conversation, bool, error)
	CreateReply(ctx context.Context, id, bodyHTML string, attachments []OutgoingAttachment) (Conversation, error)
	CreateNote(ctx context.Context, id, bodyHTML string, private bool) (Conversation, error)
	DownloadAttachment(ctx context.Context, url string) ([]byte, error)
}
