// Package httpapi is the bridge's intake and status surface: manual sync
// triggers, the helpdesk webhook, the status report, and the websocket event
// feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/opsbridge/ticketbridge/internal/bridge"
	"github.com/opsbridge/ticketbridge/internal/credcache"
	"github.com/opsbridge/ticketbridge/internal/ratelimit"
)

// SyncService is the trigger surface the API exposes. Satisfied by the
// bridge runner.
type SyncService interface {
	RequestSync(ticketID string, trigger bridge.TriggerKind) error
	TriggerInstant(ticketID string) error
	Enabled() bool
}

// Escalator creates the cloud case for a helpdesk ticket. Satisfied by the
// bridge engine.
type Escalator interface {
	EscalateTicket(ctx context.Context, ticketID string) (bridge.TicketLink, error)
}

// StatusSnapshot is the GET /v1/status payload.
type StatusSnapshot struct {
	Enabled          bool               `json:"enabled"`
	Rate             ratelimit.Snapshot `json:"rate"`
	Cache            credcache.Snapshot `json:"credential_cache"`
	QueueExternal    int                `json:"queue_external"`
	QueueScheduled   int                `json:"queue_scheduled"`
	ActiveSyncs      int                `json:"active_syncs"`
	MonitoredTickets int                `json:"monitored_tickets"`
	LastSyncedAt     time.Time          `json:"last_synced_at"`
	Now              time.Time          `json:"now"`
}

type StatusFunc func() StatusSnapshot

type Options struct {
	Sync      SyncService
	Escalator Escalator
	Events    *bridge.Bus
	Status    StatusFunc
	Logger    *slog.Logger

	// Token authenticates every /v1 route.
	Token        string
	MaxBodyBytes int64
}

type Server struct {
	sync          SyncService
	escalator     Escalator
	events        *bridge.Bus
	status        StatusFunc
	logger        *slog.Logger
	token         string
	maxBodyBytes  int64
	webhookSchema *jsonschema.Schema
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Server{
		sync:          opts.Sync,
		escalator:     opts.Escalator,
		events:        opts.Events,
		status:        opts.Status,
		logger:        logger,
		token:         opts.Token,
		maxBodyBytes:  maxBody,
		webhookSchema: mustWebhookSchema(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID(r))
		return
	}

	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)
	case r.URL.Path == "/v1/webhooks/helpdesk" && r.Method == http.MethodPost:
		s.handleWebhook(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/sync/") && r.Method == http.MethodPost:
		s.handleManualSync(w, r, strings.TrimPrefix(r.URL.Path, "/v1/sync/"))
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID(r))
	}
}

func (s *Server) handleManualSync(w http.ResponseWriter, r *http.Request, ticketID string) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" || strings.Contains(ticketID, "/") {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid ticket id", correlationID(r))
		return
	}
	if err := s.sync.RequestSync(ticketID, bridge.TriggerManual); err != nil {
		if errors.Is(err, bridge.ErrSyncDisabled) {
			writeError(w, http.StatusServiceUnavailable, "sync_disabled", "synchronization is disabled", correlationID(r))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID(r))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ticket_id": ticketID, "queued": true})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes+1))
	if err != nil || int64(len(payload)) > s.maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "webhook payload too large", correlationID(r))
		return
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "webhook payload is not valid JSON", correlationID(r))
		return
	}
	if err := s.webhookSchema.Validate(doc); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "schema_violation", err.Error(), correlationID(r))
		return
	}

	var hook struct {
		Event  string `json:"event"`
		Ticket struct {
			ID string `json:"id"`
		} `json:"ticket"`
	}
	if err := json.Unmarshal(payload, &hook); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error(), correlationID(r))
		return
	}

	switch hook.Event {
	case "ticket.escalated":
		link, err := s.escalator.EscalateTicket(r.Context(), hook.Ticket.ID)
		if err != nil {
			if errors.Is(err, bridge.ErrAlreadyLinked) {
				writeJSON(w, http.StatusOK, map[string]any{"ticket_id": hook.Ticket.ID, "already_linked": true})
				return
			}
			writeError(w, http.StatusBadGateway, "escalation_failed", err.Error(), correlationID(r))
			return
		}
		if err := s.sync.TriggerInstant(hook.Ticket.ID); err != nil && !errors.Is(err, bridge.ErrTicketBusy) {
			s.logger.Warn("instant sync after escalation not started", "ticket", hook.Ticket.ID, "error", err)
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ticket_id": hook.Ticket.ID, "case_id": link.CaseID})

	case "ticket.updated":
		if err := s.sync.RequestSync(hook.Ticket.ID, bridge.TriggerAuto); err != nil {
			if errors.Is(err, bridge.ErrSyncDisabled) {
				writeError(w, http.StatusServiceUnavailable, "sync_disabled", "synchronization is disabled", correlationID(r))
				return
			}
			writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID(r))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ticket_id": hook.Ticket.ID, "queued": true})

	default:
		// Schema limits events; keep a fallback for forward drift.
		writeJSON(w, http.StatusOK, map[string]any{"ignored": hook.Event})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// handleEvents streams bridge events over a websocket until the client goes
// away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func correlationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
