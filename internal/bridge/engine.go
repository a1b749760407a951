package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opsbridge/ticketbridge/internal/platform"
	"github.com/opsbridge/ticketbridge/internal/sequencer"
)

// CredentialResolver finds the cloud credential for a reporter. Satisfied by
// the credential cache.
type CredentialResolver interface {
	Resolve(ctx context.Context, email, accountID string) (platform.Credential, error)
}

type EngineOptions struct {
	Helpdesk     platform.HelpdeskClient
	CloudFactory platform.CloudClientFactory
	Credentials  CredentialResolver
	Store        *Store
	Failures     *FailureTracker
	Alerts       platform.AlertSink
	Events       *Bus
	Logger       *slog.Logger

	MaxEntryBytes    int
	MaxConversations int
}

// Engine runs one sync cycle for one ticket, plus the two link-creating
// operations (escalation and adoption). Callers hold the ticket's lease; the
// engine itself does no locking.
type Engine struct {
	helpdesk platform.HelpdeskClient
	factory  platform.CloudClientFactory
	creds    CredentialResolver
	store    *Store
	failures *FailureTracker
	alerts   platform.AlertSink
	events   *Bus
	logger   *slog.Logger

	maxEntryBytes    int
	maxConversations int
}

func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxEntry := opts.MaxEntryBytes
	if maxEntry <= 0 {
		maxEntry = sequencer.DefaultMaxEntryBytes
	}
	maxConversations := opts.MaxConversations
	if maxConversations <= 0 {
		maxConversations = 200
	}
	events := opts.Events
	if events == nil {
		events = NewBus()
	}
	failures := opts.Failures
	if failures == nil {
		failures = NewFailureTracker()
	}
	return &Engine{
		helpdesk:         opts.Helpdesk,
		factory:          opts.CloudFactory,
		creds:            opts.Credentials,
		store:            opts.Store,
		failures:         failures,
		alerts:           opts.Alerts,
		events:           events,
		logger:           logger,
		maxEntryBytes:    maxEntry,
		maxConversations: maxConversations,
	}
}

// SyncTicket runs one full cycle for a linked ticket: scan both sides, build
// the replay plan, replay it strictly in order, then reconcile status.
func (e *Engine) SyncTicket(ctx context.Context, request SyncRequest) error {
	ticketID := request.TicketID
	logger := e.logger.With("ticket", ticketID, "trigger", request.Trigger.String(), "correlation", request.CorrelationID)

	meta, ok := e.store.Get(ticketID)
	if !ok {
		return ErrNotLinked
	}
	e.events.Publish(Event{Type: EventSyncStarted, TicketID: ticketID, CaseID: meta.Link.CaseID,
		Trigger: request.Trigger.String(), CorrelationID: request.CorrelationID})

	err := e.syncCycle(ctx, logger, meta)
	if err != nil {
		e.reportFailure(ctx, logger, ticketID, FailureSync, err)
		e.events.Publish(Event{Type: EventSyncFailed, TicketID: ticketID, CaseID: meta.Link.CaseID,
			CorrelationID: request.CorrelationID, Detail: err.Error()})
		return err
	}
	e.failures.ClearSuccess(ticketID, FailureSync)
	e.events.Publish(Event{Type: EventSyncCompleted, TicketID: ticketID, CaseID: meta.Link.CaseID,
		CorrelationID: request.CorrelationID})
	return nil
}

func (e *Engine) syncCycle(ctx context.Context, logger *slog.Logger, meta TicketMetadata) error {
	ticketID := meta.Link.TicketID
	caseID := meta.Link.CaseID

	cred, err := e.creds.Resolve(ctx, meta.Link.ReporterEmail, meta.Link.AccountID)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}
	cloud := e.factory.ClientFor(cred)

	updates, err := cloud.GetUpdates(ctx, caseID)
	if err != nil {
		return fmt.Errorf("list case updates: %w", err)
	}
	files, err := cloud.GetAttachedFiles(ctx, caseID)
	if err != nil {
		return fmt.Errorf("list case files: %w", err)
	}

	builder := sequencer.NewBuilder(updates, files, meta.Link.OpeningUpdateID, e.maxConversations)
	if err := e.pageConversations(ctx, ticketID, builder); err != nil {
		return err
	}
	plan := builder.Build()
	logger.Debug("replay plan built", "items", len(plan.Items), "limited", plan.Limited)

	for i, item := range plan.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.replayItem(ctx, cloud, meta, item); err != nil {
			return &ReplayError{Kind: item.Kind, ItemID: itemID(item), Remaining: len(plan.Items) - i - 1, Err: err}
		}
	}

	if plan.Limited {
		e.handleConversationLimit(ctx, logger, ticketID, builder.NoticeSeen())
		return nil
	}

	meta.LastCloudUpdate = latestUpdateTime(updates)
	meta.LastCloudFile = latestFileTime(files)
	meta.LastSyncedAt = time.Now()
	e.store.Put(meta)

	if err := e.reconcileStatus(ctx, logger, cloud, meta, updates); err != nil {
		e.reportFailure(ctx, logger, ticketID, FailureStatus, err)
	} else {
		e.failures.ClearSuccess(ticketID, FailureStatus)
	}
	return nil
}

func (e *Engine) pageConversations(ctx context.Context, ticketID string, builder *sequencer.Builder) error {
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		conversations, more, err := e.helpdesk.ListConversations(ctx, ticketID, page)
		if err != nil {
			return fmt.Errorf("list conversations page %d: %w", page, err)
		}
		for _, conv := range conversations {
			if !builder.AddConversation(conv) {
				return nil
			}
		}
		if !more {
			return nil
		}
	}
}

func (e *Engine) replayItem(ctx context.Context, cloud platform.CloudClient, meta TicketMetadata, item sequencer.Item) error {
	switch item.Kind {
	case sequencer.KindHelpdeskConversation:
		return e.replayConversation(ctx, cloud, meta.Link.CaseID, item.Conversation)
	case sequencer.KindCloudUpdate:
		return e.replayUpdate(ctx, meta.Link.TicketID, item.Update)
	case sequencer.KindCloudFile:
		return e.replayFile(ctx, cloud, meta.Link, item.File)
	default:
		return fmt.Errorf("unknown item kind %d", item.Kind)
	}
}

// replayConversation mirrors one helpdesk conversation onto the case as
// tagged updates, then uploads its attachments with the replication marker.
// Attachment failures are collected so the other attachments of the same
// conversation still land, then surfaced as one aggregate error.
func (e *Engine) replayConversation(ctx context.Context, cloud platform.CloudClient, caseID string, conv platform.Conversation) error {
	tag := sequencer.FormatTag(sequencer.OriginHelpdesk, conv.ID, conv.CreatedAt)
	text := sequencer.HTMLToText(conv.BodyHTML)
	for _, chunk := range sequencer.Chunks(text, sequencer.CloudLinefeed, tag, e.maxEntryBytes) {
		if _, err := cloud.AddUpdate(ctx, caseID, chunk); err != nil {
			return fmt.Errorf("add case update: %w", err)
		}
	}

	var failed []string
	for _, att := range conv.Attachments {
		data, err := e.helpdesk.DownloadAttachment(ctx, att.URL)
		if err == nil {
			_, err = cloud.AddAttachment(ctx, caseID, platform.OutgoingAttachment{
				Name: sequencer.MarkFromHelpdesk(att.Name),
				Data: data,
			})
		}
		if err != nil {
			e.logger.Warn("attachment replication failed", "case", caseID, "file", att.Name, "error", err)
			failed = append(failed, fmt.Sprintf("%s: %v", att.Name, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("replicate attachments: %s", strings.Join(failed, "; "))
	}
	return nil
}

func (e *Engine) replayUpdate(ctx context.Context, ticketID string, update platform.CaseUpdate) error {
	tag := sequencer.FormatTag(sequencer.OriginCloud, update.ID, update.CreatedAt)
	bodyHTML := sequencer.TextToHTML(update.Entry)
	for _, chunk := range sequencer.Chunks(bodyHTML, sequencer.HelpdeskLinefeed, tag, e.maxEntryBytes) {
		if _, err := e.helpdesk.CreateReply(ctx, ticketID, chunk, nil); err != nil {
			return fmt.Errorf("create reply: %w", err)
		}
	}
	return nil
}

// replayFile downloads one cloud attachment and posts it as a helpdesk reply
// whose body embeds the file metadata parsed back for dedup on later cycles.
func (e *Engine) replayFile(ctx context.Context, cloud platform.CloudClient, link TicketLink, file platform.CaseFile) error {
	data, err := cloud.DownloadFile(ctx, link.CaseID, file.ID)
	if err != nil {
		return fmt.Errorf("download case file %s: %w", file.ID, err)
	}
	body := sequencer.TagBody(sequencer.FileNoticeBody(file), sequencer.HelpdeskLinefeed,
		sequencer.FormatTag(sequencer.OriginCloud, file.ID, file.CreatedAt))
	_, err = e.helpdesk.CreateReply(ctx, link.TicketID, body, []platform.OutgoingAttachment{{Name: file.Name, Data: data}})
	if err != nil {
		return fmt.Errorf("post file reply: %w", err)
	}
	return nil
}

// handleConversationLimit posts the one-time backpressure notice and takes
// the ticket out of monitoring.
func (e *Engine) handleConversationLimit(ctx context.Context, logger *slog.Logger, ticketID string, noticeSeen bool) {
	if !noticeSeen {
		body := sequencer.TagBody(
			"This ticket has grown past the conversation limit for automatic replication. "+
				"Further updates will not be mirrored; please continue on one platform.",
			sequencer.HelpdeskLinefeed,
			sequencer.FormatTag(sequencer.OriginNotice, "", time.Now()))
		if _, err := e.helpdesk.CreateNote(ctx, ticketID, body, false); err != nil {
			logger.Error("conversation-limit notice failed", "error", err)
			return
		}
	}
	e.store.Unmonitor(ticketID)
	e.events.Publish(Event{Type: EventUnmonitored, TicketID: ticketID, Detail: "conversation limit reached"})
	logger.Info("ticket left monitoring at conversation limit")
}

// reconcileStatus closes whichever side lags the other. Cloud closure wins:
// its closing remark is copied onto the helpdesk ticket.
func (e *Engine) reconcileStatus(ctx context.Context, logger *slog.Logger, cloud platform.CloudClient, meta TicketMetadata, updates []platform.CaseUpdate) error {
	caseStatus, err := cloud.GetStatus(ctx, meta.Link.CaseID)
	if err != nil {
		return fmt.Errorf("get case status: %w", err)
	}
	ticket, err := e.helpdesk.GetTicket(ctx, meta.Link.TicketID)
	if err != nil {
		return fmt.Errorf("get ticket: %w", err)
	}

	switch {
	case caseStatus.Closed() && !ticket.Status.Closed():
		update := platform.TicketUpdate{Status: platform.StatusResolved, SolveReason: closingRemark(updates)}
		if err := e.helpdesk.UpdateTicket(ctx, meta.Link.TicketID, update); err != nil {
			return fmt.Errorf("close ticket: %w", err)
		}
		e.store.Unmonitor(meta.Link.TicketID)
		e.events.Publish(Event{Type: EventUnmonitored, TicketID: meta.Link.TicketID, Detail: "case closed"})
		logger.Info("ticket closed after case closure")

	case !caseStatus.Closed() && ticket.Status.Closed() && ticket.UpdatedAt.After(latestUpdateTime(updates)):
		if err := cloud.CloseCase(ctx, meta.Link.CaseID, "resolved on the helpdesk"); err != nil {
			return fmt.Errorf("close case: %w", err)
		}
		e.store.Unmonitor(meta.Link.TicketID)
		e.events.Publish(Event{Type: EventUnmonitored, TicketID: meta.Link.TicketID, Detail: "ticket closed"})
		logger.Info("case closure requested after ticket closure")
	}
	return nil
}

// EscalateTicket creates the cloud case for a helpdesk ticket and records
// the link. The case body carries the helpdesk-origin tag so later cycles
// never re-create it.
func (e *Engine) EscalateTicket(ctx context.Context, ticketID string) (TicketLink, error) {
	if _, ok := e.store.Get(ticketID); ok {
		return TicketLink{}, ErrAlreadyLinked
	}
	ticket, err := e.helpdesk.GetTicket(ctx, ticketID)
	if err != nil {
		return TicketLink{}, fmt.Errorf("get ticket: %w", err)
	}
	if ticket.CloudCaseID != "" {
		return TicketLink{}, ErrAlreadyLinked
	}

	link, err := e.escalate(ctx, ticket)
	if err != nil {
		e.reportFailure(ctx, e.logger.With("ticket", ticketID), ticketID, FailureCreate, err)
		return TicketLink{}, err
	}
	e.failures.ClearSuccess(ticketID, FailureCreate)
	e.events.Publish(Event{Type: EventTicketLinked, TicketID: ticketID, CaseID: link.CaseID})
	return link, nil
}

func (e *Engine) escalate(ctx context.Context, ticket platform.Ticket) (TicketLink, error) {
	cred, err := e.creds.Resolve(ctx, ticket.ReporterEmail, ticket.CloudAccountID)
	if err != nil {
		return TicketLink{}, fmt.Errorf("resolve credential: %w", err)
	}
	cloud := e.factory.ClientFor(cred)

	tag := sequencer.FormatTag(sequencer.OriginHelpdesk, ticket.ID, ticket.CreatedAt)
	text := sequencer.HTMLToText(ticket.DescriptionHTML)
	chunks := sequencer.Chunks(text, sequencer.CloudLinefeed, tag, e.maxEntryBytes)

	var outgoing []platform.OutgoingAttachment
	for _, att := range ticket.Attachments {
		data, err := e.helpdesk.DownloadAttachment(ctx, att.URL)
		if err != nil {
			return TicketLink{}, fmt.Errorf("download attachment %s: %w", att.Name, err)
		}
		outgoing = append(outgoing, platform.OutgoingAttachment{
			Name: sequencer.MarkFromHelpdesk(att.Name),
			Data: data,
		})
	}

	created, err := cloud.CreateCase(ctx, platform.CaseCreate{
		Subject: ticket.Subject,
		Body:    chunks[0],
		Files:   outgoing,
	})
	if err != nil {
		return TicketLink{}, fmt.Errorf("create case: %w", err)
	}
	for _, chunk := range chunks[1:] {
		if _, err := cloud.AddUpdate(ctx, created.ID, chunk); err != nil {
			return TicketLink{}, fmt.Errorf("add overflow chunk: %w", err)
		}
	}

	openingID := ""
	if updates, err := cloud.GetUpdates(ctx, created.ID); err == nil && len(updates) > 0 {
		openingID = updates[0].ID
	}

	if err := e.helpdesk.UpdateTicket(ctx, ticket.ID, platform.TicketUpdate{CloudCaseID: created.ID}); err != nil {
		return TicketLink{}, fmt.Errorf("record case id on ticket: %w", err)
	}

	link := TicketLink{
		TicketID:        ticket.ID,
		CaseID:          created.ID,
		AccountID:       ticket.CloudAccountID,
		ReporterEmail:   ticket.ReporterEmail,
		OpeningUpdateID: openingID,
		LinkedAt:        time.Now(),
	}
	e.store.Put(TicketMetadata{Link: link, Monitored: true})
	return link, nil
}

// AdoptCloudCase creates a helpdesk ticket for a case opened natively on the
// cloud side and records the link. The ticket body carries the cloud-origin
// tag, so the opening content is never replayed back.
func (e *Engine) AdoptCloudCase(ctx context.Context, c platform.Case) (string, error) {
	if _, ok := e.store.TicketForCase(c.ID); ok {
		return "", ErrAlreadyLinked
	}
	cred, err := e.creds.Resolve(ctx, c.ReporterEmail, c.AccountID)
	if err != nil {
		return "", fmt.Errorf("resolve credential: %w", err)
	}
	cloud := e.factory.ClientFor(cred)

	updates, err := cloud.GetUpdates(ctx, c.ID)
	if err != nil {
		return "", fmt.Errorf("list case updates: %w", err)
	}
	body := c.Subject
	openingID := ""
	if len(updates) > 0 {
		body = updates[0].Entry
		openingID = updates[0].ID
	}
	bodyHTML := sequencer.TagBody(sequencer.TextToHTML(body), sequencer.HelpdeskLinefeed,
		sequencer.FormatTag(sequencer.OriginCloud, c.ID, c.CreatedAt))

	ticket, err := e.helpdesk.CreateTicket(ctx, platform.TicketCreate{
		Subject:         c.Subject,
		DescriptionHTML: bodyHTML,
		ReporterEmail:   c.ReporterEmail,
		CloudAccountID:  c.AccountID,
		CloudCaseID:     c.ID,
	})
	if err != nil {
		return "", fmt.Errorf("create ticket: %w", err)
	}

	e.store.Put(TicketMetadata{
		Link: TicketLink{
			TicketID:        ticket.ID,
			CaseID:          c.ID,
			AccountID:       c.AccountID,
			ReporterEmail:   c.ReporterEmail,
			OpeningUpdateID: openingID,
			LinkedAt:        time.Now(),
		},
		Monitored: true,
	})
	e.events.Publish(Event{Type: EventTicketAdopted, TicketID: ticket.ID, CaseID: c.ID})
	return ticket.ID, nil
}

// CheckActivity reports whether the case has updates or files newer than the
// ticket's recorded watermarks.
func (e *Engine) CheckActivity(ctx context.Context, meta TicketMetadata) (bool, error) {
	cred, err := e.creds.Resolve(ctx, meta.Link.ReporterEmail, meta.Link.AccountID)
	if err != nil {
		return false, err
	}
	cloud := e.factory.ClientFor(cred)
	updates, err := cloud.GetUpdates(ctx, meta.Link.CaseID)
	if err != nil {
		return false, err
	}
	if latestUpdateTime(updates).After(meta.LastCloudUpdate) {
		return true, nil
	}
	files, err := cloud.GetAttachedFiles(ctx, meta.Link.CaseID)
	if err != nil {
		return false, err
	}
	return latestFileTime(files).After(meta.LastCloudFile), nil
}

// reportFailure posts the deduplicated user-visible failure note and mirrors
// it to the alert sink. Repeats of the same cause stay silent.
func (e *Engine) reportFailure(ctx context.Context, logger *slog.Logger, ticketID string, kind FailureKind, cause error) {
	if errors.Is(cause, context.Canceled) {
		return
	}
	logger.Error("sync failure", "kind", kind, "error", cause)
	if !e.failures.Record(ticketID, kind, cause.Error()) {
		return
	}
	body := fmt.Sprintf("Automatic replication hit a %s failure: %s", kind, cause.Error())
	if _, err := e.helpdesk.CreateNote(ctx, ticketID, body, true); err != nil {
		logger.Error("failure note not delivered", "error", err)
	}
	if e.alerts != nil {
		title := fmt.Sprintf("Ticket %s: %s failure", ticketID, kind)
		if err := e.alerts.Raise(ctx, title, cause.Error(), platform.SeverityMedium); err != nil {
			logger.Error("failure alert not delivered", "error", err)
		}
	}
}

func itemID(item sequencer.Item) string {
	switch item.Kind {
	case sequencer.KindHelpdeskConversation:
		return item.Conversation.ID
	case sequencer.KindCloudUpdate:
		return item.Update.ID
	default:
		return item.File.ID
	}
}

func latestUpdateTime(updates []platform.CaseUpdate) time.Time {
	var latest time.Time
	for _, update := range updates {
		if update.CreatedAt.After(latest) {
			latest = update.CreatedAt
		}
	}
	return latest
}

func latestFileTime(files []platform.CaseFile) time.Time {
	var latest time.Time
	for _, file := range files {
		if file.CreatedAt.After(latest) {
			latest = file.CreatedAt
		}
	}
	return latest
}

func closingRemark(updates []platform.CaseUpdate) string {
	if len(updates) == 0 {
		return "Closed on the cloud platform."
	}
	last := updates[len(updates)-1]
	remark := sequencer.HTMLToText(last.Entry)
	if tag, ok := sequencer.BodyTag(last.Entry, sequencer.CloudLinefeed); ok && tag.Origin != "" {
		remark = strings.TrimSpace(strings.TrimSuffix(remark, sequencer.FormatTag(tag.Origin, tag.ID, tag.At)))
	}
	if remark == "" {
		remark = "Closed on the cloud platform."
	}
	return remark
}
