package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsbridge/ticketbridge/internal/platform"
	"github.com/opsbridge/ticketbridge/internal/sequencer"
)

var base = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

// writeLog records every replication write across both fakes so tests can
// assert global ordering.
type writeLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *writeLog) add(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *writeLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fakeHelpdesk struct {
	mu         sync.Mutex
	log        *writeLog
	tickets    map[string]platform.Ticket
	convs      map[string][]platform.Conversation
	attachData map[string][]byte
	seq        int

	replyErrContains string
}

func newFakeHelpdesk(log *writeLog) *fakeHelpdesk {
	return &fakeHelpdesk{
		log:        log,
		tickets:    map[string]platform.Ticket{},
		convs:      map[string][]platform.Conversation{},
		attachData: map[string][]byte{},
	}
}

func (f *fakeHelpdesk) GetTicket(ctx context.Context, id string) (platform.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ticket, ok := f.tickets[id]
	if !ok {
		return platform.Ticket{}, &platform.HTTPError{StatusCode: 404, Message: "no ticket"}
	}
	return ticket, nil
}

func (f *fakeHelpdesk) UpdateTicket(ctx context.Context, id string, update platform.TicketUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ticket := f.tickets[id]
	if update.Status != 0 {
		ticket.Status = update.Status
	}
	if update.CloudCaseID != "" {
		ticket.CloudCaseID = update.CloudCaseID
	}
	f.tickets[id] = ticket
	return nil
}

func (f *fakeHelpdesk) CreateTicket(ctx context.Context, req platform.TicketCreate) (platform.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	ticket := platform.Ticket{
		ID:              fmt.Sprintf("ht-%d", f.seq),
		Subject:         req.Subject,
		DescriptionHTML: req.DescriptionHTML,
		Status:          platform.StatusOpen,
		ReporterEmail:   req.ReporterEmail,
		CloudAccountID:  req.CloudAccountID,
		CloudCaseID:     req.CloudCaseID,
		CreatedAt:       base,
	}
	f.tickets[ticket.ID] = ticket
	return ticket, nil
}

func (f *fakeHelpdesk) ListConversations(ctx context.Context, id string, page int) ([]platform.Conversation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if page != 1 {
		return nil, false, nil
	}
	return append([]platform.Conversation(nil), f.convs[id]...), false, nil
}

func (f *fakeHelpdesk) CreateReply(ctx context.Context, id, bodyHTML string, attachments []platform.OutgoingAttachment) (platform.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErrContains != "" && strings.Contains(bodyHTML, f.replyErrContains) {
		return platform.Conversation{}, errors.New("reply rejected")
	}
	f.seq++
	conv := platform.Conversation{
		ID:        fmt.Sprintf("hr-%d", f.seq),
		BodyHTML:  bodyHTML,
		CreatedAt: base.Add(time.Duration(f.seq) * time.Hour),
	}
	f.convs[id] = append(f.convs[id], conv)
	if tag, ok := sequencer.BodyTag(bodyHTML, sequencer.HelpdeskLinefeed); ok {
		f.log.add("helpdesk<-" + tag.ID)
	} else {
		f.log.add("helpdesk<-untagged")
	}
	return conv, nil
}

func (f *fakeHelpdesk) CreateNote(ctx context.Context, id, bodyHTML string, private bool) (platform.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	conv := platform.Conversation{
		ID:        fmt.Sprintf("hn-%d", f.seq),
		BodyHTML:  bodyHTML,
		Private:   private,
		CreatedAt: base.Add(time.Duration(f.seq) * time.Hour),
	}
	f.convs[id] = append(f.convs[id], conv)
	f.log.add("note")
	return conv, nil
}

func (f *fakeHelpdesk) DownloadAttachment(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.attachData[url]
	if !ok {
		return nil, errors.New("unknown attachment url")
	}
	return data, nil
}

func (f *fakeHelpdesk) notes(id string) []platform.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var notes []platform.Conversation
	for _, conv := range f.convs[id] {
		if strings.HasPrefix(conv.ID, "hn-") {
			notes = append(notes, conv)
		}
	}
	return notes
}

type fakeCloud struct {
	mu       sync.Mutex
	log      *writeLog
	cases    map[string]platform.Case
	updates  map[string][]platform.CaseUpdate
	files    map[string][]platform.CaseFile
	fileData map[string][]byte
	status   map[string]platform.CaseStatus
	seq      int

	updateErrContains string
	attachErr         bool
}

func newFakeCloud(log *writeLog) *fakeCloud {
	return &fakeCloud{
		log:      log,
		cases:    map[string]platform.Case{},
		updates:  map[string][]platform.CaseUpdate{},
		files:    map[string][]platform.CaseFile{},
		fileData: map[string][]byte{},
		status:   map[string]platform.CaseStatus{},
	}
}

func (f *fakeCloud) CreateCase(ctx context.Context, req platform.CaseCreate) (platform.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	c := platform.Case{ID: fmt.Sprintf("cc-%d", f.seq), Subject: req.Subject, Status: platform.CaseOpen, CreatedAt: base}
	f.cases[c.ID] = c
	f.status[c.ID] = platform.CaseOpen
	f.seq++
	f.updates[c.ID] = []platform.CaseUpdate{{ID: fmt.Sprintf("cu-%d", f.seq), Entry: req.Body, CreatedAt: base}}
	for _, file := range req.Files {
		f.seq++
		f.files[c.ID] = append(f.files[c.ID], platform.CaseFile{ID: fmt.Sprintf("cf-%d", f.seq), Name: file.Name, CreatedAt: base})
	}
	f.log.add("cloud<-case")
	return c, nil
}

func (f *fakeCloud) AddUpdate(ctx context.Context, caseID, entry string) (platform.CaseUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErrContains != "" && strings.Contains(entry, f.updateErrContains) {
		return platform.CaseUpdate{}, errors.New("update rejected")
	}
	f.seq++
	update := platform.CaseUpdate{ID: fmt.Sprintf("cu-%d", f.seq), Entry: entry, CreatedAt: base.Add(time.Duration(f.seq) * time.Hour)}
	f.updates[caseID] = append(f.updates[caseID], update)
	if tag, ok := sequencer.BodyTag(entry, sequencer.CloudLinefeed); ok {
		f.log.add("cloud<-" + tag.ID)
	} else {
		f.log.add("cloud<-untagged")
	}
	return update, nil
}

func (f *fakeCloud) AddAttachment(ctx context.Context, caseID string, file platform.OutgoingAttachment) (platform.CaseFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr {
		return platform.CaseFile{}, errors.New("attachment rejected")
	}
	f.seq++
	cf := platform.CaseFile{ID: fmt.Sprintf("cf-%d", f.seq), Name: file.Name, Size: int64(len(file.Data)), CreatedAt: base.Add(time.Duration(f.seq) * time.Hour)}
	f.files[caseID] = append(f.files[caseID], cf)
	f.log.add("cloud<-file:" + file.Name)
	return cf, nil
}

func (f *fakeCloud) GetUpdates(ctx context.Context, caseID string) ([]platform.CaseUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.CaseUpdate(nil), f.updates[caseID]...), nil
}

func (f *fakeCloud) GetAttachedFiles(ctx context.Context, caseID string) ([]platform.CaseFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.CaseFile(nil), f.files[caseID]...), nil
}

func (f *fakeCloud) GetStatus(ctx context.Context, caseID string) (platform.CaseStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[caseID], nil
}

func (f *fakeCloud) CloseCase(ctx context.Context, caseID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[caseID] = platform.CaseClosed
	f.log.add("cloud<-close")
	return nil
}

func (f *fakeCloud) DownloadFile(ctx context.Context, caseID, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.fileData[fileID]
	if !ok {
		return nil, errors.New("unknown file")
	}
	return data, nil
}

func (f *fakeCloud) ListCasesCreatedAfter(ctx context.Context, brandID string, after time.Time) ([]platform.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []platform.Case
	for _, c := range f.cases {
		if c.CreatedAt.After(after) {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeFactory struct {
	cloud *fakeCloud
}

func (f *fakeFactory) ClientFor(cred platform.Credential) platform.CloudClient {
	return f.cloud
}

type staticResolver struct{}

func (staticResolver) Resolve(ctx context.Context, email, accountID string) (platform.Credential, error) {
	return platform.Credential{APIID: "acct", APIKey: "key"}, nil
}

type fakeAlertSink struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeAlertSink) Raise(ctx context.Context, title, description string, severity platform.AlertSeverity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	return nil
}

func (f *fakeAlertSink) raised() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.titles...)
}

type testRig struct {
	engine   *Engine
	helpdesk *fakeHelpdesk
	cloud    *fakeCloud
	store    *Store
	alerts   *fakeAlertSink
	log      *writeLog
}

func newRig(t *testing.T, maxConversations int) *testRig {
	t.Helper()
	log := &writeLog{}
	helpdesk := newFakeHelpdesk(log)
	cloud := newFakeCloud(log)
	store := newFileStore(t, filepath.Join(t.TempDir(), "state.json"))
	alerts := &fakeAlertSink{}
	engine := NewEngine(EngineOptions{
		Helpdesk:         helpdesk,
		CloudFactory:     &fakeFactory{cloud: cloud},
		Credentials:      staticResolver{},
		Store:            store,
		Alerts:           alerts,
		MaxConversations: maxConversations,
	})
	return &testRig{engine: engine, helpdesk: helpdesk, cloud: cloud, store: store, alerts: alerts, log: log}
}

// link seeds one linked, monitored ticket/case pair with an opening update.
func (r *testRig) link(ticketID, caseID string) {
	r.helpdesk.tickets[ticketID] = platform.Ticket{ID: ticketID, Status: platform.StatusOpen, ReporterEmail: "a@example.com", CloudCaseID: caseID, CreatedAt: base}
	r.cloud.status[caseID] = platform.CaseOpen
	r.cloud.updates[caseID] = []platform.CaseUpdate{{ID: "u-open", Entry: "opening body", CreatedAt: base}}
	r.store.Put(TicketMetadata{
		Link:      TicketLink{TicketID: ticketID, CaseID: caseID, ReporterEmail: "a@example.com", OpeningUpdateID: "u-open", LinkedAt: base},
		Monitored: true,
	})
}

func request(ticketID string) SyncRequest {
	return SyncRequest{TicketID: ticketID, Trigger: TriggerManual, CorrelationID: "test"}
}

func TestSyncReplaysBothDirectionsExactlyOnce(t *testing.T) {
	rig := newRig(t, 100)
	rig.link("t1", "c1")

	rig.helpdesk.convs["t1"] = []platform.Conversation{
		{ID: "h1", BodyHTML: "<p>agent reply</p>", CreatedAt: base.Add(time.Minute)},
	}
	rig.cloud.updates["c1"] = append(rig.cloud.updates["c1"],
		platform.CaseUpdate{ID: "u1", Entry: "cloud engineer reply", CreatedAt: base.Add(2 * time.Minute)})
	rig.cloud.files["c1"] = []platform.CaseFile{{ID: "f1", Name: "trace.log", Size: 3, CreatedAt: base.Add(3 * time.Minute)}}
	rig.cloud.fileData["f1"] = []byte("abc")

	if err := rig.engine.SyncTicket(context.Background(), request("t1")); err != nil {
		t.Fatalf("SyncTicket: %v", err)
	}

	want := []string{"cloud<-h1", "helpdesk<-u1", "helpdesk<-f1"}
	if got := rig.log.list(); !equalStrings(got, want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}

	// Second cycle: everything is tagged on its destination now.
	if err := rig.engine.SyncTicket(context.Background(), request("t1")); err != nil {
		t.Fatalf("second SyncTicket: %v", err)
	}
	if got := rig.log.list(); !equalStrings(got, want) {
		t.Fatalf("rerun produced writes: %v", got)
	}

	meta, _ := rig.store.Get("t1")
	if meta.LastSyncedAt.IsZero() || meta.LastCloudUpdate.IsZero() {
		t.Fatalf("watermarks not recorded: %+v", meta)
	}
}

func TestSyncPreservesChronologicalOrder(t *testing.T) {
	rig := newRig(t, 100)
	rig.link("t1", "c1")

	rig.helpdesk.convs["t1"] = []platform.Conversation{
		{ID: "h1", BodyHTML: "first", CreatedAt: base.Add(1 * time.Minute)},
		{ID: "h2", BodyHTML: "fourth", CreatedAt: base.Add(4 * time.Minute)},
	}
	rig.cloud.updates["c1"] = append(rig.cloud.updates["c1"],
		platform.CaseUpdate{ID: "u1", Entry: "second", CreatedAt: base.Add(2 * time.Minute)})
	rig.cloud.files["c1"] = []platform.CaseFile{{ID: "f1", Name: "x.txt", CreatedAt: base.Add(3 * time.Minute)}}
	rig.cloud.fileData["f1"] = []byte("x")

	if err := rig.engine.SyncTicket(context.Background(), request("t1")); err != nil {
		t.Fatalf("SyncTicket: %v", err)
	}
	want := []string{"cloud<-h1", "helpdesk<-u1", "helpdesk<-f1", "cloud<-h2"}
	if got := rig.log.list(); !equalStrings(got, want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
}

func TestReplayFailureAbortsRemainder(t *testing.T) {
	rig := newRig(t, 100)
	rig.link("t1", "c1")

	rig.helpdesk.convs["t1"] = []platform.Conversation{
		{ID: "h1", BodyHTML: "poison", CreatedAt: base.Add(time.Minute)},
	}
	rig.cloud.updates["c1"] = append(rig.cloud.updates["c1"],
		platform.CaseUpdate{ID: "u1", Entry: "later reply", CreatedAt: base.Add(2 * time.Minute)})
	rig.cloud.updateErrContains = "poison"

	err := rig.engine.SyncTicket(context.Background(), request("t1"))
	var replayErr *ReplayError
	if !errors.As(err, &replayErr) {
		t.Fatalf("err = %v, want ReplayError", err)
	}
	if replayErr.ItemID != "h1" || replayErr.Remaining != 1 {
		t.Fatalf("replay error = %+v", replayErr)
	}

	// u1 was after the failed item and must not have been replayed.
	for _, entry := range rig.log.list() {
		if entry == "helpdesk<-u1" {
			t.Fatal("item after the failure was replayed")
		}
	}

	// One private failure note; a rerun with the same cause adds no second.
	if notes := rig.helpdesk.notes("t1"); len(notes) != 1 || !notes[0].Private {
		t.Fatalf("notes = %+v, want one private note", notes)
	}
	_ = rig.engine.SyncTicket(context.Background(), request("t1"))
	if notes := rig.helpdesk.notes("t1"); len(notes) != 1 {
		t.Fatalf("duplicate failure note posted: %d", len(notes))
	}

	// The surfaced failure is mirrored to the alert sink once, deduplicated
	// alongside the note.
	if raised := rig.alerts.raised(); len(raised) != 1 || !strings.Contains(raised[0], "t1") {
		t.Fatalf("alerts = %v, want one for t1", raised)
	}
}

func TestCaseClosureClosesTicket(t *testing.T) {
	rig := newRig(t, 100)
	rig.link("t1", "c1")
	rig.cloud.updates["c1"] = append(rig.cloud.updates["c1"],
		platform.CaseUpdate{ID: "u1", Entry: "fixed, closing the case", CreatedAt: base.Add(time.Minute)})
	rig.cloud.status["c1"] = platform.CaseClosed
	// The closing remark is already mirrored, so replay is a no-op.
	rig.helpdesk.convs["t1"] = []platform.Conversation{
		{ID: "h-ack", BodyHTML: sequencer.TagBody("fixed, closing the case", sequencer.HelpdeskLinefeed,
			sequencer.FormatTag(sequencer.OriginCloud, "u1", base.Add(time.Minute))), CreatedAt: base.Add(2 * time.Minute)},
	}

	if err := rig.engine.SyncTicket(context.Background(), request("t1")); err != nil {
		t.Fatalf("SyncTicket: %v", err)
	}
	ticket := rig.helpdesk.tickets["t1"]
	if !ticket.Status.Closed() {
		t.Fatalf("ticket status = %v, want closed", ticket.Status)
	}
	if got := rig.store.Monitored(); len(got) != 0 {
		t.Fatalf("monitored = %v, want none", got)
	}
}

func TestTicketClosureClosesCase(t *testing.T) {
	rig := newRig(t, 100)
	rig.link("t1", "c1")
	ticket := rig.helpdesk.tickets["t1"]
	ticket.Status = platform.StatusResolved
	ticket.UpdatedAt = base.Add(time.Hour)
	rig.helpdesk.tickets["t1"] = ticket

	if err := rig.engine.SyncTicket(context.Background(), request("t1")); err != nil {
		t.Fatalf("SyncTicket: %v", err)
	}
	if rig.cloud.status["c1"] != platform.CaseClosed {
		t.Fatalf("case status = %v, want closed", rig.cloud.status["c1"])
	}
}

func TestConversationLimitPostsNoticeOnce(t *testing.T) {
	rig := newRig(t, 1)
	rig.link("t1", "c1")
	rig.helpdesk.convs["t1"] = []platform.Conversation{
		{ID: "h1", BodyHTML: "one", CreatedAt: base.Add(time.Minute)},
		{ID: "h2", BodyHTML: "two", CreatedAt: base.Add(2 * time.Minute)},
	}

	if err := rig.engine.SyncTicket(context.Background(), request("t1")); err != nil {
		t.Fatalf("SyncTicket: %v", err)
	}
	if got := rig.store.Monitored(); len(got) != 0 {
		t.Fatalf("monitored = %v, want none after limit", got)
	}
	if notes := rig.helpdesk.notes("t1"); len(notes) != 1 {
		t.Fatalf("notes = %d, want 1", len(notes))
	}

	// Re-monitor and run again: the existing tagged notice is detected and
	// no second notice lands.
	meta, _ := rig.store.Get("t1")
	meta.Monitored = true
	rig.store.Put(meta)
	if err := rig.engine.SyncTicket(context.Background(), request("t1")); err != nil {
		t.Fatalf("second SyncTicket: %v", err)
	}
	if notes := rig.helpdesk.notes("t1"); len(notes) != 1 {
		t.Fatalf("duplicate limit notice: %d notes", len(notes))
	}
}

func TestEscalateTicketCreatesTaggedCase(t *testing.T) {
	rig := newRig(t, 100)
	rig.helpdesk.tickets["t1"] = platform.Ticket{
		ID: "t1", Subject: "disk broken", DescriptionHTML: "<p>it broke</p>",
		Status: platform.StatusOpen, ReporterEmail: "a@example.com", CloudAccountID: "acct",
		Attachments: []platform.Attachment{{Name: "dump.bin", URL: "http://x/dump"}},
		CreatedAt:   base,
	}
	rig.helpdesk.attachData["http://x/dump"] = []byte{1, 2, 3}

	link, err := rig.engine.EscalateTicket(context.Background(), "t1")
	if err != nil {
		t.Fatalf("EscalateTicket: %v", err)
	}
	if link.CaseID == "" || link.OpeningUpdateID == "" {
		t.Fatalf("link = %+v", link)
	}

	opening := rig.cloud.updates[link.CaseID][0]
	tag, ok := sequencer.BodyTag(opening.Entry, sequencer.CloudLinefeed)
	if !ok || tag.Origin != sequencer.OriginHelpdesk || tag.ID != "t1" {
		t.Fatalf("opening tag = %+v ok=%v", tag, ok)
	}
	files := rig.cloud.files[link.CaseID]
	if len(files) != 1 || !sequencer.IsFromHelpdesk(files[0].Name) {
		t.Fatalf("files = %+v, want one marked file", files)
	}
	if rig.helpdesk.tickets["t1"].CloudCaseID != link.CaseID {
		t.Fatal("case id not recorded on ticket")
	}

	if _, err := rig.engine.EscalateTicket(context.Background(), "t1"); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("duplicate escalation err = %v", err)
	}
}

func TestAdoptCloudCaseCreatesTaggedTicket(t *testing.T) {
	rig := newRig(t, 100)
	c := platform.Case{ID: "c9", Subject: "native case", ReporterEmail: "b@example.com", AccountID: "acct", CreatedAt: base}
	rig.cloud.cases["c9"] = c
	rig.cloud.status["c9"] = platform.CaseOpen
	rig.cloud.updates["c9"] = []platform.CaseUpdate{{ID: "u0", Entry: "please help", CreatedAt: base}}

	ticketID, err := rig.engine.AdoptCloudCase(context.Background(), c)
	if err != nil {
		t.Fatalf("AdoptCloudCase: %v", err)
	}
	ticket := rig.helpdesk.tickets[ticketID]
	tag, ok := sequencer.BodyTag(ticket.DescriptionHTML, sequencer.HelpdeskLinefeed)
	if !ok || tag.Origin != sequencer.OriginCloud || tag.ID != "c9" {
		t.Fatalf("ticket tag = %+v ok=%v", tag, ok)
	}
	meta, ok := rig.store.Get(ticketID)
	if !ok || meta.Link.OpeningUpdateID != "u0" || !meta.Monitored {
		t.Fatalf("meta = %+v ok=%v", meta, ok)
	}
	if _, err := rig.engine.AdoptCloudCase(context.Background(), c); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("duplicate adoption err = %v", err)
	}
}

func TestSyncUnlinkedTicket(t *testing.T) {
	rig := newRig(t, 100)
	if err := rig.engine.SyncTicket(context.Background(), request("ghost")); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("err = %v, want ErrNotLinked", err)
	}
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
