package bridge

import (
	"path/filepath"
	"testing"
	"time"
)

func newFileStore(t *testing.T, path string) *Store {
	t.Helper()
	backend, err := NewFileStateBackend(path)
	if err != nil {
		t.Fatalf("NewFileStateBackend: %v", err)
	}
	store, err := NewStore(backend, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestStoreRoundTripThroughFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := newFileStore(t, path)

	linkedAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	store.Put(TicketMetadata{
		Link: TicketLink{
			TicketID:        "t1",
			CaseID:          "c1",
			ReporterEmail:   "a@example.com",
			OpeningUpdateID: "u1",
			LinkedAt:        linkedAt,
		},
		Monitored: true,
	})
	store.SetBrandWatermark("brand-1", linkedAt)

	reloaded := newFileStore(t, path)
	meta, ok := reloaded.Get("t1")
	if !ok {
		t.Fatal("ticket lost on reload")
	}
	if meta.Link.CaseID != "c1" || !meta.Monitored {
		t.Fatalf("meta = %+v", meta)
	}
	if id, ok := reloaded.TicketForCase("c1"); !ok || id != "t1" {
		t.Fatalf("case index = %q ok=%v", id, ok)
	}
	if got := reloaded.BrandWatermark("brand-1"); !got.Equal(linkedAt) {
		t.Fatalf("watermark = %v", got)
	}
}

func TestUnmonitorKeepsLink(t *testing.T) {
	store := newFileStore(t, filepath.Join(t.TempDir(), "state.json"))
	store.Put(TicketMetadata{Link: TicketLink{TicketID: "t1", CaseID: "c1"}, Monitored: true})

	store.Unmonitor("t1")
	if got := store.Monitored(); len(got) != 0 {
		t.Fatalf("monitored = %v, want none", got)
	}
	// The link survives for duplicate prevention.
	if _, ok := store.TicketForCase("c1"); !ok {
		t.Fatal("link lost on unmonitor")
	}
}

func TestBrandWatermarkMonotone(t *testing.T) {
	store := newFileStore(t, filepath.Join(t.TempDir(), "state.json"))
	later := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	store.SetBrandWatermark("b", later)
	store.SetBrandWatermark("b", later.Add(-time.Hour))
	if got := store.BrandWatermark("b"); !got.Equal(later) {
		t.Fatalf("watermark moved backwards: %v", got)
	}
}

func TestMonitoredSorted(t *testing.T) {
	store := newFileStore(t, filepath.Join(t.TempDir(), "state.json"))
	for _, id := range []string{"t3", "t1", "t2"} {
		store.Put(TicketMetadata{Link: TicketLink{TicketID: id, CaseID: "c-" + id}, Monitored: true})
	}
	got := store.Monitored()
	want := []string{"t1", "t2", "t3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("monitored = %v, want %v", got, want)
		}
	}
	if store.MonitoredCount() != 3 {
		t.Fatalf("count = %d", store.MonitoredCount())
	}
}
