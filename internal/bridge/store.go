package bridge

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// persistedState is the durable snapshot: every ticket link with its
// watermarks, plus the discovery watermark per cloud brand.
type persistedState struct {
	Tickets         map[string]TicketMetadata `json:"tickets"`
	BrandWatermarks map[string]time.Time      `json:"brand_watermarks,omitempty"`
}

// StateBackend persists the store snapshot. Save is called after every
// mutation; Load once at startup.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
	Close() error
}

// Store holds the monitoring registry in memory and writes every mutation
// through to the backend.
type Store struct {
	backend StateBackend
	logger  *slog.Logger

	mu         sync.Mutex
	tickets    map[string]TicketMetadata
	caseIndex  map[string]string
	watermarks map[string]time.Time
}

func NewStore(backend StateBackend, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend:    backend,
		logger:     logger,
		tickets:    map[string]TicketMetadata{},
		caseIndex:  map[string]string{},
		watermarks: map[string]time.Time{},
	}
	if backend != nil {
		state, err := backend.Load()
		if err != nil {
			return nil, err
		}
		if state != nil {
			for id, meta := range state.Tickets {
				s.tickets[id] = meta
				s.caseIndex[meta.Link.CaseID] = id
			}
			for brand, at := range state.BrandWatermarks {
				s.watermarks[brand] = at
			}
		}
	}
	return s, nil
}

func (s *Store) Get(ticketID string) (TicketMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.tickets[ticketID]
	return meta, ok
}

func (s *Store) TicketForCase(caseID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.caseIndex[caseID]
	return id, ok
}

func (s *Store) Put(meta TicketMetadata) {
	s.mu.Lock()
	s.tickets[meta.Link.TicketID] = meta
	s.caseIndex[meta.Link.CaseID] = meta.Link.TicketID
	s.persistLocked()
	s.mu.Unlock()
}

// Unmonitor keeps the link (for duplicate prevention) but takes the ticket
// out of the scheduled rotation.
func (s *Store) Unmonitor(ticketID string) {
	s.mu.Lock()
	if meta, ok := s.tickets[ticketID]; ok && meta.Monitored {
		meta.Monitored = false
		s.tickets[ticketID] = meta
		s.persistLocked()
	}
	s.mu.Unlock()
}

// Monitored returns the ids in the scheduled rotation, sorted for a stable
// re-arm order.
func (s *Store) Monitored() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tickets))
	for id, meta := range s.tickets {
		if meta.Monitored {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// LastSyncedAt is the most recent completed cycle across all tickets; zero
// when nothing has synced yet.
func (s *Store) LastSyncedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	for _, meta := range s.tickets {
		if meta.LastSyncedAt.After(latest) {
			latest = meta.LastSyncedAt
		}
	}
	return latest
}

func (s *Store) MonitoredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, meta := range s.tickets {
		if meta.Monitored {
			n++
		}
	}
	return n
}

func (s *Store) BrandWatermark(brandID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[brandID]
}

func (s *Store) SetBrandWatermark(brandID string, at time.Time) {
	s.mu.Lock()
	if at.After(s.watermarks[brandID]) {
		s.watermarks[brandID] = at
		s.persistLocked()
	}
	s.mu.Unlock()
}

func (s *Store) persistLocked() {
	if s.backend == nil {
		return
	}
	state := &persistedState{
		Tickets:         make(map[string]TicketMetadata, len(s.tickets)),
		BrandWatermarks: make(map[string]time.Time, len(s.watermarks)),
	}
	for id, meta := range s.tickets {
		state.Tickets[id] = meta
	}
	for brand, at := range s.watermarks {
		state.BrandWatermarks[brand] = at
	}
	if err := s.backend.Save(state); err != nil {
		s.logger.Error("state save failed", "error", err)
	}
}

func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
