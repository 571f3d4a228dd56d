package store

import (
	"sort"
	"sync"

	"github.com/BTreeMap/CallFlow/internal/models"
)

// InMemoryStore is a mutex-guarded in-process store used by tests and as a
// fallback when no DSN is configured.
type InMemoryStore struct {
	mu           sync.RWMutex
	journeys     map[string]models.Journey
	journeyOrder []string
	guidelines   map[string]models.Guideline
	glOrder      []string
	contexts     map[string]models.JourneyContext
	audits       []models.AuditRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		journeys:   make(map[string]models.Journey),
		guidelines: make(map[string]models.Guideline),
		contexts:   make(map[string]models.JourneyContext),
	}
}

func (s *InMemoryStore) SaveJourney(j models.Journey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.journeys[j.ID]; !exists {
		s.journeyOrder = append(s.journeyOrder, j.ID)
	}
	s.journeys[j.ID] = j
	return nil
}

func (s *InMemoryStore) GetJourney(id string) (*models.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.journeys[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (s *InMemoryStore) ListJourneys() ([]models.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Journey, 0, len(s.journeyOrder))
	for _, id := range s.journeyOrder {
		out = append(out, s.journeys[id])
	}
	return out, nil
}

func (s *InMemoryStore) SaveGuideline(g models.Guideline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.guidelines[g.ID]; !exists {
		s.glOrder = append(s.glOrder, g.ID)
	}
	s.guidelines[g.ID] = g
	return nil
}

func (s *InMemoryStore) ListGuidelines() ([]models.Guideline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Guideline, 0, len(s.glOrder))
	for _, id := range s.glOrder {
		out = append(out, s.guidelines[id])
	}
	return out, nil
}

func (s *InMemoryStore) SaveJourneyContext(c models.JourneyContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetJourneyContext(id string) (*models.JourneyContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) ListActiveContexts(sessionID string) ([]models.JourneyContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.JourneyContext
	for _, c := range s.contexts {
		if c.SessionID == sessionID && c.IsActive() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ActivatedAt.Before(out[k].ActivatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListAllActiveContexts() ([]models.JourneyContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.JourneyContext
	for _, c := range s.contexts {
		if c.IsActive() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ActivatedAt.Before(out[k].ActivatedAt) })
	return out, nil
}

func (s *InMemoryStore) AppendAuditRecord(r models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, r)
	return nil
}

func (s *InMemoryStore) ListAuditRecords(sessionID string) ([]models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditRecord
	for _, r := range s.audits {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, k int) bool {
		if out[i].Turn != out[k].Turn {
			return out[i].Turn < out[k].Turn
		}
		return out[i].Seq < out[k].Seq
	})
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
