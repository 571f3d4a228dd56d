// Package session owns per-call state: the per-session lock that keeps the
// turn pipeline logically single-threaded, durable+cached journey context
// IO, session flags, and audit emission with per-session turn/sequence
// ordering.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CallFlow/internal/cache"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/store"
)

// state tracks one live session.
type state struct {
	mu    sync.Mutex
	flags models.SessionFlags
	turn  int
	seq   int
}

// Manager coordinates session state across the pipeline components.
type Manager struct {
	store store.Store
	cache cache.Cache

	mu       sync.Mutex
	sessions map[string]*state
	now      func() time.Time
}

// NewManager creates a session manager.
func NewManager(st store.Store, c cache.Cache) *Manager {
	return &Manager{
		store:    st,
		cache:    c,
		sessions: make(map[string]*state),
		now:      time.Now,
	}
}

func (m *Manager) session(sessionID string) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &state{}
		m.sessions[sessionID] = s
	}
	return s
}

// Lock acquires the session's pipeline lock and returns the unlock func.
// Within one session, turns execute one at a time and in order.
func (m *Manager) Lock(sessionID string) func() {
	s := m.session(sessionID)
	s.mu.Lock()
	return s.mu.Unlock
}

// BeginTurn advances the session's turn counter and resets the audit
// sequence. Call once per utterance, under the session lock.
func (m *Manager) BeginTurn(sessionID string) int {
	s := m.session(sessionID)
	s.turn++
	s.seq = 0
	return s.turn
}

// Flags returns a copy of the session's degradation flags.
func (m *Manager) Flags(sessionID string) models.SessionFlags {
	return m.session(sessionID).flags
}

// UpdateFlags mutates the session's flags in place.
func (m *Manager) UpdateFlags(sessionID string, fn func(*models.SessionFlags)) {
	fn(&m.session(sessionID).flags)
}

// ActiveContexts returns the session's active journey contexts, cache
// first; a cache miss reads the durable store and repopulates the cache.
func (m *Manager) ActiveContexts(sessionID string) ([]models.JourneyContext, error) {
	key := cache.SessionContextKey(sessionID)
	if v, ok := m.cache.Get(key); ok {
		if contexts, ok := v.([]models.JourneyContext); ok {
			active := make([]models.JourneyContext, 0, len(contexts))
			for _, c := range contexts {
				if c.IsActive() {
					active = append(active, c)
				}
			}
			return active, nil
		}
	}
	contexts, err := m.store.ListActiveContexts(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session contexts: %w", err)
	}
	m.cache.Set(key, contexts, cache.SessionContextTTL)
	return contexts, nil
}

// SaveContext persists a context change: durable store first, then the
// cached copy. A failed durable write leaves the cache untouched.
func (m *Manager) SaveContext(jctx models.JourneyContext) error {
	if err := m.store.SaveJourneyContext(jctx); err != nil {
		return fmt.Errorf("failed to persist journey context: %w", err)
	}
	key := cache.SessionContextKey(jctx.SessionID)
	var contexts []models.JourneyContext
	if v, ok := m.cache.Get(key); ok {
		if cached, ok := v.([]models.JourneyContext); ok {
			contexts = cached
		}
	}
	replaced := false
	for i := range contexts {
		if contexts[i].ID == jctx.ID {
			contexts[i] = jctx
			replaced = true
			break
		}
	}
	if !replaced {
		contexts = append(contexts, jctx)
	}
	m.cache.Set(key, contexts, cache.SessionContextTTL)
	return nil
}

// EmitAudit appends one audit record with the session's current turn and
// the next sequence number. Payloads are JSON snapshots; a marshal failure
// degrades to an empty payload rather than losing the record.
func (m *Manager) EmitAudit(sessionID, journeyID string, kind models.AuditKind, payload any, confidence float64, latencyMs int64) error {
	s := m.session(sessionID)
	s.seq++

	payloadJSON := "{}"
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Error("Manager.EmitAudit: failed to marshal payload", "session_id", sessionID, "kind", kind, "error", err)
		} else {
			payloadJSON = string(data)
		}
	}

	record := models.AuditRecord{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		JourneyID:   journeyID,
		Turn:        s.turn,
		Seq:         s.seq,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Confidence:  confidence,
		LatencyMs:   latencyMs,
		CreatedAt:   m.now(),
	}
	if err := m.store.AppendAuditRecord(record); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	slog.Debug("Manager.EmitAudit: recorded",
		"session_id", sessionID, "turn", record.Turn, "seq", record.Seq, "kind", kind)
	return nil
}

// EndSession tears the session down: the in-memory state is dropped and all
// session-scoped cache entries are invalidated. Durable state is already
// authoritative, so nothing is flushed.
func (m *Manager) EndSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	cache.InvalidateSession(m.cache, sessionID)
	slog.Info("Manager.EndSession: session closed", "session_id", sessionID)
}
