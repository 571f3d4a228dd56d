package session

import (
	"testing"
	"time"

	"github.com/BTreeMap/CallFlow/internal/cache"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/store"
)

func newManager(t *testing.T) (*Manager, *store.InMemoryStore, *cache.InMemoryCache) {
	t.Helper()
	st := store.NewInMemoryStore()
	c := cache.NewInMemoryCache()
	return NewManager(st, c), st, c
}

func TestAuditTurnAndSequenceOrdering(t *testing.T) {
	m, st, _ := newManager(t)

	m.BeginTurn("sess-1")
	if err := m.EmitAudit("sess-1", "", models.AuditKindActivation, map[string]string{"utterance": "hello"}, 0.9, 12); err != nil {
		t.Fatalf("EmitAudit failed: %v", err)
	}
	if err := m.EmitAudit("sess-1", "j-1", models.AuditKindGuidelineMatch, nil, 0.8, 40); err != nil {
		t.Fatalf("EmitAudit failed: %v", err)
	}
	m.BeginTurn("sess-1")
	if err := m.EmitAudit("sess-1", "j-1", models.AuditKindValidation, nil, 1.0, 80); err != nil {
		t.Fatalf("EmitAudit failed: %v", err)
	}

	records, err := st.ListAuditRecords("sess-1")
	if err != nil {
		t.Fatalf("ListAuditRecords failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	wantTurnSeq := [][2]int{{1, 1}, {1, 2}, {2, 1}}
	for i, r := range records {
		if r.Turn != wantTurnSeq[i][0] || r.Seq != wantTurnSeq[i][1] {
			t.Errorf("record %d: got turn=%d seq=%d, want %v", i, r.Turn, r.Seq, wantTurnSeq[i])
		}
	}
	if records[0].PayloadJSON == "{}" || records[0].PayloadJSON == "" {
		t.Errorf("payload snapshot missing: %q", records[0].PayloadJSON)
	}
}

func TestActiveContextsCacheMissReadsStore(t *testing.T) {
	m, st, c := newManager(t)
	jctx := models.JourneyContext{
		ID: "ctx-1", SessionID: "sess-1", JourneyID: "j-1",
		CurrentState: "start", ActivatedAt: time.Now(),
	}
	if err := st.SaveJourneyContext(jctx); err != nil {
		t.Fatalf("SaveJourneyContext failed: %v", err)
	}

	contexts, err := m.ActiveContexts("sess-1")
	if err != nil {
		t.Fatalf("ActiveContexts failed: %v", err)
	}
	if len(contexts) != 1 || contexts[0].ID != "ctx-1" {
		t.Fatalf("unexpected contexts: %+v", contexts)
	}
	// The miss populated the cache.
	if _, ok := c.Get(cache.SessionContextKey("sess-1")); !ok {
		t.Error("cache must be populated after a store read")
	}
}

func TestSaveContextWritesDurableThenCache(t *testing.T) {
	m, st, c := newManager(t)
	jctx := models.JourneyContext{
		ID: "ctx-1", SessionID: "sess-1", JourneyID: "j-1",
		CurrentState: "start", ActivatedAt: time.Now(),
	}
	if err := m.SaveContext(jctx); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}
	if persisted, _ := st.GetJourneyContext("ctx-1"); persisted == nil {
		t.Fatal("context not durably persisted")
	}

	jctx.CurrentState = "next"
	if err := m.SaveContext(jctx); err != nil {
		t.Fatalf("SaveContext update failed: %v", err)
	}
	v, ok := c.Get(cache.SessionContextKey("sess-1"))
	if !ok {
		t.Fatal("cached contexts missing")
	}
	cached := v.([]models.JourneyContext)
	if len(cached) != 1 || cached[0].CurrentState != "next" {
		t.Errorf("cached copy not updated in place: %+v", cached)
	}
}

func TestActiveContextsFiltersCompleted(t *testing.T) {
	m, _, _ := newManager(t)
	done := time.Now()
	active := models.JourneyContext{ID: "ctx-a", SessionID: "sess-1", JourneyID: "j-1", CurrentState: "s", ActivatedAt: time.Now()}
	completed := models.JourneyContext{ID: "ctx-b", SessionID: "sess-1", JourneyID: "j-2", CurrentState: "s", ActivatedAt: time.Now(), CompletedAt: &done}
	if err := m.SaveContext(active); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}
	if err := m.SaveContext(completed); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}

	contexts, err := m.ActiveContexts("sess-1")
	if err != nil {
		t.Fatalf("ActiveContexts failed: %v", err)
	}
	if len(contexts) != 1 || contexts[0].ID != "ctx-a" {
		t.Errorf("completed contexts must be filtered, got %+v", contexts)
	}
}

func TestFlags(t *testing.T) {
	m, _, _ := newManager(t)
	if f := m.Flags("sess-1"); f.ValidationBypassed || f.JourneyBypassed {
		t.Error("flags must start clear")
	}
	m.UpdateFlags("sess-1", func(f *models.SessionFlags) { f.JourneyBypassed = true })
	if !m.Flags("sess-1").JourneyBypassed {
		t.Error("flag update lost")
	}
	if m.Flags("sess-2").JourneyBypassed {
		t.Error("flags must be per session")
	}
}

func TestEndSessionClearsStateAndCache(t *testing.T) {
	m, _, c := newManager(t)
	m.BeginTurn("sess-1")
	m.UpdateFlags("sess-1", func(f *models.SessionFlags) { f.ValidationBypassed = true })
	c.Set(cache.SessionContextKey("sess-1"), []models.JourneyContext{}, 0)
	c.Set(cache.ActivationKey("sess-1", "hello"), 1, 0)

	m.EndSession("sess-1")

	if m.Flags("sess-1").ValidationBypassed {
		t.Error("flags must reset after EndSession")
	}
	if m.BeginTurn("sess-1") != 1 {
		t.Error("turn counter must reset after EndSession")
	}
	if _, ok := c.Get(cache.SessionContextKey("sess-1")); ok {
		t.Error("session cache entries must be invalidated")
	}
	if _, ok := c.Get(cache.ActivationKey("sess-1", "hello")); ok {
		t.Error("activation cache entries must be invalidated")
	}
}

func TestLockSerializesTurns(t *testing.T) {
	m, _, _ := newManager(t)
	unlock := m.Lock("sess-1")

	acquired := make(chan struct{})
	go func() {
		u := m.Lock("sess-1")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock must block while the first is held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after unlock")
	}
}
