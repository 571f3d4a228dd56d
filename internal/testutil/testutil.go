// Package testutil provides common test utilities and helpers for CallFlow tests.
package testutil

import (
	"encoding/json"
	"testing"

	"github.com/BTreeMap/CallFlow/internal/cache"
	"github.com/BTreeMap/CallFlow/internal/degrade"
	"github.com/BTreeMap/CallFlow/internal/guideline"
	"github.com/BTreeMap/CallFlow/internal/journey"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/oracle"
	"github.com/BTreeMap/CallFlow/internal/pipeline"
	"github.com/BTreeMap/CallFlow/internal/registry"
	"github.com/BTreeMap/CallFlow/internal/session"
	"github.com/BTreeMap/CallFlow/internal/store"
	"github.com/BTreeMap/CallFlow/internal/tools"
	"github.com/BTreeMap/CallFlow/internal/validator"
)

// Deps exposes the in-memory dependencies behind a test pipeline so tests
// can seed state and inspect side effects.
type Deps struct {
	Store    *store.InMemoryStore
	Cache    *cache.InMemoryCache
	Oracle   *oracle.MockClient
	Registry *registry.DefinitionRegistry
	Sessions *session.Manager
	Tools    *tools.Registry
}

// NewTestPipeline creates a fully wired pipeline over in-memory
// dependencies and a mock oracle. This centralizes the wiring logic used
// across multiple test files.
func NewTestPipeline(t *testing.T, journeys []models.Journey, guidelines []models.Guideline) (*pipeline.Pipeline, *Deps) {
	t.Helper()
	st := store.NewInMemoryStore()
	for _, j := range journeys {
		if err := st.SaveJourney(j); err != nil {
			t.Fatalf("failed to seed journey %s: %v", j.ID, err)
		}
	}
	for _, g := range guidelines {
		if err := st.SaveGuideline(g); err != nil {
			t.Fatalf("failed to seed guideline %s: %v", g.ID, err)
		}
	}

	c := cache.NewInMemoryCache()
	reg := registry.New(st, c)
	if err := reg.Reload(); err != nil {
		t.Fatalf("failed to load definitions: %v", err)
	}
	mock := oracle.NewMockClient()
	sm := session.NewManager(st, c)
	tr := tools.NewRegistry()

	p := pipeline.New(
		sm,
		reg,
		journey.NewEngine(reg, st, c, mock, degrade.NewController()),
		guideline.NewMatcher(reg, mock, degrade.NewController()),
		validator.NewValidator(mock, degrade.NewController()),
		tools.NewExecutor(tr, c),
	)
	return p, &Deps{Store: st, Cache: c, Oracle: mock, Registry: reg, Sessions: sm, Tools: tr}
}

// SampleJourney returns a small enabled journey usable as seed data.
func SampleJourney(id string) models.Journey {
	return models.Journey{
		ID:                   id,
		Name:                 "sample_" + id,
		ActivationConditions: "caller asks about " + id,
		InitialState:         "start",
		States: map[string]models.JourneyState{
			"start": {Name: "start", Kind: models.StateKindConversational, Guidance: "Greet the caller."},
			"done":  {Name: "done", Kind: models.StateKindTerminal},
		},
		Transitions: []models.JourneyTransition{
			{FromState: "start", ToState: "done", Condition: "request handled", Priority: 1},
		},
		Enabled: true,
	}
}

// AssertAuditKind fails the test unless the session's audit log contains at
// least one record of the given kind.
func AssertAuditKind(t *testing.T, st store.Store, sessionID string, kind models.AuditKind) {
	t.Helper()
	records, err := st.ListAuditRecords(sessionID)
	if err != nil {
		t.Fatalf("failed to list audit records: %v", err)
	}
	for _, r := range records {
		if r.Kind == kind {
			return
		}
	}
	t.Errorf("audit log for %s has no %q record (%d records total)", sessionID, kind, len(records))
}

// AssertAuditOrdered fails the test if the session's audit records are not
// strictly ordered by turn then sequence.
func AssertAuditOrdered(t *testing.T, st store.Store, sessionID string) {
	t.Helper()
	records, err := st.ListAuditRecords(sessionID)
	if err != nil {
		t.Fatalf("failed to list audit records: %v", err)
	}
	for i := 1; i < len(records); i++ {
		prev, cur := records[i-1], records[i]
		if cur.Turn < prev.Turn || (cur.Turn == prev.Turn && cur.Seq <= prev.Seq) {
			t.Errorf("audit records out of order at %d: (%d,%d) then (%d,%d)",
				i, prev.Turn, prev.Seq, cur.Turn, cur.Seq)
		}
	}
}

// MustMarshalJSON marshals an object to JSON and fails the test on error.
func MustMarshalJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails the test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
