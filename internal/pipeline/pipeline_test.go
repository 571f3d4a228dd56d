package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/CallFlow/internal/cache"
	"github.com/BTreeMap/CallFlow/internal/degrade"
	"github.com/BTreeMap/CallFlow/internal/guideline"
	"github.com/BTreeMap/CallFlow/internal/journey"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/oracle"
	"github.com/BTreeMap/CallFlow/internal/registry"
	"github.com/BTreeMap/CallFlow/internal/session"
	"github.com/BTreeMap/CallFlow/internal/store"
	"github.com/BTreeMap/CallFlow/internal/tools"
	"github.com/BTreeMap/CallFlow/internal/validator"
)

func claimJourney() models.Journey {
	return models.Journey{
		ID:                   "j-claim",
		Name:                 "claim_inquiry",
		ActivationConditions: "caller asks about an existing claim",
		InitialState:         "verify_identity",
		States: map[string]models.JourneyState{
			"verify_identity": {Name: "verify_identity", Kind: models.StateKindConversational, Guidance: "Ask for the caller's name and policy number."},
			"lookup_claim":    {Name: "lookup_claim", Kind: models.StateKindTool, Guidance: "Report the claim status.", Tools: []string{"get_claim_status"}},
			"done":            {Name: "done", Kind: models.StateKindTerminal},
		},
		Transitions: []models.JourneyTransition{
			{FromState: "verify_identity", ToState: "lookup_claim", Condition: "caller identity verified", Priority: 1},
			{FromState: "lookup_claim", ToState: "done", Condition: "caller has no further questions", Priority: 1},
		},
		Enabled: true,
	}
}

func escalationGuideline() models.Guideline {
	return models.Guideline{
		ID:        "g-escalate",
		Scope:     models.ScopeGlobal,
		Name:      "offer_escalation",
		Condition: "caller sounds frustrated",
		Action:    "Offer to transfer the caller to a human agent.",
		Keywords:  []string{"frustrated", "claim"},
		Priority:  5,
		Enabled:   true,
	}
}

type fixture struct {
	pipeline *Pipeline
	store    *store.InMemoryStore
	cache    *cache.InMemoryCache
	oracle   *oracle.MockClient
	sessions *session.Manager
	tools    *tools.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	if err := st.SaveJourney(claimJourney()); err != nil {
		t.Fatalf("SaveJourney failed: %v", err)
	}
	if err := st.SaveGuideline(escalationGuideline()); err != nil {
		t.Fatalf("SaveGuideline failed: %v", err)
	}
	return newFixtureOver(t, st)
}

func newFixtureOver(t *testing.T, st store.Store) *fixture {
	t.Helper()
	c := cache.NewInMemoryCache()
	reg := registry.New(st, c)
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	mock := oracle.NewMockClient()
	sm := session.NewManager(st, c)
	tr := tools.NewRegistry()
	p := New(
		sm,
		reg,
		journey.NewEngine(reg, st, c, mock, degrade.NewController()),
		guideline.NewMatcher(reg, mock, degrade.NewController()),
		validator.NewValidator(mock, degrade.NewController()),
		tools.NewExecutor(tr, c),
	)
	f := &fixture{pipeline: p, cache: c, oracle: mock, sessions: sm, tools: tr}
	if ms, ok := st.(*store.InMemoryStore); ok {
		f.store = ms
	}
	return f
}

func activationScores(confidence float64) func(context.Context, string, map[string]string, []oracle.ActivationCandidate) ([]oracle.ActivationScore, error) {
	return func(_ context.Context, _ string, _ map[string]string, candidates []oracle.ActivationCandidate) ([]oracle.ActivationScore, error) {
		var scores []oracle.ActivationScore
		for _, c := range candidates {
			scores = append(scores, oracle.ActivationScore{JourneyID: c.JourneyID, Confidence: confidence})
		}
		return scores, nil
	}
}

func matchAll(confidence float64) func(context.Context, string, map[string]string, string, string, []oracle.GuidelineCandidate) ([]oracle.GuidelineVerdict, error) {
	return func(_ context.Context, _ string, _ map[string]string, _, _ string, candidates []oracle.GuidelineCandidate) ([]oracle.GuidelineVerdict, error) {
		var verdicts []oracle.GuidelineVerdict
		for _, c := range candidates {
			verdicts = append(verdicts, oracle.GuidelineVerdict{GuidelineID: c.GuidelineID, Applies: true, Confidence: confidence})
		}
		return verdicts, nil
	}
}

func auditKinds(t *testing.T, f *fixture, sessionID string) []models.AuditKind {
	t.Helper()
	records, err := f.store.ListAuditRecords(sessionID)
	if err != nil {
		t.Fatalf("ListAuditRecords failed: %v", err)
	}
	kinds := make([]models.AuditKind, 0, len(records))
	for _, r := range records {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

func hasKind(kinds []models.AuditKind, want models.AuditKind) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func TestProcessUtteranceActivatesAndAugments(t *testing.T) {
	f := newFixture(t)
	f.oracle.EvaluateActivationFn = activationScores(0.9)
	f.oracle.MatchGuidelinesFn = matchAll(0.9)

	res, err := f.pipeline.ProcessUtterance(context.Background(), TurnRequest{
		SessionID: "sess-1", CallID: "call-1", Utterance: "I am frustrated about my claim",
	})
	if err != nil {
		t.Fatalf("ProcessUtterance failed: %v", err)
	}
	if !strings.Contains(res.Augmentation, "claim_inquiry") {
		t.Errorf("augmentation missing journey guidance: %q", res.Augmentation)
	}
	if !strings.Contains(res.Augmentation, "transfer the caller") {
		t.Errorf("augmentation missing guideline action: %q", res.Augmentation)
	}
	if len(res.Rules) != 1 || res.Rules[0].GuidelineID != "g-escalate" {
		t.Errorf("unexpected rules: %+v", res.Rules)
	}
	if res.Flags.JourneyBypassed || res.Flags.GuidelinesBypassed {
		t.Errorf("no bypass expected, got %+v", res.Flags)
	}

	kinds := auditKinds(t, f, "sess-1")
	if !hasKind(kinds, models.AuditKindActivation) || !hasKind(kinds, models.AuditKindGuidelineMatch) {
		t.Errorf("missing audit kinds, got %v", kinds)
	}
}

func TestProcessUtteranceTransitionsActiveContext(t *testing.T) {
	f := newFixture(t)
	seed := models.JourneyContext{
		ID: "ctx-1", SessionID: "sess-1", JourneyID: "j-claim", JourneyName: "claim_inquiry",
		CurrentState: "verify_identity",
		StateHistory: []models.StateHistoryEntry{{Event: models.HistoryEventActivated, ToState: "verify_identity"}},
	}
	if err := f.store.SaveJourneyContext(seed); err != nil {
		t.Fatalf("SaveJourneyContext failed: %v", err)
	}
	f.oracle.EvaluateTransitionFn = func(_ context.Context, _ string, _ string, _ map[string]string, candidates []oracle.TransitionCandidate) ([]oracle.TransitionVerdict, error) {
		var verdicts []oracle.TransitionVerdict
		for _, c := range candidates {
			verdicts = append(verdicts, oracle.TransitionVerdict{Index: c.Index, Satisfied: true, Confidence: 0.9})
		}
		return verdicts, nil
	}

	res, err := f.pipeline.ProcessUtterance(context.Background(), TurnRequest{
		SessionID: "sess-1", Utterance: "my name is Ada, policy 4411",
	})
	if err != nil {
		t.Fatalf("ProcessUtterance failed: %v", err)
	}
	persisted, err := f.store.GetJourneyContext("ctx-1")
	if err != nil || persisted == nil {
		t.Fatalf("context not persisted: %v", err)
	}
	if persisted.CurrentState != "lookup_claim" {
		t.Errorf("expected transition to lookup_claim, got %q", persisted.CurrentState)
	}
	if f.oracle.ActivationCalls != 0 {
		t.Error("activation must not run while a journey is active")
	}
	if !hasKind(auditKinds(t, f, "sess-1"), models.AuditKindTransition) {
		t.Error("expected a transition audit record")
	}
	if !strings.Contains(res.Augmentation, "Report the claim status") {
		t.Errorf("augmentation should reflect the new state, got %q", res.Augmentation)
	}
}

func TestProcessUtteranceExecutesToolDirectives(t *testing.T) {
	f := newFixture(t)
	seed := models.JourneyContext{
		ID: "ctx-1", SessionID: "sess-1", JourneyID: "j-claim", JourneyName: "claim_inquiry",
		CurrentState: "lookup_claim",
		Variables:    map[string]string{"claim_id": "81002"},
		StateHistory: []models.StateHistoryEntry{{Event: models.HistoryEventActivated, ToState: "lookup_claim"}},
	}
	if err := f.store.SaveJourneyContext(seed); err != nil {
		t.Fatalf("SaveJourneyContext failed: %v", err)
	}
	err := f.tools.Register(tools.Definition{
		Name:        "get_claim_status",
		Description: "Look up a claim's status.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{"claim_id": map[string]any{"type": "string"}}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			if args["claim_id"] != "81002" {
				return nil, errors.New("unexpected args")
			}
			return "approved", nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	res, err := f.pipeline.ProcessUtterance(context.Background(), TurnRequest{
		SessionID: "sess-1", Utterance: "what is the status",
	})
	if err != nil {
		t.Fatalf("ProcessUtterance failed: %v", err)
	}
	if res.ToolResults["get_claim_status"] != "approved" {
		t.Errorf("unexpected tool results: %+v", res.ToolResults)
	}
	persisted, err := f.store.GetJourneyContext("ctx-1")
	if err != nil || persisted == nil {
		t.Fatalf("context not persisted: %v", err)
	}
	if persisted.Variables["get_claim_status"] != "approved" {
		t.Errorf("tool result not folded into variables: %+v", persisted.Variables)
	}
	if !hasKind(auditKinds(t, f, "sess-1"), models.AuditKindToolCall) {
		t.Error("expected a tool_call audit record")
	}
}

func TestProcessUtteranceOracleFailureBypassesJourney(t *testing.T) {
	f := newFixture(t)
	f.oracle.EvaluateActivationFn = func(context.Context, string, map[string]string, []oracle.ActivationCandidate) ([]oracle.ActivationScore, error) {
		return nil, errors.New("upstream 503")
	}

	res, err := f.pipeline.ProcessUtterance(context.Background(), TurnRequest{
		SessionID: "sess-1", Utterance: "tell me about my claim",
	})
	if err != nil {
		t.Fatalf("a journey failure must not fail the turn: %v", err)
	}
	if !res.Flags.JourneyBypassed {
		t.Error("expected journey_bypassed flag")
	}
	if !hasKind(auditKinds(t, f, "sess-1"), models.AuditKindDegradation) {
		t.Error("expected a degradation audit record")
	}
}

// failingStore simulates a durable-store outage for context reads.
type failingStore struct {
	*store.InMemoryStore
}

func (f *failingStore) ListActiveContexts(string) ([]models.JourneyContext, error) {
	return nil, errors.New("connection refused")
}

func TestProcessUtteranceStoreUnavailable(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.SaveJourney(claimJourney()); err != nil {
		t.Fatalf("SaveJourney failed: %v", err)
	}
	f := newFixtureOver(t, &failingStore{InMemoryStore: st})

	res, err := f.pipeline.ProcessUtterance(context.Background(), TurnRequest{
		SessionID: "sess-1", Utterance: "hello",
	})
	if err != nil {
		t.Fatalf("a store outage must not fail the turn: %v", err)
	}
	if !res.Flags.StoreBypassed || !res.Flags.JourneyBypassed || !res.Flags.GuidelinesBypassed {
		t.Errorf("expected fully-bypassed flags, got %+v", res.Flags)
	}
	if res.Augmentation != "" {
		t.Errorf("no augmentation expected in bypassed mode, got %q", res.Augmentation)
	}
	if f.oracle.ActivationCalls != 0 || f.oracle.MatchCalls != 0 {
		t.Error("no oracle calls expected in bypassed mode")
	}
}

func TestValidateResponseReleasesCompliantText(t *testing.T) {
	f := newFixture(t)

	reply, err := f.pipeline.ValidateResponse(context.Background(), ValidationRequest{
		SessionID: "sess-1",
		Response:  "Your claim is being processed.",
		Rules:     []oracle.GuidelineRule{{GuidelineID: "g-escalate", Name: "offer_escalation", Action: "Offer escalation."}},
	})
	if err != nil {
		t.Fatalf("ValidateResponse failed: %v", err)
	}
	if reply.Text != "Your claim is being processed." || reply.Fixed || reply.Bypassed {
		t.Errorf("unexpected reply: %+v", reply)
	}
	if !hasKind(auditKinds(t, f, "sess-1"), models.AuditKindValidation) {
		t.Error("expected a validation audit record")
	}
}

func TestValidateResponseRejectsGuardTrip(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.ValidateResponse(context.Background(), ValidationRequest{
		SessionID: "sess-1",
		Response:  "Your SSN on file is 123-45-6789.",
	})
	if !errors.Is(err, models.ErrResponseRejected) {
		t.Fatalf("expected ErrResponseRejected, got %v", err)
	}
}

func TestValidateResponseBypassSetsFlag(t *testing.T) {
	f := newFixture(t)
	f.oracle.CheckComplianceFn = func(context.Context, string, map[string]string, []oracle.GuidelineRule) (models.ValidationResult, error) {
		return models.ValidationResult{}, errors.New("upstream 503")
	}

	reply, err := f.pipeline.ValidateResponse(context.Background(), ValidationRequest{
		SessionID: "sess-1",
		Response:  "Your claim is being processed.",
	})
	if err != nil {
		t.Fatalf("a compliance outage must release guard-clean text: %v", err)
	}
	if !reply.Bypassed {
		t.Error("expected bypassed reply")
	}
	if !f.pipeline.sessions.Flags("sess-1").ValidationBypassed {
		t.Error("expected validation_bypassed flag")
	}
}

func TestEndSessionClearsState(t *testing.T) {
	f := newFixture(t)
	f.pipeline.sessions.BeginTurn("sess-1")
	f.pipeline.sessions.UpdateFlags("sess-1", func(fl *models.SessionFlags) { fl.JourneyBypassed = true })

	f.pipeline.EndSession("sess-1")

	if f.pipeline.sessions.Flags("sess-1").JourneyBypassed {
		t.Error("flags must reset after EndSession")
	}
}
