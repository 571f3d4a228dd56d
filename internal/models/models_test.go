package models

import (
	"errors"
	"testing"
	"time"
)

func validJourney() Journey {
	return Journey{
		ID:                   "j-1",
		Name:                 "claim_inquiry",
		ActivationConditions: "caller wants to check the status of an insurance claim",
		InitialState:         "verify_identity",
		States: map[string]JourneyState{
			"verify_identity": {Name: "verify_identity", Kind: StateKindConversational, Guidance: "verify the caller"},
			"lookup_claim":    {Name: "lookup_claim", Kind: StateKindTool, Guidance: "look up the claim", Tools: []string{"get_claim_status"}},
			"done":            {Name: "done", Kind: StateKindTerminal, Guidance: "wrap up"},
		},
		Transitions: []JourneyTransition{
			{FromState: "verify_identity", ToState: "lookup_claim", Condition: "identity verified", Priority: 10},
			{FromState: "lookup_claim", ToState: "done", Condition: "caller satisfied", Priority: 0},
		},
		Enabled: true,
	}
}

func TestJourneyValidate(t *testing.T) {
	if err := validJourney().Validate(); err != nil {
		t.Fatalf("valid journey failed validation: %v", err)
	}
}

func TestJourneyValidateMissingInitialState(t *testing.T) {
	j := validJourney()
	j.InitialState = "nonexistent"
	err := j.Validate()
	if err == nil {
		t.Fatal("expected error for missing initial state")
	}
	if !errors.Is(err, ErrDefinitionInconsistency) {
		t.Errorf("expected ErrDefinitionInconsistency, got %v", err)
	}
}

func TestJourneyValidateDanglingTransition(t *testing.T) {
	j := validJourney()
	j.Transitions = append(j.Transitions, JourneyTransition{FromState: "lookup_claim", ToState: "missing_state"})
	err := j.Validate()
	if !errors.Is(err, ErrDefinitionInconsistency) {
		t.Errorf("expected ErrDefinitionInconsistency for dangling target, got %v", err)
	}

	j = validJourney()
	j.Transitions = append(j.Transitions, JourneyTransition{FromState: "missing_state", ToState: "done"})
	err = j.Validate()
	if !errors.Is(err, ErrDefinitionInconsistency) {
		t.Errorf("expected ErrDefinitionInconsistency for dangling source, got %v", err)
	}
}

func TestTransitionsFromPreservesDeclarationOrder(t *testing.T) {
	j := validJourney()
	j.Transitions = []JourneyTransition{
		{FromState: "verify_identity", ToState: "lookup_claim", Priority: 5},
		{FromState: "verify_identity", ToState: "done", Priority: 5},
	}
	ts := j.TransitionsFrom("verify_identity")
	if len(ts) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(ts))
	}
	if ts[0].ToState != "lookup_claim" || ts[1].ToState != "done" {
		t.Errorf("declaration order not preserved: %v", ts)
	}
}

func TestJourneyContextTransitionAppendsHistory(t *testing.T) {
	ctx := &JourneyContext{
		ID:           "ctx-1",
		SessionID:    "sess-1",
		JourneyID:    "j-1",
		CurrentState: "verify_identity",
		StateHistory: []StateHistoryEntry{{Event: HistoryEventActivated, ToState: "verify_identity", Timestamp: time.Now()}},
	}
	ctx.TransitionTo("lookup_claim", "identity verified")
	if ctx.CurrentState != "lookup_claim" {
		t.Errorf("expected current state lookup_claim, got %s", ctx.CurrentState)
	}
	if len(ctx.StateHistory) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(ctx.StateHistory))
	}
	if err := ctx.CheckHistoryInvariant(); err != nil {
		t.Errorf("history invariant violated after transition: %v", err)
	}
}

func TestJourneyContextHistoryInvariantDetectsMismatch(t *testing.T) {
	ctx := &JourneyContext{
		ID:           "ctx-1",
		CurrentState: "lookup_claim",
		StateHistory: []StateHistoryEntry{{Event: HistoryEventActivated, ToState: "verify_identity"}},
	}
	if err := ctx.CheckHistoryInvariant(); err == nil {
		t.Error("expected invariant error when current state diverges from history")
	}
}

func TestJourneyContextCompleteIsIdempotent(t *testing.T) {
	ctx := &JourneyContext{
		ID:           "ctx-1",
		CurrentState: "done",
		StateHistory: []StateHistoryEntry{{Event: HistoryEventActivated, ToState: "done"}},
	}
	ctx.Complete("terminal state reached")
	first := *ctx.CompletedAt
	ctx.Complete("again")
	if !ctx.CompletedAt.Equal(first) {
		t.Error("second Complete call changed CompletedAt")
	}
	if len(ctx.StateHistory) != 2 {
		t.Errorf("expected exactly one completion history entry, got %d entries", len(ctx.StateHistory))
	}
}

func TestGuidelineValidateScopeRequirements(t *testing.T) {
	g := Guideline{Name: "no_promises", Scope: ScopeJourney, Condition: "always", Action: "never promise payout dates"}
	if err := g.Validate(); err == nil {
		t.Error("expected error for JOURNEY scope without journey_id")
	}

	g.Scope = ScopeState
	g.JourneyID = "j-1"
	if err := g.Validate(); err == nil {
		t.Error("expected error for STATE scope without state_name")
	}

	g.StateName = "verify_identity"
	if err := g.Validate(); err != nil {
		t.Errorf("expected valid STATE guideline, got %v", err)
	}
}

func TestGuidelineMatchesScopeStacking(t *testing.T) {
	global := Guideline{Scope: ScopeGlobal}
	journey := Guideline{Scope: ScopeJourney, JourneyID: "j-1"}
	state := Guideline{Scope: ScopeState, JourneyID: "j-1", StateName: "verify_identity"}

	if !global.MatchesScope("j-2", "any") {
		t.Error("GLOBAL guideline should match any scope")
	}
	if !journey.MatchesScope("j-1", "other_state") {
		t.Error("JOURNEY guideline should match any state of its journey")
	}
	if journey.MatchesScope("j-2", "") {
		t.Error("JOURNEY guideline should not match a different journey")
	}
	if !state.MatchesScope("j-1", "verify_identity") {
		t.Error("STATE guideline should match its own state")
	}
	if state.MatchesScope("j-1", "lookup_claim") {
		t.Error("STATE guideline should not match a sibling state")
	}
}

func TestScopeRankOrdering(t *testing.T) {
	if !(ScopeState.Rank() > ScopeJourney.Rank() && ScopeJourney.Rank() > ScopeGlobal.Rank()) {
		t.Errorf("scope ranks out of order: state=%d journey=%d global=%d",
			ScopeState.Rank(), ScopeJourney.Rank(), ScopeGlobal.Rank())
	}
}
