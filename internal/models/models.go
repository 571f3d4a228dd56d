// Package models defines the core data structures for CallFlow.
//
// It includes journey and guideline definitions, per-call journey contexts,
// match/validation results, and audit records, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// StateKind defines how a journey state participates in a turn.
type StateKind string

const (
	// StateKindConversational states only inject guidance text.
	StateKindConversational StateKind = "conversational"
	// StateKindTool states request tool invocation before generation.
	StateKindTool StateKind = "tool"
	// StateKindBranch states fan out to multiple conditional transitions.
	StateKindBranch StateKind = "branch"
	// StateKindTerminal states complete the journey on entry.
	StateKindTerminal StateKind = "terminal"
)

// IsValidStateKind checks if the given state kind is supported.
func IsValidStateKind(k StateKind) bool {
	switch k {
	case StateKindConversational, StateKindTool, StateKindBranch, StateKindTerminal:
		return true
	default:
		return false
	}
}

// GuidelineScope defines the priority tier a guideline belongs to.
type GuidelineScope string

const (
	ScopeGlobal  GuidelineScope = "GLOBAL"
	ScopeJourney GuidelineScope = "JOURNEY"
	ScopeState   GuidelineScope = "STATE"
)

// Rank returns the scope's priority tier; more specific scopes rank higher.
func (s GuidelineScope) Rank() int {
	switch s {
	case ScopeState:
		return 2
	case ScopeJourney:
		return 1
	default:
		return 0
	}
}

// Confidence thresholds used by the decision pipeline. All boundaries are
// exclusive: a result at exactly the threshold does not pass.
const (
	// ActivationConfidenceThreshold is the minimum oracle confidence to activate a journey.
	ActivationConfidenceThreshold = 0.7
	// GuidelineConfidenceThreshold is the minimum oracle confidence to retain a matched guideline.
	GuidelineConfidenceThreshold = 0.6
	// AutoFixConfidenceThreshold is the minimum validation confidence to attempt an automatic fix.
	AutoFixConfidenceThreshold = 0.8
)

// Error variables for better error handling and testability
var (
	ErrDefinitionInconsistency = errors.New("definition references a missing state or journey")
	ErrOracleUnavailable       = errors.New("decision oracle unavailable")
	ErrNoDecision              = errors.New("no decision available from oracle")
	ErrMatchTimeout            = errors.New("guideline match timed out")
	ErrValidationTimeout       = errors.New("response validation timed out")
	ErrStoreUnavailable        = errors.New("durable store unavailable")
	ErrResponseRejected        = errors.New("response rejected: guideline violations remain after fix attempt")
	ErrDuplicateContext        = errors.New("session already has an active context for this journey")
)

// JourneyState represents a single state in a journey state machine.
type JourneyState struct {
	Name     string    `json:"name"`
	Kind     StateKind `json:"kind"`
	Guidance string    `json:"guidance"`        // injected into generation context when active
	Tools    []string  `json:"tools,omitempty"` // invoked before generation when Kind is tool
}

// JourneyTransition represents a directed edge between two journey states.
// An empty Condition is unconditional and always satisfied.
type JourneyTransition struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Condition string `json:"condition,omitempty"`
	Priority  int    `json:"priority"`
}

/// Journey represents an immutable journey definition: a per-call state
// machine with natural-language activation conditions.
type Journey struct {
	ID                   string                  `json:"id"`
	Name                 string                  `json:"name"`
	Description          string                  `json:"description,omitempty"`
	ActivationConditions string                  `json:"activation_conditions"`
	InitialState         string                  `json:"initial_state"`
	States               map[string]JourneyState `json:"states"`
	Transitions          []JourneyTransition     `json:"transitions"`
	Enabled              bool                    `json:"enabled"`
	CreatedAt            time.Time               `json:"created_at,omitempty"`
	UpdatedAt            time.Time               `json:"updated_at,omitempty"`
}

// Validate checks structural consistency of the journey definition.
// A journey whose initial state is missing, or whose transitions reference
// unknown states, fails with ErrDefinitionInconsistency.
func (j Journey) Validate() error {
	if j.Name == "" {
		return errors.New("journey name cannot be empty")
	}
	if j.ActivationConditions == "" {
		return errors.New("journey activation conditions cannot be empty")
	}
	if len(j.States) == 0 {
		return fmt.Errorf("journey %s has no states: %w", j.Name, ErrDefinitionInconsistency)
	}
	if _, ok := j.States[j.InitialState]; !ok {
		return fmt.Errorf("journey %s initial state %q not found: %w", j.Name, j.InitialState, ErrDefinitionInconsistency)
	}
	for name, st := range j.States {
		if st.Kind != "" && !IsValidStateKind(st.Kind) {
			return fmt.Errorf("journey %s state %q has invalid kind %q", j.Name, name, st.Kind)
		}
	}
	for _, t := range j.Transitions {
		if _, ok := j.States[t.FromState]; !ok {
			return fmt.Errorf("journey %s transition source %q not found: %w", j.Name, t.FromState, ErrDefinitionInconsistency)
		}
		if _, ok := j.States[t.ToState]; !ok {
			return fmt.Errorf("journey %s transition target %q not found: %w", j.Name, t.ToState, ErrDefinitionInconsistency)
		}
	}
	return nil
}

// State returns the named state, if present.
func (j Journey) State(name string) (JourneyState, bool) {
	st, ok := j.States[name]
	return st, ok
}

// TransitionsFrom returns every transition whose source is the given state,
// in declaration order.
func (j Journey) TransitionsFrom(state string) []JourneyTransition {
	var out []JourneyTransition
	for _, t := range j.Transitions {
		if t.FromState == state {
			out = append(out, t)
		}
	}
	return out
}

// StateHistoryEntry is one append-only record of a journey context's life.
type StateHistoryEntry struct {
	Event     string    `json:"event"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// History event names.
const (
	HistoryEventActivated  = "journey_activated"
	HistoryEventTransition = "state_transition"
	HistoryEventCompleted  = "journey_completed"
)

// JourneyContext represents the runtime state of one activated journey in a
// session. CurrentState always equals the ToState of the last history entry;
// StateHistory is append-only and never rewritten.
type JourneyContext struct {
	ID           string              `json:"id"`
	SessionID    string              `json:"session_id"`
	JourneyID    string              `json:"journey_id"`
	JourneyName  string              `json:"journey_name"`
	CurrentState string              `json:"current_state"`
	Variables    map[string]string   `json:"variables,omitempty"`
	StateHistory []StateHistoryEntry `json:"state_history"`
	ActivatedAt  time.Time           `json:"activated_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// IsActive reports whether the journey is still in progress.
func (c *JourneyContext) IsActive() bool {
	return c.CompletedAt == nil
}

// SetVariable stores a context variable, allocating the map on first use.
func (c *JourneyContext) SetVariable(key, value string) {
	if c.Variables == nil {
		c.Variables = make(map[string]string)
	}
	c.Variables[key] = value
}

// TransitionTo appends a transition history entry and moves the current state.
func (c *JourneyContext) TransitionTo(newState, reason string) {
	c.StateHistory = append(c.StateHistory, StateHistoryEntry{
		Event:     HistoryEventTransition,
		FromState: c.CurrentState,
		ToState:   newState,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	c.CurrentState = newState
}

// Complete marks the journey finished at its current state.
func (c *JourneyContext) Complete(reason string) {
	if c.CompletedAt != nil {
		return
	}
	now := time.Now().UTC()
	c.CompletedAt = &now
	c.StateHistory = append(c.StateHistory, StateHistoryEntry{
		Event:     HistoryEventCompleted,
		ToState:   c.CurrentState,
		Reason:    reason,
		Timestamp: now,
	})
}

// CheckHistoryInvariant verifies that CurrentState matches the last history
// entry. Used by recovery to detect corrupted contexts.
func (c *JourneyContext) CheckHistoryInvariant() error {
	if len(c.StateHistory) == 0 {
		return fmt.Errorf("context %s has no state history", c.ID)
	}
	last := c.StateHistory[len(c.StateHistory)-1]
	if last.ToState != c.CurrentState {
		return fmt.Errorf("context %s current state %q does not match last history entry %q", c.ID, c.CurrentState, last.ToState)
	}
	return nil
}

// Guideline represents a scoped business rule constraining generated
// responses. Guidelines sharing a non-empty ConflictKey are mutually
// exclusive; the priority resolver keeps only the highest-ranked one.
type Guideline struct {
	ID          string         `json:"id"`
	Scope       GuidelineScope `json:"scope"`
	JourneyID   string         `json:"journey_id,omitempty"` // required for JOURNEY and STATE scopes
	StateName   string         `json:"state_name,omitempty"` // required for STATE scope
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Condition   string         `json:"condition"`
	Action      string         `json:"action"`
	Keywords    []string       `json:"keywords,omitempty"`
	Tools       []string       `json:"tools,omitempty"`
	Priority    int            `json:"priority"`
	ConflictKey string         `json:"conflict_key,omitempty"`
	Enabled     bool           `json:"enabled"`
	CreatedAt   time.Time      `json:"created_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty"`
}

// Validate checks the guideline's structural requirements.
func (g Guideline) Validate() error {
	if g.Name == "" {
		return errors.New("guideline name cannot be empty")
	}
	if g.Condition == "" {
		return errors.New("guideline condition cannot be empty")
	}
	if g.Action == "" {
		return errors.New("guideline action cannot be empty")
	}
	switch g.Scope {
	case ScopeGlobal:
	case ScopeJourney:
		if g.JourneyID == "" {
			return fmt.Errorf("guideline %s: JOURNEY scope requires journey_id", g.Name)
		}
	case ScopeState:
		if g.JourneyID == "" || g.StateName == "" {
			return fmt.Errorf("guideline %s: STATE scope requires journey_id and state_name", g.Name)
		}
	default:
		return fmt.Errorf("guideline %s: invalid scope %q", g.Name, g.Scope)
	}
	return nil
}

// MatchesScope reports whether the guideline applies to the given journey
// and state. Scopes stack: GLOBAL applies everywhere, JOURNEY within its
// journey, STATE within its journey and state.
func (g Guideline) MatchesScope(journeyID, stateName string) bool {
	switch g.Scope {
	case ScopeGlobal:
		return true
	case ScopeJourney:
		return g.JourneyID == journeyID
	case ScopeState:
		return g.JourneyID == journeyID && g.StateName == stateName
	default:
		return false
	}
}

// MatchStage identifies where in the two-stage matcher a guideline was
// included or excluded.
type MatchStage string

const (
	// MatchStageKeyword marks a stage-1 keyword prefilter candidate.
	MatchStageKeyword MatchStage = "keyword_prefilter"
	// MatchStageOracle marks a guideline retained by the oracle batch evaluation.
	MatchStageOracle MatchStage = "oracle"
	// MatchStageBreakerOpen marks a stage-1 candidate passed through while the circuit is open.
	MatchStageBreakerOpen MatchStage = "breaker_open"
)

// GuidelineMatch records one guideline's result in the matching pipeline.
type GuidelineMatch struct {
	GuidelineID string     `json:"guideline_id"`
	Confidence  float64    `json:"confidence"`
	Stage       MatchStage `json:"stage"`
	Reasoning   string     `json:"reasoning,omitempty"`
}

// Violation describes one guideline the response failed to comply with.
type Violation struct {
	GuidelineID   string `json:"guideline_id"`
	GuidelineName string `json:"guideline_name"`
	Description   string `json:"description"`
	Severity      string `json:"severity,omitempty"`
}

// ValidationResult is the structured outcome of one compliance check.
type ValidationResult struct {
	IsValid        bool        `json:"is_valid"`
	Violations     []Violation `json:"violations,omitempty"`
	SuggestedFixes []string    `json:"suggested_fixes,omitempty"`
	Confidence     float64     `json:"confidence"`
}

// AuditKind classifies a decision point in the turn pipeline.
type AuditKind string

const (
	AuditKindActivation     AuditKind = "activation"
	AuditKindTransition     AuditKind = "transition"
	AuditKindGuidelineMatch AuditKind = "guideline_match"
	AuditKindConflict       AuditKind = "conflict_suppressed"
	AuditKindValidation     AuditKind = "validation"
	AuditKindToolCall       AuditKind = "tool_call"
	AuditKindDegradation    AuditKind = "degradation"
)

// AuditRecord is one immutable entry in a session's decision log. Records
// are strictly ordered within a session by (Turn, Seq); the ordered log is
// sufficient to reconstruct the call's decision chain.
type AuditRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	JourneyID   string    `json:"journey_id,omitempty"`
	Turn        int       `json:"turn"`
	Seq         int       `json:"seq"`
	Kind        AuditKind `json:"kind"`
	PayloadJSON string    `json:"payload_json,omitempty"`
	Confidence  float64   `json:"confidence"`
	LatencyMs   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionFlags records per-session degradation state. Flags only narrow the
// guarantees for a turn; they never terminate the call.
type SessionFlags struct {
	JourneyBypassed    bool `json:"journey_bypassed,omitempty"`
	GuidelinesBypassed bool `json:"guidelines_bypassed,omitempty"`
	ValidationBypassed bool `json:"validation_bypassed,omitempty"`
	StoreBypassed      bool `json:"store_bypassed,omitempty"`
}

// APIStatus enumerates API response statuses.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success creates a successful API response with the given result.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and result.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with the given message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
