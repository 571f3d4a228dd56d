// Package oracle defines the language-model port used for the semantic
// decisions in the turn pipeline: journey activation, transition evaluation,
// guideline matching, response compliance checking and response rewriting.
// All implementations return structured verdicts with confidence scores; the
// callers own every threshold decision.
package oracle

import (
	"context"

	"github.com/BTreeMap/CallFlow/internal/models"
)

// ActivationCandidate describes one enabled journey offered to the oracle.
type ActivationCandidate struct {
	JourneyID            string `json:"journey_id"`
	Name                 string `json:"name"`
	Description          string `json:"description,omitempty"`
	ActivationConditions string `json:"activation_conditions"`
}

// ActivationScore is the oracle's per-candidate activation confidence.
type ActivationScore struct {
	JourneyID  string  `json:"journey_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// TransitionCandidate describes one conditional transition out of the
// current state. Index identifies the candidate in the verdicts since
// several transitions may share a target state.
type TransitionCandidate struct {
	Index     int    `json:"index"`
	ToState   string `json:"to_state"`
	Condition string `json:"condition"`
	Priority  int    `json:"priority"`
}

// TransitionVerdict is the oracle's per-candidate satisfaction verdict.
type TransitionVerdict struct {
	Index      int     `json:"index"`
	Satisfied  bool    `json:"satisfied"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// GuidelineCandidate describes one guideline that survived the keyword
// pre-filter and is offered to the oracle for semantic evaluation.
type GuidelineCandidate struct {
	GuidelineID string `json:"guideline_id"`
	Name        string `json:"name"`
	Condition   string `json:"condition"`
	Action      string `json:"action"`
}

// GuidelineVerdict is the oracle's per-candidate evaluation.
type GuidelineVerdict struct {
	GuidelineID string  `json:"guideline_id"`
	Applies     bool    `json:"applies"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// GuidelineRule is the compact form of a matched guideline handed to the
// compliance check.
type GuidelineRule struct {
	GuidelineID string `json:"guideline_id"`
	Name        string `json:"name"`
	Action      string `json:"action"`
}

// Client is the oracle port. Implementations must honor context deadlines;
// every call in the turn pipeline runs under a hard timeout.
type Client interface {
	// EvaluateActivation scores every candidate journey against the
	// utterance in one batch call. The caller applies the activation
	// threshold and breaks ties.
	EvaluateActivation(ctx context.Context, utterance string, vars map[string]string, candidates []ActivationCandidate) ([]ActivationScore, error)

	// EvaluateTransition reports, per candidate, whether its condition is
	// satisfied by the utterance. The caller picks the winner.
	EvaluateTransition(ctx context.Context, currentState, utterance string, vars map[string]string, candidates []TransitionCandidate) ([]TransitionVerdict, error)

	// MatchGuidelines evaluates all candidates in a single batch call and
	// returns one verdict per candidate the oracle considered applicable.
	MatchGuidelines(ctx context.Context, utterance string, vars map[string]string, journeyID, stateName string, candidates []GuidelineCandidate) ([]GuidelineVerdict, error)

	// CheckCompliance validates a drafted response against the active
	// guideline rules.
	CheckCompliance(ctx context.Context, response string, vars map[string]string, rules []GuidelineRule) (models.ValidationResult, error)

	// RewriteResponse produces a corrected response addressing the given
	// violations while preserving intent and tone.
	RewriteResponse(ctx context.Context, original string, violations []models.Violation, fixes []string) (string, error)
}
