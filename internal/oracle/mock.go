package oracle

import (
	"context"
	"sync"

	"github.com/BTreeMap/CallFlow/internal/models"
)

// MockClient is a configurable Client for tests. Each method delegates to
// the corresponding Fn field when set and otherwise returns a benign
// default. Calls are recorded and safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	EvaluateActivationFn func(ctx context.Context, utterance string, vars map[string]string, candidates []ActivationCandidate) ([]ActivationScore, error)
	EvaluateTransitionFn func(ctx context.Context, currentState, utterance string, vars map[string]string, candidates []TransitionCandidate) ([]TransitionVerdict, error)
	MatchGuidelinesFn    func(ctx context.Context, utterance string, vars map[string]string, journeyID, stateName string, candidates []GuidelineCandidate) ([]GuidelineVerdict, error)
	CheckComplianceFn    func(ctx context.Context, response string, vars map[string]string, rules []GuidelineRule) (models.ValidationResult, error)
	RewriteResponseFn    func(ctx context.Context, original string, violations []models.Violation, fixes []string) (string, error)

	ActivationCalls int
	TransitionCalls int
	MatchCalls      int
	ComplianceCalls int
	RewriteCalls    int
}

// NewMockClient creates a MockClient whose defaults decline every decision:
// zero scores, no satisfied transitions, no guideline matches, and valid
// responses.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// EvaluateActivation implements Client.
func (m *MockClient) EvaluateActivation(ctx context.Context, utterance string, vars map[string]string, candidates []ActivationCandidate) ([]ActivationScore, error) {
	m.mu.Lock()
	m.ActivationCalls++
	fn := m.EvaluateActivationFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, utterance, vars, candidates)
	}
	scores := make([]ActivationScore, len(candidates))
	for i, c := range candidates {
		scores[i] = ActivationScore{JourneyID: c.JourneyID}
	}
	return scores, nil
}

// EvaluateTransition implements Client.
func (m *MockClient) EvaluateTransition(ctx context.Context, currentState, utterance string, vars map[string]string, candidates []TransitionCandidate) ([]TransitionVerdict, error) {
	m.mu.Lock()
	m.TransitionCalls++
	fn := m.EvaluateTransitionFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, currentState, utterance, vars, candidates)
	}
	verdicts := make([]TransitionVerdict, len(candidates))
	for i, c := range candidates {
		verdicts[i] = TransitionVerdict{Index: c.Index}
	}
	return verdicts, nil
}

// MatchGuidelines implements Client.
func (m *MockClient) MatchGuidelines(ctx context.Context, utterance string, vars map[string]string, journeyID, stateName string, candidates []GuidelineCandidate) ([]GuidelineVerdict, error) {
	m.mu.Lock()
	m.MatchCalls++
	fn := m.MatchGuidelinesFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, utterance, vars, journeyID, stateName, candidates)
	}
	return nil, nil
}

// CheckCompliance implements Client.
func (m *MockClient) CheckCompliance(ctx context.Context, response string, vars map[string]string, rules []GuidelineRule) (models.ValidationResult, error) {
	m.mu.Lock()
	m.ComplianceCalls++
	fn := m.CheckComplianceFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, response, vars, rules)
	}
	return models.ValidationResult{IsValid: true, Confidence: 1.0}, nil
}

// RewriteResponse implements Client.
func (m *MockClient) RewriteResponse(ctx context.Context, original string, violations []models.Violation, fixes []string) (string, error) {
	m.mu.Lock()
	m.RewriteCalls++
	fn := m.RewriteResponseFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, original, violations, fixes)
	}
	return original, nil
}

var _ Client = (*MockClient)(nil)
