// Package journey implements journey activation and state transitions. The
// engine owns the ordering guarantees around both: per-session activation is
// deduplicated through singleflight, and every context change is written to
// the durable store before the cache copy is refreshed.
package journey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/CallFlow/internal/cache"
	"github.com/BTreeMap/CallFlow/internal/degrade"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/oracle"
	"github.com/BTreeMap/CallFlow/internal/registry"
	"github.com/BTreeMap/CallFlow/internal/store"
)

// DefaultOracleTimeout bounds one activation or transition oracle call.
const DefaultOracleTimeout = 2 * time.Second

// Opts holds engine configuration.
type Opts struct {
	OracleTimeout time.Duration
}

// Option configures Opts.
type Option func(*Opts)

// WithOracleTimeout overrides the per-call oracle budget.
func WithOracleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.OracleTimeout = d }
}

// ActivationResult reports one activation attempt for auditing.
type ActivationResult struct {
	// Context is the newly activated journey context, nil when no journey
	// cleared the activation threshold.
	Context    *models.JourneyContext
	Confidence float64
	Reasoning  string
	CacheHit   bool
	LatencyMs  int64
}

// TransitionResult reports one transition evaluation for auditing.
type TransitionResult struct {
	Changed   bool
	FromState string
	ToState   string
	Reasoning string
	// Completed is set when the transition entered a terminal state.
	Completed bool
	LatencyMs int64
}

// activationOutcome is the cached shape of one oracle activation verdict.
type activationOutcome struct {
	JourneyID  string
	Confidence float64
	Reasoning  string
}

// Engine drives journey activation and state transitions.
type Engine struct {
	registry *registry.DefinitionRegistry
	store    store.Store
	cache    cache.Cache
	oracle   oracle.Client
	degrade  *degrade.Controller
	timeout  time.Duration
	group    singleflight.Group
	now      func() time.Time
}

// NewEngine creates a journey engine.
func NewEngine(reg *registry.DefinitionRegistry, st store.Store, c cache.Cache, oc oracle.Client, dc *degrade.Controller, opts ...Option) *Engine {
	cfg := Opts{OracleTimeout: DefaultOracleTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		registry: reg,
		store:    st,
		cache:    c,
		oracle:   oc,
		degrade:  dc,
		timeout:  cfg.OracleTimeout,
		now:      time.Now,
	}
}

// TryActivate attempts to activate a journey for the utterance. Journeys in
// activeJourneyIDs are excluded so a session never holds two active contexts
// for the same journey. Concurrent attempts for one session collapse into a
// single evaluation. A nil result with nil error means no journey cleared
// the threshold; oracle failure returns ErrNoDecision.
func (e *Engine) TryActivate(ctx context.Context, sessionID, utterance string, vars map[string]string, activeJourneyIDs []string) (*ActivationResult, error) {
	v, err, _ := e.group.Do(sessionID, func() (any, error) {
		return e.tryActivate(ctx, sessionID, utterance, vars, activeJourneyIDs)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ActivationResult), nil
}

func (e *Engine) tryActivate(ctx context.Context, sessionID, utterance string, vars map[string]string, activeJourneyIDs []string) (*ActivationResult, error) {
	start := e.now()

	// Merge the caller's view with the session's persisted state: one
	// session never holds two active contexts for the same journey, even
	// when a stale cached verdict points at an already-activated journey.
	active := e.activeJourneys(sessionID)
	for _, id := range activeJourneyIDs {
		active[id] = true
	}

	outcome, cacheHit := e.cachedOutcome(sessionID, utterance)
	if !cacheHit {
		if !e.degrade.Allow(degrade.SubsystemActivation) {
			slog.Debug("Engine.TryActivate: breaker open, skipping oracle", "session_id", sessionID)
			return nil, fmt.Errorf("activation breaker open: %w", models.ErrNoDecision)
		}

		candidates := e.activationCandidates(active)
		if len(candidates) == 0 {
			return &ActivationResult{LatencyMs: e.now().Sub(start).Milliseconds()}, nil
		}

		oracleCtx, cancel := context.WithTimeout(ctx, e.timeout)
		scores, err := e.oracle.EvaluateActivation(oracleCtx, utterance, vars, candidates)
		cancel()
		if err != nil {
			e.degrade.RecordFailure(degrade.SubsystemActivation)
			slog.Warn("Engine.TryActivate: oracle failed", "session_id", sessionID, "error", err)
			return nil, fmt.Errorf("activation evaluation failed: %w: %w", models.ErrNoDecision, err)
		}
		e.degrade.RecordSuccess(degrade.SubsystemActivation)

		outcome = pickBest(candidates, scores)
		e.cache.Set(cache.ActivationKey(sessionID, utterance), outcome, cache.ActivationTTL)
	}

	latency := e.now().Sub(start).Milliseconds()

	if outcome.JourneyID == "" || outcome.Confidence <= models.ActivationConfidenceThreshold {
		slog.Debug("Engine.TryActivate: no journey cleared threshold",
			"session_id", sessionID, "top_confidence", outcome.Confidence, "cache_hit", cacheHit)
		return &ActivationResult{Confidence: outcome.Confidence, Reasoning: outcome.Reasoning, CacheHit: cacheHit, LatencyMs: latency}, nil
	}
	if active[outcome.JourneyID] {
		// A cached verdict may point at a journey activated since.
		return &ActivationResult{Confidence: outcome.Confidence, Reasoning: outcome.Reasoning, CacheHit: cacheHit, LatencyMs: latency}, nil
	}

	journey, ok := e.registry.Journey(outcome.JourneyID)
	if !ok {
		return &ActivationResult{CacheHit: cacheHit, LatencyMs: latency}, nil
	}

	now := e.now()
	jctx := &models.JourneyContext{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		JourneyID:    journey.ID,
		JourneyName:  journey.Name,
		CurrentState: journey.InitialState,
		Variables:    map[string]string{},
		StateHistory: []models.StateHistoryEntry{{
			Event:     models.HistoryEventActivated,
			ToState:   journey.InitialState,
			Reason:    outcome.Reasoning,
			Timestamp: now,
		}},
		ActivatedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.persist(jctx); err != nil {
		return nil, err
	}

	slog.Info("Engine.TryActivate: journey activated",
		"session_id", sessionID, "journey", journey.Name, "confidence", outcome.Confidence, "cache_hit", cacheHit)
	return &ActivationResult{
		Context:    jctx,
		Confidence: outcome.Confidence,
		Reasoning:  outcome.Reasoning,
		CacheHit:   cacheHit,
		LatencyMs:  e.now().Sub(start).Milliseconds(),
	}, nil
}

// activeJourneys returns the journey ids with an active context for the
// session, preferring the cached context list over a store read.
func (e *Engine) activeJourneys(sessionID string) map[string]bool {
	out := map[string]bool{}
	if v, ok := e.cache.Get(cache.SessionContextKey(sessionID)); ok {
		if contexts, ok := v.([]models.JourneyContext); ok {
			for i := range contexts {
				if contexts[i].IsActive() {
					out[contexts[i].JourneyID] = true
				}
			}
			return out
		}
	}
	contexts, err := e.store.ListActiveContexts(sessionID)
	if err != nil {
		slog.Warn("Engine.activeJourneys: store read failed", "session_id", sessionID, "error", err)
		return out
	}
	for _, c := range contexts {
		out[c.JourneyID] = true
	}
	return out
}

func (e *Engine) cachedOutcome(sessionID, utterance string) (activationOutcome, bool) {
	v, ok := e.cache.Get(cache.ActivationKey(sessionID, utterance))
	if !ok {
		return activationOutcome{}, false
	}
	outcome, ok := v.(activationOutcome)
	return outcome, ok
}

func (e *Engine) activationCandidates(exclude map[string]bool) []oracle.ActivationCandidate {
	var out []oracle.ActivationCandidate
	for _, j := range e.registry.ActivationCandidates() {
		if exclude[j.ID] {
			continue
		}
		out = append(out, oracle.ActivationCandidate{
			JourneyID:            j.ID,
			Name:                 j.Name,
			Description:          j.Description,
			ActivationConditions: j.ActivationConditions,
		})
	}
	return out
}

// pickBest selects the highest-scoring candidate; on equal confidence the
// candidate earlier in definition order wins.
func pickBest(candidates []oracle.ActivationCandidate, scores []oracle.ActivationScore) activationOutcome {
	byID := make(map[string]oracle.ActivationScore, len(scores))
	for _, s := range scores {
		byID[s.JourneyID] = s
	}
	var best activationOutcome
	for _, c := range candidates {
		s, ok := byID[c.JourneyID]
		if !ok {
			continue
		}
		if best.JourneyID == "" || s.Confidence > best.Confidence {
			best = activationOutcome{JourneyID: c.JourneyID, Confidence: s.Confidence, Reasoning: s.Reasoning}
		}
	}
	return best
}

// EvaluateTransition evaluates transitions out of the context's current
// state. Unconditional transitions are satisfied without an oracle call.
// A result with Changed=false and nil error means no condition was met,
// which is a valid outcome; oracle failure returns ErrNoDecision.
func (e *Engine) EvaluateTransition(ctx context.Context, jctx *models.JourneyContext, utterance string) (*TransitionResult, error) {
	start := e.now()

	journey, ok := e.registry.Journey(jctx.JourneyID)
	if !ok {
		return nil, fmt.Errorf("journey %s not in registry: %w", jctx.JourneyID, models.ErrDefinitionInconsistency)
	}

	transitions := journey.TransitionsFrom(jctx.CurrentState)
	if len(transitions) == 0 {
		return &TransitionResult{FromState: jctx.CurrentState, ToState: jctx.CurrentState, LatencyMs: e.now().Sub(start).Milliseconds()}, nil
	}

	satisfied := make([]bool, len(transitions))
	reasons := make([]string, len(transitions))
	var conditional []oracle.TransitionCandidate
	for i, t := range transitions {
		if t.Condition == "" {
			satisfied[i] = true
			reasons[i] = "unconditional"
			continue
		}
		conditional = append(conditional, oracle.TransitionCandidate{
			Index:     i,
			ToState:   t.ToState,
			Condition: t.Condition,
			Priority:  t.Priority,
		})
	}

	if len(conditional) > 0 {
		if !e.degrade.Allow(degrade.SubsystemTransition) {
			slog.Debug("Engine.EvaluateTransition: breaker open, conditional transitions skipped",
				"session_id", jctx.SessionID, "journey", jctx.JourneyName)
		} else {
			oracleCtx, cancel := context.WithTimeout(ctx, e.timeout)
			verdicts, err := e.oracle.EvaluateTransition(oracleCtx, jctx.CurrentState, utterance, jctx.Variables, conditional)
			cancel()
			if err != nil {
				e.degrade.RecordFailure(degrade.SubsystemTransition)
				slog.Warn("Engine.EvaluateTransition: oracle failed",
					"session_id", jctx.SessionID, "state", jctx.CurrentState, "error", err)
				return nil, fmt.Errorf("transition evaluation failed: %w: %w", models.ErrNoDecision, err)
			}
			e.degrade.RecordSuccess(degrade.SubsystemTransition)
			for _, v := range verdicts {
				if v.Index < 0 || v.Index >= len(transitions) {
					continue
				}
				if v.Satisfied {
					satisfied[v.Index] = true
					reasons[v.Index] = v.Reasoning
				}
			}
		}
	}

	// Highest priority wins; on ties, declaration order.
	winner := -1
	for i := range transitions {
		if !satisfied[i] {
			continue
		}
		if winner == -1 || transitions[i].Priority > transitions[winner].Priority {
			winner = i
		}
	}
	if winner == -1 {
		slog.Debug("Engine.EvaluateTransition: no transition satisfied",
			"session_id", jctx.SessionID, "state", jctx.CurrentState)
		return &TransitionResult{FromState: jctx.CurrentState, ToState: jctx.CurrentState, LatencyMs: e.now().Sub(start).Milliseconds()}, nil
	}

	from := jctx.CurrentState
	target := transitions[winner].ToState
	jctx.TransitionTo(target, reasons[winner])

	completed := false
	if st, ok := journey.State(target); ok && st.Kind == models.StateKindTerminal {
		jctx.Complete("reached terminal state " + target)
		completed = true
	}

	if err := e.persist(jctx); err != nil {
		return nil, err
	}

	slog.Info("Engine.EvaluateTransition: state changed",
		"session_id", jctx.SessionID, "journey", jctx.JourneyName, "from", from, "to", target, "completed", completed)
	return &TransitionResult{
		Changed:   true,
		FromState: from,
		ToState:   target,
		Reasoning: reasons[winner],
		Completed: completed,
		LatencyMs: e.now().Sub(start).Milliseconds(),
	}, nil
}

// persist writes the context durably, then refreshes the cached session
// context list. The durable write failing leaves the cache untouched.
func (e *Engine) persist(jctx *models.JourneyContext) error {
	if err := e.store.SaveJourneyContext(*jctx); err != nil {
		return fmt.Errorf("failed to persist journey context: %w", errors.Join(models.ErrStoreUnavailable, err))
	}
	key := cache.SessionContextKey(jctx.SessionID)
	var contexts []models.JourneyContext
	if v, ok := e.cache.Get(key); ok {
		if cached, ok := v.([]models.JourneyContext); ok {
			contexts = cached
		}
	}
	replaced := false
	for i := range contexts {
		if contexts[i].ID == jctx.ID {
			contexts[i] = *jctx
			replaced = true
			break
		}
	}
	if !replaced {
		contexts = append(contexts, *jctx)
	}
	e.cache.Set(key, contexts, cache.SessionContextTTL)
	return nil
}

// Guidance builds the prompt augmentation for the context's current state:
// journey identity, state guidance text, and the outbound transitions so the
// generator knows where the conversation can go next.
func (e *Engine) Guidance(jctx *models.JourneyContext) string {
	journey, ok := e.registry.Journey(jctx.JourneyID)
	if !ok {
		return ""
	}
	state, ok := journey.State(jctx.CurrentState)
	if !ok {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Active journey: %s (state: %s)\n", journey.Name, state.Name)
	if state.Guidance != "" {
		b.WriteString(state.Guidance)
		b.WriteString("\n")
	}
	transitions := journey.TransitionsFrom(state.Name)
	if len(transitions) > 0 {
		b.WriteString("Possible next steps:\n")
		for _, t := range transitions {
			if t.Condition == "" {
				fmt.Fprintf(&b, "- %s\n", t.ToState)
				continue
			}
			fmt.Fprintf(&b, "- %s (when: %s)\n", t.ToState, t.Condition)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ToolDirectives returns the tools to invoke before generation when the
// current state is tool-invoking.
func (e *Engine) ToolDirectives(jctx *models.JourneyContext) []string {
	journey, ok := e.registry.Journey(jctx.JourneyID)
	if !ok {
		return nil
	}
	state, ok := journey.State(jctx.CurrentState)
	if !ok || state.Kind != models.StateKindTool {
		return nil
	}
	return state.Tools
}
