// Package guideline implements the two-stage guideline matcher and the
// priority resolver. Stage one is a pure-local keyword prefilter; stage two
// is a single batched oracle evaluation under a hard abort budget.
package guideline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CallFlow/internal/degrade"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/oracle"
	"github.com/BTreeMap/CallFlow/internal/registry"
	"github.com/BTreeMap/CallFlow/internal/util"
)

const (
	// DefaultMaxCandidates caps the stage-1 candidate set handed to the oracle.
	DefaultMaxCandidates = 20
	// DefaultStageTwoBudget is the hard abort budget for the oracle batch.
	DefaultStageTwoBudget = 100 * time.Millisecond
)

// Opts holds matcher configuration.
type Opts struct {
	MaxCandidates  int
	StageTwoBudget time.Duration
}

// Option configures Opts.
type Option func(*Opts)

// WithMaxCandidates overrides the stage-1 candidate cap.
func WithMaxCandidates(n int) Option {
	return func(o *Opts) { o.MaxCandidates = n }
}

// WithStageTwoBudget overrides the oracle batch abort budget.
func WithStageTwoBudget(d time.Duration) Option {
	return func(o *Opts) { o.StageTwoBudget = d }
}

// Outcome reports one matching run for auditing.
type Outcome struct {
	Matches []models.GuidelineMatch
	// Stage names the stage that produced the matches.
	Stage      models.MatchStage
	Candidates int
	LatencyMs  int64
}

// Matcher selects applicable guidelines for one utterance.
type Matcher struct {
	registry *registry.DefinitionRegistry
	oracle   oracle.Client
	degrade  *degrade.Controller
	maxCand  int
	budget   time.Duration
	now      func() time.Time
}

// NewMatcher creates a guideline matcher.
func NewMatcher(reg *registry.DefinitionRegistry, oc oracle.Client, dc *degrade.Controller, opts ...Option) *Matcher {
	cfg := Opts{MaxCandidates: DefaultMaxCandidates, StageTwoBudget: DefaultStageTwoBudget}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Matcher{
		registry: reg,
		oracle:   oc,
		degrade:  dc,
		maxCand:  cfg.MaxCandidates,
		budget:   cfg.StageTwoBudget,
		now:      time.Now,
	}
}

// Match runs both stages. On stage-2 abort the outcome carries an empty
// match set and the error wraps ErrMatchTimeout; the turn proceeds without
// guidelines. While the guideline breaker is open, stage-1 candidates are
// returned directly without confidence scores.
func (m *Matcher) Match(ctx context.Context, utterance, journeyID, stateName string, vars map[string]string) (*Outcome, error) {
	start := m.now()

	candidates := m.prefilter(utterance, journeyID, stateName)
	if len(candidates) == 0 {
		return &Outcome{Stage: models.MatchStageKeyword, LatencyMs: m.now().Sub(start).Milliseconds()}, nil
	}

	if !m.degrade.Allow(degrade.SubsystemGuideline) {
		matches := make([]models.GuidelineMatch, len(candidates))
		for i, g := range candidates {
			matches[i] = models.GuidelineMatch{GuidelineID: g.ID, Stage: models.MatchStageBreakerOpen}
		}
		slog.Debug("Matcher.Match: breaker open, stage-1 passthrough",
			"candidates", len(candidates), "journey_id", journeyID, "state", stateName)
		return &Outcome{
			Matches:    matches,
			Stage:      models.MatchStageBreakerOpen,
			Candidates: len(candidates),
			LatencyMs:  m.now().Sub(start).Milliseconds(),
		}, nil
	}

	oracleCandidates := make([]oracle.GuidelineCandidate, len(candidates))
	for i, g := range candidates {
		oracleCandidates[i] = oracle.GuidelineCandidate{
			GuidelineID: g.ID,
			Name:        g.Name,
			Condition:   g.Condition,
			Action:      g.Action,
		}
	}

	oracleCtx, cancel := context.WithTimeout(ctx, m.budget)
	verdicts, err := m.oracle.MatchGuidelines(oracleCtx, utterance, vars, journeyID, stateName, oracleCandidates)
	cancel()
	latency := m.now().Sub(start).Milliseconds()
	if err != nil {
		m.degrade.RecordFailure(degrade.SubsystemGuideline)
		slog.Warn("Matcher.Match: stage 2 aborted",
			"candidates", len(candidates), "latency_ms", latency, "error", err)
		return &Outcome{Stage: models.MatchStageOracle, Candidates: len(candidates), LatencyMs: latency},
			fmt.Errorf("guideline batch evaluation aborted: %w: %w", models.ErrMatchTimeout, err)
	}
	m.degrade.RecordSuccess(degrade.SubsystemGuideline)

	known := make(map[string]bool, len(candidates))
	for _, g := range candidates {
		known[g.ID] = true
	}
	var matches []models.GuidelineMatch
	for _, v := range verdicts {
		if !v.Applies || !known[v.GuidelineID] {
			continue
		}
		if v.Confidence <= models.GuidelineConfidenceThreshold {
			continue
		}
		matches = append(matches, models.GuidelineMatch{
			GuidelineID: v.GuidelineID,
			Confidence:  v.Confidence,
			Stage:       models.MatchStageOracle,
			Reasoning:   v.Reasoning,
		})
	}

	slog.Debug("Matcher.Match: complete",
		"candidates", len(candidates), "matches", len(matches), "latency_ms", latency)
	return &Outcome{
		Matches:    matches,
		Stage:      models.MatchStageOracle,
		Candidates: len(candidates),
		LatencyMs:  latency,
	}, nil
}

// prefilter is the pure-local stage one: tokenize the utterance, union the
// keyword index hits, intersect with the scope stack, and fall back to the
// whole scoped set when no keyword matches. The result is capped.
func (m *Matcher) prefilter(utterance, journeyID, stateName string) []models.Guideline {
	scoped := m.registry.GuidelinesForScope(journeyID, stateName)
	if len(scoped) == 0 {
		return nil
	}

	hits := map[string]bool{}
	for _, token := range util.Tokenize(utterance) {
		for _, id := range m.registry.LookupKeyword(token) {
			hits[id] = true
		}
	}

	var candidates []models.Guideline
	if len(hits) > 0 {
		for _, g := range scoped {
			if hits[g.ID] {
				candidates = append(candidates, g)
			}
		}
	}
	// No keyword overlap: every scoped guideline stays in play.
	if len(candidates) == 0 {
		candidates = scoped
	}
	if len(candidates) > m.maxCand {
		candidates = candidates[:m.maxCand]
	}
	return candidates
}
