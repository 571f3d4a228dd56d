// Package pipeline is the upstream boundary of the flow-control core: one
// call per utterance before generation, one call per drafted response after.
// It sequences the journey engine, guideline matcher, priority resolver and
// validator, emits an audit record at every decision point, and contains
// failures so the conversation never dies because a subsystem did.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CallFlow/internal/guideline"
	"github.com/BTreeMap/CallFlow/internal/journey"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/oracle"
	"github.com/BTreeMap/CallFlow/internal/registry"
	"github.com/BTreeMap/CallFlow/internal/session"
	"github.com/BTreeMap/CallFlow/internal/tools"
	"github.com/BTreeMap/CallFlow/internal/validator"
)

// TurnRequest is one inbound utterance.
type TurnRequest struct {
	SessionID string
	CallID    string
	Utterance string
}

// TurnResult is everything the generation side needs for this turn.
type TurnResult struct {
	// Augmentation is the prompt text to inject: state guidance plus the
	// merged guideline directives.
	Augmentation string
	// ToolResults holds the output of tool-state directives, keyed by tool
	// name; the same values are already in the context variables.
	ToolResults map[string]any
	// Rules is the applied guideline set, passed back to ValidateResponse.
	Rules []oracle.GuidelineRule
	// Flags reports which subsystems were bypassed this turn.
	Flags models.SessionFlags

	applied []guideline.Applied
}

// ValidationRequest checks one drafted response before release.
type ValidationRequest struct {
	SessionID string
	Response  string
	Rules     []oracle.GuidelineRule
}

// ValidationReply carries the releasable text.
type ValidationReply struct {
	Text     string
	Fixed    bool
	Bypassed bool
}

// Pipeline wires the flow-control components into the per-turn sequence.
type Pipeline struct {
	sessions  *session.Manager
	registry  *registry.DefinitionRegistry
	engine    *journey.Engine
	matcher   *guideline.Matcher
	validator *validator.Validator
	executor  *tools.Executor
}

// New creates a pipeline over fully constructed components.
func New(sm *session.Manager, reg *registry.DefinitionRegistry, eng *journey.Engine, m *guideline.Matcher, v *validator.Validator, ex *tools.Executor) *Pipeline {
	return &Pipeline{
		sessions:  sm,
		registry:  reg,
		engine:    eng,
		matcher:   m,
		validator: v,
		executor:  ex,
	}
}

// ProcessUtterance runs the pre-generation half of a turn: journey
// activation or transition, tool directives, guideline matching and
// resolution. Subsystem failures degrade the turn and set flags; they never
// return an error to the caller. The session stays alive in fully-bypassed
// mode even when the durable store is down.
func (p *Pipeline) ProcessUtterance(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	unlock := p.sessions.Lock(req.SessionID)
	defer unlock()

	turn := p.sessions.BeginTurn(req.SessionID)
	slog.Debug("Pipeline.ProcessUtterance: turn started",
		"session_id", req.SessionID, "call_id", req.CallID, "turn", turn)

	contexts, err := p.sessions.ActiveContexts(req.SessionID)
	if err != nil {
		// Fully-bypassed mode: no journey control, no matching; the regex
		// guards still protect the response side.
		p.sessions.UpdateFlags(req.SessionID, func(f *models.SessionFlags) {
			f.StoreBypassed = true
			f.JourneyBypassed = true
			f.GuidelinesBypassed = true
		})
		slog.Warn("Pipeline.ProcessUtterance: store unavailable, turn fully bypassed",
			"session_id", req.SessionID, "error", err)
		return &TurnResult{Flags: p.sessions.Flags(req.SessionID)}, nil
	}

	primary := p.journeyPhase(ctx, req, contexts)

	result := &TurnResult{}
	if primary != nil {
		p.toolPhase(ctx, req.SessionID, primary, result)
	}
	p.guidelinePhase(ctx, req, primary, result)
	p.buildAugmentation(primary, result)

	result.Flags = p.sessions.Flags(req.SessionID)
	return result, nil
}

// journeyPhase drives transitions on the active contexts, attempts
// activation when none is active, and returns the primary context for the
// rest of the turn.
func (p *Pipeline) journeyPhase(ctx context.Context, req TurnRequest, contexts []models.JourneyContext) *models.JourneyContext {
	var primary *models.JourneyContext
	activeIDs := make([]string, 0, len(contexts))

	for i := range contexts {
		jctx := &contexts[i]
		activeIDs = append(activeIDs, jctx.JourneyID)

		res, err := p.engine.EvaluateTransition(ctx, jctx, req.Utterance)
		if err != nil {
			if errors.Is(err, models.ErrNoDecision) {
				p.degradeJourney(req.SessionID, jctx.JourneyID, "transition", err)
				if primary == nil {
					primary = jctx
				}
				continue
			}
			slog.Error("Pipeline.journeyPhase: transition failed",
				"session_id", req.SessionID, "journey_id", jctx.JourneyID, "error", err)
			continue
		}
		p.audit(req.SessionID, jctx.JourneyID, models.AuditKindTransition, map[string]any{
			"from_state": res.FromState,
			"to_state":   res.ToState,
			"changed":    res.Changed,
			"completed":  res.Completed,
			"reasoning":  res.Reasoning,
		}, 0, res.LatencyMs)

		if jctx.IsActive() && primary == nil {
			primary = jctx
		}
	}

	if primary != nil {
		return primary
	}

	res, err := p.engine.TryActivate(ctx, req.SessionID, req.Utterance, nil, activeIDs)
	if err != nil {
		if errors.Is(err, models.ErrNoDecision) {
			p.degradeJourney(req.SessionID, "", "activation", err)
			return nil
		}
		slog.Error("Pipeline.journeyPhase: activation failed", "session_id", req.SessionID, "error", err)
		return nil
	}

	payload := map[string]any{"matched": res.Context != nil, "cache_hit": res.CacheHit}
	journeyID := ""
	if res.Context != nil {
		journeyID = res.Context.JourneyID
		payload["journey"] = res.Context.JourneyName
		payload["initial_state"] = res.Context.CurrentState
	}
	p.audit(req.SessionID, journeyID, models.AuditKindActivation, payload, res.Confidence, res.LatencyMs)
	return res.Context
}

// toolPhase executes the current state's tool directives and folds the
// results into the context variables before guidance is finalized.
func (p *Pipeline) toolPhase(ctx context.Context, sessionID string, jctx *models.JourneyContext, result *TurnResult) {
	directives := p.engine.ToolDirectives(jctx)
	if len(directives) == 0 {
		return
	}

	result.ToolResults = make(map[string]any, len(directives))
	changed := false
	for _, name := range directives {
		args := make(map[string]any, len(jctx.Variables))
		for k, v := range jctx.Variables {
			args[k] = v
		}
		res, err := p.executor.Execute(ctx, name, args)
		p.audit(sessionID, jctx.JourneyID, models.AuditKindToolCall, map[string]any{
			"tool":      name,
			"succeeded": err == nil,
			"cache_hit": err == nil && res.CacheHit,
		}, 0, res.LatencyMs)
		if err != nil {
			slog.Warn("Pipeline.toolPhase: tool failed",
				"session_id", sessionID, "tool", name, "error", err)
			continue
		}
		result.ToolResults[name] = res.Value
		jctx.SetVariable(name, fmt.Sprintf("%v", res.Value))
		changed = true
	}
	if changed {
		if err := p.sessions.SaveContext(*jctx); err != nil {
			slog.Warn("Pipeline.toolPhase: failed to persist tool results",
				"session_id", sessionID, "error", err)
		}
	}
}

// guidelinePhase matches and resolves guidelines for the turn.
func (p *Pipeline) guidelinePhase(ctx context.Context, req TurnRequest, primary *models.JourneyContext, result *TurnResult) {
	journeyID, stateName := "", ""
	var vars map[string]string
	if primary != nil {
		journeyID, stateName = primary.JourneyID, primary.CurrentState
		vars = primary.Variables
	}

	outcome, err := p.matcher.Match(ctx, req.Utterance, journeyID, stateName, vars)
	if err != nil {
		var latency int64
		if outcome != nil {
			latency = outcome.LatencyMs
		}
		p.sessions.UpdateFlags(req.SessionID, func(f *models.SessionFlags) { f.GuidelinesBypassed = true })
		p.audit(req.SessionID, journeyID, models.AuditKindDegradation, map[string]any{
			"subsystem": "guideline_match",
			"error":     err.Error(),
		}, 0, latency)
		return
	}
	p.audit(req.SessionID, journeyID, models.AuditKindGuidelineMatch, map[string]any{
		"stage":      string(outcome.Stage),
		"candidates": outcome.Candidates,
		"matches":    len(outcome.Matches),
	}, 0, outcome.LatencyMs)

	res := guideline.Resolve(p.registry, outcome.Matches)
	for _, s := range res.Suppressed {
		p.audit(req.SessionID, journeyID, models.AuditKindConflict, map[string]any{
			"guideline_id": s.GuidelineID,
			"winner_id":    s.WinnerID,
			"conflict_key": s.ConflictKey,
		}, 0, 0)
	}

	for _, a := range res.Applied {
		result.Rules = append(result.Rules, oracle.GuidelineRule{
			GuidelineID: a.Guideline.ID,
			Name:        a.Guideline.Name,
			Action:      a.Guideline.Action,
		})
	}
	result.applied = res.Applied
}

// buildAugmentation assembles the prompt text from state guidance and the
// resolved guideline actions, highest precedence first.
func (p *Pipeline) buildAugmentation(primary *models.JourneyContext, result *TurnResult) {
	var parts []string
	if primary != nil {
		if guidance := p.engine.Guidance(primary); guidance != "" {
			parts = append(parts, guidance)
		}
	}
	if len(result.applied) > 0 {
		var b strings.Builder
		b.WriteString("Follow these rules, in order of precedence:")
		for _, a := range result.applied {
			fmt.Fprintf(&b, "\n- %s", a.Guideline.Action)
		}
		parts = append(parts, b.String())
	}
	result.Augmentation = strings.Join(parts, "\n\n")
}

// ValidateResponse runs the post-generation half of the turn. A rejected
// response returns ErrResponseRejected; the caller must not release the
// text.
func (p *Pipeline) ValidateResponse(ctx context.Context, req ValidationRequest) (*ValidationReply, error) {
	unlock := p.sessions.Lock(req.SessionID)
	defer unlock()

	var vars map[string]string
	if contexts, err := p.sessions.ActiveContexts(req.SessionID); err == nil && len(contexts) > 0 {
		vars = contexts[0].Variables
	}

	out, err := p.validator.Validate(ctx, req.Response, vars, req.Rules)
	if out != nil {
		if out.Bypassed {
			p.sessions.UpdateFlags(req.SessionID, func(f *models.SessionFlags) { f.ValidationBypassed = true })
		}
		p.audit(req.SessionID, "", models.AuditKindValidation, map[string]any{
			"is_valid":   out.Result.IsValid,
			"violations": len(out.Result.Violations),
			"fixed":      out.Fixed,
			"bypassed":   out.Bypassed,
			"rejected":   err != nil,
		}, out.Result.Confidence, out.LatencyMs)
	}
	if err != nil {
		return nil, err
	}
	return &ValidationReply{Text: out.Text, Fixed: out.Fixed, Bypassed: out.Bypassed}, nil
}

// EndSession releases the session's state and cache entries after hangup.
func (p *Pipeline) EndSession(sessionID string) {
	p.sessions.EndSession(sessionID)
}

func (p *Pipeline) degradeJourney(sessionID, journeyID, operation string, err error) {
	p.sessions.UpdateFlags(sessionID, func(f *models.SessionFlags) { f.JourneyBypassed = true })
	p.audit(sessionID, journeyID, models.AuditKindDegradation, map[string]any{
		"subsystem": operation,
		"error":     err.Error(),
	}, 0, 0)
}

// audit emits one record and keeps the turn alive when the write fails.
func (p *Pipeline) audit(sessionID, journeyID string, kind models.AuditKind, payload any, confidence float64, latencyMs int64) {
	if err := p.sessions.EmitAudit(sessionID, journeyID, kind, payload, confidence, latencyMs); err != nil {
		slog.Error("Pipeline.audit: audit write failed",
			"session_id", sessionID, "kind", kind, "error", err)
	}
}
