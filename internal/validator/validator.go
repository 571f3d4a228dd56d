// Package validator implements the post-generation compliance check: an
// oracle pass over the applied guidelines with a single bounded auto-fix
// attempt, plus local regex guards that run on every turn.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CallFlow/internal/degrade"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/oracle"
)

// DefaultOracleTimeout bounds one compliance or rewrite oracle call.
const DefaultOracleTimeout = 2 * time.Second

// Opts holds validator configuration.
type Opts struct {
	OracleTimeout time.Duration
}

// Option configures Opts.
type Option func(*Opts)

// WithOracleTimeout overrides the per-call oracle budget.
func WithOracleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.OracleTimeout = d }
}

// Validated reports one validation run.
type Validated struct {
	// Text is the releasable response: the original, or the fixed version.
	Text string
	// Result is the final compliance verdict (post-fix when a fix ran).
	Result models.ValidationResult
	// Fixed is set when the released text is the rewritten version.
	Fixed bool
	// Bypassed is set when the oracle check could not run; regex guards
	// still ran.
	Bypassed  bool
	LatencyMs int64
}

// Validator checks drafted responses before release.
type Validator struct {
	oracle  oracle.Client
	degrade *degrade.Controller
	timeout time.Duration
	now     func() time.Time
}

// NewValidator creates a response validator.
func NewValidator(oc oracle.Client, dc *degrade.Controller, opts ...Option) *Validator {
	cfg := Opts{OracleTimeout: DefaultOracleTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Validator{oracle: oc, degrade: dc, timeout: cfg.OracleTimeout, now: time.Now}
}

// Validate checks the response against the applied guideline rules. An
// invalid verdict with confidence strictly above the auto-fix threshold gets
// exactly one rewrite followed by one re-check; anything still invalid is
// rejected with ErrResponseRejected so noncompliant text is never released.
// When the oracle is unavailable the check is bypassed and flagged, but the
// regex guards always run and a tripped guard rejects the turn outright.
func (v *Validator) Validate(ctx context.Context, response string, vars map[string]string, rules []oracle.GuidelineRule) (*Validated, error) {
	start := v.now()

	if !v.degrade.Allow(degrade.SubsystemValidation) {
		return v.bypass(response, start, "breaker open")
	}

	oracleCtx, cancel := context.WithTimeout(ctx, v.timeout)
	result, err := v.oracle.CheckCompliance(oracleCtx, response, vars, rules)
	cancel()
	if err != nil {
		v.degrade.RecordFailure(degrade.SubsystemValidation)
		slog.Warn("Validator.Validate: compliance check unavailable", "error", err)
		return v.bypass(response, start, err.Error())
	}
	v.degrade.RecordSuccess(degrade.SubsystemValidation)

	if result.IsValid {
		return v.release(response, result, false, start)
	}

	if result.Confidence <= models.AutoFixConfidenceThreshold {
		slog.Warn("Validator.Validate: rejected without fix attempt",
			"violations", len(result.Violations), "confidence", result.Confidence)
		return &Validated{Text: response, Result: result, LatencyMs: v.now().Sub(start).Milliseconds()},
			fmt.Errorf("low-confidence invalid verdict: %w", models.ErrResponseRejected)
	}

	// One fix attempt, one re-check, never more.
	fixed, err := v.rewrite(ctx, response, result)
	if err != nil {
		slog.Warn("Validator.Validate: fix attempt failed", "error", err)
		return &Validated{Text: response, Result: result, LatencyMs: v.now().Sub(start).Milliseconds()},
			fmt.Errorf("fix attempt failed: %w", models.ErrResponseRejected)
	}

	recheckCtx, cancel := context.WithTimeout(ctx, v.timeout)
	recheck, err := v.oracle.CheckCompliance(recheckCtx, fixed, vars, rules)
	cancel()
	if err != nil {
		v.degrade.RecordFailure(degrade.SubsystemValidation)
		slog.Warn("Validator.Validate: re-check unavailable, rejecting", "error", err)
		return &Validated{Text: response, Result: result, LatencyMs: v.now().Sub(start).Milliseconds()},
			fmt.Errorf("re-check unavailable after fix: %w", models.ErrResponseRejected)
	}
	v.degrade.RecordSuccess(degrade.SubsystemValidation)

	if !recheck.IsValid {
		slog.Warn("Validator.Validate: still invalid after fix",
			"violations", len(recheck.Violations), "confidence", recheck.Confidence)
		return &Validated{Text: fixed, Result: recheck, Fixed: true, LatencyMs: v.now().Sub(start).Milliseconds()},
			models.ErrResponseRejected
	}
	return v.release(fixed, recheck, true, start)
}

// release runs the guards over the releasable text and returns it, or
// rejects when a guard trips.
func (v *Validator) release(text string, result models.ValidationResult, fixed bool, start time.Time) (*Validated, error) {
	out := &Validated{Text: text, Result: result, Fixed: fixed, LatencyMs: v.now().Sub(start).Milliseconds()}
	if guardViolations := runGuards(text); len(guardViolations) > 0 {
		out.Result.IsValid = false
		out.Result.Violations = append(out.Result.Violations, guardViolations...)
		slog.Warn("Validator.release: regex guard tripped", "guards", len(guardViolations))
		return out, fmt.Errorf("regex guard violation: %w", models.ErrResponseRejected)
	}
	return out, nil
}

// bypass handles an unavailable oracle: the LLM check is skipped and
// flagged, the guards still run.
func (v *Validator) bypass(response string, start time.Time, reason string) (*Validated, error) {
	out := &Validated{
		Text:      response,
		Result:    models.ValidationResult{IsValid: true},
		Bypassed:  true,
		LatencyMs: v.now().Sub(start).Milliseconds(),
	}
	slog.Warn("Validator.bypass: compliance check bypassed", "reason", reason)
	if guardViolations := runGuards(response); len(guardViolations) > 0 {
		out.Result.IsValid = false
		out.Result.Violations = guardViolations
		return out, fmt.Errorf("regex guard violation during bypass: %w", models.ErrResponseRejected)
	}
	return out, nil
}

func (v *Validator) rewrite(ctx context.Context, response string, result models.ValidationResult) (string, error) {
	rewriteCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	return v.oracle.RewriteResponse(rewriteCtx, response, result.Violations, result.SuggestedFixes)
}
