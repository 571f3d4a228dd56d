// Package degrade tracks oracle health per subsystem and opens a circuit
// breaker after repeated consecutive failures. While a breaker is open the
// pipeline skips that subsystem's oracle calls and falls back to its local
// degraded behavior.
package degrade

import (
	"log/slog"
	"sync"
	"time"
)

// Subsystem identifies one breaker-guarded oracle consumer.
type Subsystem string

const (
	SubsystemActivation Subsystem = "activation"
	SubsystemTransition Subsystem = "transition"
	SubsystemGuideline  Subsystem = "guideline_match"
	SubsystemValidation Subsystem = "validation"
)

const (
	// DefaultFailureThreshold is the consecutive failure count that opens a
	// breaker.
	DefaultFailureThreshold = 3
	// DefaultOpenWindow is how long an open breaker stays open before the
	// next call is allowed through.
	DefaultOpenWindow = 60 * time.Second
)

// Opts holds breaker configuration.
type Opts struct {
	FailureThreshold int
	OpenWindow       time.Duration
}

// Option configures Opts.
type Option func(*Opts)

// WithFailureThreshold overrides the consecutive failure count.
func WithFailureThreshold(n int) Option {
	return func(o *Opts) { o.FailureThreshold = n }
}

// WithOpenWindow overrides how long a tripped breaker stays open.
func WithOpenWindow(d time.Duration) Option {
	return func(o *Opts) { o.OpenWindow = d }
}

type breaker struct {
	consecutiveFailures int
	openUntil           time.Time
}

// Controller tracks one breaker per subsystem. Safe for concurrent use.
type Controller struct {
	mu        sync.Mutex
	breakers  map[Subsystem]*breaker
	threshold int
	window    time.Duration
	now       func() time.Time
}

// NewController creates a Controller with all breakers closed.
func NewController(opts ...Option) *Controller {
	cfg := Opts{
		FailureThreshold: DefaultFailureThreshold,
		OpenWindow:       DefaultOpenWindow,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	return &Controller{
		breakers:  make(map[Subsystem]*breaker),
		threshold: cfg.FailureThreshold,
		window:    cfg.OpenWindow,
		now:       time.Now,
	}
}

func (c *Controller) get(s Subsystem) *breaker {
	b, ok := c.breakers[s]
	if !ok {
		b = &breaker{}
		c.breakers[s] = b
	}
	return b
}

// Allow reports whether the subsystem's oracle calls may proceed. An open
// breaker closes again once its window has elapsed.
func (c *Controller) Allow(s Subsystem) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.get(s)
	if b.openUntil.IsZero() {
		return true
	}
	if c.now().Before(b.openUntil) {
		return false
	}
	// Window elapsed: close the breaker and let the next call probe.
	b.openUntil = time.Time{}
	b.consecutiveFailures = 0
	slog.Info("Controller.Allow: breaker window elapsed, closing", "subsystem", s)
	return true
}

// RecordFailure counts one oracle failure. Reaching the threshold opens the
// breaker for the configured window.
func (c *Controller) RecordFailure(s Subsystem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.get(s)
	b.consecutiveFailures++
	slog.Debug("Controller.RecordFailure: failure recorded",
		"subsystem", s, "consecutive", b.consecutiveFailures, "threshold", c.threshold)
	if b.consecutiveFailures >= c.threshold && b.openUntil.IsZero() {
		b.openUntil = c.now().Add(c.window)
		slog.Warn("Controller.RecordFailure: breaker opened",
			"subsystem", s, "open_until", b.openUntil)
	}
}

// RecordSuccess resets the subsystem's failure streak and closes its breaker.
func (c *Controller) RecordSuccess(s Subsystem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.get(s)
	if b.consecutiveFailures > 0 || !b.openUntil.IsZero() {
		slog.Debug("Controller.RecordSuccess: breaker reset", "subsystem", s)
	}
	b.consecutiveFailures = 0
	b.openUntil = time.Time{}
}

// Open reports whether the subsystem's breaker is currently open, without
// mutating its state.
func (c *Controller) Open(s Subsystem) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.get(s)
	return !b.openUntil.IsZero() && c.now().Before(b.openUntil)
}
