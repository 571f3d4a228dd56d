package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CallFlow/internal/cache"
)

// Result carries a tool outcome plus execution metadata for auditing.
type Result struct {
	ToolName  string
	Value     any
	CacheHit  bool
	LatencyMs int64
}

// Executor runs registered tools with timeout protection, result caching
// and per-identifier rate limiting.
type Executor struct {
	registry *Registry
	cache    cache.Cache
	now      func() time.Time

	// rlMu serializes rate-limit counter updates; the counters are shared
	// mutable values living in the cache.
	rlMu sync.Mutex
}

// NewExecutor creates an Executor backed by the given registry and cache.
func NewExecutor(registry *Registry, c cache.Cache) *Executor {
	return &Executor{registry: registry, cache: c, now: time.Now}
}

// rateCounter tracks calls within one rate-limit window.
type rateCounter struct {
	count int
}

// Execute runs the named tool. Cached results are returned without invoking
// the handler. The handler runs under the tool's timeout; exceeding it
// returns ErrToolTimeout.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]any) (Result, error) {
	start := e.now()

	def, ok := e.registry.Get(toolName)
	if !ok {
		slog.Error("Executor.Execute: tool not found", "tool", toolName)
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}

	if err := e.checkRateLimit(def, args); err != nil {
		return Result{}, err
	}

	fingerprint := argsFingerprint(args)
	cacheKey := cache.ToolResultKey(toolName, fingerprint)
	if def.CacheTTL > 0 {
		if cached, ok := e.cache.Get(cacheKey); ok {
			latency := e.now().Sub(start).Milliseconds()
			slog.Debug("Executor.Execute: cache hit", "tool", toolName, "latency_ms", latency)
			return Result{ToolName: toolName, Value: cached, CacheHit: true, LatencyMs: latency}, nil
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := def.Handler(execCtx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-execCtx.Done():
		latency := e.now().Sub(start).Milliseconds()
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			slog.Error("Executor.Execute: timeout",
				"tool", toolName, "timeout", def.Timeout, "latency_ms", latency)
			return Result{}, fmt.Errorf("%w: %s after %s", ErrToolTimeout, toolName, def.Timeout)
		}
		return Result{}, fmt.Errorf("tool %s canceled: %w", toolName, execCtx.Err())
	case out := <-done:
		latency := e.now().Sub(start).Milliseconds()
		if out.err != nil {
			slog.Error("Executor.Execute: tool failed",
				"tool", toolName, "error", out.err, "latency_ms", latency)
			return Result{}, fmt.Errorf("tool %s failed: %w", toolName, out.err)
		}
		if def.CacheTTL > 0 {
			e.cache.Set(cacheKey, out.value, def.CacheTTL)
		}
		slog.Info("Executor.Execute: tool executed", "tool", toolName, "latency_ms", latency)
		return Result{ToolName: toolName, Value: out.value, LatencyMs: latency}, nil
	}
}

// checkRateLimit enforces the tool's per-identifier call cap. Counters live
// in the cache under the rate-limit window TTL.
func (e *Executor) checkRateLimit(def Definition, args map[string]any) error {
	if def.RateLimit == nil {
		return nil
	}
	identifier, _ := args[def.RateLimit.IdentifierField].(string)
	if identifier == "" {
		return nil
	}
	e.rlMu.Lock()
	defer e.rlMu.Unlock()

	key := "tool:ratelimit:" + def.Name + ":" + identifier
	count := 0
	if v, ok := e.cache.Get(key); ok {
		if c, ok := v.(*rateCounter); ok {
			count = c.count
		}
	}
	if count >= def.RateLimit.MaxCalls {
		slog.Warn("Executor.checkRateLimit: rate limit exceeded",
			"tool", def.Name, "identifier", identifier,
			"max_calls", def.RateLimit.MaxCalls, "window", def.RateLimit.Window)
		return fmt.Errorf("%w: %s allows %d calls per %s",
			ErrRateLimited, def.Name, def.RateLimit.MaxCalls, def.RateLimit.Window)
	}
	if count == 0 {
		e.cache.Set(key, &rateCounter{count: 1}, def.RateLimit.Window)
		return nil
	}
	if v, ok := e.cache.Get(key); ok {
		if c, ok := v.(*rateCounter); ok {
			c.count++
		}
	}
	return nil
}

// argsFingerprint hashes the argument map into a stable short key. Map keys
// are sorted by json.Marshal, so identical arguments always collide.
func argsFingerprint(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
