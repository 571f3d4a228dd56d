// Package tools provides the tool registry and executor used by tool states.
// Tools are registered at startup with a JSON-schema parameter contract and
// executed under per-tool timeouts with result caching and rate limiting.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrToolNotFound is returned when a directive names an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolTimeout is returned when a tool exceeds its execution timeout.
	ErrToolTimeout = errors.New("tool execution timed out")
	// ErrRateLimited is returned when a rate-limited tool is called too often.
	ErrRateLimited = errors.New("tool rate limit exceeded")
)

// Handler is the function behind a tool. It must honor ctx cancellation.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// RateLimit caps calls per identifier within a rolling window.
type RateLimit struct {
	// MaxCalls allowed per window for one identifier value.
	MaxCalls int
	// Window is the rate-limit period.
	Window time.Duration
	// IdentifierField names the argument used to bucket callers. Calls
	// missing the field are not rate limited.
	IdentifierField string
}

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
	Handler    Handler
	// Timeout bounds one execution. Zero uses DefaultTimeout.
	Timeout time.Duration
	// CacheTTL enables result caching when positive.
	CacheTTL  time.Duration
	RateLimit *RateLimit
}

// DefaultTimeout bounds tool execution when the definition sets none.
const DefaultTimeout = 5 * time.Second

// Registry holds tool definitions keyed by name. Safe for concurrent use;
// registration normally happens once at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

// Register validates and stores a tool definition. Duplicate names are
// rejected; use Unregister first to replace a tool.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", def.Name)
	}
	if err := validateSchema(def.Parameters); err != nil {
		return fmt.Errorf("tool %s: invalid parameter schema: %w", def.Name, err)
	}
	if def.Timeout <= 0 {
		def.Timeout = DefaultTimeout
	}
	r.mu.Lock()
	if _, exists := r.tools[def.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("tool %s is already registered", def.Name)
	}
	r.tools[def.Name] = def
	r.mu.Unlock()
	slog.Info("Registry.Register: tool registered",
		"name", def.Name, "timeout", def.Timeout, "cache_ttl", def.CacheTTL, "has_rate_limit", def.RateLimit != nil)
	return nil
}

// Get returns the definition for name, or false.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Exists reports whether name is registered.
func (r *Registry) Exists(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a tool and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	slog.Info("Registry.Unregister: tool removed", "name", name)
	return true
}

// validateSchema enforces the minimal JSON-schema shape expected by function
// calling: a top-level object with a properties map, and required entries
// that all name declared properties.
func validateSchema(schema map[string]any) error {
	if schema == nil {
		return fmt.Errorf("schema is required")
	}
	if t, _ := schema["type"].(string); t != "object" {
		return fmt.Errorf("top-level type must be \"object\"")
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return fmt.Errorf("properties object is required")
	}
	required, present := schema["required"]
	if !present {
		return nil
	}
	names, ok := required.([]string)
	if !ok {
		anyNames, ok := required.([]any)
		if !ok {
			return fmt.Errorf("required must be an array of property names")
		}
		for _, n := range anyNames {
			s, ok := n.(string)
			if !ok {
				return fmt.Errorf("required must be an array of property names")
			}
			names = append(names, s)
		}
	}
	for _, n := range names {
		if _, ok := props[n]; !ok {
			return fmt.Errorf("required property %q is not declared", n)
		}
	}
	return nil
}
