package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CallFlow/internal/cache"
)

func claimStatusSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"claim_id": map[string]any{"type": "string", "description": "Claim ID"},
		},
		"required": []string{"claim_id"},
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	ok := Definition{
		Name:        "get_claim_status",
		Description: "Get the current status of a claim",
		Parameters:  claimStatusSchema(),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "open", nil
		},
	}
	if err := r.Register(ok); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !r.Exists("get_claim_status") {
		t.Error("registered tool must exist")
	}

	tests := []struct {
		name string
		def  Definition
	}{
		{"missing name", Definition{Parameters: claimStatusSchema(), Handler: ok.Handler}},
		{"missing handler", Definition{Name: "x", Parameters: claimStatusSchema()}},
		{"nil schema", Definition{Name: "x", Handler: ok.Handler}},
		{"non-object schema", Definition{Name: "x", Handler: ok.Handler, Parameters: map[string]any{"type": "string"}}},
		{"required not declared", Definition{Name: "x", Handler: ok.Handler, Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{"ghost"},
		}}},
	}
	for _, tt := range tests {
		if err := r.Register(tt.def); err == nil {
			t.Errorf("%s: expected registration to fail", tt.name)
		}
	}

	if err := r.Register(ok); err == nil {
		t.Error("duplicate name: expected registration to fail")
	}
}

func TestRegisterAppliesDefaultTimeout(t *testing.T) {
	r := NewRegistry()
	def := Definition{
		Name:       "lookup",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:    func(ctx context.Context, args map[string]any) (any, error) { return nil, nil },
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	got, _ := r.Get("lookup")
	if got.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout, got %v", got.Timeout)
	}
}

func newExecutor(t *testing.T, defs ...Definition) (*Executor, *cache.InMemoryCache) {
	t.Helper()
	r := NewRegistry()
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	c := cache.NewInMemoryCache()
	return NewExecutor(r, c), c
}

func TestExecuteSuccess(t *testing.T) {
	e, _ := newExecutor(t, Definition{
		Name:       "get_claim_status",
		Parameters: claimStatusSchema(),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "status of " + args["claim_id"].(string), nil
		},
	})
	res, err := e.Execute(context.Background(), "get_claim_status", map[string]any{"claim_id": "CLM-1"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Value != "status of CLM-1" || res.CacheHit {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e, _ := newExecutor(t)
	if _, err := e.Execute(context.Background(), "ghost", nil); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	e, _ := newExecutor(t, Definition{
		Name:       "slow",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		Timeout:    20 * time.Millisecond,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-time.After(time.Second):
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	if _, err := e.Execute(context.Background(), "slow", nil); !errors.Is(err, ErrToolTimeout) {
		t.Errorf("expected ErrToolTimeout, got %v", err)
	}
}

func TestExecuteCachesResults(t *testing.T) {
	calls := 0
	e, _ := newExecutor(t, Definition{
		Name:       "cached",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		CacheTTL:   time.Minute,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			calls++
			return calls, nil
		},
	})

	first, err := e.Execute(context.Background(), "cached", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	second, err := e.Execute(context.Background(), "cached", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if !second.CacheHit || second.Value != first.Value {
		t.Errorf("expected cache hit with identical value, got %+v", second)
	}
	if calls != 1 {
		t.Errorf("handler must run once, ran %d times", calls)
	}

	// Different arguments miss the cache.
	third, err := e.Execute(context.Background(), "cached", map[string]any{"k": "other"})
	if err != nil {
		t.Fatalf("third Execute failed: %v", err)
	}
	if third.CacheHit {
		t.Error("different arguments must not hit the cache")
	}
}

func TestExecuteRateLimit(t *testing.T) {
	e, _ := newExecutor(t, Definition{
		Name:       "limited",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		RateLimit:  &RateLimit{MaxCalls: 2, Window: time.Hour, IdentifierField: "phone"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "ok", nil
		},
	})

	args := map[string]any{"phone": "+15550001111"}
	for i := 0; i < 2; i++ {
		if _, err := e.Execute(context.Background(), "limited", args); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if _, err := e.Execute(context.Background(), "limited", args); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}

	// A different identifier has its own budget, and calls without the
	// identifier field are not limited.
	if _, err := e.Execute(context.Background(), "limited", map[string]any{"phone": "+15550002222"}); err != nil {
		t.Errorf("different identifier should not be limited: %v", err)
	}
	if _, err := e.Execute(context.Background(), "limited", map[string]any{}); err != nil {
		t.Errorf("missing identifier should not be limited: %v", err)
	}
}
