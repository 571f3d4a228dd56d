// Package recovery restores session state after an application restart.
// Active journey contexts are reloaded from the durable store into the
// cache so in-flight calls resume where they left off; contexts that no
// longer line up with the loaded definitions are skipped, never fatal.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CallFlow/internal/cache"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/registry"
	"github.com/BTreeMap/CallFlow/internal/store"
)

// Report summarizes one recovery pass.
type Report struct {
	Sessions  int
	Recovered int
	Skipped   int
}

// Recoverer rebuilds the cached session state at startup.
type Recoverer struct {
	store    store.Store
	cache    cache.Cache
	registry *registry.DefinitionRegistry
}

// NewRecoverer creates a Recoverer. The registry must already be loaded.
func NewRecoverer(st store.Store, c cache.Cache, reg *registry.DefinitionRegistry) *Recoverer {
	return &Recoverer{store: st, cache: c, registry: reg}
}

// Recover loads every active journey context, sanity-checks it against the
// definition registry, and seeds the session context cache. A context whose
// journey or state is gone is logged and skipped; the call it belongs to
// continues freeform.
func (r *Recoverer) Recover(ctx context.Context) (*Report, error) {
	contexts, err := r.store.ListAllActiveContexts()
	if err != nil {
		return nil, fmt.Errorf("failed to list active contexts: %w", err)
	}

	report := &Report{}
	bySession := map[string][]models.JourneyContext{}
	for _, jctx := range contexts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("recovery canceled: %w", err)
		}
		if err := r.check(jctx); err != nil {
			slog.Warn("Recoverer.Recover: context skipped",
				"session_id", jctx.SessionID, "journey_id", jctx.JourneyID, "state", jctx.CurrentState, "error", err)
			report.Skipped++
			continue
		}
		bySession[jctx.SessionID] = append(bySession[jctx.SessionID], jctx)
		report.Recovered++
	}

	for sessionID, sessionContexts := range bySession {
		r.cache.Set(cache.SessionContextKey(sessionID), sessionContexts, cache.SessionContextTTL)
	}
	report.Sessions = len(bySession)

	slog.Info("Recoverer.Recover: complete",
		"sessions", report.Sessions, "recovered", report.Recovered, "skipped", report.Skipped)
	return report, nil
}

// check verifies a context still references a loaded journey and a state
// that exists in it, and that its history is internally consistent.
func (r *Recoverer) check(jctx models.JourneyContext) error {
	journey, ok := r.registry.Journey(jctx.JourneyID)
	if !ok {
		return fmt.Errorf("journey %s no longer loaded: %w", jctx.JourneyID, models.ErrDefinitionInconsistency)
	}
	if _, ok := journey.State(jctx.CurrentState); !ok {
		return fmt.Errorf("state %s missing from journey %s: %w", jctx.CurrentState, journey.Name, models.ErrDefinitionInconsistency)
	}
	if err := jctx.CheckHistoryInvariant(); err != nil {
		return fmt.Errorf("history inconsistent: %w", err)
	}
	return nil
}
