// Package registry holds the in-memory snapshot of journey and guideline
// definitions. The snapshot is immutable once published; Reload builds a new
// one from the durable store, validates it, and swaps it in atomically so
// readers never observe a half-loaded definition set.
package registry

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/BTreeMap/CallFlow/internal/cache"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/store"
	"github.com/BTreeMap/CallFlow/internal/util"
)

// scopeKey identifies one (journeyID, stateName) guideline scope bucket.
type scopeKey struct {
	journeyID string
	stateName string
}

// snapshot is one immutable view of all enabled definitions.
type snapshot struct {
	journeys     map[string]models.Journey
	journeyOrder []string
	guidelines   map[string]models.Guideline
	byScope      map[scopeKey][]string
	byKeyword    map[string][]string
}

// DefinitionRegistry serves definition lookups for the turn pipeline.
type DefinitionRegistry struct {
	store store.Store
	cache cache.Cache
	snap  atomic.Pointer[snapshot]
}

// New creates a registry with an empty snapshot. Call Reload before serving
// traffic.
func New(st store.Store, c cache.Cache) *DefinitionRegistry {
	r := &DefinitionRegistry{store: st, cache: c}
	r.snap.Store(&snapshot{
		journeys:   map[string]models.Journey{},
		guidelines: map[string]models.Guideline{},
		byScope:    map[scopeKey][]string{},
		byKeyword:  map[string][]string{},
	})
	return r
}

// Reload rebuilds the snapshot from the durable store. Every definition is
// validated before the swap; a single inconsistent definition fails the whole
// reload and the previous snapshot stays live.
func (r *DefinitionRegistry) Reload() error {
	journeys, err := r.store.ListJourneys()
	if err != nil {
		return fmt.Errorf("failed to load journeys: %w", err)
	}
	guidelines, err := r.store.ListGuidelines()
	if err != nil {
		return fmt.Errorf("failed to load guidelines: %w", err)
	}

	next := &snapshot{
		journeys:   make(map[string]models.Journey, len(journeys)),
		guidelines: make(map[string]models.Guideline, len(guidelines)),
		byScope:    map[scopeKey][]string{},
		byKeyword:  map[string][]string{},
	}

	for _, j := range journeys {
		if !j.Enabled {
			continue
		}
		if err := j.Validate(); err != nil {
			return fmt.Errorf("journey %s rejected: %w", j.ID, err)
		}
		next.journeys[j.ID] = j
		next.journeyOrder = append(next.journeyOrder, j.ID)
	}

	for _, g := range guidelines {
		if !g.Enabled {
			continue
		}
		if err := g.Validate(); err != nil {
			return fmt.Errorf("guideline %s rejected: %w", g.ID, err)
		}
		if g.JourneyID != "" {
			if _, ok := next.journeys[g.JourneyID]; !ok {
				return fmt.Errorf("guideline %s references unknown journey %s: %w",
					g.ID, g.JourneyID, models.ErrDefinitionInconsistency)
			}
		}
		next.guidelines[g.ID] = g
		key := scopeKey{journeyID: g.JourneyID, stateName: g.StateName}
		next.byScope[key] = append(next.byScope[key], g.ID)
		for _, kw := range g.Keywords {
			norm := util.NormalizeKeyword(kw)
			if norm == "" {
				continue
			}
			next.byKeyword[norm] = append(next.byKeyword[norm], g.ID)
		}
	}

	r.snap.Store(next)

	// Refresh the definition cache tier after the swap.
	cache.InvalidateDefinitions(r.cache)
	for id, j := range next.journeys {
		r.cache.Set(cache.JourneyDefKey(id), j, cache.DefinitionTTL)
	}
	for id, g := range next.guidelines {
		r.cache.Set(cache.GuidelineDefKey(id), g, cache.DefinitionTTL)
	}

	slog.Info("DefinitionRegistry.Reload: snapshot swapped",
		"journeys", len(next.journeys), "guidelines", len(next.guidelines), "keywords", len(next.byKeyword))
	return nil
}

// Journey returns the enabled journey with the given id, or false.
func (r *DefinitionRegistry) Journey(id string) (models.Journey, bool) {
	j, ok := r.snap.Load().journeys[id]
	return j, ok
}

// Guideline returns the enabled guideline with the given id, or false.
func (r *DefinitionRegistry) Guideline(id string) (models.Guideline, bool) {
	g, ok := r.snap.Load().guidelines[id]
	return g, ok
}

// ActivationCandidates returns all enabled journeys in definition order.
// Definition order breaks confidence ties during activation.
func (r *DefinitionRegistry) ActivationCandidates() []models.Journey {
	s := r.snap.Load()
	out := make([]models.Journey, 0, len(s.journeyOrder))
	for _, id := range s.journeyOrder {
		out = append(out, s.journeys[id])
	}
	return out
}

// GuidelinesForScope returns the stacked guideline set applicable at the
// given position: GLOBAL guidelines always apply, JOURNEY guidelines apply
// when their journey is active, STATE guidelines when their state is
// current. Pass empty strings when no journey is active.
func (r *DefinitionRegistry) GuidelinesForScope(journeyID, stateName string) []models.Guideline {
	s := r.snap.Load()
	var out []models.Guideline
	appendScope := func(key scopeKey) {
		for _, id := range s.byScope[key] {
			out = append(out, s.guidelines[id])
		}
	}
	appendScope(scopeKey{})
	if journeyID != "" {
		appendScope(scopeKey{journeyID: journeyID})
		if stateName != "" {
			appendScope(scopeKey{journeyID: journeyID, stateName: stateName})
		}
	}
	return out
}

// LookupKeyword returns the ids of guidelines that registered the given
// normalized keyword.
func (r *DefinitionRegistry) LookupKeyword(token string) []string {
	return r.snap.Load().byKeyword[util.NormalizeKeyword(token)]
}
