package guideline

import (
	"log/slog"
	"sort"

	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/registry"
)

// Applied is one guideline that survived priority resolution, in final
// application order.
type Applied struct {
	Guideline  models.Guideline
	Confidence float64
	Reasoning  string
}

// Suppression records a guideline excluded by conflict resolution, for the
// audit trail. The loser's action is never applied.
type Suppression struct {
	GuidelineID string
	WinnerID    string
	ConflictKey string
}

// Resolution is the merged, ordered guideline list for one turn.
type Resolution struct {
	Applied    []Applied
	Suppressed []Suppression
}

// Resolve orders the matched guidelines with a stable two-level sort (scope
// rank descending, then numeric priority descending; declaration order
// preserved on exact ties) and enforces ConflictKey mutual exclusion: among
// guidelines sharing a key, the first in sorted order wins.
func Resolve(reg *registry.DefinitionRegistry, matches []models.GuidelineMatch) Resolution {
	entries := make([]Applied, 0, len(matches))
	for _, m := range matches {
		g, ok := reg.Guideline(m.GuidelineID)
		if !ok {
			// Matched against a definition that has since been unloaded.
			slog.Warn("Resolve: matched guideline no longer registered", "guideline_id", m.GuidelineID)
			continue
		}
		entries = append(entries, Applied{Guideline: g, Confidence: m.Confidence, Reasoning: m.Reasoning})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := entries[i].Guideline.Scope.Rank(), entries[j].Guideline.Scope.Rank()
		if ri != rj {
			return ri > rj
		}
		return entries[i].Guideline.Priority > entries[j].Guideline.Priority
	})

	var res Resolution
	winners := map[string]string{} // ConflictKey -> winning guideline id
	for _, e := range entries {
		key := e.Guideline.ConflictKey
		if key != "" {
			if winnerID, taken := winners[key]; taken {
				res.Suppressed = append(res.Suppressed, Suppression{
					GuidelineID: e.Guideline.ID,
					WinnerID:    winnerID,
					ConflictKey: key,
				})
				continue
			}
			winners[key] = e.Guideline.ID
		}
		res.Applied = append(res.Applied, e)
	}

	if len(res.Suppressed) > 0 {
		slog.Debug("Resolve: conflicts suppressed",
			"applied", len(res.Applied), "suppressed", len(res.Suppressed))
	}
	return res
}
