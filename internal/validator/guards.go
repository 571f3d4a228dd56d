package validator

import (
	"regexp"

	"github.com/BTreeMap/CallFlow/internal/models"
)

// The regex guards catch raw identifier disclosure in a drafted response.
// They run locally on every turn, including degraded ones, and cannot be
// bypassed.
var guards = []struct {
	name        string
	description string
	pattern     *regexp.Regexp
}{
	{
		name:        "claim_id_disclosure",
		description: "response discloses a raw claim identifier",
		pattern:     regexp.MustCompile(`\bCLM-\d{4,}\b`),
	},
	{
		name:        "ssn_disclosure",
		description: "response contains an SSN-like number",
		pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		name:        "card_number_disclosure",
		description: "response contains a card-like digit run",
		pattern:     regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
	},
}

// runGuards checks the response against every guard and returns one
// violation per tripped guard. All guard violations are critical.
func runGuards(response string) []models.Violation {
	var violations []models.Violation
	for _, g := range guards {
		if !g.pattern.MatchString(response) {
			continue
		}
		violations = append(violations, models.Violation{
			GuidelineName: g.name,
			Description:   g.description,
			Severity:      "critical",
		})
	}
	return violations
}
