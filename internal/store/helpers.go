package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CallFlow/internal/models"
)

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSON serializes v for a TEXT column; empty collections become "".
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for storage failed: %w", err)
	}
	return string(b), nil
}

// unmarshalJSON deserializes a TEXT column into dst, tolerating empty values.
func unmarshalJSON(raw string, dst interface{}) {
	if raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		// Continue with the zero value rather than failing the read.
		slog.Error("store: failed to unmarshal stored JSON", "error", err)
	}
}

func scanJourney(s scanner) (models.Journey, error) {
	var j models.Journey
	var description, statesJSON, transitionsJSON sql.NullString
	err := s.Scan(
		&j.ID, &j.Name, &description, &j.ActivationConditions, &j.InitialState,
		&statesJSON, &transitionsJSON, &j.Enabled, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.Description = description.String
	j.States = make(map[string]models.JourneyState)
	unmarshalJSON(statesJSON.String, &j.States)
	unmarshalJSON(transitionsJSON.String, &j.Transitions)
	return j, nil
}

func scanGuideline(s scanner) (models.Guideline, error) {
	var g models.Guideline
	var journeyID, stateName, description, keywordsJSON, toolsJSON, conflictKey sql.NullString
	err := s.Scan(
		&g.ID, &g.Scope, &journeyID, &stateName, &g.Name, &description,
		&g.Condition, &g.Action, &keywordsJSON, &toolsJSON, &g.Priority,
		&conflictKey, &g.Enabled, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return g, err
	}
	g.JourneyID = journeyID.String
	g.StateName = stateName.String
	g.Description = description.String
	g.ConflictKey = conflictKey.String
	unmarshalJSON(keywordsJSON.String, &g.Keywords)
	unmarshalJSON(toolsJSON.String, &g.Tools)
	return g, nil
}

func scanJourneyContext(s scanner) (models.JourneyContext, error) {
	var c models.JourneyContext
	var variablesJSON, historyJSON sql.NullString
	var completedAt sql.NullTime
	err := s.Scan(
		&c.ID, &c.SessionID, &c.JourneyID, &c.JourneyName, &c.CurrentState,
		&variablesJSON, &historyJSON, &c.ActivatedAt, &completedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	unmarshalJSON(variablesJSON.String, &c.Variables)
	unmarshalJSON(historyJSON.String, &c.StateHistory)
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	return c, nil
}

func scanAuditRecord(s scanner) (models.AuditRecord, error) {
	var r models.AuditRecord
	var journeyID, payloadJSON sql.NullString
	err := s.Scan(
		&r.ID, &r.SessionID, &journeyID, &r.Turn, &r.Seq, &r.Kind,
		&payloadJSON, &r.Confidence, &r.LatencyMs, &r.CreatedAt,
	)
	if err != nil {
		return r, err
	}
	r.JourneyID = journeyID.String
	r.PayloadJSON = payloadJSON.String
	return r, nil
}
