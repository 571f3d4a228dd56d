// Package store provides durable storage backends for CallFlow.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CallFlow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

func (s *PostgresStore) SaveJourney(j models.Journey) error {
	statesJSON, err := marshalJSON(j.States)
	if err != nil {
		return err
	}
	transitionsJSON, err := marshalJSON(j.Transitions)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO journeys (`+journeyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description,
			activation_conditions = EXCLUDED.activation_conditions,
			initial_state = EXCLUDED.initial_state, states = EXCLUDED.states,
			transitions = EXCLUDED.transitions, enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		j.ID, j.Name, nilIfEmpty(j.Description), j.ActivationConditions, j.InitialState,
		statesJSON, transitionsJSON, j.Enabled, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveJourney failed", "error", err, "journeyID", j.ID)
		return fmt.Errorf("failed to save journey %s: %w", j.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetJourney(id string) (*models.Journey, error) {
	row := s.db.QueryRow(`SELECT `+journeyColumns+` FROM journeys WHERE id = $1`, id)
	j, err := scanJourney(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetJourney failed", "error", err, "journeyID", id)
		return nil, fmt.Errorf("failed to get journey %s: %w", id, err)
	}
	return &j, nil
}

func (s *PostgresStore) ListJourneys() ([]models.Journey, error) {
	rows, err := s.db.Query(`SELECT ` + journeyColumns + ` FROM journeys WHERE enabled = TRUE ORDER BY created_at, id`)
	if err != nil {
		slog.Error("PostgresStore.ListJourneys query failed", "error", err)
		return nil, fmt.Errorf("failed to query journeys: %w", err)
	}
	defer rows.Close()

	var journeys []models.Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journey row: %w", err)
		}
		journeys = append(journeys, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate journey rows: %w", err)
	}
	return journeys, nil
}

func (s *PostgresStore) SaveGuideline(g models.Guideline) error {
	keywordsJSON, err := marshalJSON(g.Keywords)
	if err != nil {
		return err
	}
	toolsJSON, err := marshalJSON(g.Tools)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO guidelines (`+guidelineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			scope = EXCLUDED.scope, journey_id = EXCLUDED.journey_id,
			state_name = EXCLUDED.state_name, name = EXCLUDED.name,
			description = EXCLUDED.description, condition = EXCLUDED.condition,
			action = EXCLUDED.action, keywords = EXCLUDED.keywords,
			tools = EXCLUDED.tools, priority = EXCLUDED.priority,
			conflict_key = EXCLUDED.conflict_key, enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		g.ID, g.Scope, nilIfEmpty(g.JourneyID), nilIfEmpty(g.StateName), g.Name,
		nilIfEmpty(g.Description), g.Condition, g.Action, keywordsJSON, toolsJSON,
		g.Priority, nilIfEmpty(g.ConflictKey), g.Enabled, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveGuideline failed", "error", err, "guidelineID", g.ID)
		return fmt.Errorf("failed to save guideline %s: %w", g.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListGuidelines() ([]models.Guideline, error) {
	rows, err := s.db.Query(`SELECT ` + guidelineColumns + ` FROM guidelines WHERE enabled = TRUE ORDER BY created_at, id`)
	if err != nil {
		slog.Error("PostgresStore.ListGuidelines query failed", "error", err)
		return nil, fmt.Errorf("failed to query guidelines: %w", err)
	}
	defer rows.Close()

	var guidelines []models.Guideline
	for rows.Next() {
		g, err := scanGuideline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan guideline row: %w", err)
		}
		guidelines = append(guidelines, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate guideline rows: %w", err)
	}
	return guidelines, nil
}

func (s *PostgresStore) SaveJourneyContext(c models.JourneyContext) error {
	variablesJSON, err := marshalJSON(c.Variables)
	if err != nil {
		return err
	}
	historyJSON, err := marshalJSON(c.StateHistory)
	if err != nil {
		return err
	}
	var completedAt interface{}
	if c.CompletedAt != nil {
		completedAt = *c.CompletedAt
	}
	_, err = s.db.Exec(`INSERT INTO journey_contexts (`+contextColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			current_state = EXCLUDED.current_state, variables = EXCLUDED.variables,
			state_history = EXCLUDED.state_history, completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.SessionID, c.JourneyID, c.JourneyName, c.CurrentState,
		variablesJSON, historyJSON, c.ActivatedAt, completedAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveJourneyContext failed", "error", err, "contextID", c.ID, "sessionID", c.SessionID)
		return fmt.Errorf("failed to save journey context %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetJourneyContext(id string) (*models.JourneyContext, error) {
	row := s.db.QueryRow(`SELECT `+contextColumns+` FROM journey_contexts WHERE id = $1`, id)
	c, err := scanJourneyContext(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetJourneyContext failed", "error", err, "contextID", id)
		return nil, fmt.Errorf("failed to get journey context %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) ListActiveContexts(sessionID string) ([]models.JourneyContext, error) {
	rows, err := s.db.Query(`SELECT `+contextColumns+` FROM journey_contexts
		WHERE session_id = $1 AND completed_at IS NULL ORDER BY activated_at`, sessionID)
	if err != nil {
		slog.Error("PostgresStore.ListActiveContexts query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query active contexts: %w", err)
	}
	defer rows.Close()
	return collectContexts(rows)
}

func (s *PostgresStore) ListAllActiveContexts() ([]models.JourneyContext, error) {
	rows, err := s.db.Query(`SELECT ` + contextColumns + ` FROM journey_contexts
		WHERE completed_at IS NULL ORDER BY activated_at`)
	if err != nil {
		slog.Error("PostgresStore.ListAllActiveContexts query failed", "error", err)
		return nil, fmt.Errorf("failed to query active contexts: %w", err)
	}
	defer rows.Close()
	return collectContexts(rows)
}

func (s *PostgresStore) AppendAuditRecord(r models.AuditRecord) error {
	_, err := s.db.Exec(`INSERT INTO audit_records (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.SessionID, nilIfEmpty(r.JourneyID), r.Turn, r.Seq, r.Kind,
		nilIfEmpty(r.PayloadJSON), r.Confidence, r.LatencyMs, r.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.AppendAuditRecord failed", "error", err, "sessionID", r.SessionID, "kind", r.Kind)
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditRecords(sessionID string) ([]models.AuditRecord, error) {
	rows, err := s.db.Query(`SELECT `+auditColumns+` FROM audit_records
		WHERE session_id = $1 ORDER BY turn, seq, created_at`, sessionID)
	if err != nil {
		slog.Error("PostgresStore.ListAuditRecords query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		r, err := scanAuditRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit record rows: %w", err)
	}
	return records, nil
}
