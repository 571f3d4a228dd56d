// Package store provides durable storage backends for CallFlow.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/CallFlow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

const journeyColumns = `id, name, description, activation_conditions, initial_state, states, transitions, enabled, created_at, updated_at`

func (s *SQLiteStore) SaveJourney(j models.Journey) error {
	statesJSON, err := marshalJSON(j.States)
	if err != nil {
		return err
	}
	transitionsJSON, err := marshalJSON(j.Transitions)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO journeys (`+journeyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, nilIfEmpty(j.Description), j.ActivationConditions, j.InitialState,
		statesJSON, transitionsJSON, j.Enabled, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveJourney failed", "error", err, "journeyID", j.ID)
		return fmt.Errorf("failed to save journey %s: %w", j.ID, err)
	}
	slog.Debug("SQLiteStore.SaveJourney succeeded", "journeyID", j.ID, "name", j.Name)
	return nil
}

func (s *SQLiteStore) GetJourney(id string) (*models.Journey, error) {
	row := s.db.QueryRow(`SELECT `+journeyColumns+` FROM journeys WHERE id = ?`, id)
	j, err := scanJourney(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetJourney not found", "journeyID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetJourney failed", "error", err, "journeyID", id)
		return nil, fmt.Errorf("failed to get journey %s: %w", id, err)
	}
	return &j, nil
}

func (s *SQLiteStore) ListJourneys() ([]models.Journey, error) {
	rows, err := s.db.Query(`SELECT ` + journeyColumns + ` FROM journeys WHERE enabled = 1 ORDER BY created_at, id`)
	if err != nil {
		slog.Error("SQLiteStore.ListJourneys query failed", "error", err)
		return nil, fmt.Errorf("failed to query journeys: %w", err)
	}
	defer rows.Close()

	var journeys []models.Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			slog.Error("SQLiteStore.ListJourneys scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan journey row: %w", err)
		}
		journeys = append(journeys, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate journey rows: %w", err)
	}
	slog.Debug("SQLiteStore.ListJourneys succeeded", "count", len(journeys))
	return journeys, nil
}

const guidelineColumns = `id, scope, journey_id, state_name, name, description, condition, action, keywords, tools, priority, conflict_key, enabled, created_at, updated_at`

func (s *SQLiteStore) SaveGuideline(g models.Guideline) error {
	keywordsJSON, err := marshalJSON(g.Keywords)
	if err != nil {
		return err
	}
	toolsJSON, err := marshalJSON(g.Tools)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO guidelines (`+guidelineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Scope, nilIfEmpty(g.JourneyID), nilIfEmpty(g.StateName), g.Name,
		nilIfEmpty(g.Description), g.Condition, g.Action, keywordsJSON, toolsJSON,
		g.Priority, nilIfEmpty(g.ConflictKey), g.Enabled, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveGuideline failed", "error", err, "guidelineID", g.ID)
		return fmt.Errorf("failed to save guideline %s: %w", g.ID, err)
	}
	slog.Debug("SQLiteStore.SaveGuideline succeeded", "guidelineID", g.ID, "name", g.Name)
	return nil
}

func (s *SQLiteStore) ListGuidelines() ([]models.Guideline, error) {
	rows, err := s.db.Query(`SELECT ` + guidelineColumns + ` FROM guidelines WHERE enabled = 1 ORDER BY created_at, id`)
	if err != nil {
		slog.Error("SQLiteStore.ListGuidelines query failed", "error", err)
		return nil, fmt.Errorf("failed to query guidelines: %w", err)
	}
	defer rows.Close()

	var guidelines []models.Guideline
	for rows.Next() {
		g, err := scanGuideline(rows)
		if err != nil {
			slog.Error("SQLiteStore.ListGuidelines scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan guideline row: %w", err)
		}
		guidelines = append(guidelines, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate guideline rows: %w", err)
	}
	slog.Debug("SQLiteStore.ListGuidelines succeeded", "count", len(guidelines))
	return guidelines, nil
}

const contextColumns = `id, session_id, journey_id, journey_name, current_state, variables, state_history, activated_at, completed_at, created_at, updated_at`

func (s *SQLiteStore) SaveJourneyContext(c models.JourneyContext) error {
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
	_, err = s.db.Exec(`INSERT OR REPLACE INTO journey_contexts (`+contextColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.JourneyID, c.JourneyName, c.CurrentState,
		variablesJSON, historyJSON, c.ActivatedAt, completedAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveJourneyContext failed", "error", err, "contextID", c.ID, "sessionID", c.SessionID)
		return fmt.Errorf("failed to save journey context %s: %w", c.ID, err)
	}
	slog.Debug("SQLiteStore.SaveJourneyContext succeeded", "contextID", c.ID, "state", c.CurrentState)
	return nil
}

func (s *SQLiteStore) GetJourneyContext(id string) (*models.JourneyContext, error) {
	row := s.db.QueryRow(`SELECT `+contextColumns+` FROM journey_contexts WHERE id = ?`, id)
	c, err := scanJourneyContext(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetJourneyContext failed", "error", err, "contextID", id)
		return nil, fmt.Errorf("failed to get journey context %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) ListActiveContexts(sessionID string) ([]models.JourneyContext, error) {
	rows, err := s.db.Query(`SELECT `+contextColumns+` FROM journey_contexts
		WHERE session_id = ? AND completed_at IS NULL ORDER BY activated_at`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore.ListActiveContexts query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query active contexts: %w", err)
	}
	defer rows.Close()
	return collectContexts(rows)
}

func (s *SQLiteStore) ListAllActiveContexts() ([]models.JourneyContext, error) {
	rows, err := s.db.Query(`SELECT ` + contextColumns + ` FROM journey_contexts
		WHERE completed_at IS NULL ORDER BY activated_at`)
	if err != nil {
		slog.Error("SQLiteStore.ListAllActiveContexts query failed", "error", err)
		return nil, fmt.Errorf("failed to query active contexts: %w", err)
	}
	defer rows.Close()
	return collectContexts(rows)
}

func collectContexts(rows *sql.Rows) ([]models.JourneyContext, error) {
	var contexts []models.JourneyContext
	for rows.Next() {
		c, err := scanJourneyContext(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journey context row: %w", err)
		}
		contexts = append(contexts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate journey context rows: %w", err)
	}
	return contexts, nil
}

const auditColumns = `id, session_id, journey_id, turn, seq, kind, payload_json, confidence, latency_ms, created_at`

func (s *SQLiteStore) AppendAuditRecord(r models.AuditRecord) error {
	_, err := s.db.Exec(`INSERT INTO audit_records (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, nilIfEmpty(r.JourneyID), r.Turn, r.Seq, r.Kind,
		nilIfEmpty(r.PayloadJSON), r.Confidence, r.LatencyMs, r.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.AppendAuditRecord failed", "error", err, "sessionID", r.SessionID, "kind", r.Kind)
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAuditRecords(sessionID string) ([]models.AuditRecord, error) {
	rows, err := s.db.Query(`SELECT `+auditColumns+` FROM audit_records
		WHERE session_id = ? ORDER BY turn, seq, created_at`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore.ListAuditRecords query failed", "error", err, "sessionID", sessionID)
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
