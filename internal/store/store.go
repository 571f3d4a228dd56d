// Package store provides durable storage backends for CallFlow.
//
// It persists journey and guideline definitions, per-call journey contexts,
// and the append-only audit log. SQLite and PostgreSQL backends share the
// same schema; an in-memory store backs the tests.
package store

import (
	"strings"

	"github.com/BTreeMap/CallFlow/internal/models"
)

// Opts holds configuration for store backends.
type Opts struct {
	// DSN is the backend-specific data source name.
	DSN string
}

// Option configures store creation.
type Option func(*Opts)

// WithDSN sets the data source name for the store backend.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite3". URL-style and
// key=value DSNs are treated as PostgreSQL; anything else is assumed to be
// a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Store defines the durable persistence contract shared by all backends.
//
// Point lookups are keyed by id or session id; audit scans are ordered by
// creation sequence so a session's decision chain can be reconstructed.
// A missing row is reported as (nil, nil), not an error.
type Store interface {
	// Definitions
	SaveJourney(j models.Journey) error
	GetJourney(id string) (*models.Journey, error)
	ListJourneys() ([]models.Journey, error)
	SaveGuideline(g models.Guideline) error
	ListGuidelines() ([]models.Guideline, error)

	// Journey contexts
	SaveJourneyContext(c models.JourneyContext) error
	GetJourneyContext(id string) (*models.JourneyContext, error)
	ListActiveContexts(sessionID string) ([]models.JourneyContext, error)
	ListAllActiveContexts() ([]models.JourneyContext, error)

	// Audit log (append-only)
	AppendAuditRecord(r models.AuditRecord) error
	ListAuditRecords(sessionID string) ([]models.AuditRecord, error)

	Close() error
}
