// Package report provides PostgreSQL-backed storage for abuse reports.
// Reports are append-only; the moderation-action system that consumes them
// (and may flip ban flags) is external to the core.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// validCategories is the set of allowed category values, matching the CHECK
// constraint on the reports table.
var validCategories = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// ValidCategory reports whether a category is accepted.
func ValidCategory(category string) bool {
	return validCategories[category]
}

// Report is a single abuse report to be persisted.
type Report struct {
	SessionID  string
	ReporterID string
	ReportedID string
	Category   string
	Reason     string
	Messages   []MessageEntry // recent-message snapshot for moderator review
}

// MessageEntry is one message in the conversation snapshot attached to a
// report.
type MessageEntry struct {
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
	Ts       int64  `json:"ts"`
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an abuse report. The message snapshot is marshalled to
// JSONB and the category is validated against the allowed set.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if !ValidCategory(r.Category) {
		return fmt.Errorf("report: invalid category %q", r.Category)
	}

	var messagesJSON []byte
	if len(r.Messages) > 0 {
		var err error
		messagesJSON, err = json.Marshal(r.Messages)
		if err != nil {
			return fmt.Errorf("report: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO reports (session_id, reporter_id, reported_id, category, reason, messages)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		r.SessionID, r.ReporterID, r.ReportedID, r.Category, r.Reason, messagesJSON)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against an identity
// within the given time window.
func (s *Store) CountRecent(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM reports
		WHERE reported_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
