package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Message is one accepted chat message. Immutable once persisted; rejected
// messages are never written here.
type Message struct {
	ID        string
	SessionID string
	SenderID  string
	Content   string
	Verdict   string
	CreatedAt time.Time
}

// Archive persists accepted messages in PostgreSQL.
type Archive struct {
	db *sql.DB
}

// NewArchive creates an archive backed by the given database handle.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// Insert writes one message row.
func (a *Archive) Insert(ctx context.Context, msg *Message) error {
	const query = `
		INSERT INTO messages (id, session_id, sender_id, content, verdict, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := a.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, msg.SenderID, msg.Content, msg.Verdict, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("chat: insert message: %w", err)
	}
	return nil
}

// CountBySession returns the number of archived messages for a session.
func (a *Archive) CountBySession(ctx context.Context, sessionID string) (int, error) {
	const query = `SELECT COUNT(*) FROM messages WHERE session_id = $1`

	var count int
	if err := a.db.QueryRowContext(ctx, query, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("chat: count messages: %w", err)
	}
	return count, nil
}
