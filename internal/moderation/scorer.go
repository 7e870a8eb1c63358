package moderation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// SubjectScore is the NATS subject for moderation score requests. The
// moderator service answers on the request's reply inbox.
const SubjectScore = "moderation.score"

// ScoreRequest is the request-reply payload sent to the moderator service.
type ScoreRequest struct {
	Text string `json:"text"`
}

// NATSScorer escalates to the external moderator service over NATS
// request-reply. It is strictly additive: callers treat any error as
// "no advisory verdict".
type NATSScorer struct {
	conn *nats.Conn
}

// NewNATSScorer wraps an established NATS connection.
func NewNATSScorer(conn *nats.Conn) *NATSScorer {
	return &NATSScorer{conn: conn}
}

// Score sends the text to the moderator service and decodes its verdict.
func (s *NATSScorer) Score(ctx context.Context, text string) (Result, error) {
	data, err := json.Marshal(ScoreRequest{Text: text})
	if err != nil {
		return Result{}, fmt.Errorf("moderation: marshal score request: %w", err)
	}

	msg, err := s.conn.RequestWithContext(ctx, SubjectScore, data)
	if err != nil {
		return Result{}, fmt.Errorf("moderation: score request: %w", err)
	}

	var result Result
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return Result{}, fmt.Errorf("moderation: decode score result: %w", err)
	}
	return result, nil
}
