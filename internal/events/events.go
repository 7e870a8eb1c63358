// Package events defines the event envelope and typed payloads pushed to
// clients over queue and session topics. All events are serialized as JSON
// and follow a consistent envelope format with a type discriminator.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type constants published on queue.<identity_id> topics.
const (
	TypeMatched      = "matched"
	TypeQueueTimeout = "queue_timeout"
)

// Event type constants published on session.<session_id> topics.
const (
	TypeSessionActive = "session_active"
	TypeSessionEnded  = "session_ended"
	TypeMessage       = "message"
	TypeTyping        = "typing"
	TypeJoin          = "join"
	TypeLeave         = "leave"
)

// Event is the wire envelope for every published event. Payload holds the
// type-specific struct, deferred-decoded by subscribers that care about it.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      int64           `json:"ts"`
}

// New builds an Event with the payload marshaled and the timestamp set.
func New(eventType string, payload interface{}) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("events: marshal %s payload: %w", eventType, err)
		}
		raw = data
	}
	return Event{Type: eventType, Payload: raw, Ts: time.Now().Unix()}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("events: %s event has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("events: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// MatchedPayload notifies a queued participant that a partner was found.
type MatchedPayload struct {
	SessionID       string   `json:"session_id"`
	PartnerID       string   `json:"partner_id"`
	SharedInterests []string `json:"shared_interests,omitempty"`
}

// QueueTimeoutPayload notifies a participant that their queue entry expired.
type QueueTimeoutPayload struct {
	WaitedSeconds int `json:"waited_seconds"`
}

// SessionActivePayload is published once both participants have acknowledged.
type SessionActivePayload struct {
	SessionID string `json:"session_id"`
}

// SessionEndedPayload is published exactly once when a session reaches the
// ended state.
type SessionEndedPayload struct {
	SessionID string `json:"session_id"`
	By        string `json:"by,omitempty"`
	Reason    string `json:"reason"`
}

// MessagePayload carries an accepted chat message to both participants.
type MessagePayload struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
}

// TypingPayload relays a typing indicator. It carries no message text and is
// not moderated.
type TypingPayload struct {
	IdentityID string `json:"identity_id"`
	IsTyping   bool   `json:"is_typing"`
}

// PresencePayload is the payload for join and leave events on a session topic.
type PresencePayload struct {
	IdentityID string `json:"identity_id"`
}
