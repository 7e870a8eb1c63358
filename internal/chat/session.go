// Package chat owns the chat-session state machine and the message path:
// acknowledge, post (through the moderation gate), end, and ban reaction.
// Session state lives in Redis; accepted messages are archived in Postgres.
package chat

import (
	"time"
)

// Session states. State only moves forward: pending -> active -> ended.
const (
	StatePending = "pending"
	StateActive  = "active"
	StateEnded   = "ended"
)

// End reasons.
const (
	ReasonUserLeft    = "user_left"
	ReasonReportedBan = "reported_ban"
	ReasonTimeout     = "timeout"
	ReasonNormalClose = "normal_close"
)

// ValidEndReason reports whether s is a known end reason.
func ValidEndReason(s string) bool {
	switch s {
	case ReasonUserLeft, ReasonReportedBan, ReasonTimeout, ReasonNormalClose:
		return true
	}
	return false
}

// Redis key shapes. Exported because the matcher's claim transaction writes
// the session hash in the same atomic script that claims the queue entries.
const (
	SessionPrefix = "chatsession:"        // + <session_id> -> Hash
	PendingKey    = "chatsession:pending" // sorted set, score = ack deadline (unix)
	IndexPrefix   = "chatsessions_by:"    // + <identity_id> -> Set of session IDs
)

const (
	// AckWindow is how long a pending session waits for both participants
	// to acknowledge before it auto-ends with reason=timeout.
	AckWindow = 15 * time.Second

	// TTLPending and TTLActive bound session key lifetime in Redis.
	TTLPending = 60 * time.Second
	TTLActive  = 2 * time.Hour
)

// Session is one ephemeral conversation between exactly two participants.
// Participants are immutable once set; State is monotonic.
type Session struct {
	ID           string
	ParticipantA string
	ParticipantB string
	State        string
	CreatedAt    int64
	EndedAt      int64
	EndReason    string
	AckedA       bool
	AckedB       bool
}

// IsParticipant checks whether an identity is part of this session.
func (s *Session) IsParticipant(identityID string) bool {
	return identityID == s.ParticipantA || identityID == s.ParticipantB
}

// Partner returns the other participant's identity ID, or "" if identityID
// is not a participant.
func (s *Session) Partner(identityID string) string {
	switch identityID {
	case s.ParticipantA:
		return s.ParticipantB
	case s.ParticipantB:
		return s.ParticipantA
	}
	return ""
}

// stateRank orders states for the monotonicity check.
func stateRank(state string) int {
	switch state {
	case StatePending:
		return 0
	case StateActive:
		return 1
	case StateEnded:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from one state to another respects
// the forward-only state machine. Self-transitions are not transitions.
func CanTransition(from, to string) bool {
	fromRank, toRank := stateRank(from), stateRank(to)
	if fromRank < 0 || toRank < 0 {
		return false
	}
	return toRank > fromRank
}
