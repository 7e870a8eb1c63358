package chat

import "sync"

// DefaultBufferCap is the per-session message retention the coordinator uses
// for report snapshots.
const DefaultBufferCap = 5

// BufferedMessage is a single retained message.
type BufferedMessage struct {
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
	Ts       int64  `json:"ts"`
}

// MessageBuffer keeps the most recent messages of each session in memory,
// attached to abuse reports for moderator review. Goroutine-safe.
type MessageBuffer struct {
	mu       sync.RWMutex
	capacity int
	sessions map[string][]BufferedMessage
}

// NewMessageBuffer creates a buffer retaining up to capacity messages per
// session. A non-positive capacity falls back to DefaultBufferCap.
func NewMessageBuffer(capacity int) *MessageBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCap
	}
	return &MessageBuffer{
		capacity: capacity,
		sessions: make(map[string][]BufferedMessage),
	}
}

// Add appends a message to the session's retention window, dropping the
// oldest message once the window is full.
func (b *MessageBuffer) Add(sessionID string, msg BufferedMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := append(b.sessions[sessionID], msg)
	if len(msgs) > b.capacity {
		trimmed := make([]BufferedMessage, b.capacity)
		copy(trimmed, msgs[len(msgs)-b.capacity:])
		msgs = trimmed
	}
	b.sessions[sessionID] = msgs
}

// Get returns a copy of the session's retained messages, oldest first. An
// unknown session yields an empty slice.
func (b *MessageBuffer) Get(sessionID string) []BufferedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msgs := b.sessions[sessionID]
	out := make([]BufferedMessage, len(msgs))
	copy(out, msgs)
	return out
}

// Remove drops a session's retention window, called when the session ends.
func (b *MessageBuffer) Remove(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.sessions, sessionID)
}
