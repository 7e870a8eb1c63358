package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndDecode(t *testing.T) {
	ev, err := New(TypeMatched, MatchedPayload{
		SessionID:       "sess-1",
		PartnerID:       "bob",
		SharedInterests: []string{"music"},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeMatched, ev.Type)
	assert.NotZero(t, ev.Ts)

	var payload MatchedPayload
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, "sess-1", payload.SessionID)
	assert.Equal(t, "bob", payload.PartnerID)
	assert.Equal(t, []string{"music"}, payload.SharedInterests)
}

func TestNew_NilPayload(t *testing.T) {
	ev, err := New(TypeSessionActive, nil)
	require.NoError(t, err)
	assert.Empty(t, ev.Payload)

	var payload SessionActivePayload
	assert.Error(t, ev.Decode(&payload), "decoding an empty payload should fail")
}

func TestEnvelopeWireShape(t *testing.T) {
	ev, err := New(TypeMessage, MessagePayload{MessageID: "m1", SenderID: "alice", Content: "hi"})
	require.NoError(t, err)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	// Subscribers dispatch on the type discriminator before touching the
	// payload; both must be visible at the top level.
	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Contains(t, wire, "type")
	assert.Contains(t, wire, "payload")
	assert.Contains(t, wire, "ts")
}

func TestDecode_WrongPayloadType(t *testing.T) {
	ev, err := New(TypeTyping, TypingPayload{IdentityID: "alice", IsTyping: true})
	require.NoError(t, err)

	// Decoding into a structurally different payload does not error (JSON
	// is permissive) but yields zero values; callers must dispatch on Type.
	var payload MessagePayload
	require.NoError(t, ev.Decode(&payload))
	assert.Empty(t, payload.MessageID)
}
