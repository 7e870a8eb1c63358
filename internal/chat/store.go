package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store errors surfaced to the coordinator.
var (
	ErrSessionNotFound = errors.New("chat: session not found")
	ErrNotParticipant  = errors.New("chat: identity is not a participant")
)

// Store manages chat session state in Redis. All state-changing operations
// run as Lua scripts so the forward-only state machine holds under
// concurrent callers.
type Store struct {
	rdb       *redis.Client
	ackScript *redis.Script
	endScript *redis.Script
}

// NewStore creates a session store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:       rdb,
		ackScript: redis.NewScript(acknowledgeLua),
		endScript: redis.NewScript(endSessionLua),
	}
}

// Get retrieves a session. Returns ErrSessionNotFound if absent.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}

	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	endedAt, _ := strconv.ParseInt(fields["ended_at"], 10, 64)

	return &Session{
		ID:           sessionID,
		ParticipantA: fields["participant_a"],
		ParticipantB: fields["participant_b"],
		State:        fields["state"],
		CreatedAt:    createdAt,
		EndedAt:      endedAt,
		EndReason:    fields["end_reason"],
		AckedA:       fields["acked_a"] == "1",
		AckedB:       fields["acked_b"] == "1",
	}, nil
}

// Acknowledge outcomes.
const (
	AckActivated     = 1 // both sides acked, session is now active
	AckWaiting       = 0 // recorded, waiting for the partner
	AckAlreadyActive = 2 // idempotent re-ack on an active session
)

// Acknowledge atomically records one participant's acknowledgement and
// activates the session once both sides have acked. Re-acknowledging is a
// no-op. Returns one of the Ack* outcomes.
func (s *Store) Acknowledge(ctx context.Context, sessionID, identityID string) (int, error) {
	keys := []string{SessionPrefix + sessionID, PendingKey}
	result, err := s.ackScript.Run(ctx, s.rdb, keys,
		identityID, sessionID, int(TTLActive.Seconds())).Int()
	if err != nil {
		return 0, fmt.Errorf("chat: acknowledge: %w", err)
	}
	switch result {
	case -1:
		return 0, ErrSessionNotFound
	case -2:
		// Ended sessions cannot be acknowledged; surfacing not-found keeps
		// the ack path indistinguishable from an expired session.
		return 0, ErrSessionNotFound
	case -3:
		return 0, ErrNotParticipant
	}
	return result, nil
}

// EndOutcome reports what End did and the authoritative end reason.
type EndOutcome struct {
	AlreadyEnded bool
	Skipped      bool // the session was not in the required state
	WasActive    bool // the session had reached active before ending
	Reason       string
}

// End atomically transitions a session to ended. Ending an already-ended
// session is a no-op that returns the existing reason, never an error.
func (s *Store) End(ctx context.Context, sessionID, by, reason string) (EndOutcome, error) {
	return s.end(ctx, sessionID, by, reason, "")
}

// EndPending ends a session only if it is still pending. Used by the
// acknowledge-window sweep: both participants can acknowledge between the
// expiry snapshot and the end, and a session that activated in that gap must
// not be killed with reason=timeout. A Skipped outcome means exactly that.
func (s *Store) EndPending(ctx context.Context, sessionID, reason string) (EndOutcome, error) {
	return s.end(ctx, sessionID, "", reason, StatePending)
}

func (s *Store) end(ctx context.Context, sessionID, by, reason, requireState string) (EndOutcome, error) {
	keys := []string{SessionPrefix + sessionID, PendingKey}
	raw, err := s.endScript.Run(ctx, s.rdb, keys,
		reason, time.Now().Unix(), by, sessionID, requireState).Result()
	if err != nil {
		return EndOutcome{}, fmt.Errorf("chat: end session: %w", err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) < 2 {
		return EndOutcome{}, fmt.Errorf("chat: end session: unexpected reply %v", raw)
	}
	code, _ := reply[0].(int64)
	stored, _ := reply[1].(string)

	switch code {
	case -1:
		return EndOutcome{}, ErrSessionNotFound
	case -2:
		return EndOutcome{Skipped: true}, nil
	case 0:
		return EndOutcome{AlreadyEnded: true, Reason: stored}, nil
	default:
		out := EndOutcome{Reason: stored}
		if len(reply) == 3 {
			prior, _ := reply[2].(string)
			out.WasActive = prior == StateActive
		}
		return out, nil
	}
}

// SessionsFor returns the IDs of sessions an identity currently appears in.
func (s *Store) SessionsFor(ctx context.Context, identityID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, IndexPrefix+identityID).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: sessions for %s: %w", identityID, err)
	}
	return ids, nil
}

// RemoveFromIndex drops a session from both participants' indexes. Called
// after a session ends; the index carries at most a few stale entries
// between end and cleanup, which SessionsFor callers tolerate.
func (s *Store) RemoveFromIndex(ctx context.Context, sess *Session) {
	pipe := s.rdb.Pipeline()
	pipe.SRem(ctx, IndexPrefix+sess.ParticipantA, sess.ID)
	pipe.SRem(ctx, IndexPrefix+sess.ParticipantB, sess.ID)
	pipe.Exec(ctx)
}

// ExpiredPending returns sessions whose acknowledge deadline has passed and
// that are still pending. The caller ends each one with reason=timeout.
func (s *Store) ExpiredPending(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, PendingKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: expired pending: %w", err)
	}
	return ids, nil
}

// acknowledgeLua records one side's ack and activates when both sides have
// acked. Replies: 1 activated, 0 waiting, 2 already active, -1 not found,
// -2 ended, -3 not a participant.
const acknowledgeLua = `
local key = KEYS[1]
local pending = KEYS[2]
local identity_id = ARGV[1]
local session_id = ARGV[2]
local active_ttl = tonumber(ARGV[3])

local state = redis.call('HGET', key, 'state')
if not state then return -1 end
if state == 'ended' then return -2 end

local a = redis.call('HGET', key, 'participant_a')
local b = redis.call('HGET', key, 'participant_b')

if identity_id == a then
    redis.call('HSET', key, 'acked_a', '1')
elseif identity_id == b then
    redis.call('HSET', key, 'acked_b', '1')
else
    return -3
end

if state == 'active' then return 2 end

local acked_a = redis.call('HGET', key, 'acked_a')
local acked_b = redis.call('HGET', key, 'acked_b')

if acked_a == '1' and acked_b == '1' then
    redis.call('HSET', key, 'state', 'active')
    redis.call('EXPIRE', key, active_ttl)
    redis.call('ZREM', pending, session_id)
    return 1
end

return 0
`

// endSessionLua transitions to ended exactly once. ARGV[5] optionally names
// the state the session must still be in for the end to apply. Replies
// {1, reason, prior_state} on a fresh end, {0, stored_reason} when already
// ended, {-2, state} when the state guard did not hold, {-1, empty} when
// missing.
const endSessionLua = `
local key = KEYS[1]
local pending = KEYS[2]
local reason = ARGV[1]
local ended_at = ARGV[2]
local ended_by = ARGV[3]
local session_id = ARGV[4]
local require_state = ARGV[5]

local state = redis.call('HGET', key, 'state')
if not state then
    -- Hash expired out from under the pending set; clear the orphan so
    -- the sweep does not revisit it.
    redis.call('ZREM', pending, session_id)
    return {-1, ''}
end
if state == 'ended' then
    return {0, redis.call('HGET', key, 'end_reason')}
end
if require_state ~= '' and state ~= require_state then
    return {-2, state}
end

redis.call('HSET', key, 'state', 'ended', 'end_reason', reason, 'ended_at', ended_at, 'ended_by', ended_by)
redis.call('ZREM', pending, session_id)
return {1, reason, state}
`
