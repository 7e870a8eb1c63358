package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strangerline/chat-app/internal/chat"
	"github.com/strangerline/chat-app/internal/identity"
)

const (
	// Redis key patterns for queue data structures.
	keyWaitingPrefix = "queue:waiting:" // + <looking_for> -> sorted set, score = entered_at (ms)
	keyEntryPrefix   = "queue:entry:"   // + <identity_id> -> Hash
	keyLatencyPrefix = "queue:latency:" // + <looking_for> -> list of recent wait seconds

	// entrySafetyTTL is a backstop expiry on entry hashes. Eviction is
	// driven by the matcher tick, not by Redis expiry, so timeout events
	// fire exactly once; the backstop only covers a dead matcher.
	entrySafetyTTL = 30 * time.Minute

	// latencySamples caps the moving window used for wait estimates.
	latencySamples = 50
)

// Queue operation errors. Policy rejections are sentinels surfaced verbatim
// to the caller; store faults wrap ErrStoreUnavailable and are retryable.
var (
	ErrAlreadyBanned     = errors.New("matching: identity is banned")
	ErrAlreadyQueued     = errors.New("matching: identity already has a queue entry")
	ErrNotInQueue        = errors.New("matching: identity is not in the queue")
	ErrStoreUnavailable  = errors.New("matching: queue store unavailable")
	errInvalidLookingFor = errors.New("matching: invalid looking_for")
)

// storeErr wraps a Redis failure as a retryable store fault.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// Status is a queued participant's position report.
type Status struct {
	Position     int64
	WaitEstimate time.Duration
}

// Queue manages the Redis data structures backing the matchmaking queue.
type Queue struct {
	rdb         *redis.Client
	joinScript  *redis.Script
	leaveScript *redis.Script
	claimScript *redis.Script
	evictScript *redis.Script
}

// NewQueue creates a matchmaking queue backed by Redis.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:         rdb,
		joinScript:  redis.NewScript(joinLua),
		leaveScript: redis.NewScript(leaveLua),
		claimScript: redis.NewScript(claimPairLua),
		evictScript: redis.NewScript(evictEntryLua),
	}
}

// Join adds an identity to the queue. Rejects banned identities and
// identities that already hold an unexpired entry.
func (q *Queue) Join(ctx context.Context, ident identity.Identity, interests []string, lookingFor string) (Entry, error) {
	if ident.Banned {
		return Entry{}, ErrAlreadyBanned
	}
	if !ValidGroup(lookingFor) {
		return Entry{}, errInvalidLookingFor
	}

	now := time.Now()
	entry := Entry{
		IdentityID: ident.ID,
		Tier:       ident.Tier,
		Interests:  interests,
		LookingFor: lookingFor,
		EnteredAt:  now,
	}

	keys := []string{keyEntryPrefix + ident.ID, keyWaitingPrefix + lookingFor}
	created, err := q.joinScript.Run(ctx, q.rdb, keys,
		ident.ID,
		string(ident.Tier),
		strings.Join(interests, ","),
		lookingFor,
		now.UnixMilli(),
		int(entrySafetyTTL.Milliseconds()),
	).Int()
	if err != nil {
		return Entry{}, storeErr("join", err)
	}
	if created == 0 {
		return Entry{}, ErrAlreadyQueued
	}
	return entry, nil
}

// Leave removes an identity's entry. Returns ErrNotInQueue when no entry
// exists, which also covers an entry already consumed by a committed match.
func (q *Queue) Leave(ctx context.Context, identityID string) error {
	group, err := q.entryGroup(ctx, identityID)
	if err != nil {
		return err
	}

	keys := []string{keyEntryPrefix + identityID, keyWaitingPrefix + group}
	removed, err := q.leaveScript.Run(ctx, q.rdb, keys, identityID).Int()
	if err != nil {
		return storeErr("leave", err)
	}
	if removed == 0 {
		return ErrNotInQueue
	}
	return nil
}

// Status reports a queued identity's position and a wait estimate derived
// from the moving average of recent match latencies in its group.
func (q *Queue) Status(ctx context.Context, identityID string, tick time.Duration) (Status, error) {
	group, err := q.entryGroup(ctx, identityID)
	if err != nil {
		return Status{}, err
	}

	rank, err := q.rdb.ZRank(ctx, keyWaitingPrefix+group, identityID).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, ErrNotInQueue
	}
	if err != nil {
		return Status{}, storeErr("status", err)
	}

	position := rank + 1
	estimate := q.waitEstimate(ctx, group)
	if estimate <= 0 {
		// No latency samples yet: assume one pairing per tick ahead of us.
		estimate = time.Duration(position) * tick
	}
	return Status{Position: position, WaitEstimate: estimate}, nil
}

// entryGroup reads the looking_for group from an identity's entry hash.
func (q *Queue) entryGroup(ctx context.Context, identityID string) (string, error) {
	group, err := q.rdb.HGet(ctx, keyEntryPrefix+identityID, "looking_for").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotInQueue
	}
	if err != nil {
		return "", storeErr("entry lookup", err)
	}
	return group, nil
}

// Snapshot returns the live entries of one group ordered by entry time.
// Entries whose hash vanished between the range read and the hash read are
// skipped; the next tick sees a consistent view.
func (q *Queue) Snapshot(ctx context.Context, group string) ([]Entry, error) {
	ids, err := q.rdb.ZRange(ctx, keyWaitingPrefix+group, 0, -1).Result()
	if err != nil {
		return nil, storeErr("snapshot", err)
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		fields, err := q.rdb.HGetAll(ctx, keyEntryPrefix+id).Result()
		if err != nil || len(fields) == 0 {
			continue
		}

		enteredMs, _ := strconv.ParseInt(fields["entered_at"], 10, 64)
		var interests []string
		if fields["interests"] != "" {
			interests = strings.Split(fields["interests"], ",")
		}
		entries = append(entries, Entry{
			IdentityID: id,
			Tier:       identity.Tier(fields["tier"]),
			Interests:  interests,
			LookingFor: group,
			EnteredAt:  time.UnixMilli(enteredMs),
		})
	}
	return entries, nil
}

// ClaimPair commits a proposed pairing: both queue entries are claimed and
// removed and the pending session is created, all in one atomic script. A
// false return means one side was concurrently claimed, left, or was banned
// since joining; the caller simply retries the survivor on the next tick.
// The script rechecks the ban flags itself because a ban can land between
// the snapshot and the commit, and a pairing must never include a banned
// identity. A banned side's entry is dropped inside the same transaction.
func (q *Queue) ClaimPair(ctx context.Context, pair Pair, sessionID string, now time.Time) (bool, error) {
	keys := []string{
		keyWaitingPrefix + pair.A.LookingFor,
		keyEntryPrefix + pair.A.IdentityID,
		keyEntryPrefix + pair.B.IdentityID,
		chat.SessionPrefix + sessionID,
		chat.PendingKey,
		chat.IndexPrefix + pair.A.IdentityID,
		chat.IndexPrefix + pair.B.IdentityID,
		identity.BanKeyPrefix + pair.A.IdentityID,
		identity.BanKeyPrefix + pair.B.IdentityID,
	}
	committed, err := q.claimScript.Run(ctx, q.rdb, keys,
		pair.A.IdentityID,
		pair.B.IdentityID,
		sessionID,
		now.Unix(),
		now.Add(chat.AckWindow).Unix(),
		int(chat.TTLPending.Seconds()),
		int(chat.TTLActive.Seconds()),
	).Int()
	if err != nil {
		return false, storeErr("claim pair", err)
	}
	return committed == 1, nil
}

// EvictExpired removes entries older than ttl from a group and returns the
// evicted entries. Removal happens inside the script before the caller
// publishes any timeout notification, so a concurrent rejoin observes an
// empty slot and each evicted entry yields exactly one event.
func (q *Queue) EvictExpired(ctx context.Context, group string, ttl time.Duration, now time.Time) ([]Entry, error) {
	cutoff := now.Add(-ttl).UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, keyWaitingPrefix+group, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, storeErr("evict scan", err)
	}

	var evicted []Entry
	for _, id := range ids {
		keys := []string{keyWaitingPrefix + group, keyEntryPrefix + id}
		removed, err := q.evictScript.Run(ctx, q.rdb, keys, id, cutoff).Int()
		if err != nil {
			return evicted, storeErr("evict", err)
		}
		if removed == 1 {
			evicted = append(evicted, Entry{IdentityID: id, LookingFor: group, EnteredAt: now.Add(-ttl)})
		}
	}
	return evicted, nil
}

// Size returns the number of waiting entries in a group.
func (q *Queue) Size(ctx context.Context, group string) (int64, error) {
	n, err := q.rdb.ZCard(ctx, keyWaitingPrefix+group).Result()
	if err != nil {
		return 0, storeErr("size", err)
	}
	return n, nil
}

// RecordMatchLatency feeds the moving window behind wait estimates.
func (q *Queue) RecordMatchLatency(ctx context.Context, group string, wait time.Duration) {
	key := keyLatencyPrefix + group
	pipe := q.rdb.Pipeline()
	pipe.LPush(ctx, key, wait.Seconds())
	pipe.LTrim(ctx, key, 0, latencySamples-1)
	pipe.Exec(ctx)
}

// waitEstimate averages the recent latency samples for a group.
func (q *Queue) waitEstimate(ctx context.Context, group string) time.Duration {
	samples, err := q.rdb.LRange(ctx, keyLatencyPrefix+group, 0, -1).Result()
	if err != nil || len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		sum += v
	}
	return time.Duration(sum / float64(len(samples)) * float64(time.Second))
}

// joinLua creates an entry unless one already exists. Reply: 1 created,
// 0 already queued.
const joinLua = `
local entry = KEYS[1]
local waiting = KEYS[2]

if redis.call('EXISTS', entry) == 1 then return 0 end

redis.call('HSET', entry,
    'tier', ARGV[2],
    'interests', ARGV[3],
    'looking_for', ARGV[4],
    'entered_at', ARGV[5])
redis.call('PEXPIRE', entry, ARGV[6])
redis.call('ZADD', waiting, ARGV[5], ARGV[1])
return 1
`

// leaveLua removes an entry. Reply: 1 removed, 0 not present.
const leaveLua = `
local entry = KEYS[1]
local waiting = KEYS[2]

if redis.call('EXISTS', entry) == 0 then return 0 end

redis.call('DEL', entry)
redis.call('ZREM', waiting, ARGV[1])
return 1
`

// claimPairLua claims both entries and creates the pending session as one
// transaction. Reply: 1 committed, 0 lost the race (an entry vanished) or a
// side turned out banned, in which case the banned entry is dropped from the
// queue so later ticks do not re-propose it.
const claimPairLua = `
local waiting = KEYS[1]
local entry_a = KEYS[2]
local entry_b = KEYS[3]
local session = KEYS[4]
local pending = KEYS[5]
local idx_a = KEYS[6]
local idx_b = KEYS[7]
local ban_a = KEYS[8]
local ban_b = KEYS[9]

local id_a = ARGV[1]
local id_b = ARGV[2]
local session_id = ARGV[3]
local now = ARGV[4]
local ack_deadline = ARGV[5]
local pending_ttl = tonumber(ARGV[6])
local idx_ttl = tonumber(ARGV[7])

if redis.call('EXISTS', ban_a) == 1 then
    redis.call('ZREM', waiting, id_a)
    redis.call('DEL', entry_a)
    return 0
end
if redis.call('EXISTS', ban_b) == 1 then
    redis.call('ZREM', waiting, id_b)
    redis.call('DEL', entry_b)
    return 0
end

if redis.call('EXISTS', entry_a) == 0 then return 0 end
if redis.call('EXISTS', entry_b) == 0 then return 0 end

redis.call('ZREM', waiting, id_a, id_b)
redis.call('DEL', entry_a, entry_b)

redis.call('HSET', session,
    'participant_a', id_a,
    'participant_b', id_b,
    'state', 'pending',
    'created_at', now,
    'acked_a', '0',
    'acked_b', '0')
redis.call('EXPIRE', session, pending_ttl)
redis.call('ZADD', pending, ack_deadline, session_id)

redis.call('SADD', idx_a, session_id)
redis.call('EXPIRE', idx_a, idx_ttl)
redis.call('SADD', idx_b, session_id)
redis.call('EXPIRE', idx_b, idx_ttl)

return 1
`

// evictEntryLua removes one stale entry unless it was refreshed by a rejoin
// since the scan. Reply: 1 evicted, 0 skipped.
const evictEntryLua = `
local waiting = KEYS[1]
local entry = KEYS[2]
local id = ARGV[1]
local cutoff = tonumber(ARGV[2])

local score = redis.call('ZSCORE', waiting, id)
if not score then return 0 end
if tonumber(score) > cutoff then return 0 end

redis.call('ZREM', waiting, id)
redis.call('DEL', entry)
return 1
`
