package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestStore creates a Store connected to a test Redis instance.
// Requires Redis on localhost:6379; tests are skipped if unavailable.
func setupTestStore(t *testing.T) (*Store, *redis.Client, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewStore(rdb), rdb, ctx
}

// seedPendingSession writes a pending session the way the matcher's claim
// transaction does.
func seedPendingSession(t *testing.T, rdb *redis.Client, ctx context.Context, sessionID, a, b string, deadline time.Time) {
	t.Helper()

	key := SessionPrefix + sessionID
	if err := rdb.HSet(ctx, key,
		"participant_a", a,
		"participant_b", b,
		"state", StatePending,
		"created_at", time.Now().Unix(),
		"acked_a", "0",
		"acked_b", "0",
	).Err(); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := rdb.ZAdd(ctx, PendingKey, redis.Z{Score: float64(deadline.Unix()), Member: sessionID}).Err(); err != nil {
		t.Fatalf("seed pending zset: %v", err)
	}
	for _, id := range []string{a, b} {
		if err := rdb.SAdd(ctx, IndexPrefix+id, sessionID).Err(); err != nil {
			t.Fatalf("seed index: %v", err)
		}
	}
}

func TestGet_NotFound(t *testing.T) {
	store, _, ctx := setupTestStore(t)

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrSessionNotFound", err)
	}
}

func TestAcknowledge_ActivatesOnSecondAck(t *testing.T) {
	store, rdb, ctx := setupTestStore(t)
	seedPendingSession(t, rdb, ctx, "sess-1", "alice", "bob", time.Now().Add(AckWindow))

	outcome, err := store.Acknowledge(ctx, "sess-1", "alice")
	if err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if outcome != AckWaiting {
		t.Fatalf("first ack outcome = %d, want AckWaiting", outcome)
	}

	outcome, err = store.Acknowledge(ctx, "sess-1", "bob")
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if outcome != AckActivated {
		t.Fatalf("second ack outcome = %d, want AckActivated", outcome)
	}

	sess, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.State != StateActive {
		t.Errorf("state = %q, want active", sess.State)
	}

	// Activation clears the ack deadline.
	expired, err := store.ExpiredPending(ctx, time.Now().Add(2*AckWindow))
	if err != nil {
		t.Fatalf("ExpiredPending: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("active session still in pending set: %v", expired)
	}
}

func TestAcknowledge_Idempotent(t *testing.T) {
	store, rdb, ctx := setupTestStore(t)
	seedPendingSession(t, rdb, ctx, "sess-1", "alice", "bob", time.Now().Add(AckWindow))

	// Same participant acking twice does not activate.
	for i := 0; i < 2; i++ {
		outcome, err := store.Acknowledge(ctx, "sess-1", "alice")
		if err != nil {
			t.Fatalf("ack %d: %v", i, err)
		}
		if outcome != AckWaiting {
			t.Fatalf("ack %d outcome = %d, want AckWaiting", i, outcome)
		}
	}

	store.Acknowledge(ctx, "sess-1", "bob")

	// Re-acking an active session is a harmless no-op.
	outcome, err := store.Acknowledge(ctx, "sess-1", "alice")
	if err != nil {
		t.Fatalf("re-ack: %v", err)
	}
	if outcome != AckAlreadyActive {
		t.Fatalf("re-ack outcome = %d, want AckAlreadyActive", outcome)
	}
}

func TestAcknowledge_Outsider(t *testing.T) {
	store, rdb, ctx := setupTestStore(t)
	seedPendingSession(t, rdb, ctx, "sess-1", "alice", "bob", time.Now().Add(AckWindow))

	if _, err := store.Acknowledge(ctx, "sess-1", "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider ack error = %v, want ErrNotParticipant", err)
	}
	if _, err := store.Acknowledge(ctx, "missing", "alice"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("missing session ack error = %v, want ErrSessionNotFound", err)
	}
}

func TestEnd_IdempotentWithOriginalReason(t *testing.T) {
	store, rdb, ctx := setupTestStore(t)
	seedPendingSession(t, rdb, ctx, "sess-1", "alice", "bob", time.Now().Add(AckWindow))
	store.Acknowledge(ctx, "sess-1", "alice")
	store.Acknowledge(ctx, "sess-1", "bob")

	outcome, err := store.End(ctx, "sess-1", "alice", ReasonUserLeft)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if outcome.AlreadyEnded {
		t.Fatal("first End reported AlreadyEnded")
	}
	if outcome.Reason != ReasonUserLeft {
		t.Errorf("Reason = %q, want %q", outcome.Reason, ReasonUserLeft)
	}

	// Second end with a different reason: no-op, original reason stands.
	outcome, err = store.End(ctx, "sess-1", "bob", ReasonNormalClose)
	if err != nil {
		t.Fatalf("second End: %v", err)
	}
	if !outcome.AlreadyEnded {
		t.Fatal("second End should report AlreadyEnded")
	}
	if outcome.Reason != ReasonUserLeft {
		t.Errorf("stored Reason = %q, want %q", outcome.Reason, ReasonUserLeft)
	}

	sess, _ := store.Get(ctx, "sess-1")
	if sess.State != StateEnded || sess.EndReason != ReasonUserLeft {
		t.Errorf("session = state %q reason %q, want ended/%q", sess.State, sess.EndReason, ReasonUserLeft)
	}
}

func TestEnd_PendingSession(t *testing.T) {
	store, rdb, ctx := setupTestStore(t)
	seedPendingSession(t, rdb, ctx, "sess-1", "alice", "bob", time.Now().Add(AckWindow))

	// Ending straight from pending is legal: the state machine only moves
	// forward, it does not require passing through active.
	outcome, err := store.End(ctx, "sess-1", "", ReasonTimeout)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if outcome.Reason != ReasonTimeout {
		t.Errorf("Reason = %q, want %q", outcome.Reason, ReasonTimeout)
	}

	// Ended sessions cannot be acknowledged back to life.
	if _, err := store.Acknowledge(ctx, "sess-1", "alice"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ack after end error = %v, want ErrSessionNotFound", err)
	}
}

func TestEnd_ReportsPriorActivation(t *testing.T) {
	store, rdb, ctx := setupTestStore(t)

	seedPendingSession(t, rdb, ctx, "from-pending", "alice", "bob", time.Now().Add(AckWindow))
	outcome, err := store.End(ctx, "from-pending", "", ReasonTimeout)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if outcome.WasActive {
		t.Error("WasActive = true for a session ended straight from pending")
	}

	seedPendingSession(t, rdb, ctx, "from-active", "alice", "bob", time.Now().Add(AckWindow))
	store.Acknowledge(ctx, "from-active", "alice")
	store.Acknowledge(ctx, "from-active", "bob")
	outcome, err = store.End(ctx, "from-active", "alice", ReasonUserLeft)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if !outcome.WasActive {
		t.Error("WasActive = false for a session that had activated")
	}
}

func TestEndPending_SkipsActivatedSession(t *testing.T) {
	store, rdb, ctx := setupTestStore(t)
	seedPendingSession(t, rdb, ctx, "sess-1", "alice", "bob", time.Now().Add(-time.Second))

	// The sweep takes its expiry snapshot first.
	expired, err := store.ExpiredPending(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpiredPending: %v", err)
	}
	if len(expired) != 1 || expired[0] != "sess-1" {
		t.Fatalf("expired = %v, want [sess-1]", expired)
	}

	// Both sides acknowledge between the snapshot and the end.
	store.Acknowledge(ctx, "sess-1", "alice")
	store.Acknowledge(ctx, "sess-1", "bob")

	outcome, err := store.EndPending(ctx, "sess-1", ReasonTimeout)
	if err != nil {
		t.Fatalf("EndPending: %v", err)
	}
	if !outcome.Skipped {
		t.Fatal("EndPending did not skip a just-activated session")
	}

	sess, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.State != StateActive {
		t.Errorf("state = %q, want active", sess.State)
	}
}

func TestEndPending_EndsUnacknowledgedSession(t *testing.T) {
	store, rdb, ctx := setupTestStore(t)
	seedPendingSession(t, rdb, ctx, "sess-1", "alice", "bob", time.Now().Add(-time.Second))

	outcome, err := store.EndPending(ctx, "sess-1", ReasonTimeout)
	if err != nil {
		t.Fatalf("EndPending: %v", err)
	}
	if outcome.Skipped || outcome.AlreadyEnded {
		t.Fatalf("outcome = %+v, want a fresh end", outcome)
	}
	if outcome.Reason != ReasonTimeout {
		t.Errorf("Reason = %q, want %q", outcome.Reason, ReasonTimeout)
	}

	sess, _ := store.Get(ctx, "sess-1")
	if sess.State != StateEnded {
		t.Errorf("state = %q, want ended", sess.State)
	}
}

func TestEnd_NotFound(t *testing.T) {
	store, _, ctx := setupTestStore(t)

	if _, err := store.End(ctx, "missing", "", ReasonUserLeft); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("End(missing) error = %v, want ErrSessionNotFound", err)
	}
}

func TestExpiredPending(t *testing.T) {
	store, rdb, ctx := setupTestStore(t)

	seedPendingSession(t, rdb, ctx, "overdue", "a", "b", time.Now().Add(-time.Second))
	seedPendingSession(t, rdb, ctx, "fresh", "c", "d", time.Now().Add(AckWindow))

	expired, err := store.ExpiredPending(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpiredPending: %v", err)
	}
	if len(expired) != 1 || expired[0] != "overdue" {
		t.Fatalf("expired = %v, want [overdue]", expired)
	}
}

func TestRemoveFromIndex(t *testing.T) {
	store, rdb, ctx := setupTestStore(t)
	seedPendingSession(t, rdb, ctx, "sess-1", "alice", "bob", time.Now().Add(AckWindow))

	sess, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	store.RemoveFromIndex(ctx, sess)

	for _, id := range []string{"alice", "bob"} {
		ids, err := store.SessionsFor(ctx, id)
		if err != nil {
			t.Fatalf("SessionsFor(%s): %v", id, err)
		}
		if len(ids) != 0 {
			t.Errorf("SessionsFor(%s) = %v after removal, want empty", id, ids)
		}
	}
}
