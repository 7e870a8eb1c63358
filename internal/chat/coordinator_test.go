package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/strangerline/chat-app/internal/events"
	"github.com/strangerline/chat-app/internal/fanout"
	"github.com/strangerline/chat-app/internal/identity"
	"github.com/strangerline/chat-app/internal/moderation"
	"github.com/strangerline/chat-app/internal/ratelimit"
	"github.com/strangerline/chat-app/internal/report"
)

// archiveRecorder is a MessageArchive that records inserts in memory.
type archiveRecorder struct {
	mu       sync.Mutex
	inserted []*Message
}

func (a *archiveRecorder) Insert(ctx context.Context, msg *Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inserted = append(a.inserted, msg)
	return nil
}

func (a *archiveRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inserted)
}

// reportRecorder is a ReportSink that records created reports in memory.
type reportRecorder struct {
	mu      sync.Mutex
	created []*report.Report
}

func (r *reportRecorder) Create(ctx context.Context, rep *report.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, rep)
	return nil
}

// setupTestCoordinator wires a coordinator against local Redis and NATS with
// in-memory archive and report sinks. Skipped when either backend is
// unavailable.
func setupTestCoordinator(t *testing.T) (*Coordinator, *archiveRecorder, *fanout.Bus, context.Context, func(*testing.T, string, string, string)) {
	t.Helper()

	store, rdb, ctx := setupTestStore(t)

	busConfig := fanout.DefaultConfig()
	busConfig.Name = "coordinator-test"
	bus, err := fanout.Connect(busConfig)
	if err != nil {
		t.Skipf("skipping: NATS not available: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	gate, err := moderation.NewGate([]string{"badword"}, []string{"kill yourself"})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	archive := &archiveRecorder{}
	coord := NewCoordinator(store, archive, gate,
		identity.NewStore(rdb), ratelimit.NewLimiter(rdb), &reportRecorder{}, bus)

	seed := func(t *testing.T, sessionID, a, b string) {
		t.Helper()
		seedPendingSession(t, rdb, ctx, sessionID, a, b, time.Now().Add(AckWindow))
	}
	return coord, archive, bus, ctx, seed
}

// collectSessionEvents subscribes to a session topic and returns a channel
// of decoded events.
func collectSessionEvents(t *testing.T, bus *fanout.Bus, sessionID string) <-chan events.Event {
	t.Helper()

	ch := make(chan events.Event, 16)
	sub, err := bus.Subscribe(fanout.TopicSession(sessionID), func(ev events.Event) {
		ch <- ev
	})
	if err != nil {
		t.Fatalf("subscribe session %s: %v", sessionID, err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	return ch
}

func waitForEvent(t *testing.T, ch <-chan events.Event, wantType string) events.Event {
	t.Helper()
	for {
		select {
		case ev := <-ch:
			if ev.Type == wantType {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", wantType)
			return events.Event{}
		}
	}
}

func activate(t *testing.T, coord *Coordinator, ctx context.Context, sessionID, a, b string) {
	t.Helper()
	if err := coord.Acknowledge(ctx, sessionID, a); err != nil {
		t.Fatalf("ack %s: %v", a, err)
	}
	if err := coord.Acknowledge(ctx, sessionID, b); err != nil {
		t.Fatalf("ack %s: %v", b, err)
	}
}

func TestPostMessage_PendingSessionRejected(t *testing.T) {
	coord, archive, _, ctx, seed := setupTestCoordinator(t)
	seed(t, "sess-1", "alice", "bob")

	_, err := coord.PostMessage(ctx, "sess-1", "alice", "hello?")
	if !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("PostMessage on pending session error = %v, want ErrSessionNotActive", err)
	}
	if archive.count() != 0 {
		t.Errorf("archive recorded %d messages for a pending session", archive.count())
	}
}

func TestPostMessage_AcceptedPersistedAndPublished(t *testing.T) {
	coord, archive, bus, ctx, seed := setupTestCoordinator(t)
	seed(t, "sess-1", "alice", "bob")
	sessionEvents := collectSessionEvents(t, bus, "sess-1")
	activate(t, coord, ctx, "sess-1", "alice", "bob")
	waitForEvent(t, sessionEvents, events.TypeSessionActive)

	result, err := coord.PostMessage(ctx, "sess-1", "alice", "hello bob")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if !result.Accepted || result.MessageID == "" {
		t.Fatalf("result = %+v, want accepted with an ID", result)
	}

	var payload events.MessagePayload
	if err := waitForEvent(t, sessionEvents, events.TypeMessage).Decode(&payload); err != nil {
		t.Fatalf("decode message event: %v", err)
	}
	if payload.MessageID != result.MessageID || payload.Content != "hello bob" {
		t.Errorf("published payload = %+v, want id=%s content=%q", payload, result.MessageID, "hello bob")
	}
	if archive.count() != 1 {
		t.Errorf("archive recorded %d messages, want 1", archive.count())
	}
}

func TestPostMessage_BlockedNeverStoredOrPublished(t *testing.T) {
	coord, archive, bus, ctx, seed := setupTestCoordinator(t)
	seed(t, "sess-1", "alice", "bob")
	sessionEvents := collectSessionEvents(t, bus, "sess-1")
	activate(t, coord, ctx, "sess-1", "alice", "bob")
	waitForEvent(t, sessionEvents, events.TypeSessionActive)

	result, err := coord.PostMessage(ctx, "sess-1", "alice", "you badword")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if result.Accepted || result.Reason != moderation.ReasonProfanity {
		t.Fatalf("result = %+v, want blocked with reason %s", result, moderation.ReasonProfanity)
	}

	if archive.count() != 0 {
		t.Errorf("blocked message reached the archive")
	}
	if snapshot := coord.buffer.Get("sess-1"); len(snapshot) != 0 {
		t.Errorf("blocked message retained for report snapshots: %v", snapshot)
	}
	select {
	case ev := <-sessionEvents:
		if ev.Type == events.TypeMessage {
			t.Fatal("blocked message was published")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPostMessage_OutsiderRejected(t *testing.T) {
	coord, _, _, ctx, seed := setupTestCoordinator(t)
	seed(t, "sess-1", "alice", "bob")
	activate(t, coord, ctx, "sess-1", "alice", "bob")

	if _, err := coord.PostMessage(ctx, "sess-1", "mallory", "hi"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider PostMessage error = %v, want ErrNotParticipant", err)
	}
}

func TestOnBanObserved_EndsAllSessions(t *testing.T) {
	coord, _, bus, ctx, seed := setupTestCoordinator(t)
	seed(t, "sess-1", "alice", "bob")
	seed(t, "sess-2", "alice", "carol")
	activate(t, coord, ctx, "sess-1", "alice", "bob")

	firstEvents := collectSessionEvents(t, bus, "sess-1")
	secondEvents := collectSessionEvents(t, bus, "sess-2")

	coord.OnBanObserved(ctx, "alice")

	for _, ch := range []<-chan events.Event{firstEvents, secondEvents} {
		var payload events.SessionEndedPayload
		if err := waitForEvent(t, ch, events.TypeSessionEnded).Decode(&payload); err != nil {
			t.Fatalf("decode session_ended: %v", err)
		}
		if payload.Reason != ReasonReportedBan {
			t.Errorf("end reason = %q, want %q", payload.Reason, ReasonReportedBan)
		}
	}

	for _, sessionID := range []string{"sess-1", "sess-2"} {
		sess, err := coord.Session(ctx, sessionID)
		if err != nil {
			t.Fatalf("Session(%s): %v", sessionID, err)
		}
		if sess.State != StateEnded || sess.EndReason != ReasonReportedBan {
			t.Errorf("%s = %q/%q, want ended/%s", sessionID, sess.State, sess.EndReason, ReasonReportedBan)
		}
	}

	if ids, _ := coord.store.SessionsFor(ctx, "alice"); len(ids) != 0 {
		t.Errorf("session index for alice not cleaned: %v", ids)
	}
}
