package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/strangerline/chat-app/internal/events"
	"github.com/strangerline/chat-app/internal/fanout"
	"github.com/strangerline/chat-app/internal/identity"
	"github.com/strangerline/chat-app/internal/metrics"
	"github.com/strangerline/chat-app/internal/moderation"
	"github.com/strangerline/chat-app/internal/ratelimit"
	"github.com/strangerline/chat-app/internal/report"
)

// Coordinator errors for policy rejections on the message path.
var (
	ErrSessionNotActive = errors.New("chat: session is not active")
)

// RejectionRateLimited is the rejection reason when the sender exceeds the
// message rate limit. Like gate rejections it is a normal outcome, not an
// error.
const RejectionRateLimited = "rate_limited"

// PostResult is the outcome of PostMessage. A rejected message is a normal
// outcome: the pipeline never persists or publishes it.
type PostResult struct {
	Accepted  bool
	MessageID string
	Reason    string
}

// MessageArchive persists accepted messages. Satisfied by *Archive.
type MessageArchive interface {
	Insert(ctx context.Context, msg *Message) error
}

// ReportSink files abuse reports. Satisfied by *report.Store.
type ReportSink interface {
	Create(ctx context.Context, r *report.Report) error
}

// Coordinator owns the session state machine and the message pipeline:
// participant checks, shape validation, rate limiting, the moderation gate,
// persist-then-publish delivery, and termination.
type Coordinator struct {
	store      *Store
	archive    MessageArchive
	buffer     *MessageBuffer
	gate       *moderation.Gate
	identities *identity.Store
	limiter    *ratelimit.Limiter
	reports    ReportSink
	bus        *fanout.Bus
}

// NewCoordinator wires the coordinator's collaborators.
func NewCoordinator(store *Store, archive MessageArchive, gate *moderation.Gate,
	identities *identity.Store, limiter *ratelimit.Limiter,
	reports ReportSink, bus *fanout.Bus) *Coordinator {
	return &Coordinator{
		store:      store,
		archive:    archive,
		buffer:     NewMessageBuffer(DefaultBufferCap),
		gate:       gate,
		identities: identities,
		limiter:    limiter,
		reports:    reports,
		bus:        bus,
	}
}

// Acknowledge records one participant's presence, idempotently. Once both
// sides have acknowledged, the session transitions to active and a
// session_active event is published.
func (c *Coordinator) Acknowledge(ctx context.Context, sessionID, identityID string) error {
	outcome, err := c.store.Acknowledge(ctx, sessionID, identityID)
	if err != nil {
		return err
	}

	if outcome == AckActivated {
		metrics.ActiveSessions.Inc()
		if err := c.bus.PublishType(fanout.TopicSession(sessionID), events.TypeSessionActive,
			events.SessionActivePayload{SessionID: sessionID}); err != nil {
			log.Printf("[coordinator] publish session_active for %s: %v", sessionID, err)
		}
		log.Printf("[coordinator] session %s active", sessionID)
	}
	return nil
}

// PostMessage runs the message pipeline. Policy violations surface as
// errors; gate and rate-limit rejections are normal PostResult outcomes.
// Accepted messages are persisted before they are published so per-session
// delivery order matches acceptance order.
func (c *Coordinator) PostMessage(ctx context.Context, sessionID, senderID, content string) (PostResult, error) {
	started := time.Now()
	defer func() {
		metrics.MessageLatency.Observe(time.Since(started).Seconds())
	}()

	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return PostResult{}, err
	}
	if !sess.IsParticipant(senderID) {
		return PostResult{}, ErrNotParticipant
	}
	if sess.State != StateActive {
		return PostResult{}, ErrSessionNotActive
	}

	if err := ValidateMessage(content); err != nil {
		return PostResult{}, fmt.Errorf("chat: %w", err)
	}

	allowed, _ := c.limiter.Allow(ctx, senderID, ratelimit.RuleMessage)
	if !allowed {
		metrics.MessagesTotal.WithLabelValues(RejectionRateLimited).Inc()
		return PostResult{Reason: RejectionRateLimited}, nil
	}

	result := c.gate.Classify(ctx, content)
	if result.Blocked() {
		metrics.MessagesTotal.WithLabelValues(result.Reason).Inc()
		if _, err := c.identities.RecordViolation(ctx, senderID); err != nil {
			log.Printf("[coordinator] record violation for %s: %v", senderID, err)
		}
		return PostResult{Reason: result.Reason}, nil
	}

	msg := &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		SenderID:  senderID,
		Content:   content,
		Verdict:   string(result.Verdict),
		CreatedAt: time.Now(),
	}
	if err := c.archive.Insert(ctx, msg); err != nil {
		return PostResult{}, err
	}

	c.buffer.Add(sessionID, BufferedMessage{
		SenderID: senderID,
		Content:  content,
		Ts:       msg.CreatedAt.Unix(),
	})

	if err := c.bus.PublishType(fanout.TopicSession(sessionID), events.TypeMessage,
		events.MessagePayload{MessageID: msg.ID, SenderID: senderID, Content: content}); err != nil {
		log.Printf("[coordinator] publish message %s: %v", msg.ID, err)
	}

	metrics.MessagesTotal.WithLabelValues("accepted").Inc()
	return PostResult{Accepted: true, MessageID: msg.ID}, nil
}

// Typing relays a typing indicator on the session topic. It carries no
// message text, so it bypasses the gate; it still requires an active
// session and a participant sender.
func (c *Coordinator) Typing(ctx context.Context, sessionID, identityID string, isTyping bool) error {
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.IsParticipant(identityID) {
		return ErrNotParticipant
	}
	if sess.State != StateActive {
		return ErrSessionNotActive
	}

	return c.bus.PublishType(fanout.TopicSession(sessionID), events.TypeTyping,
		events.TypingPayload{IdentityID: identityID, IsTyping: isTyping})
}

// End terminates a session, idempotently: ending an already-ended session
// returns the stored reason. The session_ended event is published exactly
// once, on the transition.
func (c *Coordinator) End(ctx context.Context, sessionID, by, reason string) (string, error) {
	if !ValidEndReason(reason) {
		reason = ReasonNormalClose
	}

	outcome, err := c.store.End(ctx, sessionID, by, reason)
	if err != nil {
		return "", err
	}
	if outcome.AlreadyEnded {
		return outcome.Reason, nil
	}

	c.finishSession(ctx, sessionID, by, outcome)
	return outcome.Reason, nil
}

// finishSession performs the post-transition work for a freshly ended
// session: event publication, index and buffer cleanup, metrics. The active
// gauge only moves for sessions that reached active; its increment fires on
// activation, so a session ended straight from pending must not decrement.
func (c *Coordinator) finishSession(ctx context.Context, sessionID, by string, outcome EndOutcome) {
	reason := outcome.Reason
	metrics.SessionsEndedTotal.WithLabelValues(reason).Inc()
	if outcome.WasActive {
		metrics.ActiveSessions.Dec()
	}

	if err := c.bus.PublishType(fanout.TopicSession(sessionID), events.TypeSessionEnded,
		events.SessionEndedPayload{SessionID: sessionID, By: by, Reason: reason}); err != nil {
		log.Printf("[coordinator] publish session_ended for %s: %v", sessionID, err)
	}

	if sess, err := c.store.Get(ctx, sessionID); err == nil {
		c.store.RemoveFromIndex(ctx, sess)
	}
	c.buffer.Remove(sessionID)

	log.Printf("[coordinator] session %s ended reason=%s by=%s", sessionID, reason, by)
}

// OnBanObserved forces End(reason=reported_ban) on every session the
// identity currently participates in. Driven by the ban feed subscription.
func (c *Coordinator) OnBanObserved(ctx context.Context, identityID string) {
	sessionIDs, err := c.store.SessionsFor(ctx, identityID)
	if err != nil {
		log.Printf("[coordinator] sessions for banned %s: %v", identityID, err)
		return
	}

	for _, sessionID := range sessionIDs {
		if _, err := c.End(ctx, sessionID, identityID, ReasonReportedBan); err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				log.Printf("[coordinator] end %s after ban of %s: %v", sessionID, identityID, err)
			}
		}
	}

	if len(sessionIDs) > 0 {
		log.Printf("[coordinator] ended %d session(s) after ban of %s", len(sessionIDs), identityID)
	}
}

// SubscribeBanFeed attaches the coordinator to the ban observation feed.
// The returned subscription is released by the caller on shutdown.
func (c *Coordinator) SubscribeBanFeed(ctx context.Context) (*fanout.Subscription, error) {
	return c.bus.SubscribeBans(func(notice fanout.BanNotice) {
		c.OnBanObserved(ctx, notice.IdentityID)
	})
}

// Report files an abuse report with a recent-message snapshot and runs the
// auto-ban escalation check. The reporter must be a session participant and
// the reported identity must be their partner.
func (c *Coordinator) Report(ctx context.Context, sessionID, reporterID, reportedID, category, reason string) error {
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.IsParticipant(reporterID) || sess.Partner(reporterID) != reportedID {
		return ErrNotParticipant
	}

	var snapshot []report.MessageEntry
	for _, m := range c.buffer.Get(sessionID) {
		snapshot = append(snapshot, report.MessageEntry{
			SenderID: m.SenderID,
			Content:  m.Content,
			Ts:       m.Ts,
		})
	}

	if err := c.reports.Create(ctx, &report.Report{
		SessionID:  sessionID,
		ReporterID: reporterID,
		ReportedID: reportedID,
		Category:   category,
		Reason:     reason,
		Messages:   snapshot,
	}); err != nil {
		return err
	}

	banned, duration, err := c.identities.ReportAndCheck(ctx, reportedID)
	if err != nil {
		log.Printf("[coordinator] report escalation for %s: %v", reportedID, err)
		return nil
	}
	if banned {
		log.Printf("[coordinator] auto-banned %s for %s after repeated reports", reportedID, duration)
	}
	return nil
}

// Session exposes a read-only session lookup for the API layer.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (*Session, error) {
	return c.store.Get(ctx, sessionID)
}
