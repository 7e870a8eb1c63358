package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/strangerline/chat-app/internal/events"
	"github.com/strangerline/chat-app/internal/fanout"
	"github.com/strangerline/chat-app/internal/metrics"
	"github.com/strangerline/chat-app/internal/ratelimit"
)

// subscribeBuffer bounds the per-connection outbound event queue. A slow
// reader that falls this far behind starts losing events rather than
// stalling the bus handler.
const subscribeBuffer = 64

// handleSubscribe upgrades the request to a WebSocket and streams events
// for one topic. Topics take the form "queue:{identity_id}" or
// "session:{session_id}"; the subscriber's own identity is passed as id.
//
// Subscribing to a session topic counts as showing up: it acknowledges the
// session on behalf of the subscriber and announces join to the topic.
// Disconnecting announces leave.
func (s *Server) handleSubscribe(c *gin.Context) {
	topicParam := c.Query("topic")
	identityID := c.Query("id")
	if topicParam == "" || identityID == "" {
		fail(c, http.StatusUnprocessableEntity, "invalid_request", "missing topic or id")
		return
	}

	kind, target, ok := strings.Cut(topicParam, ":")
	if !ok || target == "" {
		fail(c, http.StatusUnprocessableEntity, "invalid_request", "topic must be queue:{id} or session:{id}")
		return
	}

	ctx := c.Request.Context()
	if allowed, _ := s.limiter.Allow(ctx, identityID, ratelimit.RuleSubscribe); !allowed {
		fail(c, http.StatusTooManyRequests, "rate_limited", "too many subscriptions")
		return
	}

	var (
		subject   string
		isSession bool
	)
	switch kind {
	case "queue":
		// Queue topics are private: only the queued participant may listen.
		if target != identityID {
			fail(c, http.StatusForbidden, "not_participant", "queue topic belongs to another identity")
			return
		}
		subject = fanout.TopicQueue(target)
	case "session":
		sess, err := s.coordinator.Session(ctx, target)
		if err != nil {
			fail(c, http.StatusNotFound, "session_not_found", "no such session")
			return
		}
		if !sess.IsParticipant(identityID) {
			fail(c, http.StatusForbidden, "not_participant", "identity is not a participant")
			return
		}
		subject = fanout.TopicSession(target)
		isSession = true
	default:
		fail(c, http.StatusUnprocessableEntity, "invalid_request", "unknown topic kind")
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		log.Printf("[api] ws upgrade failed: %v", err)
		return
	}

	out := make(chan []byte, subscribeBuffer)
	sub, err := s.bus.Subscribe(subject, func(ev events.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		select {
		case out <- data:
		default:
			log.Printf("[api] subscriber %s lagging on %s, dropping event", identityID, subject)
		}
	})
	if err != nil {
		log.Printf("[api] subscribe %s failed: %v", subject, err)
		conn.Close()
		return
	}

	metrics.Subscribers.Inc()
	log.Printf("[api] subscriber %s attached to %s", identityID, subject)

	if isSession {
		// Showing up on the session topic is the acknowledgement. The
		// second participant's ack publishes session_active.
		ackCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.coordinator.Acknowledge(ackCtx, target, identityID); err != nil {
			log.Printf("[api] ack on subscribe session=%s identity=%s: %v", target, identityID, err)
		}
		cancel()
		if err := s.bus.PublishType(subject, events.TypeJoin, events.PresencePayload{IdentityID: identityID}); err != nil {
			log.Printf("[api] publish join session=%s: %v", target, err)
		}
	}

	done := make(chan struct{})
	go s.writeLoop(conn, out, done)

	s.readLoop(conn)

	close(done)
	if err := sub.Unsubscribe(); err != nil {
		log.Printf("[api] unsubscribe %s: %v", subject, err)
	}
	metrics.Subscribers.Dec()
	conn.Close()

	if isSession {
		if err := s.bus.PublishType(subject, events.TypeLeave, events.PresencePayload{IdentityID: identityID}); err != nil {
			log.Printf("[api] publish leave session=%s: %v", target, err)
		}
	}
	log.Printf("[api] subscriber %s detached from %s", identityID, subject)
}

// writeLoop drains the outbound channel onto the socket until done closes
// or a write fails.
func (s *Server) writeLoop(conn net.Conn, out <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data := <-out:
			if err := wsutil.WriteServerMessage(conn, ws.OpText, data); err != nil {
				return
			}
		}
	}
}

// readLoop consumes frames from the client until the connection closes.
// Clients send no data frames on this endpoint; the loop exists to answer
// control frames and to notice disconnects promptly.
func (s *Server) readLoop(conn net.Conn) {
	for {
		header, reader, err := wsutil.NextReader(conn, ws.StateServerSide)
		if err != nil {
			return
		}
		if header.OpCode == ws.OpClose {
			return
		}
		// Data and ping/pong frames: drain and ignore. wsutil answers
		// control frames as part of NextReader.
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return
		}
	}
}
