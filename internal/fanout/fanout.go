// Package fanout provides the publish/subscribe delivery layer for queue
// and session events, backed by NATS. Delivery is at-least-once and ordered
// per topic; no cross-topic ordering is promised.
package fanout

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/strangerline/chat-app/internal/events"
)

// NATS subject patterns.
const (
	subjectQueuePrefix   = "queue."   // + <identity_id>
	subjectSessionPrefix = "session." // + <session_id>
	subjectBanObserved   = "ban.observed"
)

// TopicQueue is the per-participant queue event topic.
func TopicQueue(identityID string) string {
	return subjectQueuePrefix + identityID
}

// TopicSession is the per-session event topic.
func TopicSession(sessionID string) string {
	return subjectSessionPrefix + sessionID
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "strangerline",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bus wraps the NATS connection with topic helpers and tracked
// subscriptions so shutdown can drain everything.
type Bus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Connect establishes the NATS connection and returns a ready Bus.
func Connect(config Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[fanout] disconnected: %v", err)
			} else {
				log.Printf("[fanout] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[fanout] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[fanout] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("fanout: connect: %w", err)
	}

	log.Printf("[fanout] connected to %s", nc.ConnectedUrl())

	return &Bus{conn: nc, subs: make(map[*Subscription]struct{})}, nil
}

// Conn exposes the underlying connection for request-reply users
// (moderation scoring).
func (b *Bus) Conn() *nats.Conn {
	return b.conn
}

// Publish sends an event to a topic.
func (b *Bus) Publish(topic string, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("fanout: marshal event: %w", err)
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("fanout: publish %s: %w", topic, err)
	}
	return nil
}

// PublishType builds and publishes an event in one step.
func (b *Bus) PublishType(topic, eventType string, payload interface{}) error {
	ev, err := events.New(eventType, payload)
	if err != nil {
		return err
	}
	return b.Publish(topic, ev)
}

// Subscription is a scoped handle on one topic subscription. Unsubscribe is
// idempotent; callers defer it so disconnects never leak registrations.
type Subscription struct {
	bus   *Bus
	topic string
	sub   *nats.Subscription

	once sync.Once
	err  error
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe releases the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.forget(s)
		if err := s.sub.Unsubscribe(); err != nil {
			s.err = fmt.Errorf("fanout: unsubscribe %s: %w", s.topic, err)
		}
	})
	return s.err
}

// Subscribe registers a handler for all events on a topic. Events arrive in
// publish order for the topic. Malformed payloads are logged and dropped
// rather than wedging the subscription.
func (b *Bus) Subscribe(topic string, handler func(events.Event)) (*Subscription, error) {
	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		var ev events.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[fanout] drop malformed event on %s: %v", topic, err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("fanout: subscribe %s: %w", topic, err)
	}

	handle := &Subscription{bus: b, topic: topic, sub: sub}

	b.mu.Lock()
	b.subs[handle] = struct{}{}
	b.mu.Unlock()

	return handle, nil
}

// BanNotice is the payload broadcast when a ban is applied, consumed by the
// session coordinator to terminate the identity's live sessions.
type BanNotice struct {
	IdentityID string `json:"identity_id"`
	Reason     string `json:"reason"`
}

// PublishBan broadcasts a ban observation.
func (b *Bus) PublishBan(identityID, reason string) error {
	data, err := json.Marshal(BanNotice{IdentityID: identityID, Reason: reason})
	if err != nil {
		return fmt.Errorf("fanout: marshal ban notice: %w", err)
	}
	if err := b.conn.Publish(subjectBanObserved, data); err != nil {
		return fmt.Errorf("fanout: publish ban notice: %w", err)
	}
	return nil
}

// SubscribeBans registers a handler for ban observations.
func (b *Bus) SubscribeBans(handler func(BanNotice)) (*Subscription, error) {
	sub, err := b.conn.Subscribe(subjectBanObserved, func(msg *nats.Msg) {
		var notice BanNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			log.Printf("[fanout] drop malformed ban notice: %v", err)
			return
		}
		handler(notice)
	})
	if err != nil {
		return nil, fmt.Errorf("fanout: subscribe bans: %w", err)
	}

	handle := &Subscription{bus: b, topic: subjectBanObserved, sub: sub}

	b.mu.Lock()
	b.subs[handle] = struct{}{}
	b.mu.Unlock()

	return handle, nil
}

// forget drops a handle from the tracked set.
func (b *Bus) forget(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Close drains all active subscriptions and the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	for handle := range b.subs {
		if err := handle.sub.Drain(); err != nil {
			log.Printf("[fanout] drain %s: %v", handle.topic, err)
		}
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		log.Printf("[fanout] connection drain: %v", err)
	}
	log.Printf("[fanout] bus closed")
}
