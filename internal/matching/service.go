package matching

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/strangerline/chat-app/internal/chat"
	"github.com/strangerline/chat-app/internal/events"
	"github.com/strangerline/chat-app/internal/fanout"
	"github.com/strangerline/chat-app/internal/metrics"
)

// Options tunes the matching service.
type Options struct {
	TickInterval    time.Duration // matching tick period
	EntryTTL        time.Duration // queue entry lifetime before eviction
	CrossTierWeight float64       // tier compatibility for unequal tiers
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:    2 * time.Second,
		EntryTTL:        120 * time.Second,
		CrossTierWeight: 0.5,
	}
}

// Service is the background matching task. One tick snapshots the live
// entries per group, commits pairings through the queue's atomic claim,
// evicts stale entries, and times out unacknowledged pending sessions. All
// timing flows through an injected clock so ticks are directly callable
// from tests.
type Service struct {
	queue    *Queue
	sessions *chat.Store
	bus      *fanout.Bus
	clock    clock.Clock
	opts     Options

	cancel context.CancelFunc
}

// NewService creates a matching service.
func NewService(queue *Queue, sessions *chat.Store, bus *fanout.Bus, clk clock.Clock, opts Options) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultOptions().TickInterval
	}
	if opts.EntryTTL <= 0 {
		opts.EntryTTL = DefaultOptions().EntryTTL
	}
	if opts.CrossTierWeight <= 0 {
		opts.CrossTierWeight = DefaultOptions().CrossTierWeight
	}
	return &Service{
		queue:    queue,
		sessions: sessions,
		bus:      bus,
		clock:    clk,
		opts:     opts,
	}
}

// Start launches the tick loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	log.Println("[matcher] service started")
}

// Stop terminates the tick loop.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	log.Println("[matcher] service stopped")
}

func (s *Service) loop(ctx context.Context) {
	ticker := s.clock.Ticker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[matcher] tick loop stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full matching cycle. A failed step logs and leaves the rest
// of the cycle to the next interval; nothing here is fatal to the process.
func (s *Service) Tick(ctx context.Context) {
	now := s.clock.Now()
	for _, group := range Groups {
		s.matchGroup(ctx, group, now)
		s.evictGroup(ctx, group, now)
	}
	s.sweepPending(ctx, now)
}

// matchGroup pairs the waiting entries of one group.
func (s *Service) matchGroup(ctx context.Context, group string, now time.Time) {
	entries, err := s.queue.Snapshot(ctx, group)
	if err != nil {
		log.Printf("[matcher] snapshot %s: %v", group, err)
		return
	}
	metrics.QueueSize.WithLabelValues(group).Set(float64(len(entries)))

	for _, pair := range SelectPairs(entries, s.opts.CrossTierWeight) {
		sessionID := uuid.New().String()

		committed, err := s.queue.ClaimPair(ctx, pair, sessionID, now)
		if err != nil {
			log.Printf("[matcher] claim %s/%s: %v", pair.A.IdentityID, pair.B.IdentityID, err)
			continue
		}
		if !committed {
			// One side was claimed or left between snapshot and commit;
			// the survivor stays in the pool for the next tick.
			continue
		}

		s.publishMatched(pair.A.IdentityID, pair.B.IdentityID, sessionID, pair.SharedInterests)
		s.publishMatched(pair.B.IdentityID, pair.A.IdentityID, sessionID, pair.SharedInterests)

		metrics.MatchesTotal.Inc()
		for _, e := range []Entry{pair.A, pair.B} {
			wait := now.Sub(e.EnteredAt)
			metrics.MatchWaitSeconds.Observe(wait.Seconds())
			s.queue.RecordMatchLatency(ctx, group, wait)
		}

		log.Printf("[matcher] matched %s + %s session=%s score=%.2f shared=%v",
			pair.A.IdentityID, pair.B.IdentityID, sessionID, pair.Score, pair.SharedInterests)
	}
}

func (s *Service) publishMatched(identityID, partnerID, sessionID string, shared []string) {
	err := s.bus.PublishType(fanout.TopicQueue(identityID), events.TypeMatched,
		events.MatchedPayload{SessionID: sessionID, PartnerID: partnerID, SharedInterests: shared})
	if err != nil {
		log.Printf("[matcher] publish matched for %s: %v", identityID, err)
	}
}

// TryMatch attempts an immediate pairing for one identity outside the tick,
// used by the gateway so a Join into a non-empty pool can return a match
// synchronously. The commit goes through the same atomic claim as the tick,
// so racing with a concurrent tick is safe. Returns false when no candidate
// is available or the claim was lost.
func (s *Service) TryMatch(ctx context.Context, identityID, group string) (events.MatchedPayload, bool) {
	now := s.clock.Now()

	entries, err := s.queue.Snapshot(ctx, group)
	if err != nil {
		log.Printf("[matcher] instant snapshot %s: %v", group, err)
		return events.MatchedPayload{}, false
	}

	for _, pair := range SelectPairs(entries, s.opts.CrossTierWeight) {
		if pair.A.IdentityID != identityID && pair.B.IdentityID != identityID {
			continue
		}

		sessionID := uuid.New().String()
		committed, err := s.queue.ClaimPair(ctx, pair, sessionID, now)
		if err != nil || !committed {
			return events.MatchedPayload{}, false
		}

		partnerID := pair.A.IdentityID
		if partnerID == identityID {
			partnerID = pair.B.IdentityID
		}

		s.publishMatched(pair.A.IdentityID, pair.B.IdentityID, sessionID, pair.SharedInterests)
		s.publishMatched(pair.B.IdentityID, pair.A.IdentityID, sessionID, pair.SharedInterests)
		metrics.MatchesTotal.Inc()

		log.Printf("[matcher] instant match %s + %s session=%s", identityID, partnerID, sessionID)
		return events.MatchedPayload{
			SessionID:       sessionID,
			PartnerID:       partnerID,
			SharedInterests: pair.SharedInterests,
		}, true
	}

	return events.MatchedPayload{}, false
}

// SubscribeBanFeed drops a banned identity's queue entry as soon as the ban
// is observed. The claim script independently rechecks the ban flag, so this
// is eager cleanup rather than the enforcement point. The returned
// subscription is released by the caller on shutdown.
func (s *Service) SubscribeBanFeed(ctx context.Context) (*fanout.Subscription, error) {
	return s.bus.SubscribeBans(func(notice fanout.BanNotice) {
		err := s.queue.Leave(ctx, notice.IdentityID)
		if err != nil && !errors.Is(err, ErrNotInQueue) {
			log.Printf("[matcher] drop queued entry for banned %s: %v", notice.IdentityID, err)
		}
	})
}

// evictGroup removes entries older than the TTL. The store removes each
// entry before we notify its owner, so exactly one queue_timeout event is
// published per evicted entry.
func (s *Service) evictGroup(ctx context.Context, group string, now time.Time) {
	evicted, err := s.queue.EvictExpired(ctx, group, s.opts.EntryTTL, now)
	if err != nil {
		log.Printf("[matcher] evict %s: %v", group, err)
	}
	for _, entry := range evicted {
		metrics.QueueTimeoutsTotal.Inc()
		err := s.bus.PublishType(fanout.TopicQueue(entry.IdentityID), events.TypeQueueTimeout,
			events.QueueTimeoutPayload{WaitedSeconds: int(s.opts.EntryTTL.Seconds())})
		if err != nil {
			log.Printf("[matcher] publish queue_timeout for %s: %v", entry.IdentityID, err)
		}
		log.Printf("[matcher] evicted %s after %s", entry.IdentityID, s.opts.EntryTTL)
	}
}

// sweepPending ends sessions whose acknowledge window expired without both
// participants confirming presence.
func (s *Service) sweepPending(ctx context.Context, now time.Time) {
	sessionIDs, err := s.sessions.ExpiredPending(ctx, now)
	if err != nil {
		log.Printf("[matcher] pending sweep: %v", err)
		return
	}

	for _, sessionID := range sessionIDs {
		outcome, err := s.sessions.EndPending(ctx, sessionID, chat.ReasonTimeout)
		if err != nil {
			log.Printf("[matcher] timeout end %s: %v", sessionID, err)
			continue
		}
		if outcome.AlreadyEnded || outcome.Skipped {
			// Skipped: both sides acknowledged between the expiry snapshot
			// and here, the session is live.
			continue
		}

		metrics.SessionsEndedTotal.WithLabelValues(chat.ReasonTimeout).Inc()
		err = s.bus.PublishType(fanout.TopicSession(sessionID), events.TypeSessionEnded,
			events.SessionEndedPayload{SessionID: sessionID, Reason: chat.ReasonTimeout})
		if err != nil {
			log.Printf("[matcher] publish session_ended for %s: %v", sessionID, err)
		}

		if sess, err := s.sessions.Get(ctx, sessionID); err == nil {
			s.sessions.RemoveFromIndex(ctx, sess)
		}
		log.Printf("[matcher] acknowledge window expired for session=%s", sessionID)
	}
}
