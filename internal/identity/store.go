package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// BanKeyPrefix is the Redis key shape of the ban flag. Exported because the
// matcher's claim script checks it before committing a pairing.
const BanKeyPrefix = "ban:" // + <id> -> reason string with TTL

const (
	// Redis key prefixes for identity data.
	identityPrefix   = "identity:"   // + <id> -> Hash {kind, tier}
	violationsPrefix = "violations:" // + <id> -> counter with TTL
	reportsPrefix    = "reports:"    // + <id> -> counter with TTL

	// identityTTL bounds guest identity lifetime. Registered identities are
	// refreshed by the external identity system on login.
	identityTTL = 24 * time.Hour

	// violationsTTL is the window for the per-identity moderation violation
	// counter. The ban-threshold policy lives outside the core.
	violationsTTL = 24 * time.Hour

	// reportsTTL is the window for the report counter feeding auto-bans.
	reportsTTL = 24 * time.Hour

	// autoBanThreshold is the number of reports within reportsTTL that
	// triggers an automatic ban.
	autoBanThreshold = 3

	// Escalating ban durations by offense count.
	ban15Min  = 15 * time.Minute
	ban1Hour  = 1 * time.Hour
	ban24Hour = 24 * time.Hour
)

// ErrUnknownIdentity is returned when a credential resolves to nothing.
var ErrUnknownIdentity = errors.New("identity: unknown credential")

// Store resolves and provisions identities against Redis. It implements
// Resolver. The credential for a guest is the guest ID itself; registered
// credentials are written by the external identity system under the same
// key shape.
type Store struct {
	client *redis.Client

	// OnBan, when set, is invoked after the store applies a ban so the
	// observation can be propagated to live sessions.
	OnBan func(identityID, reason string)
}

// NewStore creates an identity store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// ProvisionGuest creates a new guest identity and returns it.
func (s *Store) ProvisionGuest(ctx context.Context, tier Tier) (Identity, error) {
	id := uuid.New().String()
	key := identityPrefix + id

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "kind", string(KindGuest), "tier", string(tier), "created_at", time.Now().Unix())
	pipe.Expire(ctx, key, identityTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return Identity{}, fmt.Errorf("identity: provision guest: %w", err)
	}

	return Identity{ID: id, Kind: KindGuest, Tier: tier}, nil
}

// Resolve looks up the identity hash and the ban flag for a credential.
func (s *Store) Resolve(ctx context.Context, credential string) (Identity, error) {
	key := identityPrefix + credential
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Identity{}, fmt.Errorf("identity: resolve: %w", err)
	}
	if len(fields) == 0 {
		return Identity{}, ErrUnknownIdentity
	}

	tier, err := ParseTier(fields["tier"])
	if err != nil {
		tier = TierFree
	}
	kind := Kind(fields["kind"])
	if kind != KindRegistered {
		kind = KindGuest
	}

	banned, _, err := s.IsBanned(ctx, credential)
	if err != nil {
		return Identity{}, err
	}

	return Identity{ID: credential, Kind: kind, Tier: tier, Banned: banned}, nil
}

// IsBanned checks the ban flag for an identity. Returns the remaining ban
// duration when banned.
func (s *Store) IsBanned(ctx context.Context, identityID string) (bool, time.Duration, error) {
	key := BanKeyPrefix + identityID
	_, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("identity: ban lookup: %w", err)
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		// Ban exists but TTL is unreadable. Report banned with zero
		// remaining rather than swallowing the ban.
		return true, 0, nil
	}
	return true, ttl, nil
}

// Ban applies a ban with the given duration and reason, then notifies the
// observation hook so in-flight sessions can be terminated.
func (s *Store) Ban(ctx context.Context, identityID string, duration time.Duration, reason string) error {
	key := BanKeyPrefix + identityID
	if err := s.client.Set(ctx, key, reason, duration).Err(); err != nil {
		return fmt.Errorf("identity: ban: %w", err)
	}
	if s.OnBan != nil {
		s.OnBan(identityID, reason)
	}
	return nil
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, identityID string) error {
	return s.client.Del(ctx, BanKeyPrefix+identityID).Err()
}

// RecordViolation increments the moderation violation counter for an
// identity. The counter expires after 24h of inactivity; the ban-threshold
// policy that consumes it is owned by the external moderation-action system.
func (s *Store) RecordViolation(ctx context.Context, identityID string) (int64, error) {
	key := violationsPrefix + identityID
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("identity: violation incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, violationsTTL).Err(); err != nil {
			return count, fmt.Errorf("identity: violation expire: %w", err)
		}
	}
	return count, nil
}

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return ban15Min
	case offenseCount == 2:
		return ban1Hour
	default:
		return ban24Hour
	}
}

// ReportAndCheck increments the report counter for an identity and applies an
// escalating ban once the threshold (3 reports in 24h) is reached. The TTL is
// set only on the first increment so the window does not slide.
// Returns (banned, applied duration).
func (s *Store) ReportAndCheck(ctx context.Context, identityID string) (bool, time.Duration, error) {
	key := reportsPrefix + identityID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("identity: report incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, reportsTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("identity: report expire: %w", err)
		}
	}

	if count < autoBanThreshold {
		return false, 0, nil
	}

	duration := escalationDuration(int(count) - autoBanThreshold + 1)
	if err := s.Ban(ctx, identityID, duration, "multiple_reports"); err != nil {
		return false, 0, err
	}
	return true, duration, nil
}
