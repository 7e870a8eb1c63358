// Package identity adapts the external identity system for the chat core.
// The core consumes identities by value: it reads the kind, tier, and ban
// flag, and never mutates them. Ban flips originate outside the core (or in
// the report-escalation path) and are observed through the ban feed.
package identity

import (
	"context"
	"fmt"
)

// Kind distinguishes anonymous guests from registered accounts.
type Kind string

const (
	KindGuest      Kind = "guest"
	KindRegistered Kind = "registered"
)

// Tier is the participant's service level. It influences match compatibility
// weighting but never excludes a pairing outright.
type Tier string

const (
	TierFree    Tier = "free"
	TierStudent Tier = "student"
	TierPremium Tier = "premium"
)

// ParseTier validates a tier string, defaulting empty input to free.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFree, TierStudent, TierPremium:
		return Tier(s), nil
	case "":
		return TierFree, nil
	default:
		return "", fmt.Errorf("identity: unknown tier %q", s)
	}
}

// Identity is the resolved caller. Held by value per request.
type Identity struct {
	ID     string
	Kind   Kind
	Tier   Tier
	Banned bool
}

// Resolver turns an opaque credential (session token or guest credential)
// into an Identity. The core only consumes this boundary; it does not
// implement authentication.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}
