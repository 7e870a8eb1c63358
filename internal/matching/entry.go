// Package matching implements the matchmaking queue: waiting participants,
// the periodic pairing algorithm, and TTL eviction of stale entries. The
// scoring and pair-selection logic is pure so it can be tested without the
// backing store.
package matching

import (
	"sort"
	"time"

	"github.com/strangerline/chat-app/internal/identity"
)

// LookingFor groups queue entries by the kind of conversation wanted.
// Grouping is honored even though the session transport is text-only.
const (
	LookingForText  = "text"
	LookingForVideo = "video"
)

// Groups lists all valid looking_for values in matching order.
var Groups = []string{LookingForText, LookingForVideo}

// ValidGroup reports whether s is a known looking_for value.
func ValidGroup(s string) bool {
	return s == LookingForText || s == LookingForVideo
}

// Entry is one waiting participant's matchmaking request.
type Entry struct {
	IdentityID string
	Tier       identity.Tier
	Interests  []string
	LookingFor string
	EnteredAt  time.Time
	Claimed    bool
}

// Pair is a scored candidate pairing produced by SelectPairs.
type Pair struct {
	A               Entry
	B               Entry
	Score           float64
	SharedInterests []string
}

// sharedInterests returns the sorted intersection of two interest sets.
func sharedInterests(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, tag := range a {
		set[tag] = true
	}
	var shared []string
	for _, tag := range b {
		if set[tag] {
			shared = append(shared, tag)
			set[tag] = false // dedupe
		}
	}
	sort.Strings(shared)
	return shared
}

// overlapRatio is |a n b| / |a u b|, in [0, 1]. Two empty interest sets
// overlap not at all rather than perfectly: with no interests declared there
// is nothing to prefer one candidate over another by.
func overlapRatio(a, b []string) float64 {
	union := make(map[string]bool, len(a)+len(b))
	for _, tag := range a {
		union[tag] = true
	}
	for _, tag := range b {
		union[tag] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(len(sharedInterests(a, b))) / float64(len(union))
}

// tierCompat is 1.0 for equal tiers and crossWeight otherwise. Cross-tier
// pairs are deprioritized, never excluded.
func tierCompat(a, b identity.Tier, crossWeight float64) float64 {
	if a == b {
		return 1.0
	}
	return crossWeight
}

// PairScore ranks a candidate pairing: tier compatibility scaled up by
// interest overlap. Entries in different looking_for groups never pair.
func PairScore(a, b Entry, crossWeight float64) float64 {
	if a.LookingFor != b.LookingFor {
		return 0
	}
	return tierCompat(a.Tier, b.Tier, crossWeight) * (1 + overlapRatio(a.Interests, b.Interests))
}

// SelectPairs runs the pairing algorithm over a snapshot of unclaimed
// entries from a single looking_for group. Entries are processed oldest
// first to bound starvation; for each unpaired entry the highest-scoring
// unpaired candidate is chosen, ties broken by earlier EnteredAt. The
// returned pairs are proposals: committing a pair is the store's atomic
// claim transaction, and a lost race simply returns the loser to the pool.
func SelectPairs(entries []Entry, crossWeight float64) []Pair {
	candidates := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Claimed {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].EnteredAt.Before(candidates[j].EnteredAt)
	})

	paired := make([]bool, len(candidates))
	var pairs []Pair

	for i := range candidates {
		if paired[i] {
			continue
		}

		best := -1
		bestScore := -1.0
		for j := i + 1; j < len(candidates); j++ {
			if paired[j] {
				continue
			}
			score := PairScore(candidates[i], candidates[j], crossWeight)
			if score <= 0 {
				continue
			}
			// Strictly-greater keeps the earlier EnteredAt on ties, since
			// candidates are scanned in entry order.
			if score > bestScore {
				best = j
				bestScore = score
			}
		}
		if best < 0 {
			continue
		}

		paired[i] = true
		paired[best] = true
		pairs = append(pairs, Pair{
			A:               candidates[i],
			B:               candidates[best],
			Score:           bestScore,
			SharedInterests: sharedInterests(candidates[i].Interests, candidates[best].Interests),
		})
	}

	return pairs
}
