package moderation

import (
	"strings"
	"unicode"
)

// Flood heuristics run by the moderator service (cmd/moderator). They are
// advisory refinements on top of the inline gate, not part of the fixed
// pipeline: a gateway without the moderator deployed still blocks
// links/contact-info/terms identically.

// ReasonSpam is the advisory block reason returned by the flood checks.
const ReasonSpam = "spam_pattern"

// floodCheck pairs a detection function with metadata used for reporting.
type floodCheck struct {
	name  string
	match func(string) bool
}

// floodChecks is the ordered list applied by ScoreText. First match wins.
var floodChecks = []floodCheck{
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

// ScoreText runs the advisory flood checks and returns a Result suitable as
// a Scorer reply.
func ScoreText(text string) Result {
	for _, fc := range floodChecks {
		if fc.match(text) {
			return Result{Verdict: VerdictBlock, Reason: ReasonSpam, Term: fc.name}
		}
	}
	return Result{Verdict: VerdictAllow}
}

// hasCharFlood returns true if text contains 5 or more consecutive identical
// characters. Go's regexp package (RE2) does not support backreferences, so
// this is a simple linear scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood returns true if the same word appears 3 or more times
// consecutively (case-insensitive). Words are delimited by whitespace.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}
