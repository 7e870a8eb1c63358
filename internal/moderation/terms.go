package moderation

import (
	"fmt"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// DefaultProfanityTerms is the built-in profanity list. Deployments extend
// it through configuration; the defaults keep the gate useful out of the box.
var DefaultProfanityTerms = []string{
	"fuck", "shit", "bitch", "asshole", "cunt", "dickhead",
}

// DefaultHarassmentTerms is the built-in harassment list.
var DefaultHarassmentTerms = []string{
	"kill yourself", "kys", "go die", "nobody likes you", "everyone hates you",
}

// TermMatcher performs case-insensitive substring matching of a term list
// against normalized text. Normalization folds leet-speak substitutions and
// strips punctuation noise so "b.4.d" still matches "bad".
type TermMatcher struct {
	machine *goahocorasick.Machine
	empty   bool
}

// NewTermMatcher builds the Aho-Corasick automaton over normalized terms.
func NewTermMatcher(terms []string) (*TermMatcher, error) {
	if len(terms) == 0 {
		return &TermMatcher{empty: true}, nil
	}

	patterns := make([][]rune, 0, len(terms))
	for _, term := range terms {
		norm := normalizeRunes([]rune(term))
		if len(norm) == 0 {
			continue
		}
		patterns = append(patterns, norm)
	}
	if len(patterns) == 0 {
		return &TermMatcher{empty: true}, nil
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, fmt.Errorf("moderation: build term automaton: %w", err)
	}
	return &TermMatcher{machine: m}, nil
}

// Match reports whether any term occurs in text, returning the normalized
// term that matched first.
func (tm *TermMatcher) Match(text string) (string, bool) {
	if tm.empty {
		return "", false
	}

	norm := normalizeRunes([]rune(text))
	if len(norm) == 0 {
		return "", false
	}

	spans := tm.machine.MultiPatternSearch(norm, true)
	if len(spans) == 0 {
		return "", false
	}
	return string(spans[0].Word), true
}

// normalizeRunes lowercases, folds common leet-speak substitutions, and
// drops punctuation, whitespace, and symbols.
func normalizeRunes(input []rune) []rune {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		clean := simplifyRune(r)
		if isNoise(clean) {
			continue
		}
		out = append(out, unicode.ToLower(clean))
	}
	return out
}

// simplifyRune maps common leet-speak characters back to their standard
// alphabet counterparts.
func simplifyRune(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3':
		return 'e'
	case '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	default:
		return r
	}
}

// isNoise identifies characters ignored during pattern matching.
func isNoise(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
}
