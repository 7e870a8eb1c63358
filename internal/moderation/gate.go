// Package moderation provides the inline content gate that stands between
// "message submitted" and "message visible". Classification is a fixed,
// ordered pipeline of deterministic rules so the same input always yields
// the same verdict and reason.
package moderation

import (
	"context"
	"log"
	"regexp"
	"strings"
	"time"
)

// Verdict is the gate's decision for a piece of text.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictBlock Verdict = "block"
)

// Block reasons, in pipeline order.
const (
	ReasonLinks      = "links_not_allowed"
	ReasonPhone      = "phone_number"
	ReasonEmail      = "email_address"
	ReasonProfanity  = "profanity"
	ReasonHarassment = "harassment"
)

// Result is the outcome of classifying one message.
type Result struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
	Term    string  `json:"term,omitempty"` // matched term or pattern name, for audit logs
}

// Blocked reports whether the result rejects the message.
func (r Result) Blocked() bool { return r.Verdict == VerdictBlock }

// Scorer is an optional external scoring service consulted after the
// deterministic rules pass. Its verdict is advisory: an error or timeout
// leaves the deterministic allow standing, and it can never un-block.
type Scorer interface {
	Score(ctx context.Context, text string) (Result, error)
}

var (
	// urlPattern matches http/https URLs, www. URLs, and bare domains on
	// common TLDs. The bare-domain variant requires a trailing "/" to avoid
	// false positives on version strings like "v2.0".
	urlPattern = regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)(/\S*|$|\s))`)

	// emailPattern matches ordinary email addresses.
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// hasURL reports whether text contains a URL. Bare-domain matches containing
// "@" are left for the email rule, which would otherwise never fire on common
// TLDs; a match with an explicit scheme or www. prefix is a URL even with
// userinfo in it.
func hasURL(text string) bool {
	for _, span := range urlPattern.FindAllString(text, -1) {
		lower := strings.ToLower(span)
		if strings.Contains(lower, "://") || strings.HasPrefix(lower, "www.") {
			return true
		}
		if !strings.Contains(span, "@") {
			return true
		}
	}
	return false
}

// hasLongDigitRun returns true if text contains a run of 10 or more digits.
// Common phone separators (space, dash, dot, parentheses) do not break the
// run, so formatted numbers like "555-123-4567" are still caught.
func hasLongDigitRun(text string) bool {
	const threshold = 10

	count := 0
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9':
			count++
			if count >= threshold {
				return true
			}
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// separator: keep the run alive
		default:
			count = 0
		}
	}
	return false
}

// Gate classifies message text. It is safe for concurrent use: the rule
// pipeline is side-effect-free and the term automatons are immutable after
// construction.
type Gate struct {
	profanity  *TermMatcher
	harassment *TermMatcher

	scorer        Scorer
	scorerTimeout time.Duration
}

// NewGate builds a gate with the given term lists. Either list may be empty.
func NewGate(profanityTerms, harassmentTerms []string) (*Gate, error) {
	profanity, err := NewTermMatcher(profanityTerms)
	if err != nil {
		return nil, err
	}
	harassment, err := NewTermMatcher(harassmentTerms)
	if err != nil {
		return nil, err
	}
	return &Gate{
		profanity:     profanity,
		harassment:    harassment,
		scorerTimeout: 500 * time.Millisecond,
	}, nil
}

// NewDefaultGate builds a gate with the built-in term lists.
func NewDefaultGate() (*Gate, error) {
	return NewGate(DefaultProfanityTerms, DefaultHarassmentTerms)
}

// SetScorer enables escalation to an external scoring service. A
// non-positive timeout keeps the default.
func (g *Gate) SetScorer(scorer Scorer, timeout time.Duration) {
	g.scorer = scorer
	if timeout > 0 {
		g.scorerTimeout = timeout
	}
}

// Classify runs the rule pipeline, first match wins:
//
//  1. URL/link detection        -> block(links_not_allowed)
//  2. contact info (phone/email) -> block(phone_number|email_address)
//  3. profanity term list        -> block(profanity)
//  4. harassment term list       -> block(harassment)
//  5. otherwise                  -> allow
//
// If a scorer is configured it is consulted only after rules 1-4 allow, and
// only its blocks are honored. Scorer failures fall back to the
// deterministic verdict, never to an unscored allow being suppressed.
func (g *Gate) Classify(ctx context.Context, text string) Result {
	if hasURL(text) {
		return Result{Verdict: VerdictBlock, Reason: ReasonLinks, Term: "url"}
	}
	if hasLongDigitRun(text) {
		return Result{Verdict: VerdictBlock, Reason: ReasonPhone, Term: "digit_run"}
	}
	if emailPattern.MatchString(text) {
		return Result{Verdict: VerdictBlock, Reason: ReasonEmail, Term: "email"}
	}
	if term, ok := g.profanity.Match(text); ok {
		return Result{Verdict: VerdictBlock, Reason: ReasonProfanity, Term: term}
	}
	if term, ok := g.harassment.Match(text); ok {
		return Result{Verdict: VerdictBlock, Reason: ReasonHarassment, Term: term}
	}

	if g.scorer != nil {
		scoreCtx, cancel := context.WithTimeout(ctx, g.scorerTimeout)
		defer cancel()

		result, err := g.scorer.Score(scoreCtx, text)
		if err != nil {
			log.Printf("[moderation] scorer unavailable, using rule verdict: %v", err)
		} else if result.Blocked() {
			return result
		}
	}

	return Result{Verdict: VerdictAllow}
}
