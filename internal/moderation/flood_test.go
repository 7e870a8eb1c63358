package moderation

import "testing"

func TestScoreText_CharFlood(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		blocked bool
	}{
		{"five repeats", "aaaaa", true},
		{"repeats in sentence", "this is sooooo good", true},
		{"four repeats", "aaaa", false},
		{"no repeats", "hello world", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ScoreText(tt.input)
			if blocked := result.Verdict == VerdictBlock; blocked != tt.blocked {
				t.Fatalf("ScoreText(%q) blocked = %v, want %v", tt.input, blocked, tt.blocked)
			}
			if tt.blocked && result.Term != "char_flood" {
				t.Errorf("ScoreText(%q).Term = %q, want char_flood", tt.input, result.Term)
			}
		})
	}
}

func TestScoreText_WordFlood(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		blocked bool
	}{
		{"three repeats", "buy buy buy", true},
		{"case insensitive", "Buy BUY buy", true},
		{"two repeats", "buy buy now", false},
		{"non-consecutive", "buy now buy now buy", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ScoreText(tt.input)
			if blocked := result.Verdict == VerdictBlock; blocked != tt.blocked {
				t.Fatalf("ScoreText(%q) blocked = %v, want %v", tt.input, blocked, tt.blocked)
			}
			if tt.blocked && result.Term != "word_flood" {
				t.Errorf("ScoreText(%q).Term = %q, want word_flood", tt.input, result.Term)
			}
		})
	}
}

func TestScoreText_ReasonIsAdvisory(t *testing.T) {
	result := ScoreText("spam spam spam")
	if result.Reason != ReasonSpam {
		t.Fatalf("Reason = %q, want %q", result.Reason, ReasonSpam)
	}
}
