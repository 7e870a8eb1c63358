package moderation

import "testing"

func TestTermMatcher_Basic(t *testing.T) {
	tm, err := NewTermMatcher([]string{"badword", "kill yourself"})
	if err != nil {
		t.Fatalf("NewTermMatcher: %v", err)
	}

	tests := []struct {
		name  string
		input string
		match bool
		term  string
	}{
		{"exact", "badword", true, "badword"},
		{"in sentence", "this is badword here", true, "badword"},
		{"upper case", "BADWORD", true, "badword"},
		{"mixed case", "BaDwOrD", true, "badword"},
		{"leet digits", "b4dw0rd", true, "badword"},
		{"leet symbols", "b@dword", true, "badword"},
		{"punctuation separated", "b.a.d.w.o.r.d", true, "badword"},
		{"phrase across punctuation", "kill, yourself", true, "killyourself"},
		{"clean", "hello world", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			term, ok := tm.Match(tt.input)
			if ok != tt.match {
				t.Fatalf("Match(%q) = %v, want %v", tt.input, ok, tt.match)
			}
			if tt.match && term != tt.term {
				t.Errorf("Match(%q) term = %q, want %q", tt.input, term, tt.term)
			}
		})
	}
}

func TestTermMatcher_Empty(t *testing.T) {
	tm, err := NewTermMatcher(nil)
	if err != nil {
		t.Fatalf("NewTermMatcher(nil): %v", err)
	}
	if term, ok := tm.Match("anything at all"); ok {
		t.Fatalf("empty matcher matched %q", term)
	}
}

func TestNormalizeRunes(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Hello, World", "helloworld"},
		{"h3ll0", "hello"},
		{"a b c", "abc"},
		{"$5 and @4", "ssandaa"},
		{"...", ""},
	}

	for _, tt := range tests {
		if got := string(normalizeRunes([]rune(tt.input))); got != tt.want {
			t.Errorf("normalizeRunes(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
