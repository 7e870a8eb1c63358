package chat

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatePending, StateActive, true},
		{StatePending, StateEnded, true},
		{StateActive, StateEnded, true},
		{StateActive, StatePending, false},
		{StateEnded, StateActive, false},
		{StateEnded, StatePending, false},
		{StatePending, StatePending, false},
		{StateActive, StateActive, false},
		{StateEnded, StateEnded, false},
		{"bogus", StateActive, false},
		{StatePending, "bogus", false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSession_Participants(t *testing.T) {
	s := &Session{ID: "sess-1", ParticipantA: "alice", ParticipantB: "bob"}

	if !s.IsParticipant("alice") || !s.IsParticipant("bob") {
		t.Error("participants should be recognized")
	}
	if s.IsParticipant("mallory") {
		t.Error("outsider recognized as participant")
	}

	if got := s.Partner("alice"); got != "bob" {
		t.Errorf("Partner(alice) = %q, want bob", got)
	}
	if got := s.Partner("bob"); got != "alice" {
		t.Errorf("Partner(bob) = %q, want alice", got)
	}
	if got := s.Partner("mallory"); got != "" {
		t.Errorf("Partner(mallory) = %q, want empty", got)
	}
}

func TestValidEndReason(t *testing.T) {
	for _, reason := range []string{ReasonUserLeft, ReasonReportedBan, ReasonTimeout, ReasonNormalClose} {
		if !ValidEndReason(reason) {
			t.Errorf("ValidEndReason(%q) = false", reason)
		}
	}
	for _, reason := range []string{"", "rage_quit", "USER_LEFT"} {
		if ValidEndReason(reason) {
			t.Errorf("ValidEndReason(%q) = true", reason)
		}
	}
}
