package fanout

import "testing"

func TestTopicNaming(t *testing.T) {
	if got := TopicQueue("user-1"); got != "queue.user-1" {
		t.Errorf("TopicQueue = %q, want queue.user-1", got)
	}
	if got := TopicSession("sess-1"); got != "session.sess-1" {
		t.Errorf("TopicSession = %q, want session.sess-1", got)
	}
	// Distinct prefixes keep queue and session streams from ever aliasing.
	if TopicQueue("x") == TopicSession("x") {
		t.Error("queue and session topics collide for equal IDs")
	}
}
