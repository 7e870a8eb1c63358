package report

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidCategory(t *testing.T) {
	for _, category := range []string{"harassment", "spam", "explicit", "other"} {
		assert.True(t, ValidCategory(category), "category %q should be valid", category)
	}
	for _, category := range []string{"", "Harassment", "abuse", "SPAM"} {
		assert.False(t, ValidCategory(category), "category %q should be rejected", category)
	}
}

func TestCreate_RejectsInvalidCategoryBeforeTouchingDB(t *testing.T) {
	s := NewStore(nil) // validation must run before any query

	err := s.Create(context.Background(), &Report{
		SessionID:  "sess-1",
		ReporterID: "alice",
		ReportedID: "bob",
		Category:   "bogus",
	})
	assert.Error(t, err)
}
