package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestStore creates a Store connected to a test Redis instance.
// Requires Redis on localhost:6379; tests are skipped if unavailable.
func setupTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})

	return NewStore(client), ctx
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		input   string
		want    Tier
		wantErr bool
	}{
		{"free", TierFree, false},
		{"student", TierStudent, false},
		{"premium", TierPremium, false},
		{"", TierFree, false},
		{"platinum", "", true},
		{"FREE", "", true},
	}

	for _, tt := range tests {
		got, err := ParseTier(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTier(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTier(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestProvisionAndResolveGuest(t *testing.T) {
	store, ctx := setupTestStore(t)

	ident, err := store.ProvisionGuest(ctx, TierStudent)
	if err != nil {
		t.Fatalf("ProvisionGuest: %v", err)
	}
	if ident.ID == "" {
		t.Fatal("guest ID is empty")
	}

	resolved, err := store.Resolve(ctx, ident.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Kind != KindGuest {
		t.Errorf("Kind = %q, want guest", resolved.Kind)
	}
	if resolved.Tier != TierStudent {
		t.Errorf("Tier = %q, want student", resolved.Tier)
	}
	if resolved.Banned {
		t.Error("fresh guest resolved as banned")
	}
}

func TestResolve_Unknown(t *testing.T) {
	store, ctx := setupTestStore(t)

	if _, err := store.Resolve(ctx, "no-such-credential"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("Resolve(unknown) error = %v, want ErrUnknownIdentity", err)
	}
}

func TestBanAndResolve(t *testing.T) {
	store, ctx := setupTestStore(t)

	ident, err := store.ProvisionGuest(ctx, TierFree)
	if err != nil {
		t.Fatalf("ProvisionGuest: %v", err)
	}

	var hookID, hookReason string
	store.OnBan = func(identityID, reason string) {
		hookID, hookReason = identityID, reason
	}

	if err := store.Ban(ctx, ident.ID, 30*time.Second, "spam"); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	if hookID != ident.ID || hookReason != "spam" {
		t.Errorf("OnBan hook got (%q, %q), want (%q, spam)", hookID, hookReason, ident.ID)
	}

	resolved, err := store.Resolve(ctx, ident.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved.Banned {
		t.Error("banned identity resolved as not banned")
	}

	banned, remaining, err := store.IsBanned(ctx, ident.ID)
	if err != nil {
		t.Fatalf("IsBanned: %v", err)
	}
	if !banned {
		t.Fatal("IsBanned = false after Ban")
	}
	if remaining <= 0 || remaining > 30*time.Second {
		t.Errorf("remaining = %v, want within (0, 30s]", remaining)
	}

	if err := store.Unban(ctx, ident.ID); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	if banned, _, _ := store.IsBanned(ctx, ident.ID); banned {
		t.Error("still banned after Unban")
	}
}

func TestRecordViolation(t *testing.T) {
	store, ctx := setupTestStore(t)

	for want := int64(1); want <= 3; want++ {
		count, err := store.RecordViolation(ctx, "offender")
		if err != nil {
			t.Fatalf("RecordViolation: %v", err)
		}
		if count != want {
			t.Errorf("violation count = %d, want %d", count, want)
		}
	}
}

func TestReportAndCheck_EscalatingAutoBan(t *testing.T) {
	store, ctx := setupTestStore(t)

	// Two reports: below threshold, no ban.
	for i := 0; i < 2; i++ {
		banned, _, err := store.ReportAndCheck(ctx, "reported")
		if err != nil {
			t.Fatalf("ReportAndCheck %d: %v", i, err)
		}
		if banned {
			t.Fatalf("banned after %d reports, threshold is 3", i+1)
		}
	}

	// Third report crosses the threshold: first-offense duration.
	banned, duration, err := store.ReportAndCheck(ctx, "reported")
	if err != nil {
		t.Fatalf("ReportAndCheck: %v", err)
	}
	if !banned {
		t.Fatal("third report should auto-ban")
	}
	if duration != 15*time.Minute {
		t.Errorf("first auto-ban duration = %v, want 15m", duration)
	}

	// A fourth report escalates.
	_, duration, err = store.ReportAndCheck(ctx, "reported")
	if err != nil {
		t.Fatalf("ReportAndCheck: %v", err)
	}
	if duration != time.Hour {
		t.Errorf("second auto-ban duration = %v, want 1h", duration)
	}
}
