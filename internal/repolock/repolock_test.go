package repolock

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestProvider(t *testing.T) *RedisProvider {
	t.Helper()
	s := miniredis.RunT(t)
	provider, err := NewRedisProvider("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	t.Cleanup(func() { provider.Close() })
	return provider
}

func TestStatusUnlockedByDefault(t *testing.T) {
	provider := setupTestProvider(t)
	state, err := provider.Status(context.Background(), "fbsource")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if state.Locked {
		t.Error("repo should be unlocked by default")
	}
}

func TestLockUnlockRoundTrip(t *testing.T) {
	provider := setupTestProvider(t)
	ctx := context.Background()

	if err := provider.Lock(ctx, "fbsource", "infra maintenance", "user:oncall"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	state, err := provider.Status(ctx, "fbsource")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !state.Locked {
		t.Fatal("repo should be locked")
	}
	if state.Reason != "infra maintenance" {
		t.Errorf("reason = %q", state.Reason)
	}
	if state.LockedBy != "user:oncall" {
		t.Errorf("locked by = %q", state.LockedBy)
	}

	// Locks are per repo.
	other, err := provider.Status(ctx, "www")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if other.Locked {
		t.Error("other repo should stay unlocked")
	}

	if err := provider.Unlock(ctx, "fbsource"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	state, err = provider.Status(ctx, "fbsource")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if state.Locked {
		t.Error("repo should be unlocked after Unlock")
	}
}
