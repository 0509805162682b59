package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quotaproxy/quota-proxy/internal/registry"
)

func TestIssueAndResolve(t *testing.T) {
	store := New()
	ctx := context.Background()

	limit := 50
	acct, err := store.Issue(ctx, "alice", &limit, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasPrefix(acct.Key, registry.KeyPrefix) {
		t.Fatalf("key %q missing prefix", acct.Key)
	}
	if len(acct.Key) != len(registry.KeyPrefix)+48 {
		t.Fatalf("unexpected key length %d", len(acct.Key))
	}
	if !acct.Active {
		t.Fatalf("new key should be active")
	}

	got, err := store.Resolve(ctx, acct.Key)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Label != "alice" {
		t.Fatalf("expected label alice, got %q", got.Label)
	}
	if got.Limit(200) != 50 {
		t.Fatalf("expected effective limit 50, got %d", got.Limit(200))
	}
}

func TestResolveUnknownKey(t *testing.T) {
	store := New()
	if _, err := store.Resolve(context.Background(), "trial_nope"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveInactiveAndExpired(t *testing.T) {
	store := New()
	ctx := context.Background()

	acct, err := store.Issue(ctx, "bob", nil, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	inactive := false
	if _, err := store.Update(ctx, acct.Key, registry.Patch{Active: &inactive}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := store.Resolve(ctx, acct.Key)
	if !errors.Is(err, registry.ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
	if got == nil || got.Label != "bob" {
		t.Fatalf("inactive resolve should still return the account")
	}

	expired, err := store.Issue(ctx, "carol", nil, timePtr(time.Now().Add(time.Minute)))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if _, err := store.Update(ctx, expired.Key, registry.Patch{ExpiresAt: &past}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := store.Resolve(ctx, expired.Key); !errors.Is(err, registry.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	store := New()
	ctx := context.Background()

	acct, err := store.Issue(ctx, "old", nil, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	label := "new"
	limit := 11
	updated, err := store.Update(ctx, acct.Key, registry.Patch{Label: &label, DailyLimit: &limit})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Label != "new" || updated.Limit(0) != 11 {
		t.Fatalf("patch not applied: %+v", updated)
	}

	if _, err := store.Update(ctx, "trial_missing", registry.Patch{Label: &label}); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	deleted, err := store.Delete(ctx, acct.Key)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatalf("expected delete to report true")
	}
	if deleted, _ := store.Delete(ctx, acct.Key); deleted {
		t.Fatalf("second delete should report false")
	}
}

func TestListOrderingAndPagination(t *testing.T) {
	store := New()
	ctx := context.Background()

	keys := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		acct, err := store.Issue(ctx, "k", nil, nil)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		keys = append(keys, acct.Key)
	}
	inactive := false
	if _, err := store.Update(ctx, keys[0], registry.Patch{Active: &inactive}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	all, total, err := store.List(ctx, false, 3, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 || len(all) != 3 {
		t.Fatalf("expected total 5 page 3, got total %d page %d", total, len(all))
	}

	active, total, err := store.List(ctx, true, 10, 0)
	if err != nil {
		t.Fatalf("List active: %v", err)
	}
	if total != 4 || len(active) != 4 {
		t.Fatalf("expected 4 active keys, got total %d page %d", total, len(active))
	}
	for _, a := range active {
		if a.Key == keys[0] {
			t.Fatalf("inactive key leaked into active listing")
		}
	}
}

func timePtr(t time.Time) *time.Time { return &t }
