package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quotaproxy/quota-proxy/internal/registry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIssueResolveRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	limit := 25
	expiry := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	acct, err := store.Issue(ctx, "team a", &limit, &expiry)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	got, err := store.Resolve(ctx, acct.Key)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Label != "team a" {
		t.Fatalf("label mismatch: %q", got.Label)
	}
	if got.DailyLimit == nil || *got.DailyLimit != 25 {
		t.Fatalf("daily limit mismatch: %v", got.DailyLimit)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expiry) {
		t.Fatalf("expiry mismatch: got %v want %v", got.ExpiresAt, expiry)
	}
}

func TestIssueValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bad := -1
	if _, err := store.Issue(ctx, "", &bad, nil); !errors.Is(err, registry.ErrValidation) {
		t.Fatalf("expected ErrValidation for non-positive limit, got %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if _, err := store.Issue(ctx, "", nil, &past); !errors.Is(err, registry.ErrValidation) {
		t.Fatalf("expected ErrValidation for past expiry, got %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.db")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	acct, err := store.Issue(ctx, "durable", nil, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Resolve(ctx, acct.Key)
	if err != nil {
		t.Fatalf("Resolve after reopen: %v", err)
	}
	if got.Label != "durable" {
		t.Fatalf("label lost across reopen: %q", got.Label)
	}
}

func TestUpdateLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acct, err := store.Issue(ctx, "before", nil, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	inactive := false
	updated, err := store.Update(ctx, acct.Key, registry.Patch{Active: &inactive})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Active {
		t.Fatalf("key should be inactive")
	}
	if _, err := store.Resolve(ctx, acct.Key); !errors.Is(err, registry.ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}

	reactivate := true
	label := "after"
	limit := 7
	updated, err = store.Update(ctx, acct.Key, registry.Patch{Active: &reactivate, Label: &label, DailyLimit: &limit})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !updated.Active || updated.Label != "after" || updated.Limit(0) != 7 {
		t.Fatalf("patch not applied: %+v", updated)
	}

	if _, err := store.Update(ctx, acct.Key, registry.Patch{}); !errors.Is(err, registry.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty patch, got %v", err)
	}
	if _, err := store.Update(ctx, "trial_missing", registry.Patch{Label: &label}); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Issue(ctx, "one", nil, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := store.Issue(ctx, "two", nil, nil); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	deleted, err := store.Delete(ctx, first.Key)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatalf("expected delete to report true")
	}
	if deleted, _ := store.Delete(ctx, first.Key); deleted {
		t.Fatalf("second delete should report false")
	}

	accounts, total, err := store.List(ctx, false, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(accounts) != 1 || accounts[0].Label != "two" {
		t.Fatalf("unexpected listing: total=%d accounts=%+v", total, accounts)
	}
}

// Concurrent writers land on different pooled connections; every one of them
// must wait out the writer lock rather than fail busy.
func TestConcurrentIssue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 30

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Issue(ctx, "burst", nil, nil); err != nil {
				t.Errorf("Issue: %v", err)
			}
		}()
	}
	wg.Wait()

	_, total, err := store.List(ctx, false, 1, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != workers {
		t.Fatalf("expected %d accounts, got %d", workers, total)
	}
}
