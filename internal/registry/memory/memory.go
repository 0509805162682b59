package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quotaproxy/quota-proxy/internal/registry"
)

// Store implements registry.Store with an in-process map. Intended for tests
// and ephemeral deployments; state is lost on restart.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*registry.Account
}

// New creates an empty in-memory registry.
func New() *Store {
	return &Store{accounts: make(map[string]*registry.Account)}
}

// Issue generates and stores a new trial key account.
func (s *Store) Issue(ctx context.Context, label string, dailyLimit *int, expiresAt *time.Time) (*registry.Account, error) {
	now := time.Now()
	if err := registry.ValidateIssue(dailyLimit, expiresAt, now); err != nil {
		return nil, err
	}
	key, err := registry.NewKey()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[key]; exists {
		// Practically unreachable with 192 random bits; one retry mirrors
		// the collision handling of the persistent backends.
		if key, err = registry.NewKey(); err != nil {
			return nil, err
		}
	}
	acct := &registry.Account{
		Key:        key,
		Label:      label,
		CreatedAt:  now,
		DailyLimit: dailyLimit,
		Active:     true,
		ExpiresAt:  expiresAt,
	}
	s.accounts[key] = acct
	out := *acct
	return &out, nil
}

// Resolve looks up a key and reports whether it may be admitted.
func (s *Store) Resolve(ctx context.Context, key string) (*registry.Account, error) {
	s.mu.RLock()
	acct, ok := s.accounts[key]
	s.mu.RUnlock()
	if !ok {
		return nil, registry.ErrNotFound
	}
	out := *acct
	return &out, registry.CheckUsable(&out, time.Now())
}

// List returns accounts ordered by creation time descending.
func (s *Store) List(ctx context.Context, activeOnly bool, limit, offset int) ([]registry.Account, int, error) {
	s.mu.RLock()
	all := make([]registry.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		if activeOnly && !acct.Active {
			continue
		}
		all = append(all, *acct)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Key > all[j].Key
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return []registry.Account{}, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

// Update applies a partial update to an existing account.
func (s *Store) Update(ctx context.Context, key string, patch registry.Patch) (*registry.Account, error) {
	if err := registry.ValidatePatch(patch); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[key]
	if !ok {
		return nil, registry.ErrNotFound
	}
	if patch.Label != nil {
		acct.Label = *patch.Label
	}
	if patch.DailyLimit != nil {
		acct.DailyLimit = patch.DailyLimit
	}
	if patch.ExpiresAt != nil {
		acct.ExpiresAt = patch.ExpiresAt
	}
	if patch.Active != nil {
		acct.Active = *patch.Active
	}
	out := *acct
	return &out, nil
}

// Delete removes an account. Usage counters are owned by the quota store and
// are purged by the caller.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[key]; !ok {
		return false, nil
	}
	delete(s.accounts, key)
	return true, nil
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }
