package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quotaproxy/quota-proxy/internal/quota"
)

// Store implements quota.Store with in-process counters. Each (day, key)
// counter carries its own mutex so admits for different keys never block each
// other; the outer map lock is held only for lookup and insert.
type Store struct {
	mu       sync.RWMutex
	counters map[counterKey]*counter
}

type counterKey struct {
	day string
	key string
}

type counter struct {
	mu        sync.Mutex
	requests  int64
	updatedAt time.Time
}

// New creates an empty in-memory ledger.
func New() *Store {
	return &Store{counters: make(map[counterKey]*counter)}
}

func (s *Store) counterFor(ck counterKey) *counter {
	s.mu.RLock()
	c, ok := s.counters[ck]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.counters[ck]; ok {
		return c
	}
	c = &counter{}
	s.counters[ck] = c
	return c
}

// TryAdmit atomically checks today's counter against the limit and
// increments it only on admission.
func (s *Store) TryAdmit(ctx context.Context, key string, limit int, now time.Time) (quota.Decision, error) {
	c := s.counterFor(counterKey{day: quota.DayKey(now), key: key})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requests >= int64(limit) {
		return quota.Decision{Admitted: false, Limit: limit, Used: c.requests}, nil
	}
	c.requests++
	c.updatedAt = now
	return quota.Decision{
		Admitted:  true,
		Limit:     limit,
		Used:      c.requests,
		Remaining: int64(limit) - c.requests,
	}, nil
}

// Usage returns matching counters, newest update first, with the total match
// count for pagination.
func (s *Store) Usage(ctx context.Context, f quota.Filter) ([]quota.Counter, int, error) {
	s.mu.RLock()
	all := make([]quota.Counter, 0, len(s.counters))
	for ck, c := range s.counters {
		if f.Key != "" && ck.key != f.Key {
			continue
		}
		if f.Day != "" && ck.day != f.Day {
			continue
		}
		if f.Since != "" && ck.day < f.Since {
			continue
		}
		c.mu.Lock()
		all = append(all, quota.Counter{Day: ck.day, Key: ck.key, Requests: c.requests, UpdatedAt: c.updatedAt})
		c.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if f.Day != "" {
			if all[i].Requests != all[j].Requests {
				return all[i].Requests > all[j].Requests
			}
			return all[i].Key < all[j].Key
		}
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		if all[i].Day != all[j].Day {
			return all[i].Day > all[j].Day
		}
		return all[i].Key < all[j].Key
	})

	total := len(all)
	if f.Offset >= total {
		return []quota.Counter{}, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

// Reset zeroes counters in the given scope. Rows are kept so usage history
// remains listable.
func (s *Store) Reset(ctx context.Context, key, day string, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for ck, c := range s.counters {
		if key != "" && ck.key != key {
			continue
		}
		if day != "" && ck.day != day {
			continue
		}
		c.mu.Lock()
		if c.requests != 0 {
			c.requests = 0
			c.updatedAt = now
			n++
		}
		c.mu.Unlock()
	}
	return n, nil
}

// PurgeKey drops all counters belonging to a deleted trial key.
func (s *Store) PurgeKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ck := range s.counters {
		if ck.key == key {
			delete(s.counters, ck)
		}
	}
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }
