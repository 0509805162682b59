package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/quotaproxy/quota-proxy/internal/quota"
)

// Store implements quota.Store backed by SQLite.
//
// Atomicity relies on SQLite serializing writers: the conditional UPDATE
// below checks and increments in one statement, so two concurrent admits can
// never both read the same stale count.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite ledger at the given path. The registry
// shares the same database file; each package owns its own tables.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// dsn applies WAL and the busy timeout to every pooled connection.
// database/sql opens connections lazily, so a one-off Exec would configure
// only whichever connection happened to run it and concurrent admits on the
// others would fail with SQLITE_BUSY instead of waiting for the writer lock.
func dsn(path string) string {
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS daily_usage (
	day TEXT NOT NULL,
	trial_key TEXT NOT NULL,
	requests INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (day, trial_key)
);
CREATE INDEX IF NOT EXISTS idx_daily_usage_key ON daily_usage(trial_key);
CREATE INDEX IF NOT EXISTS idx_daily_usage_updated ON daily_usage(updated_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// TryAdmit checks today's counter against the limit and increments it only
// on admission. The counter never exceeds the limit.
func (s *Store) TryAdmit(ctx context.Context, key string, limit int, now time.Time) (quota.Decision, error) {
	day := quota.DayKey(now)

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO daily_usage(day, trial_key, requests, updated_at)
VALUES(?, ?, 0, ?)
ON CONFLICT(day, trial_key) DO NOTHING`, day, key, now.UTC()); err != nil {
		return quota.Decision{}, fmt.Errorf("ensure usage row: %w", err)
	}

	var used int64
	err := s.db.QueryRowContext(ctx, `
UPDATE daily_usage
SET requests = requests + 1, updated_at = ?
WHERE day = ? AND trial_key = ? AND requests < ?
RETURNING requests`, now.UTC(), day, key, limit).Scan(&used)
	if err == nil {
		return quota.Decision{
			Admitted:  true,
			Limit:     limit,
			Used:      used,
			Remaining: int64(limit) - used,
		}, nil
	}
	if err != sql.ErrNoRows {
		return quota.Decision{}, fmt.Errorf("increment usage: %w", err)
	}

	// Over the limit; report the stored count without touching it.
	if err := s.db.QueryRowContext(ctx, `
SELECT requests FROM daily_usage WHERE day = ? AND trial_key = ?`, day, key).Scan(&used); err != nil {
		return quota.Decision{}, fmt.Errorf("read usage: %w", err)
	}
	return quota.Decision{Admitted: false, Limit: limit, Used: used}, nil
}

// Usage returns matching counters with the total match count. With a day
// filter rows are ordered by request count descending; otherwise newest
// update first.
func (s *Store) Usage(ctx context.Context, f quota.Filter) ([]quota.Counter, int, error) {
	where, args := usageWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM daily_usage`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count usage: %w", err)
	}

	order := " ORDER BY updated_at DESC, day DESC, trial_key"
	if f.Day != "" {
		order = " ORDER BY requests DESC, trial_key"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, `
SELECT day, trial_key, requests, updated_at FROM daily_usage`+where+order+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	counters := make([]quota.Counter, 0, limit)
	for rows.Next() {
		var c quota.Counter
		if err := rows.Scan(&c.Day, &c.Key, &c.Requests, &c.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan usage: %w", err)
		}
		counters = append(counters, c)
	}
	return counters, total, rows.Err()
}

func usageWhere(f quota.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Key != "" {
		clauses = append(clauses, "trial_key = ?")
		args = append(args, f.Key)
	}
	if f.Day != "" {
		clauses = append(clauses, "day = ?")
		args = append(args, f.Day)
	}
	if f.Since != "" {
		clauses = append(clauses, "day >= ?")
		args = append(args, f.Since)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Reset zeroes counters in the given scope and returns how many rows changed.
func (s *Store) Reset(ctx context.Context, key, day string, now time.Time) (int64, error) {
	where, args := usageWhere(quota.Filter{Key: key, Day: day})
	args = append([]any{now.UTC()}, args...)
	res, err := s.db.ExecContext(ctx, `UPDATE daily_usage SET requests = 0, updated_at = ?`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("reset usage: %w", err)
	}
	return res.RowsAffected()
}

// PurgeKey drops all counters belonging to a deleted trial key.
func (s *Store) PurgeKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM daily_usage WHERE trial_key = ?`, key); err != nil {
		return fmt.Errorf("purge usage: %w", err)
	}
	return nil
}
