package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// register pgx stdlib driver
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/quotaproxy/quota-proxy/internal/quota"
)

// Store implements quota.Store backed by PostgreSQL. The conditional UPDATE
// in TryAdmit relies on row-level locking, so concurrent admits for the same
// (day, key) serialize while different keys proceed in parallel.
type Store struct {
	db *sql.DB
}

// New opens a Postgres-backed ledger using the provided DSN and connection
// pool settings. Zero values keep the driver defaults.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS daily_usage (
	day TEXT NOT NULL,
	trial_key TEXT NOT NULL,
	requests BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
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
VALUES($1, $2, 0, $3)
ON CONFLICT (day, trial_key) DO NOTHING`, day, key, now.UTC()); err != nil {
		return quota.Decision{}, fmt.Errorf("ensure usage row: %w", err)
	}

	var used int64
	err := s.db.QueryRowContext(ctx, `
UPDATE daily_usage
SET requests = requests + 1, updated_at = $1
WHERE day = $2 AND trial_key = $3 AND requests < $4
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

	if err := s.db.QueryRowContext(ctx, `
SELECT requests FROM daily_usage WHERE day = $1 AND trial_key = $2`, day, key).Scan(&used); err != nil {
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
	paged := fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, `
SELECT day, trial_key, requests, updated_at FROM daily_usage`+where+order+paged, args...)
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
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}
	if f.Key != "" {
		add("trial_key = $%d", f.Key)
	}
	if f.Day != "" {
		add("day = $%d", f.Day)
	}
	if f.Since != "" {
		add("day >= $%d", f.Since)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Reset zeroes counters in the given scope and returns how many rows changed.
func (s *Store) Reset(ctx context.Context, key, day string, now time.Time) (int64, error) {
	var (
		clauses []string
		args    []any
	)
	args = append(args, now.UTC())
	if key != "" {
		args = append(args, key)
		clauses = append(clauses, fmt.Sprintf("trial_key = $%d", len(args)))
	}
	if day != "" {
		args = append(args, day)
		clauses = append(clauses, fmt.Sprintf("day = $%d", len(args)))
	}
	query := `UPDATE daily_usage SET requests = 0, updated_at = $1`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset usage: %w", err)
	}
	return res.RowsAffected()
}

// PurgeKey drops all counters belonging to a deleted trial key.
func (s *Store) PurgeKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM daily_usage WHERE trial_key = $1`, key); err != nil {
		return fmt.Errorf("purge usage: %w", err)
	}
	return nil
}
