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

	"github.com/quotaproxy/quota-proxy/internal/registry"
)

// Store implements registry.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite registry at the given path. The quota
// ledger shares the same database file; each package owns its own tables.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry directory: %w", err)
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
// only whichever connection happened to run it.
func dsn(path string) string {
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS trial_keys (
	key TEXT PRIMARY KEY,
	label TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	daily_limit INTEGER,
	is_active INTEGER NOT NULL DEFAULT 1,
	expires_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_trial_keys_created ON trial_keys(created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply registry schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the health check can ping it.
func (s *Store) DB() *sql.DB { return s.db }

// Issue generates a new trial key and persists the account. A primary key
// collision is retried once with a fresh key.
func (s *Store) Issue(ctx context.Context, label string, dailyLimit *int, expiresAt *time.Time) (*registry.Account, error) {
	now := time.Now()
	if err := registry.ValidateIssue(dailyLimit, expiresAt, now); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		key, err := registry.NewKey()
		if err != nil {
			return nil, err
		}
		_, err = s.db.ExecContext(ctx, `
INSERT INTO trial_keys(key, label, created_at, daily_limit, is_active, expires_at)
VALUES(?, ?, ?, ?, 1, ?)`,
			key, label, now.UTC(), nullableInt(dailyLimit), nullableTime(expiresAt))
		if err == nil {
			return &registry.Account{
				Key:        key,
				Label:      label,
				CreatedAt:  now,
				DailyLimit: dailyLimit,
				Active:     true,
				ExpiresAt:  expiresAt,
			}, nil
		}
		if isUniqueViolation(err) && attempt == 0 {
			continue
		}
		return nil, fmt.Errorf("insert trial key: %w", err)
	}
}

// Resolve looks up a key by exact match and reports whether it may be
// admitted. The account is returned even when unusable so callers can
// still read its metadata.
func (s *Store) Resolve(ctx context.Context, key string) (*registry.Account, error) {
	acct, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	return acct, registry.CheckUsable(acct, time.Now())
}

func (s *Store) get(ctx context.Context, key string) (*registry.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT key, label, created_at, daily_limit, is_active, expires_at
FROM trial_keys WHERE key = ?`, key)
	return scanAccount(row)
}

// List returns accounts ordered by creation time descending, plus the total
// matching count for pagination.
func (s *Store) List(ctx context.Context, activeOnly bool, limit, offset int) ([]registry.Account, int, error) {
	where := ""
	if activeOnly {
		where = " WHERE is_active = 1"
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trial_keys`+where).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count trial keys: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT key, label, created_at, daily_limit, is_active, expires_at
FROM trial_keys`+where+`
ORDER BY created_at DESC, key DESC
LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list trial keys: %w", err)
	}
	defer rows.Close()

	accounts := make([]registry.Account, 0, limit)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, total, rows.Err()
}

// Update applies a partial update and returns the stored account.
func (s *Store) Update(ctx context.Context, key string, patch registry.Patch) (*registry.Account, error) {
	if err := registry.ValidatePatch(patch); err != nil {
		return nil, err
	}
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if patch.Label != nil {
		sets = append(sets, "label = ?")
		args = append(args, *patch.Label)
	}
	if patch.DailyLimit != nil {
		sets = append(sets, "daily_limit = ?")
		args = append(args, *patch.DailyLimit)
	}
	if patch.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, patch.ExpiresAt.UTC())
	}
	if patch.Active != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolToInt(*patch.Active))
	}
	args = append(args, key)

	res, err := s.db.ExecContext(ctx, `UPDATE trial_keys SET `+strings.Join(sets, ", ")+` WHERE key = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update trial key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, registry.ErrNotFound
	}
	return s.get(ctx, key)
}

// Delete removes the account row. Usage counters live in the quota store and
// are purged by the caller.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trial_keys WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete trial key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*registry.Account, error) {
	var (
		acct      registry.Account
		createdAt time.Time
		limit     sql.NullInt64
		active    int64
		expires   sql.NullTime
	)
	if err := row.Scan(&acct.Key, &acct.Label, &createdAt, &limit, &active, &expires); err != nil {
		if err == sql.ErrNoRows {
			return nil, registry.ErrNotFound
		}
		return nil, fmt.Errorf("scan trial key: %w", err)
	}
	acct.CreatedAt = createdAt
	if limit.Valid {
		v := int(limit.Int64)
		acct.DailyLimit = &v
	}
	acct.Active = active != 0
	if expires.Valid {
		t := expires.Time
		acct.ExpiresAt = &t
	}
	return &acct, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
