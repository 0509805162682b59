package quota

import (
	"context"
	"time"
)

// DayKey buckets a timestamp into the proxy's calendar day: the server's
// local date, zero padded YYYY-MM-DD. This is the policy that decides when
// quotas reset; every component must use this function rather than
// formatting dates itself.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// Decision is the outcome of a single admission attempt.
type Decision struct {
	Admitted bool
	// Limit is the effective daily limit applied to the decision.
	Limit int
	// Used is the stored counter after the decision. On admission it
	// includes the request just counted; on denial it never exceeds Limit.
	Used int64
	// Remaining is Limit - Used, zero on denial.
	Remaining int64
}

// Counter is the persisted request count for one (day, key) pair.
type Counter struct {
	Day       string    `json:"day"`
	Key       string    `json:"key"`
	Requests  int64     `json:"requests"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter selects usage rows for the admin surface.
type Filter struct {
	Key    string // exact trial key, empty for all
	Day    string // exact day, empty for all
	Since  string // inclusive lower day bound, empty for no bound
	Limit  int
	Offset int
}

// Store is the ledger's persistence contract.
//
// TryAdmit performs the atomic check-then-increment: concurrent calls for the
// same (day, key) serialize so exactly limit admissions can succeed within a
// day, and the stored counter never exceeds the limit. Calls for different
// keys do not block each other. Implementations commit the increment before
// returning; callers forward upstream only after an admitted decision.
type Store interface {
	TryAdmit(ctx context.Context, key string, limit int, now time.Time) (Decision, error)
	Usage(ctx context.Context, f Filter) ([]Counter, int, error)
	Reset(ctx context.Context, key, day string, now time.Time) (int64, error)
	PurgeKey(ctx context.Context, key string) error
	Close() error
}
