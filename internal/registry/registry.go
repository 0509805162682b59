package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// KeyPrefix is prepended to every generated trial key so the credential is
// recognizable in logs and support requests.
const KeyPrefix = "trial_"

const keyRandomBytes = 24

var (
	// ErrNotFound indicates the trial key was never issued or has been deleted.
	ErrNotFound = errors.New("trial key not found")
	// ErrInactive indicates the key exists but has been deactivated.
	ErrInactive = errors.New("trial key is inactive")
	// ErrExpired indicates the key exists but its expiry has passed.
	ErrExpired = errors.New("trial key has expired")
	// ErrValidation wraps admin input problems (bad limit, past expiry, empty patch).
	ErrValidation = errors.New("validation failed")
)

// Account is a single trial key record. The plaintext key doubles as the
// primary identifier; it is returned to the caller only at issue time.
type Account struct {
	Key        string     `json:"key"`
	Label      string     `json:"label,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	DailyLimit *int       `json:"daily_limit,omitempty"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Limit resolves the account's effective daily limit against the process-wide default.
func (a *Account) Limit(defaultLimit int) int {
	if a.DailyLimit != nil {
		return *a.DailyLimit
	}
	return defaultLimit
}

// Patch carries a partial account update. Nil fields are left untouched.
type Patch struct {
	Label      *string
	DailyLimit *int
	ExpiresAt  *time.Time
	Active     *bool
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Label == nil && p.DailyLimit == nil && p.ExpiresAt == nil && p.Active == nil
}

// Store persists trial key accounts across memory/SQLite/Postgres backends.
//
// Resolve distinguishes ErrNotFound, ErrInactive and ErrExpired so the HTTP
// layer can map them to the appropriate status; all three mean the key must
// not be admitted. For ErrInactive and ErrExpired the account is returned
// alongside the error.
type Store interface {
	Issue(ctx context.Context, label string, dailyLimit *int, expiresAt *time.Time) (*Account, error)
	Resolve(ctx context.Context, key string) (*Account, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]Account, int, error)
	Update(ctx context.Context, key string, patch Patch) (*Account, error)
	Delete(ctx context.Context, key string) (bool, error)
	Close() error
}

// NewKey generates a fresh trial key: KeyPrefix plus 192 bits of
// crypto/rand, hex encoded.
func NewKey() (string, error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate trial key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// ValidateIssue checks admin input for Issue. A nil dailyLimit falls back to
// the process default and is always acceptable; an explicit limit must be
// positive and an explicit expiry must lie in the future.
func ValidateIssue(dailyLimit *int, expiresAt *time.Time, now time.Time) error {
	if dailyLimit != nil && *dailyLimit <= 0 {
		return fmt.Errorf("%w: daily_limit must be positive, got %d", ErrValidation, *dailyLimit)
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return fmt.Errorf("%w: expires_at must be in the future", ErrValidation)
	}
	return nil
}

// ValidatePatch checks admin input for Update.
func ValidatePatch(patch Patch) error {
	if patch.Empty() {
		return fmt.Errorf("%w: at least one field required", ErrValidation)
	}
	if patch.DailyLimit != nil && *patch.DailyLimit <= 0 {
		return fmt.Errorf("%w: daily_limit must be positive, got %d", ErrValidation, *patch.DailyLimit)
	}
	return nil
}

// CheckUsable reports the admission status of a resolved account.
func CheckUsable(a *Account, now time.Time) error {
	if a == nil {
		return ErrNotFound
	}
	if !a.Active {
		return ErrInactive
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		return ErrExpired
	}
	return nil
}
