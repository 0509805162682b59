// Package audit records admin operations as JSON lines. Every entry says
// who (client IP, truncated admin token hash) did what (action, affected
// key) and when. Writes are best effort and never fail the request that
// triggered them.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Admin actions recorded by the HTTP layer.
const (
	ActionCreateKey   = "CREATE_KEY"
	ActionListKeys    = "LIST_KEYS"
	ActionUpdateKey   = "UPDATE_KEY"
	ActionDeleteKey   = "DELETE_KEY"
	ActionViewUsage   = "VIEW_USAGE"
	ActionResetUsage  = "RESET_USAGE"
	ActionViewMetrics = "VIEW_METRICS"
)

// Entry is one audit record.
type Entry struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	IP          string         `json:"ip"`
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	Action      string         `json:"action"`
	KeyAffected string         `json:"key_affected,omitempty"`
	TokenHash   string         `json:"admin_token_hash,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Logger appends entries to a writer, one JSON object per line.
type Logger struct {
	mu     sync.Mutex
	out    io.WriteCloser
	logger *log.Logger
	now    func() time.Time
}

// New creates an audit logger writing to out. Write failures are reported
// through logger and otherwise swallowed.
func New(out io.WriteCloser, logger *log.Logger) *Logger {
	return &Logger{out: out, logger: logger, now: time.Now}
}

// Record writes one entry. A zero ID and timestamp are filled in.
func (l *Logger) Record(e Entry) {
	if l == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		l.logger.Printf("audit: marshal entry: %v", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	_, err = l.out.Write(line)
	l.mu.Unlock()
	if err != nil {
		l.logger.Printf("audit: write entry: %v", err)
	}
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

// HashToken returns a short fingerprint of an admin token so audit
// entries can correlate operations without storing the token itself.
func HashToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}
