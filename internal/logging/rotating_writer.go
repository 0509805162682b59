package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes caps a single log file at 64 MiB before same-day rollover.
const DefaultMaxBytes = 64 << 20

// RotatingWriter appends to files that rotate on the server-local day
// boundary and when a file would exceed MaxBytes. Rotation follows the
// local day so log files line up with quota days.
//
// Given basePath logs/proxy.log, output files are named
// logs/proxy-2026-08-31.log, logs/proxy-2026-08-31-2.log and so on,
// with basePath kept as a pointer to the current file.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	now func() time.Time

	mu    sync.Mutex
	day   string
	index int
	file  *os.File
	size  int64
}

// NewRotatingWriter opens a rotating writer rooted at basePath. An empty
// or "-" basePath disables file output.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	base := strings.TrimSpace(basePath)
	if base == "" || base == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	w := &RotatingWriter{BasePath: base, MaxBytes: maxBytes, now: time.Now}
	if err := w.rotate(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) rotate(incoming int64) error {
	today := w.now().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.index = 1
	case w.size+incoming > w.MaxBytes:
		w.index++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
	}
	dir, name := filepath.Split(w.BasePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	filename := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.index > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.index, ext)
	}
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if st, serr := f.Stat(); serr == nil {
		size = st.Size()
	}
	w.file = f
	w.size = size
	w.repoint(path)
	return nil
}

// repoint keeps BasePath pointing at the active file so tail -F on the
// base path follows rotation. Symlink first, hard link as fallback,
// plain text pointer when linking is unavailable.
func (w *RotatingWriter) repoint(target string) {
	if info, err := os.Lstat(w.BasePath); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, derr := os.Readlink(w.BasePath); derr == nil && dest == target {
				return
			}
		}
		_ = os.Remove(w.BasePath)
	}
	if os.Symlink(target, w.BasePath) == nil {
		return
	}
	if os.Link(target, w.BasePath) == nil {
		return
	}
	if f, err := os.OpenFile(w.BasePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		defer f.Close()
		fmt.Fprintf(f, "current log file: %s\n", target)
	}
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
