package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteCreatesDatedFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "proxy.log")

	w, err := NewRotatingWriter(base, 1<<20)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	day := time.Now().Format("2006-01-02")
	dated := filepath.Join(dir, "proxy-"+day+".log")
	data, err := os.ReadFile(dated)
	if err != nil {
		t.Fatalf("read dated file: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("unexpected contents %q", data)
	}

	// The base path points at the active file.
	if pointed, err := os.ReadFile(base); err != nil || string(pointed) != "hello\n" {
		t.Fatalf("base path should follow the active file: %q err=%v", pointed, err)
	}
}

func TestSizeRollover(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "proxy.log")

	w, err := NewRotatingWriter(base, 10)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	if _, err := w.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Write([]byte("overflow")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	day := time.Now().Format("2006-01-02")
	second := filepath.Join(dir, "proxy-"+day+"-2.log")
	data, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("rollover file missing: %v", err)
	}
	if string(data) != "overflow" {
		t.Fatalf("unexpected rollover contents %q", data)
	}
}

func TestDisabledOutput(t *testing.T) {
	for _, base := range []string{"", "-", "  "} {
		w, err := NewRotatingWriter(base, 0)
		if err != nil {
			t.Fatalf("NewRotatingWriter(%q): %v", base, err)
		}
		if n, err := w.Write([]byte("dropped")); err != nil || n != 7 {
			t.Fatalf("discard write: n=%d err=%v", n, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestExtensionDefaulting(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "audit")

	w, err := NewRotatingWriter(base, 1<<20)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "audit-") && strings.HasSuffix(e.Name(), ".log") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an audit-*.log file, got %v", entries)
	}
}
