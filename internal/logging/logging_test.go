package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "warn")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	l.Info("quiet")
	l.WithField("peripheral", "AA:BB").Warn("link dropped")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("info record written at warn level: %q", out)
	}
	if !strings.Contains(out, "link dropped") || !strings.Contains(out, "peripheral=AA:BB") {
		t.Errorf("output = %q, want warn record with peripheral field", out)
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, "loud"); err == nil {
		t.Fatal("New() should reject unknown level")
	}
}

func TestOpen_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".fairway", "fairway.log")
	l, closer, err := Open(path, "info")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	l.Info("scan started")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "scan started") {
		t.Errorf("log file = %q, want record", data)
	}
}

func TestDiscard(t *testing.T) {
	// Must not panic or write anywhere observable.
	Discard().Error("nothing")
}
