package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRotatorShiftsBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	w, err := newRotator(path, 1, 2)
	if err != nil {
		t.Fatalf("new rotator: %v", err)
	}
	w.maxSize = 16
	t.Cleanup(func() { _ = w.Close() })

	for i := 0; i < 4; i++ {
		if _, err := fmt.Fprintf(w, "line-%d-padding\n", i); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(current) != "line-3-padding\n" {
		t.Fatalf("unexpected active file %q", current)
	}
	first, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("read first backup: %v", err)
	}
	if !strings.HasPrefix(string(first), "line-2") {
		t.Fatalf("unexpected first backup %q", first)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected second backup: %v", err)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("expected at most two backups, stat err %v", err)
	}
}

func TestInitWritesAuditFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")
	if err := Init(Config{Outputs: []string{filepath.Join(dir, "app.log")}, AuditPath: auditPath}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Audit().Info("api_request", "path", "/api/v1/rescue")
	Named("test").Info("hello")

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"api_request"`) || strings.Contains(string(data), "hello") {
		t.Fatalf("unexpected audit content %q", data)
	}
}

func TestTailKeepsNewestLines(t *testing.T) {
	tail := NewTail(3)
	if got := tail.Lines(); len(got) != 0 {
		t.Fatalf("expected empty tail, got %v", got)
	}
	for i := 1; i <= 5; i++ {
		tail.Add(fmt.Sprint(i))
	}
	if diff := cmp.Diff([]string{"3", "4", "5"}, tail.Lines()); diff != "" {
		t.Fatalf("tail mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"WARNING": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
