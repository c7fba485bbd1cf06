package migrationfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteProducesTimestampedFile(t *testing.T) {
	dir := t.TempDir()
	w := New(dir)

	path, err := w.Write("add users email", []string{"ALTER TABLE `users` ADD COLUMN `email` VARCHAR(255)"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	base := filepath.Base(path)
	if len(base) < 15 || base[14] != '_' {
		t.Fatalf("expected '<14-digit timestamp>_slug.sql' filename, got %q", base)
	}
	if !strings.HasSuffix(base, "add_users_email.sql") {
		t.Fatalf("expected slugified name suffix, got %q", base)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !strings.Contains(string(data), "ALTER TABLE") || !strings.HasSuffix(strings.TrimSpace(string(data)), ";") {
		t.Fatalf("expected semicolon-terminated statement, got %q", data)
	}
}

func TestWriteFailsWithNoStatements(t *testing.T) {
	w := New(t.TempDir())
	if _, err := w.Write("empty", nil); err == nil {
		t.Fatal("expected error for empty statement list")
	}
}
