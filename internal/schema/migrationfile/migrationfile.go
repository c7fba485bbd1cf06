// Package migrationfile writes the generated DDL statements to a
// timestamped migration artifact on disk (spec.md §4.9), the terminal
// step after entity.Read, dbreader.Reader.Read, differ.Compare, and
// ddl.Generator.Generate.
package migrationfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileWriter writes migration files into a directory.
type FileWriter struct {
	dir string
}

// New builds a FileWriter rooted at dir.
func New(dir string) *FileWriter {
	return &FileWriter{dir: dir}
}

// Write renders statements into a single migration file named
// "${timestamp}_${slug}.sql", stamping the current UTC time in
// "20060102150405" form. Resolves spec.md §9 Open Question 2: the
// timestamp is always wall-clock time of generation, never a
// user-supplied or content-derived value, so concurrent runs sort
// chronologically and ties are vanishingly unlikely in practice.
func (w *FileWriter) Write(name string, statements []string) (string, error) {
	if len(statements) == 0 {
		return "", fmt.Errorf("migrationfile: no statements to write")
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("migrationfile: create dir: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102150405")
	filename := fmt.Sprintf("%s_%s.sql", stamp, slugify(name))
	path := filepath.Join(w.dir, filename)

	var sb strings.Builder
	for _, stmt := range statements {
		sb.WriteString(stmt)
		if !strings.HasSuffix(stmt, ";") {
			sb.WriteString(";")
		}
		sb.WriteString("\n")
	}

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return "", fmt.Errorf("migrationfile: write %s: %w", path, err)
	}
	return path, nil
}

func slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "migration"
	}
	var b strings.Builder
	lastDash := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('_')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
