// Package logsink writes categorized append-only session logs. Opening a
// session moves any prior session's files into a timestamped backup directory
// before fresh files are created.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Category names one append-only log destination.
type Category string

const (
	CategoryFull       Category = "full"
	CategoryPosts      Category = "posts"
	CategoryTranslated Category = "translated"
	CategoryURLs       Category = "urls"
)

var categoryFiles = map[Category]string{
	CategoryFull:       "full.log",
	CategoryPosts:      "posts.log",
	CategoryTranslated: "translated.log",
	CategoryURLs:       "urls.log",
}

const reportFile = "report.txt"

// Sink owns the session log files. File handles are owned exclusively by the
// sink; a write failure degrades that category for the rest of the session
// without affecting the others.
type Sink struct {
	dir string

	mu        sync.Mutex
	sessionID string
	files     map[Category]*os.File
	degraded  map[Category]bool
}

// New creates a sink rooted at dir. Call Open before appending.
func New(dir string) *Sink {
	return &Sink{dir: dir}
}

// Open backs up any pre-existing session files and creates fresh ones. Prior
// data is moved, never deleted or overwritten.
func (s *Sink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.files != nil {
		return fmt.Errorf("logsink: session already open")
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("logsink: create dir: %w", err)
	}
	if err := s.backupExisting(); err != nil {
		return err
	}

	files := make(map[Category]*os.File, len(categoryFiles))
	for cat, name := range categoryFiles {
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			for _, open := range files {
				open.Close()
			}
			return fmt.Errorf("logsink: open %s: %w", name, err)
		}
		files[cat] = f
	}

	s.sessionID = uuid.NewString()
	s.files = files
	s.degraded = make(map[Category]bool)

	log.Info().Str("session_id", s.sessionID).Str("dir", s.dir).Msg("Log session opened")
	return nil
}

// backupExisting moves prior session files into a "<timestamp>_logs"
// directory. Called with the lock held.
func (s *Sink) backupExisting() error {
	var existing []string
	for _, name := range categoryFiles {
		existing = append(existing, name)
	}
	existing = append(existing, reportFile)

	var found []string
	for _, name := range existing {
		if _, err := os.Stat(filepath.Join(s.dir, name)); err == nil {
			found = append(found, name)
		}
	}
	if len(found) == 0 {
		return nil
	}

	backupDir := filepath.Join(s.dir, time.Now().Format("20060102_150405")+"_logs")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return fmt.Errorf("logsink: create backup dir: %w", err)
	}
	for _, name := range found {
		if err := os.Rename(filepath.Join(s.dir, name), filepath.Join(backupDir, name)); err != nil {
			return fmt.Errorf("logsink: backup %s: %w", name, err)
		}
	}

	log.Info().Str("backup_dir", backupDir).Int("files", len(found)).Msg("Existing logs moved to backup")
	return nil
}

// SessionID returns the current session identifier.
func (s *Sink) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Append writes one line to a category. A failed category is reported once
// and skipped for the rest of the session.
func (s *Sink) Append(cat Category, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[cat]
	if !ok {
		return fmt.Errorf("logsink: unknown category %q", cat)
	}
	if s.degraded[cat] {
		return nil
	}

	if _, err := f.WriteString(line + "\n"); err != nil {
		s.degraded[cat] = true
		log.Error().Err(err).Str("category", string(cat)).Msg("Log category degraded")
		return err
	}
	return nil
}

// AppendPost writes a timestamped post line to the full or posts category.
func (s *Sink) AppendPost(cat Category, ts time.Time, text string) error {
	return s.Append(cat, fmt.Sprintf("[%s] %s", ts.Format("2006-01-02 15:04:05"), text))
}

// AppendTranslation writes an original/translated pair to the translated
// category as one block, so cancellation can never leave a partial entry.
func (s *Sink) AppendTranslation(ts time.Time, original, translated string) error {
	block := fmt.Sprintf("[%s]\nOriginal: %s\nTranslated: %s\n",
		ts.Format("2006-01-02 15:04:05"), original, translated)
	return s.Append(CategoryTranslated, block)
}

// AppendURL writes one external URL to the urls category.
func (s *Sink) AppendURL(url string) error {
	return s.Append(CategoryURLs, url)
}

// WriteReport writes the session report once. The report participates in the
// next session's backup.
func (s *Sink) WriteReport(lines []string) error {
	s.mu.Lock()
	dir := s.dir
	s.mu.Unlock()

	path := filepath.Join(dir, reportFile)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("logsink: write report: %w", err)
	}
	log.Info().Str("path", path).Msg("Session report written")
	return nil
}

// Degraded reports whether a category failed earlier in the session.
func (s *Sink) Degraded(cat Category) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded[cat]
}

// Close closes all category files. The sink can be reopened afterwards,
// which starts a fresh backup cycle (archive-and-continue).
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for cat, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("logsink: close %s: %w", cat, err)
		}
	}
	s.files = nil
	s.degraded = nil
	return firstErr
}
