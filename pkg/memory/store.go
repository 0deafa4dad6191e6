// Package memory implements the markdown dual-layer memory system. The
// files are the source of truth: the agent only "remembers" what has been
// written to disk.
//
// Layout:
//
//	~/.remi/memory/
//	├── MEMORY.md                # long-term: preferences, decisions, facts
//	├── daily/2026-08-25.md      # daily notes (append-only)
//	├── projects/<name>/MEMORY.md
//	└── .versions/               # rollback snapshots
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	memoryFile  = "MEMORY.md"
	dailyDir    = "daily"
	projectsDir = "projects"
	versionsDir = ".versions"

	dateLayout = "2006-01-02"
)

// Store provides read/write access to the memory tree. All mutations go
// through one mutex so concurrent hub turns and scheduler jobs never
// interleave writes to the same file.
type Store struct {
	root string
	log  zerolog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewStore opens (creating if needed) a memory tree rooted at root.
func NewStore(root string, log zerolog.Logger) (*Store, error) {
	for _, dir := range []string{dailyDir, projectsDir, versionsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("memory: create %s: %w", dir, err)
		}
	}
	return &Store{
		root: root,
		log:  log.With().Str("component", "memory").Logger(),
		now:  time.Now,
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// ReadMemory returns the long-term MEMORY.md, empty when absent.
func (s *Store) ReadMemory() string {
	return readFileOrEmpty(filepath.Join(s.root, memoryFile))
}

// WriteMemory overwrites the long-term MEMORY.md, snapshotting the previous
// version first.
func (s *Store) WriteMemory(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, memoryFile)
	s.backup(path)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("memory: write %s: %w", memoryFile, err)
	}
	s.log.Info().Int("chars", len(content)).Msg("updated MEMORY.md")
	return nil
}

// AppendMemory appends an entry to the long-term MEMORY.md.
func (s *Store) AppendMemory(entry string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, memoryFile)
	s.backup(path)
	return appendText(path, "\n"+strings.TrimRight(entry, "\n")+"\n")
}

// ReadDaily returns the daily notes for date (YYYY-MM-DD), or today's when
// date is empty.
func (s *Store) ReadDaily(date string) string {
	return readFileOrEmpty(s.dailyPath(date))
}

// AppendDaily appends a timestamped entry to today's daily notes, creating
// the file with a date header on first write.
func (s *Store) AppendDaily(entry string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.now().Format(dateLayout)
	path := s.dailyPath(today)

	var b strings.Builder
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		fmt.Fprintf(&b, "# %s\n\n", today)
	}
	fmt.Fprintf(&b, "- [%s] %s\n", s.now().Format("15:04"), strings.TrimRight(entry, "\n"))
	return appendText(path, b.String())
}

// ReadProjectMemory returns a project's MEMORY.md, empty when absent or when
// the project name is unsafe.
func (s *Store) ReadProjectMemory(project string) string {
	path, err := s.projectPath(project)
	if err != nil {
		return ""
	}
	return readFileOrEmpty(path)
}

// WriteProjectMemory writes a project's MEMORY.md.
func (s *Store) WriteProjectMemory(project, content string) error {
	path, err := s.projectPath(project)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("memory: create project dir: %w", err)
	}
	s.backup(path)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("memory: write project memory: %w", err)
	}
	return nil
}

// Context assembles the hierarchical context for a turn: long-term memory,
// then project memory when a project hint is given, then today's notes.
func (s *Store) Context(project string) string {
	var parts []string

	if mem := s.ReadMemory(); mem != "" {
		parts = append(parts, "# Long-term Memory\n\n"+mem)
	}
	if project != "" {
		if mem := s.ReadProjectMemory(project); mem != "" {
			parts = append(parts, fmt.Sprintf("# Project Memory (%s)\n\n%s", project, mem))
		}
	}
	if daily := s.ReadDaily(""); daily != "" {
		parts = append(parts, "# Today's Notes\n\n"+daily)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

// CleanupDailies removes daily notes older than keepDays. Returns the count
// removed.
func (s *Store) CleanupDailies(keepDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -keepDays)
	entries, err := os.ReadDir(filepath.Join(s.root, dailyDir))
	if err != nil {
		return 0, fmt.Errorf("memory: read daily dir: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".md")
		date, err := time.Parse(dateLayout, name)
		if err != nil {
			continue
		}
		if date.Before(cutoff) {
			if err := os.Remove(filepath.Join(s.root, dailyDir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// CleanupVersions keeps only the most recent keep snapshot files. Returns
// the count removed.
func (s *Store) CleanupVersions(keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, versionsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("memory: read versions dir: %w", err)
	}

	type versioned struct {
		name    string
		modTime time.Time
	}
	files := make([]versioned, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, versioned{entry.Name(), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	removed := 0
	if keep > len(files) {
		keep = len(files)
	}
	for _, f := range files[keep:] {
		if err := os.Remove(filepath.Join(dir, f.name)); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) dailyPath(date string) string {
	if date == "" {
		date = s.now().Format(dateLayout)
	}
	return filepath.Join(s.root, dailyDir, date+".md")
}

// projectPath validates the project name against traversal and builds its
// MEMORY.md path.
func (s *Store) projectPath(project string) (string, error) {
	if project == "" || project != filepath.Base(filepath.Clean(project)) || strings.HasPrefix(project, ".") {
		return "", fmt.Errorf("memory: invalid project name %q", project)
	}
	return filepath.Join(s.root, projectsDir, project, memoryFile), nil
}

// backup snapshots an existing file into .versions/ with a timestamped name.
// Caller holds s.mu.
func (s *Store) backup(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // Nothing to back up.
	}
	base := strings.TrimSuffix(filepath.Base(path), ".md")
	name := fmt.Sprintf("%s_%s.md", base, s.now().Format("20060102_150405.000"))
	dest := filepath.Join(s.root, versionsDir, name)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		s.log.Warn().Err(err).Str("file", path).Msg("version backup failed")
	}
}

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func appendText(path, text string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("memory: append %s: %w", filepath.Base(path), err)
	}
	return nil
}
