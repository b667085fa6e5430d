// Package state owns the fast-query records under the project state
// directory and the read-side snapshot that joins them with the documents.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/msageha/specsync/internal/fileio"
)

// Store reads and writes the per-category JSON files. A file that fails to
// parse is replaced, for readers, by the last content that did parse.
type Store struct {
	dir       string
	syncDir   string
	logger    *slog.Logger
	mu        sync.Mutex
	lastGood  map[string][]byte
	fallbacks atomic.Int64
}

// NewStore returns a store for stateDir. syncDir is the parent that holds
// the quarantine directory.
func NewStore(stateDir, syncDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:      stateDir,
		syncDir:  syncDir,
		logger:   logger,
		lastGood: make(map[string][]byte),
	}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

// Fallbacks counts reads served from the last known-good snapshot.
func (s *Store) Fallbacks() int64 { return s.fallbacks.Load() }

// Encode renders v the way every state file is written.
func Encode(v any) ([]byte, error) {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return append(content, '\n'), nil
}

// read decodes name into v. A missing file leaves v untouched. Parse or read
// failures fall back to the last known-good content with a warning; only
// when no such content exists is the error returned.
func (s *Store) read(name string, v any) error {
	path := s.Path(name)
	content, exists, err := fileio.ReadOptional(path)
	if err == nil && !exists {
		return nil
	}
	if err == nil {
		if err = json.Unmarshal(content, v); err == nil {
			s.remember(name, content)
			return nil
		}
		err = fmt.Errorf("parse %s: %w", name, err)
	}

	s.mu.Lock()
	good, ok := s.lastGood[name]
	s.mu.Unlock()
	if !ok {
		return err
	}
	s.fallbacks.Add(1)
	s.logger.Warn("state file unreadable, using last known-good snapshot", "file", name, "error", err)
	if good == nil {
		return nil
	}
	return json.Unmarshal(good, v)
}

func (s *Store) remember(name string, content []byte) {
	s.mu.Lock()
	s.lastGood[name] = append([]byte(nil), content...)
	s.mu.Unlock()
}

// Remember records content written by a transaction as known-good.
func (s *Store) Remember(path string, content []byte) {
	if filepath.Dir(path) != filepath.Clean(s.dir) {
		return
	}
	s.remember(filepath.Base(path), content)
}

func (s *Store) write(name string, v any) error {
	content, err := Encode(v)
	if err != nil {
		return err
	}
	if err := fileio.AtomicWriteRaw(s.Path(name), content, fileio.ValidateJSON); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	s.remember(name, content)
	return nil
}

func (s *Store) LoadProgress() (Progress, error) {
	p := Progress{SchemaVersion: SchemaVersion}
	if err := s.read(ProgressFile, &p); err != nil {
		return Progress{}, err
	}
	if p.Specs == nil {
		p.Specs = make(map[string]SpecRecord)
	}
	return p, nil
}

func (s *Store) SaveProgress(p Progress) error { return s.write(ProgressFile, p) }

func (s *Store) LoadAssignments() (Assignments, error) {
	a := Assignments{SchemaVersion: SchemaVersion}
	if err := s.read(AssignmentsFile, &a); err != nil {
		return Assignments{}, err
	}
	return a, nil
}

func (s *Store) SaveAssignments(a Assignments) error { return s.write(AssignmentsFile, a) }

func (s *Store) LoadHandoffs() (Handoffs, error) {
	h := Handoffs{SchemaVersion: SchemaVersion}
	if err := s.read(HandoffsFile, &h); err != nil {
		return Handoffs{}, err
	}
	return h, nil
}

func (s *Store) SaveHandoffs(h Handoffs) error { return s.write(HandoffsFile, h) }

func (s *Store) LoadAudit() (AuditMeta, error) {
	m := AuditMeta{SchemaVersion: SchemaVersion}
	if err := s.read(AuditFile, &m); err != nil {
		return AuditMeta{}, err
	}
	return m, nil
}

func (s *Store) SaveAudit(m AuditMeta) error { return s.write(AuditFile, m) }

func (s *Store) LoadConflicts() (Conflicts, error) {
	c := Conflicts{SchemaVersion: SchemaVersion}
	if err := s.read(ConflictsFile, &c); err != nil {
		return Conflicts{}, err
	}
	return c, nil
}

func (s *Store) SaveConflicts(c Conflicts) error { return s.write(ConflictsFile, c) }

func (s *Store) LoadDeadLetters() (DeadLetters, error) {
	d := DeadLetters{SchemaVersion: SchemaVersion}
	if err := s.read(DeadLettersFile, &d); err != nil {
		return DeadLetters{}, err
	}
	return d, nil
}

func (s *Store) SaveDeadLetters(d DeadLetters) error { return s.write(DeadLettersFile, d) }

var allFiles = []string{ProgressFile, AssignmentsFile, HandoffsFile, AuditFile, ConflictsFile, DeadLettersFile}

// Recover runs at startup, before any known-good snapshot exists. Each
// corrupted file is quarantined and restored from its .bak copy when that
// copy parses; otherwise the category starts empty. It returns the files
// that were recovered.
func (s *Store) Recover() ([]string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	var recovered []string
	for _, name := range allFiles {
		path := s.Path(name)
		content, exists, err := fileio.ReadOptional(path)
		if err != nil {
			return recovered, fmt.Errorf("read %s: %w", name, err)
		}
		if !exists {
			s.remember(name, nil)
			continue
		}
		if json.Valid(content) {
			s.remember(name, content)
			continue
		}

		dest, err := fileio.Quarantine(s.syncDir, path)
		if err != nil {
			return recovered, err
		}
		s.logger.Warn("quarantined corrupted state file", "file", name, "dest", dest)
		recovered = append(recovered, name)

		if err := fileio.RestoreFromBackup(path, fileio.ValidateJSON); err != nil {
			s.logger.Warn("backup restore failed, starting empty", "file", name, "error", err)
			s.remember(name, nil)
			continue
		}
		restored, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return recovered, fmt.Errorf("read restored %s: %w", name, err)
		}
		s.remember(name, restored)
	}
	return recovered, nil
}
