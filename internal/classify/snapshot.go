package classify

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/msageha/specsync/internal/fileio"
)

// SnapshotStore holds the last known content of every classified path.
type SnapshotStore struct {
	mu      sync.RWMutex
	entries map[string]snapshot
}

type snapshot struct {
	content []byte
	sum     string
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{entries: make(map[string]snapshot)}
}

func (s *SnapshotStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[filepath.Clean(path)]
	return e.content, ok
}

// Same reports whether content matches the stored snapshot for path.
func (s *SnapshotStore) Same(path string, content []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[filepath.Clean(path)]
	return ok && e.sum == fileio.Checksum(content)
}

func (s *SnapshotStore) Put(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[filepath.Clean(path)] = snapshot{
		content: append([]byte(nil), content...),
		sum:     fileio.Checksum(content),
	}
}

func (s *SnapshotStore) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, filepath.Clean(path))
}

// Seed records the current content of each existing path.
func (s *SnapshotStore) Seed(paths []string) {
	for _, p := range paths {
		if content, err := os.ReadFile(p); err == nil {
			s.Put(p, content)
		}
	}
}

func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
