package state

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/msageha/specsync/internal/cache"
	"github.com/msageha/specsync/internal/document"
	"github.com/msageha/specsync/internal/model"
)

const snapshotKey = "snapshot"

// Snapshot is a point-in-time view of documents and records. It is shared
// between readers through the cache and must not be mutated; clone what you
// intend to change.
type Snapshot struct {
	Docs        map[string]*model.SpecDocument
	DocErrors   map[string]error
	Progress    Progress
	Assignments Assignments
	Handoffs    Handoffs
	LoadedAt    time.Time
}

// SpecIDs returns every spec id known to either representation, sorted.
func (s *Snapshot) SpecIDs() []string {
	seen := make(map[string]bool, len(s.Docs))
	ids := make([]string, 0, len(s.Docs))
	for id := range s.Docs {
		seen[id] = true
		ids = append(ids, id)
	}
	for id := range s.Progress.Specs {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Snapshot) Record(specID string) (SpecRecord, bool) {
	r, ok := s.Progress.Specs[specID]
	return r, ok
}

// Repository assembles snapshots from the documents directory and the state
// store, serving repeated reads from an injected cache.
type Repository struct {
	docsDir string
	store   *Store
	cache   *cache.Cache[*Snapshot]
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	goodDocs map[string]*model.SpecDocument
}

func NewRepository(docsDir string, store *Store, c *cache.Cache[*Snapshot], logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = cache.New[*Snapshot](1, 0)
	}
	return &Repository{
		docsDir:  docsDir,
		store:    store,
		cache:    c,
		logger:   logger,
		now:      time.Now,
		goodDocs: make(map[string]*model.SpecDocument),
	}
}

func (r *Repository) DocsDir() string { return r.docsDir }

func (r *Repository) Store() *Store { return r.store }

func (r *Repository) Cache() *cache.Cache[*Snapshot] { return r.cache }

// DocPath returns the canonical document path for specID.
func (r *Repository) DocPath(specID string) string {
	return document.PathFor(r.docsDir, specID)
}

// Snapshot returns a cached snapshot, loading one if the cache is cold.
func (r *Repository) Snapshot() (*Snapshot, error) {
	return r.cache.GetOrLoad(snapshotKey, r.Load)
}

// Invalidate drops the cached snapshot.
func (r *Repository) Invalidate() {
	r.cache.Invalidate(snapshotKey)
}

// Load reads everything from disk, bypassing the cache.
func (r *Repository) Load() (*Snapshot, error) {
	res, err := document.LoadDir(r.docsDir)
	if err != nil {
		return nil, model.WrapError(model.ErrKindIO, "load", r.docsDir, err)
	}

	snap := &Snapshot{
		Docs:      res.Docs,
		DocErrors: res.Errors,
		LoadedAt:  r.now(),
	}

	r.mu.Lock()
	for path, docErr := range res.Errors {
		good, ok := r.goodDocs[path]
		if !ok {
			r.logger.Warn("document unreadable", "path", path, "error", docErr)
			continue
		}
		if _, dup := snap.Docs[good.ID]; dup {
			continue
		}
		r.logger.Warn("document unreadable, using last known-good copy", "path", path, "error", docErr)
		snap.Docs[good.ID] = good
	}
	for _, doc := range res.Docs {
		if _, failed := res.Errors[doc.Path]; !failed {
			r.goodDocs[doc.Path] = doc
		}
	}
	r.mu.Unlock()

	if snap.Progress, err = r.store.LoadProgress(); err != nil {
		return nil, model.WrapError(model.ErrKindParse, "load", ProgressFile, err)
	}
	if snap.Assignments, err = r.store.LoadAssignments(); err != nil {
		return nil, model.WrapError(model.ErrKindParse, "load", AssignmentsFile, err)
	}
	if snap.Handoffs, err = r.store.LoadHandoffs(); err != nil {
		return nil, model.WrapError(model.ErrKindParse, "load", HandoffsFile, err)
	}
	return snap, nil
}

// Doc returns the document for specID from a fresh snapshot.
func (r *Repository) Doc(specID string) (*model.SpecDocument, error) {
	snap, err := r.Snapshot()
	if err != nil {
		return nil, err
	}
	doc, ok := snap.Docs[specID]
	if !ok {
		return nil, model.NewError(model.ErrKindNotFound, "get spec", specID, fmt.Sprintf("no document for %s", specID))
	}
	return doc, nil
}
