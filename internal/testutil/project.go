// Package testutil builds throwaway specsync projects for tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msageha/specsync/internal/cache"
	"github.com/msageha/specsync/internal/config"
	"github.com/msageha/specsync/internal/document"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/state"
)

// Project is an isolated project root with its directories created and a
// store and repository wired over them.
type Project struct {
	T      *testing.T
	Root   string
	Config model.Config
	Layout config.Layout
	Store  *state.Store
	Repo   *state.Repository
}

// NewProject creates a project under t.TempDir with default configuration.
func NewProject(t *testing.T) *Project {
	t.Helper()
	root := t.TempDir()
	cfg := model.DefaultConfig()
	layout := config.NewLayout(root, cfg)
	for _, dir := range layout.Dirs() {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}
	store := state.NewStore(layout.StateDir(), layout.SyncDir(), nil)
	repo := state.NewRepository(layout.DocsDir(), store, cache.New[*state.Snapshot](1, time.Minute), nil)
	return &Project{T: t, Root: root, Config: cfg, Layout: layout, Store: store, Repo: repo}
}

// FEAT100 returns the two-task spec used throughout the tests: Task-1 has no
// dependencies, Task-2 depends on Task-1.
func FEAT100() *model.SpecDocument {
	return &model.SpecDocument{
		ID:       "FEAT-100",
		Title:    "Checkout flow",
		Status:   model.SpecStatusBacklog,
		Priority: model.PriorityP1,
		Phase:    "build",
		Tasks: []model.Task{
			{ID: "Task-1", Title: "API", Capability: "backend", Status: model.TaskStatusReady, Effort: 2},
			{ID: "Task-2", Title: "Wire UI", Capability: "backend", Status: model.TaskStatusReady, Effort: 1,
				DependsOn: []string{"Task-1"},
				Subtasks: []model.Subtask{
					{ID: "s1", Title: "form"},
					{ID: "s2", Title: "submit"},
				}},
		},
		Body: []byte("\n# Checkout flow\n\nProse that only humans read.\n"),
	}
}

// DocPath returns where WriteDoc puts the document for specID.
func (p *Project) DocPath(specID string) string {
	return document.PathFor(p.Layout.DocsDir(), specID)
}

// WriteDoc renders doc to its canonical path with the given modification
// time, or the current time when at is zero.
func (p *Project) WriteDoc(doc *model.SpecDocument, at time.Time) string {
	p.T.Helper()
	content, err := document.Render(doc)
	require.NoError(p.T, err)
	path := p.DocPath(doc.ID)
	require.NoError(p.T, os.WriteFile(path, content, 0644))
	if !at.IsZero() {
		require.NoError(p.T, os.Chtimes(path, at, at))
	}
	p.Repo.Invalidate()
	return path
}

// WriteRecords saves the record projection of each doc, stamped at.
func (p *Project) WriteRecords(at time.Time, docs ...*model.SpecDocument) {
	p.T.Helper()
	prog, err := p.Store.LoadProgress()
	require.NoError(p.T, err)
	if prog.Specs == nil {
		prog.Specs = make(map[string]state.SpecRecord)
	}
	for _, d := range docs {
		c := d.Clone()
		c.Path = p.DocPath(d.ID)
		prog.Specs[d.ID] = state.RecordFromDocument(c, nil, at)
	}
	prog.UpdatedAt = at
	require.NoError(p.T, p.Store.SaveProgress(prog))
	p.Repo.Invalidate()
}

// Seed writes doc and its matching records, both stamped at.
func (p *Project) Seed(doc *model.SpecDocument, at time.Time) {
	p.T.Helper()
	p.WriteDoc(doc, at)
	p.WriteRecords(at, doc)
}

// ReadFile returns the content of path, failing the test on error.
func (p *Project) ReadFile(path string) []byte {
	p.T.Helper()
	content, err := os.ReadFile(path)
	require.NoError(p.T, err)
	return content
}

// Record returns the stored record for specID.
func (p *Project) Record(specID string) state.SpecRecord {
	p.T.Helper()
	prog, err := p.Store.LoadProgress()
	require.NoError(p.T, err)
	rec, ok := prog.Specs[specID]
	require.True(p.T, ok, "no record for %s", specID)
	return rec
}

// Doc loads the document for specID from disk.
func (p *Project) Doc(specID string) *model.SpecDocument {
	p.T.Helper()
	doc, err := document.Load(p.DocPath(specID))
	require.NoError(p.T, err)
	return doc
}

// ProgressPath is the record file path.
func (p *Project) ProgressPath() string {
	return filepath.Join(p.Layout.StateDir(), state.ProgressFile)
}
