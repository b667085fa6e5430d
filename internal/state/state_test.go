package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specsync/internal/cache"
	"github.com/msageha/specsync/internal/document"
	"github.com/msageha/specsync/internal/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	syncDir := t.TempDir()
	stateDir := filepath.Join(syncDir, "state")
	require.NoError(t, os.MkdirAll(stateDir, 0755))
	return NewStore(stateDir, syncDir, nil)
}

func sampleDoc() *model.SpecDocument {
	return &model.SpecDocument{
		ID: "FEAT-100", Title: "Checkout", Status: model.SpecStatusBacklog, Priority: model.PriorityP1,
		Tasks: []model.Task{
			{ID: "Task-1", Status: model.TaskStatusReady, Capability: "backend"},
			{ID: "Task-2", Status: model.TaskStatusReady, Capability: "backend", DependsOn: []string{"Task-1"}},
		},
	}
}

func TestStore_MissingFilesLoadEmpty(t *testing.T) {
	s := newStore(t)
	p, err := s.LoadProgress()
	require.NoError(t, err)
	assert.NotNil(t, p.Specs)
	a, err := s.LoadAssignments()
	require.NoError(t, err)
	assert.Empty(t, a.Active)
}

func TestStore_SaveLoadAssignments(t *testing.T) {
	s := newStore(t)
	rec := model.AssignmentRecord{SpecID: "FEAT-100", TaskID: "Task-1", Worker: "backend", Status: model.AssignmentInProgress}
	require.NoError(t, s.SaveAssignments(Assignments{Active: []model.AssignmentRecord{rec}}))

	got, err := s.LoadAssignments()
	require.NoError(t, err)
	r, _, ok := got.ActiveFor(rec.Key())
	require.True(t, ok)
	assert.Equal(t, "backend", r.Worker)
	assert.Equal(t, 1, got.CountFor("backend"))
}

func TestStore_CorruptFileFallsBackToLastKnownGood(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveHandoffs(Handoffs{Handoffs: []model.HandoffRecord{{ID: "hnd_1", ToTask: "Task-2"}}}))
	_, err := s.LoadHandoffs()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.Path(HandoffsFile), []byte("{not json"), 0644))

	h, err := s.LoadHandoffs()
	require.NoError(t, err)
	require.Len(t, h.Handoffs, 1)
	assert.Equal(t, "Task-2", h.Handoffs[0].ToTask)
	assert.EqualValues(t, 1, s.Fallbacks())
}

func TestStore_CorruptWithoutSnapshotErrors(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.Path(ProgressFile), []byte("{"), 0644))
	_, err := s.LoadProgress()
	assert.Error(t, err)
}

func TestStore_RecoverQuarantinesAndRestoresBackup(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.Path(AssignmentsFile)+".bak", []byte(`{"schema_version":1,"active":[],"history":[{"spec_id":"FEAT-1","task_id":"a","worker":"w","status":"complete","started_at":"2026-01-01T00:00:00Z","priority":"P1"}]}`), 0644))
	require.NoError(t, os.WriteFile(s.Path(AssignmentsFile), []byte("garbage"), 0644))
	require.NoError(t, os.WriteFile(s.Path(ConflictsFile), []byte("garbage"), 0644))

	recovered, err := s.Recover()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{AssignmentsFile, ConflictsFile}, recovered)

	a, err := s.LoadAssignments()
	require.NoError(t, err)
	assert.Len(t, a.History, 1)

	c, err := s.LoadConflicts()
	require.NoError(t, err)
	assert.Empty(t, c.Conflicts)

	q, err := filepath.Glob(filepath.Join(filepath.Dir(s.Dir()), "quarantine", "*.corrupt"))
	require.NoError(t, err)
	assert.Len(t, q, 2)
}

func TestRecordFromDocument_PreservesUnchangedTimestamps(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	doc := sampleDoc()

	first := RecordFromDocument(doc, nil, t0)
	assert.Equal(t, t0, first.UpdatedAt)

	same := RecordFromDocument(doc, &first, t1)
	assert.Equal(t, t0, same.UpdatedAt)
	assert.Equal(t, t0, same.Tasks[1].UpdatedAt)

	doc.Tasks[1].Status = model.TaskStatusInProgress
	changed := RecordFromDocument(doc, &first, t1)
	assert.Equal(t, t1, changed.UpdatedAt)
	assert.Equal(t, t0, changed.Tasks[0].UpdatedAt)
	assert.Equal(t, t1, changed.Tasks[1].UpdatedAt)
	assert.Equal(t, t1, changed.WrittenAt("Task-2"))
}

func TestRecordDocumentViewRoundTrip(t *testing.T) {
	doc := sampleDoc()
	rec := RecordFromDocument(doc, nil, time.Now())
	assert.Empty(t, document.Diff(doc, rec.Document()))
}

func writeDoc(t *testing.T, dir string, doc *model.SpecDocument) {
	t.Helper()
	content, err := document.Render(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, doc.ID+".md"), content, 0644))
}

func TestRepository_SnapshotCachedAndInvalidated(t *testing.T) {
	s := newStore(t)
	docsDir := t.TempDir()
	writeDoc(t, docsDir, sampleDoc())

	repo := NewRepository(docsDir, s, cache.New[*Snapshot](4, time.Minute), nil)
	snap1, err := repo.Snapshot()
	require.NoError(t, err)
	snap2, err := repo.Snapshot()
	require.NoError(t, err)
	assert.Same(t, snap1, snap2)

	repo.Invalidate()
	snap3, err := repo.Snapshot()
	require.NoError(t, err)
	assert.NotSame(t, snap1, snap3)
	assert.Equal(t, []string{"FEAT-100"}, snap3.SpecIDs())
}

func TestRepository_BrokenDocumentUsesLastKnownGood(t *testing.T) {
	s := newStore(t)
	docsDir := t.TempDir()
	writeDoc(t, docsDir, sampleDoc())
	repo := NewRepository(docsDir, s, nil, nil)

	_, err := repo.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "FEAT-100.md"), []byte("---\nid: [\n---\n"), 0644))
	snap, err := repo.Load()
	require.NoError(t, err)
	assert.Len(t, snap.DocErrors, 1)
	require.Contains(t, snap.Docs, "FEAT-100")
	assert.Equal(t, "Checkout", snap.Docs["FEAT-100"].Title)

	_, err = repo.Doc("NOPE-001")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
