package arbiter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specsync/internal/consistency"
	"github.com/msageha/specsync/internal/events"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/syncer"
	"github.com/msageha/specsync/internal/testutil"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	*testutil.Project
	arb     *Arbiter
	audit   *events.AuditLogger
	notices []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := testutil.NewProject(t)
	audit, err := events.NewAuditLogger(p.Layout.AuditLogPath(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	f := &fixture{Project: p, audit: audit}
	sc := syncer.New(syncer.Options{Repo: p.Repo, Audit: audit})
	f.arb = New(Options{
		Syncer:  sc,
		Store:   p.Store,
		Backups: NewBackups(p.Layout.BackupsDir()),
		Config:  p.Config.Consistency,
		Audit:   audit,
		Notify: func(title, message string) error {
			f.notices = append(f.notices, title)
			return nil
		},
	})
	return f
}

func (f *fixture) verdict(specID string) model.ConsistencyVerdict {
	f.T.Helper()
	f.Repo.Invalidate()
	v, err := consistency.New(f.Repo, f.Config.Consistency, nil).CheckEntity(specID)
	require.NoError(f.T, err)
	return v
}

// structuralEdit leaves a 0.55 conflict: a dependency removed in the
// document an hour after the records were written.
func (f *fixture) structuralEdit() {
	doc := testutil.FEAT100()
	f.WriteRecords(base, doc)
	doc.Tasks[1].DependsOn = nil
	f.WriteDoc(doc, base.Add(time.Hour))
}

// simultaneousEdit leaves a 0.35 conflict: a title edited inside the
// recency tolerance.
func (f *fixture) simultaneousEdit() {
	doc := testutil.FEAT100()
	f.WriteRecords(base, doc)
	doc.Title = "Checkout v2"
	f.WriteDoc(doc, base.Add(500*time.Millisecond))
}

// escalations counts the audit entries that queued a conflict.
func (f *fixture) escalations() int {
	f.T.Helper()
	entries, err := events.ReadAudit(f.Layout.AuditLogPath())
	require.NoError(f.T, err)
	n := 0
	for _, e := range entries {
		if e.Outcome == "escalated" {
			n++
		}
	}
	return n
}

func TestArbitrate_RecencyResolvesAutomatically(t *testing.T) {
	f := newFixture(t)
	f.structuralEdit()
	v := f.verdict("FEAT-100")
	require.Equal(t, model.VerdictConflict, v.Status)

	cf, err := f.arb.Arbitrate(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, cf.State)
	require.NotNil(t, cf.Chosen)
	assert.Equal(t, model.StrategyRecency, cf.Chosen.Strategy)
	assert.True(t, cf.Chosen.Automatic)
	assert.Contains(t, cf.Chosen.Reasoning, "tasks.Task-2.depends_on")
	assert.Equal(t, "arbiter", cf.ResolvedBy)
	assert.NotEmpty(t, cf.BackupID)
	assert.FileExists(t, filepath.Join(f.Layout.BackupsDir(), cf.BackupID, manifestFile))

	assert.Empty(t, f.Record("FEAT-100").Task("Task-2").DependsOn)
	assert.Equal(t, model.VerdictConsistent, f.verdict("FEAT-100").Status)
	assert.Empty(t, f.notices)

	entries, err := events.ReadAudit(f.Layout.AuditLogPath())
	require.NoError(t, err)
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.Kind+":"+e.Outcome)
	}
	assert.Equal(t, []string{"transaction:committed", "resolution:resolved"}, kinds)

	meta, err := f.Store.LoadAudit()
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Resolutions)
}

func TestArbitrate_LowConfidenceQueuesWithoutWriting(t *testing.T) {
	f := newFixture(t)
	f.simultaneousEdit()
	docBefore := f.ReadFile(f.DocPath("FEAT-100"))
	recBefore := f.ReadFile(f.ProgressPath())

	cf, err := f.arb.Arbitrate(context.Background(), f.verdict("FEAT-100"))
	require.NoError(t, err)
	assert.Equal(t, model.ConflictPending, cf.State)
	assert.Nil(t, cf.Chosen)
	assert.NotEmpty(t, cf.Candidates)
	assert.Equal(t, docBefore, f.ReadFile(f.DocPath("FEAT-100")))
	assert.Equal(t, recBefore, f.ReadFile(f.ProgressPath()))
	assert.Equal(t, []string{"specsync: conflict on FEAT-100"}, f.notices)

	again, err := f.arb.Arbitrate(context.Background(), f.verdict("FEAT-100"))
	require.NoError(t, err)
	assert.Equal(t, cf.ID, again.ID, "a pending conflict is updated, not duplicated")
	assert.Len(t, f.notices, 1)
	assert.Equal(t, 1, f.escalations(), "an unchanged conflict is audited once")

	pending, err := f.arb.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, cf.ID, pending[0].ID)
}

func TestResolveManual(t *testing.T) {
	f := newFixture(t)
	f.simultaneousEdit()
	cf, err := f.arb.Arbitrate(context.Background(), f.verdict("FEAT-100"))
	require.NoError(t, err)

	got, err := f.arb.ResolveManual(context.Background(), cf.ID, model.SideRecord, "tracker is right")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, got.State)
	assert.Equal(t, "manual", got.ResolvedBy)
	assert.Equal(t, "manual: tracker is right", got.Chosen.Reasoning)
	assert.Equal(t, "Checkout flow", f.Doc("FEAT-100").Title)
	assert.Equal(t, model.VerdictConsistent, f.verdict("FEAT-100").Status)

	pending, err := f.arb.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.arb.ResolveManual(context.Background(), cf.ID, model.SideRecord, "")
	assert.True(t, errors.Is(err, model.ErrInvalid))
	_, err = f.arb.ResolveManual(context.Background(), "cf_missing", model.SideRecord, "")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	_, err = f.arb.ResolveManual(context.Background(), cf.ID, model.Side("both"), "")
	assert.True(t, errors.Is(err, model.ErrInvalid))
}

func TestRollback_RestoresPreResolutionFiles(t *testing.T) {
	f := newFixture(t)
	f.structuralEdit()
	docBefore := f.ReadFile(f.DocPath("FEAT-100"))
	recBefore := f.Record("FEAT-100")

	cf, err := f.arb.Arbitrate(context.Background(), f.verdict("FEAT-100"))
	require.NoError(t, err)
	require.Empty(t, f.Record("FEAT-100").Task("Task-2").DependsOn)

	rolled, err := f.arb.Rollback(context.Background(), cf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictRolledBack, rolled.State)
	assert.Equal(t, docBefore, f.ReadFile(f.DocPath("FEAT-100")))
	assert.Equal(t, recBefore, f.Record("FEAT-100"))

	_, err = f.arb.Rollback(context.Background(), cf.ID)
	assert.True(t, errors.Is(err, model.ErrInvalid))
}

func TestRollback_LeavesOtherSpecsAlone(t *testing.T) {
	f := newFixture(t)
	other := testutil.FEAT100()
	other.ID = "FEAT-200"
	f.Seed(other, base)
	f.structuralEdit()
	recBefore := f.Record("FEAT-100")

	cf, err := f.arb.Arbitrate(context.Background(), f.verdict("FEAT-100"))
	require.NoError(t, err)
	require.Equal(t, model.ConflictResolved, cf.State)

	// FEAT-200 moves on after the backup was taken
	other.Tasks[0].Status = model.TaskStatusInProgress
	other.Tasks[0].Assignee = "backend"
	f.WriteRecords(base.Add(2*time.Hour), other)

	_, err = f.arb.Rollback(context.Background(), cf.ID)
	require.NoError(t, err)

	assert.Equal(t, recBefore, f.Record("FEAT-100"))
	got := f.Record("FEAT-200").Task("Task-1")
	assert.Equal(t, model.TaskStatusInProgress, got.Status)
	assert.Equal(t, "backend", got.Assignee)
}

func TestArbitrate_ChangedConflictIsAuditedAgain(t *testing.T) {
	f := newFixture(t)
	f.simultaneousEdit()
	cf, err := f.arb.Arbitrate(context.Background(), f.verdict("FEAT-100"))
	require.NoError(t, err)

	doc := f.Doc("FEAT-100")
	doc.Title = "Checkout v3"
	f.WriteDoc(doc, base.Add(time.Second))
	again, err := f.arb.Arbitrate(context.Background(), f.verdict("FEAT-100"))
	require.NoError(t, err)
	assert.Equal(t, cf.ID, again.ID)
	assert.Equal(t, "Checkout v3", again.Verdict.Divergences[0].DocumentValue)
	assert.Equal(t, 2, f.escalations())
	assert.Len(t, f.notices, 1)

	pending, err := f.arb.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Checkout v3", pending[0].Verdict.Divergences[0].DocumentValue)
}

func TestRollback_CorruptBackup(t *testing.T) {
	f := newFixture(t)
	f.structuralEdit()
	cf, err := f.arb.Arbitrate(context.Background(), f.verdict("FEAT-100"))
	require.NoError(t, err)
	after := f.ReadFile(f.ProgressPath())

	m, _, err := f.arb.backups.Load(cf.BackupID)
	require.NoError(t, err)
	for _, bf := range m.Files {
		if bf.Existed {
			path := filepath.Join(f.Layout.BackupsDir(), cf.BackupID, bf.Name)
			require.NoError(t, os.WriteFile(path, []byte("tampered"), 0644))
			break
		}
	}

	_, err = f.arb.Rollback(context.Background(), cf.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackupCorrupt))
	assert.Equal(t, after, f.ReadFile(f.ProgressPath()))
}

func TestSettle(t *testing.T) {
	f := newFixture(t)
	f.simultaneousEdit()
	_, err := f.arb.Arbitrate(context.Background(), f.verdict("FEAT-100"))
	require.NoError(t, err)

	ok, err := f.arb.Settle("FEAT-100", "document edited back")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.arb.Settle("FEAT-100", "again")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := f.arb.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "external", all[0].ResolvedBy)
}

func TestAutomatic_PrecedenceStrategy(t *testing.T) {
	f := newFixture(t)
	v := model.ConsistencyVerdict{
		Entity:     model.EntityRef{SpecID: "FEAT-100", TaskID: "Task-1"},
		Status:     model.VerdictConflict,
		Confidence: 0.6,
		Source:     model.SideDocument,
		Divergences: []model.Divergence{{
			Field: "tasks.Task-1.status", DocumentValue: "in_progress", RecordValue: "complete",
			Winner: model.SideRecord, Rule: "precedence",
		}},
	}
	res, ok := f.arb.automatic(v)
	require.True(t, ok)
	assert.Equal(t, model.StrategyPrecedence, res.Strategy)
	assert.Equal(t, model.SideRecord, res.WinnerFor("tasks.Task-1.status"))
	assert.Contains(t, res.Reasoning, `"complete" outranks "in_progress"`)

	v.Divergences[0].Rule = ""
	_, ok = f.arb.automatic(v)
	assert.False(t, ok)
}

func TestAutomatic_SimpleFieldKeepsNewerSide(t *testing.T) {
	f := newFixture(t)
	v := model.ConsistencyVerdict{
		Entity:     model.EntityRef{SpecID: "FEAT-100"},
		Status:     model.VerdictConflict,
		Confidence: 0.55,
		Source:     model.SideDocument,
		Divergences: []model.Divergence{
			{Field: "tasks.Task-1.assignee", DocumentValue: "frontend", Winner: model.SideDocument, Rule: "newer"},
			{Field: "tasks.Task-2.depends_on", RecordValue: "Task-1", Winner: model.SideDocument, Rule: "recency"},
		},
	}
	res, ok := f.arb.automatic(v)
	require.True(t, ok)
	assert.Equal(t, model.StrategyRecency, res.Strategy)
	assert.Equal(t, model.SideDocument, res.WinnerFor("tasks.Task-1.assignee"))
	assert.Contains(t, res.Reasoning, "tasks.Task-1.assignee")
}

func TestCandidates(t *testing.T) {
	v := model.ConsistencyVerdict{
		Source:            model.SideRecord,
		DocumentWrittenAt: base,
		RecordWrittenAt:   base.Add(time.Minute),
		Divergences: []model.Divergence{
			{Field: "status", DocumentValue: "active", RecordValue: "done"},
			{Field: "title", DocumentValue: "a", RecordValue: "b"},
		},
	}
	got := Candidates(v, 2*time.Second)
	require.Len(t, got, 4)
	assert.Equal(t, model.StrategyRecency, got[0].Strategy)
	assert.Equal(t, model.SideRecord, got[0].Winner)
	assert.Equal(t, "record written 1m0s later", got[0].Reasoning)
	assert.Equal(t, model.StrategyPrecedence, got[1].Strategy)
	assert.Equal(t, map[string]model.Side{"status": model.SideRecord}, got[1].PerField)
	assert.Equal(t, model.SideDocument, got[2].Winner)
	assert.Equal(t, model.SideRecord, got[3].Winner)
}
