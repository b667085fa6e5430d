package consistency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/testutil"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newChecker(p *testutil.Project) *Checker {
	return New(p.Repo, p.Config.Consistency, nil)
}

func TestCheckEntity_Consistent(t *testing.T) {
	p := testutil.NewProject(t)
	p.Seed(testutil.FEAT100(), base)

	v, err := newChecker(p).CheckEntity("FEAT-100")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictConsistent, v.Status)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Empty(t, v.Divergences)
	assert.Equal(t, []string{p.DocPath("FEAT-100"), p.ProgressPath()}, v.Files)
}

func TestCheckEntity_NewerDocumentSimpleFieldAutoRepairs(t *testing.T) {
	p := testutil.NewProject(t)
	doc := testutil.FEAT100()
	p.WriteRecords(base, doc)
	doc.Tasks[0].Status = model.TaskStatusInProgress
	doc.Tasks[0].Assignee = "backend"
	p.WriteDoc(doc, base.Add(time.Minute))

	v, err := newChecker(p).CheckEntity("FEAT-100")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAutoRepaired, v.Status)
	assert.InDelta(t, 1.0, v.Confidence, 1e-9)
	assert.Equal(t, model.SideDocument, v.Source)
	assert.Equal(t, "Task-1", v.Entity.TaskID)
	assert.Equal(t, []string{"tasks.Task-1.assignee", "tasks.Task-1.status"}, Fields(v))
	for _, d := range v.Divergences {
		assert.Equal(t, model.SideDocument, d.Winner)
		assert.Equal(t, "recency", d.Rule)
	}
}

func TestCheckEntity_NewerRecordWins(t *testing.T) {
	p := testutil.NewProject(t)
	doc := testutil.FEAT100()
	p.WriteDoc(doc, base)
	rec := doc.Clone()
	rec.Tasks[1].Subtasks[0].Done = true
	p.WriteRecords(base.Add(time.Hour), rec)

	v, err := newChecker(p).CheckEntity("FEAT-100")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAutoRepaired, v.Status)
	require.Len(t, v.Divergences, 1)
	d := v.Divergences[0]
	assert.Equal(t, "tasks.Task-2.subtasks.s1.done", d.Field)
	assert.Equal(t, "false", d.DocumentValue)
	assert.Equal(t, "true", d.RecordValue)
	assert.Equal(t, model.SideRecord, d.Winner)
}

func TestCheckEntity_SimultaneousSimpleEditGoesToNewerSide(t *testing.T) {
	p := testutil.NewProject(t)
	doc := testutil.FEAT100()
	p.WriteRecords(base, doc)
	doc.Tasks[0].Assignee = "frontend"
	p.WriteDoc(doc, base.Add(500*time.Millisecond))

	v, err := newChecker(p).CheckEntity("FEAT-100")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAutoRepaired, v.Status)
	assert.InDelta(t, BaseSimple, v.Confidence, 1e-9)
	assert.GreaterOrEqual(t, v.Confidence, p.Config.Consistency.AutoRepairThreshold)
	require.Len(t, v.Divergences, 1)
	assert.Equal(t, "newer", v.Divergences[0].Rule)
	assert.Equal(t, model.SideDocument, v.Divergences[0].Winner)
}

func TestCheckEntity_SimultaneousMetadataEditConflicts(t *testing.T) {
	p := testutil.NewProject(t)
	doc := testutil.FEAT100()
	p.WriteRecords(base, doc)
	doc.Title = "Checkout v2"
	p.WriteDoc(doc, base.Add(500*time.Millisecond))

	v, err := newChecker(p).CheckEntity("FEAT-100")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictConflict, v.Status)
	assert.InDelta(t, BaseMetadata, v.Confidence, 1e-9)
	require.Len(t, v.Divergences, 1)
	assert.Equal(t, "title", v.Divergences[0].Field)
	assert.Empty(t, v.Divergences[0].Rule)
	// within tolerance the later write still names the preferred side
	assert.Equal(t, model.SideDocument, v.Divergences[0].Winner)
}

func TestCheckEntity_StructuralFieldIsLowConfidence(t *testing.T) {
	p := testutil.NewProject(t)
	doc := testutil.FEAT100()
	p.WriteRecords(base, doc)
	doc.Tasks[1].DependsOn = nil
	p.WriteDoc(doc, base.Add(time.Hour))

	v, err := newChecker(p).CheckEntity("FEAT-100")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictConflict, v.Status)
	assert.InDelta(t, BaseStructural+RecencyBonus, v.Confidence, 1e-9)
	assert.GreaterOrEqual(t, v.Confidence, p.Config.Consistency.ArbitrationThreshold)
}

func TestCheckEntity_PrecedenceDecidesConcurrentCompletion(t *testing.T) {
	p := testutil.NewProject(t)
	doc := testutil.FEAT100()
	p.WriteDoc(doc, base)
	rec := doc.Clone()
	rec.Tasks[0].Status = model.TaskStatusComplete
	p.WriteRecords(base.Add(time.Second), rec)

	v, err := newChecker(p).CheckEntity("FEAT-100")
	require.NoError(t, err)
	require.Len(t, v.Divergences, 1)
	d := v.Divergences[0]
	assert.Equal(t, "precedence", d.Rule)
	assert.Equal(t, model.SideRecord, d.Winner)
	assert.Equal(t, model.VerdictAutoRepaired, v.Status)
}

func TestCheckEntity_RecencyOverridesPrecedence(t *testing.T) {
	p := testutil.NewProject(t)
	doc := testutil.FEAT100()
	rec := doc.Clone()
	rec.Tasks[0].Status = model.TaskStatusComplete
	p.WriteRecords(base, rec)
	doc.Tasks[0].Status = model.TaskStatusBlocked
	p.WriteDoc(doc, base.Add(time.Hour))

	v, err := newChecker(p).CheckEntity("FEAT-100")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAutoRepaired, v.Status)
	require.Len(t, v.Divergences, 1)
	d := v.Divergences[0]
	assert.Equal(t, "recency", d.Rule)
	assert.Equal(t, model.SideDocument, d.Winner)
	assert.InDelta(t, 1.0, v.Confidence, 1e-9)
}

func TestCheckEntity_PrecedenceDecidesOnlyWithinTolerance(t *testing.T) {
	p := testutil.NewProject(t)
	doc := testutil.FEAT100()
	rec := doc.Clone()
	rec.Tasks[0].Status = model.TaskStatusComplete
	p.WriteRecords(base, rec)
	doc.Tasks[0].Status = model.TaskStatusBlocked
	p.WriteDoc(doc, base.Add(time.Second))

	v, err := newChecker(p).CheckEntity("FEAT-100")
	require.NoError(t, err)
	require.Len(t, v.Divergences, 1)
	assert.Equal(t, "precedence", v.Divergences[0].Rule)
	assert.Equal(t, model.SideRecord, v.Divergences[0].Winner)
}

func TestCheckEntity_MissingRecordIsCreated(t *testing.T) {
	p := testutil.NewProject(t)
	p.WriteDoc(testutil.FEAT100(), base)

	v, err := newChecker(p).CheckEntity("FEAT-100")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAutoRepaired, v.Status)
	assert.Equal(t, model.SideRecord, v.Missing)
	require.Len(t, v.Divergences, 1)
	assert.Equal(t, "spec", v.Divergences[0].Field)
	assert.Equal(t, "create", v.Divergences[0].Rule)
}

func TestCheckEntity_MissingDocumentWithUnknownTimeGoesManual(t *testing.T) {
	p := testutil.NewProject(t)
	p.WriteRecords(base, testutil.FEAT100())

	v, err := newChecker(p).CheckEntity("FEAT-100")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictConflict, v.Status)
	assert.Equal(t, model.SideDocument, v.Missing)
	assert.InDelta(t, BaseStructural, v.Confidence, 1e-9)
}

func TestCheck_ObservedDeletion(t *testing.T) {
	p := testutil.NewProject(t)
	p.Seed(testutil.FEAT100(), base)
	path := p.DocPath("FEAT-100")
	require.NoError(t, os.Remove(path))

	cl := model.Classification{
		Event:   model.ChangeEvent{Path: path, Kind: model.ChangeDelete, DiscoveredAt: base.Add(time.Hour)},
		Kind:    model.ClassDeleted,
		Side:    model.SideDocument,
		SpecIDs: []string{"FEAT-100"},
	}
	vs, err := newChecker(p).Check(context.Background(), cl)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	v := vs[0]
	assert.Equal(t, model.SideDocument, v.Missing)
	assert.Equal(t, model.SideDocument, v.Divergences[0].Winner)
	assert.InDelta(t, BaseStructural+RecencyBonus, v.Confidence, 1e-9)
}

func TestCheck_IgnoresParseErrorsAndUnchanged(t *testing.T) {
	p := testutil.NewProject(t)
	c := newChecker(p)
	for _, kind := range []model.ClassificationKind{model.ClassParseError, model.ClassUnchanged} {
		vs, err := c.Check(context.Background(), model.Classification{Kind: kind, Side: model.SideDocument, SpecIDs: []string{"FEAT-100"}})
		require.NoError(t, err)
		assert.Empty(t, vs)
	}
}

func TestCheckAll_Report(t *testing.T) {
	p := testutil.NewProject(t)
	p.Seed(testutil.FEAT100(), base)

	other := testutil.FEAT100()
	other.ID = "BUG-001"
	p.WriteRecords(base, other)
	other.Title = "Renamed"
	p.WriteDoc(other, base.Add(time.Hour))

	require.NoError(t, os.WriteFile(p.DocPath("FEAT-999"), []byte("no front matter"), 0644))
	p.Repo.Invalidate()

	rep, err := newChecker(p).CheckAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Verdicts, 2)
	assert.Equal(t, 1, rep.Consistent)
	assert.Equal(t, 1, rep.Conflicts) // metadata + recency is 0.70
	assert.Len(t, rep.DocErrors, 1)
	assert.False(t, rep.OK())
	require.Len(t, rep.Inconsistent(), 1)
	assert.Equal(t, "BUG-001", rep.Inconsistent()[0].Entity.SpecID)
}

func TestCheckAll_Cancelled(t *testing.T) {
	p := testutil.NewProject(t)
	p.Seed(testutil.FEAT100(), base)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newChecker(p).CheckAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScore_Bounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cat := rapid.SampledFrom([]model.FieldCategory{model.CategorySimple, model.CategoryMetadata, model.CategoryStructural}).Draw(t, "cat")
		recency := rapid.Bool().Draw(t, "recency")
		precedence := rapid.Bool().Draw(t, "precedence")
		s := Score(cat, recency, precedence)
		if s < 0 || s > 1 {
			t.Fatalf("score %v out of range", s)
		}
		if s < Base(cat) {
			t.Fatalf("score %v below base %v", s, Base(cat))
		}
	})
}

func TestScore_Rubric(t *testing.T) {
	cfg := model.DefaultConfig().Consistency
	assert.GreaterOrEqual(t, Score(model.CategorySimple, true, false), cfg.AutoRepairThreshold)
	assert.GreaterOrEqual(t, Score(model.CategorySimple, false, false), cfg.AutoRepairThreshold)
	assert.Less(t, Score(model.CategoryMetadata, false, false), cfg.ArbitrationThreshold)
	assert.Less(t, Score(model.CategoryMetadata, true, false), cfg.AutoRepairThreshold)
	assert.Less(t, Score(model.CategoryStructural, true, false), cfg.AutoRepairThreshold)
	assert.GreaterOrEqual(t, Score(model.CategoryStructural, true, false), cfg.ArbitrationThreshold)
	assert.GreaterOrEqual(t, Score(model.CategoryStructural, true, true), cfg.AutoRepairThreshold)
}

func TestRecencyWinner(t *testing.T) {
	tol := 2 * time.Second
	side, ok := RecencyWinner(base.Add(3*time.Second), base, tol)
	assert.True(t, ok)
	assert.Equal(t, model.SideDocument, side)

	side, ok = RecencyWinner(base, base.Add(3*time.Second), tol)
	assert.True(t, ok)
	assert.Equal(t, model.SideRecord, side)

	_, ok = RecencyWinner(base, base.Add(tol), tol)
	assert.False(t, ok)
	_, ok = RecencyWinner(time.Time{}, base, tol)
	assert.False(t, ok)
}

func TestPrecedenceWinner(t *testing.T) {
	tests := []struct {
		field, doc, rec string
		want            model.Side
		ok              bool
	}{
		{"status", "done", "active", model.SideDocument, true},
		{"status", "backlog", "cancelled", model.SideRecord, true},
		{"status", "done", "cancelled", "", false},
		{"tasks.Task-1.status", "in_progress", "complete", model.SideRecord, true},
		{"tasks.Task-1.status", "ready", "blocked", "", false},
		{"tasks.Task-1.assignee", "a", "b", "", false},
		{"tasks.Task-1.subtasks.s1.done", "true", "false", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.field+"/"+tt.doc+"/"+tt.rec, func(t *testing.T) {
			side, ok := PrecedenceWinner(tt.field, tt.doc, tt.rec)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, side)
		})
	}
}
