package tracker

import (
	"context"
	"sort"

	"github.com/msageha/specsync/internal/consistency"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/state"
)

// GetProjectProgress aggregates every spec's task counts from the current
// documents.
func (t *Tracker) GetProjectProgress() model.Result[model.ProjectProgress] {
	snap, err := t.repo.Snapshot()
	if err != nil {
		return model.FailErr[model.ProjectProgress]("project progress", err)
	}
	out := model.ProjectProgress{
		ByStatus:   make(map[model.SpecStatus]int),
		ComputedAt: t.now().UTC(),
	}
	ids := make([]string, 0, len(snap.Docs))
	for id := range snap.Docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sp := specProgress(snap.Docs[id])
		out.Specs = append(out.Specs, sp)
		out.ByStatus[sp.Status]++
		out.Completed += sp.Completed
		out.InProgress += sp.InProgress
		out.Blocked += sp.Blocked
		out.Total += sp.Total
	}
	out.Finish()
	for _, r := range snap.Assignments.Active {
		if r.Status == model.AssignmentInProgress {
			out.ActiveCount++
		}
	}
	return model.Ok(out)
}

func (t *Tracker) GetSpecProgress(specID string) model.Result[model.SpecProgress] {
	snap, err := t.repo.Snapshot()
	if err != nil {
		return model.FailErr[model.SpecProgress]("spec progress", err)
	}
	doc, ok := snap.Docs[specID]
	if !ok {
		return model.Fail[model.SpecProgress](model.NewError(model.ErrKindNotFound, "spec progress", specID, "no document for "+specID))
	}
	return model.Ok(specProgress(doc))
}

func specProgress(doc *model.SpecDocument) model.SpecProgress {
	sp := model.SpecProgress{
		SpecID:   doc.ID,
		Title:    doc.Title,
		Status:   doc.Status,
		Priority: doc.Priority,
		Phase:    doc.Phase,
	}
	for i := range doc.Tasks {
		task := &doc.Tasks[i]
		sp.Add(task.Status)
		for _, sub := range task.Subtasks {
			sp.Subtasks.Total++
			if sub.Done {
				sp.Subtasks.Completed++
			}
		}
	}
	sp.Finish()
	sp.Subtasks.Finish()
	return sp
}

// GetCurrentAssignments lists in-progress assignments, for one worker when
// worker is set.
func (t *Tracker) GetCurrentAssignments(worker string) model.Result[[]model.AssignmentRecord] {
	snap, err := t.repo.Snapshot()
	if err != nil {
		return model.FailErr[[]model.AssignmentRecord]("current assignments", err)
	}
	out := []model.AssignmentRecord{}
	for _, r := range snap.Assignments.Active {
		if r.Status == model.AssignmentInProgress && (worker == "" || r.Worker == worker) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return model.Ok(out)
}

// GetHandoffs lists recorded handoffs, newest first, for one spec when
// specID is set.
func (t *Tracker) GetHandoffs(specID string) model.Result[[]model.HandoffRecord] {
	snap, err := t.repo.Snapshot()
	if err != nil {
		return model.FailErr[[]model.HandoffRecord]("handoffs", err)
	}
	out := []model.HandoffRecord{}
	for _, h := range snap.Handoffs.Handoffs {
		if specID == "" || h.SpecID == specID {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReadyAt.After(out[j].ReadyAt) })
	return model.Ok(out)
}

// GetCompletionHistory returns closed assignment records, newest first.
func (t *Tracker) GetCompletionHistory(ctx context.Context, q model.HistoryQuery) model.Result[[]model.AssignmentRecord] {
	if t.history != nil {
		recs, err := t.history.Completions(ctx, q)
		if err == nil {
			return model.Ok(recs)
		}
		t.logger.Warn("history index unavailable, scanning state", "error", err)
	}
	snap, err := t.repo.Snapshot()
	if err != nil {
		return model.FailErr[[]model.AssignmentRecord]("completion history", err)
	}
	return model.Ok(ScanHistory(snap.Assignments, q))
}

// ScanHistory applies q to the history held in a.
func ScanHistory(a state.Assignments, q model.HistoryQuery) []model.AssignmentRecord {
	out := []model.AssignmentRecord{}
	for i := len(a.History) - 1; i >= 0; i-- {
		r := a.History[i]
		if !q.Match(r) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// ValidateState checks every known entity and summarises the verdicts. It
// writes nothing.
func (t *Tracker) ValidateState(ctx context.Context) model.Result[consistency.Report] {
	rep, err := t.checker.CheckAll(ctx)
	if err != nil {
		return model.FailErr[consistency.Report]("validate state", err)
	}
	return model.Ok(rep)
}
