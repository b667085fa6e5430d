// Package tracker is the authoritative API for work assignments and
// progress. Every mutation is one sync transaction over the spec document,
// its record and the assignment state; reads are recomputed from the current
// snapshot.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/specsync/internal/consistency"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/state"
	"github.com/msageha/specsync/internal/syncer"
)

// History serves closed assignment records faster than scanning
// assignments.json.
type History interface {
	Completions(ctx context.Context, q model.HistoryQuery) ([]model.AssignmentRecord, error)
}

type Options struct {
	Syncer  *syncer.Coordinator
	Repo    *state.Repository
	Checker *consistency.Checker
	// History is optional; without it history queries scan the state file.
	History History
	Logger  *slog.Logger
	// OnClose is called with every assignment record that leaves the active
	// set, after its transaction committed.
	OnClose func(model.AssignmentRecord)
}

type Tracker struct {
	syncer  *syncer.Coordinator
	repo    *state.Repository
	checker *consistency.Checker
	history History
	logger  *slog.Logger
	onClose func(model.AssignmentRecord)
	now     func() time.Time
}

func New(opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		syncer:  opts.Syncer,
		repo:    opts.Repo,
		checker: opts.Checker,
		history: opts.History,
		logger:  opts.Logger,
		onClose: opts.OnClose,
		now:     time.Now,
	}
}

type AssignOptions struct {
	Notes string
	// MaxActive rejects the assignment with capacity_exceeded when the
	// worker already holds this many tasks. Zero disables the check.
	MaxActive int
}

// AssignTask claims a ready task for worker. Exactly one of any number of
// concurrent claims on the same task succeeds; the rest fail with
// assignment_conflict.
func (t *Tracker) AssignTask(ctx context.Context, specID, taskID, worker string, opts AssignOptions) model.Result[model.AssignmentRecord] {
	const op = "assign task"
	key := model.AssignmentKey{SpecID: specID, TaskID: taskID}
	if worker == "" {
		return model.Fail[model.AssignmentRecord](model.NewError(model.ErrKindInvalid, op, key.String(), "worker is required"))
	}

	var rec model.AssignmentRecord
	_, err := t.syncer.Apply(ctx, syncer.Mutation{
		SpecID: specID,
		TaskID: taskID,
		Reason: fmt.Sprintf("assign %s to %s", key, worker),
		Mutate: func(doc *model.SpecDocument, st *syncer.MutableState) error {
			task, err := lookup(op, doc, key)
			if err != nil {
				return err
			}
			if held, _, ok := st.Assignments.ActiveFor(key); ok {
				return model.NewError(model.ErrKindAssignmentConflict, op, key.String(), "already assigned to "+held.Worker)
			}
			if task.Status == model.TaskStatusInProgress {
				return model.NewError(model.ErrKindAssignmentConflict, op, key.String(), "task is already in progress")
			}
			if err := model.ValidateTaskTransition(task.Status, model.TaskStatusInProgress); err != nil {
				return model.WrapError(model.ErrKindInvalid, op, key.String(), err)
			}
			if unmet := unmetDeps(doc, task); len(unmet) > 0 {
				return model.NewError(model.ErrKindDependencyViolation, op, key.String(), fmt.Sprintf("unmet dependencies: %v", unmet))
			}
			if opts.MaxActive > 0 && st.Assignments.CountFor(worker) >= opts.MaxActive {
				return model.NewError(model.ErrKindCapacityExceeded, op, worker,
					fmt.Sprintf("%s already holds %d task(s)", worker, st.Assignments.CountFor(worker)))
			}
			if doc.Status == model.SpecStatusBacklog {
				doc.Status = model.SpecStatusActive
			} else if doc.Status != model.SpecStatusActive {
				return model.NewError(model.ErrKindInvalid, op, specID, "spec is "+string(doc.Status))
			}

			task.Status = model.TaskStatusInProgress
			task.Assignee = worker
			rec = model.AssignmentRecord{
				SpecID:     specID,
				TaskID:     taskID,
				Worker:     worker,
				Capability: task.Capability,
				StartedAt:  t.now().UTC(),
				Status:     model.AssignmentInProgress,
				Priority:   doc.Priority,
				Effort:     task.Effort,
				Notes:      opts.Notes,
			}
			st.Assignments.Active = append(st.Assignments.Active, rec)
			return nil
		},
	})
	if err != nil {
		return model.FailErr[model.AssignmentRecord](op, err)
	}
	t.logger.Info("task assigned", "task", key.String(), "worker", worker)
	return model.Ok(rec)
}

type CompleteOptions struct {
	Notes string
}

// Completion is the outcome of CompleteTask.
type Completion struct {
	Record   model.AssignmentRecord `json:"record"`
	Handoffs []model.HandoffRecord  `json:"handoffs,omitempty"`
	// SpecDone reports that this was the spec's last open task.
	SpecDone bool `json:"spec_done"`
}

// CompleteTask closes the in-progress assignment for a task, marks the task
// complete in both representations and records a handoff for every task it
// unblocked.
func (t *Tracker) CompleteTask(ctx context.Context, specID, taskID string, opts CompleteOptions) model.Result[Completion] {
	const op = "complete task"
	key := model.AssignmentKey{SpecID: specID, TaskID: taskID}

	var out Completion
	_, err := t.syncer.Apply(ctx, syncer.Mutation{
		SpecID: specID,
		TaskID: taskID,
		Reason: "complete " + key.String(),
		Mutate: func(doc *model.SpecDocument, st *syncer.MutableState) error {
			task, err := lookup(op, doc, key)
			if err != nil {
				return err
			}
			rec, i, ok := st.Assignments.ActiveFor(key)
			if !ok {
				return model.NewError(model.ErrKindNotFound, op, key.String(), "no in-progress assignment")
			}
			if err := model.ValidateTaskTransition(task.Status, model.TaskStatusComplete); err != nil {
				return model.WrapError(model.ErrKindInvalid, op, key.String(), err)
			}

			now := t.now().UTC()
			task.Status = model.TaskStatusComplete
			task.Progress = 100
			rec.Status = model.AssignmentComplete
			rec.CompletedAt = &now
			rec.DurationSec = now.Sub(rec.StartedAt).Seconds()
			if opts.Notes != "" {
				rec.Notes = opts.Notes
			}
			st.Assignments.Active = append(st.Assignments.Active[:i], st.Assignments.Active[i+1:]...)
			st.Assignments.History = append(st.Assignments.History, rec)

			if allComplete(doc) && doc.Status == model.SpecStatusActive {
				doc.Status = model.SpecStatusDone
				out.SpecDone = true
			}
			out.Record = rec
			out.Handoffs = detectHandoffs(doc, task, rec, now)
			st.Handoffs.Handoffs = append(st.Handoffs.Handoffs, out.Handoffs...)
			return nil
		},
	})
	if err != nil {
		return model.FailErr[Completion](op, err)
	}
	t.closed(out.Record)
	t.logger.Info("task completed",
		"task", key.String(), "worker", out.Record.Worker,
		"duration", time.Duration(out.Record.DurationSec*float64(time.Second)),
		"handoffs", len(out.Handoffs), "spec_done", out.SpecDone)
	return model.Ok(out)
}

// ReleaseTask returns an in-progress task to ready and closes its
// assignment as released.
func (t *Tracker) ReleaseTask(ctx context.Context, specID, taskID, reason string) model.Result[model.AssignmentRecord] {
	const op = "release task"
	key := model.AssignmentKey{SpecID: specID, TaskID: taskID}

	var rec model.AssignmentRecord
	_, err := t.syncer.Apply(ctx, syncer.Mutation{
		SpecID: specID,
		TaskID: taskID,
		Reason: "release " + key.String(),
		Mutate: func(doc *model.SpecDocument, st *syncer.MutableState) error {
			task, err := lookup(op, doc, key)
			if err != nil {
				return err
			}
			held, i, ok := st.Assignments.ActiveFor(key)
			if !ok {
				return model.NewError(model.ErrKindNotFound, op, key.String(), "no in-progress assignment")
			}
			if err := model.ValidateTaskTransition(task.Status, model.TaskStatusReady); err != nil {
				return model.WrapError(model.ErrKindInvalid, op, key.String(), err)
			}
			now := t.now().UTC()
			task.Status = model.TaskStatusReady
			task.Assignee = ""
			held.Status = model.AssignmentReleased
			held.CompletedAt = &now
			held.DurationSec = now.Sub(held.StartedAt).Seconds()
			if reason != "" {
				held.Notes = reason
			}
			st.Assignments.Active = append(st.Assignments.Active[:i], st.Assignments.Active[i+1:]...)
			st.Assignments.History = append(st.Assignments.History, held)
			rec = held
			return nil
		},
	})
	if err != nil {
		return model.FailErr[model.AssignmentRecord](op, err)
	}
	t.closed(rec)
	t.logger.Info("task released", "task", key.String(), "worker", rec.Worker)
	return model.Ok(rec)
}

// SubtaskProgress reports a task's subtask completion after a change.
type SubtaskProgress struct {
	SpecID   string `json:"spec_id"`
	TaskID   string `json:"task_id"`
	Done     int    `json:"done"`
	Total    int    `json:"total"`
	Progress int    `json:"progress"`
}

// CompleteSubtask marks one subtask done and derives the task's progress
// from its subtasks. Completing an already done subtask changes nothing.
func (t *Tracker) CompleteSubtask(ctx context.Context, specID, taskID, subtaskID string) model.Result[SubtaskProgress] {
	const op = "complete subtask"
	key := model.AssignmentKey{SpecID: specID, TaskID: taskID}

	var out SubtaskProgress
	_, err := t.syncer.Apply(ctx, syncer.Mutation{
		SpecID: specID,
		TaskID: taskID,
		Reason: fmt.Sprintf("complete subtask %s of %s", subtaskID, key),
		Mutate: func(doc *model.SpecDocument, _ *syncer.MutableState) error {
			task, err := lookup(op, doc, key)
			if err != nil {
				return err
			}
			sub := task.Subtask(subtaskID)
			if sub == nil {
				return model.NewError(model.ErrKindNotFound, op, key.String()+"/"+subtaskID, "no such subtask")
			}
			if task.Status == model.TaskStatusComplete && !sub.Done {
				return model.NewError(model.ErrKindInvalid, op, key.String(), "task is already complete")
			}
			sub.Done = true
			done, total := task.SubtaskCounts()
			if task.Status != model.TaskStatusComplete {
				task.Progress = done * 100 / total
			}
			out = SubtaskProgress{SpecID: specID, TaskID: taskID, Done: done, Total: total, Progress: task.Progress}
			return nil
		},
	})
	if err != nil {
		return model.FailErr[SubtaskProgress](op, err)
	}
	return model.Ok(out)
}

// UpdateTaskProgress records a progress percentage for an in-progress task.
func (t *Tracker) UpdateTaskProgress(ctx context.Context, specID, taskID string, percent int) model.Result[model.Task] {
	const op = "update progress"
	key := model.AssignmentKey{SpecID: specID, TaskID: taskID}
	if percent < 0 || percent > 100 {
		return model.Fail[model.Task](model.NewError(model.ErrKindInvalid, op, key.String(), fmt.Sprintf("progress %d out of range 0-100", percent)))
	}

	var out model.Task
	_, err := t.syncer.Apply(ctx, syncer.Mutation{
		SpecID: specID,
		TaskID: taskID,
		Reason: fmt.Sprintf("progress %s %d%%", key, percent),
		Mutate: func(doc *model.SpecDocument, _ *syncer.MutableState) error {
			task, err := lookup(op, doc, key)
			if err != nil {
				return err
			}
			if task.Status != model.TaskStatusInProgress {
				return model.NewError(model.ErrKindInvalid, op, key.String(), "task is "+string(task.Status))
			}
			task.Progress = percent
			out = task.Clone()
			return nil
		},
	})
	if err != nil {
		return model.FailErr[model.Task](op, err)
	}
	return model.Ok(out)
}

func (t *Tracker) closed(rec model.AssignmentRecord) {
	if t.onClose != nil {
		t.onClose(rec)
	}
}

func lookup(op string, doc *model.SpecDocument, key model.AssignmentKey) (*model.Task, error) {
	task := doc.Task(key.TaskID)
	if task == nil {
		return nil, model.NewError(model.ErrKindNotFound, op, key.String(), "no such task")
	}
	return task, nil
}

func unmetDeps(doc *model.SpecDocument, task *model.Task) []string {
	var unmet []string
	for _, dep := range task.DependsOn {
		if d := doc.Task(dep); d == nil || d.Status != model.TaskStatusComplete {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func allComplete(doc *model.SpecDocument) bool {
	for _, task := range doc.Tasks {
		if task.Status != model.TaskStatusComplete {
			return false
		}
	}
	return len(doc.Tasks) > 0
}

// detectHandoffs returns a handoff for each ready task that depends on done
// and has no other unmet dependency.
func detectHandoffs(doc *model.SpecDocument, done *model.Task, rec model.AssignmentRecord, now time.Time) []model.HandoffRecord {
	var completed, remaining []string
	for _, task := range doc.Tasks {
		if task.Status == model.TaskStatusComplete {
			completed = append(completed, task.ID)
		} else {
			remaining = append(remaining, task.ID)
		}
	}
	var perc float64
	if len(doc.Tasks) > 0 {
		perc = float64(len(completed)) * 100 / float64(len(doc.Tasks))
	}
	subDone, subTotal := done.SubtaskCounts()

	var out []model.HandoffRecord
	for i := range doc.Tasks {
		next := &doc.Tasks[i]
		if next.Status != model.TaskStatusReady || !slices.Contains(next.DependsOn, done.ID) || len(unmetDeps(doc, next)) > 0 {
			continue
		}
		out = append(out, model.HandoffRecord{
			ID:                    "ho_" + uuid.NewString(),
			SpecID:                doc.ID,
			FromTask:              done.ID,
			ToTask:                next.ID,
			RecommendedCapability: next.Capability,
			ReadyAt:               now,
			Context: model.HandoffContext{
				CompletedBy:      rec.Worker,
				DurationSec:      rec.DurationSec,
				Notes:            rec.Notes,
				CompletedTasks:   completed,
				RemainingTasks:   remaining,
				SubtasksDone:     subDone,
				SubtasksTotal:    subTotal,
				SpecPhase:        doc.Phase,
				SpecProgressPerc: perc,
			},
		})
	}
	return out
}

