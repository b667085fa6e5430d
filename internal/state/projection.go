package state

import (
	"reflect"
	"time"

	"github.com/msageha/specsync/internal/model"
)

// RecordFromDocument projects a document onto its record form. Timestamps of
// tasks that did not change relative to prev are preserved; everything else
// is stamped with now.
func RecordFromDocument(doc *model.SpecDocument, prev *SpecRecord, now time.Time) SpecRecord {
	rec := SpecRecord{
		ID:       doc.ID,
		Title:    doc.Title,
		Status:   doc.Status,
		Priority: doc.Priority,
		Phase:    doc.Phase,
		Path:     doc.Path,
		Tasks:    make([]TaskRecord, 0, len(doc.Tasks)),
	}

	prevTasks := make(map[string]TaskRecord)
	if prev != nil {
		for _, t := range prev.Tasks {
			prevTasks[t.ID] = t
		}
	}

	changed := prev == nil || prev.Title != rec.Title || prev.Status != rec.Status ||
		prev.Priority != rec.Priority || prev.Phase != rec.Phase || len(prev.Tasks) != len(doc.Tasks)

	for _, t := range doc.Tasks {
		task := t.Clone()
		task.SpecID = doc.ID
		tr := TaskRecord{Task: task, UpdatedAt: now}
		if old, ok := prevTasks[t.ID]; ok && sameTask(old.Task, task) {
			tr.UpdatedAt = old.UpdatedAt
		} else {
			changed = true
		}
		rec.Tasks = append(rec.Tasks, tr)
	}

	rec.UpdatedAt = now
	if !changed && prev != nil {
		rec.UpdatedAt = prev.UpdatedAt
	}
	return rec
}

// Document returns the record as a document view with no body. Comparisons
// between the two representations run over this view.
func (r SpecRecord) Document() *model.SpecDocument {
	doc := &model.SpecDocument{
		ID:       r.ID,
		Title:    r.Title,
		Status:   r.Status,
		Priority: r.Priority,
		Phase:    r.Phase,
		Path:     r.Path,
		Tasks:    make([]model.Task, 0, len(r.Tasks)),
		ModTime:  r.UpdatedAt,
	}
	for _, t := range r.Tasks {
		task := t.Task.Clone()
		task.SpecID = r.ID
		doc.Tasks = append(doc.Tasks, task)
	}
	return doc
}

// Task returns the task record with id, or nil.
func (r SpecRecord) Task(id string) *TaskRecord {
	for i := range r.Tasks {
		if r.Tasks[i].ID == id {
			return &r.Tasks[i]
		}
	}
	return nil
}

// WrittenAt returns the most recent write time recorded for the spec or,
// when taskID is set, for that task.
func (r *SpecRecord) WrittenAt(taskID string) time.Time {
	if taskID != "" {
		if t := r.Task(taskID); t != nil && t.UpdatedAt.After(r.UpdatedAt) {
			return t.UpdatedAt
		}
	}
	return r.UpdatedAt
}

func sameTask(a, b model.Task) bool {
	a.SpecID, b.SpecID = "", ""
	if len(a.DependsOn) == 0 {
		a.DependsOn = nil
	}
	if len(b.DependsOn) == 0 {
		b.DependsOn = nil
	}
	if len(a.Subtasks) == 0 {
		a.Subtasks = nil
	}
	if len(b.Subtasks) == 0 {
		b.Subtasks = nil
	}
	return reflect.DeepEqual(a, b)
}
