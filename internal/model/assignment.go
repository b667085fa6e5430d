package model

import (
	"fmt"
	"time"
)

// AssignmentKey identifies a task across the project.
type AssignmentKey struct {
	SpecID string `json:"spec_id"`
	TaskID string `json:"task_id"`
}

func (k AssignmentKey) String() string {
	return fmt.Sprintf("%s/%s", k.SpecID, k.TaskID)
}

type AssignmentRecord struct {
	SpecID      string           `json:"spec_id"`
	TaskID      string           `json:"task_id"`
	Worker      string           `json:"worker"`
	Capability  string           `json:"capability,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Status      AssignmentStatus `json:"status"`
	Priority    Priority         `json:"priority"`
	Effort      float64          `json:"effort,omitempty"`
	DurationSec float64          `json:"duration_sec,omitempty"`
	Notes       string           `json:"notes,omitempty"`
}

func (r AssignmentRecord) Key() AssignmentKey {
	return AssignmentKey{SpecID: r.SpecID, TaskID: r.TaskID}
}

// HandoffRecord marks the point where completing FromTask left ToTask with
// every dependency satisfied.
type HandoffRecord struct {
	ID                    string         `json:"id"`
	SpecID                string         `json:"spec_id"`
	FromTask              string         `json:"from_task"`
	ToTask                string         `json:"to_task"`
	RecommendedCapability string         `json:"recommended_capability,omitempty"`
	ReadyAt               time.Time      `json:"ready_at"`
	Context               HandoffContext `json:"context"`
}

type HandoffContext struct {
	CompletedBy      string   `json:"completed_by,omitempty"`
	DurationSec      float64  `json:"duration_sec,omitempty"`
	Notes            string   `json:"notes,omitempty"`
	CompletedTasks   []string `json:"completed_tasks,omitempty"`
	RemainingTasks   []string `json:"remaining_tasks,omitempty"`
	SubtasksDone     int      `json:"subtasks_done,omitempty"`
	SubtasksTotal    int      `json:"subtasks_total,omitempty"`
	SpecPhase        string   `json:"spec_phase,omitempty"`
	SpecProgressPerc float64  `json:"spec_progress_percent"`
}

// Progress is an aggregated completion count.
type Progress struct {
	Completed  int     `json:"completed"`
	InProgress int     `json:"in_progress"`
	Blocked    int     `json:"blocked"`
	Total      int     `json:"total"`
	Percent    float64 `json:"percent"`
}

// Add folds a task status into the counts. Percent is left to Finish.
func (p *Progress) Add(s TaskStatus) {
	p.Total++
	switch s {
	case TaskStatusComplete:
		p.Completed++
	case TaskStatusInProgress:
		p.InProgress++
	case TaskStatusBlocked:
		p.Blocked++
	}
}

func (p *Progress) Finish() {
	if p.Total == 0 {
		p.Percent = 0
		return
	}
	p.Percent = float64(p.Completed) * 100 / float64(p.Total)
}

type SpecProgress struct {
	SpecID   string     `json:"spec_id"`
	Title    string     `json:"title"`
	Status   SpecStatus `json:"status"`
	Priority Priority   `json:"priority"`
	Phase    string     `json:"phase,omitempty"`
	Progress
	Subtasks Progress `json:"subtasks"`
}

type ProjectProgress struct {
	Progress
	Specs       []SpecProgress     `json:"specs"`
	ByStatus    map[SpecStatus]int `json:"by_status"`
	ActiveCount int                `json:"active_assignments"`
	ComputedAt  time.Time          `json:"computed_at"`
}

// HistoryQuery filters closed assignment records. Zero fields match
// everything; Limit caps the newest-first result.
type HistoryQuery struct {
	SpecID string    `json:"spec_id,omitempty"`
	Worker string    `json:"worker,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

// Match reports whether r passes every set filter.
func (q HistoryQuery) Match(r AssignmentRecord) bool {
	if q.SpecID != "" && r.SpecID != q.SpecID {
		return false
	}
	if q.Worker != "" && r.Worker != q.Worker {
		return false
	}
	if !q.Since.IsZero() && (r.CompletedAt == nil || r.CompletedAt.Before(q.Since)) {
		return false
	}
	return true
}
