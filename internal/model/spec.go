package model

import (
	"time"
)

// SpecDocument is a specification as read from its Markdown source. Only the
// front-matter fields are structured; Body carries the prose untouched.
type SpecDocument struct {
	ID       string     `yaml:"id"`
	Title    string     `yaml:"title"`
	Status   SpecStatus `yaml:"status"`
	Priority Priority   `yaml:"priority"`
	Phase    string     `yaml:"phase,omitempty"`
	Tasks    []Task     `yaml:"tasks"`

	Path    string    `yaml:"-"`
	Body    []byte    `yaml:"-"`
	ModTime time.Time `yaml:"-"`
}

type Task struct {
	ID         string     `yaml:"id" json:"id"`
	SpecID     string     `yaml:"-" json:"spec_id"`
	Title      string     `yaml:"title" json:"title"`
	Capability string     `yaml:"capability,omitempty" json:"capability,omitempty"`
	Status     TaskStatus `yaml:"status" json:"status"`
	DependsOn  []string   `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Effort     float64    `yaml:"effort,omitempty" json:"effort,omitempty"`
	Assignee   string     `yaml:"assignee,omitempty" json:"assignee,omitempty"`
	Progress   int        `yaml:"progress,omitempty" json:"progress,omitempty"`
	Subtasks   []Subtask  `yaml:"subtasks,omitempty" json:"subtasks,omitempty"`
}

type Subtask struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
	Done  bool   `yaml:"done" json:"done"`
}

// Task returns the task with the given id, or nil.
func (d *SpecDocument) Task(id string) *Task {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (d *SpecDocument) Clone() *SpecDocument {
	if d == nil {
		return nil
	}
	out := *d
	out.Body = append([]byte(nil), d.Body...)
	out.Tasks = make([]Task, len(d.Tasks))
	for i, t := range d.Tasks {
		out.Tasks[i] = t.Clone()
	}
	return &out
}

func (t Task) Clone() Task {
	out := t
	out.DependsOn = append([]string(nil), t.DependsOn...)
	out.Subtasks = append([]Subtask(nil), t.Subtasks...)
	return out
}

// Subtask returns the subtask with the given id, or nil.
func (t *Task) Subtask(id string) *Subtask {
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == id {
			return &t.Subtasks[i]
		}
	}
	return nil
}

// SubtaskCounts returns (done, total).
func (t *Task) SubtaskCounts() (int, int) {
	done := 0
	for _, st := range t.Subtasks {
		if st.Done {
			done++
		}
	}
	return done, len(t.Subtasks)
}
