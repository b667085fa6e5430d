package document

import (
	"fmt"
	"strings"

	"github.com/msageha/specsync/internal/graph"
	"github.com/msageha/specsync/internal/model"
)

// ValidationErrors collects every structural problem found in one document.
type ValidationErrors struct {
	Errors []string
}

func (ve *ValidationErrors) Add(format string, args ...any) {
	ve.Errors = append(ve.Errors, fmt.Sprintf(format, args...))
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	return "validation failed: " + strings.Join(ve.Errors, "; ")
}

// Validate checks the structural shape of doc: identifiers, enum values,
// task id uniqueness, dependency references and acyclicity. It does not
// enforce business rules about content.
func Validate(doc *model.SpecDocument) error {
	ve := &ValidationErrors{}

	if !model.ValidSpecID(doc.ID) {
		ve.Add("id %q is not of the form TYPE-NNN", doc.ID)
	}
	if doc.Status != "" && !doc.Status.Valid() {
		ve.Add("status %q is not a spec status", doc.Status)
	}
	if doc.Priority != "" && !doc.Priority.Valid() {
		ve.Add("priority %q is not P0..P3", doc.Priority)
	}

	seen := make(map[string]bool, len(doc.Tasks))
	for _, t := range doc.Tasks {
		if !model.ValidTaskID(t.ID) {
			ve.Add("task id %q is invalid", t.ID)
		}
		if seen[t.ID] {
			ve.Add("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		if !t.Status.Valid() {
			ve.Add("task %s: status %q is not a task status", t.ID, t.Status)
		}
		if t.Progress < 0 || t.Progress > 100 {
			ve.Add("task %s: progress %d out of range", t.ID, t.Progress)
		}
		subSeen := make(map[string]bool, len(t.Subtasks))
		for _, st := range t.Subtasks {
			if st.ID == "" {
				ve.Add("task %s: subtask with empty id", t.ID)
			} else if subSeen[st.ID] {
				ve.Add("task %s: duplicate subtask id %q", t.ID, st.ID)
			}
			subSeen[st.ID] = true
		}
	}
	for _, t := range doc.Tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				ve.Add("task %s depends on itself", t.ID)
			} else if !seen[dep] {
				ve.Add("task %s depends on unknown task %q", t.ID, dep)
			}
		}
	}

	if !ve.HasErrors() {
		if cycle := graph.FromTasks(doc.Tasks).DetectCycle(); cycle != nil {
			ve.Add("dependency cycle: %s", strings.Join(cycle, " -> "))
		}
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}
