package document

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/msageha/specsync/internal/model"
)

const (
	absent  = "absent"
	present = "present"
)

// Diff lists the logical fields that differ between a and b, in a stable
// order. Either side may be nil, meaning the spec does not exist there.
// Field names look like "status", "tasks.TASK-002.status" or
// "tasks.TASK-002.subtasks.s1.done".
func Diff(a, b *model.SpecDocument) []model.FieldChange {
	var out []model.FieldChange
	specID := ""
	if b != nil {
		specID = b.ID
	} else if a != nil {
		specID = a.ID
	}
	add := func(field, before, after string, cat model.FieldCategory) {
		if before != after {
			out = append(out, model.FieldChange{SpecID: specID, Field: field, Old: before, New: after, Category: cat})
		}
	}

	if a == nil || b == nil {
		if a == nil && b == nil {
			return nil
		}
		before, after := present, present
		if a == nil {
			before = absent
		} else {
			after = absent
		}
		add("spec", before, after, model.CategoryStructural)
		return out
	}

	add("id", a.ID, b.ID, model.CategoryStructural)
	add("title", a.Title, b.Title, model.CategoryMetadata)
	add("status", string(a.Status), string(b.Status), model.CategorySimple)
	add("priority", string(a.Priority), string(b.Priority), model.CategoryMetadata)
	add("phase", a.Phase, b.Phase, model.CategoryMetadata)

	for _, id := range taskIDs(a, b) {
		ta, tb := a.Task(id), b.Task(id)
		prefix := "tasks." + id
		if ta == nil || tb == nil {
			before, after := present, present
			if ta == nil {
				before = absent
			} else {
				after = absent
			}
			add(prefix, before, after, model.CategoryStructural)
			continue
		}
		add(prefix+".status", string(ta.Status), string(tb.Status), model.CategorySimple)
		add(prefix+".assignee", ta.Assignee, tb.Assignee, model.CategorySimple)
		add(prefix+".progress", strconv.Itoa(ta.Progress), strconv.Itoa(tb.Progress), model.CategorySimple)
		add(prefix+".title", ta.Title, tb.Title, model.CategoryMetadata)
		add(prefix+".capability", ta.Capability, tb.Capability, model.CategoryMetadata)
		add(prefix+".effort", formatEffort(ta.Effort), formatEffort(tb.Effort), model.CategoryMetadata)
		add(prefix+".depends_on", strings.Join(ta.DependsOn, ","), strings.Join(tb.DependsOn, ","), model.CategoryStructural)

		for _, sid := range subtaskIDs(ta, tb) {
			sa, sb := ta.Subtask(sid), tb.Subtask(sid)
			sp := prefix + ".subtasks." + sid
			if sa == nil || sb == nil {
				before, after := present, present
				if sa == nil {
					before = absent
				} else {
					after = absent
				}
				add(sp, before, after, model.CategoryStructural)
				continue
			}
			add(sp+".done", strconv.FormatBool(sa.Done), strconv.FormatBool(sb.Done), model.CategorySimple)
			add(sp+".title", sa.Title, sb.Title, model.CategoryMetadata)
		}
	}
	return out
}

func formatEffort(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// taskIDs returns the union of task ids, a's order first.
func taskIDs(a, b *model.SpecDocument) []string {
	seen := make(map[string]bool, len(a.Tasks)+len(b.Tasks))
	var ids []string
	for _, docs := range [][]model.Task{a.Tasks, b.Tasks} {
		for _, t := range docs {
			if !seen[t.ID] {
				seen[t.ID] = true
				ids = append(ids, t.ID)
			}
		}
	}
	return ids
}

func subtaskIDs(a, b *model.Task) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, list := range [][]model.Subtask{a.Subtasks, b.Subtasks} {
		for _, s := range list {
			if !seen[s.ID] {
				seen[s.ID] = true
				ids = append(ids, s.ID)
			}
		}
	}
	return ids
}

// FieldTask returns the task id a field refers to, or "" for spec-level fields.
func FieldTask(field string) string {
	if !strings.HasPrefix(field, "tasks.") {
		return ""
	}
	rest := strings.TrimPrefix(field, "tasks.")
	if i := strings.Index(rest, "."); i >= 0 {
		return rest[:i]
	}
	return rest
}

// CopyField sets field on dst to its value on src. Presence fields insert or
// remove the whole task or subtask.
func CopyField(dst, src *model.SpecDocument, field string) error {
	switch field {
	case "id":
		dst.ID = src.ID
		for i := range dst.Tasks {
			dst.Tasks[i].SpecID = src.ID
		}
		return nil
	case "title":
		dst.Title = src.Title
		return nil
	case "status":
		dst.Status = src.Status
		return nil
	case "priority":
		dst.Priority = src.Priority
		return nil
	case "phase":
		dst.Phase = src.Phase
		return nil
	}

	taskID := FieldTask(field)
	if taskID == "" {
		return fmt.Errorf("unknown field %q", field)
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(field, "tasks."+taskID), ".")

	st, dt := src.Task(taskID), dst.Task(taskID)
	if rest == "" {
		switch {
		case st == nil && dt != nil:
			dst.Tasks = removeTask(dst.Tasks, taskID)
		case st != nil && dt == nil:
			insertTask(dst, src, taskID)
		}
		return nil
	}
	if st == nil || dt == nil {
		return fmt.Errorf("field %q: task %s missing on one side", field, taskID)
	}

	switch rest {
	case "status":
		dt.Status = st.Status
	case "assignee":
		dt.Assignee = st.Assignee
	case "progress":
		dt.Progress = st.Progress
	case "title":
		dt.Title = st.Title
	case "capability":
		dt.Capability = st.Capability
	case "effort":
		dt.Effort = st.Effort
	case "depends_on":
		dt.DependsOn = append([]string(nil), st.DependsOn...)
	default:
		return copySubtaskField(dt, st, field, rest)
	}
	return nil
}

func copySubtaskField(dt, st *model.Task, field, rest string) error {
	if !strings.HasPrefix(rest, "subtasks.") {
		return fmt.Errorf("unknown field %q", field)
	}
	parts := strings.SplitN(strings.TrimPrefix(rest, "subtasks."), ".", 2)
	sid := parts[0]
	ss, ds := st.Subtask(sid), dt.Subtask(sid)
	if len(parts) == 1 {
		switch {
		case ss == nil && ds != nil:
			out := dt.Subtasks[:0:0]
			for _, s := range dt.Subtasks {
				if s.ID != sid {
					out = append(out, s)
				}
			}
			dt.Subtasks = out
		case ss != nil && ds == nil:
			dt.Subtasks = append(dt.Subtasks, *ss)
		}
		return nil
	}
	if ss == nil || ds == nil {
		return fmt.Errorf("field %q: subtask %s missing on one side", field, sid)
	}
	switch parts[1] {
	case "done":
		ds.Done = ss.Done
	case "title":
		ds.Title = ss.Title
	default:
		return fmt.Errorf("unknown field %q", field)
	}
	return nil
}

func removeTask(tasks []model.Task, id string) []model.Task {
	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

// insertTask places the task at the position it has in src relative to the
// tasks both sides share.
func insertTask(dst, src *model.SpecDocument, id string) {
	t := src.Task(id).Clone()
	t.SpecID = dst.ID
	pos := len(dst.Tasks)
	seenSelf := false
	for _, s := range src.Tasks {
		if s.ID == id {
			seenSelf = true
			continue
		}
		if !seenSelf {
			continue
		}
		for i := range dst.Tasks {
			if dst.Tasks[i].ID == s.ID {
				if i < pos {
					pos = i
				}
			}
		}
		break
	}
	dst.Tasks = append(dst.Tasks, model.Task{})
	copy(dst.Tasks[pos+1:], dst.Tasks[pos:])
	dst.Tasks[pos] = t
}

// Fields returns the distinct field names of changes, sorted.
func Fields(changes []model.FieldChange) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Field)
	}
	sort.Strings(out)
	return out
}
