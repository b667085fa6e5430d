package document

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/msageha/specsync/internal/model"
)

func sampleDoc() *model.SpecDocument {
	return &model.SpecDocument{
		ID: "FEAT-100", Title: "Checkout", Status: model.SpecStatusActive, Priority: model.PriorityP1, Phase: "build",
		Tasks: []model.Task{
			{ID: "Task-1", SpecID: "FEAT-100", Status: model.TaskStatusReady, Capability: "backend"},
			{ID: "Task-2", SpecID: "FEAT-100", Status: model.TaskStatusReady, DependsOn: []string{"Task-1"},
				Subtasks: []model.Subtask{{ID: "s1", Title: "form"}}},
		},
	}
}

func TestDiff_NamesLogicalFields(t *testing.T) {
	a := sampleDoc()
	b := a.Clone()
	b.Tasks[1].Status = model.TaskStatusInProgress
	b.Tasks[1].Assignee = "alice"
	b.Tasks[1].Subtasks[0].Done = true
	b.Tasks[1].DependsOn = nil
	b.Priority = model.PriorityP0

	changes := Diff(a, b)
	byField := make(map[string]model.FieldChange)
	for _, c := range changes {
		byField[c.Field] = c
	}

	require.Contains(t, byField, "tasks.Task-2.status")
	assert.Equal(t, "ready", byField["tasks.Task-2.status"].Old)
	assert.Equal(t, "in_progress", byField["tasks.Task-2.status"].New)
	assert.Equal(t, model.CategorySimple, byField["tasks.Task-2.status"].Category)
	assert.Equal(t, model.CategorySimple, byField["tasks.Task-2.assignee"].Category)
	assert.Equal(t, model.CategorySimple, byField["tasks.Task-2.subtasks.s1.done"].Category)
	assert.Equal(t, model.CategoryStructural, byField["tasks.Task-2.depends_on"].Category)
	assert.Equal(t, model.CategoryMetadata, byField["priority"].Category)
	assert.Len(t, changes, 5)
}

func TestDiff_Presence(t *testing.T) {
	a := sampleDoc()
	b := a.Clone()
	b.Tasks = b.Tasks[:1]

	changes := Diff(a, b)
	require.Len(t, changes, 1)
	assert.Equal(t, "tasks.Task-2", changes[0].Field)
	assert.Equal(t, "present", changes[0].Old)
	assert.Equal(t, "absent", changes[0].New)
	assert.Equal(t, model.CategoryStructural, changes[0].Category)

	whole := Diff(nil, a)
	require.Len(t, whole, 1)
	assert.Equal(t, "spec", whole[0].Field)
	assert.Nil(t, Diff(nil, nil))
}

func TestCopyField_InsertsTaskInOrder(t *testing.T) {
	src := sampleDoc()
	src.Tasks = append([]model.Task{{ID: "Task-0", Status: model.TaskStatusReady}}, src.Tasks...)
	dst := sampleDoc()

	require.NoError(t, CopyField(dst, src, "tasks.Task-0"))
	assert.Equal(t, "Task-0", dst.Tasks[0].ID)
	assert.Equal(t, "FEAT-100", dst.Tasks[0].SpecID)
	assert.Empty(t, Diff(src, dst))
}

func TestCopyField_Unknown(t *testing.T) {
	assert.Error(t, CopyField(sampleDoc(), sampleDoc(), "colour"))
	assert.Error(t, CopyField(sampleDoc(), sampleDoc(), "tasks.Task-1.colour"))
	assert.Error(t, CopyField(sampleDoc(), sampleDoc(), "tasks.Task-9.status"))
}

func TestFieldTask(t *testing.T) {
	assert.Equal(t, "", FieldTask("status"))
	assert.Equal(t, "Task-2", FieldTask("tasks.Task-2"))
	assert.Equal(t, "Task-2", FieldTask("tasks.Task-2.subtasks.s1.done"))
}

// Copying every differing field from src onto dst leaves no difference.
func TestCopyField_ConvergesProperty(t *testing.T) {
	statuses := []model.TaskStatus{model.TaskStatusReady, model.TaskStatusInProgress, model.TaskStatusComplete, model.TaskStatusBlocked}
	genDoc := func(t *rapid.T, label string) *model.SpecDocument {
		d := sampleDoc()
		d.Title = rapid.SampledFrom([]string{"a", "b"}).Draw(t, label+"title")
		n := rapid.IntRange(0, 4).Draw(t, label+"n")
		d.Tasks = nil
		for i := 0; i < n; i++ {
			if !rapid.Bool().Draw(t, fmt.Sprintf("%skeep%d", label, i)) {
				continue
			}
			task := model.Task{
				ID:       fmt.Sprintf("T%d", i),
				SpecID:   d.ID,
				Status:   rapid.SampledFrom(statuses).Draw(t, fmt.Sprintf("%sst%d", label, i)),
				Progress: rapid.IntRange(0, 100).Draw(t, fmt.Sprintf("%sp%d", label, i)),
			}
			if rapid.Bool().Draw(t, fmt.Sprintf("%ssub%d", label, i)) {
				task.Subtasks = []model.Subtask{{ID: "s1", Done: rapid.Bool().Draw(t, fmt.Sprintf("%sdone%d", label, i))}}
			}
			d.Tasks = append(d.Tasks, task)
		}
		return d
	}
	rapid.Check(t, func(t *rapid.T) {
		src, dst := genDoc(t, "src"), genDoc(t, "dst")
		for _, c := range Diff(dst, src) {
			if err := CopyField(dst, src, c.Field); err != nil {
				t.Fatalf("CopyField(%s): %v", c.Field, err)
			}
		}
		if rest := Diff(dst, src); len(rest) != 0 {
			t.Fatalf("residual differences: %+v", rest)
		}
	})
}
