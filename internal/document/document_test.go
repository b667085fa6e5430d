package document

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specsync/internal/model"
)

const feat100 = `---
id: FEAT-100
title: Checkout flow
status: backlog
priority: P1
phase: build
tasks:
  - id: Task-1
    title: API
    capability: backend
    status: ready
  - id: Task-2
    title: Wire UI
    capability: backend
    status: ready
    depends_on: [Task-1]
    subtasks:
      - id: s1
        title: form
        done: false
---

# Checkout flow

Prose that must survive   untouched.
`

func TestParse(t *testing.T) {
	doc, err := ParseValid("docs/FEAT-100.md", []byte(feat100))
	require.NoError(t, err)

	assert.Equal(t, "FEAT-100", doc.ID)
	assert.Equal(t, model.SpecStatusBacklog, doc.Status)
	assert.Equal(t, model.PriorityP1, doc.Priority)
	require.Len(t, doc.Tasks, 2)
	assert.Equal(t, "FEAT-100", doc.Tasks[1].SpecID)
	assert.Equal(t, []string{"Task-1"}, doc.Tasks[1].DependsOn)
	assert.Equal(t, "\n# Checkout flow\n\nProse that must survive   untouched.\n", string(doc.Body))
}

func TestRenderPreservesBody(t *testing.T) {
	doc, err := Parse("x.md", []byte(feat100))
	require.NoError(t, err)

	doc.Tasks[0].Status = model.TaskStatusInProgress
	out, err := Render(doc)
	require.NoError(t, err)

	again, err := ParseValid("x.md", out)
	require.NoError(t, err)
	assert.Equal(t, doc.Body, again.Body)
	assert.Equal(t, model.TaskStatusInProgress, again.Tasks[0].Status)

	// rendering is a fixed point after the first pass
	out2, err := Render(again)
	require.NoError(t, err)
	assert.Equal(t, string(out), string(out2))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"empty", "", ErrMissingFrontMatter},
		{"no fence", "# title\n", ErrMissingFrontMatter},
		{"unterminated", "---\nid: FEAT-100\n", ErrMalformedFrontMatter},
		{"bad yaml", "---\nid: [unclosed\n---\n", ErrMalformedFrontMatter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("x.md", []byte(tt.content))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParse_FenceAtEOF(t *testing.T) {
	doc, err := Parse("x.md", []byte("---\nid: FEAT-101\ntitle: t\nstatus: active\npriority: P2\ntasks: []\n---"))
	require.NoError(t, err)
	assert.Equal(t, "FEAT-101", doc.ID)
	assert.Empty(t, doc.Body)
}

func TestParse_CRLFKeepsBodyBytes(t *testing.T) {
	content := []byte(strings.ReplaceAll(feat100, "\n", "\r\n"))
	doc, err := ParseValid("x.md", content)
	require.NoError(t, err)
	assert.Equal(t, "FEAT-100", doc.ID)
	require.Len(t, doc.Tasks, 2)
	want := "\r\n# Checkout flow\r\n\r\nProse that must survive   untouched.\r\n"
	assert.Equal(t, want, string(doc.Body))

	doc.Tasks[0].Status = model.TaskStatusInProgress
	out, err := Render(doc)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(out), "---\n"+want), "body must follow the closing fence unchanged")
}

func TestValidate(t *testing.T) {
	base := func() *model.SpecDocument {
		return &model.SpecDocument{
			ID: "FEAT-100", Status: model.SpecStatusActive, Priority: model.PriorityP0,
			Tasks: []model.Task{
				{ID: "A", Status: model.TaskStatusReady},
				{ID: "B", Status: model.TaskStatusReady, DependsOn: []string{"A"}},
			},
		}
	}
	require.NoError(t, Validate(base()))

	tests := []struct {
		name   string
		mutate func(d *model.SpecDocument)
		msg    string
	}{
		{"bad id", func(d *model.SpecDocument) { d.ID = "feat" }, "TYPE-NNN"},
		{"bad status", func(d *model.SpecDocument) { d.Status = "wip" }, "not a spec status"},
		{"bad priority", func(d *model.SpecDocument) { d.Priority = "P7" }, "P0..P3"},
		{"dup task", func(d *model.SpecDocument) { d.Tasks[1].ID = "A"; d.Tasks[1].DependsOn = nil }, "duplicate task id"},
		{"unknown dep", func(d *model.SpecDocument) { d.Tasks[1].DependsOn = []string{"Z"} }, "unknown task"},
		{"self dep", func(d *model.SpecDocument) { d.Tasks[0].DependsOn = []string{"A"} }, "depends on itself"},
		{"cycle", func(d *model.SpecDocument) { d.Tasks[0].DependsOn = []string{"B"} }, "dependency cycle"},
		{"progress", func(d *model.SpecDocument) { d.Tasks[0].Progress = 140 }, "out of range"},
		{"task status", func(d *model.SpecDocument) { d.Tasks[0].Status = "done" }, "not a task status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base()
			tt.mutate(d)
			err := Validate(d)
			var ve *ValidationErrors
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "FEAT-100.md"), []byte(feat100), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.md"), []byte("no front matter"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "copy.md"), []byte(feat100), 0644))

	res, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"FEAT-100"}, res.IDs())
	assert.Len(t, res.Errors, 2)
	assert.False(t, res.Docs["FEAT-100"].ModTime.IsZero())
}

func TestLoadDir_Missing(t *testing.T) {
	res, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, res.Docs)
}
