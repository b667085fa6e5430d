package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specsync/internal/document"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/testutil"
)

// run executes the root command with args and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	prev := stdout
	stdout = buf
	t.Cleanup(func() { stdout = prev })

	rootCmd.SetArgs(args)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	return buf.String(), err
}

func initProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := run(t, "init", "-C", dir, "--name", "demo")
	require.NoError(t, err)

	content, err := document.Render(testutil.FEAT100())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(document.PathFor(filepath.Join(dir, "docs"), "FEAT-100"), content, 0644))
	return dir
}

func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	out, err := run(t)
	assert.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "specsync")
}

func TestAssignCompleteProgress(t *testing.T) {
	dir := initProject(t)

	out, err := run(t, "assign", "-C", dir, "--json=false", "FEAT-100", "Task-1", "backend-1")
	require.NoError(t, err)
	assert.Contains(t, out, "FEAT-100/Task-1 assigned to backend-1")

	out, err = run(t, "complete", "-C", dir, "--notes", "api done", "FEAT-100", "Task-1")
	require.NoError(t, err)
	assert.Contains(t, out, "handoff Task-1 -> Task-2")

	out, err = run(t, "progress", "-C", dir, "--json", "FEAT-100")
	require.NoError(t, err)
	var sp model.SpecProgress
	require.NoError(t, json.Unmarshal([]byte(out), &sp))
	assert.Equal(t, 1, sp.Completed)
	assert.Equal(t, 2, sp.Total)

	out, err = run(t, "next", "-C", dir, "--json=false", "backend")
	require.NoError(t, err)
	assert.Contains(t, out, "FEAT-100/Task-2")
}

func TestAssign_UnmetDependencyExitCode(t *testing.T) {
	dir := initProject(t)

	_, err := run(t, "assign", "-C", dir, "--json=false", "FEAT-100", "Task-2", "backend-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDependencyViolation)
	assert.Equal(t, 3, ExitCode(err))
}

func TestResolve_RejectsUnknownSide(t *testing.T) {
	_, err := run(t, "resolve", "cf_x", "neither")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
}

func TestValidate_ReportsConsistentProject(t *testing.T) {
	dir := initProject(t)
	// the first write of each record comes from a tracker operation
	_, err := run(t, "assign", "-C", dir, "--json=false", "FEAT-100", "Task-1", "backend-1")
	require.NoError(t, err)

	out, err := run(t, "validate", "-C", dir, "--json=false")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 specs consistent")
}

func TestStatus_ReportsStoppedDaemon(t *testing.T) {
	dir := initProject(t)

	out, err := run(t, "status", "-C", dir, "--json=false")
	require.NoError(t, err)
	assert.Contains(t, out, "daemon not running")
}

func TestDeadLetters_OfflineReplayWithEmptyQueue(t *testing.T) {
	dir := initProject(t)

	out, err := run(t, "deadletters", "-C", dir, "--json=false", "--replay")
	require.NoError(t, err)
	assert.Contains(t, out, "replayed 0 dead letters")
}
