package fileio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuarantine_MovesFile(t *testing.T) {
	stateDir := t.TempDir()
	path := filepath.Join(stateDir, "progress.json")
	require.NoError(t, os.WriteFile(path, []byte("{corrupt"), 0644))

	dest, err := Quarantine(stateDir, path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, strings.HasPrefix(filepath.Base(dest), "progress.json."))
	assert.True(t, strings.HasSuffix(dest, ".corrupt"))

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "{corrupt", string(content))
}

func TestRestoreFromBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assignments.json")
	require.NoError(t, os.WriteFile(path+".bak", []byte(`{"v":1}`), 0644))

	require.NoError(t, RestoreFromBackup(path, ValidateJSON))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(content))
}

func TestRestoreFromBackup_CorruptBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assignments.json")
	require.NoError(t, os.WriteFile(path+".bak", []byte(`{bad`), 0644))

	err := RestoreFromBackup(path, ValidateJSON)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "also corrupted")
}

func TestRestoreFromBackup_NoBackup(t *testing.T) {
	err := RestoreFromBackup(filepath.Join(t.TempDir(), "x.json"), ValidateJSON)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backup file")
}
