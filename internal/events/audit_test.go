package events

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specsync/internal/model"
)

func newAudit(t *testing.T, maxSize int64) (*AuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	l, err := NewAuditLogger(path, maxSize)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestAuditLogger_AppendAndRead(t *testing.T) {
	l, path := newAudit(t, DefaultMaxLogSize)
	require.NoError(t, l.Append(AuditEntry{
		Kind:       AuditTransaction,
		ID:         "txn_1",
		Entity:     "FEAT-100/Task-1",
		Fields:     []string{"tasks.Task-1.status"},
		Files:      []string{"docs/FEAT-100.md", "state/progress.json"},
		Outcome:    "committed",
		DurationMs: 12,
	}))

	entries, err := ReadAudit(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "txn_1", e.ID)
	assert.Equal(t, "committed", e.Outcome)
	assert.False(t, e.Timestamp.IsZero())
	assert.NotEmpty(t, e.Checksum)
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	l, path := newAudit(t, DefaultMaxLogSize)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, l.Append(AuditEntry{Kind: AuditEvent, ID: fmt.Sprintf("evt_%d_%d", id, j)}))
			}
		}(i)
	}
	wg.Wait()

	entries, err := ReadAudit(path)
	require.NoError(t, err)
	assert.Len(t, entries, 500)
}

func TestAuditLogger_Rotation(t *testing.T) {
	l, path := newAudit(t, 1024)
	for i := 0; i < 40; i++ {
		require.NoError(t, l.Append(AuditEntry{Kind: AuditEvent, ID: fmt.Sprintf("evt_%d", i), Reasoning: "padding padding padding padding"}))
	}
	archived, err := os.ReadDir(filepath.Join(filepath.Dir(path), ArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
	assert.LessOrEqual(t, l.Size(), int64(1024))
}

func TestVerifyLogIntegrity(t *testing.T) {
	l, path := newAudit(t, DefaultMaxLogSize)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(AuditEntry{Kind: AuditEvent, ID: fmt.Sprintf("a%d", i), Details: map[string]string{"i": fmt.Sprint(i)}}))
	}
	l.EnableChecksum(false)
	require.NoError(t, l.Append(AuditEntry{Kind: AuditEvent, ID: "plain"}))
	require.NoError(t, l.Close())

	total, valid, err := VerifyLogIntegrity(path)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 4, valid)

	// tamper with the first entry
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(strings.Replace(string(content), `"id":"a0"`, `"id":"zz"`, 1))
	require.NoError(t, os.WriteFile(path, tampered, 0644))
	total, valid, err = VerifyLogIntegrity(path)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 3, valid)
}

func TestAuditSubscriber_RecordsVerdict(t *testing.T) {
	l, path := newAudit(t, DefaultMaxLogSize)
	sub := AuditSubscriber(l)
	assert.Equal(t, "audit", sub.Name())
	assert.Empty(t, sub.Categories())

	v := model.ConsistencyVerdict{
		Entity:      model.EntityRef{SpecID: "FEAT-100", TaskID: "Task-1"},
		Status:      model.VerdictConflict,
		Divergences: []model.Divergence{{Field: "tasks.Task-1.depends_on"}},
		Files:       []string{"a.md", "progress.json"},
	}
	ev := VerdictEvent("a.md", v)
	ev.stamp()
	require.NoError(t, sub.Handle(context.Background(), ev))

	entries, err := ReadAudit(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "FEAT-100/Task-1", entries[0].Entity)
	assert.Equal(t, string(CategoryConflict), entries[0].Outcome)
	assert.Equal(t, []string{"tasks.Task-1.depends_on"}, entries[0].Fields)
	assert.Equal(t, "error", entries[0].Details["priority"])
}

func TestAuditLogger_AppendAfterClose(t *testing.T) {
	l, _ := newAudit(t, DefaultMaxLogSize)
	require.NoError(t, l.Close())
	assert.Error(t, l.Append(AuditEntry{Kind: AuditEvent}))
}
