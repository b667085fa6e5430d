package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specsync/internal/model"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestNewHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, model.LoggingConfig{Level: "info", Format: "json"})).Info("transaction committed", "txn", "txn_1")
	assert.Contains(t, buf.String(), `"msg":"transaction committed"`)
	assert.Contains(t, buf.String(), `"txn":"txn_1"`)

	buf.Reset()
	slog.New(NewHandler(&buf, model.LoggingConfig{Level: "warn"})).Info("dropped")
	assert.Empty(t, buf.String())
}

func TestNew_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "specsync.log")
	l := New(path, model.LoggingConfig{Level: "debug", MaxSizeMB: 1, MaxBackups: 1})
	l.Component("watcher").Debug("watch root added", "root", "docs")
	require.NoError(t, l.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "component=watcher")
	assert.Contains(t, string(content), "root=docs")
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { Discard().Error("nothing") })
}
