package config

import (
	"path/filepath"

	"github.com/msageha/specsync/internal/model"
)

// Layout resolves every on-disk location for one project.
type Layout struct {
	Root string
	cfg  model.Config
}

func NewLayout(root string, cfg model.Config) Layout {
	return Layout{Root: root, cfg: cfg}
}

func (l Layout) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.Root, p)
}

func (l Layout) SyncDir() string       { return l.resolve(l.cfg.Project.StateDir) }
func (l Layout) DocsDir() string       { return l.resolve(l.cfg.Project.DocsDir) }
func (l Layout) StateDir() string      { return filepath.Join(l.SyncDir(), "state") }
func (l Layout) LogsDir() string       { return filepath.Join(l.SyncDir(), "logs") }
func (l Layout) BackupsDir() string    { return filepath.Join(l.SyncDir(), "backups") }
func (l Layout) QuarantineDir() string { return filepath.Join(l.SyncDir(), "quarantine") }
func (l Layout) LocksDir() string      { return filepath.Join(l.SyncDir(), "locks") }
func (l Layout) LockPath() string      { return filepath.Join(l.LocksDir(), "daemon.lock") }
func (l Layout) ConfigPath() string    { return filepath.Join(l.Root, SyncDirName, ConfigFileName) }
func (l Layout) LogPath() string       { return filepath.Join(l.LogsDir(), "specsync.log") }
func (l Layout) AuditLogPath() string  { return filepath.Join(l.LogsDir(), "audit.jsonl") }
func (l Layout) IndexPath() string     { return filepath.Join(l.SyncDir(), "history.db") }
func (l Layout) SocketPath() string    { return filepath.Join(l.SyncDir(), "daemon.sock") }

func (l Layout) MetricsPath() string {
	if l.cfg.Metrics.Textfile == "" {
		return filepath.Join(l.SyncDir(), "metrics.prom")
	}
	if filepath.IsAbs(l.cfg.Metrics.Textfile) {
		return l.cfg.Metrics.Textfile
	}
	return filepath.Join(l.SyncDir(), l.cfg.Metrics.Textfile)
}

// Dirs lists the directories setup creates.
func (l Layout) Dirs() []string {
	return []string{l.SyncDir(), l.StateDir(), l.LogsDir(), l.BackupsDir(), l.QuarantineDir(), l.LocksDir(), l.DocsDir()}
}
