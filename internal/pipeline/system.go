// Package pipeline wires specsync's components together and runs the
// watcher → classifier → checker → router daemon.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/specsync/internal/arbiter"
	"github.com/msageha/specsync/internal/cache"
	"github.com/msageha/specsync/internal/classify"
	"github.com/msageha/specsync/internal/config"
	"github.com/msageha/specsync/internal/consistency"
	"github.com/msageha/specsync/internal/events"
	"github.com/msageha/specsync/internal/index"
	"github.com/msageha/specsync/internal/logging"
	"github.com/msageha/specsync/internal/metrics"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/notify"
	"github.com/msageha/specsync/internal/scheduler"
	"github.com/msageha/specsync/internal/state"
	"github.com/msageha/specsync/internal/syncer"
	"github.com/msageha/specsync/internal/tracker"
)

// System holds one project's components, wired to each other.
type System struct {
	Layout config.Layout
	Config model.Config
	Logger *slog.Logger

	Store      *state.Store
	Repo       *state.Repository
	Classifier *classify.Classifier
	Checker    *consistency.Checker
	Audit      *events.AuditLogger
	Syncer     *syncer.Coordinator
	Arbiter    *arbiter.Arbiter
	Tracker    *tracker.Tracker
	Scheduler  *scheduler.Scheduler
	Metrics    *metrics.Metrics
	// Index is nil when the history database could not be opened; history
	// queries then scan assignments.json.
	Index *index.Index

	log       *logging.Logger
	recovered []string
}

type OpenOptions struct {
	// Logger overrides the rotating file logger built from the config.
	Logger *slog.Logger
	// Notify overrides the desktop notifier.
	Notify notify.Sender
}

// Open loads the configuration under projectDir, recovers corrupted state
// files and builds every component. It fails only when state cannot be
// loaded at all.
func Open(ctx context.Context, projectDir string, opts OpenOptions) (*System, error) {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(ctx, projectDir, cfg, opts)
}

func OpenWithConfig(ctx context.Context, projectDir string, cfg model.Config, opts OpenOptions) (*System, error) {
	layout := config.NewLayout(projectDir, cfg)
	for _, dir := range layout.Dirs() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	s := &System{Layout: layout, Config: cfg, Logger: opts.Logger}
	if s.Logger == nil {
		s.log = logging.New(layout.LogPath(), cfg.Logging)
		s.Logger = s.log.Logger
	}
	logger := s.Logger

	s.Store = state.NewStore(layout.StateDir(), layout.SyncDir(), logger.With("component", "state"))
	recovered, err := s.Store.Recover()
	if err != nil {
		s.closeLog()
		return nil, fmt.Errorf("recover state: %w", err)
	}
	s.recovered = recovered

	ttl := time.Duration(cfg.Cache.TTLSec) * time.Second
	s.Repo = state.NewRepository(layout.DocsDir(), s.Store,
		cache.New[*state.Snapshot](cfg.Cache.MaxEntries, ttl), logger.With("component", "repository"))
	snap, err := s.Repo.Load()
	if err != nil {
		s.closeLog()
		return nil, fmt.Errorf("load state: %w", err)
	}

	s.Audit, err = events.NewAuditLogger(layout.AuditLogPath(), int64(cfg.Logging.MaxSizeMB)*1024*1024)
	if err != nil {
		s.closeLog()
		return nil, err
	}

	s.Metrics = metrics.New()
	s.Index, err = index.Open(ctx, layout.IndexPath(), snap.Assignments, logger.With("component", "index"))
	if err != nil {
		logger.Warn("history index unavailable", "path", layout.IndexPath(), "error", err)
		s.Index = nil
	}

	snapshots := classify.NewSnapshotStore()
	s.Classifier = classify.New(layout.DocsDir(), layout.StateDir(), snapshots)
	s.Checker = consistency.New(s.Repo, cfg.Consistency, logger.With("component", "checker"))
	s.Syncer = syncer.New(syncer.Options{
		Repo:      s.Repo,
		Audit:     s.Audit,
		Snapshots: s.Classifier,
		Logger:    logger.With("component", "syncer"),
		OnFinish:  s.onTransaction,
	})

	sender := opts.Notify
	if sender == nil {
		sender = notify.Discard
		if cfg.Notify.Enabled {
			sender = notify.Send
		}
	}
	s.Arbiter = arbiter.New(arbiter.Options{
		Syncer:   s.Syncer,
		Store:    s.Store,
		Backups:  arbiter.NewBackups(layout.BackupsDir()),
		Config:   cfg.Consistency,
		Audit:    s.Audit,
		Notify:   sender,
		Logger:   logger.With("component", "arbiter"),
		OnSettle: s.Metrics.ObserveConflict,
	})

	var history tracker.History
	if s.Index != nil {
		history = s.Index
	}
	s.Tracker = tracker.New(tracker.Options{
		Syncer:  s.Syncer,
		Repo:    s.Repo,
		Checker: s.Checker,
		History: history,
		Logger:  logger.With("component", "tracker"),
		OnClose: s.onClose,
	})
	s.Scheduler = scheduler.New(scheduler.Options{
		Source:        s.Repo,
		Config:        cfg.Scheduler,
		Logger:        logger.With("component", "scheduler"),
		CycleCacheTTL: ttl,
	})

	logger.Info("state loaded",
		"specs", len(snap.Docs), "active_assignments", len(snap.Assignments.Active),
		"doc_errors", len(snap.DocErrors), "recovered", len(recovered))
	return s, nil
}

// Recovered lists the state files restored or reset during Open.
func (s *System) Recovered() []string { return s.recovered }

func (s *System) onTransaction(rc syncer.Receipt) {
	s.Metrics.ObserveTransaction(rc)
	if s.Index == nil {
		return
	}
	if err := s.Index.RecordTransaction(context.Background(), rc); err != nil {
		s.Logger.Warn("index transaction failed", "tx", rc.ID, "error", err)
	}
}

func (s *System) onClose(rec model.AssignmentRecord) {
	s.Metrics.ObserveClosed(rec)
	if s.Index == nil {
		return
	}
	if err := s.Index.RecordCompletion(context.Background(), rec); err != nil {
		s.Logger.Warn("index completion failed", "task", rec.Key().String(), "error", err)
	}
}

// WatchedPaths lists every file the classifier should hold a baseline for:
// the spec documents and the record file.
func (s *System) WatchedPaths() []string {
	paths := []string{filepath.Join(s.Layout.StateDir(), state.ProgressFile)}
	_ = filepath.WalkDir(s.Layout.DocsDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".md") {
			paths = append(paths, path)
		}
		return nil
	})
	return paths
}

// SampleMetrics refreshes the point-in-time gauges.
func (s *System) SampleMetrics(router *events.Router) {
	g := metrics.Gauges{Cache: s.Repo.Cache().Stats()}
	if router != nil {
		g.Subscribers = router.Stats()
		g.DeadLetters = len(router.DeadLetters())
	}
	if pending, err := s.Arbiter.Pending(); err == nil {
		g.PendingConflicts = len(pending)
	}
	if snap, err := s.Repo.Snapshot(); err == nil {
		g.ActiveAssignments = snap.Assignments.CountActive()
	}
	s.Metrics.Sample(g)
}

func (s *System) Close() error {
	var errs []error
	if s.Index != nil {
		errs = append(errs, s.Index.Close())
	}
	if s.Audit != nil {
		errs = append(errs, s.Audit.Close())
	}
	errs = append(errs, s.closeLog())
	return errors.Join(errs...)
}

func (s *System) closeLog() error {
	if s.log == nil {
		return nil
	}
	return s.log.Close()
}
