package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/msageha/specsync/internal/consistency"
	"github.com/msageha/specsync/internal/events"
	"github.com/msageha/specsync/internal/lock"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/uds"
	"github.com/msageha/specsync/internal/watcher"
)

// Daemon watches a project and keeps its documents and records in agreement
// until it is shut down.
type Daemon struct {
	sys     *System
	router  *events.Router
	watcher *watcher.Watcher
	lock    *lock.FileLock
	control *uds.Server

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	shutdown  sync.Once
	started   bool
	startedAt time.Time
}

func NewDaemon(sys *System) *Daemon {
	cfg := sys.Config
	d := &Daemon{
		sys:  sys,
		lock: lock.NewFileLock(sys.Layout.LockPath()),
	}
	d.router = events.NewRouter(events.Options{
		Backlog:          cfg.Router.Backlog,
		FailureThreshold: cfg.Router.FailureThreshold,
		HandlerTimeout:   time.Duration(cfg.Router.HandlerTimeoutMs) * time.Millisecond,
		Store:            sys.Store,
		Logger:           sys.Logger.With("component", "router"),
		OnDelivery:       sys.Metrics.ObserveDelivery,
		OnSuspend:        sys.Metrics.ObserveSuspend,
	})
	d.watcher = watcher.New(watcher.Options{
		Roots:    []string{sys.Layout.DocsDir(), sys.Layout.StateDir()},
		Include:  cfg.Watcher.Include,
		Exclude:  cfg.Watcher.Exclude,
		Debounce: cfg.Watcher.Debounce(),
		Buffer:   cfg.Watcher.EventBuffer,
		Logger:   sys.Logger.With("component", "watcher"),
	})
	d.control = uds.NewServer(sys.Layout.SocketPath(), sys.Logger.With("component", "control"))
	return d
}

func (d *Daemon) Router() *events.Router { return d.router }

// Start acquires the project lock, registers the subscribers, reconciles
// drift left from while no daemon was running and starts the background
// loops. It returns once the daemon is running.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.lock.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			if pid := lock.HolderPID(d.lock.Path()); pid > 0 {
				return fmt.Errorf("daemon already running (pid %d): %w", pid, err)
			}
		}
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.sys.Logger.Info("daemon starting", "pid", os.Getpid(), "root", d.sys.Layout.Root)

	d.ctx, d.cancel = context.WithCancel(ctx)
	for _, sub := range d.subscribers() {
		if err := d.router.Subscribe(sub); err != nil {
			d.release()
			return fmt.Errorf("subscribe %s: %w", sub.Name(), err)
		}
	}

	d.sys.Classifier.Snapshots().Seed(d.sys.WatchedPaths())
	if err := d.watcher.Start(d.ctx); err != nil {
		d.release()
		return fmt.Errorf("start watcher: %w", err)
	}
	d.started = true
	d.startedAt = time.Now()

	d.wg.Add(3)
	go d.changeLoop()
	go d.warningLoop()
	go d.tickerLoop()

	d.startControl()
	d.validate(d.ctx)
	d.sys.Logger.Info("daemon ready")
	return nil
}

// Run starts the daemon and blocks until SIGINT or SIGTERM, then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

func (d *Daemon) subscribers() []events.Subscriber {
	return []events.Subscriber{
		events.Func("sync", d.handleRepair, events.CategoryRepair),
		events.Func("arbiter", d.handleConflict, events.CategoryConflict),
		events.Func("scheduler", d.handleChange, events.CategoryChange),
		events.AuditSubscriber(d.sys.Audit),
	}
}

// handleRepair copies each divergent field to the losing side and closes
// any conflict the repair made obsolete.
func (d *Daemon) handleRepair(ctx context.Context, ev events.Event) error {
	if ev.Verdict == nil {
		return nil
	}
	rc, err := d.sys.Syncer.Propagate(ctx, *ev.Verdict)
	if err != nil {
		return fmt.Errorf("propagate %s: %w", ev.Verdict.Entity, err)
	}
	if _, err := d.sys.Arbiter.Settle(ev.Verdict.Entity.SpecID, "repaired by "+rc.ID); err != nil {
		d.sys.Logger.Warn("settle after repair failed", "entity", ev.Verdict.Entity.String(), "error", err)
	}
	d.sys.Scheduler.Invalidate(ev.Verdict.Entity.SpecID)
	return nil
}

func (d *Daemon) handleConflict(ctx context.Context, ev events.Event) error {
	if ev.Verdict == nil {
		return nil
	}
	cf, err := d.sys.Arbiter.Arbitrate(ctx, *ev.Verdict)
	if err != nil {
		return fmt.Errorf("arbitrate %s: %w", ev.Verdict.Entity, err)
	}
	d.sys.Logger.Info("conflict handled", "conflict", cf.ID, "state", cf.State, "entity", ev.Verdict.Entity.String())
	d.sys.Scheduler.Invalidate(ev.Verdict.Entity.SpecID)
	return nil
}

// handleChange drops cached scheduling data for every spec a change touched.
func (d *Daemon) handleChange(_ context.Context, ev events.Event) error {
	if ev.Classification == nil {
		return nil
	}
	for _, id := range ev.Classification.SpecIDs {
		d.sys.Scheduler.Invalidate(id)
	}
	return nil
}

// changeLoop classifies debounced changes in batches and routes the results.
func (d *Daemon) changeLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.watcher.Events():
			batch := []model.ChangeEvent{ev}
		drain:
			for {
				select {
				case more := <-d.watcher.Events():
					batch = append(batch, more)
				default:
					break drain
				}
			}
			d.process(d.ctx, batch)
		}
	}
}

func (d *Daemon) process(ctx context.Context, batch []model.ChangeEvent) {
	classes, err := d.sys.Classifier.ClassifyBatch(ctx, batch)
	if err != nil {
		if ctx.Err() == nil {
			d.sys.Logger.Error("classification failed", "events", len(batch), "error", err)
		}
		return
	}
	for _, cl := range classes {
		if cl.Kind == model.ClassUnchanged {
			continue
		}
		d.sys.Logger.Debug("change classified", "path", cl.Event.Path, "kind", cl.Kind, "specs", cl.SpecIDs)
		d.publish(ctx, events.ClassificationEvent(cl))

		verdicts, err := d.sys.Checker.Check(ctx, cl)
		if err != nil {
			d.sys.Logger.Error("consistency check failed", "path", cl.Event.Path, "error", err)
			continue
		}
		d.route(ctx, cl.Event.Path, verdicts)
	}
}

// route publishes non-consistent verdicts and settles conflicts whose
// entity became consistent on its own.
func (d *Daemon) route(ctx context.Context, source string, verdicts []model.ConsistencyVerdict) {
	for _, v := range verdicts {
		d.sys.Metrics.ObserveVerdict(v)
		if v.Status == model.VerdictConsistent {
			if ok, err := d.sys.Arbiter.Settle(v.Entity.SpecID, "consistent after change"); err != nil {
				d.sys.Logger.Warn("settle failed", "entity", v.Entity.String(), "error", err)
			} else if ok {
				d.sys.Logger.Info("conflict settled externally", "entity", v.Entity.String())
			}
			continue
		}
		src := source
		if src == "" && len(v.Files) > 0 {
			src = v.Files[0]
		}
		d.publish(ctx, events.VerdictEvent(src, v))
	}
}

func (d *Daemon) publish(ctx context.Context, ev events.Event) {
	if err := d.router.Publish(ctx, ev); err != nil && ctx.Err() == nil {
		d.sys.Logger.Warn("publish failed", "category", ev.Category, "source", ev.Source, "error", err)
	}
}

func (d *Daemon) warningLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case w := <-d.watcher.Warnings():
			d.sys.Logger.Warn("watcher warning", "root", w.Root, "error", w.Err)
			d.publish(d.ctx, events.Event{
				Category: events.CategoryWarning,
				Priority: events.PriorityWarning,
				Source:   w.Root,
				Summary:  w.String(),
			})
		}
	}
}

// tickerLoop runs the periodic validation cycle and the missed-event rescan.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	validateEvery := time.Duration(d.sys.Config.Daemon.ValidateIntervalSec) * time.Second
	if validateEvery <= 0 {
		validateEvery = 30 * time.Second
	}
	scanEvery := time.Duration(d.sys.Config.Watcher.ScanIntervalSec) * time.Second
	if scanEvery <= 0 {
		scanEvery = 30 * time.Second
	}
	validate := time.NewTicker(validateEvery)
	defer validate.Stop()
	scan := time.NewTicker(scanEvery)
	defer scan.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-validate.C:
			d.validate(d.ctx)
		case <-scan.C:
			d.sys.Logger.Debug("periodic rescan triggered")
			d.watcher.Rescan()
		}
	}
}

// validate checks every entity, routes what drifted and refreshes metrics.
func (d *Daemon) validate(ctx context.Context) (consistency.Report, error) {
	rep, err := d.sys.Tracker.ValidateState(ctx).Unwrap()
	if err != nil {
		if ctx.Err() == nil {
			d.sys.Logger.Error("validation cycle failed", "error", err)
		}
		return rep, err
	}
	for path, msg := range rep.DocErrors {
		d.sys.Logger.Warn("document unreadable", "path", path, "error", msg)
	}
	if !rep.OK() {
		d.sys.Logger.Info("validation found drift",
			"auto_repairable", rep.AutoRepairable, "conflicts", rep.Conflicts, "doc_errors", len(rep.DocErrors))
	}
	d.route(ctx, "", rep.Verdicts)
	d.writeMetrics()
	return rep, nil
}

func (d *Daemon) writeMetrics() {
	d.sys.SampleMetrics(d.router)
	if !d.sys.Config.Metrics.Enabled {
		return
	}
	if err := d.sys.Metrics.WriteTextfile(d.sys.Layout.MetricsPath()); err != nil {
		d.sys.Logger.Warn("metrics textfile write failed", "error", err)
	}
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.sys.Logger.Info("signal received, shutting down", "signal", sig.String())
	case <-d.ctx.Done():
	}

	// A second signal forces exit.
	go func() {
		<-sigCh
		d.sys.Logger.Warn("second signal received, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown stops the watcher, drains the router within the configured
// timeout and releases the project lock. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		if !d.started {
			return
		}
		d.sys.Logger.Info("shutdown started")

		timeout := time.Duration(d.sys.Config.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := d.control.Stop(); err != nil {
			d.sys.Logger.Warn("stop control socket", "error", err)
		}
		d.watcher.Stop()
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-drainCtx.Done():
			d.sys.Logger.Warn("shutdown timeout, loops still running", "timeout", timeout)
		}

		if err := d.router.Close(drainCtx); err != nil {
			d.sys.Logger.Warn("router drain incomplete", "error", err)
		}
		d.writeMetrics()
		d.release()
		d.sys.Logger.Info("daemon stopped")
	})
}

func (d *Daemon) release() {
	if d.cancel != nil {
		d.cancel()
	}
	if err := d.lock.Unlock(); err != nil {
		d.sys.Logger.Warn("release daemon lock", "error", err)
	}
}

// ReplayDeadLetters redelivers the dead letters of subscriber (all of them
// when empty) through a short-lived router. It holds the daemon lock, so it
// fails while a daemon is running.
func ReplayDeadLetters(ctx context.Context, sys *System, subscriber string) (int, error) {
	d := NewDaemon(sys)
	if err := d.lock.TryLock(); err != nil {
		return 0, fmt.Errorf("replay needs the daemon stopped: %w", err)
	}
	defer d.release()

	for _, sub := range d.subscribers() {
		if err := d.router.Subscribe(sub); err != nil {
			return 0, fmt.Errorf("subscribe %s: %w", sub.Name(), err)
		}
	}
	total, err := d.replay(ctx, subscriber)
	if cerr := d.router.Close(ctx); err == nil {
		err = cerr
	}
	return total, err
}

// replay redelivers the dead letters of subscriber, or of every subscriber
// when empty.
func (d *Daemon) replay(ctx context.Context, subscriber string) (int, error) {
	names := []string{subscriber}
	if subscriber == "" {
		names = names[:0]
		for _, sub := range d.subscribers() {
			names = append(names, sub.Name())
		}
	}
	total := 0
	for _, name := range names {
		n, err := d.router.Replay(ctx, name)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
