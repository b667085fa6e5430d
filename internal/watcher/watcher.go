// Package watcher turns filesystem notifications under a set of roots into
// debounced ChangeEvents. A burst of notifications for one path inside the
// debounce window becomes exactly one event.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/specsync/internal/model"
)

var ErrRunning = errors.New("watcher already running")

// Warning reports a non-fatal problem, typically a root that could not be
// watched and has been excluded.
type Warning struct {
	Root string
	Err  error
	At   time.Time
}

func (w Warning) String() string {
	if w.Root == "" {
		return w.Err.Error()
	}
	return fmt.Sprintf("%s: %v", w.Root, w.Err)
}

type Options struct {
	Roots    []string
	Include  []string
	Exclude  []string
	Debounce time.Duration
	// MaxDelay bounds how long a continuously rewritten path can defer its
	// event. Defaults to ten debounce windows.
	MaxDelay time.Duration
	Buffer   int
	Logger   *slog.Logger
}

type pendingChange struct {
	first, last time.Time
	count       int
}

type session struct {
	fsw      *fsnotify.Watcher
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
	rescan   chan struct{}
}

func (s *session) stop() {
	s.once.Do(func() { close(s.done) })
}

// Watcher is restartable: Stop followed by Start re-arms observation.
// Changes made while stopped are not replayed.
type Watcher struct {
	opts   Options
	logger *slog.Logger
	events chan model.ChangeEvent
	warns  chan Warning

	mu       sync.Mutex
	cur      *session
	excluded map[string]bool
	baseline map[string][]byte
}

func New(opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * opts.Debounce
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	roots := make([]string, 0, len(opts.Roots))
	for _, r := range opts.Roots {
		if abs, err := filepath.Abs(r); err == nil {
			r = abs
		}
		roots = append(roots, filepath.Clean(r))
	}
	opts.Roots = roots
	return &Watcher{
		opts:     opts,
		logger:   opts.Logger,
		events:   make(chan model.ChangeEvent, opts.Buffer),
		warns:    make(chan Warning, 64),
		excluded: make(map[string]bool),
		baseline: make(map[string][]byte),
	}
}

// Events is the debounced event stream. It stays open across restarts.
func (w *Watcher) Events() <-chan model.ChangeEvent { return w.events }

func (w *Watcher) Warnings() <-chan Warning { return w.warns }

func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur != nil
}

// ActiveRoots returns the roots still under observation.
func (w *Watcher) ActiveRoots() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, r := range w.opts.Roots {
		if !w.excluded[r] {
			out = append(out, r)
		}
	}
	return out
}

// Start arms the watcher until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur != nil {
		return ErrRunning
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	baseline := make(map[string][]byte)
	for _, root := range w.opts.Roots {
		if w.excluded[root] {
			continue
		}
		if err := w.addTree(fsw, root, baseline); err != nil {
			w.excludeLocked(root, err)
		}
	}
	w.baseline = baseline

	s := &session{
		fsw:      fsw,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		rescan:   make(chan struct{}, 1),
	}
	w.cur = s
	go w.loop(ctx, s)
	w.logger.Info("watcher started", "roots", len(w.opts.Roots), "debounce", w.opts.Debounce)
	return nil
}

// Stop disarms the watcher and waits for its loop to exit. Pending,
// not-yet-debounced changes are discarded.
func (w *Watcher) Stop() {
	w.mu.Lock()
	s := w.cur
	w.cur = nil
	w.mu.Unlock()
	if s == nil {
		return
	}
	s.stop()
	<-s.finished
	w.logger.Info("watcher stopped")
}

// Rescan asks the running loop to compare every watched file against its
// baseline and emit events for differences fsnotify may have missed.
func (w *Watcher) Rescan() {
	w.mu.Lock()
	s := w.cur
	w.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.rescan <- struct{}{}:
	default:
	}
}

func (w *Watcher) loop(ctx context.Context, s *session) {
	defer close(s.finished)
	defer func() { _ = s.fsw.Close() }()
	defer func() {
		w.mu.Lock()
		if w.cur == s {
			w.cur = nil
		}
		w.mu.Unlock()
	}()

	pending := make(map[string]*pendingChange)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	rearm := func() {
		if len(pending) == 0 {
			return
		}
		next := time.Time{}
		for _, p := range pending {
			due := w.dueAt(p)
			if next.IsZero() || due.Before(next) {
				next = due
			}
		}
		timer.Reset(time.Until(next))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return

		case ev, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			w.observe(s, ev, pending)
			timer.Stop()
			rearm()

		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			w.warn(Warning{Err: err, At: time.Now()})

		case <-s.rescan:
			for _, path := range w.changedOnDisk() {
				if _, ok := pending[path]; !ok {
					now := time.Now()
					pending[path] = &pendingChange{first: now.Add(-w.opts.Debounce), last: now.Add(-w.opts.Debounce), count: 1}
				}
			}
			timer.Stop()
			timer.Reset(0)

		case <-timer.C:
			now := time.Now()
			due := make([]string, 0, len(pending))
			for path, p := range pending {
				if !w.dueAt(p).After(now) {
					due = append(due, path)
				}
			}
			sort.Strings(due)
			for _, path := range due {
				p := pending[path]
				delete(pending, path)
				ev, ok := w.materialize(path, p)
				if !ok {
					continue
				}
				select {
				case w.events <- ev:
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
			}
			rearm()
		}
	}
}

func (w *Watcher) dueAt(p *pendingChange) time.Time {
	due := p.last.Add(w.opts.Debounce)
	if limit := p.first.Add(w.opts.MaxDelay); limit.Before(due) {
		return limit
	}
	return due
}

func (w *Watcher) observe(s *session, ev fsnotify.Event, pending map[string]*pendingChange) {
	path := filepath.Clean(ev.Name)

	if w.isRoot(path) && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
		w.mu.Lock()
		w.excludeLocked(path, errors.New("watch root removed"))
		w.mu.Unlock()
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if w.excludedName(filepath.Base(path)) {
				return
			}
			// files created before the watch was added are picked up as creates
			_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if d.IsDir() {
					if p != path && w.excludedName(d.Name()) {
						return filepath.SkipDir
					}
					if err := s.fsw.Add(p); err != nil {
						w.warn(Warning{Root: p, Err: err, At: time.Now()})
					}
					return nil
				}
				if w.matches(p) {
					w.touch(pending, p)
				}
				return nil
			})
			return
		}
	}

	if ev.Op == fsnotify.Chmod {
		return
	}
	if !w.matches(path) {
		return
	}
	w.touch(pending, path)
}

func (w *Watcher) touch(pending map[string]*pendingChange, path string) {
	now := time.Now()
	if p, ok := pending[path]; ok {
		p.last = now
		p.count++
		return
	}
	pending[path] = &pendingChange{first: now, last: now, count: 1}
}

// materialize reads the settled state of path and builds its event. The
// kind comes from comparing disk with the baseline, not from the raw ops, so
// editor save sequences (rename, create, write) collapse correctly.
func (w *Watcher) materialize(path string, p *pendingChange) (model.ChangeEvent, bool) {
	content, err := os.ReadFile(path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.warn(Warning{Root: path, Err: err, At: time.Now()})
		return model.ChangeEvent{}, false
	}

	w.mu.Lock()
	prev, known := w.baseline[path]
	if exists {
		w.baseline[path] = content
	} else {
		delete(w.baseline, path)
	}
	w.mu.Unlock()

	var kind model.ChangeKind
	switch {
	case exists && known:
		kind = model.ChangeModify
	case exists:
		kind = model.ChangeCreate
	case known:
		kind = model.ChangeDelete
	default:
		// appeared and vanished inside one window
		return model.ChangeEvent{}, false
	}

	return model.ChangeEvent{
		Path:         path,
		Kind:         kind,
		DiscoveredAt: p.first,
		RawDiff:      RawDiff(path, prev, content),
		Coalesced:    p.count,
	}, true
}

// changedOnDisk lists matching files whose content differs from baseline,
// plus baseline entries that no longer exist.
func (w *Watcher) changedOnDisk() []string {
	current := make(map[string][]byte)
	for _, root := range w.ActiveRoots() {
		_ = w.scan(root, current)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for path, content := range current {
		if prev, ok := w.baseline[path]; !ok || string(prev) != string(content) {
			out = append(out, path)
		}
	}
	for path := range w.baseline {
		if _, ok := current[path]; !ok {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string, baseline map[string][]byte) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if p != root && w.excludedName(d.Name()) {
				return filepath.SkipDir
			}
			return fsw.Add(p)
		}
		if w.matches(p) {
			if content, err := os.ReadFile(p); err == nil {
				baseline[p] = content
			}
		}
		return nil
	})
}

func (w *Watcher) scan(root string, into map[string][]byte) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != root && w.excludedName(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.matches(p) {
			if content, err := os.ReadFile(p); err == nil {
				into[p] = content
			}
		}
		return nil
	})
}

func (w *Watcher) isRoot(path string) bool {
	for _, r := range w.opts.Roots {
		if r == path {
			return true
		}
	}
	return false
}

func (w *Watcher) excludeLocked(root string, err error) {
	if w.excluded[root] {
		return
	}
	w.excluded[root] = true
	w.logger.Warn("watch root excluded", "root", root, "error", err)
	w.warn(Warning{Root: root, Err: err, At: time.Now()})
}

func (w *Watcher) warn(wr Warning) {
	select {
	case w.warns <- wr:
	default:
		w.logger.Warn("watcher warning dropped", "warning", wr.String())
	}
}
