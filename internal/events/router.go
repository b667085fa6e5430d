// Package events routes pipeline events to typed subscribers and keeps the
// append-only audit log.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/specsync/internal/state"
)

var (
	ErrClosed            = errors.New("router closed")
	ErrDuplicate         = errors.New("subscriber already registered")
	ErrUnknownSubscriber = errors.New("unknown subscriber")
)

// Options configures a Router. Zero values take the defaults.
type Options struct {
	// Backlog bounds the undelivered events per subscriber; Publish blocks
	// while a matching subscriber is full.
	Backlog int
	// FailureThreshold consecutive failures suspend a subscriber.
	FailureThreshold int
	HandlerTimeout   time.Duration
	// Store persists the dead-letter queue when set.
	Store  *state.Store
	Logger *slog.Logger
	// OnDelivery is called after every handler invocation.
	OnDelivery func(subscriber string, ev Event, elapsed time.Duration, err error)
	// OnSuspend is called when a subscriber trips its breaker.
	OnSuspend func(subscriber string, err error)
}

// Router is a priority-ordered publish/subscribe layer. Each subscriber has
// its own worker, so a slow or failing one never delays the others.
type Router struct {
	opts   Options
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	seq    uint64
	wg     sync.WaitGroup

	dlMu sync.Mutex
	dead []state.DeadLetter
}

type subscription struct {
	sub  Subscriber
	cats map[Category]bool
	slot chan struct{}

	mu        sync.Mutex
	cond      *sync.Cond
	queue     *pending
	failures  int
	suspended bool
	stopping  bool
	delivered int64
	failed    int64
}

func NewRouter(opts Options) *Router {
	if opts.Backlog <= 0 {
		opts.Backlog = 256
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		opts:   opts,
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
	}
	if opts.Store != nil {
		if dl, err := opts.Store.LoadDeadLetters(); err != nil {
			r.logger.Warn("dead letters unreadable", "error", err)
		} else {
			r.dead = dl.Letters
		}
	}
	return r
}

// Subscribe registers sub and starts its worker.
func (r *Router) Subscribe(sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	name := sub.Name()
	if _, ok := r.subs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	s := &subscription{
		sub:   sub,
		slot:  make(chan struct{}, r.opts.Backlog),
		queue: newPending(),
	}
	s.cond = sync.NewCond(&s.mu)
	if cats := sub.Categories(); len(cats) > 0 {
		s.cats = make(map[Category]bool, len(cats))
		for _, c := range cats {
			s.cats[c] = true
		}
	}
	r.subs[name] = s
	r.wg.Add(1)
	go r.run(s)
	return nil
}

// Unsubscribe stops name's worker once its in-flight delivery finishes.
// Undelivered events are dropped.
func (r *Router) Unsubscribe(name string) {
	r.mu.Lock()
	s, ok := r.subs[name]
	delete(r.subs, name)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	dropped := s.queue.drain()
	s.stopping = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.release(len(dropped))
}

func (s *subscription) wants(c Category) bool {
	return s.cats == nil || s.cats[c]
}

func (s *subscription) release(n int) {
	for i := 0; i < n; i++ {
		<-s.slot
	}
}

// Publish enqueues ev for every subscriber of its category. It blocks while
// a subscriber's backlog is full and returns ctx's error if ctx ends first;
// subscribers already served keep the event.
func (r *Router) Publish(ctx context.Context, ev Event) error {
	ev.stamp()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.seq++
	seq := r.seq
	targets := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s.wants(ev.Category) {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].sub.Name() < targets[j].sub.Name() })

	for _, s := range targets {
		if err := r.enqueue(ctx, s, queued{ev: ev, seq: seq}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) enqueue(ctx context.Context, s *subscription, q queued) error {
	s.mu.Lock()
	suspended, stopping := s.suspended, s.stopping
	s.mu.Unlock()
	if stopping {
		return nil
	}
	if suspended {
		r.deadLetter(s.sub.Name(), q.ev, "subscriber suspended", 0)
		r.persistDeadLetters()
		return nil
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopping:
		<-s.slot
	case s.suspended:
		<-s.slot
		r.deadLetter(s.sub.Name(), q.ev, "subscriber suspended", 0)
	default:
		s.queue.push(q)
		s.cond.Signal()
	}
	return nil
}

func (r *Router) run(s *subscription) {
	defer r.wg.Done()
	name := s.sub.Name()
	for {
		s.mu.Lock()
		for s.queue.size == 0 && !s.stopping {
			s.cond.Wait()
		}
		l, q, ok := s.queue.next()
		if !ok {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		start := time.Now()
		err := r.deliver(s.sub, q.ev)
		if r.opts.OnDelivery != nil {
			r.opts.OnDelivery(name, q.ev, time.Since(start), err)
		}

		s.mu.Lock()
		s.queue.done(l)
		var moved []queued
		tripped := false
		if err == nil {
			s.failures = 0
			s.delivered++
		} else {
			s.failures++
			s.failed++
			r.logger.Warn("subscriber failed", "subscriber", name, "event", q.ev.ID, "attempt", s.failures, "error", err)
			r.deadLetter(name, q.ev, err.Error(), 1)
			if s.failures >= r.opts.FailureThreshold && !s.suspended {
				s.suspended = true
				tripped = true
				moved = s.queue.drain()
			}
		}
		s.mu.Unlock()
		s.release(1 + len(moved))

		if tripped {
			for _, m := range moved {
				r.deadLetter(name, m.ev, "subscriber suspended", 0)
			}
			r.logger.Error("subscriber suspended", "subscriber", name, "failures", r.opts.FailureThreshold, "dead_lettered", len(moved)+1)
			if r.opts.OnSuspend != nil {
				r.opts.OnSuspend(name, err)
			}
		}
		if err != nil {
			r.persistDeadLetters()
		}
	}
}

// deliver runs the handler with a timeout, turning a panic into an error.
func (r *Router) deliver(sub Subscriber, ev Event) (err error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.HandlerTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return sub.Handle(ctx, ev)
}

func (r *Router) deadLetter(subscriber string, ev Event, reason string, attempts int) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("dead letter payload", "event", ev.ID, "error", err)
	}
	r.dlMu.Lock()
	r.dead = append(r.dead, state.DeadLetter{
		ID:         "dl_" + uuid.NewString(),
		Subscriber: subscriber,
		Category:   string(ev.Category),
		Priority:   ev.Priority.String(),
		Source:     ev.Source,
		Summary:    ev.Summary,
		LastError:  reason,
		Attempts:   attempts,
		DeadAt:     time.Now().UTC(),
		Payload:    payload,
	})
	r.dlMu.Unlock()
}

func (r *Router) persistDeadLetters() {
	if r.opts.Store == nil {
		return
	}
	r.dlMu.Lock()
	letters := append([]state.DeadLetter(nil), r.dead...)
	r.dlMu.Unlock()
	dl := state.DeadLetters{SchemaVersion: state.SchemaVersion, Letters: letters, UpdatedAt: time.Now().UTC()}
	if err := r.opts.Store.SaveDeadLetters(dl); err != nil {
		r.logger.Error("persist dead letters", "error", err)
	}
}

// DeadLetters returns a copy of the dead-letter queue, oldest first.
func (r *Router) DeadLetters() []state.DeadLetter {
	r.dlMu.Lock()
	defer r.dlMu.Unlock()
	return append([]state.DeadLetter(nil), r.dead...)
}

// Replay resumes a suspended subscriber and re-delivers its dead letters in
// their original order. It returns how many were re-queued.
func (r *Router) Replay(ctx context.Context, name string) (int, error) {
	r.mu.RLock()
	s, ok := r.subs[name]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSubscriber, name)
	}

	s.mu.Lock()
	s.suspended = false
	s.failures = 0
	s.mu.Unlock()

	r.dlMu.Lock()
	var mine []state.DeadLetter
	kept := r.dead[:0:0]
	for _, d := range r.dead {
		if d.Subscriber == name {
			mine = append(mine, d)
		} else {
			kept = append(kept, d)
		}
	}
	r.dead = kept
	r.dlMu.Unlock()

	n := 0
	for i, d := range mine {
		var ev Event
		if err := json.Unmarshal(d.Payload, &ev); err != nil {
			r.logger.Warn("dead letter undecodable, dropping", "id", d.ID, "error", err)
			continue
		}
		r.mu.Lock()
		r.seq++
		seq := r.seq
		r.mu.Unlock()
		if err := r.enqueue(ctx, s, queued{ev: ev, seq: seq}); err != nil {
			// put back what was not re-queued
			r.dlMu.Lock()
			r.dead = append(r.dead, mine[i:]...)
			r.dlMu.Unlock()
			r.persistDeadLetters()
			return n, err
		}
		n++
	}
	r.persistDeadLetters()
	r.logger.Info("replayed dead letters", "subscriber", name, "count", n)
	return n, nil
}

// SubscriberStats is a point-in-time view of one subscriber.
type SubscriberStats struct {
	Name      string `json:"name"`
	Pending   int    `json:"pending"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	Failures  int    `json:"consecutive_failures"`
	Suspended bool   `json:"suspended"`
}

func (r *Router) Stats() []SubscriberStats {
	r.mu.RLock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	out := make([]SubscriberStats, 0, len(subs))
	for _, s := range subs {
		s.mu.Lock()
		out = append(out, SubscriberStats{
			Name:      s.sub.Name(),
			Pending:   s.queue.size,
			Delivered: s.delivered,
			Failed:    s.failed,
			Failures:  s.failures,
			Suspended: s.suspended,
		})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops accepting events and waits for every worker to drain its
// queue. If ctx ends first, in-flight handlers are cancelled and the
// remaining events are dropped.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		s.stopping = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		for _, s := range subs {
			s.mu.Lock()
			s.release(len(s.queue.drain()))
			s.mu.Unlock()
		}
		<-done
		return ctx.Err()
	}
}
