// Package syncer writes cross-representation changes as all-or-nothing
// multi-file transactions.
package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/specsync/internal/events"
	"github.com/msageha/specsync/internal/fileio"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/state"
)

// Write replaces one file. Remove deletes it instead; Content and Validate
// are then ignored.
type Write struct {
	Path     string
	Content  []byte
	Validate fileio.ValidateFunc
	Remove   bool
}

type Transaction struct {
	ID     string
	Entity model.EntityRef
	Fields []string
	Reason string
	// Writes commit in this order.
	Writes []Write
}

func (tx Transaction) Files() []string {
	out := make([]string, len(tx.Writes))
	for i, w := range tx.Writes {
		out[i] = w.Path
	}
	return out
}

type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeNoop      Outcome = "noop"
)

// Receipt describes how a transaction ended.
type Receipt struct {
	ID       string          `json:"id"`
	Entity   model.EntityRef `json:"entity"`
	Fields   []string        `json:"fields,omitempty"`
	Files    []string        `json:"files"`
	Outcome  Outcome         `json:"outcome"`
	Started  time.Time       `json:"started"`
	Duration time.Duration   `json:"duration"`
	Error    string          `json:"error,omitempty"`
}

// Auditor receives one entry per transaction.
type Auditor interface {
	Append(events.AuditEntry) error
}

// Rememberer learns content the coordinator wrote so the echo of the write
// is not mistaken for an external edit.
type Rememberer interface {
	Remember(path string, content []byte)
	Forget(path string)
}

type Options struct {
	Repo      *state.Repository
	Audit     Auditor
	Snapshots Rememberer
	Logger    *slog.Logger
	// OnFinish is called once per transaction with its receipt.
	OnFinish func(Receipt)
}

// Coordinator executes transactions one commit at a time.
type Coordinator struct {
	repo      *state.Repository
	store     *state.Store
	audit     Auditor
	snapshots Rememberer
	logger    *slog.Logger
	onFinish  func(Receipt)
	now       func() time.Time

	// rename is os.Rename outside of tests.
	rename func(oldpath, newpath string) error

	// opMu serialises read-modify-write operations; commitMu only the
	// commit step.
	opMu     sync.Mutex
	commitMu sync.Mutex
	metaMu   sync.Mutex
}

func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		repo:      opts.Repo,
		store:     opts.Repo.Store(),
		audit:     opts.Audit,
		snapshots: opts.Snapshots,
		logger:    opts.Logger,
		onFinish:  opts.OnFinish,
		now:       time.Now,
		rename:    os.Rename,
	}
}

// Locked runs fn while holding the commit lock, so fn observes no
// half-applied transaction.
func (c *Coordinator) Locked(fn func()) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	fn()
}

type staged struct {
	w       Write
	tmp     string
	orig    []byte
	existed bool
	done    bool
}

// Execute stages every write, validates it and commits by rename. If any
// step fails every target is left byte-identical to its prior content. ctx
// is honoured only until the commit starts.
func (c *Coordinator) Execute(ctx context.Context, tx Transaction) (Receipt, error) {
	if tx.ID == "" {
		tx.ID = "txn_" + uuid.NewString()
	}
	rc := Receipt{ID: tx.ID, Entity: tx.Entity, Fields: tx.Fields, Files: tx.Files(), Started: c.now()}
	if len(tx.Writes) == 0 {
		rc.Outcome = OutcomeNoop
		return rc, nil
	}

	err := c.execute(ctx, tx)
	rc.Duration = c.now().Sub(rc.Started)
	switch {
	case err == nil:
		rc.Outcome = OutcomeCommitted
	case errors.Is(err, model.ErrCancelled):
		rc.Outcome = OutcomeCancelled
	default:
		rc.Outcome = OutcomeFailed
	}
	if err != nil {
		rc.Error = err.Error()
	}
	c.finish(tx, rc)
	return rc, err
}

func (c *Coordinator) execute(ctx context.Context, tx Transaction) error {
	seen := make(map[string]bool, len(tx.Writes))
	parts := make([]*staged, 0, len(tx.Writes))
	defer func() {
		for _, p := range parts {
			if p.tmp != "" {
				_ = os.Remove(p.tmp)
			}
		}
	}()

	for _, w := range tx.Writes {
		w.Path = filepath.Clean(w.Path)
		if seen[w.Path] {
			return model.NewError(model.ErrKindInvalid, "transaction", tx.ID, "duplicate target "+w.Path)
		}
		seen[w.Path] = true
		p := &staged{w: w}
		parts = append(parts, p)
		if w.Remove {
			continue
		}
		tmp, err := fileio.Stage(w.Path, w.Content, w.Validate)
		if err != nil {
			kind := model.ErrKindIO
			if errors.Is(err, fileio.ErrValidation) {
				kind = model.ErrKindParse
			}
			return model.WrapError(kind, "stage", w.Path, err)
		}
		p.tmp = tmp
	}

	if err := ctx.Err(); err != nil {
		return model.WrapError(model.ErrKindCancelled, "transaction", tx.ID, err)
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	for _, p := range parts {
		content, exists, err := fileio.ReadOptional(p.w.Path)
		if err != nil {
			return model.WrapError(model.ErrKindIO, "read original", p.w.Path, err)
		}
		p.orig, p.existed = content, exists
	}

	for i, p := range parts {
		if err := c.commitOne(p); err != nil {
			if rerr := c.restore(parts[:i]); rerr != nil {
				c.logger.Error("transaction rollback incomplete", "txn", tx.ID, "error", rerr)
				err = errors.Join(err, rerr)
			}
			return model.WrapError(model.ErrKindIO, "commit", p.w.Path, err)
		}
		p.done = true
	}

	for _, p := range parts {
		if p.w.Remove {
			if c.snapshots != nil {
				c.snapshots.Forget(p.w.Path)
			}
			continue
		}
		if c.snapshots != nil {
			c.snapshots.Remember(p.w.Path, p.w.Content)
		}
		c.store.Remember(p.w.Path, p.w.Content)
	}
	c.repo.Invalidate()
	return nil
}

func (c *Coordinator) commitOne(p *staged) error {
	if p.w.Remove {
		if !p.existed {
			return nil
		}
		return os.Remove(p.w.Path)
	}
	if p.existed && filepath.Dir(p.w.Path) == filepath.Clean(c.store.Dir()) {
		if err := fileio.CopyFile(p.w.Path, p.w.Path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}
	if err := c.rename(p.tmp, p.w.Path); err != nil {
		return err
	}
	p.tmp = ""
	return nil
}

// restore puts back the original content of every committed target, newest
// first. Targets that did not exist are removed.
func (c *Coordinator) restore(parts []*staged) error {
	var errs []error
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		if !p.existed {
			if err := os.Remove(p.w.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if cur, err := os.ReadFile(p.w.Path); err == nil && bytes.Equal(cur, p.orig) {
			continue
		}
		tmp, err := fileio.Stage(p.w.Path, p.orig, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Rename(tmp, p.w.Path); err != nil {
			_ = os.Remove(tmp)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) finish(tx Transaction, rc Receipt) {
	level := slog.LevelInfo
	if rc.Outcome != OutcomeCommitted {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "transaction",
		"txn", rc.ID, "entity", rc.Entity.String(), "outcome", rc.Outcome,
		"files", len(rc.Files), "duration", rc.Duration, "error", rc.Error)

	if c.audit != nil {
		entry := events.AuditEntry{
			Kind:       events.AuditTransaction,
			ID:         rc.ID,
			Entity:     rc.Entity.String(),
			Fields:     rc.Fields,
			Files:      rc.Files,
			Outcome:    string(rc.Outcome),
			DurationMs: rc.Duration.Milliseconds(),
			Reasoning:  tx.Reason,
		}
		if rc.Error != "" {
			entry.Details = map[string]string{"error": rc.Error}
		}
		if err := c.audit.Append(entry); err != nil {
			c.logger.Error("audit append", "txn", rc.ID, "error", err)
		}
	}
	c.updateMeta(rc)
	if c.onFinish != nil {
		c.onFinish(rc)
	}
}

func (c *Coordinator) updateMeta(rc Receipt) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	meta, err := c.store.LoadAudit()
	if err != nil {
		c.logger.Warn("audit metadata unreadable", "error", err)
	}
	meta.SchemaVersion = state.SchemaVersion
	meta.Transactions++
	if rc.Outcome != OutcomeCommitted {
		meta.FailedTransactions++
	}
	meta.LastTransactionID = rc.ID
	meta.LastTransactionAt = rc.Started.UTC()
	meta.LastOutcome = string(rc.Outcome)
	if err := c.store.SaveAudit(meta); err != nil {
		c.logger.Error("save audit metadata", "error", err)
	}
}

// NoteResolution counts a settled conflict in the audit metadata.
func (c *Coordinator) NoteResolution() {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	meta, err := c.store.LoadAudit()
	if err != nil {
		c.logger.Warn("audit metadata unreadable", "error", err)
	}
	meta.SchemaVersion = state.SchemaVersion
	meta.Resolutions++
	if err := c.store.SaveAudit(meta); err != nil {
		c.logger.Error("save audit metadata", "error", err)
	}
}
