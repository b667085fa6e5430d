// Package arbiter settles consistency conflicts that were not confident
// enough to auto-repair: by recency, then by declared precedence, otherwise
// by queueing them for a person.
package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/specsync/internal/consistency"
	"github.com/msageha/specsync/internal/events"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/notify"
	"github.com/msageha/specsync/internal/state"
	"github.com/msageha/specsync/internal/syncer"
)

// Syncer is the part of the sync coordinator the arbiter writes through.
type Syncer interface {
	Reconcile(ctx context.Context, v model.ConsistencyVerdict, res model.Resolution) (syncer.Receipt, error)
	Restore(ctx context.Context, r syncer.Restoration) (syncer.Receipt, error)
	NoteResolution()
}

type Options struct {
	Syncer  Syncer
	Store   *state.Store
	Backups *Backups
	Config  model.ConsistencyConfig
	Audit   syncer.Auditor
	// Notify is called once when a conflict first enters the manual queue.
	Notify notify.Sender
	Logger *slog.Logger
	// OnSettle is called after every change of a conflict's state.
	OnSettle func(model.Conflict)
}

type Arbiter struct {
	syncer   Syncer
	store    *state.Store
	backups  *Backups
	cfg      model.ConsistencyConfig
	audit    syncer.Auditor
	notify   notify.Sender
	logger   *slog.Logger
	onSettle func(model.Conflict)
	now      func() time.Time

	// mu serialises every read-modify-write of conflicts.json.
	mu sync.Mutex
}

func New(opts Options) *Arbiter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notify == nil {
		opts.Notify = notify.Discard
	}
	return &Arbiter{
		syncer:   opts.Syncer,
		store:    opts.Store,
		backups:  opts.Backups,
		cfg:      opts.Config,
		audit:    opts.Audit,
		notify:   opts.Notify,
		logger:   opts.Logger,
		onSettle: opts.OnSettle,
		now:      time.Now,
	}
}

// Arbitrate settles v automatically when a rule decides every divergent field
// with enough confidence; otherwise the conflict is queued for manual
// resolution and nothing is written. A pending conflict for the same spec is
// updated in place rather than duplicated.
func (a *Arbiter) Arbitrate(ctx context.Context, v model.ConsistencyVerdict) (model.Conflict, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cf := model.Conflict{
		ID:         "cf_" + uuid.NewString(),
		Verdict:    v,
		Candidates: Candidates(v, a.cfg.RecencyTolerance()),
		State:      model.ConflictPending,
		CreatedAt:  a.now().UTC(),
	}
	existing, err := a.pendingFor(v.Entity.SpecID)
	if err != nil {
		return cf, err
	}
	if existing != nil {
		cf.ID, cf.CreatedAt = existing.ID, existing.CreatedAt
	}

	res, ok := a.automatic(v)
	if !ok {
		return a.escalate(cf, existing, fmt.Sprintf("confidence %.2f below %.2f", v.Confidence, a.cfg.ArbitrationThreshold))
	}
	if err := a.apply(ctx, &cf, res, "arbiter"); err != nil {
		if ctx.Err() != nil {
			return cf, err
		}
		a.logger.Warn("automatic resolution failed", "conflict", cf.ID, "entity", v.Entity.String(), "error", err)
		return a.escalate(cf, existing, "automatic resolution failed: "+err.Error())
	}
	return cf, nil
}

// automatic returns the resolution the rules decide, if every field has a
// decisive rule and the verdict clears the arbitration threshold.
func (a *Arbiter) automatic(v model.ConsistencyVerdict) (model.Resolution, bool) {
	if v.Confidence < a.cfg.ArbitrationThreshold || len(v.Divergences) == 0 {
		return model.Resolution{}, false
	}
	res := model.Resolution{
		Strategy:  model.StrategyPrecedence,
		Winner:    v.Source,
		Automatic: true,
		PerField:  make(map[string]model.Side, len(v.Divergences)),
	}
	var why []string
	for _, d := range v.Divergences {
		switch d.Rule {
		case "recency", "recency+precedence":
			res.Strategy = model.StrategyRecency
			why = append(why, fmt.Sprintf("%s: %s written last", d.Field, d.Winner))
		case "newer":
			why = append(why, fmt.Sprintf("%s: %s kept, written within tolerance", d.Field, d.Winner))
		case "precedence":
			why = append(why, fmt.Sprintf("%s: %q outranks %q", d.Field, value(d, d.Winner), value(d, d.Winner.Other())))
		case "create":
			why = append(why, fmt.Sprintf("%s: created from %s", d.Field, d.Winner))
		default:
			return model.Resolution{}, false
		}
		res.PerField[d.Field] = d.Winner
	}
	res.Reasoning = fmt.Sprintf("%s at confidence %.2f; %s", res.Strategy, v.Confidence, strings.Join(why, "; "))
	return res, true
}

func value(d model.Divergence, s model.Side) string {
	if s == model.SideRecord {
		return d.RecordValue
	}
	return d.DocumentValue
}

// Candidates lists the resolutions offered for v: the rule-based ones that
// apply, then keeping either side outright.
func Candidates(v model.ConsistencyVerdict, tolerance time.Duration) []model.Resolution {
	var out []model.Resolution
	if w, ok := consistency.RecencyWinner(v.DocumentWrittenAt, v.RecordWrittenAt, tolerance); ok {
		out = append(out, model.Resolution{
			Strategy:  model.StrategyRecency,
			Winner:    w,
			Reasoning: fmt.Sprintf("%s written %s later", w, v.DocumentWrittenAt.Sub(v.RecordWrittenAt).Abs()),
		})
	}
	prec := model.Resolution{Strategy: model.StrategyPrecedence, Winner: v.Source, PerField: map[string]model.Side{}}
	var why []string
	for _, d := range v.Divergences {
		if w, ok := consistency.PrecedenceWinner(d.Field, d.DocumentValue, d.RecordValue); ok {
			prec.PerField[d.Field] = w
			why = append(why, fmt.Sprintf("%s=%s", d.Field, value(d, w)))
		}
	}
	if len(why) > 0 {
		prec.Reasoning = "terminal status outranks: " + strings.Join(why, ", ")
		out = append(out, prec)
	}
	for _, side := range []model.Side{model.SideDocument, model.SideRecord} {
		out = append(out, model.Resolution{
			Strategy:  model.StrategyManual,
			Winner:    side,
			Reasoning: "keep the " + string(side) + " for every field",
		})
	}
	return out
}

// apply backs up the affected files, then reconciles with res.
func (a *Arbiter) apply(ctx context.Context, cf *model.Conflict, res model.Resolution, by string) error {
	m, err := a.backups.Capture(cf.ID, cf.Verdict.Entity.String(), cf.Verdict.Files)
	if err != nil {
		return err
	}
	rc, err := a.syncer.Reconcile(ctx, cf.Verdict, res)
	if err != nil {
		return err
	}
	now := a.now().UTC()
	cf.BackupID = m.ID
	cf.Chosen = &res
	cf.State = model.ConflictResolved
	cf.ResolvedAt = &now
	cf.ResolvedBy = by
	if err := a.save(*cf); err != nil {
		return err
	}
	a.syncer.NoteResolution()
	a.record(events.AuditResolution, *cf, "resolved", res.Reasoning, map[string]string{
		"strategy":    string(res.Strategy),
		"transaction": rc.ID,
		"backup":      m.ID,
		"by":          by,
	})
	a.logger.Info("conflict resolved",
		"conflict", cf.ID, "entity", cf.Verdict.Entity.String(),
		"strategy", res.Strategy, "by", by)
	a.settled(*cf)
	return nil
}

// escalate queues cf. A conflict already pending with the same divergences
// is left as it is, so repeated validation cycles neither rewrite the queue
// nor the audit log.
func (a *Arbiter) escalate(cf model.Conflict, existing *model.Conflict, why string) (model.Conflict, error) {
	if existing != nil && sameDivergences(existing.Verdict, cf.Verdict) {
		return *existing, nil
	}
	if err := a.save(cf); err != nil {
		return cf, err
	}
	a.record(events.AuditResolution, cf, "escalated", why, nil)
	a.logger.Warn("conflict queued for manual resolution",
		"conflict", cf.ID, "entity", cf.Verdict.Entity.String(),
		"confidence", cf.Verdict.Confidence, "reason", why)
	if existing == nil {
		title := "specsync: conflict on " + cf.Verdict.Entity.String()
		msg := fmt.Sprintf("%d field(s) need review: %s", len(cf.Verdict.Divergences), strings.Join(cf.Verdict.Fields(), ", "))
		if err := a.notify(title, msg); err != nil {
			a.logger.Debug("notification not sent", "error", err)
		}
	}
	a.settled(cf)
	return cf, nil
}

func sameDivergences(a, b model.ConsistencyVerdict) bool {
	if len(a.Divergences) != len(b.Divergences) || a.Missing != b.Missing {
		return false
	}
	type values struct{ doc, rec string }
	seen := make(map[string]values, len(a.Divergences))
	for _, d := range a.Divergences {
		seen[d.Field] = values{d.DocumentValue, d.RecordValue}
	}
	for _, d := range b.Divergences {
		if v, ok := seen[d.Field]; !ok || v != (values{d.DocumentValue, d.RecordValue}) {
			return false
		}
	}
	return true
}

// ResolveManual settles a pending conflict by keeping side for every field
// that still differs.
func (a *Arbiter) ResolveManual(ctx context.Context, id string, side model.Side, note string) (model.Conflict, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if side != model.SideDocument && side != model.SideRecord {
		return model.Conflict{}, model.NewError(model.ErrKindInvalid, "resolve", id, fmt.Sprintf("unknown side %q", side))
	}
	cf, err := a.find(id)
	if err != nil {
		return model.Conflict{}, err
	}
	if cf.State != model.ConflictPending {
		return cf, model.NewError(model.ErrKindInvalid, "resolve", id, "conflict is "+string(cf.State))
	}
	if note == "" {
		note = "keep " + string(side)
	}
	res := model.Resolution{Strategy: model.StrategyManual, Winner: side, Reasoning: "manual: " + note}
	if err := a.apply(ctx, &cf, res, "manual"); err != nil {
		return cf, err
	}
	return cf, nil
}

// Rollback restores a resolved conflict's document and its spec's record
// from the backup taken before the resolution. Records of other specs keep
// their current state.
func (a *Arbiter) Rollback(ctx context.Context, id string) (model.Conflict, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cf, err := a.find(id)
	if err != nil {
		return model.Conflict{}, err
	}
	if cf.State != model.ConflictResolved || cf.BackupID == "" {
		return cf, model.NewError(model.ErrKindInvalid, "rollback", id, "conflict has no applied resolution")
	}
	m, contents, err := a.backups.Load(cf.BackupID)
	if err != nil {
		return cf, err
	}

	r := syncer.Restoration{
		Entity: cf.Verdict.Entity,
		Fields: cf.Verdict.Fields(),
		Reason: "rollback of " + cf.ID,
	}
	progressPath := filepath.Clean(a.store.Path(state.ProgressFile))
	for _, f := range m.Files {
		if filepath.Clean(f.Path) != progressPath {
			r.DocPath, r.Document, r.RemoveDocument = f.Path, contents[f.Path], !f.Existed
			continue
		}
		if !f.Existed {
			continue
		}
		var p state.Progress
		if err := json.Unmarshal(contents[f.Path], &p); err != nil {
			return cf, fmt.Errorf("%w: %s: %v", ErrBackupCorrupt, f.Name, err)
		}
		if rec, ok := p.Specs[cf.Verdict.Entity.SpecID]; ok {
			r.Record = &rec
		}
	}
	rc, err := a.syncer.Restore(ctx, r)
	if err != nil {
		return cf, err
	}

	now := a.now().UTC()
	cf.State = model.ConflictRolledBack
	cf.ResolvedAt = &now
	if err := a.save(cf); err != nil {
		return cf, err
	}
	a.record(events.AuditRollback, cf, "rolled_back", "restored backup "+m.ID, map[string]string{
		"transaction": rc.ID,
		"backup":      m.ID,
	})
	a.logger.Info("conflict rolled back", "conflict", cf.ID, "backup", m.ID)
	a.settled(cf)
	return cf, nil
}

// Settle closes the pending conflict for specID, if any, once the entity is
// consistent again without the arbiter's help.
func (a *Arbiter) Settle(specID, reason string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cf, err := a.pendingFor(specID)
	if err != nil || cf == nil {
		return false, err
	}
	now := a.now().UTC()
	cf.State = model.ConflictResolved
	cf.ResolvedAt = &now
	cf.ResolvedBy = "external"
	if err := a.save(*cf); err != nil {
		return false, err
	}
	a.syncer.NoteResolution()
	a.record(events.AuditResolution, *cf, "settled", reason, nil)
	a.settled(*cf)
	return true, nil
}

// Pending returns the manual queue, oldest first.
func (a *Arbiter) Pending() ([]model.Conflict, error) {
	c, err := a.store.LoadConflicts()
	if err != nil {
		return nil, err
	}
	return c.Pending(), nil
}

// List returns every known conflict.
func (a *Arbiter) List() ([]model.Conflict, error) {
	c, err := a.store.LoadConflicts()
	if err != nil {
		return nil, err
	}
	return c.Conflicts, nil
}

func (a *Arbiter) Get(id string) (model.Conflict, error) {
	return a.find(id)
}

func (a *Arbiter) find(id string) (model.Conflict, error) {
	c, err := a.store.LoadConflicts()
	if err != nil {
		return model.Conflict{}, err
	}
	cf, ok := c.Find(id)
	if !ok {
		return model.Conflict{}, model.NewError(model.ErrKindNotFound, "conflict", id, "no such conflict")
	}
	return *cf, nil
}

func (a *Arbiter) pendingFor(specID string) (*model.Conflict, error) {
	c, err := a.store.LoadConflicts()
	if err != nil {
		return nil, err
	}
	for _, cf := range c.Pending() {
		if cf.Verdict.Entity.SpecID == specID {
			return &cf, nil
		}
	}
	return nil, nil
}

// save replaces the conflict with the same id or appends it.
func (a *Arbiter) save(cf model.Conflict) error {
	c, err := a.store.LoadConflicts()
	if err != nil {
		return err
	}
	if existing, ok := c.Find(cf.ID); ok {
		*existing = cf
	} else {
		c.Conflicts = append(c.Conflicts, cf)
	}
	c.SchemaVersion = state.SchemaVersion
	c.UpdatedAt = a.now().UTC()
	if err := a.store.SaveConflicts(c); err != nil {
		return model.WrapError(model.ErrKindIO, "save conflicts", cf.ID, err)
	}
	return nil
}

func (a *Arbiter) record(kind string, cf model.Conflict, outcome, reasoning string, details map[string]string) {
	if a.audit == nil {
		return
	}
	entry := events.AuditEntry{
		Kind:      kind,
		ID:        cf.ID,
		Entity:    cf.Verdict.Entity.String(),
		Fields:    cf.Verdict.Fields(),
		Files:     cf.Verdict.Files,
		Outcome:   outcome,
		Reasoning: reasoning,
		Details:   details,
	}
	if err := a.audit.Append(entry); err != nil {
		a.logger.Error("audit append", "conflict", cf.ID, "error", err)
	}
}

func (a *Arbiter) settled(cf model.Conflict) {
	if a.onSettle != nil {
		a.onSettle(cf)
	}
}
