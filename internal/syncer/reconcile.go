package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/msageha/specsync/internal/document"
	"github.com/msageha/specsync/internal/fileio"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/state"
)

// ValidateDocument is the staging check for document targets.
func ValidateDocument(path string) func([]byte) error {
	return func(content []byte) error {
		_, err := document.ParseValid(path, content)
		return err
	}
}

// ValidateState is the staging check for record targets.
func ValidateState(content []byte) error {
	var p state.Progress
	return json.Unmarshal(content, &p)
}

// Propagate repairs v by copying each divergent field from the side the
// checker chose for it.
func (c *Coordinator) Propagate(ctx context.Context, v model.ConsistencyVerdict) (Receipt, error) {
	res := model.Resolution{
		Strategy:  model.StrategyAutoRepair,
		Winner:    v.Source,
		Automatic: true,
		PerField:  make(map[string]model.Side, len(v.Divergences)),
		Reasoning: fmt.Sprintf("auto-repair at confidence %.2f", v.Confidence),
	}
	for _, d := range v.Divergences {
		if d.Winner != "" {
			res.PerField[d.Field] = d.Winner
		}
	}
	return c.Reconcile(ctx, v, res)
}

// Reconcile brings both representations of v's entity into agreement by
// applying res to every divergent field, as one transaction. Fields that no
// longer differ are left alone.
func (c *Coordinator) Reconcile(ctx context.Context, v model.ConsistencyVerdict, res model.Resolution) (Receipt, error) {
	id := v.Entity.SpecID
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.repo.Invalidate()
	snap, err := c.repo.Snapshot()
	if err != nil {
		return Receipt{}, err
	}

	doc := snap.Docs[id]
	if err := unreadable(snap, doc); err != nil {
		return Receipt{}, err
	}
	var prev *state.SpecRecord
	var recView *model.SpecDocument
	if r, ok := snap.Record(id); ok {
		prev = &r
		recView = r.Document()
	}
	docPath := c.repo.DocPath(id)
	if doc != nil {
		docPath = doc.Path
		doc = doc.Clone()
	}

	fields := make(map[string]bool)
	if len(res.Fields) > 0 {
		for _, f := range res.Fields {
			fields[f] = true
		}
	}

	// whole-entity presence is decided before any field copy
	presence := (doc == nil) != (recView == nil)
	if presence {
		switch res.WinnerFor("spec") {
		case model.SideDocument:
			recView = cloneOrNil(doc)
		case model.SideRecord:
			doc = cloneOrNil(recView)
			if doc != nil {
				doc.Path = docPath
			}
		}
	}

	var touched []string
	if presence {
		touched = []string{"spec"}
	} else if doc != nil && recView != nil {
		for _, ch := range document.Diff(recView, doc) {
			if len(fields) > 0 && !fields[ch.Field] {
				continue
			}
			var err error
			if res.WinnerFor(ch.Field) == model.SideRecord {
				err = document.CopyField(doc, recView, ch.Field)
			} else {
				err = document.CopyField(recView, doc, ch.Field)
			}
			if err != nil {
				return Receipt{}, model.WrapError(model.ErrKindInvalid, "reconcile", v.Entity.String(), err)
			}
			touched = append(touched, ch.Field)
		}
	}

	tx := Transaction{
		Entity: v.Entity,
		Fields: touched,
		Reason: res.Reasoning,
	}
	origDoc := snap.Docs[id]
	if w, ok, err := c.docWrite(origDoc, doc, docPath); err != nil {
		return Receipt{}, err
	} else if ok {
		tx.Writes = append(tx.Writes, w)
	}
	if w, ok, err := c.recordWrite(snap.Progress, id, prev, recView); err != nil {
		return Receipt{}, err
	} else if ok {
		tx.Writes = append(tx.Writes, w)
	}
	if presence && doc == nil && recView == nil {
		// the spec is gone from both sides; its work can no longer be held
		now := c.now().UTC()
		a := cloneAssignments(snap.Assignments)
		if n := releaseSpec(&a, id, now, "spec removed: "+res.Reasoning); n > 0 {
			c.logger.Info("released assignments of removed spec", "spec", id, "released", n)
		}
		if w, ok, err := c.stateWrite(state.AssignmentsFile, snap.Assignments, a, func() any {
			a.SchemaVersion, a.UpdatedAt = state.SchemaVersion, now
			return a
		}); err != nil {
			return Receipt{}, err
		} else if ok {
			tx.Writes = append(tx.Writes, w)
		}
	}
	return c.Execute(ctx, tx)
}

// releaseSpec moves every in-progress assignment of specID into history as
// released and returns how many it closed.
func releaseSpec(a *state.Assignments, specID string, now time.Time, note string) int {
	kept := a.Active[:0]
	n := 0
	for _, r := range a.Active {
		if r.SpecID != specID || r.Status != model.AssignmentInProgress {
			kept = append(kept, r)
			continue
		}
		r.Status = model.AssignmentReleased
		r.CompletedAt = &now
		r.DurationSec = now.Sub(r.StartedAt).Seconds()
		r.Notes = note
		a.History = append(a.History, r)
		n++
	}
	a.Active = kept
	return n
}

// Restoration puts one spec back the way a backup recorded it, leaving
// every other spec's record as it currently is.
type Restoration struct {
	Entity model.EntityRef
	Fields []string
	Reason string
	// DocPath is the document to restore; empty leaves documents alone.
	DocPath string
	// Document is the backed-up content, written unless RemoveDocument.
	Document       []byte
	RemoveDocument bool
	// Record is the backed-up record of Entity.SpecID; nil removes it.
	Record *state.SpecRecord
}

// Restore commits r as one transaction. Only Entity.SpecID's entry in the
// progress file is replaced.
func (c *Coordinator) Restore(ctx context.Context, r Restoration) (Receipt, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.repo.Invalidate()
	snap, err := c.repo.Snapshot()
	if err != nil {
		return Receipt{}, err
	}

	tx := Transaction{Entity: r.Entity, Fields: r.Fields, Reason: r.Reason}
	switch {
	case r.DocPath == "":
	case r.RemoveDocument:
		tx.Writes = append(tx.Writes, Write{Path: r.DocPath, Remove: true})
	default:
		tx.Writes = append(tx.Writes, Write{Path: r.DocPath, Content: r.Document, Validate: ValidateDocument(r.DocPath)})
	}

	id := r.Entity.SpecID
	if _, had := snap.Progress.Specs[id]; had || r.Record != nil {
		next := cloneProgress(snap.Progress)
		if r.Record == nil {
			delete(next.Specs, id)
		} else {
			next.Specs[id] = *r.Record
		}
		next.SchemaVersion = state.SchemaVersion
		next.UpdatedAt = c.now().UTC()
		content, err := state.Encode(next)
		if err != nil {
			return Receipt{}, model.WrapError(model.ErrKindInvalid, "encode", state.ProgressFile, err)
		}
		tx.Writes = append(tx.Writes, Write{Path: c.store.Path(state.ProgressFile), Content: content, Validate: ValidateState})
	}
	return c.Execute(ctx, tx)
}

// docWrite returns the write turning before into after, if any.
func (c *Coordinator) docWrite(before, after *model.SpecDocument, path string) (Write, bool, error) {
	switch {
	case after == nil && before == nil:
		return Write{}, false, nil
	case after == nil:
		return Write{Path: path, Remove: true}, true, nil
	}
	if before != nil && len(document.Diff(before, after)) == 0 {
		return Write{}, false, nil
	}
	content, err := document.Render(after)
	if err != nil {
		return Write{}, false, model.WrapError(model.ErrKindInvalid, "render", after.ID, err)
	}
	return Write{Path: path, Content: content, Validate: ValidateDocument(path)}, true, nil
}

// recordWrite returns the progress file write that sets id's record to the
// projection of view, or removes it when view is nil.
func (c *Coordinator) recordWrite(p state.Progress, id string, prev *state.SpecRecord, view *model.SpecDocument) (Write, bool, error) {
	if prev == nil && view == nil {
		return Write{}, false, nil
	}
	if prev != nil && view != nil && len(document.Diff(prev.Document(), view)) == 0 {
		return Write{}, false, nil
	}
	next := cloneProgress(p)
	now := c.now().UTC()
	if view == nil {
		delete(next.Specs, id)
	} else {
		if view.Path == "" {
			view.Path = c.repo.DocPath(id)
		}
		next.Specs[id] = state.RecordFromDocument(view, prev, now)
	}
	next.SchemaVersion = state.SchemaVersion
	next.UpdatedAt = now
	content, err := state.Encode(next)
	if err != nil {
		return Write{}, false, model.WrapError(model.ErrKindInvalid, "encode", state.ProgressFile, err)
	}
	return Write{Path: c.store.Path(state.ProgressFile), Content: content, Validate: ValidateState}, true, nil
}

// unreadable refuses to write over a document whose current content does
// not parse; the snapshot holds only its last known-good copy.
func unreadable(snap *state.Snapshot, doc *model.SpecDocument) error {
	if doc == nil {
		return nil
	}
	if derr, bad := snap.DocErrors[doc.Path]; bad {
		return model.WrapError(model.ErrKindParse, "write", doc.ID, derr)
	}
	return nil
}

func cloneOrNil(d *model.SpecDocument) *model.SpecDocument {
	if d == nil {
		return nil
	}
	return d.Clone()
}

func cloneProgress(p state.Progress) state.Progress {
	out := p
	out.Specs = make(map[string]state.SpecRecord, len(p.Specs))
	for k, v := range p.Specs {
		out.Specs[k] = v
	}
	return out
}

// Mutation is a tracker-initiated change to one spec. Mutate edits clones
// taken from one fresh snapshot while every other read-modify-write waits;
// the record is re-projected from the edited document and each state file
// is written only if Mutate changed it.
type Mutation struct {
	SpecID string
	TaskID string
	Reason string
	Mutate func(doc *model.SpecDocument, st *MutableState) error
}

// MutableState is the assignment and handoff state a Mutation may edit.
type MutableState struct {
	Assignments state.Assignments
	Handoffs    state.Handoffs
	// Snapshot is the read-only view the clones were taken from.
	Snapshot *state.Snapshot
}

// Apply runs m and commits the document, record and any changed
// assignment or handoff state as one transaction.
func (c *Coordinator) Apply(ctx context.Context, m Mutation) (Receipt, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.repo.Invalidate()
	snap, err := c.repo.Snapshot()
	if err != nil {
		return Receipt{}, err
	}
	orig, ok := snap.Docs[m.SpecID]
	if !ok {
		return Receipt{}, model.NewError(model.ErrKindNotFound, "apply", m.SpecID, "no document for "+m.SpecID)
	}
	if err := unreadable(snap, orig); err != nil {
		return Receipt{}, err
	}

	doc := orig.Clone()
	st := &MutableState{
		Assignments: cloneAssignments(snap.Assignments),
		Handoffs:    cloneHandoffs(snap.Handoffs),
		Snapshot:    snap,
	}
	if m.Mutate != nil {
		if err := m.Mutate(doc, st); err != nil {
			return Receipt{}, err
		}
	}
	if err := document.Validate(doc); err != nil {
		return Receipt{}, model.WrapError(model.ErrKindInvalid, "apply", m.SpecID, err)
	}

	ref := model.EntityRef{SpecID: m.SpecID, TaskID: m.TaskID, Path: orig.Path}
	tx := Transaction{Entity: ref, Reason: m.Reason}
	var prev *state.SpecRecord
	if r, ok := snap.Record(m.SpecID); ok {
		prev = &r
		tx.Fields = document.Fields(document.Diff(r.Document(), doc))
	} else {
		tx.Fields = document.Fields(document.Diff(orig, doc))
	}

	if w, ok, err := c.docWrite(orig, doc, orig.Path); err != nil {
		return Receipt{}, err
	} else if ok {
		tx.Writes = append(tx.Writes, w)
	}
	if w, ok, err := c.recordWrite(snap.Progress, m.SpecID, prev, doc.Clone()); err != nil {
		return Receipt{}, err
	} else if ok {
		tx.Writes = append(tx.Writes, w)
	}

	now := c.now().UTC()
	a := st.Assignments
	if w, ok, err := c.stateWrite(state.AssignmentsFile, snap.Assignments, a, func() any {
		a.SchemaVersion, a.UpdatedAt = state.SchemaVersion, now
		return a
	}); err != nil {
		return Receipt{}, err
	} else if ok {
		tx.Writes = append(tx.Writes, w)
	}
	h := st.Handoffs
	if w, ok, err := c.stateWrite(state.HandoffsFile, snap.Handoffs, h, func() any {
		h.SchemaVersion, h.UpdatedAt = state.SchemaVersion, now
		return h
	}); err != nil {
		return Receipt{}, err
	} else if ok {
		tx.Writes = append(tx.Writes, w)
	}
	return c.Execute(ctx, tx)
}

// stateWrite returns a write of stamp() when after differs from before.
func (c *Coordinator) stateWrite(name string, before, after any, stamp func() any) (Write, bool, error) {
	old, err := state.Encode(before)
	if err != nil {
		return Write{}, false, model.WrapError(model.ErrKindInvalid, "encode", name, err)
	}
	cur, err := state.Encode(after)
	if err != nil {
		return Write{}, false, model.WrapError(model.ErrKindInvalid, "encode", name, err)
	}
	if bytes.Equal(old, cur) {
		return Write{}, false, nil
	}
	content, err := state.Encode(stamp())
	if err != nil {
		return Write{}, false, model.WrapError(model.ErrKindInvalid, "encode", name, err)
	}
	return Write{Path: c.store.Path(name), Content: content, Validate: fileio.ValidateJSON}, true, nil
}

func cloneAssignments(a state.Assignments) state.Assignments {
	out := a
	out.Active = slices.Clone(a.Active)
	out.History = slices.Clone(a.History)
	return out
}

func cloneHandoffs(h state.Handoffs) state.Handoffs {
	out := h
	out.Handoffs = slices.Clone(h.Handoffs)
	return out
}
