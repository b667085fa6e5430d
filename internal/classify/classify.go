// Package classify turns a ChangeEvent into a structured description of the
// logical fields that changed, relative to the last known snapshot of the
// path.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/specsync/internal/document"
	"github.com/msageha/specsync/internal/lock"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/state"
)

type Classifier struct {
	docsDir   string
	stateDir  string
	snapshots *SnapshotStore
	workers   int
	// paths serialises classification of one path against its snapshot.
	paths *lock.MutexMap
}

func New(docsDir, stateDir string, snapshots *SnapshotStore) *Classifier {
	if snapshots == nil {
		snapshots = NewSnapshotStore()
	}
	return &Classifier{
		docsDir:   abs(docsDir),
		stateDir:  abs(stateDir),
		snapshots: snapshots,
		workers:   runtime.GOMAXPROCS(0),
		paths:     lock.NewMutexMap(),
	}
}

func abs(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return filepath.Clean(p)
}

func (c *Classifier) Snapshots() *SnapshotStore { return c.snapshots }

// Remember registers content the coordinator itself wrote, so the echo of
// that write classifies as unchanged.
func (c *Classifier) Remember(path string, content []byte) {
	path = abs(path)
	c.paths.Lock(path)
	defer c.paths.Unlock(path)
	c.snapshots.Put(path, content)
}

// Forget drops the snapshot for a path the coordinator removed.
func (c *Classifier) Forget(path string) {
	c.snapshots.Delete(abs(path))
}

// SideOf reports which representation path belongs to. ok is false for
// paths that carry no entity fields.
func (c *Classifier) SideOf(path string) (model.Side, bool) {
	path = abs(path)
	switch {
	case filepath.Dir(path) == c.stateDir && filepath.Base(path) == state.ProgressFile:
		return model.SideRecord, true
	case filepath.Dir(path) == c.docsDir && strings.HasSuffix(path, ".md"):
		return model.SideDocument, true
	}
	return "", false
}

// Classify describes ev. It never fails: unreadable or malformed content
// yields a parse-error classification so the problem stays visible.
func (c *Classifier) Classify(ev model.ChangeEvent) model.Classification {
	ev.Path = abs(ev.Path)
	c.paths.Lock(ev.Path)
	defer c.paths.Unlock(ev.Path)
	out := model.Classification{Event: ev}
	side, tracked := c.SideOf(ev.Path)
	out.Side = side

	prev, hadPrev := c.snapshots.Get(ev.Path)
	content, err := os.ReadFile(ev.Path)
	deleted := ev.Kind == model.ChangeDelete || errors.Is(err, fs.ErrNotExist)
	if err != nil && !deleted {
		out.Kind = model.ClassParseError
		out.ParseError = err.Error()
		out.SpecIDs = c.specIDsOf(side, ev.Path, prev)
		return out
	}

	if deleted {
		out.Kind = model.ClassDeleted
		out.SpecIDs = c.specIDsOf(side, ev.Path, prev)
		if tracked && hadPrev {
			out.Changes = c.diff(side, ev.Path, prev, nil)
		}
		c.snapshots.Delete(ev.Path)
		return out
	}

	if hadPrev && c.snapshots.Same(ev.Path, content) {
		out.Kind = model.ClassUnchanged
		out.SpecIDs = c.specIDsOf(side, ev.Path, content)
		return out
	}

	if !tracked {
		out.Kind = model.ClassRecord
		c.snapshots.Put(ev.Path, content)
		return out
	}

	if perr := validate(side, ev.Path, content); perr != nil {
		// the snapshot keeps the last content that parsed
		out.Kind = model.ClassParseError
		out.ParseError = perr.Error()
		out.SpecIDs = c.specIDsOf(side, ev.Path, prev)
		return out
	}

	if side == model.SideDocument {
		out.Kind = model.ClassDocument
	} else {
		out.Kind = model.ClassRecord
	}
	var before []byte
	if hadPrev && validate(side, ev.Path, prev) == nil {
		before = prev
	}
	out.Changes = c.diff(side, ev.Path, before, content)
	if side == model.SideDocument {
		out.SpecIDs = c.specIDsOf(side, ev.Path, content)
	}
	for _, ch := range out.Changes {
		out.SpecIDs = appendUnique(out.SpecIDs, ch.SpecID)
	}
	sort.Strings(out.SpecIDs)
	if len(out.Changes) == 0 && hadPrev {
		out.Kind = model.ClassUnchanged
	}
	c.snapshots.Put(ev.Path, content)
	return out
}

// ClassifyBatch classifies events on a bounded pool, preserving order.
func (c *Classifier) ClassifyBatch(ctx context.Context, events []model.ChangeEvent) ([]model.Classification, error) {
	out := make([]model.Classification, len(events))
	// events for one path must be classified in order against one snapshot
	byPath := make(map[string][]int)
	var order []string
	for i, ev := range events {
		p := abs(ev.Path)
		if _, ok := byPath[p]; !ok {
			order = append(order, p)
		}
		byPath[p] = append(byPath[p], i)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, p := range order {
		idxs := byPath[p]
		g.Go(func() error {
			for _, i := range idxs {
				if err := ctx.Err(); err != nil {
					return err
				}
				out[i] = c.Classify(events[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func validate(side model.Side, path string, content []byte) error {
	if side == model.SideDocument {
		_, err := document.ParseValid(path, content)
		return err
	}
	_, err := parseProgress(content)
	return err
}

func parseProgress(content []byte) (state.Progress, error) {
	var p state.Progress
	if err := json.Unmarshal(content, &p); err != nil {
		return p, err
	}
	return p, nil
}

func (c *Classifier) diff(side model.Side, path string, before, after []byte) []model.FieldChange {
	if side == model.SideDocument {
		return document.Diff(parseDoc(path, before), parseDoc(path, after))
	}
	pb, _ := parseProgress(before)
	pa, _ := parseProgress(after)
	ids := make(map[string]bool)
	for id := range pb.Specs {
		ids[id] = true
	}
	for id := range pa.Specs {
		ids[id] = true
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	var out []model.FieldChange
	for _, id := range sorted {
		var a, b *model.SpecDocument
		if r, ok := pb.Specs[id]; ok {
			a = r.Document()
		}
		if r, ok := pa.Specs[id]; ok {
			b = r.Document()
		}
		out = append(out, document.Diff(a, b)...)
	}
	return out
}

func parseDoc(path string, content []byte) *model.SpecDocument {
	if content == nil {
		return nil
	}
	doc, err := document.Parse(path, content)
	if err != nil {
		return nil
	}
	return doc
}

// specIDsOf extracts the spec ids a piece of content concerns. Documents
// whose content cannot be parsed fall back to the file name.
func (c *Classifier) specIDsOf(side model.Side, path string, content []byte) []string {
	switch side {
	case model.SideDocument:
		if doc := parseDoc(path, content); doc != nil && doc.ID != "" {
			return []string{doc.ID}
		}
		stem := strings.TrimSuffix(filepath.Base(path), ".md")
		if model.ValidSpecID(stem) {
			return []string{stem}
		}
	case model.SideRecord:
		if p, err := parseProgress(content); err == nil {
			ids := make([]string, 0, len(p.Specs))
			for id := range p.Specs {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			return ids
		}
	}
	return nil
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}
