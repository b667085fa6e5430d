// Package consistency compares the document and record representations of
// a spec and issues a confidence-scored verdict.
package consistency

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/msageha/specsync/internal/document"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/state"
)

// Change names the side that was just written and when, so recency can be
// judged against the actual write rather than a stored timestamp.
type Change struct {
	Side model.Side
	At   time.Time
}

type Checker struct {
	repo   *state.Repository
	cfg    model.ConsistencyConfig
	logger *slog.Logger
	now    func() time.Time
}

func New(repo *state.Repository, cfg model.ConsistencyConfig, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{repo: repo, cfg: cfg, logger: logger, now: time.Now}
}

// Check issues one verdict per spec touched by cl. Parse errors and
// unchanged paths carry nothing to compare and yield no verdicts.
func (c *Checker) Check(ctx context.Context, cl model.Classification) ([]model.ConsistencyVerdict, error) {
	switch cl.Kind {
	case model.ClassParseError, model.ClassUnchanged:
		return nil, nil
	}
	if cl.Side == "" || len(cl.SpecIDs) == 0 {
		return nil, nil
	}

	// the cached snapshot predates the change being checked
	c.repo.Invalidate()
	snap, err := c.repo.Snapshot()
	if err != nil {
		return nil, err
	}

	ch := &Change{Side: cl.Side, At: writeTime(cl.Event)}
	out := make([]model.ConsistencyVerdict, 0, len(cl.SpecIDs))
	for _, id := range cl.SpecIDs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, c.evaluate(snap, id, ch))
	}
	return out, nil
}

// CheckEntity issues a verdict for one spec using stored write times.
func (c *Checker) CheckEntity(specID string) (model.ConsistencyVerdict, error) {
	snap, err := c.repo.Snapshot()
	if err != nil {
		return model.ConsistencyVerdict{}, err
	}
	return c.evaluate(snap, specID, nil), nil
}

// Report summarises a validation cycle over every known spec.
type Report struct {
	Verdicts       []model.ConsistencyVerdict `json:"verdicts"`
	Consistent     int                        `json:"consistent"`
	AutoRepairable int                        `json:"auto_repairable"`
	Conflicts      int                        `json:"conflicts"`
	// DocErrors maps unreadable documents to their parse error.
	DocErrors map[string]string `json:"doc_errors,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

// OK reports whether every entity is consistent and every document parsed.
func (r Report) OK() bool {
	return r.AutoRepairable == 0 && r.Conflicts == 0 && len(r.DocErrors) == 0
}

// Inconsistent returns the verdicts that need repair or arbitration.
func (r Report) Inconsistent() []model.ConsistencyVerdict {
	var out []model.ConsistencyVerdict
	for _, v := range r.Verdicts {
		if v.Status != model.VerdictConsistent {
			out = append(out, v)
		}
	}
	return out
}

// CheckAll runs a full validation cycle. It reads but never writes.
func (c *Checker) CheckAll(ctx context.Context) (Report, error) {
	snap, err := c.repo.Snapshot()
	if err != nil {
		return Report{}, err
	}
	rep := Report{CheckedAt: c.now()}
	for _, id := range snap.SpecIDs() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		v := c.evaluate(snap, id, nil)
		switch v.Status {
		case model.VerdictConsistent:
			rep.Consistent++
		case model.VerdictAutoRepaired:
			rep.AutoRepairable++
		default:
			rep.Conflicts++
		}
		rep.Verdicts = append(rep.Verdicts, v)
	}
	if len(snap.DocErrors) > 0 {
		rep.DocErrors = make(map[string]string, len(snap.DocErrors))
		for path, err := range snap.DocErrors {
			rep.DocErrors[path] = err.Error()
		}
	}
	return rep, nil
}

func (c *Checker) evaluate(snap *state.Snapshot, specID string, ch *Change) model.ConsistencyVerdict {
	doc := snap.Docs[specID]
	var rec *state.SpecRecord
	if r, ok := snap.Record(specID); ok {
		rec = &r
	}

	docPath := c.repo.DocPath(specID)
	if doc != nil && doc.Path != "" {
		docPath = doc.Path
	}
	v := model.ConsistencyVerdict{
		Entity:    model.EntityRef{SpecID: specID, Path: docPath},
		Status:    model.VerdictConsistent,
		Files:     []string{docPath, c.repo.Store().Path(state.ProgressFile)},
		CheckedAt: c.now(),
	}

	var recDoc *model.SpecDocument
	if rec != nil {
		recDoc = rec.Document()
	}
	changes := document.Diff(recDoc, doc)
	if len(changes) == 0 {
		v.Confidence = 1
		return v
	}

	switch {
	case doc == nil:
		v.Missing = model.SideDocument
	case rec == nil:
		v.Missing = model.SideRecord
	}

	v.Confidence = 1
	tolerance := c.cfg.RecencyTolerance()
	for _, fc := range changes {
		d := model.Divergence{
			Field:         fc.Field,
			DocumentValue: fc.New,
			RecordValue:   fc.Old,
			Category:      fc.Category,
		}
		taskID := document.FieldTask(fc.Field)
		docAt, recAt := sideTimes(doc, rec, taskID, ch)
		if v.Missing == model.SideRecord {
			// nothing on the record side can be lost by creating it
			d.Winner, d.Rule, d.Confidence = model.SideDocument, "create", 1
		} else {
			decide(&d, docAt, recAt, tolerance)
		}
		v.Confidence = min(v.Confidence, d.Confidence)
		v.Divergences = append(v.Divergences, d)
		v.DocumentWrittenAt = later(v.DocumentWrittenAt, docAt)
		v.RecordWrittenAt = later(v.RecordWrittenAt, recAt)
	}
	v.Entity.TaskID = singleTask(v.Divergences)
	v.Source = newer(v.DocumentWrittenAt, v.RecordWrittenAt)

	if v.Confidence >= c.cfg.AutoRepairThreshold {
		v.Status = model.VerdictAutoRepaired
	} else {
		v.Status = model.VerdictConflict
	}
	c.logger.Debug("verdict",
		"entity", v.Entity.String(), "status", v.Status,
		"confidence", v.Confidence, "fields", len(v.Divergences))
	return v
}

// sideTimes returns the write times used for recency on each side. The side
// named by ch uses the observed write; a side without the entity is unknown
// unless it is the side whose deletion was just observed.
func sideTimes(doc *model.SpecDocument, rec *state.SpecRecord, taskID string, ch *Change) (docAt, recAt time.Time) {
	if doc != nil {
		docAt = doc.ModTime
	}
	if rec != nil {
		recAt = rec.WrittenAt(taskID)
	}
	if ch == nil || ch.At.IsZero() {
		return docAt, recAt
	}
	switch ch.Side {
	case model.SideDocument:
		docAt = later(docAt, ch.At)
	case model.SideRecord:
		recAt = later(recAt, ch.At)
	}
	return docAt, recAt
}

// writeTime prefers the file's modification time over the discovery time.
func writeTime(ev model.ChangeEvent) time.Time {
	if ev.Kind != model.ChangeDelete {
		if info, err := os.Stat(ev.Path); err == nil {
			return info.ModTime()
		}
	}
	return ev.DiscoveredAt
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func singleTask(divs []model.Divergence) string {
	ids := make(map[string]bool)
	for _, d := range divs {
		ids[document.FieldTask(d.Field)] = true
	}
	if len(ids) != 1 {
		return ""
	}
	for id := range ids {
		return id
	}
	return ""
}

// Fields returns the divergent field names of v, sorted.
func Fields(v model.ConsistencyVerdict) []string {
	out := v.Fields()
	sort.Strings(out)
	return out
}
