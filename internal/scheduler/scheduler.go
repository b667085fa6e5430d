// Package scheduler recommends the next task for a worker. It reads the
// tracker's current snapshot and never writes; committing a recommendation
// is a separate tracker.AssignTask call.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/msageha/specsync/internal/cache"
	"github.com/msageha/specsync/internal/graph"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/state"
)

const (
	exactCapabilityBoost = 5
	phaseAlignmentBoost  = 3
)

// Reason explains an empty outcome or a skipped task.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNoTasks      Reason = "no_tasks"
	ReasonBlocked      Reason = "blocked"
	ReasonCycle        Reason = "cycle"
	ReasonSpecClosed   Reason = "spec_closed"
	ReasonAssigned     Reason = "assigned"
	ReasonNoMatch      Reason = "no_match"
	ReasonOverCapacity Reason = "over_capacity"
)

// Source is the read side of the tracker.
type Source interface {
	Snapshot() (*state.Snapshot, error)
}

// Constraints narrow a recommendation for one request.
type Constraints struct {
	// Worker is the requesting worker; it is only needed for capacity checks.
	Worker string `json:"worker,omitempty"`
	// Phase earns candidates in specs at this phase a boost.
	Phase  string `json:"phase,omitempty"`
	SpecID string `json:"spec_id,omitempty"`
	// CapacityLimit overrides the configured limit when positive.
	CapacityLimit int `json:"capacity_limit,omitempty"`
	// AllowOverCapacity overrides the configured policy when set.
	AllowOverCapacity *bool `json:"allow_over_capacity,omitempty"`
}

// Score is the breakdown behind a recommendation.
type Score struct {
	Priority   int `json:"priority"`
	Capability int `json:"capability"`
	Phase      int `json:"phase"`
	Total      int `json:"total"`
}

func (s Score) String() string {
	parts := []string{fmt.Sprintf("priority %d", s.Priority)}
	if s.Capability > 0 {
		parts = append(parts, fmt.Sprintf("exact capability +%d", s.Capability))
	}
	if s.Phase > 0 {
		parts = append(parts, fmt.Sprintf("phase +%d", s.Phase))
	}
	return fmt.Sprintf("%d (%s)", s.Total, strings.Join(parts, ", "))
}

type Recommendation struct {
	SpecID     string         `json:"spec_id"`
	TaskID     string         `json:"task_id"`
	Title      string         `json:"title"`
	Capability string         `json:"capability,omitempty"`
	Priority   model.Priority `json:"priority"`
	Phase      string         `json:"phase,omitempty"`
	Effort     float64        `json:"effort,omitempty"`
	Score      Score          `json:"score"`
	// OverCapacity marks a demoted recommendation for a worker already at
	// its limit.
	OverCapacity  bool   `json:"over_capacity,omitempty"`
	Justification string `json:"justification"`

	order int
}

func (r Recommendation) Key() model.AssignmentKey {
	return model.AssignmentKey{SpecID: r.SpecID, TaskID: r.TaskID}
}

// Skip records why a task was filtered out.
type Skip struct {
	SpecID string `json:"spec_id"`
	TaskID string `json:"task_id,omitempty"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Outcome is the answer to GetNextTask. Recommendation is nil when nothing
// qualifies; Reason and Detail then say why.
type Outcome struct {
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	Reason         Reason          `json:"reason,omitempty"`
	Detail         string          `json:"detail,omitempty"`
	Skipped        []Skip          `json:"skipped,omitempty"`
}

// Batch is the answer to GetBatchRecommendations.
type Batch struct {
	Recommendations []Recommendation `json:"recommendations"`
	Reason          Reason           `json:"reason,omitempty"`
	Detail          string           `json:"detail,omitempty"`
	Skipped         []Skip           `json:"skipped,omitempty"`
}

type Options struct {
	Source Source
	Config model.SchedulerConfig
	Logger *slog.Logger
	// CycleCacheTTL bounds how long a spec's cycle analysis is reused.
	CycleCacheTTL time.Duration
}

type Scheduler struct {
	source Source
	cfg    model.SchedulerConfig
	logger *slog.Logger
	cycles *cache.Cache[cycleInfo]
}

// cycleInfo is the cached dependency analysis of one document version.
type cycleInfo struct {
	modTime time.Time
	tasks   int
	cycle   []string
}

func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CycleCacheTTL <= 0 {
		opts.CycleCacheTTL = time.Minute
	}
	return &Scheduler{
		source: opts.Source,
		cfg:    opts.Config,
		logger: opts.Logger,
		cycles: cache.New[cycleInfo](256, opts.CycleCacheTTL),
	}
}

// Invalidate drops the cached dependency analysis for specID, or for every
// spec when specID is empty.
func (s *Scheduler) Invalidate(specID string) {
	if specID == "" {
		s.cycles.InvalidateAll()
		return
	}
	s.cycles.Invalidate(specID)
}

// GetNextTask returns the best task for a worker with the given capability.
// An empty capability matches every task.
func (s *Scheduler) GetNextTask(capability string, c Constraints) model.Result[Outcome] {
	recs, sel, err := s.rank(capability, c)
	if err != nil {
		return model.FailErr[Outcome]("next task", err)
	}
	out := Outcome{Skipped: sel.skipped}
	if len(recs) == 0 {
		out.Reason, out.Detail = sel.explain(capability)
		return model.Ok(out)
	}
	out.Recommendation = &recs[0]
	if recs[0].OverCapacity {
		out.Reason, out.Detail = ReasonOverCapacity, sel.capacityDetail
	}
	return model.Ok(out)
}

// GetBatchRecommendations returns up to n tasks, best first, without
// reserving any of them.
func (s *Scheduler) GetBatchRecommendations(capability string, n int, c Constraints) model.Result[Batch] {
	if n <= 0 {
		return model.Fail[Batch](model.NewError(model.ErrKindInvalid, "batch recommendations", "", "n must be positive"))
	}
	recs, sel, err := s.rank(capability, c)
	if err != nil {
		return model.FailErr[Batch]("batch recommendations", err)
	}
	out := Batch{Recommendations: recs, Skipped: sel.skipped}
	if len(recs) > n {
		out.Recommendations = recs[:n]
	}
	if len(recs) == 0 {
		out.Reason, out.Detail = sel.explain(capability)
	} else if recs[0].OverCapacity {
		out.Reason, out.Detail = ReasonOverCapacity, sel.capacityDetail
	}
	return model.Ok(out)
}

// selection collects what the filters saw, for explaining an empty result.
type selection struct {
	skipped        []Skip
	blocked        int
	mismatched     int
	overCapacity   bool
	capacityDetail string
}

func (sel *selection) skip(specID, taskID string, r Reason, detail string) {
	sel.skipped = append(sel.skipped, Skip{SpecID: specID, TaskID: taskID, Reason: r, Detail: detail})
}

func (sel *selection) explain(capability string) (Reason, string) {
	switch {
	case sel.overCapacity:
		return ReasonOverCapacity, sel.capacityDetail
	case sel.blocked > 0:
		return ReasonBlocked, fmt.Sprintf("%d matching task(s) waiting on dependencies", sel.blocked)
	case sel.mismatched > 0:
		return ReasonNoMatch, fmt.Sprintf("%d ready task(s), none for capability %q", sel.mismatched, capability)
	default:
		return ReasonNoTasks, "no ready tasks"
	}
}

func (s *Scheduler) rank(capability string, c Constraints) ([]Recommendation, *selection, error) {
	snap, err := s.source.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	sel := &selection{}

	limit := s.cfg.CapacityLimit
	if c.CapacityLimit > 0 {
		limit = c.CapacityLimit
	}
	allowOver := s.cfg.AllowOverCapacity
	if c.AllowOverCapacity != nil {
		allowOver = *c.AllowOverCapacity
	}
	demote := false
	if c.Worker != "" && limit > 0 {
		if held := snap.Assignments.CountFor(c.Worker); held >= limit {
			sel.capacityDetail = fmt.Sprintf("%s holds %d of %d allowed task(s)", c.Worker, held, limit)
			if !allowOver {
				sel.overCapacity = true
				return nil, sel, nil
			}
			demote = true
		}
	}

	var recs []Recommendation
	order := 0
	for _, specID := range snap.SpecIDs() {
		doc, ok := snap.Docs[specID]
		if !ok || (c.SpecID != "" && specID != c.SpecID) {
			continue
		}
		if !open(doc.Status) {
			sel.skip(specID, "", ReasonSpecClosed, "spec is "+string(doc.Status))
			continue
		}
		if cycle := s.cycleFor(doc); len(cycle) > 0 {
			sel.skip(specID, "", ReasonCycle, strings.Join(cycle, " -> "))
			continue
		}
		for i := range doc.Tasks {
			task := &doc.Tasks[i]
			order++
			if task.Status != model.TaskStatusReady {
				continue
			}
			key := model.AssignmentKey{SpecID: specID, TaskID: task.ID}
			if held, _, ok := snap.Assignments.ActiveFor(key); ok {
				sel.skip(specID, task.ID, ReasonAssigned, "held by "+held.Worker)
				continue
			}
			exact, match := capabilityMatch(capability, task.Capability)
			if !match {
				sel.mismatched++
				sel.skip(specID, task.ID, ReasonNoMatch, "needs "+task.Capability)
				continue
			}
			if unmet := unmetDeps(doc, task); len(unmet) > 0 {
				sel.blocked++
				sel.skip(specID, task.ID, ReasonBlocked, "waiting on "+strings.Join(unmet, ", "))
				continue
			}

			score := Score{Priority: int(doc.Priority.Weight())}
			if exact {
				score.Capability = exactCapabilityBoost
			}
			if c.Phase != "" && strings.EqualFold(c.Phase, doc.Phase) {
				score.Phase = phaseAlignmentBoost
			}
			score.Total = score.Priority + score.Capability + score.Phase
			rec := Recommendation{
				SpecID:       specID,
				TaskID:       task.ID,
				Title:        task.Title,
				Capability:   task.Capability,
				Priority:     doc.Priority,
				Phase:        doc.Phase,
				Effort:       task.Effort,
				Score:        score,
				OverCapacity: demote,
				order:        order,
			}
			rec.Justification = fmt.Sprintf("%s %s: score %s", key, doc.Priority, score)
			if demote {
				rec.Justification += "; " + sel.capacityDetail
			}
			recs = append(recs, rec)
		}
	}

	// Highest score first; ties go to the smaller estimate, then to document
	// order so equal requests always get the same answer.
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Score.Total != b.Score.Total {
			return a.Score.Total > b.Score.Total
		}
		if a.Effort != b.Effort {
			return a.Effort < b.Effort
		}
		return a.order < b.order
	})
	return recs, sel, nil
}

// cycleFor returns a dependency cycle in doc, reusing the analysis of an
// unchanged document.
func (s *Scheduler) cycleFor(doc *model.SpecDocument) []string {
	if info, ok := s.cycles.Get(doc.ID); ok && info.modTime.Equal(doc.ModTime) && info.tasks == len(doc.Tasks) {
		return info.cycle
	}
	cycle := graph.FromTasks(doc.Tasks).DetectCycle()
	if len(cycle) > 0 {
		s.logger.Warn("dependency cycle, spec skipped", "spec", doc.ID, "cycle", strings.Join(cycle, " -> "))
	}
	s.cycles.Set(doc.ID, cycleInfo{modTime: doc.ModTime, tasks: len(doc.Tasks), cycle: cycle})
	return cycle
}

func open(s model.SpecStatus) bool {
	switch s {
	case model.SpecStatusDone, model.SpecStatusCancelled, model.SpecStatusBlocked:
		return false
	}
	return true
}

// capabilityMatch reports whether a worker with capability may take a task
// requiring required, and whether the match is exact. Blank on either side
// matches anything.
func capabilityMatch(capability, required string) (exact, ok bool) {
	if capability == "" || required == "" {
		return false, true
	}
	if strings.EqualFold(capability, required) {
		return true, true
	}
	return false, false
}

func unmetDeps(doc *model.SpecDocument, task *model.Task) []string {
	var unmet []string
	for _, dep := range task.DependsOn {
		if d := doc.Task(dep); d == nil || d.Status != model.TaskStatusComplete {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}
