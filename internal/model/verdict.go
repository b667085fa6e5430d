package model

import "time"

type VerdictStatus string

const (
	VerdictConsistent   VerdictStatus = "consistent"
	VerdictAutoRepaired VerdictStatus = "auto-repaired"
	VerdictConflict     VerdictStatus = "conflict"
)

// Divergence is one field whose value differs between the two representations.
type Divergence struct {
	Field         string        `json:"field"`
	DocumentValue string        `json:"document_value"`
	RecordValue   string        `json:"record_value"`
	Category      FieldCategory `json:"category"`
	Confidence    float64       `json:"confidence"`
	// Winner is the side whose value should be kept, empty when undecided.
	Winner Side   `json:"winner,omitempty"`
	Rule   string `json:"rule,omitempty"`
}

type ConsistencyVerdict struct {
	Entity      EntityRef     `json:"entity"`
	Status      VerdictStatus `json:"status"`
	Confidence  float64       `json:"confidence"`
	Divergences []Divergence  `json:"divergences,omitempty"`
	// Source is the side whose write was most recent.
	Source            Side      `json:"source,omitempty"`
	DocumentWrittenAt time.Time `json:"document_written_at"`
	RecordWrittenAt   time.Time `json:"record_written_at"`
	// Files lists every file a repair of this verdict would touch.
	Files     []string  `json:"files,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	// Missing reports a side that has no entity at all.
	Missing Side `json:"missing,omitempty"`
}

func (v ConsistencyVerdict) Fields() []string {
	out := make([]string, 0, len(v.Divergences))
	for _, d := range v.Divergences {
		out = append(out, d.Field)
	}
	return out
}

type ResolutionStrategy string

const (
	StrategyAutoRepair ResolutionStrategy = "auto_repair"
	StrategyRecency    ResolutionStrategy = "recency"
	StrategyPrecedence ResolutionStrategy = "precedence"
	StrategyManual     ResolutionStrategy = "manual"
)

// Resolution is one way of settling a conflict: keep Winner's value for the
// listed fields (all divergent fields when Fields is empty).
type Resolution struct {
	Strategy  ResolutionStrategy `json:"strategy"`
	Winner    Side               `json:"winner"`
	Fields    []string           `json:"fields,omitempty"`
	Reasoning string             `json:"reasoning"`
	Automatic bool               `json:"automatic"`
	// PerField overrides Winner for individual fields.
	PerField map[string]Side `json:"per_field,omitempty"`
}

// WinnerFor returns the side to keep for field.
func (r Resolution) WinnerFor(field string) Side {
	if s, ok := r.PerField[field]; ok {
		return s
	}
	return r.Winner
}

type ConflictState string

const (
	ConflictPending    ConflictState = "pending"
	ConflictResolved   ConflictState = "resolved"
	ConflictRolledBack ConflictState = "rolled_back"
)

type Conflict struct {
	ID         string             `json:"id"`
	Verdict    ConsistencyVerdict `json:"verdict"`
	Candidates []Resolution       `json:"candidates,omitempty"`
	Chosen     *Resolution        `json:"chosen,omitempty"`
	State      ConflictState      `json:"state"`
	BackupID   string             `json:"backup_id,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
	ResolvedBy string             `json:"resolved_by,omitempty"`
}
