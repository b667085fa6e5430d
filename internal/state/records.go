package state

import (
	"time"

	"github.com/msageha/specsync/internal/model"
)

const SchemaVersion = 1

// File names under the state directory, one per category.
const (
	ProgressFile    = "progress.json"
	AssignmentsFile = "assignments.json"
	HandoffsFile    = "handoffs.json"
	AuditFile       = "audit.json"
	ConflictsFile   = "conflicts.json"
	DeadLettersFile = "dead_letters.json"
)

// SpecRecord is the fast-query representation of one spec.
type SpecRecord struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Status    model.SpecStatus `json:"status"`
	Priority  model.Priority   `json:"priority"`
	Phase     string           `json:"phase,omitempty"`
	Path      string           `json:"path,omitempty"`
	Tasks     []TaskRecord     `json:"tasks"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type TaskRecord struct {
	model.Task
	UpdatedAt time.Time `json:"updated_at"`
}

type Progress struct {
	SchemaVersion int                   `json:"schema_version"`
	Specs         map[string]SpecRecord `json:"specs"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

type Assignments struct {
	SchemaVersion int                      `json:"schema_version"`
	Active        []model.AssignmentRecord `json:"active"`
	// History is append-only: closed records are never edited or removed.
	History   []model.AssignmentRecord `json:"history"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// ActiveFor returns the in-progress record for key, if any.
func (a *Assignments) ActiveFor(key model.AssignmentKey) (model.AssignmentRecord, int, bool) {
	for i, r := range a.Active {
		if r.Key() == key && r.Status == model.AssignmentInProgress {
			return r, i, true
		}
	}
	return model.AssignmentRecord{}, -1, false
}

// CountFor returns how many in-progress records worker holds.
func (a *Assignments) CountFor(worker string) int {
	n := 0
	for _, r := range a.Active {
		if r.Worker == worker && r.Status == model.AssignmentInProgress {
			n++
		}
	}
	return n
}

// CountActive returns the number of in-progress records.
func (a *Assignments) CountActive() int {
	n := 0
	for _, r := range a.Active {
		if r.Status == model.AssignmentInProgress {
			n++
		}
	}
	return n
}

type Handoffs struct {
	SchemaVersion int                   `json:"schema_version"`
	Handoffs      []model.HandoffRecord `json:"handoffs"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// AuditMeta summarises transaction and resolution activity. Full records
// live in the JSONL audit log.
type AuditMeta struct {
	SchemaVersion      int       `json:"schema_version"`
	Transactions       int       `json:"transactions"`
	FailedTransactions int       `json:"failed_transactions"`
	Resolutions        int       `json:"resolutions"`
	LastTransactionID  string    `json:"last_transaction_id,omitempty"`
	LastTransactionAt  time.Time `json:"last_transaction_at,omitempty"`
	LastOutcome        string    `json:"last_outcome,omitempty"`
}

type Conflicts struct {
	SchemaVersion int              `json:"schema_version"`
	Conflicts     []model.Conflict `json:"conflicts"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Pending returns conflicts still waiting for resolution.
func (c *Conflicts) Pending() []model.Conflict {
	var out []model.Conflict
	for _, cf := range c.Conflicts {
		if cf.State == model.ConflictPending {
			out = append(out, cf)
		}
	}
	return out
}

func (c *Conflicts) Find(id string) (*model.Conflict, bool) {
	for i := range c.Conflicts {
		if c.Conflicts[i].ID == id {
			return &c.Conflicts[i], true
		}
	}
	return nil, false
}

// DeadLetter is one event delivery that was moved out of a subscriber's queue.
type DeadLetter struct {
	ID         string    `json:"id"`
	Subscriber string    `json:"subscriber"`
	Category   string    `json:"category"`
	Priority   string    `json:"priority"`
	Source     string    `json:"source"`
	Summary    string    `json:"summary"`
	LastError  string    `json:"last_error,omitempty"`
	Attempts   int       `json:"attempts"`
	DeadAt     time.Time `json:"dead_at"`
	Payload    []byte    `json:"payload,omitempty"`
}

type DeadLetters struct {
	SchemaVersion int          `json:"schema_version"`
	Letters       []DeadLetter `json:"letters"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
