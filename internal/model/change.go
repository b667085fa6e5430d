package model

import "time"

type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is one debounced filesystem change.
type ChangeEvent struct {
	Path         string     `json:"path"`
	Kind         ChangeKind `json:"kind"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	RawDiff      string     `json:"raw_diff,omitempty"`
	// Coalesced counts the raw notifications folded into this event.
	Coalesced int `json:"coalesced"`
}

// Side names one of the two representations of an entity.
type Side string

const (
	SideDocument Side = "document"
	SideRecord   Side = "record"
)

func (s Side) Other() Side {
	if s == SideDocument {
		return SideRecord
	}
	return SideDocument
}

type FieldCategory string

const (
	// CategorySimple covers status, assignment and progress fields.
	CategorySimple FieldCategory = "simple"
	// CategoryMetadata covers descriptive fields such as title or priority.
	CategoryMetadata FieldCategory = "metadata"
	// CategoryStructural covers dependency lists and id changes.
	CategoryStructural FieldCategory = "structural"
)

type ClassificationKind string

const (
	ClassDocument   ClassificationKind = "document"
	ClassRecord     ClassificationKind = "record"
	ClassParseError ClassificationKind = "parse-error"
	ClassDeleted    ClassificationKind = "deleted"
	ClassUnchanged  ClassificationKind = "unchanged"
)

// FieldChange names one logical field that differs between two snapshots,
// e.g. Field "tasks.TASK-002.status".
type FieldChange struct {
	SpecID   string        `json:"spec_id,omitempty"`
	Field    string        `json:"field"`
	Old      string        `json:"old"`
	New      string        `json:"new"`
	Category FieldCategory `json:"category"`
}

// Classification is the structured description of a ChangeEvent.
type Classification struct {
	Event      ChangeEvent        `json:"event"`
	Kind       ClassificationKind `json:"kind"`
	Side       Side               `json:"side,omitempty"`
	SpecIDs    []string           `json:"spec_ids,omitempty"`
	Changes    []FieldChange      `json:"changes,omitempty"`
	ParseError string             `json:"parse_error,omitempty"`
}

// EntityRef points at one spec (and optionally one task) in both representations.
type EntityRef struct {
	SpecID string `json:"spec_id"`
	TaskID string `json:"task_id,omitempty"`
	Path   string `json:"path,omitempty"`
}

func (e EntityRef) String() string {
	if e.TaskID != "" {
		return e.SpecID + "/" + e.TaskID
	}
	return e.SpecID
}
