package model

import "fmt"

type SpecStatus string

const (
	SpecStatusBacklog   SpecStatus = "backlog"
	SpecStatusActive    SpecStatus = "active"
	SpecStatusDone      SpecStatus = "done"
	SpecStatusBlocked   SpecStatus = "blocked"
	SpecStatusCancelled SpecStatus = "cancelled"
)

type TaskStatus string

const (
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusComplete   TaskStatus = "complete"
	TaskStatusBlocked    TaskStatus = "blocked"
)

type AssignmentStatus string

const (
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentComplete   AssignmentStatus = "complete"
	AssignmentReleased   AssignmentStatus = "released"
)

type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

var validSpecStatuses = map[SpecStatus]bool{
	SpecStatusBacklog:   true,
	SpecStatusActive:    true,
	SpecStatusDone:      true,
	SpecStatusBlocked:   true,
	SpecStatusCancelled: true,
}

var validTaskStatuses = map[TaskStatus]bool{
	TaskStatusReady:      true,
	TaskStatusInProgress: true,
	TaskStatusComplete:   true,
	TaskStatusBlocked:    true,
}

// priorityWeights keeps every tier an order of magnitude above the next so
// secondary scheduling boosts can never lift a task over a higher tier.
var priorityWeights = map[Priority]float64{
	PriorityP0: 1000,
	PriorityP1: 100,
	PriorityP2: 10,
	PriorityP3: 1,
}

var terminalSpecStatuses = map[SpecStatus]bool{
	SpecStatusDone:      true,
	SpecStatusCancelled: true,
}

// Task status transitions applied by the tracker. complete is terminal;
// arbitration may still overwrite it because it writes values, not transitions.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusReady: {
		TaskStatusInProgress: true,
		TaskStatusBlocked:    true,
	},
	TaskStatusInProgress: {
		TaskStatusComplete: true,
		TaskStatusReady:    true, // release
		TaskStatusBlocked:  true,
	},
	TaskStatusBlocked: {
		TaskStatusReady: true,
	},
}

var validSpecTransitions = map[SpecStatus]map[SpecStatus]bool{
	SpecStatusBacklog: {
		SpecStatusActive:    true,
		SpecStatusBlocked:   true,
		SpecStatusCancelled: true,
	},
	SpecStatusActive: {
		SpecStatusDone:      true,
		SpecStatusBlocked:   true,
		SpecStatusCancelled: true,
	},
	SpecStatusBlocked: {
		SpecStatusActive:    true,
		SpecStatusBacklog:   true,
		SpecStatusCancelled: true,
	},
}

func (s SpecStatus) Valid() bool { return validSpecStatuses[s] }

func (s TaskStatus) Valid() bool { return validTaskStatuses[s] }

func (p Priority) Valid() bool {
	_, ok := priorityWeights[p]
	return ok
}

// Weight returns the scheduling weight for p. Unknown priorities weigh zero.
func (p Priority) Weight() float64 {
	return priorityWeights[p]
}

func IsSpecTerminal(s SpecStatus) bool {
	return terminalSpecStatuses[s]
}

func IsTaskTerminal(s TaskStatus) bool {
	return s == TaskStatusComplete
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTaskTerminal(from) {
		return fmt.Errorf("cannot transition from terminal task status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateSpecTransition(from, to SpecStatus) error {
	if IsSpecTerminal(from) {
		return fmt.Errorf("cannot transition from terminal spec status %q", from)
	}
	allowed, ok := validSpecTransitions[from]
	if !ok {
		return fmt.Errorf("unknown spec status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid spec transition: %q → %q", from, to)
	}
	return nil
}

// TaskStatusRank orders task statuses for precedence decisions. A higher rank
// outranks a lower one; only complete carries declared precedence.
func TaskStatusRank(s TaskStatus) int {
	switch s {
	case TaskStatusComplete:
		return 3
	case TaskStatusInProgress, TaskStatusBlocked:
		return 1
	default:
		return 0
	}
}

// SpecStatusRank orders spec statuses for precedence decisions. Terminal
// statuses outrank everything else.
func SpecStatusRank(s SpecStatus) int {
	switch s {
	case SpecStatusDone, SpecStatusCancelled:
		return 3
	default:
		return 0
	}
}
