package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/specsync/internal/model"
)

// Priority orders delivery within a subscriber: error before warning before
// info.
type Priority int

const (
	PriorityInfo Priority = iota
	PriorityWarning
	PriorityError
)

func (p Priority) String() string {
	switch p {
	case PriorityError:
		return "error"
	case PriorityWarning:
		return "warning"
	default:
		return "info"
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	switch string(b) {
	case "error":
		*p = PriorityError
	case "warning":
		*p = PriorityWarning
	case "info":
		*p = PriorityInfo
	default:
		return fmt.Errorf("unknown priority %q", b)
	}
	return nil
}

type Category string

const (
	// CategoryChange carries a classification with field changes.
	CategoryChange Category = "change"
	// CategoryParseError carries a classification of unparseable content.
	CategoryParseError Category = "parse_error"
	// CategoryRepair carries an auto-repairable verdict.
	CategoryRepair Category = "repair"
	// CategoryConflict carries a verdict below the auto-repair threshold.
	CategoryConflict Category = "conflict"
	// CategoryTransaction reports a committed or failed sync transaction.
	CategoryTransaction Category = "transaction"
	// CategoryResolution reports a conflict resolution or rollback.
	CategoryResolution Category = "resolution"
	// CategoryWarning carries non-fatal operational warnings.
	CategoryWarning Category = "warning"
)

// Event is one routed message. Source is the path the event concerns and
// defines the FIFO lane it is delivered in.
type Event struct {
	ID             string                    `json:"id"`
	Category       Category                  `json:"category"`
	Priority       Priority                  `json:"priority"`
	Source         string                    `json:"source"`
	Timestamp      time.Time                 `json:"timestamp"`
	Summary        string                    `json:"summary,omitempty"`
	Classification *model.Classification     `json:"classification,omitempty"`
	Verdict        *model.ConsistencyVerdict `json:"verdict,omitempty"`
	Data           map[string]string         `json:"data,omitempty"`
}

// ClassificationEvent wraps a classification, as an error-priority event
// when the content could not be parsed.
func ClassificationEvent(cl model.Classification) Event {
	ev := Event{
		Category:       CategoryChange,
		Priority:       PriorityInfo,
		Source:         cl.Event.Path,
		Classification: &cl,
		Summary:        fmt.Sprintf("%s %s", cl.Kind, cl.Event.Path),
	}
	if cl.Kind == model.ClassParseError {
		ev.Category = CategoryParseError
		ev.Priority = PriorityError
		ev.Summary = fmt.Sprintf("unparseable %s: %s", cl.Event.Path, cl.ParseError)
	}
	return ev
}

// VerdictEvent wraps a non-consistent verdict. source keeps the event in the
// lane of the change that produced it.
func VerdictEvent(source string, v model.ConsistencyVerdict) Event {
	ev := Event{
		Category: CategoryRepair,
		Priority: PriorityWarning,
		Source:   source,
		Verdict:  &v,
		Summary:  fmt.Sprintf("%s %s confidence=%.2f", v.Status, v.Entity, v.Confidence),
	}
	if v.Status == model.VerdictConflict {
		ev.Category = CategoryConflict
		ev.Priority = PriorityError
	}
	return ev
}

func (e *Event) stamp() {
	if e.ID == "" {
		e.ID = "evt_" + uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// Subscriber receives events of the categories it declares. An empty
// category list receives everything.
type Subscriber interface {
	Name() string
	Categories() []Category
	Handle(ctx context.Context, ev Event) error
}

type funcSubscriber struct {
	name string
	cats []Category
	fn   func(context.Context, Event) error
}

func (f funcSubscriber) Name() string                               { return f.name }
func (f funcSubscriber) Categories() []Category                     { return f.cats }
func (f funcSubscriber) Handle(ctx context.Context, ev Event) error { return f.fn(ctx, ev) }

// Func adapts a function into a Subscriber.
func Func(name string, fn func(context.Context, Event) error, cats ...Category) Subscriber {
	return funcSubscriber{name: name, cats: cats, fn: fn}
}
