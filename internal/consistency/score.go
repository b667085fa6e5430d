package consistency

import (
	"strings"
	"time"

	"github.com/msageha/specsync/internal/model"
)

// Category bases and the bonus each decisive rule adds. A simple field
// starts above the default auto-repair threshold and repairs toward the
// newer side even when no rule decides; a structural field tops out at 0.55
// unless both rules agree.
const (
	BaseSimple      = 0.80
	BaseMetadata    = 0.35
	BaseStructural  = 0.20
	RecencyBonus    = 0.35
	PrecedenceBonus = 0.35
)

// Base returns the starting score for a field category.
func Base(cat model.FieldCategory) float64 {
	switch cat {
	case model.CategorySimple:
		return BaseSimple
	case model.CategoryMetadata:
		return BaseMetadata
	default:
		return BaseStructural
	}
}

// Score combines the category base with the rules that decided the field.
func Score(cat model.FieldCategory, recency, precedence bool) float64 {
	s := Base(cat)
	if recency {
		s += RecencyBonus
	}
	if precedence {
		s += PrecedenceBonus
	}
	return clamp(s)
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// RecencyWinner returns the side written last when the two write times are
// further apart than tolerance. A zero time is unknown and never decides.
func RecencyWinner(docAt, recAt time.Time, tolerance time.Duration) (model.Side, bool) {
	if docAt.IsZero() || recAt.IsZero() {
		return "", false
	}
	delta := docAt.Sub(recAt)
	switch {
	case delta > tolerance:
		return model.SideDocument, true
	case -delta > tolerance:
		return model.SideRecord, true
	}
	return "", false
}

// PrecedenceWinner applies the declared precedence rules: a completed task
// status and a done or cancelled spec status outrank any other value.
func PrecedenceWinner(field, docVal, recVal string) (model.Side, bool) {
	var docRank, recRank int
	switch {
	case field == "status":
		docRank = model.SpecStatusRank(model.SpecStatus(docVal))
		recRank = model.SpecStatusRank(model.SpecStatus(recVal))
	case strings.HasPrefix(field, "tasks.") && strings.HasSuffix(field, ".status") && strings.Count(field, ".") == 2:
		docRank = model.TaskStatusRank(model.TaskStatus(docVal))
		recRank = model.TaskStatusRank(model.TaskStatus(recVal))
	default:
		return "", false
	}
	if docRank == recRank || max(docRank, recRank) < 3 {
		return "", false
	}
	if docRank > recRank {
		return model.SideDocument, true
	}
	return model.SideRecord, true
}

// decide scores one divergent field. Recency beyond the tolerance wins
// outright; precedence only decides writes inside the tolerance. A simple
// field no rule decides keeps its base and goes to the newer side.
func decide(d *model.Divergence, docAt, recAt time.Time, tolerance time.Duration) {
	rw, recency := RecencyWinner(docAt, recAt, tolerance)
	pw, precedence := PrecedenceWinner(d.Field, d.DocumentValue, d.RecordValue)
	switch {
	case recency && precedence && rw == pw:
		d.Winner, d.Rule = rw, "recency+precedence"
	case recency:
		d.Winner, d.Rule = rw, "recency"
		precedence = false
	case precedence:
		d.Winner, d.Rule = pw, "precedence"
	default:
		d.Winner = newer(docAt, recAt)
		if d.Category == model.CategorySimple {
			d.Rule = "newer"
		}
	}
	d.Confidence = Score(d.Category, recency, precedence)
}

// newer returns the side with the later write, the document on a tie.
func newer(docAt, recAt time.Time) model.Side {
	if recAt.After(docAt) {
		return model.SideRecord
	}
	return model.SideDocument
}
