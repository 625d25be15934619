package models

import (
	"time"

	"github.com/crucial707/hours-reconcile/internal/apperr"
)

// Period is an inclusive range of calendar dates [Start, End].
type Period struct {
	Start Date `json:"period_start"`
	End   Date `json:"period_end"`
}

// Validate requires both bounds and End strictly after Start.
func (p Period) Validate() error {
	v := &apperr.ValidationError{}
	if p.Start.IsZero() {
		v.Add("period_start", "required")
	}
	if p.End.IsZero() {
		v.Add("period_end", "required")
	}
	if !p.Start.IsZero() && !p.End.IsZero() && !p.End.After(p.Start.Time) {
		v.Add("period_end", "must be after period_start")
	}
	return v.OrNil()
}

// Covers reports whether other lies entirely inside p.
func (p Period) Covers(other Period) bool {
	return !other.Start.Before(p.Start.Time) && !other.End.After(p.End.Time)
}

func (p Period) String() string {
	return p.Start.String() + ".." + p.End.String()
}

// WeekOf returns the Monday–Sunday week containing t (UTC).
func WeekOf(t time.Time) Period {
	d := DateOf(t)
	// time.Weekday is Sunday=0; shift so Monday=0.
	offset := (int(d.Weekday()) + 6) % 7
	start := d.AddDays(-offset)
	return Period{Start: start, End: start.AddDays(6)}
}

// PreviousWeek returns the Monday–Sunday week before the one containing t.
func PreviousWeek(t time.Time) Period {
	return WeekOf(t.UTC().AddDate(0, 0, -7))
}
