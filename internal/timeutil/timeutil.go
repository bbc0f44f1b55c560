package timeutil

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidPeriod = errors.New("invalid period")

// Window represents a normalized rolling time window anchored to a location.
type Window struct {
	period string
	start  time.Time
	end    time.Time
	loc    *time.Location
}

// EnsureLocation returns UTC when loc is nil.
func EnsureLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// NewWindow constructs a window for the requested period: rolling ("7d",
// "24h") or calendar month-to-date ("mtd").
func NewWindow(period string, now time.Time, loc *time.Location) (Window, error) {
	loc = EnsureLocation(loc)
	now = now.In(loc)

	if normalizePeriod(period) == "mtd" {
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		return Window{period: "mtd", start: start, end: now, loc: loc}, nil
	}

	dur, err := durationFromPeriod(period)
	if err != nil {
		return Window{}, err
	}
	return Window{
		period: normalizePeriod(period),
		start:  now.Add(-dur),
		end:    now,
		loc:    loc,
	}, nil
}

// NewWindowFromRange constructs a window covering the provided [start, end) bounds.
func NewWindowFromRange(start, end time.Time, loc *time.Location, label string) (Window, error) {
	loc = EnsureLocation(loc)
	start = start.In(loc)
	end = end.In(loc)
	if !end.After(start) {
		return Window{}, ErrInvalidPeriod
	}
	p := label
	if strings.TrimSpace(p) == "" {
		p = "custom"
	}
	return Window{period: normalizePeriod(p), start: start, end: end, loc: loc}, nil
}

// Period returns the normalized period string (e.g., "7d").
func (w Window) Period() string { return w.period }

// Start returns the inclusive start of the window.
func (w Window) Start() time.Time { return w.start }

// End returns the exclusive end of the window.
func (w Window) End() time.Time { return w.end }

// Bounds returns the start/end timestamps.
func (w Window) Bounds() (time.Time, time.Time) { return w.start, w.end }

// Location returns the reporting timezone for the window.
func (w Window) Location() *time.Location { return EnsureLocation(w.loc) }

// Timezone returns the location name for JSON responses.
func (w Window) Timezone() string { return w.Location().String() }

// StartString returns the start timestamp formatted as RFC3339 in the window's zone.
func (w Window) StartString() string { return w.start.In(w.Location()).Format(time.RFC3339) }

// EndString returns the end timestamp formatted as RFC3339 in the window's zone.
func (w Window) EndString() string { return w.end.In(w.Location()).Format(time.RFC3339) }

// Duration returns the window length.
func (w Window) Duration() time.Duration { return w.end.Sub(w.start) }

// Contains reports whether the timestamp falls within [start, end).
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.start) && ts.Before(w.end)
}

// TruncateToDay normalizes the timestamp to midnight in the provided zone.
func TruncateToDay(t time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// CapPeriod is the calendar period a spending cap resets on.
type CapPeriod string

const (
	CapPeriodDaily   CapPeriod = "daily"
	CapPeriodWeekly  CapPeriod = "weekly"
	CapPeriodMonthly CapPeriod = "monthly"
)

// NormalizeCapPeriod lowercases and defaults unrecognized values to monthly.
func NormalizeCapPeriod(value string) CapPeriod {
	switch CapPeriod(strings.ToLower(strings.TrimSpace(value))) {
	case CapPeriodDaily:
		return CapPeriodDaily
	case CapPeriodWeekly:
		return CapPeriodWeekly
	default:
		return CapPeriodMonthly
	}
}

// CapPeriodBounds returns the [start, end) calendar window containing now in
// UTC. Weekly periods start on Monday; monthly on the first of the month.
func CapPeriodBounds(now time.Time, period CapPeriod) (time.Time, time.Time) {
	nowUTC := now.UTC()
	year, month, day := nowUTC.Date()

	switch period {
	case CapPeriodDaily:
		start := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case CapPeriodWeekly:
		weekday := int(nowUTC.Weekday())
		delta := (weekday + 6) % 7 // Monday = 0
		start := time.Date(year, month, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -delta)
		return start, start.AddDate(0, 0, 7)
	default:
		start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}

func durationFromPeriod(period string) (time.Duration, error) {
	p := normalizePeriod(period)
	if len(p) < 2 {
		return 0, ErrInvalidPeriod
	}
	unit := p[len(p)-1]
	value, err := strconv.Atoi(p[:len(p)-1])
	if err != nil || value <= 0 {
		return 0, ErrInvalidPeriod
	}
	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(value) * time.Hour, nil
	default:
		return 0, ErrInvalidPeriod
	}
}

func normalizePeriod(period string) string {
	return strings.ToLower(strings.TrimSpace(period))
}
