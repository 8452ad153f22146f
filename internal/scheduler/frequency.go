// Package scheduler fires lighting commands at absolute, daily or weekly
// wall-clock instants. Wait loops re-poll with a bounded quantum instead of
// sleeping once for a precomputed duration, so a stepped clock (e.g. an NTP
// correction) is observed at the next wake rather than silently invalidating
// the deadline.
package scheduler

import (
	"fmt"
	"time"
)

// Frequency is the recurrence of a task: Once, Day or Week. Next computes
// the coming occurrence relative to now; Recurs reports whether the task
// re-arms after firing.
type Frequency interface {
	Next(now time.Time) time.Time
	Recurs() bool
	kind() string
}

// Once fires a single time at EndTime. An EndTime already in the past
// completes the task without firing.
type Once struct {
	EndTime time.Time
}

// Day fires every day at the wall-clock time of At (its date part is
// ignored).
type Day struct {
	At time.Time
}

// Week fires every week on DayOfWeek at the wall-clock time of At.
// DayOfWeek is Monday-first, 1..7.
type Week struct {
	DayOfWeek int
	At        time.Time
}

func (Once) kind() string { return "once" }
func (Day) kind() string  { return "day" }
func (Week) kind() string { return "week" }

func (Once) Recurs() bool { return false }
func (Day) Recurs() bool  { return true }
func (Week) Recurs() bool { return true }

func (f Once) Next(time.Time) time.Time { return f.EndTime }

func (f Day) Next(now time.Time) time.Time {
	target := atTimeOfDay(now, f.At)
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

func (f Week) Next(now time.Time) time.Time {
	daysUntil := (f.DayOfWeek + 7 - weekdayMondayFirst(now)) % 7
	target := atTimeOfDay(now, f.At).AddDate(0, 0, daysUntil)
	if !target.After(now) {
		target = target.AddDate(0, 0, 7)
	}
	return target
}

// atTimeOfDay projects the wall-clock time of at onto the date of now, in
// UTC (schedules are stored and evaluated in UTC, matching clients).
func atTimeOfDay(now, at time.Time) time.Time {
	now = now.UTC()
	at = at.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(),
		at.Hour(), at.Minute(), at.Second(), at.Nanosecond(), time.UTC)
}

// weekdayMondayFirst maps time.Weekday (Sunday=0) onto the 1..7 Monday-first
// convention used on the wire.
func weekdayMondayFirst(t time.Time) int {
	return (int(t.UTC().Weekday())+6)%7 + 1
}

func frequencyKind(f Frequency) (string, error) {
	if f == nil {
		return "", fmt.Errorf("scheduler: task without frequency")
	}
	return f.kind(), nil
}
