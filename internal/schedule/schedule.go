// Package schedule decides whether a zone is inside its daily watering window.
package schedule

import (
	"time"

	"github.com/agsys/zone-controller/internal/config"
)

const minutesPerDay = 24 * 60

// InWindow reports whether now falls inside the schedule's window. now must
// already be in the controller's local time zone.
//
// The window is [start, start+duration) on every day whose bit is set. A
// window that runs past midnight continues into the next day and belongs to
// the day it started on, so 23:30 for 60 minutes on Monday covers Tuesday
// 00:00-00:30 even if Tuesday is not selected.
func InWindow(s config.Schedule, now time.Time) bool {
	if !s.Enabled || s.DurationMinutes == 0 {
		return false
	}

	start := int(s.StartHour)*60 + int(s.StartMinute)
	end := start + int(s.DurationMinutes)
	minute := now.Hour()*60 + now.Minute()

	if s.Days.Has(now.Weekday()) && minute >= start && minute < end {
		return true
	}

	// Spill-over of yesterday's window past midnight.
	if end > minutesPerDay {
		yesterday := (now.Weekday() + 6) % 7
		if s.Days.Has(yesterday) && minute < end-minutesPerDay {
			return true
		}
	}
	return false
}

// WindowStart returns the start of the window containing now, or the zero
// time when now is outside every window.
func WindowStart(s config.Schedule, now time.Time) time.Time {
	if !InWindow(s, now) {
		return time.Time{}
	}
	y, m, d := now.Date()
	start := time.Date(y, m, d, int(s.StartHour), int(s.StartMinute), 0, 0, now.Location())
	if start.After(now) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// DayStart returns the local midnight that begins t's calendar day in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// NextMidnight returns the first local midnight strictly after t.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	y, m, d := lt.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
