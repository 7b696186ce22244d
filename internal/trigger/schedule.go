package trigger

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alagyn/tubular/internal/runengine"
	"github.com/alagyn/tubular/internal/tuberrors"
)

// ScheduleTrigger fires whenever the wall clock passes nextRun, then
// advances nextRun by one full period (spec.md §4.10). min/hour periods
// anchor on startup time; day/week periods anchor on the configured
// "when" time-of-day (and day-of-week).
type ScheduleTrigger struct {
	Reqs []runengine.PipelineReq

	next   time.Time
	offset time.Duration

	now func() time.Time
}

var whenPattern = regexp.MustCompile(`^(?i)(?:([A-Za-z]+)\s+)?(\d{1,2})(?::(\d{2}))?(am|pm)$`)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// NewScheduleTrigger parses period ("<num> <unit>", unit one of min,
// hour, day, week) and, for day/week units, the when string
// ("[DayOfWeek] H[:MM](am|pm)"), firing reqs each time the schedule
// comes due.
func NewScheduleTrigger(period, when string, reqs []runengine.PipelineReq) (*ScheduleTrigger, error) {
	return newScheduleTrigger(period, when, reqs, time.Now)
}

func newScheduleTrigger(period, when string, reqs []runengine.PipelineReq, now func() time.Time) (*ScheduleTrigger, error) {
	count, unit, err := parsePeriod(period)
	if err != nil {
		return nil, err
	}

	t := &ScheduleTrigger{Reqs: reqs, now: now}
	start := now()

	switch unit {
	case "min":
		t.offset = time.Duration(count) * time.Minute
		t.next = start.Add(t.offset)
	case "hour":
		t.offset = time.Duration(count) * time.Hour
		t.next = start.Add(t.offset)
	case "day", "week":
		day, hour, minute, err := parseWhen(when, unit == "week")
		if err != nil {
			return nil, err
		}
		if unit == "day" {
			t.offset = time.Duration(count) * 24 * time.Hour
		} else {
			t.offset = time.Duration(count) * 7 * 24 * time.Hour
		}
		t.next = firstMatch(start, unit == "week", day, hour, minute)
	}
	return t, nil
}

func (t *ScheduleTrigger) Requests() []runengine.PipelineReq { return t.Reqs }

// Check fires when now has reached nextRun, then advances nextRun one
// period.
func (t *ScheduleTrigger) Check(context.Context) (bool, error) {
	if t.now().Before(t.next) {
		return false, nil
	}
	t.next = t.next.Add(t.offset)
	return true, nil
}

// NextRun exposes the next fire time, for logging and tests.
func (t *ScheduleTrigger) NextRun() time.Time { return t.next }

func parsePeriod(period string) (int, string, error) {
	fields := strings.Fields(period)
	if len(fields) != 2 {
		return 0, "", &tuberrors.ConfigError{Msg: fmt.Sprintf("invalid period %q, want \"<num> <unit>\"", period)}
	}
	count, err := strconv.Atoi(fields[0])
	if err != nil || count <= 0 {
		return 0, "", &tuberrors.ConfigError{Msg: fmt.Sprintf("invalid period count %q", fields[0])}
	}
	unit := strings.ToLower(fields[1])
	switch unit {
	case "min", "hour", "day", "week":
		return count, unit, nil
	}
	return 0, "", &tuberrors.ConfigError{Msg: fmt.Sprintf("invalid period unit %q", fields[1])}
}

// parseWhen parses "[DayOfWeek] H[:MM](am|pm)". The day-of-week part is
// required for week periods and rejected for day periods. 12am is hour
// 0; 12pm is hour 12.
func parseWhen(when string, wantDay bool) (day time.Weekday, hour, minute int, err error) {
	m := whenPattern.FindStringSubmatch(strings.TrimSpace(when))
	if m == nil {
		return 0, 0, 0, &tuberrors.ConfigError{Msg: fmt.Sprintf("invalid when %q, want \"[DayOfWeek] H[:MM](am|pm)\"", when)}
	}

	if m[1] != "" {
		var ok bool
		day, ok = weekdays[strings.ToLower(m[1])]
		if !ok {
			return 0, 0, 0, &tuberrors.ConfigError{Msg: fmt.Sprintf("invalid day of week %q", m[1])}
		}
		if !wantDay {
			return 0, 0, 0, &tuberrors.ConfigError{Msg: "day-of-week is only valid for week periods"}
		}
	} else if wantDay {
		return 0, 0, 0, &tuberrors.ConfigError{Msg: "week periods require a day of week"}
	}

	hour, err = strconv.Atoi(m[2])
	if err != nil || hour < 1 || hour > 12 {
		return 0, 0, 0, &tuberrors.ConfigError{Msg: fmt.Sprintf("invalid hour %q", m[2])}
	}
	if m[3] != "" {
		minute, err = strconv.Atoi(m[3])
		if err != nil || minute > 59 {
			return 0, 0, 0, &tuberrors.ConfigError{Msg: fmt.Sprintf("invalid minute %q", m[3])}
		}
	}

	// 12am is midnight, 12pm is noon.
	if hour == 12 {
		hour = 0
	}
	if strings.EqualFold(m[4], "pm") {
		hour += 12
	}
	return day, hour, minute, nil
}

// firstMatch returns the earliest instant strictly after start matching
// the given time-of-day (and, for weekly schedules, day-of-week).
func firstMatch(start time.Time, weekly bool, day time.Weekday, hour, minute int) time.Time {
	next := time.Date(start.Year(), start.Month(), start.Day(), hour, minute, 0, 0, start.Location())
	if weekly {
		for next.Weekday() != day {
			next = next.Add(24 * time.Hour)
		}
	}
	for !next.After(start) {
		if weekly {
			next = next.Add(7 * 24 * time.Hour)
		} else {
			next = next.Add(24 * time.Hour)
		}
	}
	return next
}
