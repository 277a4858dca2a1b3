// Package recurrence computes the next fire time for a recurring trigger.
//
// NextOccurrence is a pure function of the rule and a reference instant; it
// never reads the wall clock. Callers pass time.Now().UTC() in production and
// a fixed instant in tests.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conatusassistant/conatus-scheduler/internal/domain"
)

// ErrNoOccurrence is the sentinel for a rule that yields no next fire time
// (unknown cadence, unparseable time-of-day, bad selector). Callers must not
// schedule and should log a warning rather than treat this as fatal.
var ErrNoOccurrence = errors.New("recurrence: no next occurrence")

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// NextOccurrence returns the first instant strictly after ref at which the
// rule fires, in UTC. Candidates are built in the rule's timezone so that
// "09:00 daily" means 09:00 local, not 09:00 UTC.
func NextOccurrence(rule domain.TriggerConfig, ref time.Time) (time.Time, error) {
	if rule.Cadence == domain.CadenceCron {
		return nextCron(rule.CronExpr, ref)
	}

	loc, err := loadZone(rule.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNoOccurrence, err)
	}

	hour, minute, err := parseTimeOfDay(rule.TimeOfDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNoOccurrence, err)
	}

	refLocal := ref.In(loc)

	// Today at the configured time; advance one day if that is not strictly
	// in the future.
	candidate := time.Date(refLocal.Year(), refLocal.Month(), refLocal.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(refLocal) {
		candidate = candidate.AddDate(0, 0, 1)
	}

	switch rule.Cadence {
	case domain.CadenceDaily:
		// No further adjustment.

	case domain.CadenceWeekdays:
		switch candidate.Weekday() {
		case time.Saturday:
			candidate = candidate.AddDate(0, 0, 2)
		case time.Sunday:
			candidate = candidate.AddDate(0, 0, 1)
		}

	case domain.CadenceWeekends:
		if wd := candidate.Weekday(); wd != time.Saturday && wd != time.Sunday {
			candidate = candidate.AddDate(0, 0, int(time.Saturday-wd))
		}

	case domain.CadenceWeekly:
		target, ok := weekdayNames[strings.ToLower(rule.Weekday)]
		if !ok {
			return time.Time{}, fmt.Errorf("%w: unknown weekday %q", ErrNoOccurrence, rule.Weekday)
		}
		ahead := (int(target) - int(candidate.Weekday()) + 7) % 7
		candidate = candidate.AddDate(0, 0, ahead)

	case domain.CadenceMonthly:
		if rule.DayOfMonth < 1 || rule.DayOfMonth > 31 {
			return time.Time{}, fmt.Errorf("%w: day of month %d out of range", ErrNoOccurrence, rule.DayOfMonth)
		}
		candidate = nextMonthly(refLocal, rule.DayOfMonth, hour, minute, loc)

	default:
		return time.Time{}, fmt.Errorf("%w: unknown cadence %q", ErrNoOccurrence, rule.Cadence)
	}

	return candidate.UTC(), nil
}

// nextMonthly finds the next monthly fire time, clamping the configured day
// to the last day of months too short to contain it (day 30 in February
// fires on Feb 28/29, never overflows into March).
func nextMonthly(refLocal time.Time, dayOfMonth, hour, minute int, loc *time.Location) time.Time {
	year, month := refLocal.Year(), refLocal.Month()
	for i := 0; i < 2; i++ {
		day := dayOfMonth
		if last := lastDayOfMonth(year, month); day > last {
			day = last
		}
		candidate := time.Date(year, month, day, hour, minute, 0, 0, loc)
		if candidate.After(refLocal) {
			return candidate
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	// Unreachable: the following month's candidate is always in the future.
	return time.Time{}
}

func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func nextCron(expr string, ref time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: parse cron %q: %v", ErrNoOccurrence, expr, err)
	}
	return sched.Next(ref).UTC(), nil
}

func loadZone(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("parse time of day %q: %v", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
