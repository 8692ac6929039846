package core

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Plan is the schedule derived from a task's repeat rule. Run fires executions,
// Stop fires terminations. Either may be nil when no action is due. All
// schedules evaluate in UTC and return the zero time once exhausted, which the
// scheduler treats as "remove the timer".
type Plan struct {
	Run  cron.Schedule
	Stop cron.Schedule
}

// ComputePlan maps (repeat rule, start, end, now) onto concrete schedules.
// It is pure: the same inputs always yield an equivalent plan.
//
// For RepeatNone the run fires once at start if still in the future, and the
// stop once at end. Recurring rules fire at start's time-of-day (plus
// day-of-week or day-of-month as the cadence requires); the stop mirrors the
// cadence anchored on end. Quarterly fires in the months
// {start.Month + 3k <= 12}, every year. When start and end fall on different
// calendar dates, end's date bounds the whole series: after that date both
// schedules are exhausted.
func ComputePlan(repeat RepeatType, start time.Time, end *time.Time, now time.Time) (Plan, error) {
	start = start.UTC()
	now = now.UTC()
	var endUTC *time.Time
	if end != nil {
		e := end.UTC()
		endUTC = &e
	}

	if repeat == RepeatNone {
		var plan Plan
		if start.After(now) {
			plan.Run = oneShot{at: start}
		}
		if endUTC != nil && endUTC.After(now) {
			plan.Stop = oneShot{at: *endUTC}
		}
		return plan, nil
	}

	run, err := recurringSchedule(repeat, start)
	if err != nil {
		return Plan{}, err
	}
	var stop cron.Schedule
	if endUTC != nil {
		stop, err = recurringSchedule(repeat, *endUTC)
		if err != nil {
			return Plan{}, err
		}
	}

	// An end time on a different calendar date than the start additionally
	// bounds the series: the cron-style rule stops firing past that date.
	if endUTC != nil && !sameDate(start, *endUTC) {
		cut := dateOf(*endUTC)
		if dateOf(now).After(cut) {
			return Plan{}, nil
		}
		run = cutoff{inner: run, lastDate: cut}
		stop = cutoff{inner: stop, lastDate: cut}
	}

	return Plan{Run: run, Stop: stop}, nil
}

func recurringSchedule(repeat RepeatType, anchor time.Time) (cron.Schedule, error) {
	h, m, s := anchor.Clock()
	switch repeat {
	case RepeatDaily:
		return daily{hour: h, min: m, sec: s}, nil
	case RepeatWeekly:
		return weekly{weekday: anchor.Weekday(), hour: h, min: m, sec: s}, nil
	case RepeatMonthly:
		return monthly{months: allMonths(), day: anchor.Day(), hour: h, min: m, sec: s}, nil
	case RepeatQuarterly:
		return monthly{months: quarterMonths(anchor.Month()), day: anchor.Day(), hour: h, min: m, sec: s}, nil
	}
	return nil, fmt.Errorf("repeat type %q has no recurring schedule", repeat)
}

// quarterMonths expands an anchor month with a 3-month step inside the year,
// matching the original month/3 trigger: anchor 2 yields {2,5,8,11}, anchor 12
// yields {12}.
func quarterMonths(anchor time.Month) [13]bool {
	var months [13]bool
	for m := int(anchor); m <= 12; m += 3 {
		months[m] = true
	}
	return months
}

func allMonths() [13]bool {
	var months [13]bool
	for m := 1; m <= 12; m++ {
		months[m] = true
	}
	return months
}

// oneShot fires exactly once.
type oneShot struct {
	at time.Time
}

func (o oneShot) Next(t time.Time) time.Time {
	if o.at.After(t) {
		return o.at
	}
	return time.Time{}
}

// daily fires every day at a fixed time-of-day.
type daily struct {
	hour, min, sec int
}

func (d daily) Next(t time.Time) time.Time {
	t = t.UTC()
	next := time.Date(t.Year(), t.Month(), t.Day(), d.hour, d.min, d.sec, 0, time.UTC)
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// weekly fires on a fixed weekday at a fixed time-of-day.
type weekly struct {
	weekday        time.Weekday
	hour, min, sec int
}

func (w weekly) Next(t time.Time) time.Time {
	t = t.UTC()
	next := time.Date(t.Year(), t.Month(), t.Day(), w.hour, w.min, w.sec, 0, time.UTC)
	offset := (int(w.weekday) - int(next.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, offset)
	if !next.After(t) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// monthly fires on a fixed day-of-month in a set of months. Months that do not
// contain the day (say the 31st in February) are skipped, like a cron
// day-of-month field.
type monthly struct {
	months         [13]bool
	day            int
	hour, min, sec int
}

func (m monthly) Next(t time.Time) time.Time {
	t = t.UTC()
	year, month := t.Year(), t.Month()
	// Bounded walk: any allowed day-of-month recurs within 4 years.
	for i := 0; i < 12*4; i++ {
		if m.months[int(month)] && m.day <= daysIn(year, month) {
			next := time.Date(year, month, m.day, m.hour, m.min, m.sec, 0, time.UTC)
			if next.After(t) {
				return next
			}
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	return time.Time{}
}

// cutoff exhausts the inner schedule once past its last permitted date.
type cutoff struct {
	inner    cron.Schedule
	lastDate time.Time
}

func (c cutoff) Next(t time.Time) time.Time {
	if c.inner == nil {
		return time.Time{}
	}
	next := c.inner.Next(t)
	if next.IsZero() || dateOf(next).After(c.lastDate) {
		return time.Time{}
	}
	return next
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sameDate(a, b time.Time) bool {
	return dateOf(a).Equal(dateOf(b))
}
