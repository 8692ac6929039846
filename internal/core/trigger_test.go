package core

import (
	"testing"
	"time"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return parsed
}

func TestComputePlanOneShot(t *testing.T) {
	t.Parallel()
	now := mustTime(t, "2026-03-10T12:00:00Z")

	t.Run("future start arms a single fire", func(t *testing.T) {
		start := mustTime(t, "2026-03-11T08:00:00Z")
		plan, err := ComputePlan(RepeatNone, start, nil, now)
		if err != nil {
			t.Fatalf("ComputePlan error: %v", err)
		}
		if plan.Run == nil {
			t.Fatal("expected run schedule")
		}
		if got := plan.Run.Next(now); !got.Equal(start) {
			t.Fatalf("Next = %v, want %v", got, start)
		}
		if got := plan.Run.Next(start); !got.IsZero() {
			t.Fatalf("one-shot fired twice: %v", got)
		}
	})

	t.Run("past start arms nothing", func(t *testing.T) {
		start := mustTime(t, "2026-03-09T08:00:00Z")
		plan, err := ComputePlan(RepeatNone, start, nil, now)
		if err != nil {
			t.Fatalf("ComputePlan error: %v", err)
		}
		if plan.Run != nil {
			t.Fatal("expected no run schedule for past one-shot")
		}
	})

	t.Run("future end arms a stop", func(t *testing.T) {
		start := mustTime(t, "2026-03-11T08:00:00Z")
		end := mustTime(t, "2026-03-11T10:00:00Z")
		plan, err := ComputePlan(RepeatNone, start, &end, now)
		if err != nil {
			t.Fatalf("ComputePlan error: %v", err)
		}
		if plan.Stop == nil {
			t.Fatal("expected stop schedule")
		}
		if got := plan.Stop.Next(now); !got.Equal(end) {
			t.Fatalf("stop Next = %v, want %v", got, end)
		}
	})
}

func TestComputePlanDaily(t *testing.T) {
	t.Parallel()
	start := mustTime(t, "2026-03-01T08:00:00Z")

	tests := []struct {
		name string
		now  string
		want string
	}{
		{name: "before today's slot fires today", now: "2026-03-10T07:59:00Z", want: "2026-03-10T08:00:00Z"},
		{name: "after today's slot fires tomorrow", now: "2026-03-10T09:00:00Z", want: "2026-03-11T08:00:00Z"},
		{name: "exactly at the slot fires tomorrow", now: "2026-03-10T08:00:00Z", want: "2026-03-11T08:00:00Z"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			now := mustTime(t, tt.now)
			plan, err := ComputePlan(RepeatDaily, start, nil, now)
			if err != nil {
				t.Fatalf("ComputePlan error: %v", err)
			}
			if got, want := plan.Run.Next(now), mustTime(t, tt.want); !got.Equal(want) {
				t.Fatalf("Next = %v, want %v", got, want)
			}
		})
	}
}

func TestComputePlanDeterministic(t *testing.T) {
	t.Parallel()
	start := mustTime(t, "2026-03-01T08:00:00Z")
	now := mustTime(t, "2026-03-10T12:00:00Z")

	a, err := ComputePlan(RepeatDaily, start, nil, now)
	if err != nil {
		t.Fatalf("ComputePlan error: %v", err)
	}
	b, err := ComputePlan(RepeatDaily, start, nil, now)
	if err != nil {
		t.Fatalf("ComputePlan error: %v", err)
	}
	if !a.Run.Next(now).Equal(b.Run.Next(now)) {
		t.Fatal("same inputs produced different next fire times")
	}
}

func TestComputePlanWeekly(t *testing.T) {
	t.Parallel()
	// 2026-03-02 is a Monday.
	start := mustTime(t, "2026-03-02T09:30:00Z")
	now := mustTime(t, "2026-03-10T00:00:00Z") // Tuesday

	plan, err := ComputePlan(RepeatWeekly, start, nil, now)
	if err != nil {
		t.Fatalf("ComputePlan error: %v", err)
	}
	next := plan.Run.Next(now)
	if next.Weekday() != time.Monday {
		t.Fatalf("weekday = %v, want Monday", next.Weekday())
	}
	if want := mustTime(t, "2026-03-16T09:30:00Z"); !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestComputePlanMonthlySkipsShortMonths(t *testing.T) {
	t.Parallel()
	start := mustTime(t, "2026-01-31T06:00:00Z")
	now := mustTime(t, "2026-02-01T00:00:00Z")

	plan, err := ComputePlan(RepeatMonthly, start, nil, now)
	if err != nil {
		t.Fatalf("ComputePlan error: %v", err)
	}
	// February 2026 has 28 days, so the 31st next occurs in March.
	if got, want := plan.Run.Next(now), mustTime(t, "2026-03-31T06:00:00Z"); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestQuarterMonths(t *testing.T) {
	t.Parallel()
	tests := []struct {
		anchor time.Month
		want   []time.Month
	}{
		{anchor: time.January, want: []time.Month{time.January, time.April, time.July, time.October}},
		{anchor: time.February, want: []time.Month{time.February, time.May, time.August, time.November}},
		{anchor: time.May, want: []time.Month{time.May, time.August, time.November}},
		{anchor: time.November, want: []time.Month{time.November}},
		{anchor: time.December, want: []time.Month{time.December}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.anchor.String(), func(t *testing.T) {
			months := quarterMonths(tt.anchor)
			var got []time.Month
			for m := time.January; m <= time.December; m++ {
				if months[int(m)] {
					got = append(got, m)
				}
			}
			if len(got) != len(tt.want) {
				t.Fatalf("months = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("months = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestComputePlanQuarterly(t *testing.T) {
	t.Parallel()
	start := mustTime(t, "2026-02-15T10:00:00Z")
	now := mustTime(t, "2026-03-01T00:00:00Z")

	plan, err := ComputePlan(RepeatQuarterly, start, nil, now)
	if err != nil {
		t.Fatalf("ComputePlan error: %v", err)
	}
	want := []string{
		"2026-05-15T10:00:00Z",
		"2026-08-15T10:00:00Z",
		"2026-11-15T10:00:00Z",
		"2027-02-15T10:00:00Z",
	}
	cursor := now
	for _, w := range want {
		next := plan.Run.Next(cursor)
		if expect := mustTime(t, w); !next.Equal(expect) {
			t.Fatalf("Next after %v = %v, want %v", cursor, next, expect)
		}
		cursor = next
	}
}

func TestComputePlanEndDateCutoff(t *testing.T) {
	t.Parallel()
	start := mustTime(t, "2026-03-01T08:00:00Z")
	end := mustTime(t, "2026-03-05T20:00:00Z")

	t.Run("fires through the end date", func(t *testing.T) {
		now := mustTime(t, "2026-03-05T00:00:00Z")
		plan, err := ComputePlan(RepeatDaily, start, &end, now)
		if err != nil {
			t.Fatalf("ComputePlan error: %v", err)
		}
		if got, want := plan.Run.Next(now), mustTime(t, "2026-03-05T08:00:00Z"); !got.Equal(want) {
			t.Fatalf("Next = %v, want %v", got, want)
		}
		// The fire after the end date never happens.
		if got := plan.Run.Next(mustTime(t, "2026-03-05T09:00:00Z")); !got.IsZero() {
			t.Fatalf("fired past end date: %v", got)
		}
	})

	t.Run("series past the end date is empty", func(t *testing.T) {
		now := mustTime(t, "2026-03-07T00:00:00Z")
		plan, err := ComputePlan(RepeatDaily, start, &end, now)
		if err != nil {
			t.Fatalf("ComputePlan error: %v", err)
		}
		if plan.Run != nil || plan.Stop != nil {
			t.Fatal("expected empty plan past the end date")
		}
	})

	t.Run("same-date end keeps a daily stop without cutoff", func(t *testing.T) {
		sameDayEnd := mustTime(t, "2026-03-01T20:00:00Z")
		now := mustTime(t, "2026-04-01T00:00:00Z")
		plan, err := ComputePlan(RepeatDaily, start, &sameDayEnd, now)
		if err != nil {
			t.Fatalf("ComputePlan error: %v", err)
		}
		if plan.Run == nil || plan.Stop == nil {
			t.Fatal("expected run and stop schedules")
		}
		if got, want := plan.Stop.Next(now), mustTime(t, "2026-04-01T20:00:00Z"); !got.Equal(want) {
			t.Fatalf("stop Next = %v, want %v", got, want)
		}
	})
}
