// Package recurrence decides when a recurring template is due for generation.
//
// IsDue gates generation. NextDueDate is a forward projection used by
// dashboards; the two may disagree at edges and IsDue wins.
//
// All arithmetic runs in UTC. Daily and weekly periods are measured in whole
// elapsed days. Monthly and yearly periods use calendar arithmetic with day
// clamping, so Jan 31 + 1 month is Feb 28/29 and Feb 29 + 1 year is Feb 28.
package recurrence

import (
	"time"

	jnow "github.com/jinzhu/now"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
)

const day = 24 * time.Hour

// IsDue reports whether t should generate at the given instant.
func IsDue(t *repository.RecurringTemplate, at time.Time) bool {
	if t == nil || !t.IsActive {
		return false
	}
	at = at.UTC()
	if at.Before(t.StartDate.UTC()) {
		return false
	}
	if t.EndDate != nil && at.After(t.EndDate.UTC()) {
		return false
	}
	if t.LastGeneratedAt == nil {
		return true
	}

	last := t.LastGeneratedAt.UTC()
	interval := intervalOf(t)

	switch t.RecurrencePattern {
	case repository.PatternDaily, repository.PatternCustom:
		return wholeDays(last, at) >= interval
	case repository.PatternWeekly:
		return wholeDays(last, at)/7 >= interval
	case repository.PatternMonthly:
		if t.Anchors.DayOfMonth != nil {
			anchor := *t.Anchors.DayOfMonth
			if at.Day() < clampDay(at, anchor) {
				return false
			}
			return anchorPeriod(at, anchor)-anchorPeriod(last, anchor) >= interval
		}
		return monthIndex(at)-monthIndex(last) >= interval
	case repository.PatternYearly:
		return !at.Before(AddYears(last, interval))
	default:
		return false
	}
}

// NextDueDate projects the next generation date. It returns nil for inactive
// templates and when the projection falls after the end date. A projection
// already in the past is reported as at.
func NextDueDate(t *repository.RecurringTemplate, at time.Time) *time.Time {
	if t == nil || !t.IsActive {
		return nil
	}
	at = at.UTC()
	interval := intervalOf(t)

	var next time.Time
	if t.LastGeneratedAt == nil {
		next = t.StartDate.UTC()
		if t.RecurrencePattern == repository.PatternMonthly && t.Anchors.DayOfMonth != nil {
			next = firstAnchorOnOrAfter(next, *t.Anchors.DayOfMonth)
		}
	} else {
		last := t.LastGeneratedAt.UTC()
		switch t.RecurrencePattern {
		case repository.PatternDaily, repository.PatternCustom:
			next = last.AddDate(0, 0, interval)
		case repository.PatternWeekly:
			next = last.AddDate(0, 0, 7*interval)
		case repository.PatternMonthly:
			if t.Anchors.DayOfMonth != nil {
				next = anchorDate(anchorPeriod(last, *t.Anchors.DayOfMonth)+interval, *t.Anchors.DayOfMonth)
			} else {
				next = AddMonths(last, interval)
			}
		case repository.PatternYearly:
			next = AddYears(last, interval)
		default:
			return nil
		}
	}

	if t.EndDate != nil && next.After(t.EndDate.UTC()) {
		return nil
	}
	if next.Before(at) {
		next = at
	}
	return &next
}

// AddMonths adds n calendar months, clamping the day to the target month's length.
func AddMonths(t time.Time, n int) time.Time {
	first := jnow.With(t).BeginningOfMonth().AddDate(0, n, 0)
	d := t.Day()
	if last := jnow.With(first).EndOfMonth().Day(); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// AddYears adds n calendar years with the same clamping as AddMonths.
func AddYears(t time.Time, n int) time.Time {
	return AddMonths(t, 12*n)
}

func intervalOf(t *repository.RecurringTemplate) int {
	if t.RecurrenceInterval < 1 {
		return 1
	}
	return t.RecurrenceInterval
}

func wholeDays(from, to time.Time) int {
	if to.Before(from) {
		return -1
	}
	return int(to.Sub(from) / day)
}

func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}

// clampDay returns anchor limited to the number of days in t's month.
func clampDay(t time.Time, anchor int) int {
	if last := jnow.With(t).EndOfMonth().Day(); anchor > last {
		return last
	}
	return anchor
}

// anchorPeriod is the month index of the latest anchor occurrence at or
// before t.
func anchorPeriod(t time.Time, anchor int) int {
	idx := monthIndex(t)
	if t.Day() < clampDay(t, anchor) {
		idx--
	}
	return idx
}

// anchorDate returns midnight UTC of the anchor day in the given month index.
func anchorDate(period, anchor int) time.Time {
	first := time.Date(period/12, time.Month(period%12+1), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 0, clampDay(first, anchor)-1)
}

func firstAnchorOnOrAfter(t time.Time, anchor int) time.Time {
	candidate := anchorDate(monthIndex(t), anchor)
	if candidate.Before(jnow.With(t).BeginningOfDay()) {
		candidate = anchorDate(monthIndex(t)+1, anchor)
	}
	return candidate
}
