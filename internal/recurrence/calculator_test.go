package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
)

func date(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T { return &v }

func template(pattern repository.RecurrencePattern, interval int) *repository.RecurringTemplate {
	return &repository.RecurringTemplate{
		ID:                 "tpl-1",
		RecurrencePattern:  pattern,
		RecurrenceInterval: interval,
		StartDate:          date(2026, time.January, 1, 0),
		IsActive:           true,
	}
}

func TestIsDue_DailyNeverGeneratedThenGated(t *testing.T) {
	tpl := template(repository.PatternDaily, 1)
	now := date(2026, time.March, 10, 12)

	assert.True(t, IsDue(tpl, now), "never generated template is due")

	tpl.LastGeneratedAt = ptr(now)
	assert.False(t, IsDue(tpl, now))
	assert.False(t, IsDue(tpl, now.Add(23*time.Hour+59*time.Minute)))
	assert.True(t, IsDue(tpl, now.Add(24*time.Hour)))
}

func TestIsDue_DateBounds(t *testing.T) {
	patterns := []repository.RecurrencePattern{
		repository.PatternDaily, repository.PatternWeekly, repository.PatternMonthly,
		repository.PatternYearly, repository.PatternCustom,
	}
	now := date(2026, time.June, 1, 0)

	for _, p := range patterns {
		t.Run(string(p), func(t *testing.T) {
			ended := template(p, 1)
			ended.EndDate = ptr(date(2026, time.May, 1, 0))
			assert.False(t, IsDue(ended, now), "end date in the past")

			ended.LastGeneratedAt = ptr(date(2025, time.January, 1, 0))
			assert.False(t, IsDue(ended, now), "end date in the past with old generation")

			future := template(p, 1)
			future.StartDate = date(2026, time.July, 1, 0)
			assert.False(t, IsDue(future, now), "start date in the future")
		})
	}
}

func TestIsDue_EndDateInclusive(t *testing.T) {
	tpl := template(repository.PatternDaily, 1)
	end := date(2026, time.May, 1, 0)
	tpl.EndDate = &end
	assert.True(t, IsDue(tpl, end))
}

func TestIsDue_Inactive(t *testing.T) {
	tpl := template(repository.PatternDaily, 1)
	tpl.IsActive = false
	assert.False(t, IsDue(tpl, date(2026, time.March, 1, 0)))
	assert.Nil(t, NextDueDate(tpl, date(2026, time.March, 1, 0)))
}

func TestIsDue_Weekly(t *testing.T) {
	tpl := template(repository.PatternWeekly, 2)
	tpl.LastGeneratedAt = ptr(date(2026, time.March, 1, 9))

	assert.False(t, IsDue(tpl, date(2026, time.March, 14, 9)), "13 days")
	assert.True(t, IsDue(tpl, date(2026, time.March, 15, 9)), "14 days")
}

func TestIsDue_MonthlyAnchored(t *testing.T) {
	tpl := template(repository.PatternMonthly, 1)
	tpl.Anchors.DayOfMonth = ptr(15)
	tpl.LastGeneratedAt = ptr(date(2026, time.April, 10, 9))

	assert.False(t, IsDue(tpl, date(2026, time.April, 14, 9)), "before anchor day")
	assert.True(t, IsDue(tpl, date(2026, time.April, 16, 9)), "after anchor day")

	tpl.LastGeneratedAt = ptr(date(2026, time.April, 16, 9))
	assert.False(t, IsDue(tpl, date(2026, time.April, 20, 9)), "already generated this month")
	assert.False(t, IsDue(tpl, date(2026, time.May, 14, 9)))
	assert.True(t, IsDue(tpl, date(2026, time.May, 15, 0)))
}

func TestIsDue_MonthlyAnchorClampedToShortMonth(t *testing.T) {
	tpl := template(repository.PatternMonthly, 1)
	tpl.Anchors.DayOfMonth = ptr(31)
	tpl.LastGeneratedAt = ptr(date(2026, time.January, 31, 9))

	assert.False(t, IsDue(tpl, date(2026, time.February, 27, 9)))
	assert.True(t, IsDue(tpl, date(2026, time.February, 28, 9)))
}

func TestIsDue_MonthlyAnchoredInterval(t *testing.T) {
	tpl := template(repository.PatternMonthly, 2)
	tpl.Anchors.DayOfMonth = ptr(15)
	tpl.LastGeneratedAt = ptr(date(2026, time.February, 20, 9))

	assert.False(t, IsDue(tpl, date(2026, time.March, 16, 9)))
	assert.True(t, IsDue(tpl, date(2026, time.April, 16, 9)))
}

func TestIsDue_MonthlyCalendarDifference(t *testing.T) {
	tpl := template(repository.PatternMonthly, 1)
	tpl.LastGeneratedAt = ptr(date(2026, time.January, 31, 9))

	assert.False(t, IsDue(tpl, date(2026, time.January, 31, 23)))
	assert.True(t, IsDue(tpl, date(2026, time.February, 1, 0)), "calendar month changed")

	tpl.RecurrenceInterval = 3
	assert.False(t, IsDue(tpl, date(2026, time.March, 31, 0)))
	assert.True(t, IsDue(tpl, date(2026, time.April, 1, 0)))
}

func TestIsDue_YearlyLeapDay(t *testing.T) {
	tpl := template(repository.PatternYearly, 1)
	tpl.StartDate = date(2024, time.January, 1, 0)
	tpl.LastGeneratedAt = ptr(date(2024, time.February, 29, 0))

	assert.False(t, IsDue(tpl, date(2025, time.February, 27, 0)))
	assert.True(t, IsDue(tpl, date(2025, time.February, 28, 0)))
}

func TestIsDue_CustomFallsBackToDaily(t *testing.T) {
	tpl := template(repository.PatternCustom, 3)
	tpl.LastGeneratedAt = ptr(date(2026, time.March, 1, 0))

	assert.False(t, IsDue(tpl, date(2026, time.March, 3, 23)))
	assert.True(t, IsDue(tpl, date(2026, time.March, 4, 0)))
}

func TestIsDue_ZeroIntervalTreatedAsOne(t *testing.T) {
	tpl := template(repository.PatternDaily, 0)
	tpl.LastGeneratedAt = ptr(date(2026, time.March, 1, 0))
	assert.True(t, IsDue(tpl, date(2026, time.March, 2, 0)))
}

func TestNextDueDate(t *testing.T) {
	at := date(2026, time.March, 1, 0)

	tests := []struct {
		name string
		tpl  func() *repository.RecurringTemplate
		want time.Time
	}{
		{
			name: "daily from last generation",
			tpl: func() *repository.RecurringTemplate {
				tpl := template(repository.PatternDaily, 2)
				tpl.LastGeneratedAt = ptr(date(2026, time.March, 1, 0))
				return tpl
			},
			want: date(2026, time.March, 3, 0),
		},
		{
			name: "weekly",
			tpl: func() *repository.RecurringTemplate {
				tpl := template(repository.PatternWeekly, 1)
				tpl.LastGeneratedAt = ptr(date(2026, time.March, 1, 0))
				return tpl
			},
			want: date(2026, time.March, 8, 0),
		},
		{
			name: "monthly clamps to month end",
			tpl: func() *repository.RecurringTemplate {
				tpl := template(repository.PatternMonthly, 1)
				tpl.LastGeneratedAt = ptr(date(2026, time.March, 31, 0))
				return tpl
			},
			want: date(2026, time.April, 30, 0),
		},
		{
			name: "monthly anchored",
			tpl: func() *repository.RecurringTemplate {
				tpl := template(repository.PatternMonthly, 1)
				tpl.Anchors.DayOfMonth = ptr(15)
				tpl.LastGeneratedAt = ptr(date(2026, time.March, 16, 9))
				return tpl
			},
			want: date(2026, time.April, 15, 0),
		},
		{
			name: "yearly",
			tpl: func() *repository.RecurringTemplate {
				tpl := template(repository.PatternYearly, 1)
				tpl.LastGeneratedAt = ptr(date(2026, time.March, 1, 0))
				return tpl
			},
			want: date(2027, time.March, 1, 0),
		},
		{
			name: "never generated starts in the future",
			tpl: func() *repository.RecurringTemplate {
				tpl := template(repository.PatternDaily, 1)
				tpl.StartDate = date(2026, time.April, 2, 0)
				return tpl
			},
			want: date(2026, time.April, 2, 0),
		},
		{
			name: "never generated anchored starts at first anchor",
			tpl: func() *repository.RecurringTemplate {
				tpl := template(repository.PatternMonthly, 1)
				tpl.StartDate = date(2026, time.April, 20, 0)
				tpl.Anchors.DayOfMonth = ptr(15)
				return tpl
			},
			want: date(2026, time.May, 15, 0),
		},
		{
			name: "overdue reported as now",
			tpl: func() *repository.RecurringTemplate {
				return template(repository.PatternDaily, 1)
			},
			want: at,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextDueDate(tt.tpl(), at)
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "want %s got %s", tt.want, *got)
		})
	}
}

func TestNextDueDate_AfterEndDate(t *testing.T) {
	tpl := template(repository.PatternMonthly, 1)
	tpl.LastGeneratedAt = ptr(date(2026, time.March, 1, 0))
	tpl.EndDate = ptr(date(2026, time.March, 20, 0))

	assert.Nil(t, NextDueDate(tpl, date(2026, time.March, 2, 0)))
}

func TestAddMonths(t *testing.T) {
	assert.Equal(t, date(2024, time.February, 29, 5), AddMonths(date(2024, time.January, 31, 5), 1))
	assert.Equal(t, date(2025, time.February, 28, 5), AddMonths(date(2025, time.January, 31, 5), 1))
	assert.Equal(t, date(2025, time.December, 15, 0), AddMonths(date(2026, time.January, 15, 0), -1))
	assert.Equal(t, date(2025, time.February, 28, 0), AddYears(date(2024, time.February, 29, 0), 1))
}
