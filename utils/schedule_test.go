package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripflow/models"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestCalculateOccurrences_Daily(t *testing.T) {
	for _, n := range []int{1, 2, 7, 31, 365} {
		start := day("2025-01-01")
		s := models.Schedule{
			RecurrenceType: models.RecurrenceDaily,
			StartDate:      start,
			EndDate:        start.AddDate(0, 0, n-1),
		}

		dates := CalculateOccurrences(s)
		assert.Len(t, dates, n)
		assert.Equal(t, start, dates[0])
		assert.Equal(t, s.EndDate, dates[len(dates)-1])
	}
}

func TestCalculateOccurrences_DailyAcrossLeapDay(t *testing.T) {
	s := models.Schedule{
		RecurrenceType: models.RecurrenceDaily,
		StartDate:      day("2024-02-27"),
		EndDate:        day("2024-03-01"),
	}
	assert.Equal(t, []time.Time{
		day("2024-02-27"), day("2024-02-28"), day("2024-02-29"), day("2024-03-01"),
	}, CalculateOccurrences(s))
}

func TestCalculateOccurrences_Weekly(t *testing.T) {
	// 2025-01-06 is a Monday
	s := models.Schedule{
		RecurrenceType: models.RecurrenceWeekly,
		DaysOfWeek:     []int{1, 3},
		StartDate:      day("2025-01-06"),
		EndDate:        day("2025-01-19"),
	}

	dates := CalculateOccurrences(s)
	require.Len(t, dates, 4)
	assert.Equal(t, []time.Time{
		day("2025-01-06"), day("2025-01-08"), day("2025-01-13"), day("2025-01-15"),
	}, dates)
}

func TestCalculateOccurrences_WeeklyEmptyDays(t *testing.T) {
	s := models.Schedule{
		RecurrenceType: models.RecurrenceWeekly,
		StartDate:      day("2025-01-06"),
		EndDate:        day("2025-03-06"),
	}
	assert.Empty(t, CalculateOccurrences(s))
}

func TestCalculateOccurrences_Custom(t *testing.T) {
	start := day("2025-01-01")
	s := models.Schedule{
		RecurrenceType: models.RecurrenceCustom,
		IntervalDays:   3,
		StartDate:      start,
		EndDate:        start.AddDate(0, 0, 10),
	}

	dates := CalculateOccurrences(s)
	require.Len(t, dates, 4)
	for i, offset := range []int{0, 3, 6, 9} {
		assert.Equal(t, start.AddDate(0, 0, offset), dates[i])
	}
}

func TestCalculateOccurrences_EndBeforeStart(t *testing.T) {
	s := models.Schedule{
		RecurrenceType: models.RecurrenceDaily,
		StartDate:      day("2025-02-01"),
		EndDate:        day("2025-01-01"),
	}
	assert.Empty(t, CalculateOccurrences(s))
}

func TestCalculateOccurrences_IgnoresClockPart(t *testing.T) {
	s := models.Schedule{
		RecurrenceType: models.RecurrenceDaily,
		StartDate:      time.Date(2025, 1, 1, 23, 59, 0, 0, time.UTC),
		EndDate:        time.Date(2025, 1, 2, 0, 1, 0, 0, time.UTC),
	}
	assert.Equal(t, []time.Time{day("2025-01-01"), day("2025-01-02")}, CalculateOccurrences(s))
}

func TestCalculateOccurrences_StopsPastMaximum(t *testing.T) {
	s := models.Schedule{
		RecurrenceType: models.RecurrenceDaily,
		StartDate:      day("2000-01-01"),
		EndDate:        day("2099-12-31"),
	}

	dates := CalculateOccurrences(s)
	assert.Len(t, dates, MaxOccurrences+1)
	assert.ErrorIs(t, CheckOccurrenceCount(len(dates)), ErrTooManyOccurrences)
}

func TestCheckOccurrenceCount(t *testing.T) {
	assert.ErrorIs(t, CheckOccurrenceCount(0), ErrNoOccurrences)
	assert.NoError(t, CheckOccurrenceCount(1))
	assert.NoError(t, CheckOccurrenceCount(MaxOccurrences))
	assert.ErrorIs(t, CheckOccurrenceCount(MaxOccurrences+1), ErrTooManyOccurrences)
}

func TestScheduledInstant(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// EST, UTC-5
	got, err := ScheduledInstant(day("2025-01-15"), "09:30", ny)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC), got)

	// EDT, UTC-4
	got, err = ScheduledInstant(day("2025-07-15"), "09:30", ny)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 15, 13, 30, 0, 0, time.UTC), got)

	_, err = ScheduledInstant(day("2025-07-15"), "9:30", ny)
	assert.Error(t, err)
	_, err = ScheduledInstant(day("2025-07-15"), "24:00", ny)
	assert.Error(t, err)
}

type validatedInput struct {
	TimeOfDay string `validate:"required,hhmm"`
	Timezone  string `validate:"required,timezone"`
}

func TestValidateStruct(t *testing.T) {
	assert.NoError(t, ValidateStruct(validatedInput{TimeOfDay: "08:15", Timezone: "Europe/Berlin"}))

	err := ValidateStruct(validatedInput{TimeOfDay: "8am", Timezone: "Mars/Olympus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "time_of_day must be formatted as HH:MM")
	assert.Contains(t, err.Error(), "timezone must be a valid IANA timezone")
}
