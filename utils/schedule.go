package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dripflow/models"
)

// MaxOccurrences is the upper bound of occurrences a single campaign may produce
const MaxOccurrences = 365

var (
	ErrNoOccurrences      = errors.New("schedule produces no occurrences")
	ErrTooManyOccurrences = fmt.Errorf("schedule exceeds maximum of %d occurrences", MaxOccurrences)
)

// CalculateOccurrences returns the calendar dates (00:00 UTC) matching the schedule,
// inclusive of start and end date. It stops after MaxOccurrences+1 dates so callers can
// detect an oversized schedule without walking an unbounded range.
func CalculateOccurrences(s models.Schedule) []time.Time {
	start := DateOnly(s.StartDate)
	end := DateOnly(s.EndDate)
	if end.Before(start) {
		return nil
	}

	var dates []time.Time
	switch s.RecurrenceType {
	case models.RecurrenceDaily:
		for d := start; !d.After(end) && len(dates) <= MaxOccurrences; d = d.AddDate(0, 0, 1) {
			dates = append(dates, d)
		}

	case models.RecurrenceWeekly:
		if len(s.DaysOfWeek) == 0 {
			return nil
		}
		days := make(map[time.Weekday]bool, len(s.DaysOfWeek))
		for _, day := range s.DaysOfWeek {
			days[time.Weekday(day)] = true
		}
		for d := start; !d.After(end) && len(dates) <= MaxOccurrences; d = d.AddDate(0, 0, 1) {
			if days[d.Weekday()] {
				dates = append(dates, d)
			}
		}

	case models.RecurrenceCustom:
		if s.IntervalDays < 1 {
			return nil
		}
		for d := start; !d.After(end) && len(dates) <= MaxOccurrences; d = d.AddDate(0, 0, s.IntervalDays) {
			dates = append(dates, d)
		}
	}

	return dates
}

// CheckOccurrenceCount enforces the 1..MaxOccurrences contract of a schedule
func CheckOccurrenceCount(n int) error {
	if n == 0 {
		return ErrNoOccurrences
	}
	if n > MaxOccurrences {
		return ErrTooManyOccurrences
	}
	return nil
}

// DateOnly drops the clock part of t and returns the calendar date at 00:00 UTC
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseTimeOfDay parses "HH:MM" into hour and minute
func ParseTimeOfDay(value string) (int, int, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q, expected HH:MM", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour, minute, nil
}

// ScheduledInstant combines a calendar date with a time of day in the given location
// and returns the absolute instant in UTC.
func ScheduledInstant(date time.Time, timeOfDay string, loc *time.Location) (time.Time, error) {
	hour, minute, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, loc).UTC(), nil
}
