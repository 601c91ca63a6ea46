package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSpec is a parsed standard 5-field cron expression (minute hour
// day-of-month month day-of-week), evaluated directly rather than
// through a parser dependency.
type cronSpec struct {
	minutes  fieldSet
	hours    fieldSet
	doms     fieldSet
	months   fieldSet
	dows     fieldSet
	location *time.Location
}

type fieldSet map[int]bool

func parseCron(expr string, loc *time.Location) (*cronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d: %q", len(fields), expr)
	}
	if loc == nil {
		loc = time.UTC
	}
	mins, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field: %w", err)
	}
	hrs, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field: %w", err)
	}
	doms, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field: %w", err)
	}
	months, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field: %w", err)
	}
	dows, err := parseField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field: %w", err)
	}
	return &cronSpec{minutes: mins, hours: hrs, doms: doms, months: months, dows: dows, location: loc}, nil
}

func parseField(field string, lo, hi int) (fieldSet, error) {
	set := fieldSet{}
	if field == "*" {
		for v := lo; v <= hi; v++ {
			set[v] = true
		}
		return set, nil
	}
	for _, part := range strings.Split(field, ",") {
		step := 1
		rangePart := part
		if idx := strings.Index(part, "/"); idx >= 0 {
			rangePart = part[:idx]
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			step = s
		}
		start, end := lo, hi
		if rangePart != "*" {
			if dash := strings.Index(rangePart, "-"); dash >= 0 {
				a, err1 := strconv.Atoi(rangePart[:dash])
				b, err2 := strconv.Atoi(rangePart[dash+1:])
				if err1 != nil || err2 != nil {
					return nil, fmt.Errorf("invalid range %q", rangePart)
				}
				start, end = a, b
			} else {
				v, err := strconv.Atoi(rangePart)
				if err != nil {
					return nil, fmt.Errorf("invalid value %q", rangePart)
				}
				start, end = v, v
			}
		}
		if start < lo || end > hi || start > end {
			return nil, fmt.Errorf("value out of range in %q (want %d-%d)", part, lo, hi)
		}
		for v := start; v <= end; v += step {
			set[v] = true
		}
	}
	return set, nil
}

// next returns the earliest fire time strictly after after, in the
// spec's local timezone, evaluated minute-by-minute up to a two-year
// horizon (cron schedules with no satisfiable field combination, e.g.
// Feb 30, simply find nothing within the horizon).
func (c *cronSpec) next(after time.Time) (time.Time, bool) {
	t := after.In(c.location).Truncate(time.Minute).Add(time.Minute)
	horizon := after.AddDate(2, 0, 0)
	for t.Before(horizon) {
		if c.months[int(t.Month())] && c.doms[t.Day()] && c.dows[int(t.Weekday())] &&
			c.hours[t.Hour()] && c.minutes[t.Minute()] {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}
