package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Years a year field may name.
const (
	minYear = 1970
	maxYear = 2099
)

// Parser is the cron parser behind every schedule: optional seconds field
// plus descriptors such as "@hourly" and "@every 1m".
func Parser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// NormalizeCron trims and validates the field count. A 7-field expression
// (sec min hour dom month dow year) with a "*" year is shortened to 6
// fields; any other year is kept.
func NormalizeCron(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("cron schedule required")
	}
	if strings.HasPrefix(expr, "@") {
		return expr, nil
	}
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5, 6:
	case 7:
		if fields[6] == "*" {
			fields = fields[:6]
		}
	default:
		return "", fmt.Errorf("cron %q: expected 5, 6 or 7 fields, got %d", expr, len(fields))
	}
	return strings.Join(fields, " "), nil
}

// ParseCron parses a normalized or raw expression, including the year field.
func ParseCron(expr string) (cron.Schedule, error) {
	norm, err := NormalizeCron(expr)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(norm)
	if len(fields) != 7 {
		sched, err := Parser().Parse(norm)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
		}
		return sched, nil
	}

	years, err := parseYears(fields[6])
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	inner, err := Parser().Parse(strings.Join(fields[:6], " "))
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return yearSchedule{inner: inner, years: years}, nil
}

// Next returns the first fire time of expr strictly after t.
func Next(expr string, t time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(t)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q never fires after %s", expr, t.Format(time.RFC3339))
	}
	return next, nil
}

// InLocation evaluates sched in loc whatever the scheduler timezone is.
func InLocation(sched cron.Schedule, loc *time.Location) cron.Schedule {
	if loc == nil {
		return sched
	}
	return locSchedule{inner: sched, loc: loc}
}

type locSchedule struct {
	inner cron.Schedule
	loc   *time.Location
}

func (l locSchedule) Next(t time.Time) time.Time { return l.inner.Next(t.In(l.loc)) }

// yearSchedule restricts inner to a sorted set of years.
type yearSchedule struct {
	inner cron.Schedule
	years []int
}

func (y yearSchedule) Next(t time.Time) time.Time {
	for range len(y.years) + 1 {
		n := y.inner.Next(t)
		if n.IsZero() {
			return n
		}
		i, ok := slices.BinarySearch(y.years, n.Year())
		if ok {
			return n
		}
		if i == len(y.years) {
			return time.Time{}
		}
		// Resume just before the next allowed year starts.
		t = time.Date(y.years[i], time.January, 1, 0, 0, 0, 0, n.Location()).Add(-time.Nanosecond)
	}
	return time.Time{}
}

// parseYears accepts "*", N, A-B, */S, A-B/S, A/S and comma lists of these.
func parseYears(field string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(field, ",") {
		lo, hi, step := minYear, maxYear, 1
		rng := part
		if r, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("year step %q", s)
			}
			rng, step = r, n
		}
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if lo, err = year(a); err != nil {
				return nil, err
			}
			if hi, err = year(b); err != nil {
				return nil, err
			}
			if hi < lo {
				return nil, fmt.Errorf("year range %q is reversed", rng)
			}
		default:
			y, err := year(rng)
			if err != nil {
				return nil, err
			}
			lo = y
			if step == 1 {
				hi = y
			}
		}
		for y := lo; y <= hi; y += step {
			out = append(out, y)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func year(s string) (int, error) {
	y, err := strconv.Atoi(s)
	if err != nil || y < minYear || y > maxYear {
		return 0, fmt.Errorf("year %q must be within %d-%d", s, minYear, maxYear)
	}
	return y, nil
}
