package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fieldRange bounds one cron field.
type fieldRange struct {
	name string
	min  int
	max  int
}

var cronFields = []fieldRange{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6}, // 0 = Sunday
}

// expression is a parsed 5-field cron expression. Each field is an
// expanded membership set.
type expression struct {
	minute map[int]bool
	hour   map[int]bool
	dom    map[int]bool
	month  map[int]bool
	dow    map[int]bool
}

// searchBoundMinutes caps the next-match scan at roughly 366 days.
const searchBoundMinutes = 527000

// parseExpression parses a 5-field cron expression into expanded sets.
// Ranges with a > b are invalid — no wrap-around support.
func parseExpression(expr string) (*expression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	sets := make([]map[int]bool, 5)
	for i, f := range fields {
		set, err := parseField(f, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("%s field %q: %w", cronFields[i].name, f, err)
		}
		sets[i] = set
	}

	return &expression{
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    sets[4],
	}, nil
}

// parseField expands one field: a comma list of *, n, a-b, */s, a-b/s.
func parseField(field string, fr fieldRange) (map[int]bool, error) {
	set := make(map[int]bool)

	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return nil, fmt.Errorf("empty list element")
		}

		spec, step := part, 1
		if idx := strings.Index(part, "/"); idx >= 0 {
			spec = part[:idx]
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("bad step %q", part[idx+1:])
			}
			step = s
		}

		lo, hi := fr.min, fr.max
		switch {
		case spec == "*":
			// full range
		case strings.Contains(spec, "-"):
			bounds := strings.SplitN(spec, "-", 2)
			a, errA := strconv.Atoi(bounds[0])
			b, errB := strconv.Atoi(bounds[1])
			if errA != nil || errB != nil {
				return nil, fmt.Errorf("bad range %q", spec)
			}
			if a > b {
				return nil, fmt.Errorf("descending range %q", spec)
			}
			lo, hi = a, b
		default:
			n, err := strconv.Atoi(spec)
			if err != nil {
				return nil, fmt.Errorf("bad value %q", spec)
			}
			if step != 1 {
				return nil, fmt.Errorf("step on single value %q", part)
			}
			lo, hi = n, n
		}

		if lo < fr.min || hi > fr.max {
			return nil, fmt.Errorf("value out of range %d-%d", fr.min, fr.max)
		}
		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}

	return set, nil
}

// next returns the first instant after t whose minute, hour,
// day-of-month, month, and day-of-week all lie in the expanded sets.
// The cursor starts at t with seconds zeroed plus one minute and
// advances minute by minute; on exhausting the search bound the
// fallback is t + 24h.
func (e *expression) next(t time.Time) time.Time {
	cursor := t.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < searchBoundMinutes; i++ {
		if e.month[int(cursor.Month())] &&
			e.dom[cursor.Day()] &&
			e.dow[int(cursor.Weekday())] &&
			e.hour[cursor.Hour()] &&
			e.minute[cursor.Minute()] {
			return cursor
		}
		cursor = cursor.Add(time.Minute)
	}
	return t.Add(24 * time.Hour)
}
