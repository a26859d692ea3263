package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week.
type Schedule struct {
	expr   string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
	// Set when the field was "*"; standard cron ORs day-of-month and
	// day-of-week only when both are restricted.
	domAny bool
	dowAny bool
}

type field struct {
	min, max int
	names    map[string]int
}

var (
	minuteField = field{min: 0, max: 59}
	hourField   = field{min: 0, max: 23}
	domField    = field{min: 1, max: 31}
	monthField  = field{min: 1, max: 12, names: map[string]int{
		"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
		"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
	}}
	dowField = field{min: 0, max: 7, names: map[string]int{
		"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
	}}
)

var macros = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// ParseCron parses a standard five-field expression or one of the @ macros.
func ParseCron(expr string) (*Schedule, error) {
	raw := strings.TrimSpace(expr)
	if m, ok := macros[strings.ToLower(raw)]; ok {
		raw = m
	}
	parts := strings.Fields(raw)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(parts))
	}

	s := &Schedule{expr: expr}
	var err error
	if s.minute, err = parseField(parts[0], minuteField); err != nil {
		return nil, fmt.Errorf("cron %q: minute: %w", expr, err)
	}
	if s.hour, err = parseField(parts[1], hourField); err != nil {
		return nil, fmt.Errorf("cron %q: hour: %w", expr, err)
	}
	if s.dom, err = parseField(parts[2], domField); err != nil {
		return nil, fmt.Errorf("cron %q: day of month: %w", expr, err)
	}
	if s.month, err = parseField(parts[3], monthField); err != nil {
		return nil, fmt.Errorf("cron %q: month: %w", expr, err)
	}
	if s.dow, err = parseField(parts[4], dowField); err != nil {
		return nil, fmt.Errorf("cron %q: day of week: %w", expr, err)
	}
	// 7 is Sunday too.
	if s.dow&(1<<7) != 0 {
		s.dow |= 1
	}
	s.domAny = parts[2] == "*" || parts[2] == "?"
	s.dowAny = parts[4] == "*" || parts[4] == "?"
	return s, nil
}

func (s *Schedule) String() string {
	return s.expr
}

// Due reports whether the schedule fires in the minute containing t.
func (s *Schedule) Due(t time.Time) bool {
	if s.minute&(1<<uint(t.Minute())) == 0 ||
		s.hour&(1<<uint(t.Hour())) == 0 ||
		s.month&(1<<uint(t.Month())) == 0 {
		return false
	}
	return s.dayMatches(t)
}

func (s *Schedule) dayMatches(t time.Time) bool {
	domOK := s.dom&(1<<uint(t.Day())) != 0
	dowOK := s.dow&(1<<uint(t.Weekday())) != 0
	if s.domAny || s.dowAny {
		return domOK && dowOK
	}
	return domOK || dowOK
}

// Next returns the first minute strictly after t at which the schedule fires,
// or the zero time if there is none within five years.
func (s *Schedule) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)
	for t.Before(limit) {
		if s.month&(1<<uint(t.Month())) == 0 {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if s.hour&(1<<uint(t.Hour())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if s.minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func parseField(raw string, f field) (uint64, error) {
	var bits uint64
	for _, part := range strings.Split(raw, ",") {
		b, err := parsePart(part, f)
		if err != nil {
			return 0, err
		}
		bits |= b
	}
	return bits, nil
}

func parsePart(part string, f field) (uint64, error) {
	if part == "" {
		return 0, fmt.Errorf("empty list element")
	}
	step := 1
	if i := strings.IndexByte(part, '/'); i >= 0 {
		n, err := strconv.Atoi(part[i+1:])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("bad step %q", part[i+1:])
		}
		step = n
		part = part[:i]
	}

	lo, hi := f.min, f.max
	switch {
	case part == "*" || part == "?":
	case strings.Contains(part, "-"):
		bounds := strings.SplitN(part, "-", 2)
		var err error
		if lo, err = f.value(bounds[0]); err != nil {
			return 0, err
		}
		if hi, err = f.value(bounds[1]); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("range %q is backwards", part)
		}
	default:
		v, err := f.value(part)
		if err != nil {
			return 0, err
		}
		lo = v
		if step == 1 {
			hi = v
		}
	}

	var bits uint64
	for v := lo; v <= hi; v += step {
		bits |= 1 << uint(v)
	}
	return bits, nil
}

func (f field) value(s string) (int, error) {
	if v, ok := f.names[strings.ToUpper(s)]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", s)
	}
	if v < f.min || v > f.max {
		return 0, fmt.Errorf("value %d out of range %d-%d", v, f.min, f.max)
	}
	return v, nil
}
