package reminder

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Kind is a recurrence rule family.
type Kind string

const (
	KindNone     Kind = "none"
	KindDaily    Kind = "daily"
	KindWeekdays Kind = "weekdays"
	KindWeekly   Kind = "weekly"
	KindMonthly  Kind = "monthly"
	KindCustom   Kind = "custom"
)

// ErrUnknownRule is returned for a custom recurrence with no registered rule.
var ErrUnknownRule = errors.New("unknown recurrence rule")

// ErrBadRecurrence is returned when a recurrence phrase cannot be read.
var ErrBadRecurrence = errors.New("unrecognized recurrence")

// Recurrence describes how a fired reminder produces its next occurrence.
type Recurrence struct {
	Kind     Kind           `json:"kind"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`  // weekly: days to fire on; empty means every 7 days
	MonthDay int            `json:"month_day,omitempty"` // monthly: anchor day, clamped to short months
	Rule     string         `json:"rule,omitempty"`      // custom: registered rule name
}

// RuleFunc computes the occurrence following prev, with prev expressed in the
// owner's zone. It must return a time strictly after prev, or false to end
// the series. A rule that breaks this contract ends the series.
type RuleFunc func(prev time.Time) (time.Time, bool)

// Repeats reports whether r produces further occurrences.
func (r Recurrence) Repeats() bool {
	return r.Kind != "" && r.Kind != KindNone
}

// Next returns the first occurrence strictly after prev. Calendar rules keep
// the wall-clock time of prev in loc. The second result is false when the
// series ends.
func (r Recurrence) Next(prev time.Time, loc *time.Location, rules map[string]RuleFunc) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	p := prev.In(loc)

	var next time.Time
	switch r.Kind {
	case KindDaily:
		next = p.AddDate(0, 0, 1)
	case KindWeekdays:
		next = p.AddDate(0, 0, 1)
		for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
			next = next.AddDate(0, 0, 1)
		}
	case KindWeekly:
		if len(r.Weekdays) == 0 {
			next = p.AddDate(0, 0, 7)
			break
		}
		for i := 1; i <= 7; i++ {
			cand := p.AddDate(0, 0, i)
			if r.hasWeekday(cand.Weekday()) {
				next = cand
				break
			}
		}
	case KindMonthly:
		day := r.MonthDay
		if day <= 0 {
			day = p.Day()
		}
		y, m, _ := p.Date()
		first := time.Date(y, m+1, 1, p.Hour(), p.Minute(), p.Second(), 0, loc)
		if dim := daysIn(first.Year(), first.Month()); day > dim {
			day = dim
		}
		next = time.Date(first.Year(), first.Month(), day, p.Hour(), p.Minute(), p.Second(), 0, loc)
	case KindCustom:
		fn, ok := rules[r.Rule]
		if !ok {
			return time.Time{}, false
		}
		n, ok := fn(p)
		if !ok {
			return time.Time{}, false
		}
		// Stored times have second precision.
		next = n.Truncate(time.Second)
	default:
		return time.Time{}, false
	}

	if next.IsZero() || !next.After(prev) {
		return time.Time{}, false
	}
	return next, true
}

func (r Recurrence) hasWeekday(wd time.Weekday) bool {
	for _, d := range r.Weekdays {
		if d == wd {
			return true
		}
	}
	return false
}

// reanchor pins a rule tied to a single weekday or month day to at. Rules
// naming several weekdays are kept as chosen.
func (r Recurrence) reanchor(at time.Time) Recurrence {
	switch {
	case r.Kind == KindWeekly && len(r.Weekdays) == 1:
		r.Weekdays = []time.Weekday{at.Weekday()}
	case r.Kind == KindMonthly && r.MonthDay > 0:
		r.MonthDay = at.Day()
	}
	return r
}

// Validate checks that r is well formed and, for custom rules, registered.
func (r Recurrence) Validate(rules map[string]RuleFunc) error {
	switch r.Kind {
	case "", KindNone, KindDaily, KindWeekdays:
		return nil
	case KindWeekly:
		for _, d := range r.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("%w: weekday %d", ErrBadRecurrence, d)
			}
		}
		return nil
	case KindMonthly:
		if r.MonthDay < 0 || r.MonthDay > 31 {
			return fmt.Errorf("%w: month day %d", ErrBadRecurrence, r.MonthDay)
		}
		return nil
	case KindCustom:
		if _, ok := rules[r.Rule]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownRule, r.Rule)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %q", ErrBadRecurrence, r.Kind)
	}
}

// String renders r for people.
func (r Recurrence) String() string {
	switch r.Kind {
	case KindDaily:
		return "every day"
	case KindWeekdays:
		return "on weekdays"
	case KindWeekly:
		if len(r.Weekdays) == 0 {
			return "every week"
		}
		days := append([]time.Weekday(nil), r.Weekdays...)
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		names := make([]string, len(days))
		for i, d := range days {
			names[i] = d.String()[:3]
		}
		return "every " + strings.Join(names, ", ")
	case KindMonthly:
		if r.MonthDay > 0 {
			return fmt.Sprintf("monthly on day %d", r.MonthDay)
		}
		return "every month"
	case KindCustom:
		return "custom (" + r.Rule + ")"
	default:
		return "once"
	}
}

var everyWeekdayRe = regexp.MustCompile(`^(?:every|each|weekly on|on)\s+(.+)$`)

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseRecurrence reads phrases such as "once", "daily", "weekdays",
// "weekly", "every mon, thu" and "monthly". anchor supplies the weekday or
// month day when the phrase does not name one.
func ParseRecurrence(text string, anchor time.Time) (Recurrence, error) {
	s := strings.ToLower(strings.TrimSpace(text))
	switch s {
	case "", "none", "once", "no", "never", "one time", "no repeat":
		return Recurrence{Kind: KindNone}, nil
	case "daily", "every day", "everyday", "each day":
		return Recurrence{Kind: KindDaily}, nil
	case "weekdays", "every weekday", "workdays", "on weekdays":
		return Recurrence{Kind: KindWeekdays}, nil
	case "weekly", "every week", "each week":
		return Recurrence{Kind: KindWeekly, Weekdays: []time.Weekday{anchor.Weekday()}}, nil
	case "monthly", "every month", "each month":
		return Recurrence{Kind: KindMonthly, MonthDay: anchor.Day()}, nil
	}

	if m := everyWeekdayRe.FindStringSubmatch(s); m != nil {
		fields := strings.FieldsFunc(m[1], func(r rune) bool { return r == ',' || r == ' ' || r == '/' })
		seen := map[time.Weekday]bool{}
		var days []time.Weekday
		for _, f := range fields {
			if f == "and" {
				continue
			}
			wd, ok := weekdayNames[strings.TrimSuffix(f, "s")]
			if !ok {
				wd, ok = weekdayNames[f]
			}
			if !ok {
				return Recurrence{}, fmt.Errorf("%w: %q", ErrBadRecurrence, text)
			}
			if !seen[wd] {
				seen[wd] = true
				days = append(days, wd)
			}
		}
		if len(days) > 0 {
			sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
			return Recurrence{Kind: KindWeekly, Weekdays: days}, nil
		}
	}
	return Recurrence{}, fmt.Errorf("%w: %q", ErrBadRecurrence, text)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
