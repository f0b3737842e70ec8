// Package timeparse reads the date and time expressions users type into
// guided flows, such as "tomorrow 9:30", "in 20 minutes" or "friday 7pm".
package timeparse

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrUnrecognized is returned when no supported form matches.
var ErrUnrecognized = errors.New("unrecognized date/time")

const clockPat = `(\d{1,2}(?::\d{2})?\s*(?:am|pm)?)`

var (
	relativeRe = regexp.MustCompile(`^in\s+(\d+)\s*(minutes?|mins?|m|hours?|hrs?|h|days?|d)\b\s*(.*)$`)
	isoRe      = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})(?:\s+|t)(?:at\s+)?` + clockPat + `\b\s*(.*)$`)
	dottedRe   = regexp.MustCompile(`^(\d{1,2})[./](\d{1,2})(?:[./](\d{4}))?\s+(?:at\s+)?` + clockPat + `\b\s*(.*)$`)
	dayWordRe  = regexp.MustCompile(`^(today|tonight|tomorrow|day after tomorrow)\s+(?:at\s+)?` + clockPat + `\b\s*(.*)$`)
	weekdayRe  = regexp.MustCompile(`^(?:next\s+|on\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday|mon|tue|tues|wed|thu|thur|thurs|fri|sat|sun)\s+(?:at\s+)?` + clockPat + `\b\s*(.*)$`)
	bareTimeRe = regexp.MustCompile(`^(?:at\s+)?` + clockPat + `\b\s*(.*)$`)
	clockRe    = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	restTrimRe = regexp.MustCompile(`^(?:to|about|-|:|,)\s+`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// Parse reads a date/time at the start of text, interpreted in loc relative
// to now. It returns the instant and whatever text follows it, which callers
// may use as a title. Forms without a date roll forward to the next matching
// moment, so "9:00" typed at 10:00 means tomorrow.
func Parse(text string, now time.Time, loc *time.Location) (time.Time, string, error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	s := strings.ToLower(strings.Join(strings.Fields(text), " "))
	orig := strings.Join(strings.Fields(text), " ")

	if m := relativeRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return time.Time{}, "", ErrUnrecognized
		}
		var unit time.Duration
		switch m[2][0] {
		case 'm':
			unit = time.Minute
		case 'h':
			unit = time.Hour
		default:
			unit = 24 * time.Hour
		}
		return now.Add(time.Duration(n) * unit), rest(orig, s, m[3]), nil
	}

	if m := isoRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		h, mi, err := parseClock(m[4])
		if err != nil {
			return time.Time{}, "", err
		}
		t, err := date(y, mo, d, h, mi, loc)
		if err != nil {
			return time.Time{}, "", err
		}
		return t, rest(orig, s, m[5]), nil
	}

	if m := dottedRe.FindStringSubmatch(s); m != nil {
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		h, mi, err := parseClock(m[4])
		if err != nil {
			return time.Time{}, "", err
		}
		y := now.Year()
		if m[3] != "" {
			y, _ = strconv.Atoi(m[3])
		}
		t, err := date(y, mo, d, h, mi, loc)
		if err != nil {
			return time.Time{}, "", err
		}
		if m[3] == "" && !t.After(now) {
			if t, err = date(y+1, mo, d, h, mi, loc); err != nil {
				return time.Time{}, "", err
			}
		}
		return t, rest(orig, s, m[5]), nil
	}

	if m := dayWordRe.FindStringSubmatch(s); m != nil {
		h, mi, err := parseClock(m[2])
		if err != nil {
			return time.Time{}, "", err
		}
		offset := 0
		switch m[1] {
		case "tomorrow":
			offset = 1
		case "day after tomorrow":
			offset = 2
		}
		y, mo, d := now.AddDate(0, 0, offset).Date()
		return time.Date(y, mo, d, h, mi, 0, 0, loc), rest(orig, s, m[3]), nil
	}

	if m := weekdayRe.FindStringSubmatch(s); m != nil {
		h, mi, err := parseClock(m[2])
		if err != nil {
			return time.Time{}, "", err
		}
		wd := weekdays[m[1]]
		days := (int(wd) - int(now.Weekday()) + 7) % 7
		y, mo, d := now.AddDate(0, 0, days).Date()
		t := time.Date(y, mo, d, h, mi, 0, 0, loc)
		if !t.After(now) {
			t = t.AddDate(0, 0, 7)
		}
		return t, rest(orig, s, m[3]), nil
	}

	if m := bareTimeRe.FindStringSubmatch(s); m != nil {
		h, mi, err := parseClock(m[1])
		if err != nil {
			return time.Time{}, "", err
		}
		y, mo, d := now.Date()
		t := time.Date(y, mo, d, h, mi, 0, 0, loc)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, rest(orig, s, m[2]), nil
	}

	return time.Time{}, "", ErrUnrecognized
}

// parseClock accepts "9:30", "21:05", "7pm" and "7:15 am". A bare hour
// without am/pm is rejected as too ambiguous.
func parseClock(s string) (hour, minute int, err error) {
	m := clockRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || (m[2] == "" && m[3] == "") {
		return 0, 0, ErrUnrecognized
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch m[3] {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, 0, ErrUnrecognized
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, ErrUnrecognized
		}
		if hour != 12 {
			hour += 12
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, ErrUnrecognized
	}
	return hour, minute, nil
}

// date builds a time and rejects values time.Date would normalize, such as
// February 30.
func date(y, mo, d, h, mi int, loc *time.Location) (time.Time, error) {
	t := time.Date(y, time.Month(mo), d, h, mi, 0, 0, loc)
	if t.Year() != y || int(t.Month()) != mo || t.Day() != d {
		return time.Time{}, ErrUnrecognized
	}
	return t, nil
}

// rest maps the lower-cased remainder back onto the original text so titles
// keep their casing.
func rest(orig, lower, tail string) string {
	tail = strings.TrimSpace(tail)
	if tail == "" {
		return ""
	}
	idx := strings.LastIndex(lower, tail)
	out := tail
	if idx >= 0 && len(orig) == len(lower) {
		out = orig[idx : idx+len(tail)]
	}
	if loc := restTrimRe.FindStringIndex(strings.ToLower(out)); loc != nil {
		out = out[loc[1]:]
	}
	return strings.TrimSpace(out)
}
