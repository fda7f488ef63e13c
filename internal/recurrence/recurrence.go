package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/qdeck/warden/internal/model"
	"github.com/teambition/rrule-go"
)

// Occurrences are generated from an anchor at 09:00 local time on the next
// calendar day strictly after the reference time. Maintenance windows open
// in the morning; the anchor is product behavior, not an implementation
// convenience.
const anchorHour = 9

// LoadLocation resolves an IANA timezone name, defaulting to UTC.
// Unknown names are a ValidationError.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &model.ValidationError{Field: "timezone", Message: fmt.Sprintf("unknown timezone %q", tz)}
	}
	return loc, nil
}

// anchor returns 09:00 local on the day after `after` in loc.
// time.Date normalizes the day overflow at month and year boundaries.
func anchor(after time.Time, loc *time.Location) time.Time {
	local := after.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, anchorHour, 0, 0, 0, loc)
}

// NextOccurrences expands an RRULE into up to count future occurrences.
// The rule is anchored per the package rule above and results are returned
// in UTC, ascending. An empty rule is valid and yields no occurrences; a
// malformed rule or unknown timezone yields a ValidationError.
func NextOccurrences(rule string, after time.Time, tz string, count int) ([]time.Time, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" || count <= 0 {
		return nil, nil
	}

	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, err
	}

	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return nil, &model.ValidationError{Field: "recurrence_rule", Message: fmt.Sprintf("invalid recurrence rule: %v", err)}
	}
	opt.Dtstart = anchor(after, loc)

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, &model.ValidationError{Field: "recurrence_rule", Message: fmt.Sprintf("invalid recurrence rule: %v", err)}
	}

	out := make([]time.Time, 0, count)
	next := r.Iterator()
	for len(out) < count {
		occ, ok := next()
		if !ok {
			break
		}
		out = append(out, occ.In(time.UTC))
	}
	return out, nil
}

// Next returns the first occurrence after `after`, or nil when the rule is
// empty or exhausted (COUNT/UNTIL in the past).
func Next(rule string, after time.Time, tz string) (*time.Time, error) {
	occs, err := NextOccurrences(rule, after, tz, 1)
	if err != nil || len(occs) == 0 {
		return nil, err
	}
	first := occs[0]
	return &first, nil
}

// Validate checks rule syntax and timezone without expanding occurrences.
// An empty rule is valid.
func Validate(rule, tz string) error {
	if _, err := LoadLocation(tz); err != nil {
		return err
	}
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil
	}
	if _, err := rrule.StrToROption(rule); err != nil {
		return &model.ValidationError{Field: "recurrence_rule", Message: fmt.Sprintf("invalid recurrence rule: %v", err)}
	}
	return nil
}
