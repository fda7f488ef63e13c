package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/qdeck/warden/internal/model"
)

func mustUTC(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts.UTC()
}

func TestNextOccurrencesAnchorsAtNineLocalNextDay(t *testing.T) {
	after := mustUTC(t, "2024-01-01T08:00:00Z")

	occs, err := NextOccurrences("FREQ=DAILY", after, "UTC", 3)
	if err != nil {
		t.Fatalf("NextOccurrences: %v", err)
	}
	want := []string{
		"2024-01-02T09:00:00Z",
		"2024-01-03T09:00:00Z",
		"2024-01-04T09:00:00Z",
	}
	if len(occs) != len(want) {
		t.Fatalf("got %d occurrences, want %d", len(occs), len(want))
	}
	for i, w := range want {
		if got := occs[i].Format(time.RFC3339); got != w {
			t.Errorf("occurrence %d = %s, want %s", i, got, w)
		}
	}
}

func TestNextOccurrencesHonorsTimezone(t *testing.T) {
	// 2024-06-15T00:30Z is still June 14 in New York, so the anchor is
	// June 15 09:00 EDT, which is 13:00 UTC.
	after := mustUTC(t, "2024-06-15T00:30:00Z")

	occs, err := NextOccurrences("FREQ=DAILY", after, "America/New_York", 1)
	if err != nil {
		t.Fatalf("NextOccurrences: %v", err)
	}
	if len(occs) != 1 {
		t.Fatalf("got %d occurrences, want 1", len(occs))
	}
	if got := occs[0].Format(time.RFC3339); got != "2024-06-15T13:00:00Z" {
		t.Errorf("occurrence = %s, want 2024-06-15T13:00:00Z", got)
	}
	if occs[0].Location() != time.UTC {
		t.Errorf("occurrence location = %v, want UTC", occs[0].Location())
	}
}

func TestNextOccurrencesWeekdaysSkipWeekend(t *testing.T) {
	// Friday afternoon: the anchor lands on Saturday, which the rule
	// rejects, so the first occurrence is Monday.
	after := mustUTC(t, "2024-01-05T10:00:00Z")

	occs, err := NextOccurrences("FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR", after, "UTC", 2)
	if err != nil {
		t.Fatalf("NextOccurrences: %v", err)
	}
	want := []string{"2024-01-08T09:00:00Z", "2024-01-09T09:00:00Z"}
	if len(occs) != len(want) {
		t.Fatalf("got %d occurrences, want %d", len(occs), len(want))
	}
	for i, w := range want {
		if got := occs[i].Format(time.RFC3339); got != w {
			t.Errorf("occurrence %d = %s, want %s", i, got, w)
		}
	}
}

func TestNextOccurrencesMonthBoundary(t *testing.T) {
	after := mustUTC(t, "2024-01-31T12:00:00Z")

	occs, err := NextOccurrences("FREQ=DAILY", after, "UTC", 1)
	if err != nil {
		t.Fatalf("NextOccurrences: %v", err)
	}
	if len(occs) != 1 {
		t.Fatalf("got %d occurrences, want 1", len(occs))
	}
	if got := occs[0].Format(time.RFC3339); got != "2024-02-01T09:00:00Z" {
		t.Errorf("occurrence = %s, want 2024-02-01T09:00:00Z", got)
	}
}

func TestNextOccurrencesEmptyRule(t *testing.T) {
	occs, err := NextOccurrences("", time.Now(), "UTC", 5)
	if err != nil {
		t.Fatalf("NextOccurrences: %v", err)
	}
	if occs != nil {
		t.Errorf("got %v, want nil", occs)
	}
}

func TestNextOccurrencesExhaustedRule(t *testing.T) {
	after := mustUTC(t, "2024-01-01T08:00:00Z")

	occs, err := NextOccurrences("FREQ=DAILY;COUNT=2", after, "UTC", 5)
	if err != nil {
		t.Fatalf("NextOccurrences: %v", err)
	}
	if len(occs) != 2 {
		t.Fatalf("got %d occurrences, want 2", len(occs))
	}
}

func TestNextOccurrencesInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		rule string
		tz   string
	}{
		{name: "bogus frequency", rule: "FREQ=BOGUS", tz: "UTC"},
		{name: "garbage rule", rule: "not a rule", tz: "UTC"},
		{name: "unknown timezone", rule: "FREQ=DAILY", tz: "Mars/Olympus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NextOccurrences(tt.rule, time.Now(), tt.tz, 1)
			var verr *model.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want ValidationError", err)
			}
		})
	}
}

func TestNext(t *testing.T) {
	after := mustUTC(t, "2024-01-01T08:00:00Z")

	next, err := Next("FREQ=DAILY", after, "UTC")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if next == nil {
		t.Fatal("got nil, want occurrence")
	}
	if got := next.Format(time.RFC3339); got != "2024-01-02T09:00:00Z" {
		t.Errorf("next = %s, want 2024-01-02T09:00:00Z", got)
	}

	none, err := Next("", after, "UTC")
	if err != nil {
		t.Fatalf("Next empty rule: %v", err)
	}
	if none != nil {
		t.Errorf("got %v, want nil for empty rule", none)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    string
		tz      string
		wantErr bool
	}{
		{name: "empty rule", rule: "", tz: "UTC"},
		{name: "daily", rule: "FREQ=DAILY", tz: "UTC"},
		{name: "weekday preset", rule: "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR", tz: "Asia/Tokyo"},
		{name: "monthly on day", rule: "FREQ=MONTHLY;BYMONTHDAY=15", tz: ""},
		{name: "bogus frequency", rule: "FREQ=BOGUS", tz: "UTC", wantErr: true},
		{name: "unknown timezone", rule: "FREQ=DAILY", tz: "Nowhere/Void", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.rule, tt.tz)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q, %q) = %v, wantErr %v", tt.rule, tt.tz, err, tt.wantErr)
			}
			if err != nil {
				var verr *model.ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("got %T, want ValidationError", err)
				}
			}
		})
	}
}
