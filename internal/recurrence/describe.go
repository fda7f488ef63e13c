package recurrence

import "strings"

// Human labels for the rules the UI offers. Matching is advisory string
// inspection, not parsing: the first pattern that matches wins, and anything
// unrecognized is "Custom recurrence".
const (
	LabelNone     = "No recurrence"
	LabelDaily    = "Every day"
	LabelWeekday  = "Every weekday"
	LabelWeekly   = "Every week"
	LabelMonthly  = "Every month"
	LabelCustom   = "Custom recurrence"
	weekdayByDays = "BYDAY=MO,TU,WE,TH,FR"
)

// Describe maps an RRULE to a short display label. The Monday-to-Friday
// set reads as a weekday rule whether it is spelled with FREQ=DAILY or
// FREQ=WEEKLY.
func Describe(rule string) string {
	r := strings.ToUpper(strings.TrimSpace(rule))
	switch {
	case r == "":
		return LabelNone
	case strings.Contains(r, "FREQ=DAILY") && strings.Contains(r, weekdayByDays):
		return LabelWeekday
	case strings.Contains(r, "FREQ=DAILY") && !strings.Contains(r, "BYDAY"):
		return LabelDaily
	case strings.Contains(r, "FREQ=WEEKLY") && strings.Contains(r, weekdayByDays):
		return LabelWeekday
	case strings.Contains(r, "FREQ=WEEKLY"):
		return LabelWeekly
	case strings.Contains(r, "FREQ=MONTHLY"):
		return LabelMonthly
	default:
		return LabelCustom
	}
}

// Preset is a rule the UI can offer verbatim.
type Preset struct {
	Label string `json:"label"`
	Rule  string `json:"rule"`
}

// Presets lists the stock rules in display order. The weekly and monthly
// entries carry explicit anchors, Monday and the first of the month, so a
// preset names the same firing days no matter when it is applied.
func Presets() []Preset {
	return []Preset{
		{Label: LabelDaily, Rule: "FREQ=DAILY"},
		{Label: LabelWeekday, Rule: "FREQ=DAILY;" + weekdayByDays},
		{Label: "Weekly on Monday", Rule: "FREQ=WEEKLY;BYDAY=MO"},
		{Label: "Monthly on the 1st", Rule: "FREQ=MONTHLY;BYMONTHDAY=1"},
	}
}
