// cron.go wraps cron expression handling: validation, next-fire computation,
// and a human-readable description for task forms.
//
// Expressions are standard 5-field POSIX cron (minute hour dom month dow)
// with ranges, lists, and steps, evaluated in the exchange timezone.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cytzrs/share/pkg/types"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// CronInfo is the result of inspecting one expression.
type CronInfo struct {
	Valid       bool      `json:"valid"`
	Error       string    `json:"error,omitempty"`
	Description string    `json:"description,omitempty"`
	NextRunTime time.Time `json:"next_run_time,omitzero"`
}

// ValidateCron parses the expression once and reports the parse error, if
// any.
func ValidateCron(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("cron expression must not be empty")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// NextRun computes the first fire time strictly after the given instant.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched.Next(after.In(types.CST)), nil
}

// InspectCron bundles validation, description, and next fire time for the
// task-form contract.
func InspectCron(expr string, now time.Time) CronInfo {
	if err := ValidateCron(expr); err != nil {
		return CronInfo{Valid: false, Error: err.Error()}
	}
	next, _ := NextRun(expr, now)
	return CronInfo{
		Valid:       true,
		Description: DescribeCron(expr),
		NextRunTime: next,
	}
}

// DescribeCron renders a best-effort English description of a valid
// expression. Unusual field combinations fall back to the raw expression.
func DescribeCron(expr string) string {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return expr
	}
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	var parts []string
	if d := describeMonth(month); d != "" {
		parts = append(parts, d)
	}
	if d := describeDom(dom); d != "" {
		parts = append(parts, d)
	}
	if d := describeDow(dow); d != "" {
		parts = append(parts, d)
	}
	timeDesc := describeTime(hour, minute)
	if len(parts) == 0 {
		return "every day at " + timeDesc
	}
	return strings.Join(parts, ", ") + " at " + timeDesc
}

func describeTime(hour, minute string) string {
	switch {
	case hour == "*" && minute == "*":
		return "every minute"
	case hour == "*" && strings.HasPrefix(minute, "*/"):
		return fmt.Sprintf("every %s minutes", minute[2:])
	case hour == "*":
		return fmt.Sprintf("minute %s of every hour", minute)
	case strings.HasPrefix(hour, "*/"):
		return fmt.Sprintf("every %s hours at minute %s", hour[2:], zeroStar(minute))
	case isNumeric(hour) && isNumeric(minute):
		h, _ := strconv.Atoi(hour)
		m, _ := strconv.Atoi(minute)
		return fmt.Sprintf("%02d:%02d", h, m)
	}
	return hour + ":" + minute
}

func describeDom(dom string) string {
	if dom == "*" {
		return ""
	}
	if strings.HasPrefix(dom, "*/") {
		return fmt.Sprintf("every %s days", dom[2:])
	}
	return "day " + dom + " of the month"
}

func describeMonth(month string) string {
	if month == "*" {
		return ""
	}
	return "month " + month
}

var dowNames = map[string]string{
	"0": "Sunday", "1": "Monday", "2": "Tuesday", "3": "Wednesday",
	"4": "Thursday", "5": "Friday", "6": "Saturday", "7": "Sunday",
}

func describeDow(dow string) string {
	if dow == "*" {
		return ""
	}
	if name, ok := dowNames[dow]; ok {
		return "every " + name
	}
	if lo, hi, ok := strings.Cut(dow, "-"); ok {
		loName, okLo := dowNames[lo]
		hiName, okHi := dowNames[hi]
		if okLo && okHi {
			return fmt.Sprintf("%s through %s", loName, hiName)
		}
	}
	return "weekdays " + dow
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func zeroStar(minute string) string {
	if minute == "*" {
		return "0"
	}
	return minute
}
