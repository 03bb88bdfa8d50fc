package automations

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule is a parsed cron expression bound to a location.
type Schedule struct {
	Expr     string
	Location *time.Location

	spec cron.Schedule
}

// ParseSchedule parses a cron expression or descriptor ("@daily",
// "@every 1h") in the named IANA timezone. An empty timezone means UTC.
func ParseSchedule(expr, timezone string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("schedule is required")
	}
	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = l
	}
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return Schedule{Expr: expr, Location: loc, spec: spec}, nil
}

// Next returns the first activation strictly after t, or false when the
// expression never fires again.
func (s Schedule) Next(t time.Time) (time.Time, bool) {
	if s.spec == nil {
		return time.Time{}, false
	}
	next := s.spec.Next(t.In(s.Location))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.UTC(), true
}
