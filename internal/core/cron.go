package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"sitepatrol/internal/apperr"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a 5-field cron expression evaluated in the named time
// zone. An empty zone means the process local zone.
func ParseSchedule(expr, timeZone string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, apperr.Validation("cron expression is required", apperr.WithName("CronError"))
	}
	if strings.HasPrefix(expr, "@") || strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return nil, apperr.Validation("only 5-field cron expressions are supported", apperr.WithName("CronError"))
	}
	if _, err := LoadLocation(timeZone); err != nil {
		return nil, err
	}
	spec := expr
	if timeZone != "" {
		spec = "CRON_TZ=" + timeZone + " " + expr
	}
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, apperr.Validation(fmt.Sprintf("invalid cron expression %q: %v", expr, err),
			apperr.WithName("CronError"), apperr.WithCause(err))
	}
	return schedule, nil
}

// LoadLocation resolves an IANA zone name; empty means time.Local.
func LoadLocation(timeZone string) (*time.Location, error) {
	if timeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return nil, apperr.Validation(fmt.Sprintf("unknown time zone %q", timeZone),
			apperr.WithName("TimeZoneError"), apperr.WithCause(err))
	}
	return loc, nil
}

// NextExecution returns the first fire time strictly after from.
func NextExecution(expr, timeZone string, from time.Time) (time.Time, error) {
	schedule, err := ParseSchedule(expr, timeZone)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}
