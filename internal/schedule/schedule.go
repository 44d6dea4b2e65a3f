// Package schedule resolves cron expressions to concrete run instants.
//
// Resolution is done in the job's own timezone so that daylight-saving
// transitions shift runs with local wall-clock time instead of a fixed UTC
// offset. Results are always returned in UTC.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule marks a malformed cron expression or timezone.
// Surfaced at load/refresh time; the offending job is skipped.
var ErrInvalidSchedule = errors.New("invalid schedule")

// parser accepts standard 5-field cron specs (min hour dom mon dow) plus
// descriptors like "@hourly" and "@every 55m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Next returns the earliest occurrence of expr in the IANA timezone tz that is
// strictly after the reference instant. "Strictly after" guarantees forward
// progress even when Next is called repeatedly with the same reference.
// An empty tz means UTC.
func Next(expr, tz string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}

	loc := time.UTC
	if strings.TrimSpace(tz) != "" {
		loc, err = time.LoadLocation(strings.TrimSpace(tz))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, tz, err)
		}
	}

	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: cron %q has no future occurrence", ErrInvalidSchedule, expr)
	}
	return next.UTC(), nil
}

// Validate reports whether expr and tz form a resolvable schedule.
func Validate(expr, tz string) error {
	_, err := Next(expr, tz, time.Now())
	return err
}
