package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field specs, an optional leading seconds field and
// descriptors such as "@hourly" or "@every 15m".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parser returns the parser used for rule schedules, for callers that drive
// their own cron.Cron.
func Parser() cron.ScheduleParser { return parser }

// ValidationError reports a cron expression that cannot be scheduled.
type ValidationError struct {
	Expr string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid cron expression %q", e.Expr)
	}
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expr, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err (or anything it wraps) is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var errNeverFires = errors.New("expression never fires")

// Parse compiles expr into a robfig schedule.
func Parse(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, &ValidationError{Expr: expr, Err: errors.New("empty expression")}
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, &ValidationError{Expr: expr, Err: err}
	}
	return sched, nil
}

// NextRun returns the first activation of expr strictly after base.
//
// The result is expressed in base's location. A zero base means "now" in UTC.
func NextRun(expr string, base time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	if base.IsZero() {
		base = time.Now().UTC()
	}
	next := sched.Next(base)
	if next.IsZero() {
		return time.Time{}, &ValidationError{Expr: expr, Err: errNeverFires}
	}
	return next.In(base.Location()), nil
}

// IsValid reports whether expr parses and fires at least once.
func IsValid(expr string) bool {
	_, err := NextRun(expr, time.Time{})
	return err == nil
}

// Preview returns up to n consecutive run times after base.
func Preview(expr string, base time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]time.Time, 0, n)
	t := base
	for i := 0; i < n; i++ {
		next, err := NextRun(expr, t)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			break
		}
		out = append(out, next)
		t = next
	}
	return out, nil
}

// FormatPreview renders run times for log lines, e.g. "10:00, 10:05, 10:10".
func FormatPreview(ts []time.Time) string {
	if len(ts) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ts))
	sameDay := ts[0].YearDay() == ts[len(ts)-1].YearDay() && ts[0].Year() == ts[len(ts)-1].Year()
	for _, t := range ts {
		if sameDay {
			parts = append(parts, t.Format("15:04:05"))
		} else {
			parts = append(parts, t.Format("01-02 15:04"))
		}
	}
	return strings.Join(parts, ", ")
}
