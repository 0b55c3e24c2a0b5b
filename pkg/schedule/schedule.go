// Package schedule computes occurrence times for recurring job submission.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the next occurrence strictly after a reference time.
type Schedule interface {
	Next(from time.Time) time.Time
}

type interval time.Duration

// Every returns a fixed-interval schedule.
func Every(d time.Duration) Schedule { return interval(d) }

func (i interval) Next(from time.Time) time.Time {
	return from.Add(time.Duration(i))
}

type daily struct {
	hour, minute int
	loc          *time.Location
}

// Daily returns a schedule firing once a day at hour:minute UTC.
func Daily(hour, minute int) Schedule {
	return daily{hour: hour, minute: minute, loc: time.UTC}
}

// DailyIn is Daily in an explicit location.
func DailyIn(hour, minute int, loc *time.Location) Schedule {
	return daily{hour: hour, minute: minute, loc: loc}
}

func (d daily) Next(from time.Time) time.Time {
	from = from.In(d.loc)
	next := time.Date(from.Year(), from.Month(), from.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

type weekly struct {
	day          time.Weekday
	hour, minute int
	loc          *time.Location
}

// Weekly returns a schedule firing once a week on day at hour:minute UTC.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return weekly{day: day, hour: hour, minute: minute, loc: time.UTC}
}

func (w weekly) Next(from time.Time) time.Time {
	from = from.In(w.loc)

	ahead := int(w.day - from.Weekday())
	if ahead < 0 {
		ahead += 7
	}
	next := time.Date(from.Year(), from.Month(), from.Day()+ahead, w.hour, w.minute, 0, 0, w.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

type cronSchedule struct {
	inner cron.Schedule
}

func (c cronSchedule) Next(from time.Time) time.Time {
	return c.inner.Next(from)
}

// ParseCron builds a schedule from a standard five-field cron expression.
func ParseCron(expr string) (Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	inner, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return cronSchedule{inner: inner}, nil
}

// Cron is ParseCron for statically known expressions; it panics on a bad one.
func Cron(expr string) Schedule {
	s, err := ParseCron(expr)
	if err != nil {
		panic(err)
	}
	return s
}
