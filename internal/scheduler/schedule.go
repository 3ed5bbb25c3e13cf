package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relayd/relayd/internal/task/models"
)

// cronParser accepts standard five-field expressions plus the @every and
// @daily style descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule rejects structurally invalid schedules. Cron expressions
// are parsed up front so a bad expression fails at create/update time rather
// than when the timer fires.
func ValidateSchedule(s models.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Kind == models.ScheduleCron {
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
		}
	}
	return nil
}

// NextRun computes the next firing time strictly derived from now.
//
//   - interval: now + minutes; zero minutes means immediate re-fire.
//   - daily: today at hh:mm local time, advanced a day when not strictly
//     after now.
//   - weekly: same rule on the target weekday.
//   - cron: next activation per the parsed expression.
func NextRun(s models.Schedule, now time.Time) (time.Time, error) {
	switch s.Kind {
	case models.ScheduleInterval:
		return now.Add(time.Duration(s.Minutes) * time.Minute), nil

	case models.ScheduleDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case models.ScheduleWeekly:
		days := (s.DayOfWeek - int(now.Weekday()) + 7) % 7
		next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
		next = next.AddDate(0, 0, days)
		if days == 0 && !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil

	case models.ScheduleCron:
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
		}
		return sched.Next(now), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}
