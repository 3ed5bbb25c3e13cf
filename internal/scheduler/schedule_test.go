package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayd/relayd/internal/task/models"
)

func TestNextRunInterval(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 30, 0, 0, time.Local)

	next, err := NextRun(models.Schedule{Kind: models.ScheduleInterval, Minutes: 60}, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), next)

	// Zero minutes means immediate re-fire.
	next, err = NextRun(models.Schedule{Kind: models.ScheduleInterval, Minutes: 0}, now)
	require.NoError(t, err)
	assert.Equal(t, now, next)
}

func TestNextRunDaily(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 30, 0, 0, time.Local)

	// Later today.
	next, err := NextRun(models.Schedule{Kind: models.ScheduleDaily, Hour: 18, Minute: 0}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 18, 0, 0, 0, time.Local), next)

	// Earlier today rolls to tomorrow.
	next, err = NextRun(models.Schedule{Kind: models.ScheduleDaily, Hour: 9, Minute: 0}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 11, 9, 0, 0, 0, time.Local), next)

	// Exactly now is not strictly after, so it rolls too.
	next, err = NextRun(models.Schedule{Kind: models.ScheduleDaily, Hour: 14, Minute: 30}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 11, 14, 30, 0, 0, time.Local), next)
}

func TestNextRunWeekly(t *testing.T) {
	// 2025-03-10 is a Monday (weekday 1).
	now := time.Date(2025, 3, 10, 14, 30, 0, 0, time.Local)

	// Wednesday this week.
	next, err := NextRun(models.Schedule{Kind: models.ScheduleWeekly, DayOfWeek: 3, Hour: 9, Minute: 0}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 12, 9, 0, 0, 0, time.Local), next)

	// Same day, earlier time: next week.
	next, err = NextRun(models.Schedule{Kind: models.ScheduleWeekly, DayOfWeek: 1, Hour: 9, Minute: 0}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 17, 9, 0, 0, 0, time.Local), next)

	// Same day, later time: today.
	next, err = NextRun(models.Schedule{Kind: models.ScheduleWeekly, DayOfWeek: 1, Hour: 20, Minute: 0}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 20, 0, 0, 0, time.Local), next)
}

func TestNextRunCron(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 30, 0, 0, time.Local)

	next, err := NextRun(models.Schedule{Kind: models.ScheduleCron, Cron: "0 0 * * *"}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.Local), next)

	next, err = NextRun(models.Schedule{Kind: models.ScheduleCron, Cron: "*/15 * * * *"}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 14, 45, 0, 0, time.Local), next)

	_, err = NextRun(models.Schedule{Kind: models.ScheduleCron, Cron: "not a cron"}, now)
	assert.Error(t, err)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(models.Schedule{Kind: models.ScheduleInterval, Minutes: 5}))
	assert.NoError(t, ValidateSchedule(models.Schedule{Kind: models.ScheduleCron, Cron: "30 6 * * 1"}))

	assert.Error(t, ValidateSchedule(models.Schedule{Kind: models.ScheduleDaily, Hour: 24}))
	assert.Error(t, ValidateSchedule(models.Schedule{Kind: models.ScheduleWeekly, DayOfWeek: 7}))
	assert.Error(t, ValidateSchedule(models.Schedule{Kind: models.ScheduleCron, Cron: "61 * * * *"}))
	assert.Error(t, ValidateSchedule(models.Schedule{Kind: "hourly"}))
}
