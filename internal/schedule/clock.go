package schedule

import (
	"log/slog"
	"time"

	"phrasecast/internal/types"
)

// SlotOf returns the hour slot containing t: floor(unix seconds / 3600).
func SlotOf(t time.Time) int64 {
	sec := t.Unix()
	slot := sec / 3600
	if sec < 0 && sec%3600 != 0 {
		slot--
	}
	return slot
}

// Clock is a snapshot of one instant. Every decision a run makes is derived
// from the same instant so that slot, window, and eligibility agree even if
// the run spans an hour boundary.
type Clock struct {
	now    time.Time
	table  *PlanTable
	window QuietWindow
	logger *slog.Logger
}

// NewClock builds a snapshot clock for now. A nil table uses the default
// plan table; a nil logger uses slog.Default().
func NewClock(now time.Time, table *PlanTable, window QuietWindow, logger *slog.Logger) *Clock {
	if table == nil {
		table = DefaultPlanTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Clock{
		now:    now.UTC(),
		table:  table,
		window: window,
		logger: logger,
	}
}

// Now returns the snapshot instant in UTC.
func (c *Clock) Now() time.Time {
	return c.now
}

// CurrentSlot returns the hour slot of the snapshot instant.
func (c *Clock) CurrentSlot() int64 {
	return SlotOf(c.now)
}

// IsWithinGlobalSendingWindow reports whether the snapshot hour is outside
// the quiet band.
func (c *Clock) IsWithinGlobalSendingWindow() bool {
	return !c.window.Contains(c.now.Hour())
}

// OptimalHoursForPlan returns the schedule for code. Unknown codes resolve to
// the free schedule, return ok=false, and log a warning.
func (c *Clock) OptimalHoursForPlan(code types.FrequencyCode) (PlanSchedule, bool) {
	p, ok := c.table.Lookup(code)
	if !ok {
		c.logger.Warn("unknown frequency code, using free schedule",
			"frequency_code", int(code),
		)
	}
	return p, ok
}

// ShouldSendNow reports whether a subscriber on code is due at the snapshot
// instant. Minutes and seconds are ignored.
func (c *Clock) ShouldSendNow(code types.FrequencyCode) bool {
	p, _ := c.OptimalHoursForPlan(code)
	return p.AllowsHour(c.now.Hour()) && p.AllowsWeekday(c.now.Weekday())
}
