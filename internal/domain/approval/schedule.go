package approval

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cscx-ai/agentd/internal/domain"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is an active-hours window: a cron expression marking when the
// window opens plus how long it stays open. While the window is closed,
// auto-approval is suspended and every step pauses.
type Schedule struct {
	Expr   string
	Window time.Duration

	sched cron.Schedule
}

// NewSchedule compiles a five-field cron expression with a window length.
func NewSchedule(expr string, window time.Duration) (*Schedule, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: active-hours window must be positive, got %s", domain.ErrValidation, window)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: active-hours cron %q: %v", domain.ErrValidation, expr, err)
	}
	return &Schedule{Expr: expr, Window: window, sched: sched}, nil
}

// Contains reports whether now falls inside an open window. The window
// opened by the most recent cron activation covers [activation,
// activation+Window].
func (s *Schedule) Contains(now time.Time) bool {
	activation := s.sched.Next(now.Add(-s.Window))
	return !activation.After(now)
}
