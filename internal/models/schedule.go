package models

import (
	"time"

	id "maestro/internal/utils/id"
)

// Schedule is a cron-driven rule that periodically synthesizes a task or
// workflow submission. The scheduler owns schedules; the coordinator never
// sees them.
type Schedule struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      ScheduleType   `json:"type"`
	TargetID  string         `json:"target_id,omitempty"`
	Cron      string         `json:"cron"`
	Enabled   bool           `json:"enabled"`
	LastRun   *time.Time     `json:"last_run,omitempty"`
	NextRun   *time.Time     `json:"next_run,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ScheduleType selects what a firing schedule synthesizes.
type ScheduleType string

const (
	ScheduleTypeTask     ScheduleType = "task"
	ScheduleTypeWorkflow ScheduleType = "workflow"
)

// NewSchedule creates an enabled schedule. The cron expression is validated
// by the scheduler on registration, not here.
func NewSchedule(name string, typ ScheduleType, cronExpr string, payload map[string]any) *Schedule {
	now := time.Now()
	return &Schedule{
		ID:        id.NewScheduleID(),
		Name:      name,
		Type:      typ,
		Cron:      cronExpr,
		Enabled:   true,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy safe to hand out to readers.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Payload = cloneAnyMap(s.Payload)
	if s.LastRun != nil {
		last := *s.LastRun
		cp.LastRun = &last
	}
	if s.NextRun != nil {
		next := *s.NextRun
		cp.NextRun = &next
	}
	return &cp
}
