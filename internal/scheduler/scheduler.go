// Package scheduler fires cron-driven schedules that synthesize task or
// workflow submissions through the coordinator's normal admission path.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"maestro/internal/events"
	"maestro/internal/models"
)

// ErrScheduleNotFound means the referenced schedule does not exist.
var ErrScheduleNotFound = errors.New("schedule not found")

// Submitter is the scheduler's view of the coordinator.
type Submitter interface {
	SubmitTask(task *models.Task) error
	SubmitWorkflow(wf *models.Workflow) error
	ExecuteWorkflow(workflowID string) error
}

// Scheduler owns the schedule registry. The cron runner keeps the next-fire
// min-heap and the single timer; entries are registered only while enabled.
// Overlapping runs are permitted by design — exclusivity is the caller's
// concern, modeled in the payload or a workflow.
type Scheduler struct {
	cron      *cron.Cron
	parser    cron.Parser
	submitter Submitter
	bus       *events.Bus[models.Event]
	logger    *slog.Logger
	onFire    func() // metrics hook, may be nil

	mu        sync.RWMutex
	schedules map[string]*models.Schedule
	entryIDs  map[string]cron.EntryID // schedule id → cron entry

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a scheduler. bus may be nil in tests.
func New(submitter Submitter, bus *events.Bus[models.Event], logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cron.PrintfLogger(printfLogger{logger}))),
		),
		parser:    parser,
		submitter: submitter,
		bus:       bus,
		logger:    logger,
		schedules: make(map[string]*models.Schedule),
		entryIDs:  make(map[string]cron.EntryID),
		stopped:   make(chan struct{}),
	}
}

// SetFireHook installs a callback invoked on every fire, for metrics.
func (s *Scheduler) SetFireHook(fn func()) { s.onFire = fn }

// Start runs the cron engine until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("scheduler started")
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop drains in-flight fires and halts the timer. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("scheduler stopped")
	})
}

// Done is closed once the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} { return s.stopped }

// Create validates the cron expression, stores the schedule, and registers
// it with the runner when enabled. Malformed expressions are rejected up
// front with no state left behind.
func (s *Scheduler) Create(schedule *models.Schedule) error {
	if schedule == nil || schedule.ID == "" {
		return fmt.Errorf("schedule id is required")
	}
	if schedule.Type != models.ScheduleTypeTask && schedule.Type != models.ScheduleTypeWorkflow {
		return fmt.Errorf("unknown schedule type %q", schedule.Type)
	}
	spec, err := s.parser.Parse(schedule.Cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule.Cron, err)
	}

	stored := schedule.Clone()
	next := spec.Next(time.Now())
	stored.NextRun = &next

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[stored.ID]; exists {
		return fmt.Errorf("schedule %s already exists", stored.ID)
	}
	s.schedules[stored.ID] = stored
	if stored.Enabled {
		if err := s.registerLocked(stored); err != nil {
			delete(s.schedules, stored.ID)
			return err
		}
	}
	s.logger.Info("schedule created", "schedule_id", stored.ID, "name", stored.Name, "cron", stored.Cron, "enabled", stored.Enabled)
	return nil
}

// Update applies a changed cron expression or enabled flag, re-registering
// the cron entry as needed.
func (s *Scheduler) Update(schedule *models.Schedule) error {
	if schedule == nil {
		return fmt.Errorf("schedule is required")
	}
	spec, err := s.parser.Parse(schedule.Cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule.Cron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.schedules[schedule.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, schedule.ID)
	}
	if entryID, registered := s.entryIDs[schedule.ID]; registered {
		s.cron.Remove(entryID)
		delete(s.entryIDs, schedule.ID)
	}
	existing.Name = schedule.Name
	existing.Cron = schedule.Cron
	existing.Enabled = schedule.Enabled
	existing.Payload = schedule.Payload
	existing.TargetID = schedule.TargetID
	existing.UpdatedAt = time.Now()
	next := spec.Next(time.Now())
	existing.NextRun = &next
	if existing.Enabled {
		if err := s.registerLocked(existing); err != nil {
			return err
		}
	}
	s.logger.Info("schedule updated", "schedule_id", existing.ID, "enabled", existing.Enabled)
	return nil
}

// Delete removes the schedule and its cron entry. Unknown ids are ignored.
func (s *Scheduler) Delete(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entryIDs[scheduleID]; ok {
		s.cron.Remove(entryID)
		delete(s.entryIDs, scheduleID)
	}
	if _, ok := s.schedules[scheduleID]; ok {
		delete(s.schedules, scheduleID)
		s.logger.Info("schedule deleted", "schedule_id", scheduleID)
	}
}

// Get returns a snapshot of the schedule.
func (s *Scheduler) Get(scheduleID string) (*models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schedule, ok := s.schedules[scheduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}
	return schedule.Clone(), nil
}

// List returns snapshots of every schedule.
func (s *Scheduler) List() []*models.Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		out = append(out, schedule.Clone())
	}
	return out
}

// registerLocked adds the cron entry for an enabled schedule. Caller holds
// the write lock.
func (s *Scheduler) registerLocked(schedule *models.Schedule) error {
	scheduleID := schedule.ID
	entryID, err := s.cron.AddFunc(schedule.Cron, func() {
		s.fire(scheduleID)
	})
	if err != nil {
		return fmt.Errorf("register schedule %s: %w", scheduleID, err)
	}
	s.entryIDs[scheduleID] = entryID
	return nil
}

// fire synthesizes the schedule's target and submits it. Admission failures
// are logged and skipped; the next tick tries again with a fresh target.
func (s *Scheduler) fire(scheduleID string) {
	s.mu.Lock()
	schedule, ok := s.schedules[scheduleID]
	if !ok || !schedule.Enabled {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	schedule.LastRun = &now
	if entryID, registered := s.entryIDs[scheduleID]; registered {
		next := s.cron.Entry(entryID).Next
		if next.After(now) {
			schedule.NextRun = &next
		}
	}
	snapshot := schedule.Clone()
	s.mu.Unlock()

	s.logger.Info("schedule fired", "schedule_id", scheduleID, "name", snapshot.Name, "type", snapshot.Type)
	if s.onFire != nil {
		s.onFire()
	}

	var err error
	switch snapshot.Type {
	case models.ScheduleTypeTask:
		err = s.fireTask(snapshot)
	case models.ScheduleTypeWorkflow:
		err = s.fireWorkflow(snapshot)
	}
	if err != nil {
		s.logger.Warn("schedule fire skipped", "schedule_id", scheduleID, "error", err)
		return
	}

	if s.bus != nil {
		s.bus.Publish(models.NewEvent(models.EventScheduleFired, map[string]any{
			"schedule_id": scheduleID,
			"name":        snapshot.Name,
			"type":        string(snapshot.Type),
		}))
	}
}

// fireTask builds a task from the schedule payload's "task" object.
func (s *Scheduler) fireTask(schedule *models.Schedule) error {
	spec, ok := schedule.Payload["task"].(map[string]any)
	if !ok {
		return fmt.Errorf("schedule payload has no task definition")
	}
	taskType, _ := spec["type"].(string)
	if taskType == "" {
		return fmt.Errorf("scheduled task has no type")
	}
	agentID, _ := spec["agent_id"].(string)
	priority := intFromPayload(spec["priority"])
	payload, _ := spec["payload"].(map[string]any)

	task := models.NewTask(agentID, taskType, priority, payload)
	if secs := intFromPayload(spec["timeout"]); secs > 0 {
		task.Timeout = time.Duration(secs) * time.Second
	}
	return s.submitter.SubmitTask(task)
}

// fireWorkflow submits a fresh workflow built from the payload's "workflow"
// object and executes it. A bare TargetID re-executes a stored workflow.
func (s *Scheduler) fireWorkflow(schedule *models.Schedule) error {
	spec, ok := schedule.Payload["workflow"].(map[string]any)
	if !ok {
		if schedule.TargetID != "" {
			return s.submitter.ExecuteWorkflow(schedule.TargetID)
		}
		return fmt.Errorf("schedule payload has no workflow definition")
	}

	name, _ := spec["name"].(string)
	description, _ := spec["description"].(string)
	wf := models.NewWorkflow(name, description)
	if policy, ok := spec["error_policy"].(string); ok {
		wf.Config[models.WorkflowConfigErrorPolicy] = policy
	}
	steps, _ := spec["steps"].([]any)
	for _, raw := range steps {
		stepMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		step := models.WorkflowStep{}
		step.ID, _ = stepMap["id"].(string)
		step.Type, _ = stepMap["type"].(string)
		step.Agent, _ = stepMap["agent"].(string)
		step.Payload, _ = stepMap["payload"].(map[string]any)
		step.Parallel, _ = stepMap["parallel"].(bool)
		if secs := intFromPayload(stepMap["timeout"]); secs > 0 {
			step.Timeout = time.Duration(secs) * time.Second
		}
		if deps, ok := stepMap["depends_on"].([]any); ok {
			for _, dep := range deps {
				if depID, ok := dep.(string); ok {
					step.DependsOn = append(step.DependsOn, depID)
				}
			}
		}
		wf.AddStep(step)
	}

	if err := s.submitter.SubmitWorkflow(wf); err != nil {
		return err
	}
	return s.submitter.ExecuteWorkflow(wf.ID)
}

// intFromPayload tolerates the numeric types JSON and YAML decoding produce.
func intFromPayload(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// printfLogger adapts slog to the cron logger interface used by Recover.
type printfLogger struct {
	logger *slog.Logger
}

func (p printfLogger) Printf(format string, args ...any) {
	p.logger.Warn(fmt.Sprintf(format, args...))
}
