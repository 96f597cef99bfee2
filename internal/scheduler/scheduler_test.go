package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"maestro/internal/events"
	"maestro/internal/models"
)

type recordingSubmitter struct {
	mu        sync.Mutex
	tasks     []*models.Task
	workflows []*models.Workflow
	executed  []string
	taskErr   error
}

func (s *recordingSubmitter) SubmitTask(task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskErr != nil {
		return s.taskErr
	}
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *recordingSubmitter) SubmitWorkflow(wf *models.Workflow) error {
	s.mu.Lock()
	s.workflows = append(s.workflows, wf)
	s.mu.Unlock()
	return nil
}

func (s *recordingSubmitter) ExecuteWorkflow(workflowID string) error {
	s.mu.Lock()
	s.executed = append(s.executed, workflowID)
	s.mu.Unlock()
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *recordingSubmitter) {
	t.Helper()
	submitter := &recordingSubmitter{}
	bus := events.NewBus[models.Event](nil)
	t.Cleanup(bus.Close)
	return New(submitter, bus, nil), submitter
}

func TestCreateRejectsBadCron(t *testing.T) {
	s, _ := newTestScheduler(t)

	schedule := models.NewSchedule("bad", models.ScheduleTypeTask, "not a cron", nil)
	if err := s.Create(schedule); err == nil {
		t.Fatalf("expected rejection for malformed expression")
	}
	if _, err := s.Get(schedule.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("rejected schedule must leave no state, got %v", err)
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	s, _ := newTestScheduler(t)

	schedule := models.NewSchedule("odd", models.ScheduleType("cleanup"), "@hourly", nil)
	if err := s.Create(schedule); err == nil {
		t.Fatalf("expected rejection for unknown type")
	}
}

func TestCreateGetUpdateDelete(t *testing.T) {
	s, _ := newTestScheduler(t)

	schedule := models.NewSchedule("nightly", models.ScheduleTypeTask, "0 0 * * *", map[string]any{
		"task": map[string]any{"type": "report"},
	})
	if err := s.Create(schedule); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(schedule.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NextRun == nil {
		t.Fatalf("expected next_run computed on create")
	}
	if len(s.List()) != 1 {
		t.Fatalf("expected one schedule listed")
	}

	got.Cron = "*/5 * * * *"
	got.Enabled = false
	if err := s.Update(got); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, _ := s.Get(schedule.ID)
	if updated.Cron != "*/5 * * * *" || updated.Enabled {
		t.Fatalf("update not applied: %+v", updated)
	}
	s.mu.RLock()
	_, registered := s.entryIDs[schedule.ID]
	s.mu.RUnlock()
	if registered {
		t.Fatalf("disabled schedule must not keep a cron entry")
	}

	s.Delete(schedule.ID)
	if _, err := s.Get(schedule.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("expected schedule gone, got %v", err)
	}
}

func TestUpdateUnknownSchedule(t *testing.T) {
	s, _ := newTestScheduler(t)
	err := s.Update(&models.Schedule{ID: "ghost", Cron: "@daily", Type: models.ScheduleTypeTask})
	if !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}
}

func TestFireSynthesizesTask(t *testing.T) {
	s, submitter := newTestScheduler(t)

	fired := 0
	s.SetFireHook(func() { fired++ })

	schedule := models.NewSchedule("nightly", models.ScheduleTypeTask, "@daily", map[string]any{
		"task": map[string]any{
			"type":     "report",
			"agent_id": "reporter",
			"priority": float64(7),
			"timeout":  float64(120),
			"payload":  map[string]any{"range": "24h"},
		},
	})
	if err := s.Create(schedule); err != nil {
		t.Fatalf("create: %v", err)
	}

	s.fire(schedule.ID)

	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	if len(submitter.tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(submitter.tasks))
	}
	task := submitter.tasks[0]
	if task.Type != "report" || task.AgentID != "reporter" || task.Priority != 7 {
		t.Fatalf("task fields wrong: %+v", task)
	}
	if task.Timeout != 120*time.Second {
		t.Fatalf("expected 120s timeout, got %v", task.Timeout)
	}
	if fired != 1 {
		t.Fatalf("fire hook not invoked")
	}

	stored, _ := s.Get(schedule.ID)
	if stored.LastRun == nil {
		t.Fatalf("expected last_run recorded")
	}
}

func TestFireTargetWorkflowReexecutes(t *testing.T) {
	s, submitter := newTestScheduler(t)

	schedule := models.NewSchedule("rerun", models.ScheduleTypeWorkflow, "@hourly", nil)
	schedule.TargetID = "wf-42"
	if err := s.Create(schedule); err != nil {
		t.Fatalf("create: %v", err)
	}

	s.fire(schedule.ID)

	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	if len(submitter.executed) != 1 || submitter.executed[0] != "wf-42" {
		t.Fatalf("expected re-execution of wf-42, got %v", submitter.executed)
	}
}

func TestFireInlineWorkflowSubmitsAndExecutes(t *testing.T) {
	s, submitter := newTestScheduler(t)

	schedule := models.NewSchedule("pipeline", models.ScheduleTypeWorkflow, "@hourly", map[string]any{
		"workflow": map[string]any{
			"name": "etl",
			"steps": []any{
				map[string]any{"id": "extract", "type": "extract"},
				map[string]any{"id": "load", "type": "load", "depends_on": []any{"extract"}},
			},
		},
	})
	if err := s.Create(schedule); err != nil {
		t.Fatalf("create: %v", err)
	}

	s.fire(schedule.ID)

	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	if len(submitter.workflows) != 1 {
		t.Fatalf("expected one workflow, got %d", len(submitter.workflows))
	}
	wf := submitter.workflows[0]
	if wf.Name != "etl" || len(wf.Steps) != 2 {
		t.Fatalf("workflow not built from payload: %+v", wf)
	}
	if wf.Steps[1].DependsOn[0] != "extract" {
		t.Fatalf("depends_on not carried: %+v", wf.Steps[1])
	}
	if len(submitter.executed) != 1 || submitter.executed[0] != wf.ID {
		t.Fatalf("expected the fresh workflow executed, got %v", submitter.executed)
	}
}

func TestFireSkipsDisabledSchedule(t *testing.T) {
	s, submitter := newTestScheduler(t)

	schedule := models.NewSchedule("off", models.ScheduleTypeTask, "@daily", map[string]any{
		"task": map[string]any{"type": "report"},
	})
	schedule.Enabled = false
	if err := s.Create(schedule); err != nil {
		t.Fatalf("create: %v", err)
	}

	s.fire(schedule.ID)

	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	if len(submitter.tasks) != 0 {
		t.Fatalf("disabled schedule fired: %v", submitter.tasks)
	}
}

func TestFireAdmissionFailureIsSkipped(t *testing.T) {
	s, submitter := newTestScheduler(t)
	submitter.taskErr = errors.New("queue full")

	schedule := models.NewSchedule("busy", models.ScheduleTypeTask, "@daily", map[string]any{
		"task": map[string]any{"type": "report"},
	})
	if err := s.Create(schedule); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Must not panic or retry; the next tick will try again.
	s.fire(schedule.ID)

	stored, _ := s.Get(schedule.ID)
	if stored.LastRun == nil {
		t.Fatalf("last_run should be recorded even on a skipped fire")
	}
}

func TestSecondsFieldAccepted(t *testing.T) {
	s, _ := newTestScheduler(t)
	schedule := models.NewSchedule("fast", models.ScheduleTypeTask, "*/10 * * * * *", map[string]any{
		"task": map[string]any{"type": "tick"},
	})
	if err := s.Create(schedule); err != nil {
		t.Fatalf("six-field expression rejected: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.cron.Start()
	s.Stop()
	s.Stop()
	select {
	case <-s.Done():
	default:
		t.Fatalf("Done must be closed after Stop")
	}
}
