// Package workflow expands declarative workflows into dependency-ordered
// task submissions and advances them as completion events arrive.
package workflow

import (
	"context"
	"log/slog"
	"sync"

	"maestro/internal/events"
	"maestro/internal/models"
)

// Submitter is the engine's view of the coordinator.
type Submitter interface {
	SubmitTask(task *models.Task) error
	UpdateWorkflowStatus(workflowID string, status models.WorkflowStatus) error
	GetWorkflow(workflowID string) (*models.Workflow, error)
}

// StepStatus is the engine-side state of a single step.
type StepStatus string

const (
	StepWaiting   StepStatus = "waiting"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepState is the observable state of one step within a run.
type StepState struct {
	StepID string     `json:"step_id"`
	TaskID string     `json:"task_id,omitempty"`
	Status StepStatus `json:"status"`
}

type run struct {
	workflowID string
	steps      []models.WorkflowStep
	policy     string
	state      map[string]*StepState // keyed by step id
	byTask     map[string]string     // task id → step id
	aborted    bool
}

// Engine advances active workflows. It is event-driven: one goroutine
// consumes the bus and mutates runs, so run state needs only a light lock
// for the snapshot reads the REST surface performs.
type Engine struct {
	submitter Submitter
	bus       *events.Bus[models.Event]
	logger    *slog.Logger

	mu   sync.RWMutex
	runs map[string]*run
}

// NewEngine creates a workflow engine consuming the given bus.
func NewEngine(submitter Submitter, bus *events.Bus[models.Event], logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		submitter: submitter,
		bus:       bus,
		logger:    logger.With("component", "workflow"),
		runs:      make(map[string]*run),
	}
}

// Run subscribes to the event bus and processes workflow-relevant events
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ch := e.bus.Subscribe(ctx, "workflow-engine", 256)
	for evt := range ch {
		e.handle(evt)
	}
}

func (e *Engine) handle(evt models.Event) {
	switch evt.Type {
	case models.EventWorkflowStarted:
		if id, ok := evt.Data["workflow_id"].(string); ok {
			e.startRun(id)
		}
	case models.EventTaskCompleted:
		e.onTaskSettled(evt, true)
	case models.EventTaskFailed, models.EventTaskTimeout, models.EventTaskCancelled:
		e.onTaskSettled(evt, false)
	}
}

// startRun expands the workflow into a run and submits every
// dependency-free step.
func (e *Engine) startRun(workflowID string) {
	wf, err := e.submitter.GetWorkflow(workflowID)
	if err != nil {
		e.logger.Error("started workflow not found", "workflow_id", workflowID, "error", err)
		return
	}

	r := &run{
		workflowID: workflowID,
		steps:      wf.Steps,
		policy:     wf.ErrorPolicy(),
		state:      make(map[string]*StepState, len(wf.Steps)),
		byTask:     make(map[string]string),
	}
	for _, step := range wf.Steps {
		r.state[step.ID] = &StepState{StepID: step.ID, Status: StepWaiting}
	}

	e.mu.Lock()
	e.runs[workflowID] = r
	e.mu.Unlock()

	e.logger.Info("workflow run started", "workflow_id", workflowID, "steps", len(wf.Steps), "policy", r.policy)
	e.advance(r)
}

// onTaskSettled routes a terminal task event to its run, if any.
func (e *Engine) onTaskSettled(evt models.Event, completed bool) {
	workflowID, _ := evt.Data["workflow_id"].(string)
	taskID, _ := evt.Data["task_id"].(string)
	if workflowID == "" || taskID == "" {
		return
	}

	e.mu.Lock()
	r, ok := e.runs[workflowID]
	var stepID string
	if ok {
		stepID, ok = r.byTask[taskID]
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if completed {
		e.markStep(r, stepID, StepCompleted)
		e.advance(r)
		return
	}

	e.markStep(r, stepID, StepFailed)
	if r.policy == models.ErrorPolicyContinueOnError {
		e.skipDependents(r, stepID)
		e.advance(r)
		return
	}

	// fail_fast: no new dispatches; running siblings finish or time out on
	// their own.
	e.mu.Lock()
	r.aborted = true
	e.mu.Unlock()
	e.finish(r, models.WorkflowStatusFailed)
}

func (e *Engine) markStep(r *run, stepID string, status StepStatus) {
	e.mu.Lock()
	if st, ok := r.state[stepID]; ok {
		st.Status = status
	}
	e.mu.Unlock()
	e.logger.Debug("step state changed", "workflow_id", r.workflowID, "step_id", stepID, "status", status)
}

// skipDependents cancels every step downstream of the failed one. Under
// continue_on_error independent branches keep going.
func (e *Engine) skipDependents(r *run, failedStepID string) {
	skip := transitiveDependents(r.steps, failedStepID)

	e.mu.Lock()
	for id := range skip {
		if st := r.state[id]; st != nil && st.Status == StepWaiting {
			st.Status = StepSkipped
		}
	}
	e.mu.Unlock()
}

// advance submits every waiting step whose dependencies are all Completed,
// then settles the run if nothing remains in flight.
func (e *Engine) advance(r *run) {
	e.mu.Lock()
	if r.aborted {
		e.mu.Unlock()
		return
	}
	var eligible []models.WorkflowStep
	for _, step := range r.steps {
		st := r.state[step.ID]
		if st.Status != StepWaiting {
			continue
		}
		satisfied := true
		for _, dep := range step.DependsOn {
			if r.state[dep].Status != StepCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			st.Status = StepRunning
			eligible = append(eligible, step)
		}
	}
	e.mu.Unlock()

	for i := range eligible {
		e.submitStep(r, eligible[i])
	}

	e.settle(r)
}

// submitStep synthesizes the step's task and submits it. An admission
// failure fails the step; the error policy then decides the run's fate on
// the same path a task failure would take.
func (e *Engine) submitStep(r *run, step models.WorkflowStep) {
	stepIndex := 0
	for i := range r.steps {
		if r.steps[i].ID == step.ID {
			stepIndex = i
			break
		}
	}

	task := models.NewTask(step.Agent, step.Type, 0, step.Payload)
	if step.Timeout > 0 {
		task.Timeout = step.Timeout
	}
	task.WorkflowID = r.workflowID
	task.Step = stepIndex

	e.mu.Lock()
	r.byTask[task.ID] = step.ID
	if st := r.state[step.ID]; st != nil {
		st.TaskID = task.ID
	}
	e.mu.Unlock()

	if err := e.submitter.SubmitTask(task); err != nil {
		e.logger.Error("step submission failed", "workflow_id", r.workflowID, "step_id", step.ID, "error", err)
		e.markStep(r, step.ID, StepFailed)
		if r.policy == models.ErrorPolicyContinueOnError {
			e.skipDependents(r, step.ID)
			return
		}
		e.mu.Lock()
		r.aborted = true
		e.mu.Unlock()
		e.finish(r, models.WorkflowStatusFailed)
		return
	}
	e.logger.Info("step submitted", "workflow_id", r.workflowID, "step_id", step.ID, "task_id", task.ID)
}

// settle closes out the run once every step is terminal: Completed across
// the board means the workflow completed, anything else means it failed.
func (e *Engine) settle(r *run) {
	e.mu.Lock()
	allDone := true
	allCompleted := true
	for _, st := range r.state {
		switch st.Status {
		case StepWaiting, StepRunning:
			allDone = false
		case StepFailed, StepSkipped:
			allCompleted = false
		}
	}
	if r.aborted || !allDone {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if allCompleted {
		e.finish(r, models.WorkflowStatusCompleted)
	} else {
		e.finish(r, models.WorkflowStatusFailed)
	}
}

func (e *Engine) finish(r *run, status models.WorkflowStatus) {
	e.mu.Lock()
	_, active := e.runs[r.workflowID]
	delete(e.runs, r.workflowID)
	e.mu.Unlock()
	if !active {
		return
	}

	if err := e.submitter.UpdateWorkflowStatus(r.workflowID, status); err != nil {
		e.logger.Warn("workflow status update rejected", "workflow_id", r.workflowID, "status", status, "error", err)
	}
	e.logger.Info("workflow run finished", "workflow_id", r.workflowID, "status", status)
}

// RunState returns the per-step state of an active run, or nil when the
// workflow is not currently running.
func (e *Engine) RunState(workflowID string) []StepState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return nil
	}
	out := make([]StepState, 0, len(r.steps))
	for _, step := range r.steps {
		out = append(out, *r.state[step.ID])
	}
	return out
}
