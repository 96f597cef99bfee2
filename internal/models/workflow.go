package models

import (
	"time"

	id "maestro/internal/utils/id"
)

// Workflow is a declarative, DAG-shaped collection of steps. Each step, once
// its dependencies complete, produces a task.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Steps       []WorkflowStep `json:"tasks"`
	Status      WorkflowStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Config      map[string]any `json:"config"`
}

// WorkflowStep describes one node of the DAG. Steps are immutable once the
// workflow is active. DependsOn lists step IDs that must reach Completed
// before this step becomes eligible; an empty list means ready at start.
type WorkflowStep struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Agent     string         `json:"agent"`
	Payload   map[string]any `json:"payload"`
	Parallel  bool           `json:"parallel"`
	Timeout   time.Duration  `json:"timeout"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// Workflow config keys understood by the engine.
const (
	WorkflowConfigErrorPolicy = "error_policy"

	ErrorPolicyFailFast        = "fail_fast"
	ErrorPolicyContinueOnError = "continue_on_error"
)

// ErrorPolicy returns the configured step failure policy, defaulting to
// fail_fast.
func (w *Workflow) ErrorPolicy() string {
	if w.Config != nil {
		if p, ok := w.Config[WorkflowConfigErrorPolicy].(string); ok && p == ErrorPolicyContinueOnError {
			return ErrorPolicyContinueOnError
		}
	}
	return ErrorPolicyFailFast
}

// NewWorkflow creates a workflow in Draft state.
func NewWorkflow(name, description string) *Workflow {
	now := time.Now()
	return &Workflow{
		ID:          id.NewWorkflowID(),
		Name:        name,
		Description: description,
		Steps:       []WorkflowStep{},
		Status:      WorkflowStatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
		Config:      make(map[string]any),
	}
}

// AddStep appends a step, assigning it an identifier when none is set.
func (w *Workflow) AddStep(step WorkflowStep) {
	if step.ID == "" {
		step.ID = id.NewStepID()
	}
	w.Steps = append(w.Steps, step)
	w.UpdatedAt = time.Now()
}

// StepByID returns the step with the given id, or nil.
func (w *Workflow) StepByID(stepID string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == stepID {
			return &w.Steps[i]
		}
	}
	return nil
}

// Clone returns a copy safe to hand out to readers.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Steps = make([]WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		s.Payload = cloneAnyMap(s.Payload)
		s.DependsOn = append([]string(nil), s.DependsOn...)
		cp.Steps[i] = s
	}
	cp.Config = cloneAnyMap(w.Config)
	return &cp
}
