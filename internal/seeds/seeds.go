// Package seeds bootstraps workflows and schedules from a YAML file at
// startup. Seeding is best-effort: a bad item is logged and skipped so one
// typo does not keep the server down.
package seeds

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"maestro/internal/models"
)

// File is the top-level seed document.
type File struct {
	Workflows []WorkflowSeed `yaml:"workflows"`
	Schedules []ScheduleSeed `yaml:"schedules"`
}

// WorkflowSeed declares a workflow to create at startup.
type WorkflowSeed struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	ErrorPolicy string         `yaml:"error_policy"`
	Execute     bool           `yaml:"execute"`
	Steps       []StepSeed     `yaml:"steps"`
	Config      map[string]any `yaml:"config"`
}

// StepSeed declares one workflow step.
type StepSeed struct {
	ID        string         `yaml:"id"`
	Type      string         `yaml:"type"`
	Agent     string         `yaml:"agent"`
	Payload   map[string]any `yaml:"payload"`
	Parallel  bool           `yaml:"parallel"`
	Timeout   int            `yaml:"timeout"` // seconds
	DependsOn []string       `yaml:"depends_on"`
}

// ScheduleSeed declares a schedule to create at startup.
type ScheduleSeed struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Cron     string         `yaml:"cron"`
	Enabled  *bool          `yaml:"enabled"`
	TargetID string         `yaml:"target_id"`
	Payload  map[string]any `yaml:"payload"`
}

// Target is the surface seeding writes to.
type Target interface {
	SubmitWorkflow(wf *models.Workflow) error
	ExecuteWorkflow(workflowID string) error
	CreateSchedule(schedule *models.Schedule) error
}

// Load parses the seed file at path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// Apply creates each seeded workflow and schedule, logging and skipping
// whatever fails. Returns how many items were applied.
func Apply(f *File, target Target, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "seeds")

	applied := 0
	for _, ws := range f.Workflows {
		wf := buildWorkflow(ws)
		if err := target.SubmitWorkflow(wf); err != nil {
			logger.Warn("seed workflow skipped", "name", ws.Name, "error", err)
			continue
		}
		if ws.Execute {
			if err := target.ExecuteWorkflow(wf.ID); err != nil {
				logger.Warn("seed workflow not started", "name", ws.Name, "error", err)
			}
		}
		logger.Info("seeded workflow", "workflow_id", wf.ID, "name", ws.Name)
		applied++
	}
	for _, ss := range f.Schedules {
		schedule := models.NewSchedule(ss.Name, models.ScheduleType(ss.Type), ss.Cron, ss.Payload)
		schedule.TargetID = ss.TargetID
		if ss.Enabled != nil {
			schedule.Enabled = *ss.Enabled
		}
		if err := target.CreateSchedule(schedule); err != nil {
			logger.Warn("seed schedule skipped", "name", ss.Name, "error", err)
			continue
		}
		logger.Info("seeded schedule", "schedule_id", schedule.ID, "name", ss.Name)
		applied++
	}
	return applied
}

func buildWorkflow(ws WorkflowSeed) *models.Workflow {
	wf := models.NewWorkflow(ws.Name, ws.Description)
	for k, v := range ws.Config {
		wf.Config[k] = v
	}
	if ws.ErrorPolicy != "" {
		wf.Config[models.WorkflowConfigErrorPolicy] = ws.ErrorPolicy
	}
	for _, s := range ws.Steps {
		step := models.WorkflowStep{
			ID:        s.ID,
			Type:      s.Type,
			Agent:     s.Agent,
			Payload:   s.Payload,
			Parallel:  s.Parallel,
			DependsOn: s.DependsOn,
		}
		if s.Timeout > 0 {
			step.Timeout = time.Duration(s.Timeout) * time.Second
		}
		wf.AddStep(step)
	}
	return wf
}
