package workflow

import (
	"fmt"

	"maestro/internal/models"
)

// ValidateSteps checks the structural soundness of a workflow's step graph:
// non-empty, unique step ids, known depends_on references, and no cycles.
// The coordinator calls this at submission time so an invalid workflow
// leaves no partial state.
func ValidateSteps(steps []models.WorkflowStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("workflow has no steps")
	}

	byID := make(map[string]models.WorkflowStep, len(steps))
	for _, step := range steps {
		if step.ID == "" {
			return fmt.Errorf("step with empty id")
		}
		if step.Type == "" {
			return fmt.Errorf("step %s has no type", step.ID)
		}
		if _, dup := byID[step.ID]; dup {
			return fmt.Errorf("duplicate step id %s", step.ID)
		}
		byID[step.ID] = step
	}

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		indegree[step.ID] += 0
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("step %s depends on itself", step.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %s depends on unknown step %s", step.ID, dep)
			}
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	// Kahn's algorithm: if a topological order covers every step, the graph
	// is acyclic.
	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited != len(steps) {
		return fmt.Errorf("dependency cycle among workflow steps")
	}
	return nil
}

// transitiveDependents returns every step id reachable from any of the
// given roots by following depends_on edges forward. Used to skip the
// descendants of a failed step under continue_on_error.
func transitiveDependents(steps []models.WorkflowStep, roots ...string) map[string]bool {
	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	seen := make(map[string]bool)
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range dependents[id] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}
