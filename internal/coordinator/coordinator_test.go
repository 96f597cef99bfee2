package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"maestro/internal/events"
	"maestro/internal/models"
)

// stubDispatcher records dispatches and can be told to reject them.
type stubDispatcher struct {
	mu         sync.Mutex
	dispatched []*models.Task
	settled    []string
	removed    []string
	rejectWith error
}

func (d *stubDispatcher) Dispatch(task *models.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rejectWith != nil {
		return d.rejectWith
	}
	d.dispatched = append(d.dispatched, task)
	return nil
}

func (d *stubDispatcher) Settle(agentID string) {
	d.mu.Lock()
	d.settled = append(d.settled, agentID)
	d.mu.Unlock()
}

func (d *stubDispatcher) Remove(agentID string) {
	d.mu.Lock()
	d.removed = append(d.removed, agentID)
	d.mu.Unlock()
}

func (d *stubDispatcher) order() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dispatched))
	for i, task := range d.dispatched {
		out[i] = task.ID
	}
	return out
}

type stubSender struct {
	mu     sync.Mutex
	frames []models.Message
}

func (s *stubSender) SendToAgent(agentID string, msg models.Message) error {
	s.mu.Lock()
	s.frames = append(s.frames, msg)
	s.mu.Unlock()
	return nil
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *stubDispatcher, *stubSender) {
	t.Helper()
	metrics := MustNewMetrics(prometheus.NewRegistry())
	bus := events.NewBus[models.Event](nil)
	t.Cleanup(bus.Close)

	c := New(cfg, bus, metrics, nil)
	dispatcher := &stubDispatcher{}
	sender := &stubSender{}
	c.SetDispatcher(dispatcher)
	c.SetSender(sender)
	return c, dispatcher, sender
}

func idleAgent(id string, capabilities ...string) *models.Agent {
	agent := models.NewAgent(id, "worker", capabilities)
	agent.ID = id
	return agent
}

// runOnePass mirrors what the match loop does on a wake-up.
func runOnePass(c *Coordinator) {
	c.drainAdmissions()
	c.matchPass()
}

func TestSubmitAssignComplete(t *testing.T) {
	c, dispatcher, _ := newTestCoordinator(t, Config{})

	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	task := models.NewTask("", "echo", 5, map[string]any{"text": "hi"})
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit task: %v", err)
	}

	runOnePass(c)

	got, err := c.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskStatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if got.AgentID != "agent-1" {
		t.Fatalf("expected assignment to agent-1, got %q", got.AgentID)
	}
	agent, _ := c.GetAgent("agent-1")
	if agent.Status != models.AgentStatusBusy {
		t.Fatalf("expected busy agent, got %s", agent.Status)
	}
	if len(dispatcher.order()) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(dispatcher.order()))
	}

	if err := c.CompleteTask(task.ID, models.TaskStatusCompleted, map[string]any{"out": "hi"}, ""); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	got, _ = c.GetTask(task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	agent, _ = c.GetAgent("agent-1")
	if agent.Status != models.AgentStatusIdle {
		t.Fatalf("expected agent idle after completion, got %s", agent.Status)
	}
}

func TestPriorityAndFIFOOrdering(t *testing.T) {
	c, dispatcher, _ := newTestCoordinator(t, Config{})

	// Admission order fixes created_at, so the two high-priority tasks tie on
	// priority and fall back to FIFO.
	low := models.NewTask("", "echo", 1, nil)
	highOld := models.NewTask("", "echo", 9, nil)
	highNew := models.NewTask("", "echo", 9, nil)

	for _, task := range []*models.Task{low, highOld, highNew} {
		if err := c.SubmitTask(task); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	// One idle agent at a time so the dispatch order is observable.
	for i, want := range []string{highOld.ID, highNew.ID, low.ID} {
		if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
			t.Fatalf("register: %v", err)
		}
		runOnePass(c)
		order := dispatcher.order()
		if len(order) != i+1 {
			t.Fatalf("pass %d: expected %d dispatches, got %d", i, i+1, len(order))
		}
		if order[i] != want {
			t.Fatalf("pass %d: expected %s, got %s", i, want, order[i])
		}
	}
}

func TestBlockedHeadDoesNotStarveQueue(t *testing.T) {
	c, dispatcher, _ := newTestCoordinator(t, Config{})

	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The high-priority head is pinned to a missing agent; the lower task can run.
	blocked := models.NewTask("ghost", "echo", 9, nil)
	runnable := models.NewTask("", "echo", 1, nil)
	if err := c.SubmitTask(blocked); err != nil {
		t.Fatalf("submit blocked: %v", err)
	}
	if err := c.SubmitTask(runnable); err != nil {
		t.Fatalf("submit runnable: %v", err)
	}

	runOnePass(c)

	order := dispatcher.order()
	if len(order) != 1 || order[0] != runnable.ID {
		t.Fatalf("expected only the runnable task dispatched, got %v", order)
	}
	got, _ := c.GetTask(blocked.ID)
	if got.Status != models.TaskStatusPending {
		t.Fatalf("blocked task should stay pending, got %s", got.Status)
	}
	if c.queue.len() != 1 {
		t.Fatalf("blocked task should be retained in the queue, len=%d", c.queue.len())
	}

	// Once the pinned agent shows up, the head is placed first.
	if err := c.RegisterAgent(idleAgent("ghost", "echo")); err != nil {
		t.Fatalf("register ghost: %v", err)
	}
	runOnePass(c)
	order = dispatcher.order()
	if len(order) != 2 || order[1] != blocked.ID {
		t.Fatalf("expected blocked task dispatched after its agent arrived, got %v", order)
	}
}

func TestCapabilityMatching(t *testing.T) {
	c, dispatcher, _ := newTestCoordinator(t, Config{})

	if err := c.RegisterAgent(idleAgent("translator", "translate")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.RegisterAgent(idleAgent("resizer", "resize")); err != nil {
		t.Fatalf("register: %v", err)
	}

	task := models.NewTask("", "resize", 0, nil)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	runOnePass(c)

	got, _ := c.GetTask(task.ID)
	if got.AgentID != "resizer" {
		t.Fatalf("expected resize to land on resizer, got %q", got.AgentID)
	}
	if len(dispatcher.order()) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(dispatcher.order()))
	}
}

func TestAdmissionQueueFull(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{AdmissionQueueSize: 2})

	for i := 0; i < 2; i++ {
		if err := c.SubmitTask(models.NewTask("", "echo", 0, nil)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	overflow := models.NewTask("", "echo", 0, nil)
	if err := c.SubmitTask(overflow); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	// No partial state.
	if _, err := c.GetTask(overflow.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("rejected task must not be registered, got %v", err)
	}
}

// The backpressure bound must hold while the match loop is live: draining
// the admission channel into the heap keeps tasks Pending, so it must not
// reopen the budget.
func TestBackpressureHoldsWithMatchLoopRunning(t *testing.T) {
	c, dispatcher, _ := newTestCoordinator(t, Config{AdmissionQueueSize: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunMatchLoop(ctx)

	first := models.NewTask("", "echo", 0, nil)
	if err := c.SubmitTask(first); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	if err := c.SubmitTask(models.NewTask("", "echo", 0, nil)); err != nil {
		t.Fatalf("submit second: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(c.admission) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(c.admission) > 0 {
		t.Fatalf("admission channel never drained")
	}

	if err := c.SubmitTask(models.NewTask("", "echo", 0, nil)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull with a full pending backlog, got %v", err)
	}

	// Cancelling a pending task frees budget immediately.
	if err := c.CancelTask(first.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := c.SubmitTask(models.NewTask("", "echo", 0, nil)); err != nil {
		t.Fatalf("submission after cancel should fit, got %v", err)
	}

	// So does an assignment: one idle agent picks up one of the two pending
	// tasks, making room for exactly one more.
	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for len(dispatcher.order()) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(dispatcher.order()) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(dispatcher.order()))
	}
	if err := c.SubmitTask(models.NewTask("", "echo", 0, nil)); err != nil {
		t.Fatalf("submission after assignment should fit, got %v", err)
	}
}

func TestDuplicateCompletionFirstWins(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})

	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := models.NewTask("", "echo", 0, nil)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	runOnePass(c)

	if err := c.CompleteTask(task.ID, models.TaskStatusCompleted, map[string]any{"n": 1}, ""); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	err := c.CompleteTask(task.ID, models.TaskStatusFailed, nil, "late")
	if !IsStateError(err) {
		t.Fatalf("expected StateError on duplicate completion, got %v", err)
	}
	got, _ := c.GetTask(task.ID)
	if got.Status != models.TaskStatusCompleted || got.Error != "" {
		t.Fatalf("first result must win, got status=%s error=%q", got.Status, got.Error)
	}
}

func TestCancelPendingTask(t *testing.T) {
	c, dispatcher, _ := newTestCoordinator(t, Config{})

	task := models.NewTask("", "echo", 0, nil)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.CancelTask(task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := c.GetTask(task.ID)
	if got.Status != models.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// Cancelled while queued: the match pass must drop the stale heap entry.
	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	runOnePass(c)
	if len(dispatcher.order()) != 0 {
		t.Fatalf("cancelled task must not dispatch, got %v", dispatcher.order())
	}
	if c.queue.len() != 0 {
		t.Fatalf("stale entry should be dropped, len=%d", c.queue.len())
	}

	if err := c.CancelTask(task.ID); !IsStateError(err) {
		t.Fatalf("expected StateError on double cancel, got %v", err)
	}
}

func TestCancelRunningTaskSendsCancelFrame(t *testing.T) {
	c, dispatcher, sender := newTestCoordinator(t, Config{})

	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := models.NewTask("", "echo", 0, nil)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	runOnePass(c)

	if err := c.CancelTask(task.ID); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	got, _ := c.GetTask(task.ID)
	if got.Status != models.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	agent, _ := c.GetAgent("agent-1")
	if agent.Status != models.AgentStatusIdle {
		t.Fatalf("expected agent idle, got %s", agent.Status)
	}
	if len(dispatcher.settled) != 1 || dispatcher.settled[0] != "agent-1" {
		t.Fatalf("expected settle for agent-1, got %v", dispatcher.settled)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.frames) != 1 || sender.frames[0].Type != models.MessageTaskCancel {
		t.Fatalf("expected one task.cancel frame, got %+v", sender.frames)
	}
}

func TestSweepTimeouts(t *testing.T) {
	c, dispatcher, sender := newTestCoordinator(t, Config{})

	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := models.NewTask("", "echo", 0, nil)
	task.Timeout = 10 * time.Second
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	runOnePass(c)

	if n := c.SweepTimeouts(time.Now().Add(5 * time.Second)); n != 0 {
		t.Fatalf("task within deadline must not expire, got %d", n)
	}
	if n := c.SweepTimeouts(time.Now().Add(11 * time.Second)); n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}

	got, _ := c.GetTask(task.ID)
	if got.Status != models.TaskStatusTimeout {
		t.Fatalf("expected timeout, got %s", got.Status)
	}
	if got.Error == "" {
		t.Fatalf("expected timeout error message")
	}
	agent, _ := c.GetAgent("agent-1")
	if agent.Status != models.AgentStatusIdle {
		t.Fatalf("expected agent idle after timeout, got %s", agent.Status)
	}
	if len(dispatcher.settled) != 1 {
		t.Fatalf("expected inbox settle, got %v", dispatcher.settled)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.frames) != 1 || sender.frames[0].Type != models.MessageTaskCancel {
		t.Fatalf("expected task.cancel frame on timeout, got %+v", sender.frames)
	}

	// A late result for a timed-out task is a duplicate.
	if err := c.CompleteTask(task.ID, models.TaskStatusCompleted, nil, ""); !IsStateError(err) {
		t.Fatalf("expected StateError for late completion, got %v", err)
	}
}

func TestUnregisterAgentFailsRunningTasks(t *testing.T) {
	c, dispatcher, _ := newTestCoordinator(t, Config{})

	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := models.NewTask("", "echo", 0, nil)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	runOnePass(c)

	c.UnregisterAgent("agent-1")

	got, _ := c.GetTask(task.ID)
	if got.Status != models.TaskStatusFailed || got.Error != models.TaskErrAgentLost {
		t.Fatalf("expected failed/agent_lost, got %s/%q", got.Status, got.Error)
	}
	if _, err := c.GetAgent("agent-1"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected agent gone, got %v", err)
	}
	if len(dispatcher.removed) != 1 || dispatcher.removed[0] != "agent-1" {
		t.Fatalf("expected Remove for agent-1, got %v", dispatcher.removed)
	}
}

func TestFailDeliveryMarksTransportLost(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})

	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := models.NewTask("", "echo", 0, nil)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	runOnePass(c)

	c.FailDelivery(task.ID)

	got, _ := c.GetTask(task.ID)
	if got.Status != models.TaskStatusFailed || got.Error != models.TaskErrTransportLost {
		t.Fatalf("expected failed/transport_lost, got %s/%q", got.Status, got.Error)
	}
	agent, _ := c.GetAgent("agent-1")
	if agent.Status != models.AgentStatusOffline {
		t.Fatalf("expected agent offline, got %s", agent.Status)
	}
}

func TestHeartbeatRestoresOfflineAgent(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})

	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	c.MarkAgentOffline("agent-1")
	agent, _ := c.GetAgent("agent-1")
	if agent.Status != models.AgentStatusOffline {
		t.Fatalf("expected offline, got %s", agent.Status)
	}

	c.HeartbeatAgent("agent-1")
	agent, _ = c.GetAgent("agent-1")
	if agent.Status != models.AgentStatusIdle {
		t.Fatalf("expected idle after heartbeat, got %s", agent.Status)
	}
}

func TestHeartbeatKeepsBusyAgentBusy(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})

	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.SubmitTask(models.NewTask("", "echo", 0, nil)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	runOnePass(c)

	c.HeartbeatAgent("agent-1")
	agent, _ := c.GetAgent("agent-1")
	if agent.Status != models.AgentStatusBusy {
		t.Fatalf("heartbeat must not disturb a busy agent, got %s", agent.Status)
	}
}

func TestSweepDeadAgents(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})

	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := models.NewTask("", "echo", 0, nil)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	runOnePass(c)

	// Backdate last_seen past the threshold.
	c.mu.Lock()
	c.agents["agent-1"].LastSeen = time.Now().Add(-10 * time.Minute)
	c.mu.Unlock()

	dead := c.SweepDeadAgents(5 * time.Minute)
	if len(dead) != 1 || dead[0] != "agent-1" {
		t.Fatalf("expected agent-1 swept, got %v", dead)
	}
	agent, _ := c.GetAgent("agent-1")
	if agent.Status != models.AgentStatusOffline {
		t.Fatalf("expected offline, got %s", agent.Status)
	}
	got, _ := c.GetTask(task.ID)
	if got.Status != models.TaskStatusFailed || got.Error != models.TaskErrAgentLost {
		t.Fatalf("expected failed/agent_lost, got %s/%q", got.Status, got.Error)
	}
}

func TestDispatchRejectionKeepsTaskPending(t *testing.T) {
	c, dispatcher, _ := newTestCoordinator(t, Config{})
	dispatcher.rejectWith = errors.New("inbox full")

	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := models.NewTask("", "echo", 0, nil)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	runOnePass(c)

	got, _ := c.GetTask(task.ID)
	if got.Status != models.TaskStatusPending {
		t.Fatalf("expected pending after rejection, got %s", got.Status)
	}
	if got.AgentID != "" {
		t.Fatalf("provisional pin must be rolled back, got %q", got.AgentID)
	}
	agent, _ := c.GetAgent("agent-1")
	if agent.Status != models.AgentStatusIdle {
		t.Fatalf("agent must stay idle, got %s", agent.Status)
	}

	// Retry succeeds once the dispatcher recovers.
	dispatcher.rejectWith = nil
	runOnePass(c)
	got, _ = c.GetTask(task.ID)
	if got.Status != models.TaskStatusRunning {
		t.Fatalf("expected running after retry, got %s", got.Status)
	}
}

func TestSubmitWorkflowRejectsCycle(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})

	wf := models.NewWorkflow("cyclic", "")
	wf.AddStep(models.WorkflowStep{ID: "a", Type: "echo", DependsOn: []string{"b"}})
	wf.AddStep(models.WorkflowStep{ID: "b", Type: "echo", DependsOn: []string{"a"}})

	err := c.SubmitWorkflow(wf)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := c.GetWorkflow(wf.ID); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("cyclic workflow must leave no state, got %v", err)
	}
}

func TestExecuteWorkflowTransitions(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})

	wf := models.NewWorkflow("pipeline", "")
	wf.AddStep(models.WorkflowStep{ID: "a", Type: "echo"})
	if err := c.SubmitWorkflow(wf); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := c.ExecuteWorkflow(wf.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := c.GetWorkflow(wf.ID)
	if got.Status != models.WorkflowStatusActive {
		t.Fatalf("expected active, got %s", got.Status)
	}
	if err := c.ExecuteWorkflow(wf.ID); !IsStateError(err) {
		t.Fatalf("expected StateError on double execute, got %v", err)
	}

	if err := c.UpdateWorkflowStatus(wf.ID, models.WorkflowStatusCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := c.UpdateWorkflowStatus(wf.ID, models.WorkflowStatusFailed); !IsStateError(err) {
		t.Fatalf("terminal workflow must not change, got %v", err)
	}
}

func TestListTasksFilter(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})

	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	running := models.NewTask("", "echo", 0, nil)
	pending := models.NewTask("", "echo", 0, nil)
	pending.WorkflowID = "wf-1"
	if err := c.SubmitTask(running); err != nil {
		t.Fatalf("submit: %v", err)
	}
	runOnePass(c)
	if err := c.SubmitTask(pending); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if got := c.ListTasks(TaskFilter{Status: models.TaskStatusRunning}); len(got) != 1 || got[0].ID != running.ID {
		t.Fatalf("status filter mismatch: %v", got)
	}
	if got := c.ListTasks(TaskFilter{WorkflowID: "wf-1"}); len(got) != 1 || got[0].ID != pending.ID {
		t.Fatalf("workflow filter mismatch: %v", got)
	}
	if got := c.ListTasks(TaskFilter{}); len(got) != 2 {
		t.Fatalf("expected both tasks, got %d", len(got))
	}
}

func TestMetricsCountSettledTasks(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := MustNewMetrics(reg)
	bus := events.NewBus[models.Event](nil)
	t.Cleanup(bus.Close)

	c := New(Config{}, bus, metrics, nil)
	c.SetDispatcher(&stubDispatcher{})

	if err := c.RegisterAgent(idleAgent("agent-1", "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := models.NewTask("", "echo", 0, nil)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	runOnePass(c)
	if err := c.CompleteTask(task.ID, models.TaskStatusCompleted, nil, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if got := testutil.ToFloat64(metrics.tasksSubmitted); got != 1 {
		t.Fatalf("expected 1 submitted, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.tasksSettled.WithLabelValues("completed")); got != 1 {
		t.Fatalf("expected 1 completed settle, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.tasksRunning); got != 0 {
		t.Fatalf("expected running gauge back to 0, got %v", got)
	}
}
