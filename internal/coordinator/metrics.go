package coordinator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report coordinator activity.
type Metrics struct {
	tasksSubmitted prometheus.Counter
	tasksSettled   *prometheus.CounterVec
	agentEvents    *prometheus.CounterVec
	workflowEvents *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	tasksPending   prometheus.Gauge
	tasksRunning   prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when the coordinator is instantiated
// multiple times (e.g. in unit tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Supply a fresh registry when unique metric names are required (for example
// in tests). Registration errors other than duplicate registration panic,
// surfacing configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tasksSubmitted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "coordinator",
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks accepted through admission.",
		},
	)
	tasksSettled := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "coordinator",
			Name:      "tasks_settled_total",
			Help:      "Tasks that reached a terminal state, by status.",
		},
		[]string{"status"},
	)
	agentEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "coordinator",
			Name:      "agent_events_total",
			Help:      "Agent lifecycle transitions, by event.",
		},
		[]string{"event"},
	)
	workflowEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "coordinator",
			Name:      "workflow_events_total",
			Help:      "Workflow lifecycle transitions, by event.",
		},
		[]string{"event"},
	)
	eventsDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "coordinator",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber's buffer was full.",
		},
		[]string{"subscriber"},
	)
	tasksPending := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "coordinator",
			Name:      "tasks_pending",
			Help:      "Number of tasks currently awaiting an agent.",
		},
	)
	tasksRunning := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "coordinator",
			Name:      "tasks_running",
			Help:      "Number of tasks currently executing on agents.",
		},
	)

	collectors := []prometheus.Collector{
		tasksSubmitted, tasksSettled, agentEvents, workflowEvents,
		eventsDropped, tasksPending, tasksRunning,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				// Reuse the existing collector when it matches the expected type.
				switch target := collector.(type) {
				case *prometheus.CounterVec:
					existing := already.ExistingCollector.(*prometheus.CounterVec)
					switch target { //nolint:exhaustive
					case tasksSettled:
						tasksSettled = existing
					case agentEvents:
						agentEvents = existing
					case workflowEvents:
						workflowEvents = existing
					case eventsDropped:
						eventsDropped = existing
					}
				case prometheus.Counter:
					tasksSubmitted = already.ExistingCollector.(prometheus.Counter)
				case prometheus.Gauge:
					existing := already.ExistingCollector.(prometheus.Gauge)
					if target == tasksPending {
						tasksPending = existing
					} else {
						tasksRunning = existing
					}
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		tasksSubmitted: tasksSubmitted,
		tasksSettled:   tasksSettled,
		agentEvents:    agentEvents,
		workflowEvents: workflowEvents,
		eventsDropped:  eventsDropped,
		tasksPending:   tasksPending,
		tasksRunning:   tasksRunning,
	}
}

// IncTaskSubmitted counts an accepted submission.
func (m *Metrics) IncTaskSubmitted() {
	if m == nil || m.tasksSubmitted == nil {
		return
	}
	m.tasksSubmitted.Inc()
}

// IncTaskSettled counts a task reaching a terminal status.
func (m *Metrics) IncTaskSettled(status string) {
	if m == nil || m.tasksSettled == nil {
		return
	}
	m.tasksSettled.WithLabelValues(status).Inc()
}

// IncAgentEvent counts an agent lifecycle event.
func (m *Metrics) IncAgentEvent(event string) {
	if m == nil || m.agentEvents == nil {
		return
	}
	m.agentEvents.WithLabelValues(event).Inc()
}

// IncWorkflowEvent counts a workflow lifecycle event.
func (m *Metrics) IncWorkflowEvent(event string) {
	if m == nil || m.workflowEvents == nil {
		return
	}
	m.workflowEvents.WithLabelValues(event).Inc()
}

// IncEventDropped counts a fan-out drop for the named subscriber.
func (m *Metrics) IncEventDropped(subscriber string) {
	if m == nil || m.eventsDropped == nil {
		return
	}
	m.eventsDropped.WithLabelValues(subscriber).Inc()
}

// AddTasksPending adjusts the pending gauge.
func (m *Metrics) AddTasksPending(delta int) {
	if m == nil || m.tasksPending == nil {
		return
	}
	m.tasksPending.Add(float64(delta))
}

// AddTasksRunning adjusts the running gauge.
func (m *Metrics) AddTasksRunning(delta int) {
	if m == nil || m.tasksRunning == nil {
		return
	}
	m.tasksRunning.Add(float64(delta))
}
