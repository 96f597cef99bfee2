package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the orchestrator-level collectors that sit outside the
// coordinator: gateway population, per-agent inbox depth, schedule fires.
type Metrics struct {
	agentsConnected prometheus.Gauge
	inboxDepth      *prometheus.GaugeVec
	scheduleFires   prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs the collectors against the given registerer.
// Duplicate registration reuses the existing collector, so tests with a
// shared registry do not panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	agentsConnected := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "orchestrator",
			Name:      "agents_connected",
			Help:      "Number of agents with a live gateway connection.",
		},
	)
	inboxDepth := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "orchestrator",
			Name:      "agent_inbox_depth",
			Help:      "Tasks queued for delivery, per agent.",
		},
		[]string{"agent_id"},
	)
	scheduleFires := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "orchestrator",
			Name:      "schedule_fires_total",
			Help:      "Total number of schedule fires.",
		},
	)

	for _, collector := range []prometheus.Collector{agentsConnected, inboxDepth, scheduleFires} {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case agentsConnected:
					agentsConnected = already.ExistingCollector.(prometheus.Gauge)
				case inboxDepth:
					inboxDepth = already.ExistingCollector.(*prometheus.GaugeVec)
				case scheduleFires:
					scheduleFires = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		agentsConnected: agentsConnected,
		inboxDepth:      inboxDepth,
		scheduleFires:   scheduleFires,
	}
}

// SetAgentsConnected records the gateway's live agent count.
func (m *Metrics) SetAgentsConnected(n int) {
	if m == nil || m.agentsConnected == nil {
		return
	}
	m.agentsConnected.Set(float64(n))
}

// SetInboxDepth records the delivery backlog for one agent.
func (m *Metrics) SetInboxDepth(agentID string, depth int) {
	if m == nil || m.inboxDepth == nil {
		return
	}
	m.inboxDepth.WithLabelValues(agentID).Set(float64(depth))
}

// DropInboxDepth forgets a disconnected agent's series.
func (m *Metrics) DropInboxDepth(agentID string) {
	if m == nil || m.inboxDepth == nil {
		return
	}
	m.inboxDepth.DeleteLabelValues(agentID)
}

// IncScheduleFire counts one schedule fire.
func (m *Metrics) IncScheduleFire() {
	if m == nil || m.scheduleFires == nil {
		return
	}
	m.scheduleFires.Inc()
}
