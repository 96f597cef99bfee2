// Package orchestrator assembles the coordinator, agent manager, workflow
// engine, scheduler, and gateway into one long-lived object. There is no
// package-level state: everything the system owns hangs off Orchestrator.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"maestro/internal/agents"
	"maestro/internal/config"
	"maestro/internal/coordinator"
	"maestro/internal/events"
	"maestro/internal/gateway"
	"maestro/internal/models"
	"maestro/internal/observability"
	"maestro/internal/scheduler"
	"maestro/internal/workflow"
)

// Dependencies carries everything the orchestrator needs at construction.
// Logger, Registry, and Tracer may be nil; sensible fallbacks apply.
type Dependencies struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry prometheus.Registerer
	Tracer   *observability.TracerProvider
}

// Orchestrator owns every core component and implements the gateway's frame
// handler.
type Orchestrator struct {
	cfg    config.Config
	logger *slog.Logger
	tracer *observability.TracerProvider

	bus     *events.Bus[models.Event]
	history *events.History
	coord   *coordinator.Coordinator
	manager *agents.Manager
	engine  *workflow.Engine
	sched   *scheduler.Scheduler
	hub     *gateway.Hub
	metrics *Metrics

	startTime time.Time
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New wires the component graph: coordinator at the center, agent manager as
// its dispatcher, the gateway as everyone's sender, engine and scheduler on
// the coordinator's submission surface.
func New(deps Dependencies) *Orchestrator {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}

	var coordMetrics *coordinator.Metrics
	var orchMetrics *Metrics
	if deps.Registry != nil {
		coordMetrics = coordinator.MustNewMetrics(deps.Registry)
		orchMetrics = MustNewMetrics(deps.Registry)
	} else {
		orchMetrics = defaultMetrics()
	}

	bus := events.NewBus[models.Event](logger)
	if coordMetrics != nil {
		bus.SetDropHook(coordMetrics.IncEventDropped)
	}
	history := events.NewHistory(cfg.EventHistorySize)

	coord := coordinator.New(coordinator.Config{
		AdmissionQueueSize: cfg.AdmissionQueueSize,
		SweepInterval:      cfg.TimeoutSweepInterval,
		DefaultTaskTimeout: cfg.TaskTimeoutDefault,
	}, bus, coordMetrics, logger)

	manager := agents.NewManager(agents.Config{
		InboxSize:           cfg.AgentInboxSize,
		HealthCheckInterval: cfg.HealthCheckInterval,
		DeadCheckInterval:   cfg.DeadCheckInterval,
		InactiveThreshold:   cfg.AgentInactiveThreshold,
		DeadThreshold:       cfg.AgentDeadThreshold,
	}, logger)

	engine := workflow.NewEngine(coord, bus, logger)
	sched := scheduler.New(coord, bus, logger)
	hub := gateway.NewHub(cfg.GatewaySendBuffer, logger)

	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
		tracer:  tracer,
		bus:     bus,
		history: history,
		coord:   coord,
		manager: manager,
		engine:  engine,
		sched:   sched,
		hub:     hub,
		metrics: orchMetrics,
	}

	coord.SetDispatcher(manager)
	coord.SetSender(hub)
	manager.SetSender(hub)
	manager.SetRegistry(coord)
	hub.SetHandler(o)
	sched.SetFireHook(func() {
		orchMetrics.IncScheduleFire()
		_, span := tracer.StartSpan(context.Background(), observability.SpanScheduleFire)
		span.End()
	})

	return o
}

// Start launches every loop: matching, timeout sweeping, agent health,
// workflow advancement, the scheduler, event recording and fan-out, and the
// gauge sampler.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startTime = time.Now()
	o.runCtx, o.cancel = context.WithCancel(ctx)

	o.run(func() { o.coord.RunMatchLoop(o.runCtx) })
	o.run(func() { o.coord.RunSweeper(o.runCtx) })
	o.run(func() { o.manager.RunHealthLoops(o.runCtx) })
	o.run(func() { o.engine.Run(o.runCtx) })
	o.run(func() { o.recordHistory(o.runCtx) })
	o.run(func() { o.fanOut(o.runCtx) })
	o.run(func() { o.sampleGauges(o.runCtx) })
	o.sched.Start(o.runCtx)

	o.logger.Info("orchestrator started")
}

func (o *Orchestrator) run(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// Shutdown stops everything in reverse dependency order: no new frames, no
// new fires, then the loops, then the bus.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.logger.Info("orchestrator stopping")
	o.hub.CloseAll()
	o.sched.Stop()
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		o.manager.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	o.bus.Close()
	o.logger.Info("orchestrator stopped")
	return err
}

// Uptime reports how long the orchestrator has been running.
func (o *Orchestrator) Uptime() time.Duration {
	if o.startTime.IsZero() {
		return 0
	}
	return time.Since(o.startTime)
}

// Accessors for the transport layers.

func (o *Orchestrator) Coordinator() *coordinator.Coordinator { return o.coord }
func (o *Orchestrator) Scheduler() *scheduler.Scheduler       { return o.sched }
func (o *Orchestrator) Engine() *workflow.Engine              { return o.engine }
func (o *Orchestrator) Hub() *gateway.Hub                     { return o.hub }
func (o *Orchestrator) History() *events.History              { return o.history }
func (o *Orchestrator) Manager() *agents.Manager              { return o.manager }
func (o *Orchestrator) Tracer() *observability.TracerProvider { return o.tracer }

// recordHistory mirrors every bus event into the LRU the REST surface and
// the recent_events command read.
func (o *Orchestrator) recordHistory(ctx context.Context) {
	ch := o.bus.Subscribe(ctx, "history", 256)
	for evt := range ch {
		o.history.Record(evt)
	}
}

// fanOutTypes are the events forwarded to user and monitor connections.
var fanOutTypes = map[string]bool{
	models.EventTaskCompleted:     true,
	models.EventTaskFailed:        true,
	models.EventTaskTimeout:       true,
	models.EventTaskCancelled:     true,
	models.EventAgentRegistered:   true,
	models.EventAgentUnregistered: true,
	models.EventAgentOffline:      true,
	models.EventWorkflowStarted:   true,
	models.EventWorkflowCompleted: true,
	models.EventWorkflowFailed:    true,
	models.EventScheduleFired:     true,
}

// fanOut pushes selected events to dashboards as frames typed after the
// event itself.
func (o *Orchestrator) fanOut(ctx context.Context) {
	ch := o.bus.Subscribe(ctx, "gateway-fanout", 256)
	for evt := range ch {
		if !fanOutTypes[evt.Type] {
			continue
		}
		msg := models.Message{Type: evt.Type, Timestamp: evt.Timestamp, Data: evt.Data}
		o.hub.Broadcast(msg, gateway.RoleUser, gateway.RoleMonitor)
	}
}

// sampleGauges refreshes the connection and inbox-depth gauges.
func (o *Orchestrator) sampleGauges(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected := o.hub.ConnectedAgents()
			o.metrics.SetAgentsConnected(len(connected))
			for _, agentID := range connected {
				o.metrics.SetInboxDepth(agentID, o.manager.InboxDepth(agentID))
			}
		}
	}
}
