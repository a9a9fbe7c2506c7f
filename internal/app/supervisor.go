package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"

	"github.com/felixgeelhaar/scribe/internal/log"
)

// SupervisorState is the supervisor's current state.
type SupervisorState string

const (
	// SupervisorStopped indicates the supervisor is not running.
	SupervisorStopped SupervisorState = "stopped"
	// SupervisorStarting indicates the supervisor is initializing.
	SupervisorStarting SupervisorState = "starting"
	// SupervisorRunning indicates the supervisor is waiting for the next
	// health sweep.
	SupervisorRunning SupervisorState = "running"
	// SupervisorSweeping indicates a health sweep is in progress.
	SupervisorSweeping SupervisorState = "sweeping"
	// SupervisorStopping indicates the supervisor is shutting down.
	SupervisorStopping SupervisorState = "stopping"
	// SupervisorError indicates the supervisor encountered an error.
	SupervisorError SupervisorState = "error"
)

// Event types for the supervisor state machine.
const (
	supEventStart         = "START"
	supEventStarted       = "STARTED"
	supEventTick          = "TICK"
	supEventSweepComplete = "SWEEP_COMPLETE"
	supEventStop          = "STOP"
	supEventError         = "ERROR"
	supEventRecover       = "RECOVER"
)

// SupervisorContext holds the runtime counters of the supervisor machine.
type SupervisorContext struct {
	StartedAt   time.Time
	LastSweepAt time.Time
	SweepCount  int
	ErrorCount  int
	LastError   error
}

// SupervisorStatus is a snapshot of the supervisor.
type SupervisorStatus struct {
	State       SupervisorState `json:"state"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	LastSweepAt time.Time       `json:"last_sweep_at,omitempty"`
	SweepCount  int             `json:"sweep_count"`
	ErrorCount  int             `json:"error_count"`
	Uptime      time.Duration   `json:"uptime,omitempty"`
	Unhealthy   int             `json:"unhealthy"`
}

// supervisorRuntime wraps SupervisorContext with thread-safe access.
type supervisorRuntime struct {
	mu  sync.RWMutex
	ctx SupervisorContext
}

func (r *supervisorRuntime) recordStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx.StartedAt = time.Now()
}

func (r *supervisorRuntime) recordSweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx.LastSweepAt = time.Now()
	r.ctx.SweepCount++
}

func (r *supervisorRuntime) recordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx.ErrorCount++
	r.ctx.LastError = err
}

func (r *supervisorRuntime) snapshot() SupervisorContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ctx
}

// Supervisor drives periodic health sweeps over a Host with a state machine.
// It recomputes every enabled plugin's health on each sweep and logs the
// plugins that are not healthy.
type Supervisor struct {
	host     *Host
	interval time.Duration
	runtime  *supervisorRuntime

	mu        sync.RWMutex
	interp    *statekit.Interpreter[SupervisorContext]
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewSupervisor creates a supervisor sweeping at the host's health tick
// interval.
func NewSupervisor(host *Host) *Supervisor {
	return &Supervisor{
		host:     host,
		interval: host.policy.TickInterval,
		runtime:  &supervisorRuntime{},
	}
}

// buildSupervisorMachine constructs the statekit machine. The runtime
// pointer is captured by the actions so they mutate the shared counters.
func buildSupervisorMachine(runtime *supervisorRuntime) (*statekit.Interpreter[SupervisorContext], error) {
	machine, err := statekit.NewMachine[SupervisorContext]("scribe-supervisor").
		WithInitial("stopped").
		WithContext(runtime.snapshot()).
		WithAction("recordStart", func(_ *SupervisorContext, _ statekit.Event) {
			runtime.recordStart()
		}).
		WithAction("recordError", func(_ *SupervisorContext, event statekit.Event) {
			if payload, ok := event.Payload.(map[string]interface{}); ok {
				if err, ok := payload["error"].(error); ok {
					runtime.recordError(err)
				}
			}
		}).
		State("stopped").
		On(supEventStart).Target("starting").Done().
		State("starting").
		OnEntry("recordStart").
		On(supEventStarted).Target("running").
		On(supEventError).Target("error").Done().
		State("running").
		On(supEventTick).Target("sweeping").
		On(supEventStop).Target("stopping").
		On(supEventError).Target("error").Done().
		State("sweeping").
		On(supEventSweepComplete).Target("running").
		On(supEventStop).Target("stopping").
		On(supEventError).Target("error").Done().
		State("stopping").
		After(100 * time.Millisecond).Target("stopped").Done().
		State("error").
		OnEntry("recordError").
		On(supEventRecover).Target("running").
		On(supEventStop).Target("stopped").Done().
		Build()
	if err != nil {
		return nil, err
	}
	return statekit.NewInterpreter(machine), nil
}

// Start starts the supervisor and its sweep loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interp != nil {
		return fmt.Errorf("supervisor already started")
	}

	interp, err := buildSupervisorMachine(s.runtime)
	if err != nil {
		return fmt.Errorf("failed to build state machine: %w", err)
	}
	s.interp = interp
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})

	s.interp.Start()
	s.interp.Send(statekit.Event{Type: supEventStart})
	s.interp.Send(statekit.Event{Type: supEventStarted})

	go s.runSweeper(ctx)
	return nil
}

// Stop stops the supervisor gracefully.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	interp := s.interp
	stopCh := s.stopCh
	stoppedCh := s.stoppedCh
	if interp == nil {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	s.mu.Unlock()

	interp.Send(statekit.Event{Type: supEventStop})

	select {
	case <-stoppedCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	interp.Stop()
	s.interp = nil
	s.mu.Unlock()
	return nil
}

// State returns the supervisor's current state.
func (s *Supervisor) State() SupervisorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.interp == nil {
		return SupervisorStopped
	}
	return SupervisorState(s.interp.State().Value)
}

// Status returns a supervisor snapshot.
func (s *Supervisor) Status() SupervisorStatus {
	ctx := s.runtime.snapshot()
	status := SupervisorStatus{
		State:       s.State(),
		StartedAt:   ctx.StartedAt,
		LastSweepAt: ctx.LastSweepAt,
		SweepCount:  ctx.SweepCount,
		ErrorCount:  ctx.ErrorCount,
		Unhealthy:   len(s.host.UnhealthyPlugins()),
	}
	if !ctx.StartedAt.IsZero() {
		status.Uptime = time.Since(ctx.StartedAt)
	}
	return status
}

// runSweeper runs the periodic sweep loop.
func (s *Supervisor) runSweeper(ctx context.Context) {
	defer close(s.stoppedCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger := log.WithComponent("supervisor")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(logger)
		}
	}
}

func (s *Supervisor) sweep(logger *slog.Logger) {
	s.mu.RLock()
	interp := s.interp
	s.mu.RUnlock()
	if interp == nil {
		return
	}
	if s.State() != SupervisorRunning {
		return
	}

	interp.Send(statekit.Event{Type: supEventTick})

	for _, id := range s.host.PluginIDs() {
		if s.host.IsEnabled(id) {
			s.host.PluginHealth(id)
		}
	}
	for _, snap := range s.host.UnhealthyPlugins() {
		logger.Warn("plugin not healthy",
			"plugin", snap.PluginID, "status", snap.Status, "errors", snap.ErrorCount)
	}
	s.runtime.recordSweep()

	interp.Send(statekit.Event{Type: supEventSweepComplete})
}
