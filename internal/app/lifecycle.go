package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/scribe/internal/domain/plugin"
	"github.com/felixgeelhaar/scribe/internal/domain/state"
	"github.com/felixgeelhaar/scribe/internal/ports"
)

// Register validates the descriptor and its dependencies, installs the
// plugin and, unless the config disables it, activates it best effort. An
// activation failure is recorded as fatal (the plugin ends up crashed) but
// is never returned: registration itself has already succeeded.
//
// Configuration errors (duplicate id, missing dependency, cycle, invalid
// descriptor) are returned synchronously and leave the runtime unchanged.
func (h *Host) Register(ctx context.Context, desc *plugin.Descriptor, cfg plugin.Config) error {
	if err := plugin.ValidateDescriptor(desc); err != nil {
		return err
	}

	h.mu.Lock()
	if _, exists := h.entries[desc.ID]; exists {
		h.mu.Unlock()
		return &plugin.PluginExistsError{ID: desc.ID}
	}
	for _, dep := range cfg.Dependencies {
		if _, ok := h.entries[dep]; !ok {
			h.mu.Unlock()
			return &plugin.MissingDependencyError{ID: desc.ID, Dependency: dep}
		}
	}

	// A fresh id has no incoming edges, so a cycle here means the config
	// listed the plugin as its own (transitive) dependency.
	if err := h.graph.AddEdges(desc.ID, cfg.Dependencies...); err != nil {
		h.graph.Remove(desc.ID)
		h.mu.Unlock()
		return err
	}

	key := cfg.Persistence.Key
	if key == "" {
		key = state.DefaultKey(h.namespace, desc.ID)
	}
	storeOpts := []state.Option{state.WithEventSink(h.sink)}
	if cfg.Persistence.Enabled {
		storeOpts = append(storeOpts, state.WithPersistence(h.storageFor(cfg.Persistence), key))
	}
	store := state.NewStore(desc.ID, desc.InitialState, storeOpts...)

	e := &entry{
		id:         desc.ID,
		descriptor: desc,
		config:     cfg,
		store:      store,
		state:      plugin.StateRegistered,
	}
	e.pctx = &plugin.Context{
		PluginID:     desc.ID,
		Events:       h.sink,
		Blocks:       h.blocks,
		Interactions: h.interactions,
		Renderer:     h.renderer,
		Messaging:    h.bus,
		State:        store,
	}
	h.entries[desc.ID] = e
	h.monitor.Track(desc.ID, string(plugin.StateRegistered))
	h.mu.Unlock()

	h.sink.Publish(ports.EventStateChanged, ports.StateChangedEvent{
		PluginID: desc.ID,
		State:    string(plugin.StateRegistered),
	})
	h.logger.Info("plugin registered", "plugin", desc.ID, "version", desc.Version,
		"dependencies", cfg.Dependencies)

	if cfg.EnableOnRegister() {
		if err := h.enable(ctx, desc.ID, true); err != nil {
			h.logger.Error("activation on register failed", "plugin", desc.ID, "error", err)
		}
	}
	return nil
}

// Enable activates the plugin, activating its dependencies first. A
// lifecycle failure is routed through the error handler and observable via
// health queries and events; it is not returned. Configuration errors are
// returned.
func (h *Host) Enable(ctx context.Context, id string) error {
	err := h.enable(ctx, id, false)
	if err != nil && !plugin.IsConfiguration(err) && !errors.Is(err, plugin.ErrPluginNotFound) {
		return nil
	}
	return err
}

// enable runs the activation sequence under the plugin's transition lock.
// When fatal is true (the register path) a failure crashes the plugin
// instead of leaving it recoverable.
func (h *Host) enable(ctx context.Context, id string, fatal bool) error {
	e, ok := h.entry(id)
	if !ok {
		return fmt.Errorf("enable %q: %w", id, plugin.ErrPluginNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentState() == plugin.StateEnabled {
		return nil
	}

	// Dependencies complete their own activation before this plugin
	// leaves its dependency-check phase. The graph is acyclic, so the
	// recursion terminates and lock acquisition follows edge order.
	for _, dep := range h.graph.Dependencies(id) {
		if err := h.enable(ctx, dep, false); err != nil {
			depErr := &plugin.LifecycleError{ID: id, Phase: "enable dependency " + dep, Err: err}
			h.handleError(ctx, e, depErr, fatal)
			return depErr
		}
	}

	if err := h.setState(e, plugin.StateEnabling); err != nil {
		h.handleError(ctx, e, err, fatal)
		return err
	}
	if err := h.runHook(ctx, e, "beforeEnable", hookOf(e, func(hk *plugin.Hooks) plugin.HookFunc { return hk.BeforeEnable })); err != nil {
		h.handleError(ctx, e, err, fatal)
		return err
	}
	if !e.initialized {
		if err := h.initialize(ctx, e); err != nil {
			h.handleError(ctx, e, err, fatal)
			return err
		}
	}
	if err := h.runHook(ctx, e, "afterEnable", hookOf(e, func(hk *plugin.Hooks) plugin.HookFunc { return hk.AfterEnable })); err != nil {
		h.handleError(ctx, e, err, fatal)
		return err
	}
	if err := h.setState(e, plugin.StateEnabled); err != nil {
		h.handleError(ctx, e, err, fatal)
		return err
	}

	h.monitor.SetStartTime(id, h.now())
	h.startTicking(e)
	h.computeHealth(e)
	h.logger.Info("plugin enabled", "plugin", id)
	return nil
}

// InitializePlugin runs the initialization sequence without enabling. A
// lifecycle failure is routed through the error handler; configuration
// errors are returned.
func (h *Host) InitializePlugin(ctx context.Context, id string) error {
	e, ok := h.entry(id)
	if !ok {
		return fmt.Errorf("initialize %q: %w", id, plugin.ErrPluginNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}
	if err := h.initialize(ctx, e); err != nil {
		h.handleError(ctx, e, err, false)
	}
	return nil
}

// initialize runs beforeInit, Initialize and afterInit in order. Callers
// hold e.mu.
func (h *Host) initialize(ctx context.Context, e *entry) error {
	if err := h.setState(e, plugin.StateInitializing); err != nil {
		return err
	}
	if err := h.runHook(ctx, e, "beforeInit", hookOf(e, func(hk *plugin.Hooks) plugin.HookFunc { return hk.BeforeInit })); err != nil {
		return err
	}
	if err := h.runHook(ctx, e, "initialize", e.descriptor.Initialize); err != nil {
		return err
	}
	if err := h.runHook(ctx, e, "afterInit", hookOf(e, func(hk *plugin.Hooks) plugin.HookFunc { return hk.AfterInit })); err != nil {
		return err
	}
	if err := h.setState(e, plugin.StateInitialized); err != nil {
		return err
	}
	e.initialized = true
	return nil
}

// Disable deactivates the plugin, persisting its state first when
// persistence is configured. It refuses with a DependentBlockError while any
// enabled plugin depends on it. Lifecycle failures are routed, not returned.
func (h *Host) Disable(ctx context.Context, id string) error {
	e, ok := h.entry(id)
	if !ok {
		return fmt.Errorf("disable %q: %w", id, plugin.ErrPluginNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentState() == plugin.StateDisabled {
		return nil
	}
	if err := h.graph.CheckRemovable(id, "disable", h.IsEnabled); err != nil {
		return err
	}

	if err := h.setState(e, plugin.StateDisabling); err != nil {
		h.handleError(ctx, e, err, false)
		return nil
	}
	if err := h.runHook(ctx, e, "beforeDisable", hookOf(e, func(hk *plugin.Hooks) plugin.HookFunc { return hk.BeforeDisable })); err != nil {
		h.handleError(ctx, e, err, false)
		return nil
	}
	if e.config.Persistence.Enabled {
		// Persist failures are already logged and published by the
		// store; they do not abort the disable.
		_ = e.store.Persist(ctx)
	}
	if err := h.runHook(ctx, e, "destroy", e.descriptor.Destroy); err != nil {
		h.handleError(ctx, e, err, false)
		return nil
	}
	if err := h.runHook(ctx, e, "afterDisable", hookOf(e, func(hk *plugin.Hooks) plugin.HookFunc { return hk.AfterDisable })); err != nil {
		h.handleError(ctx, e, err, false)
		return nil
	}
	if err := h.setState(e, plugin.StateDisabled); err != nil {
		h.handleError(ctx, e, err, false)
		return nil
	}

	e.initialized = false
	h.stopTicking(e)
	h.computeHealth(e)
	h.logger.Info("plugin disabled", "plugin", id)
	return nil
}

// Unregister removes the plugin entirely: descriptor, config, state store,
// health record, timers and message handlers. It refuses with a
// DependentBlockError while any registered plugin depends on it. Destroy is
// invoked best effort; its failure is logged, not returned.
func (h *Host) Unregister(ctx context.Context, id string) error {
	e, ok := h.entry(id)
	if !ok {
		return fmt.Errorf("unregister %q: %w", id, plugin.ErrPluginNotFound)
	}

	e.mu.Lock()
	if err := h.graph.CheckRemovable(id, "unregister", h.HasPlugin); err != nil {
		e.mu.Unlock()
		return err
	}

	if e.initialized && e.descriptor.Destroy != nil {
		if err := h.runHook(ctx, e, "destroy", e.descriptor.Destroy); err != nil {
			h.logger.Warn("destroy during unregister failed", "plugin", id, "error", err)
		}
	}
	h.stopTicking(e)
	e.mu.Unlock()

	h.mu.Lock()
	delete(h.entries, id)
	h.mu.Unlock()

	h.graph.Remove(id)
	h.monitor.Forget(id)
	h.bus.RemovePlugin(id)

	h.logger.Info("plugin unregistered", "plugin", id)
	return nil
}

// handleError is the single error-recovery path for lifecycle failures.
// Callers hold e.mu. The error is appended to the plugin's history, the
// state moves to crashed (fatal) or error, health is recomputed, the onError
// hook is notified best effort and, for non-fatal errors, the plugin's
// Recover behavior is attempted: success resets the error history and
// returns the plugin to enabled; failure crashes it. An error event is
// always published.
func (h *Host) handleError(ctx context.Context, e *entry, cause error, fatal bool) {
	h.monitor.RecordError(e.id, cause)

	target := plugin.StateError
	if fatal {
		target = plugin.StateCrashed
	}
	h.forceState(e, target)
	h.computeHealth(e)

	h.logger.Error("plugin error", "plugin", e.id, "fatal", fatal, "error", cause)

	if hooks := e.descriptor.Hooks; hooks != nil && hooks.OnError != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Warn("onError hook panicked", "plugin", e.id, "panic", r)
				}
			}()
			hooks.OnError(ctx, e.pctx, cause)
		}()
	}

	if !fatal && e.descriptor.Recover != nil {
		if err := h.runRecover(ctx, e, cause); err != nil {
			h.logger.Error("recovery failed", "plugin", e.id, "error", err)
			h.forceState(e, plugin.StateCrashed)
			h.computeHealth(e)
		} else {
			h.monitor.ResetErrors(e.id)
			h.forceState(e, plugin.StateEnabled)
			h.computeHealth(e)
			h.logger.Info("plugin recovered", "plugin", e.id)
		}
	}

	h.sink.Publish(ports.EventError, ports.ErrorEvent{
		PluginID: e.id,
		Message:  cause.Error(),
		Fatal:    fatal,
	})
}

func (h *Host) runRecover(ctx context.Context, e *entry, cause error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recover panicked: %v", r)
		}
	}()
	return e.descriptor.Recover(ctx, cause, e.pctx)
}

// setState performs a checked transition and publishes a state-changed
// event. Callers hold e.mu.
func (h *Host) setState(e *entry, to plugin.State) error {
	from := e.currentState()
	if !plugin.CanTransition(from, to) {
		return &plugin.InvalidTransitionError{ID: e.id, From: from, To: to}
	}
	h.applyState(e, to)
	return nil
}

// forceState applies an unchecked transition, used for the error, crashed
// and recovery paths. A crashed plugin stays crashed.
func (h *Host) forceState(e *entry, to plugin.State) {
	if e.currentState() == plugin.StateCrashed {
		return
	}
	h.applyState(e, to)
}

func (h *Host) applyState(e *entry, to plugin.State) {
	e.stateMu.Lock()
	e.state = to
	e.stateMu.Unlock()

	h.monitor.SetState(e.id, string(to))
	h.sink.Publish(ports.EventStateChanged, ports.StateChangedEvent{
		PluginID: e.id,
		State:    string(to),
	})
	h.logger.Debug("state changed", "plugin", e.id, "state", to)
}

// runHook invokes a hook or behavior, converting errors and panics into
// LifecycleErrors. A nil fn is a no-op.
func (h *Host) runHook(ctx context.Context, e *entry, phase string, fn plugin.HookFunc) error {
	if fn == nil {
		return nil
	}
	var cause error
	func() {
		defer func() {
			if r := recover(); r != nil {
				cause = fmt.Errorf("panic: %v", r)
			}
		}()
		cause = fn(ctx, e.pctx)
	}()
	if cause != nil {
		return &plugin.LifecycleError{ID: e.id, Phase: phase, Err: cause}
	}
	return nil
}

// hookOf extracts an optional hook from the descriptor's hook record.
func hookOf(e *entry, pick func(*plugin.Hooks) plugin.HookFunc) plugin.HookFunc {
	if e.descriptor.Hooks == nil {
		return nil
	}
	return pick(e.descriptor.Hooks)
}
