package app

import (
	"context"
	"time"

	"github.com/felixgeelhaar/scribe/internal/domain/health"
	"github.com/felixgeelhaar/scribe/internal/domain/plugin"
	"github.com/felixgeelhaar/scribe/internal/ports"
)

// PluginHealth computes and returns a fresh health snapshot for id.
func (h *Host) PluginHealth(id string) (health.Snapshot, bool) {
	e, ok := h.entry(id)
	if !ok {
		return health.Snapshot{}, false
	}
	return h.computeHealth(e)
}

// UnhealthyPlugins returns the latest snapshots of every plugin whose status
// is not healthy.
func (h *Host) UnhealthyPlugins() []health.Snapshot {
	return h.monitor.Unhealthy()
}

// computeHealth derives a snapshot from the plugin's error history, the
// last-known status of its dependencies and its optional CheckHealth hook.
func (h *Host) computeHealth(e *entry) (health.Snapshot, bool) {
	var deps []health.DependencyHealth
	for _, dep := range h.graph.Dependencies(e.id) {
		depState, _ := h.PluginState(dep)
		deps = append(deps, health.DependencyHealth{
			ID:     dep,
			State:  string(depState),
			Status: h.monitor.LatestStatus(dep),
		})
	}

	var custom map[string]any
	customFailed := false
	if hooks := e.descriptor.Hooks; hooks != nil && hooks.CheckHealth != nil {
		custom, customFailed = h.runHealthHook(e, hooks.CheckHealth)
	}

	return h.monitor.Compute(e.id, deps, custom, customFailed)
}

func (h *Host) runHealthHook(e *entry, fn func(context.Context, *plugin.Context) (map[string]any, error)) (out map[string]any, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("checkHealth hook panicked", "plugin", e.id, "panic", r)
			out, failed = nil, true
		}
	}()
	res, err := fn(context.Background(), e.pctx)
	if err != nil {
		h.logger.Warn("checkHealth hook failed", "plugin", e.id, "error", err)
		return nil, true
	}
	return res, false
}

// startTicking begins the periodic health recompute for an enabled plugin.
// Callers hold e.mu.
func (h *Host) startTicking(e *entry) {
	if e.ticking {
		return
	}
	stop := make(chan struct{})
	e.tickStop = stop
	e.ticking = true

	interval := h.policy.TickInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if snap, ok := h.computeHealth(e); ok {
					h.sink.Publish(ports.EventStateChanged, ports.StateChangedEvent{
						PluginID: e.id,
						Health:   snap,
					})
				}
			}
		}
	}()
}

// stopTicking cancels the health ticker exactly once. Callers hold e.mu.
func (h *Host) stopTicking(e *entry) {
	if !e.ticking {
		return
	}
	close(e.tickStop)
	e.ticking = false
}

// PersistState writes id's state through its configured backend.
func (h *Host) PersistState(ctx context.Context, id string) error {
	e, ok := h.entry(id)
	if !ok {
		return plugin.ErrPluginNotFound
	}
	return e.store.Persist(ctx)
}

// RestoreState loads and migrates id's persisted state. On failure the live
// state is left unchanged.
func (h *Host) RestoreState(ctx context.Context, id string) error {
	e, ok := h.entry(id)
	if !ok {
		return plugin.ErrPluginNotFound
	}
	return e.store.Restore(ctx)
}
