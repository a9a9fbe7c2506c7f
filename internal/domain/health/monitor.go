// Package health derives per-plugin health status from error history,
// lifecycle state and dependency health.
package health

import (
	"sort"
	"sync"
	"time"
)

// Status classifies a plugin's health.
type Status string

const (
	// StatusHealthy means no recorded errors and healthy dependencies.
	StatusHealthy Status = "healthy"
	// StatusDegraded means recorded errors below the unhealthy threshold,
	// or an unhealthy dependency.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy means the error count reached the unhealthy
	// threshold.
	StatusUnhealthy Status = "unhealthy"
)

// Policy holds the tunable health thresholds.
type Policy struct {
	// DegradedAfter is the error count at which a plugin turns degraded.
	DegradedAfter int
	// UnhealthyAfter is the error count at which a plugin turns unhealthy.
	UnhealthyAfter int
	// TickInterval is the periodic recompute cadence while enabled.
	TickInterval time.Duration
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		DegradedAfter:  1,
		UnhealthyAfter: 4,
		TickInterval:   30 * time.Second,
	}
}

// DependencyHealth is the last-known health of one dependency.
type DependencyHealth struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Status Status `json:"status"`
}

// Snapshot is a computed health record.
type Snapshot struct {
	PluginID      string             `json:"pluginId"`
	State         string             `json:"state"`
	Status        Status             `json:"status"`
	ErrorCount    int                `json:"errorCount"`
	LastError     string             `json:"lastError,omitempty"`
	LastErrorTime time.Time          `json:"lastErrorTime,omitzero"`
	StartTime     time.Time          `json:"startTime,omitzero"`
	Uptime        time.Duration      `json:"uptime,omitempty"`
	Dependencies  []DependencyHealth `json:"dependencies,omitempty"`
	Details       map[string]any     `json:"details,omitempty"`
}

type errorEntry struct {
	message string
	at      time.Time
}

type record struct {
	state     string
	errors    []errorEntry
	startTime time.Time
	last      Snapshot
	computed  bool
}

// Monitor tracks health records for registered plugins. All methods are safe
// for concurrent use and never block.
type Monitor struct {
	mu      sync.RWMutex
	policy  Policy
	now     func() time.Time
	records map[string]*record
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPolicy overrides the default thresholds.
func WithPolicy(p Policy) Option {
	return func(m *Monitor) { m.policy = p }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates an empty monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		policy:  DefaultPolicy(),
		now:     time.Now,
		records: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the active thresholds.
func (m *Monitor) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// Track starts tracking pluginID with the given lifecycle state.
func (m *Monitor) Track(pluginID, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[pluginID] = &record{state: state}
}

// Forget purges the record for pluginID.
func (m *Monitor) Forget(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, pluginID)
}

// SetState updates the recorded lifecycle state.
func (m *Monitor) SetState(pluginID, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[pluginID]; ok {
		r.state = state
	}
}

// SetStartTime records when the plugin became enabled.
func (m *Monitor) SetStartTime(pluginID string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[pluginID]; ok {
		r.startTime = t
	}
}

// RecordError appends to the plugin's error history.
func (m *Monitor) RecordError(pluginID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[pluginID]; ok {
		r.errors = append(r.errors, errorEntry{message: err.Error(), at: m.now()})
	}
}

// ResetErrors clears the error history, after a successful recovery.
func (m *Monitor) ResetErrors(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[pluginID]; ok {
		r.errors = nil
	}
}

// ErrorCount returns the number of recorded errors for pluginID.
func (m *Monitor) ErrorCount(pluginID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.records[pluginID]; ok {
		return len(r.errors)
	}
	return 0
}

// Compute derives a fresh snapshot for pluginID from its error history and
// the last-known health of its dependencies, stores it as the latest record
// and returns it.
//
// custom carries the result of the plugin's CheckHealth hook, shallow-merged
// onto the snapshot details. customFailed forces the status to at least
// degraded, without counting as an own error.
func (m *Monitor) Compute(pluginID string, deps []DependencyHealth, custom map[string]any, customFailed bool) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[pluginID]
	if !ok {
		return Snapshot{}, false
	}

	snap := Snapshot{
		PluginID:     pluginID,
		State:        r.state,
		Status:       StatusHealthy,
		ErrorCount:   len(r.errors),
		StartTime:    r.startTime,
		Dependencies: deps,
	}
	if n := len(r.errors); n > 0 {
		snap.LastError = r.errors[n-1].message
		snap.LastErrorTime = r.errors[n-1].at
	}
	if !r.startTime.IsZero() {
		snap.Uptime = m.now().Sub(r.startTime)
	}

	switch {
	case snap.ErrorCount >= m.policy.UnhealthyAfter:
		snap.Status = StatusUnhealthy
	case snap.ErrorCount >= m.policy.DegradedAfter:
		snap.Status = StatusDegraded
	}

	// An unhealthy dependency degrades this plugin, but it is not an own
	// error.
	if snap.Status == StatusHealthy {
		for _, dep := range deps {
			if dep.Status == StatusUnhealthy {
				snap.Status = StatusDegraded
				break
			}
		}
	}

	if customFailed && snap.Status == StatusHealthy {
		snap.Status = StatusDegraded
	}
	if len(custom) > 0 {
		snap.Details = make(map[string]any, len(custom))
		for k, v := range custom {
			snap.Details[k] = v
		}
	}

	r.last = snap
	r.computed = true
	return snap, true
}

// Latest returns the last computed snapshot for pluginID.
func (m *Monitor) Latest(pluginID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[pluginID]
	if !ok || !r.computed {
		return Snapshot{}, false
	}
	return r.last, true
}

// LatestStatus returns the last computed status, defaulting to healthy when
// none has been computed yet.
func (m *Monitor) LatestStatus(pluginID string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[pluginID]
	if !ok || !r.computed {
		return StatusHealthy
	}
	return r.last.Status
}

// Unhealthy returns the latest snapshots of every tracked plugin whose
// status is not healthy, sorted by plugin id.
func (m *Monitor) Unhealthy() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Snapshot
	for _, r := range m.records {
		if r.computed && r.last.Status != StatusHealthy {
			out = append(out, r.last)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}
