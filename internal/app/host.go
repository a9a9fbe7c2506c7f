// Package app composes the plugin runtime: the registry façade, the
// per-plugin lifecycle controller, health ticking and the host supervisor.
package app

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/scribe/internal/domain/health"
	"github.com/felixgeelhaar/scribe/internal/domain/messaging"
	"github.com/felixgeelhaar/scribe/internal/domain/plugin"
	"github.com/felixgeelhaar/scribe/internal/domain/state"
	"github.com/felixgeelhaar/scribe/internal/log"
	"github.com/felixgeelhaar/scribe/internal/ports"
)

// DefaultNamespace prefixes persisted state keys when none is configured.
const DefaultNamespace = "scribe"

// entry is one registered plugin. The transition mutex serializes lifecycle
// operations per plugin id; stateMu guards only the state word so queries
// never wait on an in-flight transition.
type entry struct {
	mu sync.Mutex // transition lock

	id         string
	descriptor *plugin.Descriptor
	config     plugin.Config
	store      *state.Store
	pctx       *plugin.Context

	stateMu     sync.RWMutex
	state       plugin.State
	initialized bool

	tickStop chan struct{}
	ticking  bool
}

func (e *entry) currentState() plugin.State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// Host is the public entry point of the plugin runtime. It owns the
// dependency graph, the message bus, the health monitor and all per-plugin
// state stores.
type Host struct {
	mu      sync.RWMutex
	entries map[string]*entry

	graph   *plugin.Graph
	bus     *messaging.Bus
	monitor *health.Monitor

	sink         ports.EventSink
	renderer     ports.Renderer
	interactions ports.InteractionManager
	blocks       ports.BlockStateAdapter

	defaultStorage ports.Storage
	storages       map[string]ports.Storage

	namespace      string
	policy         health.Policy
	requestTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Host.
type Option func(*Host)

// WithEventSink sets the sink receiving lifecycle, health and error events.
func WithEventSink(sink ports.EventSink) Option {
	return func(h *Host) { h.sink = sink }
}

// WithRenderer forwards the host renderer into plugin contexts.
func WithRenderer(r ports.Renderer) Option {
	return func(h *Host) { h.renderer = r }
}

// WithInteractionManager forwards the host interaction manager into plugin
// contexts.
func WithInteractionManager(im ports.InteractionManager) Option {
	return func(h *Host) { h.interactions = im }
}

// WithBlockStateAdapter forwards the editor block adapter into plugin
// contexts.
func WithBlockStateAdapter(b ports.BlockStateAdapter) Option {
	return func(h *Host) { h.blocks = b }
}

// WithStorage sets the default persistence backend.
func WithStorage(s ports.Storage) Option {
	return func(h *Host) { h.defaultStorage = s }
}

// WithStorageDriver registers a named persistence backend selectable via
// PersistenceConfig.Driver.
func WithStorageDriver(name string, s ports.Storage) Option {
	return func(h *Host) { h.storages[name] = s }
}

// WithNamespace overrides the persisted-state key namespace.
func WithNamespace(ns string) Option {
	return func(h *Host) { h.namespace = ns }
}

// WithHealthPolicy overrides the health thresholds and tick interval.
func WithHealthPolicy(p health.Policy) Option {
	return func(h *Host) { h.policy = p }
}

// WithRequestTimeout sets the default deadline applied to bus requests made
// without an explicit timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Host) { h.requestTimeout = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

// WithLogger overrides the host logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// New creates a Host. Without options it uses an in-memory storage backend,
// a no-op event sink and the default health policy.
func New(opts ...Option) *Host {
	h := &Host{
		entries:        make(map[string]*entry),
		graph:          plugin.NewGraph(),
		sink:           ports.NopSink{},
		defaultStorage: ports.NewMemoryStorage(),
		storages:       make(map[string]ports.Storage),
		namespace:      DefaultNamespace,
		policy:         health.DefaultPolicy(),
		requestTimeout: messaging.DefaultRequestTimeout,
		now:            time.Now,
		logger:         log.WithComponent("host"),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.bus = messaging.NewBus(messaging.WithDefaultTimeout(h.requestTimeout))
	h.monitor = health.NewMonitor(health.WithPolicy(h.policy), health.WithClock(h.now))
	return h
}

// Bus returns the message bus shared by all plugins.
func (h *Host) Bus() *messaging.Bus { return h.bus }

// HasPlugin reports whether id is registered.
func (h *Host) HasPlugin(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.entries[id]
	return ok
}

// IsEnabled reports whether id is currently enabled.
func (h *Host) IsEnabled(id string) bool {
	e, ok := h.entry(id)
	return ok && e.currentState() == plugin.StateEnabled
}

// PluginState returns the lifecycle state of id.
func (h *Host) PluginState(id string) (plugin.State, bool) {
	e, ok := h.entry(id)
	if !ok {
		return "", false
	}
	return e.currentState(), true
}

// PluginIDs returns all registered ids, sorted.
func (h *Host) PluginIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.entries))
	for id := range h.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LoadOrder returns all registered plugins in dependency order, used for
// diagnostics and bulk activation. Plugins that no dependency relation
// constrains come out higher Priority first, then by id.
func (h *Host) LoadOrder() []string {
	return h.graph.LoadOrderBy(func(a, b string) bool {
		pa, pb := h.priorityOf(a), h.priorityOf(b)
		if pa != pb {
			return pa > pb
		}
		return a < b
	})
}

func (h *Host) priorityOf(id string) int {
	e, ok := h.entry(id)
	if !ok {
		return 0
	}
	return e.config.Priority
}

// Store returns the state store of id.
func (h *Host) Store(id string) (*state.Store, bool) {
	e, ok := h.entry(id)
	if !ok {
		return nil, false
	}
	return e.store, true
}

// RegisterMigration registers a state migration for id.
func (h *Host) RegisterMigration(id string, m state.Migration) error {
	e, ok := h.entry(id)
	if !ok {
		return plugin.ErrPluginNotFound
	}
	e.store.RegisterMigration(m)
	return nil
}

func (h *Host) entry(id string) (*entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[id]
	return e, ok
}

// storageFor selects the backend named by cfg, falling back to the default.
func (h *Host) storageFor(cfg plugin.PersistenceConfig) ports.Storage {
	if cfg.Driver != "" {
		if s, ok := h.storages[cfg.Driver]; ok {
			return s
		}
		h.logger.Warn("unknown storage driver, using default", "driver", cfg.Driver)
	}
	return h.defaultStorage
}
