// Package state provides the per-plugin versioned state store: in-memory
// key/value state, snapshots, JSON persistence and ordered migrations.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/scribe/internal/log"
	"github.com/felixgeelhaar/scribe/internal/ports"
)

// VersionInfo records the schema version of persisted state and the
// migrations that produced it.
type VersionInfo struct {
	Version    int      `json:"version"`
	Timestamp  int64    `json:"timestamp"`
	Migrations []string `json:"migrations"`
}

// Record is the persisted JSON shape of a plugin's state.
type Record struct {
	Version VersionInfo    `json:"version"`
	Data    map[string]any `json:"data"`
}

// Migration transforms stored state to a newer schema version. Validate is
// optional; when present it must accept the migrated value.
type Migration struct {
	TargetVersion int
	Migrate       func(data map[string]any) (map[string]any, error)
	Validate      func(data map[string]any) bool
}

// DefaultKey builds the storage key for a plugin's persisted state.
func DefaultKey(namespace, pluginID string) string {
	return fmt.Sprintf("%s:plugin:%s:state", namespace, pluginID)
}

// Store holds one plugin's state. All methods are safe for concurrent use;
// queries never block on I/O.
type Store struct {
	mu sync.RWMutex

	pluginID string
	key      string
	persist  bool
	storage  ports.Storage
	sink     ports.EventSink
	logger   *slog.Logger

	initial  map[string]any
	current  map[string]any
	snapshot map[string]any
	hasSnap  bool

	version    VersionInfo
	migrations []Migration

	subs    map[int]func(map[string]any)
	nextSub int
}

// Option configures a Store.
type Option func(*Store)

// WithPersistence enables persistence to the given backend under key.
func WithPersistence(storage ports.Storage, key string) Option {
	return func(s *Store) {
		s.persist = true
		s.storage = storage
		s.key = key
	}
}

// WithEventSink sets the sink for error events.
func WithEventSink(sink ports.EventSink) Option {
	return func(s *Store) {
		s.sink = sink
	}
}

// WithVersion sets the initial schema version.
func WithVersion(version int) Option {
	return func(s *Store) {
		s.version.Version = version
	}
}

// NewStore creates a store seeded from initial. The initial value is copied;
// later mutations of the argument do not leak in.
func NewStore(pluginID string, initial map[string]any, opts ...Option) *Store {
	s := &Store{
		pluginID: pluginID,
		initial:  cloneMap(initial),
		current:  cloneMap(initial),
		version: VersionInfo{
			Version:    1,
			Timestamp:  time.Now().UnixMilli(),
			Migrations: []string{},
		},
		sink:   ports.NopSink{},
		logger: log.WithPlugin(pluginID).With(slog.String("component", "state")),
		subs:   make(map[int]func(map[string]any)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.current[key]
	return v, ok
}

// Set stores value under key and notifies subscribers.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	s.current[key] = value
	snapshot := cloneMap(s.current)
	subs := s.subscribersLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// State returns a copy of the full current state.
func (s *Store) State() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMap(s.current)
}

// SetState shallow-merges partial into the current state and notifies
// subscribers.
func (s *Store) SetState(partial map[string]any) {
	s.mu.Lock()
	for k, v := range partial {
		s.current[k] = v
	}
	snapshot := cloneMap(s.current)
	subs := s.subscribersLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// Reset discards the current state and restores the initial value.
func (s *Store) Reset() {
	s.mu.Lock()
	s.current = cloneMap(s.initial)
	snapshot := cloneMap(s.current)
	subs := s.subscribersLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// Save records an in-memory snapshot of the current state.
func (s *Store) Save() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = cloneMap(s.current)
	s.hasSnap = true
}

// RestoreSnapshot replaces the current state with the last saved snapshot.
// It is a no-op when no snapshot exists.
func (s *Store) RestoreSnapshot() bool {
	s.mu.Lock()
	if !s.hasSnap {
		s.mu.Unlock()
		return false
	}
	s.current = cloneMap(s.snapshot)
	snapshot := cloneMap(s.current)
	subs := s.subscribersLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
	return true
}

// Subscribe registers a handler invoked with a state copy after every
// mutation. The returned closure removes exactly this handler.
func (s *Store) Subscribe(fn func(state map[string]any)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Version returns the current schema version info.
func (s *Store) Version() VersionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.version
	out.Migrations = append([]string(nil), s.version.Migrations...)
	return out
}

// RegisterMigration inserts m keeping migrations sorted ascending by target
// version. Insertion order is preserved for equal targets.
func (s *Store) RegisterMigration(m Migration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrations = append(s.migrations, m)
	sort.SliceStable(s.migrations, func(i, j int) bool {
		return s.migrations[i].TargetVersion < s.migrations[j].TargetVersion
	})
}

// Persist writes the current state to the configured backend. It is a no-op
// when persistence is disabled. Serialization and storage failures are
// logged, published as error events and returned.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.RLock()
	if !s.persist {
		s.mu.RUnlock()
		return nil
	}
	record := Record{Version: s.version, Data: cloneMap(s.current)}
	record.Version.Migrations = append([]string(nil), s.version.Migrations...)
	validator := s.validatorForLocked(s.version.Version)
	key := s.key
	storage := s.storage
	s.mu.RUnlock()

	if validator != nil && !validator(record.Data) {
		return s.fail("persist", fmt.Errorf("state failed validation for version %d", record.Version.Version))
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return s.fail("persist", fmt.Errorf("serialize state: %w", err))
	}
	if err := storage.Set(ctx, key, raw); err != nil {
		return s.fail("persist", fmt.Errorf("write state: %w", err))
	}

	s.logger.Debug("state persisted", "key", key, "bytes", len(raw))
	return nil
}

// Restore loads persisted state, applies pending migrations and replaces the
// in-memory state. On any parse or migration failure the live state is left
// unchanged, the failure is logged and published as an error event, and the
// error is returned.
func (s *Store) Restore(ctx context.Context) error {
	s.mu.RLock()
	if !s.persist {
		s.mu.RUnlock()
		return nil
	}
	key := s.key
	storage := s.storage
	s.mu.RUnlock()

	raw, ok, err := storage.Get(ctx, key)
	if err != nil {
		return s.fail("restore", fmt.Errorf("read state: %w", err))
	}
	if !ok {
		return nil
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return s.fail("restore", fmt.Errorf("parse state: %w", err))
	}

	data, version, err := s.migrate(record)
	if err != nil {
		return s.fail("restore", err)
	}

	s.mu.Lock()
	s.current = data
	s.version = version
	snapshot := cloneMap(s.current)
	subs := s.subscribersLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
	return nil
}

// MigrationError wraps a failure while applying or validating a migration.
type MigrationError struct {
	PluginID      string
	TargetVersion int
	Err           error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("plugin %q: migration to version %d failed: %v", e.PluginID, e.TargetVersion, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// migrate applies every registered migration above the record's version in
// ascending order. The chain is atomic: a mid-chain failure discards all
// intermediate results.
func (s *Store) migrate(record Record) (map[string]any, VersionInfo, error) {
	s.mu.RLock()
	pending := make([]Migration, 0, len(s.migrations))
	for _, m := range s.migrations {
		if m.TargetVersion > record.Version.Version {
			pending = append(pending, m)
		}
	}
	s.mu.RUnlock()

	data := cloneMap(record.Data)
	version := record.Version
	version.Migrations = append([]string(nil), record.Version.Migrations...)

	for _, m := range pending {
		migrated, err := applyMigration(m, data)
		if err != nil {
			return nil, VersionInfo{}, &MigrationError{
				PluginID:      s.pluginID,
				TargetVersion: m.TargetVersion,
				Err:           err,
			}
		}
		if m.Validate != nil && !m.Validate(migrated) {
			return nil, VersionInfo{}, &MigrationError{
				PluginID:      s.pluginID,
				TargetVersion: m.TargetVersion,
				Err:           fmt.Errorf("validation rejected migrated state"),
			}
		}
		version.Migrations = append(version.Migrations,
			fmt.Sprintf("v%d -> v%d", version.Version, m.TargetVersion))
		version.Version = m.TargetVersion
		data = migrated
	}

	version.Timestamp = time.Now().UnixMilli()
	return data, version, nil
}

// applyMigration runs a single migration step, converting panics into errors
// so a misbehaving migration cannot take down the runtime.
func applyMigration(m Migration, data map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("migration panicked: %v", r)
		}
	}()
	if m.Migrate == nil {
		return data, nil
	}
	return m.Migrate(data)
}

// validatorForLocked returns the validator of the migration matching the
// given version, if one is registered. Callers must hold s.mu.
func (s *Store) validatorForLocked(version int) func(map[string]any) bool {
	for _, m := range s.migrations {
		if m.TargetVersion == version {
			return m.Validate
		}
	}
	return nil
}

// subscribersLocked returns the subscriber list in registration order.
// Callers must hold s.mu.
func (s *Store) subscribersLocked() []func(map[string]any) {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(map[string]any), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subs[id])
	}
	return out
}

func (s *Store) fail(op string, err error) error {
	s.logger.Error(op+" failed", "error", err)
	s.sink.Publish(ports.EventError, ports.ErrorEvent{
		PluginID: s.pluginID,
		Message:  err.Error(),
	})
	return err
}

// cloneMap deep-copies a JSON-shaped map.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
