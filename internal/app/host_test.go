package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/scribe/internal/domain/health"
	"github.com/felixgeelhaar/scribe/internal/domain/messaging"
	"github.com/felixgeelhaar/scribe/internal/domain/plugin"
	"github.com/felixgeelhaar/scribe/internal/domain/state"
	"github.com/felixgeelhaar/scribe/internal/ports"
)

func desc(id string) *plugin.Descriptor {
	return &plugin.Descriptor{ID: id, Name: id, Version: "1.0.0"}
}

func disabled() plugin.Config {
	off := false
	return plugin.Config{Enabled: &off}
}

func stateEvents(sink *ports.CaptureSink) []string {
	var out []string
	for _, ev := range sink.ByType(ports.EventStateChanged) {
		payload, ok := ev.Data.(ports.StateChangedEvent)
		if ok && payload.State != "" {
			out = append(out, payload.State)
		}
	}
	return out
}

func TestHost_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("registers and activates by default", func(t *testing.T) {
		sink := ports.NewCaptureSink()
		h := New(WithEventSink(sink))

		require.NoError(t, h.Register(ctx, desc("markdown"), plugin.Config{}))

		assert.True(t, h.HasPlugin("markdown"))
		assert.True(t, h.IsEnabled("markdown"))
		assert.Equal(t, []string{
			"registered", "enabling", "initializing", "initialized", "enabled",
		}, stateEvents(sink))
	})

	t.Run("disabled config stays registered", func(t *testing.T) {
		h := New()
		require.NoError(t, h.Register(ctx, desc("markdown"), disabled()))

		got, _ := h.PluginState("markdown")
		assert.Equal(t, plugin.StateRegistered, got)
		assert.False(t, h.IsEnabled("markdown"))
	})

	t.Run("invalid descriptor rejected", func(t *testing.T) {
		h := New()
		err := h.Register(ctx, &plugin.Descriptor{ID: "Bad_ID"}, plugin.Config{})
		assert.True(t, plugin.IsValidationError(err))
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		h := New()
		require.NoError(t, h.Register(ctx, desc("markdown"), plugin.Config{}))

		err := h.Register(ctx, desc("markdown"), plugin.Config{})
		var exists *plugin.PluginExistsError
		require.ErrorAs(t, err, &exists)
		assert.Equal(t, "markdown", exists.ID)
	})

	t.Run("missing dependency leaves runtime unchanged", func(t *testing.T) {
		h := New()
		err := h.Register(ctx, desc("word-count"), plugin.Config{
			Dependencies: []string{"markdown"},
		})

		var missing *plugin.MissingDependencyError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, "markdown", missing.Dependency)
		assert.False(t, h.HasPlugin("word-count"))
		assert.Empty(t, h.PluginIDs())
	})

	t.Run("hook order on activation", func(t *testing.T) {
		var order []string
		record := func(phase string) plugin.HookFunc {
			return func(context.Context, *plugin.Context) error {
				order = append(order, phase)
				return nil
			}
		}

		d := desc("markdown")
		d.Hooks = &plugin.Hooks{
			BeforeInit:   record("beforeInit"),
			AfterInit:    record("afterInit"),
			BeforeEnable: record("beforeEnable"),
			AfterEnable:  record("afterEnable"),
		}
		d.Initialize = record("initialize")

		h := New()
		require.NoError(t, h.Register(ctx, d, plugin.Config{}))

		assert.Equal(t, []string{
			"beforeEnable", "beforeInit", "initialize", "afterInit", "afterEnable",
		}, order)
	})

	t.Run("activation failure crashes but registration stands", func(t *testing.T) {
		sink := ports.NewCaptureSink()
		h := New(WithEventSink(sink))

		d := desc("markdown")
		d.Initialize = func(context.Context, *plugin.Context) error {
			return errors.New("no renderer")
		}

		require.NoError(t, h.Register(ctx, d, plugin.Config{}))

		got, _ := h.PluginState("markdown")
		assert.Equal(t, plugin.StateCrashed, got)
		assert.True(t, h.HasPlugin("markdown"))

		errs := sink.ByType(ports.EventError)
		require.Len(t, errs, 1)
		assert.True(t, errs[0].Data.(ports.ErrorEvent).Fatal)
	})
}

func TestHost_Enable(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown plugin", func(t *testing.T) {
		h := New()
		err := h.Enable(ctx, "ghost")
		assert.ErrorIs(t, err, plugin.ErrPluginNotFound)
	})

	t.Run("already enabled is a no-op", func(t *testing.T) {
		calls := 0
		d := desc("markdown")
		d.Initialize = func(context.Context, *plugin.Context) error {
			calls++
			return nil
		}

		h := New()
		require.NoError(t, h.Register(ctx, d, plugin.Config{}))
		require.NoError(t, h.Enable(ctx, "markdown"))

		assert.Equal(t, 1, calls, "initialize runs once per activation")
	})

	t.Run("dependencies enable first", func(t *testing.T) {
		var order []string
		enabling := func(id string) *plugin.Hooks {
			return &plugin.Hooks{
				AfterEnable: func(context.Context, *plugin.Context) error {
					order = append(order, id)
					return nil
				},
			}
		}

		h := New()
		dMarkdown := desc("markdown")
		dMarkdown.Hooks = enabling("markdown")
		dCount := desc("word-count")
		dCount.Hooks = enabling("word-count")

		require.NoError(t, h.Register(ctx, dMarkdown, disabled()))
		cfg := disabled()
		cfg.Dependencies = []string{"markdown"}
		require.NoError(t, h.Register(ctx, dCount, cfg))

		require.NoError(t, h.Enable(ctx, "word-count"))

		assert.Equal(t, []string{"markdown", "word-count"}, order)
		assert.True(t, h.IsEnabled("markdown"))
		assert.True(t, h.IsEnabled("word-count"))
	})

	t.Run("lifecycle failure is routed, not returned", func(t *testing.T) {
		sink := ports.NewCaptureSink()
		h := New(WithEventSink(sink))

		d := desc("markdown")
		d.Hooks = &plugin.Hooks{
			BeforeEnable: func(context.Context, *plugin.Context) error {
				return errors.New("boom")
			},
		}
		require.NoError(t, h.Register(ctx, d, disabled()))

		assert.NoError(t, h.Enable(ctx, "markdown"))

		got, _ := h.PluginState("markdown")
		assert.Equal(t, plugin.StateError, got)
		require.Len(t, sink.ByType(ports.EventError), 1)

		snap, ok := h.PluginHealth("markdown")
		require.True(t, ok)
		assert.Equal(t, health.StatusDegraded, snap.Status)
		assert.Equal(t, 1, snap.ErrorCount)
	})

	t.Run("panicking hook is contained", func(t *testing.T) {
		h := New()
		d := desc("markdown")
		d.Hooks = &plugin.Hooks{
			AfterEnable: func(context.Context, *plugin.Context) error {
				panic("boom")
			},
		}
		require.NoError(t, h.Register(ctx, d, disabled()))

		assert.NotPanics(t, func() { _ = h.Enable(ctx, "markdown") })
		got, _ := h.PluginState("markdown")
		assert.Equal(t, plugin.StateError, got)
	})

	t.Run("successful recovery returns to enabled", func(t *testing.T) {
		h := New()

		failOnce := true
		d := desc("markdown")
		d.Hooks = &plugin.Hooks{
			AfterEnable: func(context.Context, *plugin.Context) error {
				if failOnce {
					failOnce = false
					return errors.New("transient")
				}
				return nil
			},
		}
		d.Recover = func(context.Context, error, *plugin.Context) error {
			return nil
		}
		require.NoError(t, h.Register(ctx, d, disabled()))
		require.NoError(t, h.Enable(ctx, "markdown"))

		assert.True(t, h.IsEnabled("markdown"))
		snap, _ := h.PluginHealth("markdown")
		assert.Equal(t, health.StatusHealthy, snap.Status)
		assert.Zero(t, snap.ErrorCount, "recovery resets the error history")
	})

	t.Run("failed recovery crashes", func(t *testing.T) {
		h := New()

		d := desc("markdown")
		d.Hooks = &plugin.Hooks{
			AfterEnable: func(context.Context, *plugin.Context) error {
				return errors.New("broken")
			},
		}
		d.Recover = func(context.Context, error, *plugin.Context) error {
			return errors.New("still broken")
		}
		require.NoError(t, h.Register(ctx, d, disabled()))
		require.NoError(t, h.Enable(ctx, "markdown"))

		got, _ := h.PluginState("markdown")
		assert.Equal(t, plugin.StateCrashed, got)
	})

	t.Run("onError hook observes the cause", func(t *testing.T) {
		h := New()

		var seen error
		d := desc("markdown")
		cause := errors.New("boom")
		d.Hooks = &plugin.Hooks{
			BeforeEnable: func(context.Context, *plugin.Context) error { return cause },
			OnError: func(_ context.Context, _ *plugin.Context, err error) {
				seen = err
			},
		}
		require.NoError(t, h.Register(ctx, d, disabled()))
		require.NoError(t, h.Enable(ctx, "markdown"))

		assert.ErrorIs(t, seen, cause)
	})
}

func TestHost_ConcurrentTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent enables initialize once", func(t *testing.T) {
		var inits atomic.Int32
		d := desc("markdown")
		d.Initialize = func(context.Context, *plugin.Context) error {
			inits.Add(1)
			time.Sleep(time.Millisecond)
			return nil
		}
		h := New()
		require.NoError(t, h.Register(ctx, d, disabled()))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, h.Enable(ctx, "markdown"))
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), inits.Load())
		assert.True(t, h.IsEnabled("markdown"))
	})

	t.Run("enable and disable race to a coherent state", func(t *testing.T) {
		h := New()
		require.NoError(t, h.Register(ctx, desc("markdown"), plugin.Config{}))

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				if n%2 == 0 {
					assert.NoError(t, h.Enable(ctx, "markdown"))
				} else {
					assert.NoError(t, h.Disable(ctx, "markdown"))
				}
			}(i)
		}
		wg.Wait()

		got, ok := h.PluginState("markdown")
		require.True(t, ok)
		assert.Contains(t, []plugin.State{plugin.StateEnabled, plugin.StateDisabled}, got)
		snap, ok := h.PluginHealth("markdown")
		require.True(t, ok)
		assert.Zero(t, snap.ErrorCount)
	})
}

func TestHost_Disable(t *testing.T) {
	ctx := context.Background()

	t.Run("disable and re-enable", func(t *testing.T) {
		destroys := 0
		inits := 0
		d := desc("markdown")
		d.Initialize = func(context.Context, *plugin.Context) error {
			inits++
			return nil
		}
		d.Destroy = func(context.Context, *plugin.Context) error {
			destroys++
			return nil
		}

		h := New()
		require.NoError(t, h.Register(ctx, d, plugin.Config{}))
		require.NoError(t, h.Disable(ctx, "markdown"))

		got, _ := h.PluginState("markdown")
		assert.Equal(t, plugin.StateDisabled, got)
		assert.Equal(t, 1, destroys)

		require.NoError(t, h.Enable(ctx, "markdown"))
		assert.True(t, h.IsEnabled("markdown"))
		assert.Equal(t, 2, inits, "re-enable reinitializes after destroy")
	})

	t.Run("blocked by enabled dependent", func(t *testing.T) {
		h := New()
		require.NoError(t, h.Register(ctx, desc("markdown"), plugin.Config{}))
		require.NoError(t, h.Register(ctx, desc("word-count"), plugin.Config{
			Dependencies: []string{"markdown"},
		}))

		err := h.Disable(ctx, "markdown")
		var blocked *plugin.DependentBlockError
		require.ErrorAs(t, err, &blocked)
		assert.Equal(t, "word-count", blocked.Dependent)
		assert.True(t, h.IsEnabled("markdown"), "refused disable changes nothing")

		// Dependents first, then the dependency.
		require.NoError(t, h.Disable(ctx, "word-count"))
		require.NoError(t, h.Disable(ctx, "markdown"))
		assert.False(t, h.IsEnabled("markdown"))
	})

	t.Run("disabled dependent does not block", func(t *testing.T) {
		h := New()
		require.NoError(t, h.Register(ctx, desc("markdown"), plugin.Config{}))
		cfg := disabled()
		cfg.Dependencies = []string{"markdown"}
		require.NoError(t, h.Register(ctx, desc("word-count"), cfg))

		assert.NoError(t, h.Disable(ctx, "markdown"))
	})

	t.Run("persists state before destroy", func(t *testing.T) {
		storage := ports.NewMemoryStorage()
		h := New(WithStorage(storage))

		d := desc("word-count")
		d.InitialState = map[string]any{"count": 0}
		require.NoError(t, h.Register(ctx, d, plugin.Config{
			Persistence: plugin.PersistenceConfig{Enabled: true},
		}))

		store, ok := h.Store("word-count")
		require.True(t, ok)
		store.Set("count", 7)

		require.NoError(t, h.Disable(ctx, "word-count"))

		_, found, err := storage.Get(ctx, state.DefaultKey(DefaultNamespace, "word-count"))
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("unknown plugin", func(t *testing.T) {
		h := New()
		assert.ErrorIs(t, h.Disable(ctx, "ghost"), plugin.ErrPluginNotFound)
	})
}

func TestHost_Unregister(t *testing.T) {
	ctx := context.Background()

	t.Run("purges every trace", func(t *testing.T) {
		h := New()
		require.NoError(t, h.Register(ctx, desc("markdown"), plugin.Config{}))
		h.Bus().OnRequest("markdown", "render", func(context.Context, messaging.Message) (any, error) {
			return nil, nil
		})

		require.NoError(t, h.Unregister(ctx, "markdown"))

		assert.False(t, h.HasPlugin("markdown"))
		_, ok := h.PluginHealth("markdown")
		assert.False(t, ok)
		_, ok = h.Store("markdown")
		assert.False(t, ok)
		assert.False(t, h.Bus().HasRequestHandlers("markdown"))
		assert.NotContains(t, h.LoadOrder(), "markdown")
	})

	t.Run("blocked by any registered dependent", func(t *testing.T) {
		h := New()
		require.NoError(t, h.Register(ctx, desc("markdown"), plugin.Config{}))
		cfg := disabled()
		cfg.Dependencies = []string{"markdown"}
		require.NoError(t, h.Register(ctx, desc("word-count"), cfg))

		// Even a disabled dependent blocks unregistration.
		err := h.Unregister(ctx, "markdown")
		assert.True(t, plugin.IsDependentBlock(err))
		assert.True(t, h.HasPlugin("markdown"))

		require.NoError(t, h.Unregister(ctx, "word-count"))
		assert.NoError(t, h.Unregister(ctx, "markdown"))
	})

	t.Run("destroy runs best effort", func(t *testing.T) {
		destroyed := false
		d := desc("markdown")
		d.Destroy = func(context.Context, *plugin.Context) error {
			destroyed = true
			return errors.New("cleanup failed")
		}

		h := New()
		require.NoError(t, h.Register(ctx, d, plugin.Config{}))
		require.NoError(t, h.Unregister(ctx, "markdown"))
		assert.True(t, destroyed)
	})
}

func TestHost_LoadOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("dependencies come first", func(t *testing.T) {
		h := New()
		require.NoError(t, h.Register(ctx, desc("renderer"), disabled()))
		cfg := disabled()
		cfg.Dependencies = []string{"renderer"}
		require.NoError(t, h.Register(ctx, desc("markdown"), cfg))
		cfg = disabled()
		cfg.Dependencies = []string{"markdown"}
		require.NoError(t, h.Register(ctx, desc("word-count"), cfg))

		order := h.LoadOrder()
		require.Len(t, order, 3)
		assert.Equal(t, []string{"renderer", "markdown", "word-count"}, order)
	})

	t.Run("priority breaks ties between independent plugins", func(t *testing.T) {
		h := New()
		require.NoError(t, h.Register(ctx, desc("autosave"), disabled()))
		cfg := disabled()
		cfg.Priority = 10
		require.NoError(t, h.Register(ctx, desc("spellcheck"), cfg))
		cfg = disabled()
		cfg.Priority = 5
		require.NoError(t, h.Register(ctx, desc("markdown"), cfg))

		assert.Equal(t, []string{"spellcheck", "markdown", "autosave"}, h.LoadOrder())
	})

	t.Run("priority never reorders a dependency after its dependent", func(t *testing.T) {
		h := New()
		require.NoError(t, h.Register(ctx, desc("markdown"), disabled()))
		cfg := disabled()
		cfg.Priority = 100
		cfg.Dependencies = []string{"markdown"}
		require.NoError(t, h.Register(ctx, desc("word-count"), cfg))

		assert.Equal(t, []string{"markdown", "word-count"}, h.LoadOrder())
	})
}

func TestHost_StatePersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("restore applies registered migrations", func(t *testing.T) {
		storage := ports.NewMemoryStorage()

		// First lifetime: persist v1 state.
		h := New(WithStorage(storage))
		d := desc("word-count")
		d.InitialState = map[string]any{"count": 3}
		require.NoError(t, h.Register(ctx, d, plugin.Config{
			Persistence: plugin.PersistenceConfig{Enabled: true},
		}))
		require.NoError(t, h.PersistState(ctx, "word-count"))

		// Second lifetime: same backend, new schema.
		h2 := New(WithStorage(storage))
		require.NoError(t, h2.Register(ctx, desc("word-count"), plugin.Config{
			Persistence: plugin.PersistenceConfig{Enabled: true},
		}))
		require.NoError(t, h2.RegisterMigration("word-count", state.Migration{
			TargetVersion: 2,
			Migrate: func(data map[string]any) (map[string]any, error) {
				data["words"] = data["count"]
				delete(data, "count")
				return data, nil
			},
		}))
		require.NoError(t, h2.RestoreState(ctx, "word-count"))

		store, _ := h2.Store("word-count")
		v, ok := store.Get("words")
		require.True(t, ok)
		assert.Equal(t, float64(3), v)
		assert.Equal(t, 2, store.Version().Version)
	})

	t.Run("named storage driver", func(t *testing.T) {
		fallback := ports.NewMemoryStorage()
		named := ports.NewMemoryStorage()
		h := New(WithStorage(fallback), WithStorageDriver("scratch", named))

		require.NoError(t, h.Register(ctx, desc("markdown"), plugin.Config{
			Persistence: plugin.PersistenceConfig{Enabled: true, Driver: "scratch"},
		}))
		require.NoError(t, h.PersistState(ctx, "markdown"))

		_, found, err := named.Get(ctx, state.DefaultKey(DefaultNamespace, "markdown"))
		require.NoError(t, err)
		assert.True(t, found)
		assert.Zero(t, fallback.Len())
	})

	t.Run("custom key overrides default", func(t *testing.T) {
		storage := ports.NewMemoryStorage()
		h := New(WithStorage(storage))

		require.NoError(t, h.Register(ctx, desc("markdown"), plugin.Config{
			Persistence: plugin.PersistenceConfig{Enabled: true, Key: "custom:markdown"},
		}))
		require.NoError(t, h.PersistState(ctx, "markdown"))

		_, found, err := storage.Get(ctx, "custom:markdown")
		require.NoError(t, err)
		assert.True(t, found)
	})
}

func TestHost_EditorCapabilities(t *testing.T) {
	ctx := context.Background()

	renderer := ports.NewMockRenderer()
	interactions := ports.NewMockInteractionManager()
	blocks := ports.NewMockBlockStateAdapter()
	h := New(
		WithRenderer(renderer),
		WithInteractionManager(interactions),
		WithBlockStateAdapter(blocks),
	)

	var unregisterShortcut func()
	d := desc("markdown")
	d.Initialize = func(ctx context.Context, pc *plugin.Context) error {
		if err := pc.Blocks.CreateBlock(ctx, ports.Block{
			ID:      "intro",
			Type:    "markdown",
			Content: map[string]any{"text": "# Hello"},
		}); err != nil {
			return err
		}
		if err := pc.Renderer.RenderBlock(ctx, "intro", map[string]any{"html": "<h1>Hello</h1>"}); err != nil {
			return err
		}
		var err error
		unregisterShortcut, err = pc.Interactions.RegisterShortcut("mod+b", func() {})
		return err
	}
	d.Destroy = func(ctx context.Context, pc *plugin.Context) error {
		unregisterShortcut()
		return pc.Renderer.RemoveBlock(ctx, "intro")
	}

	require.NoError(t, h.Register(ctx, d, plugin.Config{}))

	block, ok := blocks.GetBlock(ctx, "intro")
	require.True(t, ok)
	assert.Equal(t, "markdown", block.Type)
	assert.Equal(t, []string{"intro"}, renderer.Rendered)

	require.NoError(t, h.Disable(ctx, "markdown"))
	assert.Equal(t, []string{"intro"}, renderer.Removed)
}

func TestHost_Messaging(t *testing.T) {
	ctx := context.Background()
	h := New()

	// Plugins wire their handlers through the context during initialization.
	received := make(chan messaging.Message, 1)
	d := desc("word-count")
	d.Initialize = func(_ context.Context, pc *plugin.Context) error {
		pc.Messaging.OnMessage(pc.PluginID, func(msg messaging.Message) error {
			received <- msg
			return nil
		})
		pc.Messaging.OnRequest(pc.PluginID, "count", func(_ context.Context, msg messaging.Message) (any, error) {
			return len(msg.Data.(string)), nil
		})
		return nil
	}
	require.NoError(t, h.Register(ctx, d, plugin.Config{}))

	h.Bus().Send("editor", "word-count", "document saved")
	select {
	case msg := <-received:
		assert.Equal(t, "editor", msg.Source)
		assert.Equal(t, "document saved", msg.Data)
	default:
		t.Fatal("message was not delivered")
	}

	call, err := h.Bus().Request(ctx, "editor", "word-count", "count", "four words right here", 0)
	require.NoError(t, err)
	value, err := call.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 21, value)
}

func TestHost_RequestTimeoutOption(t *testing.T) {
	ctx := context.Background()
	h := New(WithRequestTimeout(20 * time.Millisecond))

	release := make(chan struct{})
	defer close(release)
	d := desc("spellcheck")
	d.Initialize = func(_ context.Context, pc *plugin.Context) error {
		pc.Messaging.OnRequest(pc.PluginID, "check", func(_ context.Context, _ messaging.Message) (any, error) {
			<-release
			return nil, nil
		})
		return nil
	}
	require.NoError(t, h.Register(ctx, d, plugin.Config{}))

	call, err := h.Bus().Request(ctx, "editor", "spellcheck", "check", nil, 0)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = call.Await(waitCtx)
	assert.ErrorIs(t, err, messaging.ErrRequestTimeout)
}
