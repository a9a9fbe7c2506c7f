// Package messaging provides the in-process message bus: fire-and-forget
// messages, broadcasts and asynchronous request/response with timeouts.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/scribe/internal/log"
)

// DefaultRequestTimeout bounds a request when the caller passes no timeout.
const DefaultRequestTimeout = 5 * time.Second

// Kind classifies a message envelope.
type Kind string

const (
	// KindMessage is a point-to-point fire-and-forget message.
	KindMessage Kind = "message"
	// KindRequest expects a response correlated by id.
	KindRequest Kind = "request"
	// KindResponse answers a request.
	KindResponse Kind = "response"
	// KindBroadcast fans out to every plugin except the sender.
	KindBroadcast Kind = "broadcast"
)

// Message is the envelope delivered to handlers.
type Message struct {
	Kind          Kind      `json:"kind"`
	Source        string    `json:"source"`
	Target        string    `json:"target,omitempty"`
	Channel       string    `json:"channel,omitempty"`
	Data          any       `json:"data"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// MessageHandler consumes fire-and-forget messages and broadcasts. A
// returned error is logged and never surfaced to the sender.
type MessageHandler func(msg Message) error

// RequestHandler answers a request. The first handler to return settles the
// pending call.
type RequestHandler func(ctx context.Context, msg Message) (any, error)

// ErrRequestTimeout settles a call whose handlers did not answer in time.
var ErrRequestTimeout = errors.New("request timed out")

// NoHandlerError indicates the request target has no request handler
// registered on any channel.
type NoHandlerError struct {
	Target string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("plugin %q has no request handler registered", e.Target)
}

// IsNoHandler returns true if the error indicates a missing request handler.
func IsNoHandler(err error) bool {
	var noHandler *NoHandlerError
	return errors.As(err, &noHandler)
}

type messageEntry struct {
	id int
	fn MessageHandler
}

// Bus routes messages between registered plugins. The zero value is not
// usable; construct with NewBus.
type Bus struct {
	mu sync.Mutex

	messages map[string][]messageEntry
	requests map[string]map[string]RequestHandler
	pending  map[string]*Call

	nextEntry      int
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithDefaultTimeout replaces DefaultRequestTimeout as the bound applied
// when Request receives a non-positive timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.defaultTimeout = d
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		messages:       make(map[string][]messageEntry),
		requests:       make(map[string]map[string]RequestHandler),
		pending:        make(map[string]*Call),
		defaultTimeout: DefaultRequestTimeout,
		logger:         log.WithComponent("messaging"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnMessage registers a fire-and-forget handler for pluginID. The returned
// closure removes exactly this handler and prunes the registry entry when it
// becomes empty.
func (b *Bus) OnMessage(pluginID string, fn MessageHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextEntry
	b.nextEntry++
	b.messages[pluginID] = append(b.messages[pluginID], messageEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.messages[pluginID]
		for i, e := range entries {
			if e.id == id {
				b.messages[pluginID] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(b.messages[pluginID]) == 0 {
			delete(b.messages, pluginID)
		}
	}
}

// OnRequest registers the request handler for pluginID on channel, replacing
// any previous handler for that channel. The returned closure removes the
// channel registration.
func (b *Bus) OnRequest(pluginID, channel string, fn RequestHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.requests[pluginID] == nil {
		b.requests[pluginID] = make(map[string]RequestHandler)
	}
	b.requests[pluginID][channel] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		channels, ok := b.requests[pluginID]
		if !ok {
			return
		}
		delete(channels, channel)
		if len(channels) == 0 {
			delete(b.requests, pluginID)
		}
	}
}

// Send delivers a point-to-point message to every handler registered for
// target, in registration order. Each invocation is isolated: a handler
// error or panic is logged and does not stop the remaining handlers.
func (b *Bus) Send(source, target string, data any) {
	msg := Message{
		Kind:      KindMessage,
		Source:    source,
		Target:    target,
		Data:      data,
		Timestamp: time.Now(),
	}
	b.dispatch(target, msg)
}

// Broadcast delivers to every plugin's message handlers except the source's
// own. Channel is carried as informational payload only.
func (b *Bus) Broadcast(source, channel string, data any) {
	msg := Message{
		Kind:      KindBroadcast,
		Source:    source,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	targets := make([]string, 0, len(b.messages))
	for id := range b.messages {
		if id != source {
			targets = append(targets, id)
		}
	}
	b.mu.Unlock()

	for _, target := range targets {
		b.dispatch(target, msg)
	}
}

func (b *Bus) dispatch(target string, msg Message) {
	b.mu.Lock()
	entries := make([]messageEntry, len(b.messages[target]))
	copy(entries, b.messages[target])
	b.mu.Unlock()

	for _, e := range entries {
		if err := b.invokeMessage(e.fn, msg); err != nil {
			b.logger.Warn("message handler failed",
				"source", msg.Source, "target", target, "kind", msg.Kind, "error", err)
		}
	}
}

func (b *Bus) invokeMessage(fn MessageHandler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(msg)
}

// Request sends an asynchronous request to target and returns a Call that
// settles with the first handler response, or with ErrRequestTimeout when the
// timer fires first. It fails immediately when target has no request handler
// on any channel. A non-positive timeout uses the bus default, which is
// DefaultRequestTimeout unless WithDefaultTimeout overrode it.
//
// When channel is non-empty only the matching handler is invoked; otherwise
// every registered handler for target races and the first settlement wins.
func (b *Bus) Request(ctx context.Context, source, target, channel string, data any, timeout time.Duration) (*Call, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	b.mu.Lock()
	channels := b.requests[target]
	if len(channels) == 0 {
		b.mu.Unlock()
		return nil, &NoHandlerError{Target: target}
	}
	handlers := make([]RequestHandler, 0, len(channels))
	if channel != "" {
		if fn, ok := channels[channel]; ok {
			handlers = append(handlers, fn)
		}
	} else {
		for _, fn := range channels {
			handlers = append(handlers, fn)
		}
	}
	if len(handlers) == 0 {
		b.mu.Unlock()
		return nil, &NoHandlerError{Target: target}
	}

	correlationID := fmt.Sprintf("%s:%s:%d:%s", source, target, time.Now().UnixNano(), uuid.NewString()[:8])
	call := newCall(correlationID, func() {
		b.removePending(correlationID)
	})
	b.pending[correlationID] = call
	b.mu.Unlock()

	call.startTimer(timeout, fmt.Errorf("request %s to %q: %w after %s",
		correlationID, target, ErrRequestTimeout, timeout))

	msg := Message{
		Kind:          KindRequest,
		Source:        source,
		Target:        target,
		Channel:       channel,
		Data:          data,
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
	}

	for _, fn := range handlers {
		go b.invokeRequest(ctx, fn, msg, call)
	}
	return call, nil
}

func (b *Bus) invokeRequest(ctx context.Context, fn RequestHandler, msg Message, call *Call) {
	defer func() {
		if r := recover(); r != nil {
			call.reject(fmt.Errorf("request handler panicked: %v", r))
		}
	}()
	value, err := fn(ctx, msg)
	if err != nil {
		call.reject(err)
		return
	}
	call.resolve(value)
}

// RemovePlugin purges every handler registration for pluginID from both
// registries. In-flight calls targeting the plugin are left to time out.
func (b *Bus) RemovePlugin(pluginID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.messages, pluginID)
	delete(b.requests, pluginID)
}

// HasRequestHandlers reports whether target can answer requests.
func (b *Bus) HasRequestHandlers(target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests[target]) > 0
}

// PendingRequests returns the number of unsettled calls.
func (b *Bus) PendingRequests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bus) removePending(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, correlationID)
}
