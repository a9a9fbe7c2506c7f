package ports

import "sync"

// Event names emitted by the runtime.
const (
	EventStateChanged = "state-changed"
	EventError        = "error"
)

// EventSink receives lifecycle, health and error notifications from the
// runtime. Publish must not block.
type EventSink interface {
	Publish(eventType string, data any)
}

// StateChangedEvent is the payload of EventStateChanged notifications.
// Exactly one of State or Health is set.
type StateChangedEvent struct {
	PluginID string `json:"pluginId"`
	State    string `json:"state,omitempty"`
	Health   any    `json:"health,omitempty"`
}

// ErrorEvent is the payload of EventError notifications.
type ErrorEvent struct {
	PluginID string `json:"pluginId"`
	Message  string `json:"message"`
	Fatal    bool   `json:"fatal"`
}

// NopSink discards all events.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(string, any) {}

// RecordedEvent is an event captured by CaptureSink.
type RecordedEvent struct {
	Type string
	Data any
}

// CaptureSink records published events for inspection in tests.
type CaptureSink struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// NewCaptureSink creates an empty capturing sink.
func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

// Publish implements EventSink.
func (c *CaptureSink) Publish(eventType string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, RecordedEvent{Type: eventType, Data: data})
}

// Events returns a copy of all captured events.
func (c *CaptureSink) Events() []RecordedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RecordedEvent, len(c.events))
	copy(out, c.events)
	return out
}

// ByType returns captured events matching eventType.
func (c *CaptureSink) ByType(eventType string) []RecordedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []RecordedEvent
	for _, ev := range c.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

var (
	_ EventSink = NopSink{}
	_ EventSink = (*CaptureSink)(nil)
)
