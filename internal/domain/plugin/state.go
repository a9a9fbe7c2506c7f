package plugin

// State is a plugin's lifecycle state.
type State string

const (
	// StateRegistered means the plugin is known but not yet activated.
	StateRegistered State = "registered"
	// StateInitializing means Initialize and its hooks are running.
	StateInitializing State = "initializing"
	// StateInitialized means Initialize completed successfully.
	StateInitialized State = "initialized"
	// StateEnabling means the enable sequence is running.
	StateEnabling State = "enabling"
	// StateEnabled means the plugin is active.
	StateEnabled State = "enabled"
	// StateDisabling means the disable sequence is running.
	StateDisabling State = "disabling"
	// StateDisabled means the plugin is idle but still registered.
	StateDisabled State = "disabled"
	// StateError means a recoverable error was recorded.
	StateError State = "error"
	// StateCrashed means a fatal error was recorded; the plugin must be
	// re-registered or explicitly recovered.
	StateCrashed State = "crashed"
)

// transitions lists the permitted lifecycle moves. Error and Crashed are
// additionally reachable from every active state.
var transitions = map[State][]State{
	StateRegistered:   {StateInitializing, StateEnabling},
	StateInitializing: {StateInitialized},
	StateInitialized:  {StateEnabling, StateEnabled},
	StateEnabling:     {StateInitializing, StateEnabled},
	StateEnabled:      {StateDisabling},
	StateDisabling:    {StateDisabled},
	StateDisabled:     {StateEnabling},
	StateError:        {StateInitializing, StateEnabling, StateEnabled, StateDisabling},
	StateCrashed:      {},
}

// CanTransition reports whether moving from one state to another is allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}
	if to == StateError || to == StateCrashed {
		return from != StateCrashed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the state belongs to a running activation.
func (s State) Active() bool {
	switch s {
	case StateInitializing, StateInitialized, StateEnabling, StateEnabled:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }
