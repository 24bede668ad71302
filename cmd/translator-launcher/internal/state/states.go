package state

// State represents the current state of the launcher
type State string

const (
	// StateInitializing represents the initial startup state
	StateInitializing State = "initializing"

	// StateLaunchingBackend represents spawning the translation backend
	StateLaunchingBackend State = "launching_backend"

	// StateWaitingForBackend represents polling /health until the backend is ready
	StateWaitingForBackend State = "waiting_for_backend"

	// StateReady represents a healthy backend with the UI loaded
	StateReady State = "ready"

	// StateRestarting represents stopping the backend to relaunch it, e.g. after a credential change
	StateRestarting State = "restarting"

	// StateStartupFailed represents a failed launch waiting for the user's retry/exit choice
	StateStartupFailed State = "startup_failed"

	// StateBackendCrashed represents an unsolicited backend exit after it was ready
	StateBackendCrashed State = "backend_crashed"

	// StateShuttingDown represents clean shutdown in progress
	StateShuttingDown State = "shutting_down"
)

// Event represents events that can trigger state transitions
type Event string

const (
	// EventStart triggers initial startup
	EventStart Event = "start"

	// EventBackendStarted indicates the backend process was spawned
	EventBackendStarted Event = "backend_started"

	// EventSpawnFailed indicates the backend could not be spawned
	EventSpawnFailed Event = "spawn_failed"

	// EventBackendReady indicates the readiness probe succeeded
	EventBackendReady Event = "backend_ready"

	// EventStartupTimeout indicates the readiness budget ran out
	EventStartupTimeout Event = "startup_timeout"

	// EventBackendExited indicates the backend exited without being asked to
	EventBackendExited Event = "backend_exited"

	// EventLoadFailed indicates the UI could not be loaded
	EventLoadFailed Event = "load_failed"

	// EventRestart triggers a stop followed by a relaunch on the same port
	EventRestart Event = "restart"

	// EventBackendStopped indicates the stop requested by a restart finished
	EventBackendStopped Event = "backend_stopped"

	// EventRetry triggers a relaunch chosen by the user
	EventRetry Event = "retry"

	// EventActivate indicates a second launch asked this instance to come forward
	EventActivate Event = "activate"

	// EventShutdown triggers shutdown
	EventShutdown Event = "shutdown"
)

// Info provides metadata about each state
type Info struct {
	Name        State
	Description string
	IsError     bool
	CanRetry    bool
	UserMessage string
}

var stateInfo = map[State]Info{
	StateInitializing: {
		Name:        StateInitializing,
		Description: "Initializing launcher",
		UserMessage: "Starting up...",
	},
	StateLaunchingBackend: {
		Name:        StateLaunchingBackend,
		Description: "Launching translation backend",
		UserMessage: "Starting translation server...",
	},
	StateWaitingForBackend: {
		Name:        StateWaitingForBackend,
		Description: "Waiting for backend health check",
		UserMessage: "Translation server starting up...",
	},
	StateReady: {
		Name:        StateReady,
		Description: "Backend ready and UI loaded",
		UserMessage: "Ready",
	},
	StateRestarting: {
		Name:        StateRestarting,
		Description: "Restarting translation backend",
		UserMessage: "Restarting translation server...",
	},
	StateStartupFailed: {
		Name:        StateStartupFailed,
		Description: "Backend failed to start",
		UserMessage: "Translation server failed to start - check logs",
		IsError:     true,
		CanRetry:    true,
	},
	StateBackendCrashed: {
		Name:        StateBackendCrashed,
		Description: "Backend exited unexpectedly",
		UserMessage: "Translation server stopped unexpectedly",
		IsError:     true,
		CanRetry:    true,
	},
	StateShuttingDown: {
		Name:        StateShuttingDown,
		Description: "Shutting down gracefully",
		UserMessage: "Shutting down...",
	},
}

// GetInfo returns metadata for a given state
func GetInfo(state State) Info {
	if info, exists := stateInfo[state]; exists {
		return info
	}

	// Default for unknown states
	return Info{
		Name:        state,
		Description: string(state),
		UserMessage: string(state),
	}
}

var validTransitions = map[State][]State{
	StateInitializing: {
		StateLaunchingBackend,
		StateShuttingDown,
	},
	StateLaunchingBackend: {
		StateWaitingForBackend,
		StateStartupFailed,
		StateRestarting,
		StateShuttingDown,
	},
	StateWaitingForBackend: {
		StateReady,
		StateStartupFailed,
		StateRestarting,
		StateShuttingDown,
	},
	StateReady: {
		StateBackendCrashed,
		StateStartupFailed, // UI load failed
		StateRestarting,
		StateShuttingDown,
	},
	StateRestarting: {
		StateLaunchingBackend,
		StateShuttingDown,
	},
	StateStartupFailed: {
		StateLaunchingBackend,
		StateRestarting,
		StateShuttingDown,
	},
	StateBackendCrashed: {
		StateLaunchingBackend,
		StateRestarting,
		StateShuttingDown,
	},
	StateShuttingDown: {
		// Terminal state - no transitions out
	},
}

// CanTransition checks if a transition from one state to another is valid
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsBackendActive reports whether a backend process may exist in the given state
func IsBackendActive(s State) bool {
	switch s {
	case StateLaunchingBackend, StateWaitingForBackend, StateReady, StateRestarting:
		return true
	}
	return false
}
