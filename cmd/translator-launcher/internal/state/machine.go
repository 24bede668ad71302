package state

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Signal is an event tagged with the launch it belongs to. Launch 0 means
// the event is not tied to a launch (start, restart, shutdown, activation).
type Signal struct {
	Event  Event
	Launch uint64
	Err    error
}

// Transition represents a state change with metadata
type Transition struct {
	From      State
	To        State
	Event     Event
	Launch    uint64 // launch generation current after the transition
	Timestamp time.Time
	Error     error
}

// Machine manages state transitions for the launcher
type Machine struct {
	mu           sync.RWMutex
	currentState State
	launch       uint64
	lastError    error
	logger       *zap.SugaredLogger

	// Channels for communication
	eventCh       chan Signal
	shutdownCh    chan struct{}
	subscribers   []chan Transition
	subscribersMu sync.RWMutex
	startOnce     sync.Once

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMachine creates a new state machine
func NewMachine(logger *zap.SugaredLogger) *Machine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Machine{
		currentState: StateInitializing,
		logger:       logger,
		eventCh:      make(chan Signal, 64),
		shutdownCh:   make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start starts the state machine loop
func (m *Machine) Start() {
	m.startOnce.Do(func() {
		m.logger.Infow("State machine starting", "initial_state", m.CurrentState())
		go m.run()
	})
}

// SendEvent sends an untagged event to the state machine
func (m *Machine) SendEvent(event Event) {
	m.Send(Signal{Event: event})
}

// Send delivers a signal unless the machine has already stopped
func (m *Machine) Send(sig Signal) {
	select {
	case m.eventCh <- sig:
		m.logger.Debugw("Event sent", "event", sig.Event, "launch", sig.Launch)
	case <-m.ctx.Done():
		m.logger.Debugw("Event dropped after shutdown", "event", sig.Event)
	}
}

// CurrentState returns the current state
func (m *Machine) CurrentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentState
}

// Launch returns the current launch generation
func (m *Machine) Launch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.launch
}

// LastError returns the error carried by the most recent failure event
func (m *Machine) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Subscribe returns a channel receiving every transition in order.
// Subscribers must keep draining it until Done is closed.
func (m *Machine) Subscribe() <-chan Transition {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()

	ch := make(chan Transition, 32)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Done is closed once the machine loop has exited
func (m *Machine) Done() <-chan struct{} {
	return m.shutdownCh
}

// Shutdown drives the machine into its terminal state and waits for the loop to stop
func (m *Machine) Shutdown() {
	m.logger.Info("State machine shutting down")
	m.SendEvent(EventShutdown)

	select {
	case <-m.shutdownCh:
		m.logger.Info("State machine shut down gracefully")
	case <-time.After(5 * time.Second):
		m.logger.Warn("State machine shutdown timeout, forcing")
	}

	m.cancel()
}

// run is the main state machine loop
func (m *Machine) run() {
	defer close(m.shutdownCh)
	defer m.cancel()

	for {
		select {
		case sig := <-m.eventCh:
			m.handleSignal(sig)
		case <-m.ctx.Done():
			m.logger.Info("State machine context cancelled")
			return
		}

		if m.CurrentState() == StateShuttingDown {
			m.logger.Info("State machine reached terminal state")
			return
		}
	}
}

// handleSignal processes a signal and potentially triggers a state transition
func (m *Machine) handleSignal(sig Signal) {
	m.mu.RLock()
	currentState, launch := m.currentState, m.launch
	m.mu.RUnlock()

	if sig.Launch != 0 && sig.Launch != launch {
		m.logger.Debugw("Dropping stale event",
			"event", sig.Event, "event_launch", sig.Launch, "current_launch", launch)
		return
	}

	newState := determineNewState(currentState, sig.Event)
	if newState == currentState {
		m.logger.Debugw("No valid transition found", "current_state", currentState, "event", sig.Event)
		return
	}

	m.transition(currentState, newState, sig)
}

// determineNewState determines the new state based on current state and event
func determineNewState(currentState State, event Event) State {
	if event == EventShutdown {
		return StateShuttingDown
	}

	switch currentState {
	case StateInitializing:
		if event == EventStart {
			return StateLaunchingBackend
		}

	case StateLaunchingBackend:
		switch event {
		case EventBackendStarted:
			return StateWaitingForBackend
		case EventSpawnFailed, EventBackendExited:
			return StateStartupFailed
		case EventRestart:
			return StateRestarting
		}

	case StateWaitingForBackend:
		switch event {
		case EventBackendReady:
			return StateReady
		case EventStartupTimeout, EventBackendExited:
			return StateStartupFailed
		case EventRestart:
			return StateRestarting
		}

	case StateReady:
		switch event {
		case EventBackendExited:
			return StateBackendCrashed
		case EventLoadFailed:
			return StateStartupFailed
		case EventRestart:
			return StateRestarting
		}

	case StateRestarting:
		if event == EventBackendStopped {
			return StateLaunchingBackend
		}

	case StateStartupFailed:
		switch event {
		case EventRetry:
			return StateLaunchingBackend
		case EventRestart:
			return StateRestarting
		}

	case StateBackendCrashed:
		switch event {
		case EventRetry, EventActivate:
			return StateLaunchingBackend
		case EventRestart:
			return StateRestarting
		}

	case StateShuttingDown:
		// Terminal state - no transitions
	}

	return currentState
}

// transition performs a state transition
func (m *Machine) transition(from, to State, sig Signal) {
	if !CanTransition(from, to) {
		m.logger.Errorw("Invalid state transition", "from", from, "to", to, "event", sig.Event)
		return
	}

	m.mu.Lock()
	m.currentState = to
	if to == StateLaunchingBackend {
		m.launch++
	}
	if sig.Err != nil {
		m.lastError = sig.Err
	} else if !GetInfo(to).IsError {
		m.lastError = nil
	}
	transition := Transition{
		From:      from,
		To:        to,
		Event:     sig.Event,
		Launch:    m.launch,
		Timestamp: time.Now(),
		Error:     sig.Err,
	}
	m.mu.Unlock()

	m.logger.Infow("State transition",
		"from", from,
		"to", to,
		"event", sig.Event,
		"launch", transition.Launch)

	m.notifySubscribers(transition)
}

// notifySubscribers delivers the transition to every subscriber, in order
func (m *Machine) notifySubscribers(transition Transition) {
	m.subscribersMu.RLock()
	defer m.subscribersMu.RUnlock()

	for _, subscriber := range m.subscribers {
		select {
		case subscriber <- transition:
		case <-m.ctx.Done():
			return
		}
	}
}
