package state

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDetermineNewState(t *testing.T) {
	tests := []struct {
		name     string
		from     State
		event    Event
		expected State
	}{
		{"start launches backend", StateInitializing, EventStart, StateLaunchingBackend},
		{"spawned backend is probed", StateLaunchingBackend, EventBackendStarted, StateWaitingForBackend},
		{"spawn failure", StateLaunchingBackend, EventSpawnFailed, StateStartupFailed},
		{"exit before started event", StateLaunchingBackend, EventBackendExited, StateStartupFailed},
		{"probe success", StateWaitingForBackend, EventBackendReady, StateReady},
		{"probe timeout", StateWaitingForBackend, EventStartupTimeout, StateStartupFailed},
		{"exit while waiting is a startup failure", StateWaitingForBackend, EventBackendExited, StateStartupFailed},
		{"exit after ready is a crash", StateReady, EventBackendExited, StateBackendCrashed},
		{"load failure", StateReady, EventLoadFailed, StateStartupFailed},
		{"credential restart from ready", StateReady, EventRestart, StateRestarting},
		{"credential restart while waiting", StateWaitingForBackend, EventRestart, StateRestarting},
		{"restart from failure", StateStartupFailed, EventRestart, StateRestarting},
		{"stopped backend relaunches", StateRestarting, EventBackendStopped, StateLaunchingBackend},
		{"user retry", StateStartupFailed, EventRetry, StateLaunchingBackend},
		{"retry after crash", StateBackendCrashed, EventRetry, StateLaunchingBackend},
		{"activation relaunches crashed backend", StateBackendCrashed, EventActivate, StateLaunchingBackend},
		{"activation is ignored when ready", StateReady, EventActivate, StateReady},
		{"retry is ignored when ready", StateReady, EventRetry, StateReady},
		{"ready is ignored while restarting", StateRestarting, EventBackendReady, StateRestarting},
		{"restart is ignored before start", StateInitializing, EventRestart, StateInitializing},
		{"shutdown from initializing", StateInitializing, EventShutdown, StateShuttingDown},
		{"shutdown from ready", StateReady, EventShutdown, StateShuttingDown},
		{"shutdown from restarting", StateRestarting, EventShutdown, StateShuttingDown},
		{"shutting down is terminal", StateShuttingDown, EventStart, StateShuttingDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := determineNewState(tt.from, tt.event)
			assert.Equal(t, tt.expected, got)
			if got != tt.from {
				assert.True(t, CanTransition(tt.from, got), "%s -> %s must be a valid transition", tt.from, got)
			}
		})
	}
}

func TestCanTransitionTerminal(t *testing.T) {
	for s := range validTransitions {
		assert.False(t, CanTransition(StateShuttingDown, s), "no transition out of shutting down")
		if s != StateShuttingDown {
			assert.True(t, CanTransition(s, StateShuttingDown), "%s must allow shutdown", s)
		}
	}
}

func TestGetInfo(t *testing.T) {
	info := GetInfo(StateStartupFailed)
	assert.True(t, info.IsError)
	assert.True(t, info.CanRetry)

	assert.False(t, GetInfo(StateReady).IsError)

	unknown := GetInfo(State("mystery"))
	assert.Equal(t, "mystery", unknown.UserMessage)
}

func TestIsBackendActive(t *testing.T) {
	assert.True(t, IsBackendActive(StateReady))
	assert.True(t, IsBackendActive(StateRestarting))
	assert.False(t, IsBackendActive(StateStartupFailed))
	assert.False(t, IsBackendActive(StateShuttingDown))
}

func nextTransition(t *testing.T, ch <-chan Transition) Transition {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transition")
		return Transition{}
	}
}

func TestMachineLaunchGenerations(t *testing.T) {
	m := NewMachine(zaptest.NewLogger(t).Sugar())
	transitions := m.Subscribe()
	m.Start()
	defer m.Shutdown()

	m.SendEvent(EventStart)
	tr := nextTransition(t, transitions)
	assert.Equal(t, StateLaunchingBackend, tr.To)
	assert.Equal(t, uint64(1), tr.Launch)

	m.Send(Signal{Event: EventBackendStarted, Launch: 1})
	tr = nextTransition(t, transitions)
	assert.Equal(t, StateWaitingForBackend, tr.To)

	// Restart moves to a new generation
	m.SendEvent(EventRestart)
	assert.Equal(t, StateRestarting, nextTransition(t, transitions).To)
	m.SendEvent(EventBackendStopped)
	tr = nextTransition(t, transitions)
	assert.Equal(t, StateLaunchingBackend, tr.To)
	assert.Equal(t, uint64(2), tr.Launch)

	// Results from the first launch are dropped
	m.Send(Signal{Event: EventSpawnFailed, Launch: 1, Err: errors.New("stale")})
	m.Send(Signal{Event: EventBackendStarted, Launch: 2})
	tr = nextTransition(t, transitions)
	assert.Equal(t, StateWaitingForBackend, tr.To)
	assert.Equal(t, EventBackendStarted, tr.Event)
	assert.NoError(t, m.LastError())
}

func TestMachineRecordsFailure(t *testing.T) {
	m := NewMachine(zaptest.NewLogger(t).Sugar())
	transitions := m.Subscribe()
	m.Start()
	defer m.Shutdown()

	m.SendEvent(EventStart)
	nextTransition(t, transitions)

	failure := errors.New("backend did not become ready")
	m.Send(Signal{Event: EventSpawnFailed, Launch: 1, Err: failure})
	tr := nextTransition(t, transitions)
	assert.Equal(t, StateStartupFailed, tr.To)
	assert.Equal(t, failure, tr.Error)
	assert.Equal(t, failure, m.LastError())

	m.SendEvent(EventRetry)
	tr = nextTransition(t, transitions)
	assert.Equal(t, StateLaunchingBackend, tr.To)
	assert.Equal(t, uint64(2), tr.Launch)
	assert.NoError(t, m.LastError())
}

func TestMachineShutdownIsTerminal(t *testing.T) {
	m := NewMachine(zaptest.NewLogger(t).Sugar())
	transitions := m.Subscribe()
	m.Start()

	m.SendEvent(EventStart)
	nextTransition(t, transitions)

	m.Shutdown()
	tr := nextTransition(t, transitions)
	assert.Equal(t, StateShuttingDown, tr.To)

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("machine loop did not stop")
	}

	// Sends after shutdown return instead of blocking
	for i := 0; i < 100; i++ {
		m.SendEvent(EventRetry)
	}
	require.Equal(t, StateShuttingDown, m.CurrentState())

	// A second shutdown is harmless
	m.Shutdown()
}
