package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/UnitHan/TestGPT-Translator/cmd/translator-launcher/internal/monitor"
	"github.com/UnitHan/TestGPT-Translator/cmd/translator-launcher/internal/state"
	"github.com/UnitHan/TestGPT-Translator/cmd/translator-launcher/internal/window"
	"github.com/UnitHan/TestGPT-Translator/internal/config"
	"github.com/UnitHan/TestGPT-Translator/internal/observability"
	"github.com/UnitHan/TestGPT-Translator/internal/prompt"
	"github.com/UnitHan/TestGPT-Translator/internal/secret"
)

type startCall struct {
	port       int
	credential string
}

type fakeSupervisor struct {
	mu       sync.Mutex
	nextPID  int
	running  *monitor.ProcessInfo
	starts   []startCall
	stops    int
	startErr []error
	lastPort int
	events   chan monitor.ProcessEvent
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{events: make(chan monitor.ProcessEvent, 8)}
}

func (f *fakeSupervisor) Start(_ context.Context, port int, credential string) (monitor.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.startErr) > 0 {
		err := f.startErr[0]
		f.startErr = f.startErr[1:]
		if err != nil {
			return monitor.ProcessInfo{}, err
		}
	}
	if f.running != nil {
		return monitor.ProcessInfo{}, monitor.ErrAlreadyRunning
	}
	f.nextPID++
	info := monitor.ProcessInfo{PID: f.nextPID, Port: port, Mode: config.ModeProduction, StartedAt: time.Now()}
	f.running = &info
	f.starts = append(f.starts, startCall{port: port, credential: credential})
	f.lastPort = port
	return info, nil
}

func (f *fakeSupervisor) StopAsync() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running != nil {
		f.stops++
		f.running = nil
	}
	done := make(chan struct{})
	close(done)
	return done
}

func (f *fakeSupervisor) Events() <-chan monitor.ProcessEvent { return f.events }

func (f *fakeSupervisor) Status() monitor.ProcessStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running != nil {
		return monitor.ProcessStatusRunning
	}
	return monitor.ProcessStatusIdle
}

func (f *fakeSupervisor) Info() (monitor.ProcessInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running == nil {
		return monitor.ProcessInfo{}, false
	}
	return *f.running, true
}

func (f *fakeSupervisor) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPort
}

// crash ends the running process as if it died on its own
func (f *fakeSupervisor) crash(code int) {
	f.mu.Lock()
	info := f.running
	f.running = nil
	f.mu.Unlock()
	if info == nil {
		return
	}
	f.events <- monitor.ProcessEvent{
		Type:      monitor.ProcessEventExited,
		PID:       info.PID,
		Port:      info.Port,
		Exit:      monitor.ExitInfo{Code: code, Timestamp: time.Now()},
		Timestamp: time.Now(),
	}
}

func (f *fakeSupervisor) snapshot() ([]startCall, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startCall(nil), f.starts...), f.stops
}

type fakeProber struct {
	mu      sync.Mutex
	results []error
	calls   int
	block   bool
	blocked chan struct{}
}

func (p *fakeProber) WaitUntilReady(ctx context.Context, _ int, _ int, _ time.Duration) error {
	p.mu.Lock()
	p.calls++
	block := p.block
	var result error
	if len(p.results) > 0 {
		result = p.results[0]
		p.results = p.results[1:]
	}
	p.mu.Unlock()

	if block {
		if p.blocked != nil {
			close(p.blocked)
		}
		<-ctx.Done()
		return ctx.Err()
	}
	return result
}

func (p *fakeProber) push(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, err)
}

type fakeWindow struct {
	mu      sync.Mutex
	loads   []string
	loadErr []error
	focused int
	closed  int
	url     string
}

func (w *fakeWindow) Load(_ context.Context, url string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.loadErr) > 0 {
		err := w.loadErr[0]
		w.loadErr = w.loadErr[1:]
		if err != nil {
			return err
		}
	}
	w.loads = append(w.loads, url)
	w.url = url
	return nil
}

func (w *fakeWindow) Focus() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.focused++
	return nil
}

func (w *fakeWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	w.url = ""
	return nil
}

func (w *fakeWindow) URL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.url
}

func (w *fakeWindow) closeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWindow) loaded() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.loads...)
}

type fakePrompter struct {
	asked   chan string
	choices chan prompt.Choice
}

func newFakePrompter() *fakePrompter {
	return &fakePrompter{asked: make(chan string, 4), choices: make(chan prompt.Choice, 4)}
}

func (p *fakePrompter) AskRetry(ctx context.Context, _ string, message string) (prompt.Choice, error) {
	p.asked <- message
	select {
	case c := <-p.choices:
		return c, nil
	case <-ctx.Done():
		return prompt.ChoiceExit, ctx.Err()
	}
}

type memBackend struct {
	mu      sync.Mutex
	entries map[string]string
}

func (m *memBackend) Name() string { return "memory" }

func (m *memBackend) Get(entry string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[entry]
	if !ok {
		return "", secret.ErrNotFound
	}
	return v, nil
}

func (m *memBackend) Set(entry, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry] = value
	return nil
}

func (m *memBackend) Delete(entry string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry]; !ok {
		return secret.ErrNotFound
	}
	delete(m.entries, entry)
	return nil
}

func (m *memBackend) Close() error { return nil }

type countingCloser struct{ closes atomic.Int32 }

func (c *countingCloser) Close() error {
	c.closes.Add(1)
	return nil
}

type recordingSecrets struct {
	mu     sync.Mutex
	values []string
}

func (r *recordingSecrets) RegisterSecret(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

type harness struct {
	c        *Coordinator
	sup      *fakeSupervisor
	prober   *fakeProber
	window   *fakeWindow
	prompter *fakePrompter
	store    *secret.Store
	lock     *countingCloser
	secrets  *recordingSecrets
	runErr   chan error
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, setup ...func(*harness)) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)).Sugar()
	h := &harness{
		sup:      newFakeSupervisor(),
		prober:   &fakeProber{},
		window:   &fakeWindow{},
		prompter: newFakePrompter(),
		store:    secret.NewStore(&memBackend{entries: map[string]string{}}, logger),
		lock:     &countingCloser{},
		secrets:  &recordingSecrets{},
		runErr:   make(chan error, 1),
	}
	for _, s := range setup {
		s(h)
	}

	var nextPort atomic.Int32
	nextPort.Store(4999)
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	h.c = New(Options{
		Config:     cfg,
		Supervisor: h.sup,
		Prober:     h.prober,
		Window:     h.window,
		Store:      h.store,
		Prompter:   h.prompter,
		ChoosePort: func(context.Context, int) int { return int(nextPort.Add(1)) },
		Lock:       h.lock,
		Secrets:    h.secrets,
		Metrics:    observability.NewMetrics(),
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.c.Run(ctx) }()

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = h.c.Shutdown(shutdownCtx)
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(10 * time.Second):
			t.Error("Run did not return")
		}
	})
	return h
}

func (h *harness) waitState(t *testing.T, want state.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.c.State() == want }, 3*time.Second, 5*time.Millisecond,
		"state is %s, want %s", h.c.State(), want)
}

func (h *harness) waitLoaded(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.window.loaded()) >= n }, 3*time.Second, 5*time.Millisecond)
}

func (h *harness) waitAsked(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-h.prompter.asked:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("retry prompt was not shown")
		return ""
	}
}

func TestStartupLoadsUI(t *testing.T) {
	h := newHarness(t)

	h.waitState(t, state.StateReady)
	h.waitLoaded(t, 1)

	assert.Equal(t, []string{"http://127.0.0.1:5000/"}, h.window.loaded())
	starts, _ := h.sup.snapshot()
	require.Len(t, starts, 1)
	assert.Equal(t, startCall{port: 5000}, starts[0])

	status := h.c.Status()
	assert.Equal(t, "ready", status.State)
	assert.Equal(t, "Ready", status.Message)
	assert.Equal(t, 5000, status.Port)
	assert.Equal(t, 1, status.PID)
	assert.Equal(t, "running", status.BackendStatus)
	assert.Equal(t, "http://127.0.0.1:5000/", status.URL)
	assert.NotEmpty(t, status.LaunchID)
	assert.NotNil(t, status.StartedAt)
	assert.False(t, status.HasAPIKey)
}

func TestStartupPassesStoredCredential(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		require.NoError(t, h.store.Set("AIzaStoredKey0123456789"))
	})

	h.waitState(t, state.StateReady)
	starts, _ := h.sup.snapshot()
	require.Len(t, starts, 1)
	assert.Equal(t, "AIzaStoredKey0123456789", starts[0].credential)

	h.secrets.mu.Lock()
	defer h.secrets.mu.Unlock()
	assert.Contains(t, h.secrets.values, "AIzaStoredKey0123456789")
}

func TestStartupFailureRetryUsesFreshPort(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.prober.push(&monitor.StartupTimeoutError{Attempts: 30, LastErr: errors.New("connection refused")})
	})

	msg := h.waitAsked(t)
	assert.Contains(t, msg, "30 health checks")
	assert.Equal(t, state.StateStartupFailed, h.c.State())

	_, stops := h.sup.snapshot()
	assert.Equal(t, 1, stops, "partial process is stopped before prompting")
	assert.Contains(t, h.c.Status().Message, "connection refused")

	h.prompter.choices <- prompt.ChoiceRetry

	h.waitState(t, state.StateReady)
	h.waitLoaded(t, 1)
	starts, _ := h.sup.snapshot()
	require.Len(t, starts, 2)
	assert.Equal(t, 5000, starts[0].port)
	assert.Equal(t, 5001, starts[1].port, "retry picks a fresh port")
	assert.Equal(t, []string{"http://127.0.0.1:5001/"}, h.window.loaded())
}

func TestStartupFailureExit(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.sup.startErr = []error{&monitor.SpawnError{Path: "/opt/translation-server", Err: errors.New("executable not found")}}
	})

	msg := h.waitAsked(t)
	assert.Contains(t, msg, "could not be started")
	assert.Contains(t, msg, "executable not found")

	h.prompter.choices <- prompt.ChoiceExit

	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
		h.runErr <- err // for cleanup
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after exit was chosen")
	}
	assert.Equal(t, int32(1), h.lock.closes.Load())
	assert.Equal(t, 1, h.window.closeCount())
}

func TestLoadFailureIsStartupFailure(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.window.loadErr = []error{&window.LoadFailureError{URL: "http://127.0.0.1:5000/", Err: errors.New("refused")}}
	})

	msg := h.waitAsked(t)
	assert.Equal(t, "The translator page could not be loaded.", msg)
	h.prompter.choices <- prompt.ChoiceRetry
	h.waitLoaded(t, 1)
}

func TestSaveCredentialRestartsOnSamePort(t *testing.T) {
	h := newHarness(t)
	h.waitState(t, state.StateReady)
	h.waitLoaded(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.c.SaveCredential(ctx, "  AIzaNewKey0123456789  "))

	starts, stops := h.sup.snapshot()
	require.Len(t, starts, 2)
	assert.Equal(t, startCall{port: 5000, credential: "AIzaNewKey0123456789"}, starts[1])
	assert.Equal(t, 1, stops)
	assert.Equal(t, state.StateReady, h.c.State())

	settings := h.c.Settings()
	assert.True(t, settings.HasAPIKey)
	assert.True(t, settings.APIKeyValid)

	masked, err := h.c.MaskedCredential()
	require.NoError(t, err)
	assert.Equal(t, "AIzaNewK...6789", masked)
}

func TestSaveCredentialRejectsBlankKey(t *testing.T) {
	h := newHarness(t)
	h.waitState(t, state.StateReady)

	assert.ErrorIs(t, h.c.SaveCredential(context.Background(), "   "), secret.ErrEmptyKey)
	starts, _ := h.sup.snapshot()
	assert.Len(t, starts, 1)
}

func TestDeleteCredentialRestartsWithoutKey(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		require.NoError(t, h.store.Set("AIzaStoredKey0123456789"))
	})
	h.waitState(t, state.StateReady)
	h.waitLoaded(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.c.DeleteCredential(ctx))

	starts, _ := h.sup.snapshot()
	require.Len(t, starts, 2)
	assert.Equal(t, startCall{port: 5000}, starts[1])

	_, err := h.c.MaskedCredential()
	assert.ErrorIs(t, err, secret.ErrNotFound)
	assert.Equal(t, false, h.c.Settings().HasAPIKey)
}

func TestSaveCredentialReportsFailedRestart(t *testing.T) {
	h := newHarness(t)
	h.waitState(t, state.StateReady)
	h.waitLoaded(t, 1)

	h.prober.push(&monitor.StartupTimeoutError{Attempts: 30})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.c.SaveCredential(ctx, "AIzaNewKey0123456789")

	var timeoutErr *monitor.StartupTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
	h.waitAsked(t)
}

func TestSaveCredentialDuringPromptRestarts(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.prober.push(&monitor.StartupTimeoutError{Attempts: 30})
	})
	h.waitAsked(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.c.SaveCredential(ctx, "AIzaNewKey0123456789"))
	h.waitState(t, state.StateReady)

	starts, _ := h.sup.snapshot()
	require.Len(t, starts, 2)
	assert.Equal(t, 5000, starts[1].port)
}

func TestCrashThenActivateRelaunches(t *testing.T) {
	h := newHarness(t)
	h.waitState(t, state.StateReady)
	h.waitLoaded(t, 1)

	h.sup.crash(1)
	h.waitState(t, state.StateBackendCrashed)
	assert.Contains(t, h.c.Status().Message, "code 1")

	require.NoError(t, h.c.Activate(context.Background()))
	h.waitState(t, state.StateReady)
	h.waitLoaded(t, 2)

	starts, _ := h.sup.snapshot()
	require.Len(t, starts, 2)
	assert.Equal(t, 5001, starts[1].port)

	h.window.mu.Lock()
	assert.Equal(t, 0, h.window.focused, "relaunch shows the new page instead of the dead one")
	h.window.mu.Unlock()
}

func TestRestartFromCrashKeepsPort(t *testing.T) {
	h := newHarness(t)
	h.waitState(t, state.StateReady)
	h.waitLoaded(t, 1)

	h.sup.crash(1)
	h.waitState(t, state.StateBackendCrashed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.c.Restart(ctx))

	starts, _ := h.sup.snapshot()
	require.Len(t, starts, 2)
	assert.Equal(t, 5000, starts[1].port)
}

func TestRestartRightAfterCrashReportsNewLaunch(t *testing.T) {
	h := newHarness(t)
	h.waitState(t, state.StateReady)
	h.waitLoaded(t, 1)

	for i := 0; i < 10; i++ {
		h.sup.crash(1)
		if i%2 == 0 {
			h.waitState(t, state.StateBackendCrashed)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := h.c.Restart(ctx)
		cancel()
		require.NoError(t, err, "restart %d reported the crashed launch", i)

		starts, _ := h.sup.snapshot()
		require.Len(t, starts, i+2)
		assert.Equal(t, 5000, starts[i+1].port)
	}
}

func TestWaitersIgnoreEarlierLaunches(t *testing.T) {
	c := New(Options{Supervisor: newFakeSupervisor()})

	waiter := c.addWaiter(3)
	c.resolveWaiters(3, errors.New("backend exited with code 1"))
	select {
	case err := <-waiter:
		t.Fatalf("waiter settled by the launch it replaced: %v", err)
	default:
	}

	c.resolveWaiters(4, nil)
	select {
	case err := <-waiter:
		assert.NoError(t, err)
	default:
		t.Fatal("waiter not settled by the following launch")
	}

	late := c.addWaiter(4)
	c.resolveWaiters(math.MaxUint64, ErrShuttingDown)
	assert.ErrorIs(t, <-late, ErrShuttingDown)
}

func TestActivateWhenReadyOnlyFocuses(t *testing.T) {
	h := newHarness(t)
	h.waitState(t, state.StateReady)

	require.NoError(t, h.c.Activate(context.Background()))
	time.Sleep(50 * time.Millisecond)

	starts, _ := h.sup.snapshot()
	assert.Len(t, starts, 1)
	assert.Equal(t, state.StateReady, h.c.State())
	h.window.mu.Lock()
	assert.Equal(t, 1, h.window.focused)
	h.window.mu.Unlock()
}

func TestExitOfOldProcessIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.waitState(t, state.StateReady)

	h.sup.events <- monitor.ProcessEvent{Type: monitor.ProcessEventExited, PID: 999}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, state.StateReady, h.c.State())
}

func TestShutdownIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.waitState(t, state.StateReady)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs[i] = h.c.Shutdown(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	_, stops := h.sup.snapshot()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, h.window.closeCount())
	assert.Equal(t, int32(1), h.lock.closes.Load())
	assert.Equal(t, state.StateShuttingDown, h.c.State())

	assert.ErrorIs(t, h.c.SaveCredential(context.Background(), "AIzaNewKey0123456789"), ErrShuttingDown)
	assert.ErrorIs(t, h.c.Activate(context.Background()), ErrShuttingDown)
	assert.NoError(t, h.c.Shutdown(context.Background()))
}

func TestShutdownDuringReadinessWait(t *testing.T) {
	blocked := make(chan struct{})
	h := newHarness(t, func(h *harness) {
		h.prober.block = true
		h.prober.blocked = blocked
	})

	select {
	case <-blocked:
	case <-time.After(3 * time.Second):
		t.Fatal("probe did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.c.Shutdown(ctx))

	_, stops := h.sup.snapshot()
	assert.Equal(t, 1, stops)
	assert.Empty(t, h.window.loaded())
}

func TestRunContextCancelShutsDown(t *testing.T) {
	h := newHarness(t)
	h.waitState(t, state.StateReady)

	h.cancel()
	select {
	case <-h.c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancelling Run's context did not shut down")
	}
	_, stops := h.sup.snapshot()
	assert.Equal(t, 1, stops)
}

func TestFailureMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&monitor.SpawnError{Path: "x", Err: errors.New("permission denied")}, "The translation server could not be started.\npermission denied"},
		{fmt.Errorf("wrapped: %w", &monitor.StartupTimeoutError{Attempts: 30}), "The translation server did not become ready after 30 health checks."},
		{&window.LoadFailureError{URL: "u", Err: errors.New("x")}, "The translator page could not be loaded."},
		{errors.New("backend exited with code 2"), "The translation server stopped during startup.\nbackend exited with code 2"},
		{nil, "The translation server stopped during startup."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failureMessage(tt.err))
	}
}

func TestUIURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:5123/", UIURL(5123))
}
