// Package lifecycle drives the launcher: it starts the backend, waits for it,
// loads the UI, restarts on credential changes and shuts everything down once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/UnitHan/TestGPT-Translator/cmd/translator-launcher/internal/monitor"
	"github.com/UnitHan/TestGPT-Translator/cmd/translator-launcher/internal/state"
	"github.com/UnitHan/TestGPT-Translator/cmd/translator-launcher/internal/window"
	"github.com/UnitHan/TestGPT-Translator/internal/bridge"
	"github.com/UnitHan/TestGPT-Translator/internal/config"
	"github.com/UnitHan/TestGPT-Translator/internal/observability"
	"github.com/UnitHan/TestGPT-Translator/internal/prompt"
	"github.com/UnitHan/TestGPT-Translator/internal/secret"
)

// ErrShuttingDown is returned to callers whose request raced with shutdown
var ErrShuttingDown = errors.New("launcher is shutting down")

// Restart reasons recorded in metrics
const (
	RestartCredential = "credential"
	RestartManual     = "manual"
)

const failureTitle = "TestGPT Translator"

// Supervisor runs the backend process
type Supervisor interface {
	Start(ctx context.Context, port int, credential string) (monitor.ProcessInfo, error)
	StopAsync() <-chan struct{}
	Events() <-chan monitor.ProcessEvent
	Status() monitor.ProcessStatus
	Info() (monitor.ProcessInfo, bool)
	Port() int
}

// Prober waits for the backend to become healthy
type Prober interface {
	WaitUntilReady(ctx context.Context, port, maxAttempts int, interval time.Duration) error
}

// Window shows the UI
type Window interface {
	Load(ctx context.Context, url string) error
	Focus() error
	Close() error
	URL() string
}

// CredentialStore persists the API key
type CredentialStore interface {
	Get() (string, error)
	Set(apiKey string) error
	Delete() error
	Verify() bool
	Masked() (string, error)
}

// Prompter asks the user whether to retry a failed startup
type Prompter interface {
	AskRetry(ctx context.Context, title, message string) (prompt.Choice, error)
}

// PrompterFunc adapts a function to Prompter
type PrompterFunc func(ctx context.Context, title, message string) (prompt.Choice, error)

// AskRetry calls f
func (f PrompterFunc) AskRetry(ctx context.Context, title, message string) (prompt.Choice, error) {
	return f(ctx, title, message)
}

// SecretRegistry learns values that must never appear in logs
type SecretRegistry interface {
	RegisterSecret(value string)
}

// Options wires the coordinator's collaborators
type Options struct {
	Config     *config.Config
	Supervisor Supervisor
	Prober     Prober
	Window     Window
	Store      CredentialStore
	Prompter   Prompter
	ChoosePort func(ctx context.Context, preferred int) int
	Lock       io.Closer // single-instance lock, released at shutdown
	Secrets    SecretRegistry
	Metrics    *observability.Metrics
	Tracing    *observability.Tracing
	Logger     *zap.SugaredLogger
}

// Coordinator owns the launcher lifecycle. It implements bridge.Controller.
type Coordinator struct {
	cfg     *config.Config
	sup     Supervisor
	prober  Prober
	window  Window
	store   CredentialStore
	prompt  Prompter
	choose  func(ctx context.Context, preferred int) int
	lock    io.Closer
	secrets SecretRegistry
	metrics *observability.Metrics
	tracing *observability.Tracing
	logger  *zap.SugaredLogger

	machine     *state.Machine
	transitions <-chan state.Transition

	// work is cancelled when shutdown begins
	work       context.Context
	cancelWork context.CancelFunc

	// opMu serialises backend starts against stops
	opMu      sync.Mutex
	pid       int
	pidLaunch uint64

	mu            sync.Mutex
	port          int
	launchID      string
	launchStarted time.Time
	launchCancel  context.CancelFunc
	launchCtx     context.Context
	promptCancel  context.CancelFunc
	restartReason string
	waiters       []restartWaiter

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

var _ bridge.Controller = (*Coordinator)(nil)

// New creates a coordinator
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.ChoosePort == nil {
		opts.ChoosePort = func(_ context.Context, preferred int) int { return preferred }
	}

	work, cancel := context.WithCancel(context.Background())
	machine := state.NewMachine(opts.Logger.Named("state"))

	return &Coordinator{
		cfg:          opts.Config,
		sup:          opts.Supervisor,
		prober:       opts.Prober,
		window:       opts.Window,
		store:        opts.Store,
		prompt:       opts.Prompter,
		choose:       opts.ChoosePort,
		lock:         opts.Lock,
		secrets:      opts.Secrets,
		metrics:      opts.Metrics,
		tracing:      opts.Tracing,
		logger:       opts.Logger,
		machine:      machine,
		transitions:  machine.Subscribe(),
		work:         work,
		cancelWork:   cancel,
		launchCtx:    work,
		shutdownDone: make(chan struct{}),
	}
}

// Run starts the backend and processes lifecycle events until shutdown
// completes. Cancelling ctx requests shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Infow("Launcher starting", "preferred_port", c.cfg.Port)

	c.machine.Start()
	go c.watchProcess()
	go func() {
		select {
		case <-ctx.Done():
			c.logger.Info("Context cancelled, shutting down")
			c.RequestShutdown()
		case <-c.shutdownDone:
		}
	}()

	c.machine.SendEvent(state.EventStart)

	for {
		select {
		case tr := <-c.transitions:
			c.handleTransition(tr)
		case <-c.machine.Done():
			<-c.shutdownDone
			c.logger.Info("Launcher stopped")
			return nil
		}
	}
}

// Done is closed once shutdown has completed
func (c *Coordinator) Done() <-chan struct{} {
	return c.shutdownDone
}

// State returns the current lifecycle state
func (c *Coordinator) State() state.State {
	return c.machine.CurrentState()
}

func (c *Coordinator) handleTransition(tr state.Transition) {
	if tr.From == state.StateStartupFailed {
		c.cancelPrompt()
	}

	switch tr.To {
	case state.StateLaunchingBackend:
		ctx := c.newLaunchContext()
		fresh := tr.Event != state.EventBackendStopped
		go c.launch(ctx, tr.Launch, fresh)

	case state.StateWaitingForBackend:
		go c.waitReady(c.launchContext(), tr.Launch)

	case state.StateReady:
		go c.loadUI(c.launchContext(), tr.Launch)

	case state.StateStartupFailed:
		c.logger.Errorw("Startup failed", "launch", tr.Launch, "error", tr.Error)
		c.resolveWaiters(tr.Launch, failureError(tr.Error))
		go c.handleStartupFailure(tr)

	case state.StateBackendCrashed:
		c.logger.Warnw("Backend crashed after startup", "launch", tr.Launch, "error", tr.Error)
		c.resolveWaiters(tr.Launch, failureError(tr.Error))

	case state.StateRestarting:
		c.cancelLaunch()
		go c.stopForRestart()

	case state.StateShuttingDown:
		c.cancelLaunch()
	}
}

// launch picks the port and spawns the backend
func (c *Coordinator) launch(ctx context.Context, launch uint64, freshPort bool) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.shuttingDown.Load() || ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if freshPort || port == 0 {
		port = c.choose(ctx, c.cfg.Port)
	}

	launchID := uuid.NewString()
	c.mu.Lock()
	c.port = port
	c.launchID = launchID
	c.launchStarted = time.Now()
	c.mu.Unlock()

	credential := c.credential()

	spanCtx, span := c.tracing.StartSpan(ctx, "backend.launch",
		attribute.String("launch.id", launchID),
		attribute.Int("backend.port", port),
		attribute.Bool("credential.present", credential != ""))
	info, err := c.sup.Start(spanCtx, port, credential)
	observability.EndSpan(span, err)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.machine.Send(state.Signal{Event: state.EventSpawnFailed, Launch: launch, Err: err})
		return
	}

	c.pid = info.PID
	c.pidLaunch = launch
	c.logger.Infow("Backend launched", "launch_id", launchID, "pid", info.PID, "port", info.Port, "mode", info.Mode)
	c.machine.Send(state.Signal{Event: state.EventBackendStarted, Launch: launch})
}

// credential returns the stored API key, or "" when there is none
func (c *Coordinator) credential() string {
	if c.store == nil {
		return ""
	}
	key, err := c.store.Get()
	if err != nil {
		if !errors.Is(err, secret.ErrNotFound) {
			c.logger.Warnw("Failed to read API key, starting without it", "error", err)
		}
		return ""
	}
	if c.secrets != nil {
		c.secrets.RegisterSecret(key)
	}
	return key
}

func (c *Coordinator) waitReady(ctx context.Context, launch uint64) {
	port := c.sup.Port()
	r := c.cfg.Readiness

	spanCtx, span := c.tracing.StartSpan(ctx, "backend.readiness", attribute.Int("backend.port", port))
	err := c.prober.WaitUntilReady(spanCtx, port, r.MaxAttempts, r.Interval)
	observability.EndSpan(span, err)

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.machine.Send(state.Signal{Event: state.EventStartupTimeout, Launch: launch, Err: err})
		return
	}
	c.machine.Send(state.Signal{Event: state.EventBackendReady, Launch: launch})
}

func (c *Coordinator) loadUI(ctx context.Context, launch uint64) {
	url := UIURL(c.sup.Port())

	spanCtx, span := c.tracing.StartSpan(ctx, "ui.load", attribute.String("ui.url", url))
	err := c.window.Load(spanCtx, url)
	observability.EndSpan(span, err)

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.machine.Send(state.Signal{Event: state.EventLoadFailed, Launch: launch, Err: err})
		return
	}

	c.mu.Lock()
	elapsed := time.Since(c.launchStarted)
	c.mu.Unlock()
	c.metrics.ObserveStartup(elapsed)
	c.logger.Infow("Translator ready", "url", url, "startup", elapsed)
	c.resolveWaiters(launch, nil)
}

// UIURL returns the address of the translator UI served by the backend
func UIURL(port int) string {
	return "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/"
}

// handleStartupFailure stops any partial process and asks retry or exit
func (c *Coordinator) handleStartupFailure(tr state.Transition) {
	c.opMu.Lock()
	select {
	case <-c.sup.StopAsync():
	case <-c.work.Done():
	}
	c.opMu.Unlock()

	if c.work.Err() != nil {
		return
	}

	ctx := c.newPromptContext()
	choice, err := c.askRetry(ctx, failureMessage(tr.Error))
	if ctx.Err() != nil {
		// Superseded by a restart or shutdown
		return
	}
	if err != nil {
		c.logger.Warnw("Retry prompt unavailable, exiting", "error", err)
	}

	if choice == prompt.ChoiceRetry {
		c.logger.Info("User chose to retry startup")
		c.machine.Send(state.Signal{Event: state.EventRetry, Launch: tr.Launch})
		return
	}
	c.logger.Info("User chose to exit after startup failure")
	c.RequestShutdown()
}

func (c *Coordinator) askRetry(ctx context.Context, message string) (prompt.Choice, error) {
	if c.prompt == nil {
		return prompt.ChoiceExit, errors.New("no prompter configured")
	}
	return c.prompt.AskRetry(ctx, failureTitle, message)
}

// failureMessage turns a startup error into text for the prompt
func failureMessage(err error) string {
	var spawnErr *monitor.SpawnError
	var timeoutErr *monitor.StartupTimeoutError
	var loadErr *window.LoadFailureError

	switch {
	case errors.As(err, &spawnErr):
		return fmt.Sprintf("The translation server could not be started.\n%v", spawnErr.Err)
	case errors.As(err, &timeoutErr):
		return fmt.Sprintf("The translation server did not become ready after %d health checks.", timeoutErr.Attempts)
	case errors.As(err, &loadErr):
		return "The translator page could not be loaded."
	case err != nil:
		return fmt.Sprintf("The translation server stopped during startup.\n%v", err)
	default:
		return "The translation server stopped during startup."
	}
}

func failureError(err error) error {
	if err == nil {
		return errors.New("backend stopped before becoming ready")
	}
	return err
}

func (c *Coordinator) stopForRestart() {
	c.opMu.Lock()
	select {
	case <-c.sup.StopAsync():
	case <-c.work.Done():
		c.opMu.Unlock()
		return
	}
	c.opMu.Unlock()

	c.mu.Lock()
	reason := c.restartReason
	c.restartReason = ""
	c.mu.Unlock()
	if reason == "" {
		reason = RestartManual
	}
	c.metrics.RecordRestart(reason)
	c.machine.SendEvent(state.EventBackendStopped)
}

// watchProcess turns unsolicited exits into events of the launch that owned the process
func (c *Coordinator) watchProcess() {
	for {
		select {
		case ev := <-c.sup.Events():
			c.opMu.Lock()
			pid, launch := c.pid, c.pidLaunch
			c.opMu.Unlock()

			if ev.PID != pid {
				c.logger.Debugw("Ignoring exit of an old backend", "pid", ev.PID)
				continue
			}
			err := fmt.Errorf("backend exited with code %d", ev.Exit.Code)
			if ev.Exit.Signal != "" {
				err = fmt.Errorf("backend killed by %s", ev.Exit.Signal)
			}
			c.machine.Send(state.Signal{Event: state.EventBackendExited, Launch: launch, Err: err})
		case <-c.shutdownDone:
			return
		}
	}
}

func (c *Coordinator) newLaunchContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.launchCancel != nil {
		c.launchCancel()
	}
	c.launchCtx, c.launchCancel = context.WithCancel(c.work)
	return c.launchCtx
}

func (c *Coordinator) launchContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launchCtx
}

func (c *Coordinator) cancelLaunch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.launchCancel != nil {
		c.launchCancel()
		c.launchCancel = nil
	}
}

func (c *Coordinator) newPromptContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.promptCancel != nil {
		c.promptCancel()
	}
	ctx, cancel := context.WithCancel(c.work)
	c.promptCancel = cancel
	return ctx
}

func (c *Coordinator) cancelPrompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.promptCancel != nil {
		c.promptCancel()
		c.promptCancel = nil
	}
}

// restartWaiter receives the outcome of the first launch after the one that
// was current when the restart was requested
type restartWaiter struct {
	after uint64
	ch    chan error
}

func (c *Coordinator) addWaiter(after uint64) chan error {
	ch := make(chan error, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, restartWaiter{after: after, ch: ch})
	c.mu.Unlock()
	return ch
}

// resolveWaiters settles every waiter whose restart produced launch
func (c *Coordinator) resolveWaiters(launch uint64, err error) {
	c.mu.Lock()
	var settled []restartWaiter
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if launch > w.after {
			settled = append(settled, w)
		} else {
			pending = append(pending, w)
		}
	}
	c.waiters = pending
	c.mu.Unlock()
	for _, w := range settled {
		w.ch <- err
	}
}
