package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/UnitHan/TestGPT-Translator/internal/config"
	"github.com/UnitHan/TestGPT-Translator/internal/logs"
	"github.com/UnitHan/TestGPT-Translator/internal/observability"
)

// ProcessStatus represents the status of the supervised backend
type ProcessStatus string

const (
	ProcessStatusIdle     ProcessStatus = "idle"
	ProcessStatusStarting ProcessStatus = "starting"
	ProcessStatusRunning  ProcessStatus = "running"
	ProcessStatusStopping ProcessStatus = "stopping"
	ProcessStatusCrashed  ProcessStatus = "crashed"
)

// ProcessEventType identifies a supervisor event
type ProcessEventType string

const (
	// ProcessEventExited reports an exit nobody asked for
	ProcessEventExited ProcessEventType = "exited"
)

// ProcessEvent represents events from the supervisor
type ProcessEvent struct {
	Type      ProcessEventType
	PID       int
	Port      int
	Exit      ExitInfo
	Timestamp time.Time
}

// ExitInfo contains information about process exit
type ExitInfo struct {
	Code      int
	Signal    string
	Timestamp time.Time
	Error     error
}

// ProcessInfo describes a running backend
type ProcessInfo struct {
	PID       int
	Port      int
	Mode      config.Mode
	StartedAt time.Time
}

// ErrAlreadyRunning is returned by Start while a backend process is alive
var ErrAlreadyRunning = errors.New("backend process already running")

// SpawnError reports a backend that could not be started
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start backend %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

const (
	defaultStopGrace = 3 * time.Second
	defaultKillWait  = 2 * time.Second
	// waitDelay bounds how long Wait keeps copying output held open by orphans
	waitDelay = 2 * time.Second
)

// Options configures a Supervisor
type Options struct {
	Spec    *LaunchSpec
	DataDir string
	LogDir  string

	StopGrace time.Duration // SIGTERM to forced kill
	KillWait  time.Duration // forced kill to giving up on the exit

	Environ    func() []string
	Terminator Terminator
	Metrics    *observability.Metrics

	Logger        *zap.SugaredLogger
	BackendLogger *zap.SugaredLogger // receives backend stdout/stderr
}

// processHandle is the single supervised process
type processHandle struct {
	cmd       *exec.Cmd
	pid       int
	port      int
	mode      config.Mode
	startedAt time.Time
	done      chan struct{} // closed once Wait returns
	exit      ExitInfo
	stopping  bool // a stop operation owns this process
	stdout    *lineWriter
	stderr    *lineWriter
}

// stopOperation is shared by every caller stopping the same process
type stopOperation struct {
	done chan struct{}
}

// Supervisor owns at most one backend process
type Supervisor struct {
	opts   Options
	logger *zap.SugaredLogger
	term   Terminator

	mu        sync.Mutex
	proc      *processHandle
	stopOp    *stopOperation
	status    ProcessStatus
	lastPort  int
	bridgeURL string
	bridgeTok string

	events chan ProcessEvent
}

// NewSupervisor creates a supervisor for the given launch spec
func NewSupervisor(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.BackendLogger == nil {
		opts.BackendLogger = opts.Logger.Named("backend")
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.KillWait <= 0 {
		opts.KillWait = defaultKillWait
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	term := opts.Terminator
	if term == nil {
		term = newPlatformTerminator(opts.Logger)
	}

	return &Supervisor{
		opts:   opts,
		logger: opts.Logger,
		term:   term,
		status: ProcessStatusIdle,
		events: make(chan ProcessEvent, 16),
	}
}

// SetBridge makes the bridge address and token part of every later launch
func (s *Supervisor) SetBridge(url, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridgeURL, s.bridgeTok = url, token
}

// Events returns unsolicited exits. Exits caused by Stop are not reported.
func (s *Supervisor) Events() <-chan ProcessEvent {
	return s.events
}

// Status returns the current process status
func (s *Supervisor) Status() ProcessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Info returns the running process, if any
func (s *Supervisor) Info() (ProcessInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return ProcessInfo{}, false
	}
	return s.proc.info(), true
}

// Port returns the port of the most recent launch
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPort
}

func (h *processHandle) info() ProcessInfo {
	return ProcessInfo{PID: h.pid, Port: h.port, Mode: h.mode, StartedAt: h.startedAt}
}

// Start spawns the backend on port. A stop still in flight is awaited first.
func (s *Supervisor) Start(ctx context.Context, port int, credential string) (ProcessInfo, error) {
	s.mu.Lock()
	for s.stopOp != nil {
		op := s.stopOp
		s.mu.Unlock()
		s.logger.Debugw("Waiting for in-flight stop before starting")
		select {
		case <-op.done:
		case <-ctx.Done():
			return ProcessInfo{}, ctx.Err()
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	if s.proc != nil {
		return ProcessInfo{}, ErrAlreadyRunning
	}

	spec := s.opts.Spec
	if spec == nil {
		return ProcessInfo{}, &SpawnError{Err: errors.New("no launch spec configured")}
	}
	mode := string(spec.Mode)

	if err := checkLaunchable(spec); err != nil {
		s.opts.Metrics.RecordStart(mode, "error")
		return ProcessInfo{}, err
	}

	env := BackendEnv{
		Port:        port,
		DataDir:     s.opts.DataDir,
		LogDir:      s.opts.LogDir,
		APIKey:      credential,
		BridgeURL:   s.bridgeURL,
		BridgeToken: s.bridgeTok,
	}

	s.logger.Infow("Starting backend",
		"mode", spec.Mode,
		"binary", spec.Binary,
		"args", spec.Args,
		"working_dir", spec.WorkingDir,
		"port", port,
		"env", logs.MaskEnv(env.Vars()))

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = BuildEnv(s.opts.Environ(), env)
	cmd.WaitDelay = waitDelay
	s.term.Prepare(cmd)

	h := &processHandle{
		cmd:  cmd,
		port: port,
		mode: spec.Mode,
		done: make(chan struct{}),
	}
	h.stdout = newLineWriter(s.opts.BackendLogger, "stdout")
	h.stderr = newLineWriter(s.opts.BackendLogger, "stderr")
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr

	s.status = ProcessStatusStarting
	if err := cmd.Start(); err != nil {
		s.status = ProcessStatusIdle
		s.opts.Metrics.RecordStart(mode, "error")
		s.logger.Errorw("Failed to start backend", "binary", spec.Binary, "error", err)
		return ProcessInfo{}, &SpawnError{Path: spec.Binary, Err: err}
	}

	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	s.proc = h
	s.lastPort = port
	s.status = ProcessStatusRunning
	s.opts.Metrics.RecordStart(mode, "ok")

	s.logger.Infow("Backend started", "pid", h.pid, "port", port)

	go s.wait(h)

	return h.info(), nil
}

// checkLaunchable reports a missing executable or script as a SpawnError
func checkLaunchable(spec *LaunchSpec) error {
	if strings.ContainsAny(spec.Binary, `/\`) {
		if !fileExists(spec.Binary) {
			return &SpawnError{Path: spec.Binary, Err: fmt.Errorf("executable not found: %w", os.ErrNotExist)}
		}
	} else if _, err := exec.LookPath(spec.Binary); err != nil {
		return &SpawnError{Path: spec.Binary, Err: err}
	}

	if spec.Script != "" && !fileExists(spec.Script) {
		return &SpawnError{Path: spec.Script, Err: fmt.Errorf("script not found: %w", os.ErrNotExist)}
	}
	return nil
}

// wait records the exit and reports it unless a stop owns the process
func (s *Supervisor) wait(h *processHandle) {
	err := h.cmd.Wait()
	h.stdout.Flush()
	h.stderr.Flush()
	exit := exitInfoFrom(h.cmd, err)

	s.mu.Lock()
	h.exit = exit
	close(h.done)
	owned := h.stopping
	if s.proc == h && !owned {
		s.proc = nil
		s.status = ProcessStatusCrashed
	}
	s.mu.Unlock()

	runtime := exit.Timestamp.Sub(h.startedAt)
	if owned {
		s.opts.Metrics.RecordExit(observability.ExitStopped)
		s.logger.Infow("Backend stopped",
			"pid", h.pid, "exit_code", exit.Code, "signal", exit.Signal, "runtime", runtime)
		return
	}

	s.opts.Metrics.RecordExit(observability.ExitCrashed)
	s.logger.Errorw("Backend exited unexpectedly",
		"pid", h.pid,
		"exit_code", exit.Code,
		"signal", exit.Signal,
		"runtime", runtime,
		"error", exit.Error)

	select {
	case s.events <- ProcessEvent{
		Type:      ProcessEventExited,
		PID:       h.pid,
		Port:      h.port,
		Exit:      exit,
		Timestamp: exit.Timestamp,
	}:
	default:
		s.logger.Warnw("Process event channel full, dropping exit event", "pid", h.pid)
	}

	s.mu.Lock()
	if s.status == ProcessStatusCrashed {
		s.status = ProcessStatusIdle
	}
	s.mu.Unlock()
}

// StopAsync begins stopping the backend and returns a channel closed once it
// is gone. Concurrent callers share one stop operation.
func (s *Supervisor) StopAsync() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopOp != nil {
		return s.stopOp.done
	}

	h := s.proc
	if h == nil {
		done := make(chan struct{})
		close(done)
		return done
	}

	op := &stopOperation{done: make(chan struct{})}
	s.stopOp = op
	h.stopping = true
	s.status = ProcessStatusStopping

	go s.runStop(h, op)

	return op.done
}

// Stop stops the backend and waits for it, or for ctx
func (s *Supervisor) Stop(ctx context.Context) error {
	select {
	case <-s.StopAsync():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) runStop(h *processHandle, op *stopOperation) {
	defer func() {
		s.mu.Lock()
		if s.proc == h {
			s.proc = nil
		}
		s.stopOp = nil
		s.status = ProcessStatusIdle
		s.mu.Unlock()
		close(op.done)
	}()

	s.logger.Infow("Stopping backend", "pid", h.pid, "grace", s.opts.StopGrace)

	if err := s.term.Terminate(h.pid); err != nil {
		s.logger.Warnw("Graceful terminate failed, forcing kill", "pid", h.pid, "error", err)
	} else {
		timer := time.NewTimer(s.opts.StopGrace)
		defer timer.Stop()
		select {
		case <-h.done:
			return
		case <-timer.C:
			s.logger.Warnw("Backend did not stop gracefully, forcing kill", "pid", h.pid, "grace", s.opts.StopGrace)
		}
	}

	s.opts.Metrics.RecordForcedKill()
	if err := s.term.Kill(h.pid); err != nil {
		s.logger.Errorw("Forced kill failed", "pid", h.pid, "error", err)
	}

	timer := time.NewTimer(s.opts.KillWait)
	defer timer.Stop()
	select {
	case <-h.done:
		s.logger.Infow("Backend force killed", "pid", h.pid)
	case <-timer.C:
		s.logger.Errorw("Backend still running after forced kill, giving up", "pid", h.pid, "wait", s.opts.KillWait)
	}
}

// lineWriter logs complete output lines of one stream
type lineWriter struct {
	mu     sync.Mutex
	logger *zap.SugaredLogger
	stream string
	buf    bytes.Buffer
}

const maxLineLength = 64 * 1024

func newLineWriter(logger *zap.SugaredLogger, stream string) *lineWriter {
	return &lineWriter{logger: logger, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line, keep it for the next write unless it grew too long
			if len(line) >= maxLineLength {
				w.log(line)
			} else {
				w.buf.WriteString(line)
			}
			break
		}
		w.log(line)
	}
	return len(p), nil
}

// Flush logs a trailing line without newline
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.log(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) log(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	lower := strings.ToLower(line)
	if strings.Contains(lower, "error") ||
		strings.Contains(lower, "traceback") ||
		strings.Contains(lower, "exception") {
		w.logger.Warnw(line, "stream", w.stream)
	} else {
		w.logger.Infow(line, "stream", w.stream)
	}
}
