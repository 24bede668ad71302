package lifecycle

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/UnitHan/TestGPT-Translator/cmd/translator-launcher/internal/state"
	"github.com/UnitHan/TestGPT-Translator/internal/bridge"
	"github.com/UnitHan/TestGPT-Translator/internal/secret"
)

// shutdownStopBudget bounds how long shutdown waits for the backend on top of
// the supervisor's own grace and kill timeouts
const shutdownStopBudget = 10 * time.Second

// Settings reports whether a key is stored and intact
func (c *Coordinator) Settings() bridge.Settings {
	if c.store == nil {
		return bridge.Settings{}
	}
	_, err := c.store.Get()
	return bridge.Settings{
		HasAPIKey:   err == nil,
		APIKeyValid: c.store.Verify(),
	}
}

// MaskedCredential returns the stored key in display form
func (c *Coordinator) MaskedCredential() (string, error) {
	if c.store == nil {
		return "", secret.ErrNotFound
	}
	return c.store.Masked()
}

// SaveCredential stores the key and restarts the backend with it on the same
// port. It returns once the restart settles or ctx ends.
func (c *Coordinator) SaveCredential(ctx context.Context, apiKey string) error {
	if c.shuttingDown.Load() {
		return ErrShuttingDown
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return secret.ErrEmptyKey
	}
	if c.store == nil {
		return errors.New("no credential store configured")
	}
	if c.secrets != nil {
		c.secrets.RegisterSecret(apiKey)
	}
	if err := c.store.Set(apiKey); err != nil {
		return err
	}
	return c.restart(ctx, RestartCredential)
}

// DeleteCredential removes the key and restarts the backend without it
func (c *Coordinator) DeleteCredential(ctx context.Context) error {
	if c.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if c.store == nil {
		return errors.New("no credential store configured")
	}
	if err := c.store.Delete(); err != nil {
		return err
	}
	return c.restart(ctx, RestartCredential)
}

// Restart stops and relaunches the backend on its current port
func (c *Coordinator) Restart(ctx context.Context) error {
	if c.shuttingDown.Load() {
		return ErrShuttingDown
	}
	return c.restart(ctx, RestartManual)
}

func (c *Coordinator) restart(ctx context.Context, reason string) error {
	switch c.machine.CurrentState() {
	case state.StateInitializing:
		// The first launch has not happened yet and will pick up the change
		return nil
	case state.StateShuttingDown:
		return ErrShuttingDown
	}

	c.logger.Infow("Restarting backend", "reason", reason)
	waiter := c.addWaiter(c.machine.Launch())
	c.mu.Lock()
	c.restartReason = reason
	c.mu.Unlock()
	c.machine.SendEvent(state.EventRestart)

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Activate brings the UI forward for a second launch. A crashed backend is
// relaunched on a fresh port instead.
func (c *Coordinator) Activate(_ context.Context) error {
	if c.shuttingDown.Load() {
		return ErrShuttingDown
	}

	c.logger.Info("Activation requested")
	if c.machine.CurrentState() == state.StateBackendCrashed {
		// The relaunch shows the new page
		c.machine.SendEvent(state.EventActivate)
		return nil
	}
	if c.window == nil {
		return nil
	}
	return c.window.Focus()
}

// RequestShutdown starts shutdown without waiting for it
func (c *Coordinator) RequestShutdown() {
	go func() { _ = c.Shutdown(context.Background()) }()
}

// Shutdown stops the backend, closes the window and releases the instance
// lock. Only the first call does the work; every call waits for it or ctx.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		go c.performShutdown()
	})

	select {
	case <-c.shutdownDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) performShutdown() {
	c.logger.Info("Shutting down")
	c.shuttingDown.Store(true)
	c.machine.SendEvent(state.EventShutdown)
	c.cancelWork()

	c.opMu.Lock()
	stopped := c.sup.StopAsync()
	budget := c.cfg.StopGrace + shutdownStopBudget
	timer := time.NewTimer(budget)
	select {
	case <-stopped:
	case <-timer.C:
		c.logger.Errorw("Backend did not stop during shutdown", "budget", budget)
	}
	timer.Stop()
	c.opMu.Unlock()

	if c.window != nil {
		if err := c.window.Close(); err != nil {
			c.logger.Warnw("Failed to close window", "error", err)
		}
	}
	if c.lock != nil {
		if err := c.lock.Close(); err != nil {
			c.logger.Warnw("Failed to release instance lock", "error", err)
		}
	}

	c.machine.Shutdown()
	c.resolveWaiters(math.MaxUint64, ErrShuttingDown)
	close(c.shutdownDone)
	c.logger.Info("Shutdown complete")
}

// Status describes the launcher for the bridge and the tray
func (c *Coordinator) Status() bridge.Status {
	st := c.machine.CurrentState()
	info := state.GetInfo(st)

	c.mu.Lock()
	status := bridge.Status{
		State:    string(st),
		Message:  info.UserMessage,
		LaunchID: c.launchID,
		Port:     c.port,
	}
	c.mu.Unlock()

	if err := c.machine.LastError(); err != nil && info.IsError {
		status.Message = info.UserMessage + ": " + err.Error()
	}

	status.BackendStatus = string(c.sup.Status())
	if proc, ok := c.sup.Info(); ok {
		status.PID = proc.PID
		status.Mode = string(proc.Mode)
		startedAt := proc.StartedAt
		status.StartedAt = &startedAt
	}
	if c.window != nil {
		status.URL = c.window.URL()
	}
	if c.store != nil {
		_, err := c.store.Get()
		status.HasAPIKey = err == nil
	}
	return status
}
