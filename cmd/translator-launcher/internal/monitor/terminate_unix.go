//go:build !windows

package monitor

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// unixTerminator signals the backend's process group
type unixTerminator struct {
	logger *zap.SugaredLogger
}

func newPlatformTerminator(logger *zap.SugaredLogger) Terminator {
	return &unixTerminator{logger: logger}
}

func (t *unixTerminator) Prepare(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// Terminate sends SIGTERM to the process group
func (t *unixTerminator) Terminate(pid int) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// Kill sends SIGKILL to the process group and to every descendant that left it
func (t *unixTerminator) Kill(pid int) error {
	// Walk the tree before killing the leader; orphans get reparented
	children, err := descendants(pid)
	if err != nil {
		t.logger.Warnw("Failed to enumerate backend children", "pid", pid, "error", err)
	}

	var killErr error
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		killErr = err
	}
	for _, child := range children {
		if err := unix.Kill(child, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			t.logger.Debugw("Failed to kill backend child", "pid", child, "error", err)
		}
	}
	return killErr
}

func exitInfoFrom(cmd *exec.Cmd, err error) ExitInfo {
	info := ExitInfo{Timestamp: time.Now(), Error: err}
	if cmd.ProcessState == nil {
		info.Code = -1
		return info
	}
	info.Code = cmd.ProcessState.ExitCode()
	if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		info.Signal = status.Signal().String()
	}
	return info
}
