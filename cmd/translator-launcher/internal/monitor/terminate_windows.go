//go:build windows

package monitor

import (
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// createNoWindow keeps the packaged server from opening a console
const createNoWindow = 0x08000000

// windowsTerminator ends the backend tree with taskkill and TerminateProcess
type windowsTerminator struct {
	logger *zap.SugaredLogger
}

func newPlatformTerminator(logger *zap.SugaredLogger) Terminator {
	return &windowsTerminator{logger: logger}
}

func (t *windowsTerminator) Prepare(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: createNoWindow,
	}
}

// Terminate asks the tree to close without /F
func (t *windowsTerminator) Terminate(pid int) error {
	return t.taskkill(pid, false)
}

// Kill runs taskkill /F /T and terminates any descendant it missed
func (t *windowsTerminator) Kill(pid int) error {
	children, err := descendants(pid)
	if err != nil {
		t.logger.Warnw("Failed to enumerate backend children", "pid", pid, "error", err)
	}

	killErr := t.taskkill(pid, true)
	for _, p := range append(children, pid) {
		if err := terminateProcess(p); err != nil {
			t.logger.Debugw("TerminateProcess failed", "pid", p, "error", err)
		}
	}
	return killErr
}

func (t *windowsTerminator) taskkill(pid int, force bool) error {
	args := []string{"/PID", strconv.Itoa(pid), "/T"}
	if force {
		args = append(args, "/F")
	}
	cmd := exec.Command("taskkill", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: createNoWindow}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("taskkill %v: %w (%s)", args, err, out)
	}
	return nil
}

func terminateProcess(pid int) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.TerminateProcess(h, 1)
}

func exitInfoFrom(cmd *exec.Cmd, err error) ExitInfo {
	info := ExitInfo{Timestamp: time.Now(), Error: err}
	if cmd.ProcessState == nil {
		info.Code = -1
		return info
	}
	info.Code = cmd.ProcessState.ExitCode()
	return info
}
