// Package tray shows the launcher in the system tray. It also asks the user
// whether to retry a failed startup there.
package tray

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/UnitHan/TestGPT-Translator/internal/bridge"
)

const (
	appTitle = "TestGPT Translator"

	// maxStatusLen keeps error text from stretching the menu
	maxStatusLen = 64

	crashHint = "Open Translator starts it again"
)

// Launcher is the part of the lifecycle coordinator driven from the menu
type Launcher interface {
	Status() bridge.Status
	Activate(ctx context.Context) error
	Restart(ctx context.Context) error
	RequestShutdown()
}

// Options configures the tray
type Options struct {
	Launcher Launcher
	OpenLogs func() error // opens the log folder, nil hides the menu entry
	Logger   *zap.SugaredLogger
}

// menuView is what the menu shows for one launcher status
type menuView struct {
	Status     string
	Tooltip    string
	CanOpen    bool
	CanRestart bool
}

func viewFor(s bridge.Status) menuView {
	msg := s.Message
	if msg == "" {
		msg = stateLabel(s.State)
	}

	var tip strings.Builder
	tip.WriteString(appTitle)
	tip.WriteString(" - ")
	tip.WriteString(stateLabel(s.State))
	if s.State == "ready" && s.URL != "" {
		tip.WriteString("\n")
		tip.WriteString(s.URL)
	}
	if s.State == "backend_crashed" {
		tip.WriteString("\n")
		tip.WriteString(crashHint)
	}
	if !s.HasAPIKey {
		tip.WriteString("\nNo API key configured")
	}

	return menuView{
		Status:     "Status: " + truncate(firstLine(msg), maxStatusLen),
		Tooltip:    tip.String(),
		CanOpen:    s.State != "shutting_down",
		CanRestart: s.State != "shutting_down" && s.State != "initializing",
	}
}

func stateLabel(state string) string {
	switch state {
	case "ready":
		return "Ready"
	case "backend_crashed":
		return "Stopped"
	case "startup_failed":
		return "Startup failed"
	case "restarting":
		return "Restarting"
	case "shutting_down":
		return "Shutting down"
	default:
		return "Starting"
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
