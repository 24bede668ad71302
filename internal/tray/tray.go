//go:build !nogui && !headless

package tray

import (
	"context"
	_ "embed"
	"runtime"
	"sync"
	"time"

	"fyne.io/systray"
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/UnitHan/TestGPT-Translator/internal/prompt"
)

const (
	refreshInterval = time.Second
	readyTimeout    = 10 * time.Second
	restartTimeout  = 2 * time.Minute
)

//go:embed icon-32.png
var iconData []byte

// App is the system tray menu of the launcher
type App struct {
	launcher Launcher
	openLogs func() error
	logger   *zap.SugaredLogger
	fallback *prompt.Chooser

	ready     chan struct{}
	readyOnce sync.Once

	// Menu items for dynamic updates
	statusItem  *systray.MenuItem
	openItem    *systray.MenuItem
	restartItem *systray.MenuItem
	retryItem   *systray.MenuItem
	exitItem    *systray.MenuItem

	mu      sync.Mutex
	pending chan prompt.Choice // set while a retry prompt is shown
}

// New creates the tray application
func New(opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &App{
		launcher: opts.Launcher,
		openLogs: opts.OpenLogs,
		logger:   logger,
		fallback: prompt.NewChooser(),
		ready:    make(chan struct{}),
	}
}

// Run shows the tray icon until ctx is cancelled or the user quits. It must
// be called from the main goroutine.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting system tray")

	go func() {
		<-ctx.Done()
		a.logger.Debug("Context cancelled, quitting systray")
		systray.Quit()
	}()

	systray.Run(func() { a.onReady(ctx) }, a.onExit)
	return nil
}

// AskRetry raises a notification and shows Retry and Exit in the menu until
// one is clicked or ctx ends. Without a tray it falls back to the terminal.
func (a *App) AskRetry(ctx context.Context, title, message string) (prompt.Choice, error) {
	select {
	case <-a.ready:
	case <-time.After(readyTimeout):
		a.logger.Warn("System tray not available, asking in the terminal")
		return a.fallback.AskRetry(ctx, title, message)
	case <-ctx.Done():
		return prompt.ChoiceExit, ctx.Err()
	}

	a.notify(title, message)

	ch := make(chan prompt.Choice, 1)
	a.mu.Lock()
	a.pending = ch
	a.mu.Unlock()
	a.retryItem.Show()
	a.exitItem.Show()

	defer func() {
		a.mu.Lock()
		a.pending = nil
		a.mu.Unlock()
		a.retryItem.Hide()
		a.exitItem.Hide()
	}()

	select {
	case choice := <-ch:
		return choice, nil
	case <-ctx.Done():
		return prompt.ChoiceExit, ctx.Err()
	}
}

func (a *App) onReady(ctx context.Context) {
	systray.SetIcon(iconData)
	if runtime.GOOS == "darwin" {
		systray.SetTemplateIcon(iconData, iconData)
	}
	systray.SetTooltip(appTitle)

	a.statusItem = systray.AddMenuItem("Status: Starting...", "Launcher status")
	a.statusItem.Disable()

	a.retryItem = systray.AddMenuItem("Retry Startup", "Start the translation server again")
	a.exitItem = systray.AddMenuItem("Exit", "Give up and quit")
	a.retryItem.Hide()
	a.exitItem.Hide()

	systray.AddSeparator()

	a.openItem = systray.AddMenuItem("Open Translator", "Show the translator window")
	a.restartItem = systray.AddMenuItem("Restart Server", "Restart the translation server")
	logsItem := systray.AddMenuItem("Open Logs", "Open the log folder")
	if a.openLogs == nil {
		logsItem.Hide()
	}

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Stop the translator and quit")

	a.readyOnce.Do(func() { close(a.ready) })
	a.refresh()

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.refresh()
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case <-a.openItem.ClickedCh:
				go a.activate(ctx)
			case <-a.restartItem.ClickedCh:
				go a.restart(ctx)
			case <-logsItem.ClickedCh:
				go a.showLogs()
			case <-a.retryItem.ClickedCh:
				a.choose(prompt.ChoiceRetry)
			case <-a.exitItem.ClickedCh:
				a.choose(prompt.ChoiceExit)
			case <-quitItem.ClickedCh:
				a.logger.Info("Quit selected from tray menu")
				a.launcher.RequestShutdown()
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (a *App) onExit() {
	a.logger.Info("System tray exited")
	// The tray going away without a Quit click still ends the launcher
	a.launcher.RequestShutdown()
}

func (a *App) refresh() {
	status := a.launcher.Status()
	view := viewFor(status)

	a.statusItem.SetTitle(view.Status)
	systray.SetTooltip(view.Tooltip)
	setEnabled(a.openItem, view.CanOpen)
	setEnabled(a.restartItem, view.CanRestart)
}

func setEnabled(item *systray.MenuItem, enabled bool) {
	if enabled {
		item.Enable()
	} else {
		item.Disable()
	}
}

func (a *App) choose(choice prompt.Choice) {
	a.mu.Lock()
	ch := a.pending
	a.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- choice:
	default:
	}
}

func (a *App) activate(ctx context.Context) {
	if err := a.launcher.Activate(ctx); err != nil {
		a.logger.Warnw("Failed to open translator", "error", err)
	}
}

func (a *App) restart(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, restartTimeout)
	defer cancel()
	if err := a.launcher.Restart(ctx); err != nil {
		a.logger.Warnw("Restart from tray failed", "error", err)
		a.notify(appTitle, "The translation server could not be restarted. Check the logs for details.")
	}
}

func (a *App) showLogs() {
	if err := a.openLogs(); err != nil {
		a.logger.Warnw("Failed to open log folder", "error", err)
	}
}

func (a *App) notify(title, message string) {
	if err := beeep.Notify(title, message, ""); err != nil {
		a.logger.Debugw("Desktop notification failed", "error", err)
	}
}
