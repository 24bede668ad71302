package window

import (
	"fmt"
	"os/exec"
	"runtime"

	"go.uber.org/zap"
)

// BrowserSurface shows the UI in the system browser
type BrowserSurface struct {
	logger *zap.SugaredLogger
	run    func(name string, args ...string) error
}

// NewBrowserSurface creates a surface backed by the default browser
func NewBrowserSurface(logger *zap.SugaredLogger) *BrowserSurface {
	return &BrowserSurface{logger: logger, run: startCommand}
}

// Show opens url in the browser
func (b *BrowserSurface) Show(url string) error {
	name, args := openCommand(runtime.GOOS, url)
	b.logger.Debugw("Opening browser", "url", url, "command", name)
	if err := b.run(name, args...); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}

// Focus has nothing to raise before a page was shown
func (b *BrowserSurface) Focus() error {
	return nil
}

// Close leaves the browser alone; its tab is not ours to close
func (b *BrowserSurface) Close() error {
	return nil
}

// Open opens a URL or path with the platform's default handler
func Open(target string) error {
	name, args := openCommand(runtime.GOOS, target)
	return startCommand(name, args...)
}

func openCommand(goos, target string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{target}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}
	default:
		return "xdg-open", []string{target}
	}
}

// startCommand starts the opener and reaps it in the background
func startCommand(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// LogSurface only logs; used when running headless
type LogSurface struct {
	logger *zap.SugaredLogger
}

// NewLogSurface creates a headless surface
func NewLogSurface(logger *zap.SugaredLogger) *LogSurface {
	return &LogSurface{logger: logger}
}

func (l *LogSurface) Show(url string) error {
	l.logger.Infow("Translator UI available", "url", url)
	return nil
}

func (l *LogSurface) Focus() error {
	l.logger.Info("Focus requested")
	return nil
}

func (l *LogSurface) Close() error {
	return nil
}
