//go:build nogui || headless

package tray

import (
	"context"

	"go.uber.org/zap"

	"github.com/UnitHan/TestGPT-Translator/internal/prompt"
)

// App is the tray stand-in for builds without a GUI
type App struct {
	logger  *zap.SugaredLogger
	chooser *prompt.Chooser
}

// New creates the tray stand-in
func New(opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &App{logger: logger, chooser: prompt.NewChooser()}
}

// Run blocks until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Tray functionality disabled (nogui/headless build)")
	<-ctx.Done()
	return nil
}

// AskRetry asks in the terminal
func (a *App) AskRetry(ctx context.Context, title, message string) (prompt.Choice, error) {
	return a.chooser.AskRetry(ctx, title, message)
}
