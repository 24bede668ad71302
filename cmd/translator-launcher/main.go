package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/UnitHan/TestGPT-Translator/cmd/translator-launcher/internal/lifecycle"
	"github.com/UnitHan/TestGPT-Translator/cmd/translator-launcher/internal/monitor"
	"github.com/UnitHan/TestGPT-Translator/cmd/translator-launcher/internal/window"
	"github.com/UnitHan/TestGPT-Translator/internal/bridge"
	"github.com/UnitHan/TestGPT-Translator/internal/config"
	"github.com/UnitHan/TestGPT-Translator/internal/instance"
	"github.com/UnitHan/TestGPT-Translator/internal/logs"
	"github.com/UnitHan/TestGPT-Translator/internal/observability"
	"github.com/UnitHan/TestGPT-Translator/internal/port"
	"github.com/UnitHan/TestGPT-Translator/internal/prompt"
	"github.com/UnitHan/TestGPT-Translator/internal/secret"
	"github.com/UnitHan/TestGPT-Translator/internal/tray"
)

const (
	activateTimeout = 10 * time.Second
	closeTimeout    = 5 * time.Second
)

var (
	configFile string

	version = "development" // Set by build flags
)

func init() {
	// The tray event loop must own the main OS thread
	runtime.LockOSThread()
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "translator-launcher",
		Short:         "TestGPT Translator - starts the translation server and opens the translator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runLauncher,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file path (default: <data-dir>/launcher.yaml)")
	flags.Int("port", config.DefaultPort, "Preferred translation server port")
	flags.String("mode", string(config.ModeAuto), "Backend mode (auto, development, production)")
	flags.StringP("data-dir", "d", "", "Data directory path")
	flags.String("backend-dir", "", "Directory containing the translation server (default: next to the launcher)")
	flags.Bool("headless", false, "Run without tray or browser window")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-dir", "", "Custom log directory path (overrides standard OS location)")

	rootCmd.AddCommand(newCredentialCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newQuitCommand())

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, &exitError{code: ExitCodeConfigError, err: err}
	}
	return cfg, nil
}

func runLauncher(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, sanitizer, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	sugar := logger.Sugar()

	logDir, err := logs.ResolveLogDir(cfg.Logging.LogDir)
	if err != nil {
		return fmt.Errorf("failed to resolve log directory: %w", err)
	}

	logger.Info("Starting TestGPT Translator launcher",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.String("log_dir", logDir),
		zap.Int("preferred_port", cfg.Port),
		zap.Bool("headless", cfg.Headless))

	endpoint := instance.Endpoint(cfg.DataDir)
	lock, err := instance.Acquire(endpoint, logger.Named("instance"))
	if errors.Is(err, instance.ErrAlreadyRunning) {
		logger.Info("Launcher already running, activating it", zap.String("endpoint", endpoint))
		return activateRunning(cmd.Context(), endpoint)
	}
	if err != nil {
		return fmt.Errorf("failed to acquire single-instance lock: %w", err)
	}

	app, err := newApp(cfg, logDir, lock, sanitizer, sugar)
	if err != nil {
		_ = lock.Close()
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.run(ctx)
}

// app holds the launcher's wired components
type app struct {
	logger  *zap.SugaredLogger
	coord   *lifecycle.Coordinator
	bridge  *bridge.Server
	tray    *tray.App // nil when headless
	store   *secret.Store
	tracing *observability.Tracing
}

func newApp(cfg *config.Config, logDir string, lock *instance.Lock, sanitizer *logs.SecretSanitizer, logger *zap.SugaredLogger) (*app, error) {
	store, err := secret.Open(cfg.CredentialBackend, cfg.DataDir, logger.Named("secret"))
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	metrics := observability.NewMetrics()
	tracing, err := observability.NewTracing(logger.Named("tracing"), cfg.Tracing, version)
	if err != nil {
		logger.Warnw("Tracing unavailable, continuing without it", "error", err)
		tracing = nil
	}

	spec, err := monitor.ResolveLaunchSpec(cfg)
	if err != nil {
		_ = store.Close()
		return nil, &exitError{code: ExitCodeConfigError, err: err}
	}
	logger.Infow("Resolved translation server", "mode", spec.Mode, "binary", spec.Binary, "working_dir", spec.WorkingDir)

	sup := monitor.NewSupervisor(monitor.Options{
		Spec:      spec,
		DataDir:   cfg.DataDir,
		LogDir:    logDir,
		StopGrace: cfg.StopGrace,
		Metrics:   metrics,
		Logger:    logger.Named("supervisor"),
	})
	prober := monitor.NewProber(monitor.ProberOptions{
		RequestTimeout:    cfg.Readiness.RequestTimeout,
		RequiredSuccesses: cfg.Readiness.RequiredSuccesses,
		SuccessInterval:   cfg.Readiness.SuccessInterval,
		Metrics:           metrics,
		Logger:            logger.Named("health"),
	})

	var surface window.Surface = window.NewBrowserSurface(logger.Named("window"))
	if cfg.Headless {
		surface = window.NewLogSurface(logger.Named("window"))
	}
	win := window.NewController(window.Options{
		Surface:    surface,
		RetryDelay: cfg.LoadRetryDelay,
		Logger:     logger.Named("window"),
	})

	a := &app{logger: logger, store: store, tracing: tracing}

	var prompter lifecycle.Prompter = prompt.NewChooser()
	if !cfg.Headless {
		prompter = lifecycle.PrompterFunc(func(ctx context.Context, title, message string) (prompt.Choice, error) {
			return a.tray.AskRetry(ctx, title, message)
		})
	}

	portLogger := logger.Desugar().Named("port")
	a.coord = lifecycle.New(lifecycle.Options{
		Config:     cfg,
		Supervisor: sup,
		Prober:     prober,
		Window:     win,
		Store:      store,
		Prompter:   prompter,
		ChoosePort: func(ctx context.Context, preferred int) int {
			return port.ChoosePort(ctx, preferred, portLogger)
		},
		Lock:    lock,
		Secrets: sanitizer,
		Metrics: metrics,
		Tracing: tracing,
		Logger:  logger.Named("lifecycle"),
	})

	if !cfg.Headless {
		a.tray = tray.New(tray.Options{
			Launcher: a.coord,
			OpenLogs: func() error { return window.Open(logDir) },
			Logger:   logger.Named("tray"),
		})
	}

	token := uuid.NewString()
	sanitizer.RegisterSecret(token)
	a.bridge = bridge.NewServer(a.coord, token, metrics, logger.Named("bridge"))
	go func() {
		if err := a.bridge.Serve(lock); err != nil {
			logger.Debugw("Instance endpoint closed", "error", err)
		}
	}()
	bridgeURL, err := a.bridge.ListenTCP()
	if err != nil {
		logger.Warnw("Bridge unavailable to the UI", "error", err)
	} else {
		sup.SetBridge(bridgeURL, token)
	}

	return a, nil
}

func (a *app) run(ctx context.Context) error {
	if a.tray == nil {
		return a.coord.Run(ctx)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.coord.Run(ctx) }()

	trayCtx, cancelTray := context.WithCancel(context.Background())
	defer cancelTray()
	go func() {
		<-a.coord.Done()
		cancelTray()
	}()

	if err := a.tray.Run(trayCtx); err != nil {
		a.logger.Errorw("Tray application error", "error", err)
	}
	// The tray is gone; make sure the launcher follows
	a.coord.RequestShutdown()
	return <-runErr
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := a.bridge.Close(ctx); err != nil {
		a.logger.Warnw("Failed to close bridge", "error", err)
	}
	if err := a.tracing.Close(ctx); err != nil {
		a.logger.Warnw("Failed to flush traces", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warnw("Failed to close credential store", "error", err)
	}
	a.logger.Info("TestGPT Translator launcher stopped")
}

// activateRunning hands over to the launcher that holds the instance lock
func activateRunning(ctx context.Context, endpoint string) error {
	client, err := bridge.NewClient(endpoint, activateTimeout)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, activateTimeout)
	defer cancel()

	if err := client.Activate(ctx); err != nil {
		return fmt.Errorf("launcher is already running but did not respond: %w", err)
	}
	fmt.Fprintln(os.Stderr, "TestGPT Translator is already running.")
	return nil
}
