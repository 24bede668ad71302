package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/UnitHan/TestGPT-Translator/internal/bridge"
	"github.com/UnitHan/TestGPT-Translator/internal/instance"
)

const controlTimeout = 10 * time.Second

var errNotRunning = &exitError{code: ExitCodeNotRunning, err: errors.New("TestGPT Translator is not running")}

// connectRunning returns a bridge client for the running launcher, or errNotRunning
func connectRunning(ctx context.Context, cmd *cobra.Command, timeout time.Duration) (*bridge.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	endpoint := instance.Endpoint(cfg.DataDir)
	if !instance.IsRunning(ctx, endpoint) {
		return nil, errNotRunning
	}
	return bridge.NewClient(endpoint, timeout)
}

func newStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running launcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), controlTimeout)
			defer cancel()

			client, err := connectRunning(ctx, cmd, controlTimeout)
			if err != nil {
				return err
			}
			status, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

func printStatus(w io.Writer, s bridge.Status) {
	fmt.Fprintf(w, "State:    %s\n", s.State)
	if s.Message != "" {
		fmt.Fprintf(w, "Message:  %s\n", s.Message)
	}
	fmt.Fprintf(w, "Backend:  %s\n", s.BackendStatus)
	if s.PID > 0 {
		fmt.Fprintf(w, "PID:      %d\n", s.PID)
	}
	if s.Port > 0 {
		fmt.Fprintf(w, "Port:     %d\n", s.Port)
	}
	if s.Mode != "" {
		fmt.Fprintf(w, "Mode:     %s\n", s.Mode)
	}
	if s.StartedAt != nil {
		fmt.Fprintf(w, "Started:  %s\n", s.StartedAt.Format(time.RFC3339))
	}
	if s.URL != "" {
		fmt.Fprintf(w, "URL:      %s\n", s.URL)
	}
	apiKey := "not configured"
	if s.HasAPIKey {
		apiKey = "configured"
	}
	fmt.Fprintf(w, "API key:  %s\n", apiKey)
}

func newQuitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "Stop the running launcher and its translation server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), controlTimeout)
			defer cancel()

			client, err := connectRunning(ctx, cmd, controlTimeout)
			if err != nil {
				return err
			}
			if err := client.Quit(ctx); err != nil {
				return fmt.Errorf("failed to quit: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Shutdown requested.")
			return nil
		},
	}
}
