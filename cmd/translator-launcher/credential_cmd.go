package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/UnitHan/TestGPT-Translator/internal/bridge"
	"github.com/UnitHan/TestGPT-Translator/internal/prompt"
	"github.com/UnitHan/TestGPT-Translator/internal/secret"
)

// credentialTimeout covers a full backend restart when a launcher is running
const credentialTimeout = 2 * time.Minute

// newPrompter is replaced in tests
var newPrompter = func() prompt.UserPrompter { return prompt.NewConsolePrompter() }

// credentialTarget is either the running launcher or the store on disk
type credentialTarget struct {
	client *bridge.Client
	store  *secret.Store
}

func openCredentialTarget(ctx context.Context, cmd *cobra.Command) (*credentialTarget, error) {
	client, err := connectRunning(ctx, cmd, credentialTimeout)
	if err == nil {
		return &credentialTarget{client: client}, nil
	}
	if !errors.Is(err, errNotRunning) {
		return nil, err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	store, err := secret.Open(cfg.CredentialBackend, cfg.DataDir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return &credentialTarget{store: store}, nil
}

func (t *credentialTarget) close() {
	if t.store != nil {
		_ = t.store.Close()
	}
}

func newCredentialCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"key"},
		Short:   "Manage the Gemini API key",
		Long:    "Store, show or delete the Gemini API key. When the launcher is running the translation server restarts with the change.",
	}
	cmd.AddCommand(newCredentialSetCommand())
	cmd.AddCommand(newCredentialShowCommand())
	cmd.AddCommand(newCredentialDeleteCommand())
	return cmd
}

func newCredentialSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set [api-key]",
		Short: "Store the API key",
		Long:  "Store the API key. If no key is given it is read from the terminal without echo.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var apiKey string
			if len(args) == 1 {
				apiKey = args[0]
			} else {
				var err error
				apiKey, err = newPrompter().PromptSecret("Gemini API key: ")
				if err != nil {
					return fmt.Errorf("failed to read API key: %w", err)
				}
			}
			apiKey = strings.TrimSpace(apiKey)
			if apiKey == "" {
				return secret.ErrEmptyKey
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), credentialTimeout)
			defer cancel()

			target, err := openCredentialTarget(ctx, cmd)
			if err != nil {
				return err
			}
			defer target.close()

			if target.client != nil {
				if err := target.client.SetCredential(ctx, apiKey); err != nil {
					return fmt.Errorf("failed to save API key: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "API key saved. The translation server restarted with it.")
				return nil
			}
			if err := target.store.Set(apiKey); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key saved (%s).\n", secret.Mask(apiKey))
			return nil
		},
	}
}

func newCredentialShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored API key, masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), controlTimeout)
			defer cancel()

			target, err := openCredentialTarget(ctx, cmd)
			if err != nil {
				return err
			}
			defer target.close()

			var masked string
			found := true
			if target.client != nil {
				masked, found, err = target.client.MaskedCredential(ctx)
			} else {
				masked, err = target.store.Masked()
				if errors.Is(err, secret.ErrNotFound) {
					found, err = false, nil
				}
			}
			if err != nil {
				return fmt.Errorf("failed to read API key: %w", err)
			}

			if !found {
				fmt.Fprintln(cmd.OutOrStdout(), "No API key stored.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), masked)
			return nil
		},
	}
}

func newCredentialDeleteCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the stored API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				ok, err := newPrompter().PromptConfirm("Delete the stored API key?")
				if err != nil {
					return fmt.Errorf("confirmation failed (use --yes to skip): %w", err)
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
					return nil
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), credentialTimeout)
			defer cancel()

			target, err := openCredentialTarget(ctx, cmd)
			if err != nil {
				return err
			}
			defer target.close()

			if target.client != nil {
				err = target.client.DeleteCredential(ctx)
			} else {
				err = target.store.Delete()
			}
			if err != nil {
				return fmt.Errorf("failed to delete API key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key deleted.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}
