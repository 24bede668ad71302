package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UnitHan/TestGPT-Translator/internal/bridge"
	"github.com/UnitHan/TestGPT-Translator/internal/prompt"
	"github.com/UnitHan/TestGPT-Translator/internal/secret"
)

// runCLI executes the root command against a private data directory
func runCLI(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TRANSLATOR_CREDENTIAL_BACKEND", "file")
	t.Setenv("FLASK_PORT", "")

	configFile = ""
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--data-dir", dataDir}, args...))
	err := root.Execute()
	return out.String(), err
}

func withPrompter(t *testing.T, p prompt.UserPrompter) {
	t.Helper()
	orig := newPrompter
	newPrompter = func() prompt.UserPrompter { return p }
	t.Cleanup(func() { newPrompter = orig })
}

func TestCredentialLifecycleWithoutLauncher(t *testing.T) {
	dataDir := t.TempDir()

	out, err := runCLI(t, dataDir, "credential", "show")
	require.NoError(t, err)
	assert.Equal(t, "No API key stored.\n", out)

	out, err = runCLI(t, dataDir, "credential", "set", "AIzaTestKey0123456789")
	require.NoError(t, err)
	assert.Equal(t, "API key saved (AIzaTest...6789).\n", out)

	out, err = runCLI(t, dataDir, "credential", "show")
	require.NoError(t, err)
	assert.Equal(t, "AIzaTest...6789\n", out)

	out, err = runCLI(t, dataDir, "credential", "delete", "--yes")
	require.NoError(t, err)
	assert.Equal(t, "API key deleted.\n", out)

	out, err = runCLI(t, dataDir, "credential", "show")
	require.NoError(t, err)
	assert.Equal(t, "No API key stored.\n", out)
}

func TestCredentialSetPromptsWhenNoArgument(t *testing.T) {
	dataDir := t.TempDir()
	mock := &prompt.MockPrompter{Secret: "  AIzaPrompted0123456789 \n"}
	withPrompter(t, mock)

	out, err := runCLI(t, dataDir, "credential", "set")
	require.NoError(t, err)
	assert.Equal(t, "API key saved (AIzaProm...6789).\n", out)
	assert.Equal(t, []string{"Gemini API key: "}, mock.Messages)
}

func TestCredentialSetRejectsBlankKey(t *testing.T) {
	withPrompter(t, &prompt.MockPrompter{Secret: "   "})

	_, err := runCLI(t, t.TempDir(), "credential", "set")
	assert.ErrorIs(t, err, secret.ErrEmptyKey)
}

func TestCredentialSetPromptFailure(t *testing.T) {
	withPrompter(t, &prompt.MockPrompter{Err: prompt.ErrNotInteractive})

	_, err := runCLI(t, t.TempDir(), "credential", "set")
	assert.ErrorIs(t, err, prompt.ErrNotInteractive)
}

func TestCredentialDeleteCanBeCancelled(t *testing.T) {
	dataDir := t.TempDir()
	_, err := runCLI(t, dataDir, "credential", "set", "AIzaTestKey0123456789")
	require.NoError(t, err)

	withPrompter(t, &prompt.MockPrompter{Confirm: false})
	out, err := runCLI(t, dataDir, "credential", "delete")
	require.NoError(t, err)
	assert.Equal(t, "Cancelled.\n", out)

	out, err = runCLI(t, dataDir, "credential", "show")
	require.NoError(t, err)
	assert.Equal(t, "AIzaTest...6789\n", out)
}

func TestControlCommandsWithoutLauncher(t *testing.T) {
	for _, name := range []string{"status", "quit"} {
		t.Run(name, func(t *testing.T) {
			_, err := runCLI(t, t.TempDir(), name)
			require.Error(t, err)
			assert.Equal(t, ExitCodeNotRunning, exitCode(err))
			assert.Contains(t, err.Error(), "not running")
		})
	}
}

func TestInvalidConfigIsConfigError(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "--mode", "turbo", "status")
	require.Error(t, err)
	assert.Equal(t, ExitCodeConfigError, exitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitCodeSuccess, exitCode(nil))
	assert.Equal(t, ExitCodeGeneralError, exitCode(errors.New("boom")))
	assert.Equal(t, ExitCodeNotRunning, exitCode(errNotRunning))
}

func TestPrintStatus(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, bridge.Status{
		State:         "ready",
		Message:       "Ready",
		BackendStatus: "running",
		PID:           4242,
		Port:          5000,
		Mode:          "production",
		StartedAt:     &started,
		URL:           "http://127.0.0.1:5000/",
		HasAPIKey:     true,
	})

	want := strings.Join([]string{
		"State:    ready",
		"Message:  Ready",
		"Backend:  running",
		"PID:      4242",
		"Port:     5000",
		"Mode:     production",
		"Started:  2026-03-01T09:30:00Z",
		"URL:      http://127.0.0.1:5000/",
		"API key:  configured",
	}, "\n") + "\n"
	assert.Equal(t, want, buf.String())
}

func TestPrintStatusMinimal(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, bridge.Status{State: "initializing", BackendStatus: "idle"})
	assert.Equal(t, "State:    initializing\nBackend:  idle\nAPI key:  not configured\n", buf.String())
}
