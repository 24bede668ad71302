// Package prompt asks the user things on the terminal: the API key for
// "credential set" and retry-or-exit after a failed startup.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned when a question needs a terminal and stdin is not one
var ErrNotInteractive = errors.New("stdin is not a terminal")

// UserPrompter handles user input prompting
type UserPrompter interface {
	// PromptSecret prompts for sensitive input, hidden when stdin is a terminal
	PromptSecret(message string) (string, error)
	// PromptConfirm prompts for yes/no confirmation
	PromptConfirm(message string) (bool, error)
}

// ConsolePrompter implements UserPrompter on stdin/stderr
type ConsolePrompter struct {
	in     *os.File
	reader *bufio.Reader
	out    io.Writer
}

// NewConsolePrompter creates a new console prompter
func NewConsolePrompter() *ConsolePrompter {
	return &ConsolePrompter{
		in:     os.Stdin,
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stderr,
	}
}

// IsInteractive reports whether stdin is a terminal
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func (p *ConsolePrompter) readLine() (string, error) {
	input, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && input != "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// PromptSecret reads a line without echo on a terminal, or a plain line from a pipe
func (p *ConsolePrompter) PromptSecret(message string) (string, error) {
	fmt.Fprint(p.out, message)

	fd := int(p.in.Fd())
	if !term.IsTerminal(fd) {
		return p.readLine()
	}

	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(secret)), nil
}

// PromptConfirm prompts for yes/no confirmation, defaulting to no
func (p *ConsolePrompter) PromptConfirm(message string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N]: ", message)
	input, err := p.readLine()
	if err != nil {
		return false, err
	}
	input = strings.ToLower(input)
	return input == "y" || input == "yes", nil
}

// MockPrompter implements UserPrompter for testing
type MockPrompter struct {
	Secret  string
	Confirm bool
	Err     error

	Messages []string
}

// PromptSecret returns the preset secret
func (m *MockPrompter) PromptSecret(message string) (string, error) {
	m.Messages = append(m.Messages, message)
	return m.Secret, m.Err
}

// PromptConfirm returns the preset confirmation
func (m *MockPrompter) PromptConfirm(message string) (bool, error) {
	m.Messages = append(m.Messages, message)
	return m.Confirm, m.Err
}
