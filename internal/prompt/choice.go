package prompt

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Choice is the user's answer to a startup failure
type Choice int

const (
	ChoiceExit Choice = iota
	ChoiceRetry
)

func (c Choice) String() string {
	if c == ChoiceRetry {
		return "retry"
	}
	return "exit"
}

var choiceLabels = []string{"Retry", "Exit"}

// choiceModel is a two-button Bubble Tea dialog
type choiceModel struct {
	title   string
	message string
	cursor  int // index into choiceLabels
	chosen  bool
}

func newChoiceModel(title, message string) choiceModel {
	return choiceModel{title: title, message: message}
}

func (m choiceModel) Init() tea.Cmd {
	return nil
}

func (m choiceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch keyMsg.String() {
	case "left", "h", "up", "k", "shift+tab":
		m.cursor = (m.cursor + len(choiceLabels) - 1) % len(choiceLabels)
	case "right", "l", "down", "j", "tab":
		m.cursor = (m.cursor + 1) % len(choiceLabels)
	case "r", "R":
		m.cursor = 0
		m.chosen = true
		return m, tea.Quit
	case "enter", " ":
		m.chosen = true
		return m, tea.Quit
	case "q", "Q", "esc", "ctrl+c", "x", "X":
		m.cursor = 1
		m.chosen = true
		return m, tea.Quit
	}
	return m, nil
}

func (m choiceModel) View() string {
	if m.chosen {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")
	b.WriteString(messageStyle.Render(m.message))
	b.WriteString("\n\n")

	buttons := make([]string, len(choiceLabels))
	for i, label := range choiceLabels {
		if i == m.cursor {
			buttons[i] = selectedButtonStyle.Render(label)
		} else {
			buttons[i] = buttonStyle.Render(label)
		}
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, buttons...))
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("←/→ select • enter confirm • r retry • q exit"))
	b.WriteString("\n")
	return b.String()
}

func (m choiceModel) choice() Choice {
	if m.chosen && m.cursor == 0 {
		return ChoiceRetry
	}
	return ChoiceExit
}

// Chooser asks retry-or-exit on the terminal
type Chooser struct {
	in          io.Reader
	out         io.Writer
	interactive func() bool
}

// NewChooser creates a chooser on stdin/stderr
func NewChooser() *Chooser {
	return &Chooser{in: os.Stdin, out: os.Stderr, interactive: IsInteractive}
}

// AskRetry shows the dialog and blocks until the user answers or ctx ends.
// Without a terminal it answers ChoiceExit and returns ErrNotInteractive.
func (c *Chooser) AskRetry(ctx context.Context, title, message string) (Choice, error) {
	if c.interactive != nil && !c.interactive() {
		fmt.Fprintf(c.out, "%s\n  %s\n", title, message)
		return ChoiceExit, ErrNotInteractive
	}

	program := tea.NewProgram(newChoiceModel(title, message),
		tea.WithContext(ctx),
		tea.WithInput(c.in),
		tea.WithOutput(c.out),
	)
	final, err := program.Run()
	if err != nil {
		return ChoiceExit, fmt.Errorf("prompt aborted: %w", err)
	}

	m, ok := final.(choiceModel)
	if !ok {
		return ChoiceExit, nil
	}
	return m.choice(), nil
}
