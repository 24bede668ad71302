package prompt

import "github.com/charmbracelet/lipgloss"

var (
	colorError  = lipgloss.AdaptiveColor{Light: "160", Dark: "196"}
	colorAccent = lipgloss.AdaptiveColor{Light: "25", Dark: "75"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "245", Dark: "244"}

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorError)

	messageStyle = lipgloss.NewStyle().
			PaddingLeft(2)

	buttonStyle = lipgloss.NewStyle().
			Padding(0, 2).
			Foreground(colorMuted)

	selectedButtonStyle = lipgloss.NewStyle().
				Padding(0, 2).
				Bold(true).
				Foreground(lipgloss.AdaptiveColor{Light: "255", Dark: "255"}).
				Background(colorAccent)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Italic(true)
)
