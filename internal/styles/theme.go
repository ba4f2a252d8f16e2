package styles

import "github.com/charmbracelet/lipgloss"

// Theme holds the colors that depend on the terminal background.
type Theme struct {
	Name      string
	Primary   lipgloss.Color
	TextMuted lipgloss.Color
	Pending   lipgloss.Color
	Done      lipgloss.Color
	Streaming lipgloss.Color
}

var DarkTheme = Theme{
	Name:      "dark",
	Primary:   lipgloss.Color("#80CBC4"),
	TextMuted: lipgloss.Color("#64748B"),
	Pending:   lipgloss.Color("#FBBF24"),
	Done:      lipgloss.Color("#34D399"),
	Streaming: lipgloss.Color("#60A5FA"),
}

var LightTheme = Theme{
	Name:      "light",
	Primary:   lipgloss.Color("#0F766E"),
	TextMuted: lipgloss.Color("#A1A1AA"),
	Pending:   lipgloss.Color("#F59E0B"),
	Done:      lipgloss.Color("#10B981"),
	Streaming: lipgloss.Color("#3B82F6"),
}

var CurrentTheme = DarkTheme

// InitTheme picks the theme from the terminal background.
func InitTheme() {
	if lipgloss.HasDarkBackground() {
		CurrentTheme = DarkTheme
	} else {
		CurrentTheme = LightTheme
	}
}

// GlamourStyle names the glamour style matching the current theme.
func GlamourStyle() string {
	return CurrentTheme.Name
}

// ToolStatus colors a tool call marker by whether it has completed.
func ToolStatus(done bool) lipgloss.Style {
	if done {
		return lipgloss.NewStyle().Foreground(CurrentTheme.Done).Bold(true)
	}
	return lipgloss.NewStyle().Foreground(CurrentTheme.Pending).Bold(true)
}
