package styles

import "github.com/charmbracelet/lipgloss"

// ContentWidth is the inner width of modals, set on resize.
var ContentWidth = 54

var (
	userColor  = lipgloss.Color("#90CAF9")
	agentColor = lipgloss.Color("#80CBC4")
	bodyColor  = lipgloss.AdaptiveColor{Light: "#333333", Dark: "#E0E0E0"}

	HintColor = lipgloss.Color("#545454")
)

func roleLabel(bg lipgloss.TerminalColor) lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(bg).
		Bold(true).
		Padding(0, 1)
}

func roleBody(edge lipgloss.TerminalColor) lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(bodyColor).
		BorderLeft(true).
		BorderStyle(lipgloss.ThickBorder()).
		BorderForeground(edge)
}

var (
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(agentColor).Padding(0, 1)

	UserLabelStyle  = roleLabel(userColor)
	UserMsgStyle    = roleBody(userColor).PaddingLeft(2)
	AgentLabelStyle = roleLabel(agentColor)
	AgentMsgStyle   = roleBody(agentColor)

	ErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF9A9A")).Bold(true)
	NoticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF59D"))

	// tool call lines under an assistant reply
	ToolActionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).PaddingLeft(2)
	ToolIconStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CE93D8")).Bold(true)
	ToolNameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFCC80")).Bold(true)
	ToolDetailStyle = lipgloss.NewStyle().Foreground(HintColor)

	FeedbackStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A5D6A7")).Italic(true).PaddingLeft(2)

	InputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(agentColor).
			Padding(0, 1)

	WelcomeArtStyle      = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#000000", Dark: "#FFFFFF"}).Bold(true)
	WelcomeSubtitleStyle = lipgloss.NewStyle().Foreground(HintColor).Italic(true)

	ModalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(agentColor).
			Padding(1, 2)
	ModalTitleStyle    = lipgloss.NewStyle().Bold(true).Foreground(agentColor).MarginBottom(1)
	ModalItemStyle     = lipgloss.NewStyle().Padding(0, 1)
	ModalSelectedStyle = ModalItemStyle.
				Background(lipgloss.Color("#5C5C7A")).
				Foreground(lipgloss.Color("#FFFFFF"))
)
