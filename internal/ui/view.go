package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"foundry/internal/models"
	"foundry/internal/styles"
)

// RenderTranscript draws the current conversation. Tool messages are not
// shown on their own; their outputs mark the tool call as done.
func (m *Model) RenderTranscript() string {
	conv, ok := m.Session.Conversation()
	if !ok {
		return ""
	}
	ledger := m.Session.ToolCalls()
	width := m.Viewport.Width
	if width <= 0 {
		width = 60
	}

	var blocks []string
	for _, msg := range conv.Messages {
		switch msg.Role {
		case models.RoleHuman:
			blocks = append(blocks, FormatUserMessage(msg.Content.String(), width))
		case models.RoleAI:
			var tools []string
			for _, tc := range msg.ToolCalls {
				st, known := ledger[tc.ID]
				tools = append(tools, FormatToolCall(tc, known && !st.Pending(), width))
			}
			content := msg.Content.String()
			if m.Renderer != nil && content != "" {
				if rendered, err := m.Renderer.Render(content); err == nil {
					content = strings.TrimSpace(rendered)
				}
			}
			footer := ""
			if m.Session.Submitted(msg.ID) {
				footer = styles.FeedbackStyle.Render("feedback sent")
			}
			blocks = append(blocks, FormatAgentMessage(content, tools, footer))
		}
	}
	return strings.Join(blocks, "\n\n")
}

func (m *Model) UpdateViewport() {
	content := m.RenderTranscript()
	streaming := m.Session.Streaming()

	if content == "" && !streaming {
		m.Viewport.SetContent(GetWelcomeScreen(m.Viewport.Width, m.Viewport.Height, m.Loaded))
		return
	}
	if streaming {
		status := fmt.Sprintf("%s Thinking...", m.Spinner.View())
		content = content + "\n\n" + lipgloss.NewStyle().Foreground(styles.CurrentTheme.Streaming).Render(status)
	}
	m.Viewport.SetContent(content)
	m.Viewport.GotoBottom()
}

func GetWelcomeScreen(width, height int, loaded bool) string {
	art := `
 ╭──────────────────────────────────────────────╮
 │   ░█▀▀░█▀█░█░█░█▀█░█▀▄░█▀▄░█░█               │
 │   ░█▀▀░█░█░█░█░█░█░█░█░█▀▄░░█░               │
 │   ░▀░░░▀▀▀░▀▀▀░▀░▀░▀▀░░▀░▀░░▀░               │
 ╰──────────────────────────────────────────────╯
`
	subtitle := "Ask the agent anything. Ctrl+S lists the shortcuts."
	if !loaded {
		subtitle = "Loading your chats..."
	}

	styledArt := styles.WelcomeArtStyle.Render(art)
	styledSubtitle := styles.WelcomeSubtitleStyle.Render(subtitle)
	content := lipgloss.JoinVertical(lipgloss.Center, styledArt, "", styledSubtitle)
	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, content)
}

func (m *Model) RenderChatList() string {
	totalPages := (len(m.ChatIDs) + ChatListPageSize - 1) / ChatListPageSize
	if totalPages < 1 {
		totalPages = 1
	}
	title := styles.ModalTitleStyle.Render(fmt.Sprintf("Chats (%d) - Page %d/%d", len(m.ChatIDs), m.ChatListPage+1, totalPages))

	page := m.chatPage()
	var body string
	if len(page) == 0 {
		body = styles.ModalItemStyle.Render(lipgloss.NewStyle().Foreground(styles.HintColor).Render("No chats yet"))
	} else {
		current := m.Session.Current()
		items := make([]string, 0, len(page))
		for i, id := range page {
			conv, ok := m.Session.Store().Get(id)
			if !ok {
				continue
			}
			cursor := "  "
			if i == m.ChatListIdx {
				cursor = "> "
			}
			marker := " "
			if id == current {
				marker = "●"
			}
			count := fmt.Sprintf("%d msgs", len(conv.Messages))
			avail := styles.ContentWidth - 6 - lipgloss.Width(count)
			line := fmt.Sprintf("%s%s %s %s", cursor, marker, TruncateWidth(PromptPreview(conv.Title), avail),
				lipgloss.NewStyle().Foreground(styles.HintColor).Render(count))
			style := styles.ModalItemStyle
			if i == m.ChatListIdx {
				style = styles.ModalSelectedStyle
			}
			items = append(items, style.Width(styles.ContentWidth).Render(line))
		}
		body = lipgloss.JoinVertical(lipgloss.Left, items...)
	}

	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render("↑/↓: navigate • ←/→: page • Enter: open • d: delete • Esc: close")
	return lipgloss.JoinVertical(lipgloss.Left, title, body, hint)
}

func (m *Model) RenderToolList() string {
	calls := m.currentToolCalls()
	title := styles.ModalTitleStyle.Render(fmt.Sprintf("Tool Calls (%d)", len(calls)))

	if len(calls) == 0 {
		empty := styles.ModalItemStyle.Render(lipgloss.NewStyle().Foreground(styles.HintColor).Render("No tool calls in this chat"))
		return lipgloss.JoinVertical(lipgloss.Left, title, empty)
	}
	if m.ToolIdx >= len(calls) {
		m.ToolIdx = len(calls) - 1
	}

	var items []string
	for i, st := range calls {
		line := FormatToolCall(st.ToolCall, !st.Pending(), styles.ContentWidth)
		if i == m.ToolIdx {
			line = styles.ModalSelectedStyle.Width(styles.ContentWidth).Render(TruncateWidth(st.ToolCall.Name+"  "+FormatArgs(st.ToolCall.Args), styles.ContentWidth-2))
		}
		items = append(items, line)
	}

	sel := calls[m.ToolIdx]
	detail := lipgloss.JoinVertical(lipgloss.Left,
		"",
		styles.ToolNameStyle.Render("id: ")+sel.ToolCall.ID,
		styles.ToolNameStyle.Render("output:"),
		lipgloss.NewStyle().Width(styles.ContentWidth).Render(FormatOutput(sel.Output, ToolPreviewSize)),
	)

	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render("↑/↓: navigate • Esc: close")
	return lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, items...), detail, hint)
}

func (m *Model) RenderShortcutsModal() string {
	title := styles.ModalTitleStyle.Render("Keyboard Shortcuts")

	shortcuts := []struct {
		key  string
		desc string
	}{
		{"Enter", "Send message"},
		{"Alt+Enter", "New line"},
		{"Ctrl+N", "New chat"},
		{"Ctrl+O", "Open chat list"},
		{"Ctrl+D", "Delete current chat"},
		{"Ctrl+T", "Inspect tool calls"},
		{"/good /bad", "Rate the last reply"},
		{"Esc", "Dismiss messages"},
		{"Ctrl+C", "Quit"},
	}

	keyStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFCC80")).
		Bold(true).
		Width(12)
	descStyle := lipgloss.NewStyle().
		Foreground(lipgloss.AdaptiveColor{Light: "#333333", Dark: "#E0E0E0"})

	var items []string
	for _, s := range shortcuts {
		line := fmt.Sprintf("%s %s", keyStyle.Render(s.key), descStyle.Render(s.desc))
		items = append(items, styles.ModalItemStyle.Render(line))
	}

	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render("Esc/Enter: close")
	return lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, items...), hint)
}

func (m *Model) RenderBottomBar() string {
	title := models.PlaceholderTitle
	if conv, ok := m.Session.Conversation(); ok {
		title = conv.Title
	}
	chatTitle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(styles.CurrentTheme.Primary).
		Padding(0, 1).
		Render(TruncateWidth(title, 30))

	state := "idle"
	stateColor := styles.CurrentTheme.TextMuted
	if m.Session.Streaming() {
		state = "streaming"
		stateColor = styles.CurrentTheme.Streaming
	}
	status := lipgloss.NewStyle().Foreground(stateColor).Render(state)

	run := ""
	if id := m.Session.RunID(); id != "" {
		run = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")).Render("run " + TruncateWidth(id, 12))
	}
	chats := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).
		Render(fmt.Sprintf("%d chats", m.Session.Store().Len()))
	help := lipgloss.NewStyle().Foreground(lipgloss.Color("#555555")).Render("Help: ^S")

	leftSide := lipgloss.JoinHorizontal(lipgloss.Center, chatTitle, "  ", status)
	rightSide := lipgloss.JoinHorizontal(lipgloss.Center, run, "  ", chats, "  ", help)

	availableWidth := m.WindowWidth - lipgloss.Width(leftSide) - lipgloss.Width(rightSide) - 2
	if availableWidth < 0 {
		availableWidth = 0
	}
	bar := lipgloss.JoinHorizontal(lipgloss.Center, leftSide, strings.Repeat(" ", availableWidth), rightSide)

	return lipgloss.NewStyle().
		Width(m.WindowWidth).
		BorderTop(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#333333")).
		Padding(0, 1).
		Render(bar)
}

// RenderStatus shows the login prompt, the last error or a notice.
func (m *Model) RenderStatus() string {
	width := m.WindowWidth - 4
	switch {
	case m.LoginURL != "":
		return styles.NoticeStyle.Width(width).Render("Sign in to continue: " + m.LoginURL)
	case m.Err != nil:
		return styles.ErrorStyle.Width(width).Render(fmt.Sprintf("Error: %v", m.Err))
	case m.Notice != "":
		return styles.NoticeStyle.Width(width).Render(m.Notice)
	}
	return ""
}

func (m *Model) View() string {
	inputBox := styles.InputBoxStyle.Width(m.WindowWidth - 4).Render(m.TextInput.View())

	parts := []string{
		styles.TitleStyle.Render("FOUNDRY"),
		"",
		m.Viewport.View(),
	}
	if status := m.RenderStatus(); status != "" {
		parts = append(parts, status)
	} else {
		parts = append(parts, "")
	}
	parts = append(parts, inputBox)

	chatArea := lipgloss.PlaceHorizontal(m.WindowWidth, lipgloss.Center, lipgloss.JoinVertical(lipgloss.Center, parts...))
	content := lipgloss.JoinVertical(lipgloss.Left, chatArea, m.RenderBottomBar())

	var modal string
	switch {
	case m.ChatListOpen:
		modal = m.RenderChatList()
	case m.ToolsOpen:
		modal = m.RenderToolList()
	case m.ShortcutsOpen:
		modal = m.RenderShortcutsModal()
	default:
		return content
	}
	modal = styles.ModalStyle.Width(ModalWidth).Render(modal)
	return lipgloss.Place(m.WindowWidth, m.WindowHeight, lipgloss.Center, lipgloss.Center, modal)
}
