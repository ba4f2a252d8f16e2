package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"foundry/internal/api"
	"foundry/internal/auth"
	"foundry/internal/chat"
	"foundry/internal/models"
	"foundry/internal/styles"
)

const loadingNotice = "Still loading your chats, one moment."

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case spinner.TickMsg:
		m.Spinner, spCmd = m.Spinner.Update(msg)
		if m.Session.Streaming() {
			m.UpdateViewport()
		}
		return m, spCmd

	case StoreChangedMsg:
		m.UpdateViewport()
		return m, m.waitForStore()

	case LoadDoneMsg:
		m.Loaded = true
		if msg.Err != nil {
			m.Err = msg.Err
		}
		if m.OnLoaded != nil {
			m.OnLoaded()
		}
		m.UpdateViewport()
		return m, nil

	case SendDoneMsg:
		if msg.Err != nil {
			m.Err = msg.Err
			if errors.Is(msg.Err, api.ErrUnauthorized) || errors.Is(msg.Err, auth.ErrLoginRequired) {
				m.Notice = "Session expired, sign in again to continue."
			}
		}
		m.UpdateViewport()
		return m, nil

	case DeleteDoneMsg:
		if msg.Err != nil {
			m.Err = msg.Err
		} else {
			m.Notice = "Chat deleted."
		}
		m.UpdateViewport()
		return m, nil

	case FeedbackDoneMsg:
		if msg.Err != nil {
			m.Err = msg.Err
		} else {
			m.Notice = "Thanks for the feedback."
		}
		m.UpdateViewport()
		return m, nil

	case LoginURLMsg:
		m.LoginURL = msg.URL
		return m, nil

	case ErrMsg:
		m.Err = msg
		m.UpdateViewport()
		return m, nil

	case tea.KeyMsg:
		if m.ChatListOpen {
			return m.updateChatList(msg)
		}
		if m.ToolsOpen {
			return m.updateToolList(msg)
		}
		if m.ShortcutsOpen {
			switch msg.String() {
			case "ctrl+c":
				return m, tea.Quit
			case "esc", "enter", "?", "ctrl+s":
				m.ShortcutsOpen = false
			}
			return m, nil
		}

		if isNewlineShortcut(msg) {
			m.TextInput.InsertString("\n")
			m.updateInputLayout()
			return m, nil
		}

		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit

		case tea.KeyEsc:
			m.Err = nil
			m.Notice = ""
			m.LoginURL = ""
			return m, nil

		case tea.KeyCtrlN, tea.KeyCtrlO, tea.KeyCtrlT, tea.KeyCtrlD, tea.KeyEnter:
			if !m.Loaded {
				m.Notice = loadingNotice
				return m, nil
			}
		}

		switch msg.Type {
		case tea.KeyCtrlN:
			if m.Session.Streaming() {
				return m, nil
			}
			m.Session.NewChat()
			m.resetInput()
			return m, nil

		case tea.KeyCtrlO:
			m.openChatList()
			return m, nil

		case tea.KeyCtrlT:
			m.ToolsOpen = true
			m.ToolIdx = 0
			return m, nil

		case tea.KeyCtrlS:
			m.ShortcutsOpen = true
			return m, nil

		case tea.KeyCtrlD:
			if m.Session.Streaming() {
				return m, nil
			}
			return m, m.deleteCurrent()

		case tea.KeyEnter:
			return m, m.submit()
		}

	case tea.WindowSizeMsg:
		m.WindowWidth = msg.Width
		m.WindowHeight = msg.Height

		ModalWidth = msg.Width - 10
		if ModalWidth > 70 {
			ModalWidth = 70
		}
		if ModalWidth < 30 {
			ModalWidth = 30
		}
		styles.ContentWidth = ModalWidth - 6

		chatWidth := msg.Width - 2
		if chatWidth > MaxChatWidth {
			chatWidth = MaxChatWidth
		}
		m.Viewport.Width = chatWidth - 2

		m.updateInputLayout()
		m.Renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle(styles.GlamourStyle()),
			glamour.WithWordWrap(chatWidth-6),
		)
		m.UpdateViewport()
		return m, nil
	}

	m.TextInput, tiCmd = m.TextInput.Update(msg)
	m.updateInputLayout()

	// terminal background queries can leak into the input
	val := m.TextInput.Value()
	if strings.Contains(val, "]11;rgb:") || strings.Contains(val, "[1;1R") {
		m.TextInput.Reset()
	}

	m.Viewport, vpCmd = m.Viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

// submit sends the input as a turn, or runs it as a slash command.
func (m *Model) submit() tea.Cmd {
	input := strings.TrimSpace(m.TextInput.Value())
	if input == "" {
		return nil
	}
	if !m.Loaded {
		m.Notice = loadingNotice
		return nil
	}
	if m.Session.Streaming() {
		m.Notice = "Still answering, wait for the response to finish."
		return nil
	}

	if strings.HasPrefix(input, "/") {
		cmd, handled := m.command(input)
		if handled {
			m.resetInput()
			return cmd
		}
	}

	m.resetInput()
	m.Err = nil
	m.Notice = ""
	return tea.Batch(m.send(input), m.Spinner.Tick)
}

func (m *Model) command(input string) (tea.Cmd, bool) {
	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/new", "/clear":
		m.Session.NewChat()
		return nil, true
	case "/delete":
		return m.deleteCurrent(), true
	case "/chats":
		m.openChatList()
		return nil, true
	case "/tools":
		m.ToolsOpen = true
		m.ToolIdx = 0
		return nil, true
	case "/good":
		return m.feedback(1, rest), true
	case "/bad":
		return m.feedback(0, rest), true
	}
	return nil, false
}

func (m *Model) send(input string) tea.Cmd {
	ctx := m.ctx
	sess := m.Session
	return func() tea.Msg {
		return SendDoneMsg{Err: sess.Send(ctx, input)}
	}
}

func (m *Model) deleteCurrent() tea.Cmd {
	ctx := m.ctx
	sess := m.Session
	return func() tea.Msg {
		return DeleteDoneMsg{Err: sess.DeleteCurrent(ctx)}
	}
}

// feedback rates the latest assistant reply of the current chat.
func (m *Model) feedback(score int, text string) tea.Cmd {
	conv, ok := m.Session.Conversation()
	if !ok {
		return nil
	}
	idx := models.LastAIIndex(conv.Messages)
	if idx < 0 {
		m.Notice = "Nothing to rate yet."
		return nil
	}
	msgID := conv.Messages[idx].ID
	if m.Session.Submitted(msgID) {
		m.Notice = "Feedback already sent for this reply."
		return nil
	}
	ctx := m.ctx
	sess := m.Session
	return func() tea.Msg {
		err := sess.Feedback(ctx, msgID, score, text)
		if errors.Is(err, chat.ErrNoRun) {
			err = fmt.Errorf("feedback is only available right after a reply: %w", err)
		}
		return FeedbackDoneMsg{MessageID: msgID, Err: err}
	}
}

func (m *Model) openChatList() {
	m.ChatListOpen = true
	m.ChatIDs = m.Session.Store().IDs()
	m.ChatListPage = 0
	m.ChatListIdx = 0
	current := m.Session.Current()
	for i, id := range m.ChatIDs {
		if id == current {
			m.ChatListPage = i / ChatListPageSize
			m.ChatListIdx = i % ChatListPageSize
			break
		}
	}
}

func (m *Model) chatPage() []string {
	start := m.ChatListPage * ChatListPageSize
	if start >= len(m.ChatIDs) {
		return nil
	}
	end := start + ChatListPageSize
	if end > len(m.ChatIDs) {
		end = len(m.ChatIDs)
	}
	return m.ChatIDs[start:end]
}

func (m *Model) updateChatList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	page := m.chatPage()
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc", "ctrl+o":
		m.ChatListOpen = false
	case "up", "k":
		if len(page) > 0 {
			m.ChatListIdx = (m.ChatListIdx - 1 + len(page)) % len(page)
		}
	case "down", "j":
		if len(page) > 0 {
			m.ChatListIdx = (m.ChatListIdx + 1) % len(page)
		}
	case "left", "h":
		if m.ChatListPage > 0 {
			m.ChatListPage--
			m.ChatListIdx = 0
		}
	case "right", "l":
		if (m.ChatListPage+1)*ChatListPageSize < len(m.ChatIDs) {
			m.ChatListPage++
			m.ChatListIdx = 0
		}
	case "enter":
		if m.ChatListIdx < len(page) && !m.Session.Streaming() {
			if err := m.Session.Select(page[m.ChatListIdx]); err != nil {
				m.Err = err
			}
			m.ChatListOpen = false
			m.UpdateViewport()
		}
	case "d", "delete":
		if m.ChatListIdx < len(page) && !m.Session.Streaming() {
			if err := m.Session.Select(page[m.ChatListIdx]); err != nil {
				m.Err = err
				return m, nil
			}
			m.ChatListOpen = false
			return m, m.deleteCurrent()
		}
	}
	return m, nil
}

func (m *Model) updateToolList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	calls := m.currentToolCalls()
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc", "ctrl+t", "enter":
		m.ToolsOpen = false
	case "up", "k":
		if len(calls) > 0 {
			m.ToolIdx = (m.ToolIdx - 1 + len(calls)) % len(calls)
		}
	case "down", "j":
		if len(calls) > 0 {
			m.ToolIdx = (m.ToolIdx + 1) % len(calls)
		}
	}
	return m, nil
}

// currentToolCalls lists the ledger entries of the current chat in the order
// the assistant requested them.
func (m *Model) currentToolCalls() []models.ToolCallState {
	conv, ok := m.Session.Conversation()
	if !ok {
		return nil
	}
	ledger := m.Session.ToolCalls()
	var out []models.ToolCallState
	for _, msg := range conv.Messages {
		for _, tc := range msg.ToolCalls {
			if st, ok := ledger[tc.ID]; ok {
				out = append(out, st)
			} else {
				out = append(out, models.ToolCallState{ToolCall: tc})
			}
		}
	}
	return out
}

func isNewlineShortcut(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "shift+enter", "shift+return", "ctrl+j", "ctrl+enter", "alt+enter":
		return true
	default:
		return false
	}
}

func (m *Model) resetInput() {
	m.TextInput.Reset()
	m.updateInputLayout()
}

func (m *Model) updateInputLayout() {
	if m.WindowWidth == 0 || m.WindowHeight == 0 {
		return
	}

	inputWidth := m.WindowWidth - 6
	if inputWidth < 20 {
		inputWidth = 20
	}
	contentWidth := inputWidth - 2
	if contentWidth < 1 {
		contentWidth = 1
	}

	maxInputHeight := 6
	lineCount := WrappedLineCount(m.TextInput.Value(), contentWidth)
	if lineCount < 1 {
		lineCount = 1
	}
	if lineCount > maxInputHeight {
		lineCount = maxInputHeight
	}

	m.TextInput.MaxHeight = maxInputHeight
	m.TextInput.SetWidth(inputWidth)
	m.TextInput.SetHeight(lineCount)

	inputBoxHeight := m.TextInput.Height() + 2
	reserved := inputBoxHeight + 6
	viewportHeight := m.WindowHeight - reserved
	if viewportHeight < 5 {
		viewportHeight = 5
	}
	m.Viewport.Height = viewportHeight
}
