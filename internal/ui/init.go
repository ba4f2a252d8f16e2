package ui

import (
	"context"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"foundry/internal/chat"
	"foundry/internal/styles"
)

// New builds the UI around a session. The model subscribes to the session's
// store and re-renders on every change.
func New(ctx context.Context, sess *chat.Session, log *zap.SugaredLogger) *Model {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	ti := textarea.New()
	ti.Placeholder = "Ask anything... (Ctrl+S for shortcuts)"
	ti.Prompt = "❯ "
	ti.ShowLineNumbers = false
	ti.CharLimit = 0
	ti.MaxHeight = 6
	ti.SetHeight(2)
	ti.SetWidth(80)
	prompt := lipgloss.NewStyle().Foreground(styles.CurrentTheme.Primary).Bold(true)
	ti.FocusedStyle.Prompt = prompt
	ti.BlurredStyle.Prompt = prompt
	ti.FocusedStyle.Placeholder = lipgloss.NewStyle().Foreground(styles.HintColor)
	ti.BlurredStyle.Placeholder = lipgloss.NewStyle().Foreground(styles.HintColor)
	ti.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ti.BlurredStyle.CursorLine = lipgloss.NewStyle()
	// enter sends, so newlines come from the shortcuts in isNewlineShortcut
	ti.KeyMap.InsertNewline.SetEnabled(false)
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(styles.CurrentTheme.Streaming)

	return &Model{
		TextInput: ti,
		Viewport:  viewport.New(60, 15),
		Spinner:   sp,
		Session:   sess,
		Log:       log,
		ctx:       ctx,
		updates:   sess.Store().Subscribe(),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.Spinner.Tick,
		m.waitForStore(),
		m.load(),
	)
}

// Close drops the store subscription.
func (m *Model) Close() {
	m.Session.Store().Unsubscribe(m.updates)
}

func NewProgram(m *Model) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}

// LoginNotifier forwards login URLs from the token gate into the program.
func LoginNotifier(p *tea.Program) func(string) {
	return func(url string) {
		p.Send(LoginURLMsg{URL: url})
	}
}

func (m *Model) waitForStore() tea.Cmd {
	ch := m.updates
	return func() tea.Msg {
		v, ok := <-ch
		if !ok {
			return nil
		}
		return StoreChangedMsg{Version: v}
	}
}

func (m *Model) load() tea.Cmd {
	return func() tea.Msg {
		return LoadDoneMsg{Err: m.Session.Load(m.ctx)}
	}
}
