package ui

import (
	"context"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/glamour"
	"go.uber.org/zap"

	"foundry/internal/chat"
)

const (
	MaxChatWidth = 100

	ChatListPageSize = 10
	ToolPreviewSize  = 600
)

var ModalWidth = 60

type ErrMsg error

type (
	// StoreChangedMsg is sent after every store mutation.
	StoreChangedMsg struct{ Version uint64 }
	SendDoneMsg     struct{ Err error }
	LoadDoneMsg     struct{ Err error }
	DeleteDoneMsg   struct{ Err error }
	FeedbackDoneMsg struct {
		MessageID string
		Err       error
	}
	// LoginURLMsg carries the address the user has to open to sign in.
	LoginURLMsg struct{ URL string }
)

type Model struct {
	Viewport  viewport.Model
	TextInput textarea.Model
	Spinner   spinner.Model
	Renderer  *glamour.TermRenderer

	Session *chat.Session
	Log     *zap.SugaredLogger
	ctx     context.Context
	updates <-chan uint64
	// OnLoaded runs once the first load attempt has finished.
	OnLoaded func()

	Err          error
	Notice       string
	LoginURL     string
	Loaded       bool
	WindowWidth  int
	WindowHeight int

	ChatListOpen bool
	ChatListIdx  int
	ChatListPage int
	ChatIDs      []string

	ShortcutsOpen bool

	ToolsOpen bool
	ToolIdx   int
}
