// Package chat drives a conversation: it sends turns to the agent, applies
// the streamed events to the store and ledger, and manages the chat list.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"foundry/internal/api"
	"foundry/internal/auth"
	"foundry/internal/ledger"
	"foundry/internal/models"
	"foundry/internal/persist"
	"foundry/internal/store"
	"foundry/internal/stream"
	"foundry/internal/title"
	"foundry/internal/transform"
)

var (
	ErrStreaming    = errors.New("a response is still streaming")
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoRun        = errors.New("no run to give feedback on")
	ErrInvalidScore = errors.New("feedback score must be 0 or 1")
	// ErrNotReady is returned before a chat has been loaded or created.
	ErrNotReady = errors.New("no chat selected yet")
)

const titleTimeout = 30 * time.Second

// Agent is the part of the backend that runs turns.
type Agent interface {
	OpenStream(ctx context.Context, in api.StreamInput) (io.ReadCloser, error)
	SendFeedback(ctx context.Context, fb api.Feedback) error
}

type Deps struct {
	Store   *store.Store
	Ledger  *ledger.Ledger
	Backend persist.Backend
	Agent   Agent
	Gate    auth.Gate
	Titler  title.Generator
	Log     *zap.SugaredLogger
}

type Session struct {
	store   *store.Store
	ledger  *ledger.Ledger
	backend persist.Backend
	agent   Agent
	gate    auth.Gate
	titler  title.Generator
	log     *zap.SugaredLogger

	mu        sync.Mutex
	current   string
	streaming bool
	target    string
	turn      uint64
	runID     string
	submitted map[string]bool

	titles sync.WaitGroup
}

func New(d Deps) *Session {
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	if d.Store == nil {
		d.Store = store.New()
	}
	if d.Ledger == nil {
		d.Ledger = ledger.New()
	}
	return &Session{
		store:     d.Store,
		ledger:    d.Ledger,
		backend:   d.Backend,
		agent:     d.Agent,
		gate:      d.Gate,
		titler:    title.WithFallback(d.Titler, d.Log),
		log:       d.Log,
		submitted: make(map[string]bool),
	}
}

func (s *Session) Store() *store.Store { return s.store }

// Load replaces the store with the backend's chats and selects the most
// recently updated one. On failure or an empty result an empty chat is
// started; the error is still returned for display.
func (s *Session) Load(ctx context.Context) error {
	chats, order, err := s.backend.LoadChats(ctx)
	if err != nil {
		s.log.Warnw("loading chats failed, starting empty", "error", err)
		s.NewChat()
		return fmt.Errorf("load chats: %w", err)
	}
	if len(chats) == 0 {
		s.NewChat()
		return nil
	}

	s.store.Replace(chats, order)
	s.ledger.Rebuild(chats)
	ids := s.store.IDs()

	s.mu.Lock()
	s.current = ids[0]
	s.runID = ""
	s.mu.Unlock()
	s.log.Infow("chats loaded", "count", len(ids), "tool_calls", s.ledger.Len())
	return nil
}

// NewChat starts an empty conversation and makes it current.
func (s *Session) NewChat() string {
	id := models.NewID()
	s.store.Create(id, models.NewConversation())
	s.mu.Lock()
	s.current = id
	s.runID = ""
	s.mu.Unlock()
	return id
}

func (s *Session) Select(id string) error {
	if _, ok := s.store.Get(id); !ok {
		return store.ErrNoConversation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != id {
		s.current = id
		s.runID = ""
	}
	return nil
}

func (s *Session) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Conversation returns a copy of the current conversation.
func (s *Session) Conversation() (*models.Conversation, bool) {
	return s.store.Get(s.Current())
}

func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

func (s *Session) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// ToolCalls returns the ledger contents keyed by tool call id.
func (s *Session) ToolCalls() map[string]models.ToolCallState {
	return s.ledger.Snapshot()
}

// DeleteCurrent removes the current chat on the backend and locally. A chat
// the backend does not know is still removed locally.
func (s *Session) DeleteCurrent(ctx context.Context) error {
	id := s.Current()
	if s.Streaming() {
		return ErrStreaming
	}
	if err := s.backend.DeleteChat(ctx, id); err != nil {
		if !errors.Is(err, persist.ErrNotFound) {
			return fmt.Errorf("delete chat: %w", err)
		}
		s.log.Warnw("chat was not stored on the backend", "chat", id)
	}
	s.store.Delete(id)

	if ids := s.store.IDs(); len(ids) > 0 {
		s.mu.Lock()
		s.current = ids[0]
		s.runID = ""
		s.mu.Unlock()
		return nil
	}
	s.NewChat()
	return nil
}

// Send runs one turn: the user message and an empty assistant reply are
// appended, then the agent's events are applied until the stream ends.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return ErrStreaming
	}
	id := s.current
	if id == "" {
		s.mu.Unlock()
		return ErrNotReady
	}
	s.streaming = true
	s.target = id
	s.turn++
	turn := s.turn
	s.mu.Unlock()
	defer s.finish(turn)

	if _, err := s.gate.EnsureFresh(ctx); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	conv, ok := s.store.Get(id)
	if !ok {
		conv = models.NewConversation()
		s.store.Create(id, conv)
	}
	first := !hasHuman(conv.Messages)

	user := models.NewHumanMessage(text)
	payload := transform.Payload(conv.Messages, s.ledger.Output, user)
	if err := s.store.Append(id, user, models.NewAIMessage()); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	body, err := s.agent.OpenStream(ctx, api.StreamInput{
		Messages:  payload,
		UserID:    s.gate.User().ID(),
		SessionID: id,
	})
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer body.Close()

	dec := stream.NewDecoder(body, s.log)
	ended := false
	for !ended {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		s.apply(id, ev)
		ended = ev.Kind == stream.KindEnd
	}
	if dec.Malformed() > 0 {
		s.log.Warnw("skipped malformed stream records", "count", dec.Malformed(), "chat", id)
	}

	if ended && first {
		s.requestTitle(id, text)
	}
	return nil
}

// finish clears streaming state unless a newer turn has already started.
func (s *Session) finish(turn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn != turn {
		return
	}
	s.streaming = false
	s.target = ""
}

// Apply applies one event to the conversation being streamed into, or to
// the current conversation when nothing is streaming.
func (s *Session) Apply(ev stream.Event) {
	s.mu.Lock()
	id := s.target
	if id == "" {
		id = s.current
	}
	s.mu.Unlock()
	s.apply(id, ev)
}

func (s *Session) apply(id string, ev stream.Event) {
	switch ev.Kind {
	case stream.KindMetadata:
		runID, ok := ev.RunIDFromData()
		if !ok {
			s.log.Debugw("metadata without run id")
			return
		}
		s.mu.Lock()
		s.runID = runID
		s.mu.Unlock()

	case stream.KindModelStream:
		delta, ok := ev.ChunkText()
		if !ok || delta == "" {
			return
		}
		s.updateLastAI(id, func(m *models.Message) {
			m.Content = m.Content.Append(delta)
		})

	case stream.KindToolStart:
		args, ok := ev.ToolInput()
		if !ok || ev.Name == "" || ev.RunID == "" {
			s.log.Debugw("incomplete tool start", "name", ev.Name, "run_id", ev.RunID)
			return
		}
		tc := models.ToolCall{ID: ev.RunID, Name: ev.Name, Args: args}
		s.ledger.Start(tc)
		s.updateLastAI(id, func(m *models.Message) {
			m.ToolCalls = append(m.ToolCalls, tc)
		})

	case stream.KindToolEnd:
		output, ok := ev.ToolOutput()
		if !ok || ev.RunID == "" {
			s.log.Debugw("incomplete tool end", "run_id", ev.RunID)
			return
		}
		state, known := s.ledger.Get(ev.RunID)
		if !known {
			s.log.Debugw("tool end for unknown run", "run_id", ev.RunID)
			return
		}
		s.ledger.Complete(ev.RunID, output)
		name := ev.Name
		if name == "" {
			name = state.ToolCall.Name
		}
		msg := models.NewToolMessage(ev.RunID, name, transform.Stringify(output))
		if err := s.store.Append(id, msg); err != nil {
			s.log.Debugw("tool output for missing chat", "chat", id, "error", err)
		}

	case stream.KindEnd:
		s.mu.Lock()
		if s.target == id {
			s.streaming = false
		}
		s.mu.Unlock()

	case stream.KindRetrieverStart, stream.KindRetrieverEnd:
	default:
		s.log.Debugw("ignoring stream event", "event", ev.Kind)
	}
}

func (s *Session) updateLastAI(id string, fn func(*models.Message)) {
	if err := s.store.UpdateLastAI(id, fn); err != nil {
		s.log.Debugw("stream event for missing chat", "chat", id, "error", err)
	}
}

func (s *Session) requestTitle(id, initialMessage string) {
	s.titles.Add(1)
	go func() {
		defer s.titles.Done()
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()

		t, _ := s.titler.Title(ctx, initialMessage)
		if err := s.store.SetTitle(id, t); err != nil {
			s.log.Debugw("chat gone before title arrived", "chat", id)
			return
		}
		s.log.Debugw("chat titled", "chat", id, "title", t)
	}()
}

// Wait blocks until outstanding title requests have finished.
func (s *Session) Wait() {
	s.titles.Wait()
}

// Feedback rates the current run. Each message can be rated once.
func (s *Session) Feedback(ctx context.Context, messageID string, score int, text string) error {
	if score != 0 && score != 1 {
		return ErrInvalidScore
	}
	s.mu.Lock()
	runID := s.runID
	done := s.submitted[messageID]
	s.mu.Unlock()
	if runID == "" {
		return ErrNoRun
	}
	if done {
		return nil
	}

	err := s.agent.SendFeedback(ctx, api.Feedback{
		Score:   score,
		Text:    text,
		RunID:   runID,
		LogType: "feedback",
	})
	if err != nil {
		return fmt.Errorf("feedback: %w", err)
	}
	s.mu.Lock()
	s.submitted[messageID] = true
	s.mu.Unlock()
	return nil
}

// Submitted reports whether feedback was already sent for a message.
func (s *Session) Submitted(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted[messageID]
}

func hasHuman(msgs []models.Message) bool {
	for _, m := range msgs {
		if m.Role == models.RoleHuman {
			return true
		}
	}
	return false
}
