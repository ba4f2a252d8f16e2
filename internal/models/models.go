package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Role identifies who produced a message. It travels as "type" on the wire.
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
	RoleTool  Role = "tool"
)

const (
	PlaceholderTitle = "Empty chat"
	DefaultTitle     = "New Chat"
)

// ToolCall is one tool invocation requested by the assistant. ID is the
// backend run id for the invocation, never generated on the client.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolCallState is a ledger entry. Output stays nil until the matching
// completion event arrives.
type ToolCallState struct {
	ToolCall ToolCall `json:"toolCall"`
	Output   any      `json:"output"`
}

// Pending reports whether the tool call has not completed yet.
func (s ToolCallState) Pending() bool {
	return s.Output == nil
}

type Message struct {
	ID               string         `json:"id"`
	Role             Role           `json:"type"`
	Content          Content        `json:"content"`
	ToolCalls        []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	Name             string         `json:"name,omitempty"`
	AdditionalKwargs map[string]any `json:"additional_kwargs,omitempty"`
}

// MarshalJSON always emits tool_calls on ai messages, as an empty list when
// there are none, and omits it on every other role.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire Message
	if m.Role != RoleAI {
		return json.Marshal(wire(m))
	}
	calls := m.ToolCalls
	if calls == nil {
		calls = []ToolCall{}
	}
	return json.Marshal(struct {
		wire
		ToolCalls []ToolCall `json:"tool_calls"`
	}{wire(m), calls})
}

// Clone returns a copy that shares no slices with m. Tool call args are
// shared since tool calls are immutable once created.
func (m Message) Clone() Message {
	out := m
	out.Content = m.Content.Clone()
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return out
}

type Conversation struct {
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := &Conversation{Title: c.Title, Messages: make([]Message, len(c.Messages))}
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

// Chats maps a client-generated conversation id to its conversation.
type Chats map[string]*Conversation

func (c Chats) Clone() Chats {
	out := make(Chats, len(c))
	for id, conv := range c {
		out[id] = conv.Clone()
	}
	return out
}

// NewID returns a fresh client-side identifier for chats and messages.
func NewID() string {
	return uuid.NewString()
}

func NewConversation() *Conversation {
	return &Conversation{Title: PlaceholderTitle, Messages: []Message{}}
}

func NewHumanMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleHuman, Content: Text(text)}
}

// NewAIMessage returns an empty assistant turn ready to receive stream
// deltas and tool calls.
func NewAIMessage() Message {
	return Message{ID: NewID(), Role: RoleAI, Content: Text(""), ToolCalls: []ToolCall{}}
}

func NewToolMessage(toolCallID, name, content string) Message {
	return Message{
		ID:               NewID(),
		Role:             RoleTool,
		Content:          Text(content),
		ToolCallID:       toolCallID,
		Name:             name,
		AdditionalKwargs: map[string]any{},
	}
}

// LastAIIndex returns the index of the most recent ai message, or -1.
func LastAIIndex(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAI {
			return i
		}
	}
	return -1
}

// ValidateToolLinks checks that every tool message points at a tool call
// from an earlier ai message of the same conversation.
func ValidateToolLinks(msgs []Message) error {
	seen := make(map[string]bool)
	for _, m := range msgs {
		switch m.Role {
		case RoleAI:
			for _, tc := range m.ToolCalls {
				seen[tc.ID] = true
			}
		case RoleTool:
			if !seen[m.ToolCallID] {
				return fmt.Errorf("tool message %s references unknown tool call %q", m.ID, m.ToolCallID)
			}
		}
	}
	return nil
}
