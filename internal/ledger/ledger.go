// Package ledger indexes tool calls by id together with their recorded
// output. Every entry mirrors a ToolCall embedded in some ai message, so
// the whole ledger can be rebuilt from a transcript.
package ledger

import (
	"encoding/json"
	"sync"

	"foundry/internal/models"
)

type Ledger struct {
	mu      sync.RWMutex
	entries map[string]models.ToolCallState
}

func New() *Ledger {
	return &Ledger{entries: make(map[string]models.ToolCallState)}
}

// Start records a tool call with a pending output. A repeated start for
// the same id resets the entry.
func (l *Ledger) Start(tc models.ToolCall) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[tc.ID] = models.ToolCallState{ToolCall: tc}
}

// Complete stores the output for an existing entry. It reports false when
// the id is unknown, leaving the ledger untouched.
func (l *Ledger) Complete(id string, output any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.entries[id]
	if !ok {
		return false
	}
	st.Output = output
	l.entries[id] = st
	return true
}

func (l *Ledger) Get(id string) (models.ToolCallState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.entries[id]
	return st, ok
}

// Output returns the recorded output for id, nil while pending or unknown.
func (l *Ledger) Output(id string) any {
	st, _ := l.Get(id)
	return st.Output
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) Snapshot() map[string]models.ToolCallState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]models.ToolCallState, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]models.ToolCallState)
}

// Rebuild replaces the ledger with entries reconstructed from persisted
// conversations. For each ai tool call, the first tool message in the same
// conversation carrying its id supplies the output.
func (l *Ledger) Rebuild(chats models.Chats) {
	entries := make(map[string]models.ToolCallState)
	for _, conv := range chats {
		if conv == nil {
			continue
		}
		for _, msg := range conv.Messages {
			if msg.Role != models.RoleAI {
				continue
			}
			for _, tc := range msg.ToolCalls {
				st := models.ToolCallState{ToolCall: tc}
				if resp, ok := firstToolResponse(conv.Messages, tc.ID); ok {
					st.Output = ParseOutput(resp.Content)
				}
				entries[tc.ID] = st
			}
		}
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
}

func firstToolResponse(msgs []models.Message, toolCallID string) (models.Message, bool) {
	for _, m := range msgs {
		if m.Role == models.RoleTool && m.ToolCallID == toolCallID {
			return m, true
		}
	}
	return models.Message{}, false
}

// ParseOutput turns persisted tool message content back into an output
// value. Text is decoded as JSON and kept raw when it is not valid JSON;
// segment content is used as-is.
func ParseOutput(c models.Content) any {
	if c.IsSegments() {
		return c.Segments()
	}
	var v any
	if err := json.Unmarshal([]byte(c.String()), &v); err != nil {
		return c.String()
	}
	return v
}
