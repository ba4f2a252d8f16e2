// Package transform prepares a transcript for an outgoing turn request.
// Expand replays recorded tool outputs into the sequence and Sanitize cuts
// every message down to the minimal form the agent accepts.
package transform

import (
	"bytes"
	"encoding/json"
	"strings"

	"foundry/internal/models"
)

// OutputLookup returns the recorded output of a tool call, nil while the
// call is pending or unknown.
type OutputLookup func(toolCallID string) any

// Expand returns a new sequence where each ai message is followed by one
// synthetic tool message per tool call that has a recorded output, in the
// order of the parent's tool calls. The input slice is not modified.
func Expand(msgs []models.Message, lookup OutputLookup) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Clone())
		if m.Role != models.RoleAI || lookup == nil {
			continue
		}
		for _, tc := range m.ToolCalls {
			output := lookup(tc.ID)
			if output == nil {
				continue
			}
			out = append(out, models.NewToolMessage(tc.ID, tc.Name, Stringify(output)))
		}
	}
	return out
}

// Sanitize drops tool messages and keeps only id, role and content of the
// rest. ai messages carry an empty tool call list so stale calls are never
// replayed upstream.
func Sanitize(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			continue
		}
		clean := models.Message{ID: m.ID, Role: m.Role, Content: m.Content.Clone()}
		if m.Role == models.RoleAI {
			clean.ToolCalls = []models.ToolCall{}
		}
		out = append(out, clean)
	}
	return out
}

// Payload builds the message list for a new user turn.
func Payload(msgs []models.Message, lookup OutputLookup, next models.Message) []models.Message {
	expanded := Expand(msgs, lookup)
	return Sanitize(append(expanded, next))
}

// Stringify encodes a tool output as JSON text without HTML escaping.
// Values that cannot be encoded become the quoted encoder error.
func Stringify(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		b, _ := json.Marshal(err.Error())
		return string(b)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
