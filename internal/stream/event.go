package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Event kinds emitted by the agent stream.
const (
	KindMetadata       = "metadata"
	KindModelStream    = "on_chat_model_stream"
	KindToolStart      = "on_tool_start"
	KindToolEnd        = "on_tool_end"
	KindRetrieverStart = "on_retriever_start"
	KindRetrieverEnd   = "on_retriever_end"
	KindEnd            = "end"
)

// Event is one decoded stream record. Data is kept raw; the accessors pull
// out the fields each kind needs.
type Event struct {
	Kind  string          `json:"event"`
	Name  string          `json:"name,omitempty"`
	RunID string          `json:"run_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type eventData struct {
	RunID  *string          `json:"run_id"`
	Input  json.RawMessage  `json:"input"`
	Output json.RawMessage  `json:"output"`
	Chunk  *json.RawMessage `json:"chunk"`
}

func (e Event) data() (eventData, bool) {
	var d eventData
	if len(e.Data) == 0 {
		return d, false
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return d, false
	}
	return d, true
}

// RunIDFromData returns data.run_id as carried by metadata events.
func (e Event) RunIDFromData() (string, bool) {
	d, ok := e.data()
	if !ok || d.RunID == nil || *d.RunID == "" {
		return "", false
	}
	return *d.RunID, true
}

// ChunkText returns the text delta in data.chunk.content. The content is
// either a string or a list of content blocks whose text is concatenated.
func (e Event) ChunkText() (string, bool) {
	d, ok := e.data()
	if !ok || d.Chunk == nil {
		return "", false
	}
	var chunk struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(*d.Chunk, &chunk); err != nil || isNull(chunk.Content) {
		return "", false
	}

	var s string
	if err := json.Unmarshal(chunk.Content, &s); err == nil {
		return s, true
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(chunk.Content, &blocks); err != nil {
		return "", false
	}
	var sb strings.Builder
	for _, raw := range blocks {
		var text string
		if json.Unmarshal(raw, &text) == nil {
			sb.WriteString(text)
			continue
		}
		var block struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &block) == nil && (block.Type == "" || block.Type == "text") {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), true
}

// ToolInput returns data.input as tool arguments. A non-object input is
// wrapped under the "input" key.
func (e Event) ToolInput() (map[string]any, bool) {
	d, ok := e.data()
	if !ok || isNull(d.Input) {
		return nil, false
	}
	var args map[string]any
	if err := json.Unmarshal(d.Input, &args); err == nil {
		return args, true
	}
	var v any
	if err := json.Unmarshal(d.Input, &v); err != nil {
		return nil, false
	}
	return map[string]any{"input": v}, true
}

// ToolOutput returns the decoded data.output. A null or missing output is
// reported as absent.
func (e Event) ToolOutput() (any, bool) {
	d, ok := e.data()
	if !ok || isNull(d.Output) {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(d.Output, &v); err != nil {
		return nil, false
	}
	return v, true
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
