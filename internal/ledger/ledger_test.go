package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/internal/models"
)

func TestStartThenComplete(t *testing.T) {
	l := New()
	l.Start(models.ToolCall{ID: "t1", Name: "search", Args: map[string]any{"q": "x"}})

	st, ok := l.Get("t1")
	require.True(t, ok)
	assert.True(t, st.Pending())

	assert.True(t, l.Complete("t1", map[string]any{"hits": 3.0}))
	assert.Equal(t, map[string]any{"hits": 3.0}, l.Output("t1"))
}

func TestCompleteUnknownIsIgnored(t *testing.T) {
	l := New()
	assert.False(t, l.Complete("nope", "x"))
	assert.Equal(t, 0, l.Len())
}

func TestRebuildFromTranscript(t *testing.T) {
	ai := models.NewAIMessage()
	ai.ToolCalls = []models.ToolCall{
		{ID: "t1", Name: "search", Args: map[string]any{"q": "x"}},
		{ID: "t2", Name: "lookup"},
	}
	chats := models.Chats{
		"c1": {Title: "x", Messages: []models.Message{
			models.NewHumanMessage("q"),
			ai,
			models.NewToolMessage("t1", "search", `{"x":1}`),
		}},
	}

	l := New()
	l.Rebuild(chats)

	require.Equal(t, 2, l.Len())
	assert.Equal(t, map[string]any{"x": 1.0}, l.Output("t1"))
	st, ok := l.Get("t2")
	require.True(t, ok)
	assert.Nil(t, st.Output)
	assert.Equal(t, "lookup", st.ToolCall.Name)
}

func TestRebuildUsesFirstMatchingToolMessage(t *testing.T) {
	ai := models.NewAIMessage()
	ai.ToolCalls = []models.ToolCall{{ID: "t1", Name: "search"}}
	chats := models.Chats{
		"c1": {Messages: []models.Message{
			ai,
			models.NewToolMessage("t1", "search", `"first"`),
			models.NewToolMessage("t1", "search", `"second"`),
		}},
	}
	l := New()
	l.Rebuild(chats)
	assert.Equal(t, "first", l.Output("t1"))
}

func TestRebuildKeepsRawContentOnParseFailure(t *testing.T) {
	ai := models.NewAIMessage()
	ai.ToolCalls = []models.ToolCall{{ID: "t1", Name: "search"}}
	chats := models.Chats{
		"c1": {Messages: []models.Message{ai, models.NewToolMessage("t1", "search", "not json")}},
	}
	l := New()
	l.Rebuild(chats)
	assert.Equal(t, "not json", l.Output("t1"))
}

func TestRebuildDoesNotMatchAcrossConversations(t *testing.T) {
	ai := models.NewAIMessage()
	ai.ToolCalls = []models.ToolCall{{ID: "t1", Name: "search"}}
	chats := models.Chats{
		"a": {Messages: []models.Message{ai}},
		"b": {Messages: []models.Message{models.NewToolMessage("t1", "search", `1`)}},
	}
	l := New()
	l.Rebuild(chats)
	assert.Nil(t, l.Output("t1"))
}

func TestResetClears(t *testing.T) {
	l := New()
	l.Start(models.ToolCall{ID: "t1"})
	l.Reset()
	assert.Equal(t, 0, l.Len())
}
