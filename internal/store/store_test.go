package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/internal/models"
)

func TestCreateAndGetReturnsCopies(t *testing.T) {
	s := New()
	s.Create("c1", nil)

	conv, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, models.PlaceholderTitle, conv.Title)

	conv.Title = "mutated"
	conv.Messages = append(conv.Messages, models.NewHumanMessage("x"))
	again, _ := s.Get("c1")
	assert.Equal(t, models.PlaceholderTitle, again.Title)
	assert.Empty(t, again.Messages)
}

func TestCreateKeepsExisting(t *testing.T) {
	s := New()
	s.Create("c1", &models.Conversation{Title: "first"})
	s.Create("c1", &models.Conversation{Title: "second"})
	conv, _ := s.Get("c1")
	assert.Equal(t, "first", conv.Title)
	assert.Equal(t, []string{"c1"}, s.IDs())
}

func TestNewestFirstOrdering(t *testing.T) {
	s := New()
	s.Create("a", nil)
	s.Create("b", nil)
	assert.Equal(t, []string{"b", "a"}, s.IDs())
	assert.True(t, s.Delete("b"))
	assert.False(t, s.Delete("b"))
	assert.Equal(t, []string{"a"}, s.IDs())
}

func TestReplaceHonoursOrder(t *testing.T) {
	s := New()
	s.Create("old", nil)
	s.Replace(models.Chats{
		"x": models.NewConversation(),
		"y": models.NewConversation(),
		"z": models.NewConversation(),
	}, []string{"y", "missing", "x"})
	assert.Equal(t, []string{"y", "x", "z"}, s.IDs())
	_, ok := s.Get("old")
	assert.False(t, ok)
}

func TestUpdateLastAI(t *testing.T) {
	s := New()
	s.Create("c1", nil)
	require.NoError(t, s.Append("c1", models.NewHumanMessage("hi"), models.NewAIMessage()))

	require.NoError(t, s.UpdateLastAI("c1", func(m *models.Message) {
		m.Content = m.Content.Append("Hel")
	}))
	require.NoError(t, s.UpdateLastAI("c1", func(m *models.Message) {
		m.Content = m.Content.Append("lo")
	}))

	conv, _ := s.Get("c1")
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "Hello", conv.Messages[1].Content.String())
}

func TestUpdateLastAISynthesizesMessage(t *testing.T) {
	s := New()
	s.Create("c1", nil)
	require.NoError(t, s.Append("c1", models.NewHumanMessage("hi")))
	require.NoError(t, s.UpdateLastAI("c1", func(m *models.Message) {
		m.Content = m.Content.Append("x")
	}))

	conv, _ := s.Get("c1")
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, models.RoleAI, conv.Messages[1].Role)
	assert.Equal(t, "x", conv.Messages[1].Content.String())
	assert.NotNil(t, conv.Messages[1].ToolCalls)
}

func TestMutationsOnMissingConversation(t *testing.T) {
	s := New()
	assert.ErrorIs(t, s.Append("nope", models.NewHumanMessage("x")), ErrNoConversation)
	assert.ErrorIs(t, s.SetTitle("nope", "t"), ErrNoConversation)
	assert.ErrorIs(t, s.UpdateLastAI("nope", func(*models.Message) {}), ErrNoConversation)
	assert.Equal(t, uint64(0), s.Version())
}

func TestSubscribeReceivesLatestVersion(t *testing.T) {
	s := New()
	ch := s.Subscribe()

	s.Create("c1", nil)
	require.NoError(t, s.SetTitle("c1", "a"))
	require.NoError(t, s.SetTitle("c1", "b"))

	v := <-ch
	assert.Equal(t, uint64(3), v)
	assert.Equal(t, s.Version(), v)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra notification %d", extra)
	default:
	}

	s.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	s.Create("c2", nil)
}

func TestSnapshotIsIndependent(t *testing.T) {
	s := New()
	s.Create("c1", nil)
	snap, v := s.Snapshot()
	snap["c1"].Title = "changed"
	conv, _ := s.Get("c1")
	assert.Equal(t, models.PlaceholderTitle, conv.Title)
	assert.Equal(t, s.Version(), v)
}
