package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/internal/auth"
	"foundry/internal/models"
)

type recordingGate struct {
	*auth.StaticGate
	fail   error
	logins atomic.Int32
}

func (g *recordingGate) EnsureFresh(ctx context.Context) (string, error) {
	if g.fail != nil {
		return "", g.fail
	}
	return g.StaticGate.EnsureFresh(ctx)
}

func (g *recordingGate) Login(context.Context) error {
	g.logins.Add(1)
	return nil
}

func newGate() *recordingGate {
	return &recordingGate{StaticGate: auth.NewStaticGate("tok", auth.User{Email: "ada@example.com"})}
}

func newClient(t *testing.T, h http.Handler, gate auth.Gate, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, gate, nil, opts...)
	require.NoError(t, err)
	return c
}

func TestLoadChatsKeepsOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chats", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = io.WriteString(w, `{"chats":{
			"zeta":{"title":"Newest","messages":[{"id":"m1","type":"human","content":"hi"}]},
			"alpha":{"title":"Older","messages":null}
		}}`)
	})
	c := newClient(t, mux, newGate())

	chats, order, err := c.LoadChats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha"}, order)
	assert.Equal(t, "Newest", chats["zeta"].Title)
	assert.Equal(t, models.RoleHuman, chats["zeta"].Messages[0].Role)
	assert.NotNil(t, chats["alpha"].Messages)
}

func TestSaveChatsBody(t *testing.T) {
	var got map[string]map[string]json.RawMessage
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chats", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	})
	c := newClient(t, mux, newGate())

	conv := models.NewConversation()
	conv.Messages = append(conv.Messages, models.NewHumanMessage("hello"))
	require.NoError(t, c.SaveChats(context.Background(), models.Chats{"c1": conv}))
	require.Contains(t, got, "chats")
	assert.Contains(t, string(got["chats"]["c1"]), `"type":"human"`)
}

func TestDeleteChatStatuses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /chats/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "gone":
			w.WriteHeader(http.StatusNotFound)
		case "theirs":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	c := newClient(t, mux, newGate())
	ctx := context.Background()

	assert.NoError(t, c.DeleteChat(ctx, "mine"))
	assert.ErrorIs(t, c.DeleteChat(ctx, "gone"), ErrNotFound)
	assert.ErrorIs(t, c.DeleteChat(ctx, "theirs"), ErrForbidden)
}

func TestServiceURLFromConfig(t *testing.T) {
	var streamPath atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("GET /config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"serviceUrl":"/agent"}`)
	})
	mux.HandleFunc("POST /agent/stream_events", func(w http.ResponseWriter, r *http.Request) {
		streamPath.Store(r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var body struct {
			InputData StreamInput `json:"input_data"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada@example.com", body.InputData.UserID)
		assert.Equal(t, "c1", body.InputData.SessionID)
		_, _ = io.WriteString(w, `{"event":"end"}`+"\n")
	})
	c := newClient(t, mux, newGate())

	body, err := c.OpenStream(context.Background(), StreamInput{
		Messages:  []models.Message{models.NewHumanMessage("q")},
		UserID:    "ada@example.com",
		SessionID: "c1",
	})
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, `{"event":"end"}`+"\n", string(data))
	assert.Equal(t, "/agent/stream_events", streamPath.Load())
}

func TestServiceURLFallsBackToBase(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /generate_chat_title", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		_, _ = io.WriteString(w, `{"title":"About `+in["initial_message"]+`"}`)
	})
	c := newClient(t, mux, newGate())

	title, err := c.GenerateTitle(context.Background(), "cats")
	require.NoError(t, err)
	assert.Equal(t, "About cats", title)
}

func TestGenerateTitlePrefersChatTitle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /svc/generate_chat_title", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"chat_title":"A","title":"B"}`)
	})
	c := newClient(t, mux, newGate(), WithServiceURL("/svc"))
	title, err := c.GenerateTitle(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "A", title)
}

func TestUnauthorizedStreamTriggersLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /stream_events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"event":"end"}`+"\n")
	})
	gate := newGate()
	c := newClient(t, mux, gate, WithServiceURL("/"))

	body, err := c.OpenStream(context.Background(), StreamInput{})
	assert.Nil(t, body)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), gate.logins.Load())
}

func TestGateFailureSendsNothing(t *testing.T) {
	var hits atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })
	gate := newGate()
	gate.fail = auth.ErrLoginRequired
	c := newClient(t, h, gate, WithServiceURL("/"))

	_, err := c.OpenStream(context.Background(), StreamInput{})
	assert.ErrorIs(t, err, auth.ErrLoginRequired)
	assert.Equal(t, int32(0), hits.Load())
}

func TestSendFeedback(t *testing.T) {
	var got Feedback
	mux := http.NewServeMux()
	mux.HandleFunc("POST /feedback", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	})
	c := newClient(t, mux, newGate(), WithServiceURL("/"))

	require.NoError(t, c.SendFeedback(context.Background(), Feedback{Score: 1, Text: "nice", RunID: "r1"}))
	assert.Equal(t, Feedback{Score: 1, Text: "nice", RunID: "r1", LogType: "feedback"}, got)
}

func TestStatusErrorIncludesBody(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := newClient(t, h, newGate())
	err := c.SaveChats(context.Background(), models.Chats{})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.True(t, strings.Contains(se.Error(), "boom"))
}

func TestDecodeChatsRejectsGarbage(t *testing.T) {
	_, _, err := DecodeChats(strings.NewReader(`[]`))
	assert.Error(t, err)

	chats, order, err := DecodeChats(strings.NewReader(`{"chats":null,"other":1}`))
	require.NoError(t, err)
	assert.Empty(t, chats)
	assert.Empty(t, order)
}

func TestCookieSessionSentOnce(t *testing.T) {
	var cookies atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/session", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"user":{"email":"ada@example.com"},"access_token":"bearer-1"}`)
	})
	mux.HandleFunc("GET /chats", func(w http.ResponseWriter, r *http.Request) {
		n := 0
		for _, c := range r.Cookies() {
			if c.Name == "next-auth.session-token" {
				n++
			}
		}
		cookies.Store(int32(n))
		assert.Equal(t, "Bearer bearer-1", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"chats":{}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gate, err := auth.NewCookieGate(auth.CookieConfig{BaseURL: srv.URL, Session: "sess"}, nil)
	require.NoError(t, err)
	c, err := New(srv.URL, gate, nil)
	require.NoError(t, err)

	_, _, err = c.LoadChats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), cookies.Load())
}
