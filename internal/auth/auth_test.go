package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type tokenServer struct {
	*httptest.Server
	hits    atomic.Int32
	reject  atomic.Bool
	lastReq atomic.Value
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		_ = r.ParseForm()
		ts.lastReq.Store(r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		if ts.reject.Load() {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token":      fakeJWT(map[string]any{"email": "ada@example.com", "name": "Ada"}),
		})
	})
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"authorization_endpoint": ts.URL + "/auth",
			"token_endpoint":         ts.URL + "/token",
		})
	})
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) form() url.Values {
	v, _ := ts.lastReq.Load().(url.Values)
	return v
}

func fakeJWT(claims map[string]any) string {
	payload, _ := json.Marshal(claims)
	return "e30." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func writeToken(t *testing.T, path, access string, expiry time.Time) {
	t.Helper()
	tok := (&oauth2.Token{AccessToken: access, RefreshToken: "stored-refresh", Expiry: expiry}).
		WithExtra(map[string]any{"id_token": fakeJWT(map[string]any{"email": "stored@example.com"})})
	require.NoError(t, saveToken(path, tok))
}

func newGate(t *testing.T, ts *tokenServer, tokenFile string, mutate func(*OIDCConfig)) *OIDCGate {
	t.Helper()
	cfg := OIDCConfig{
		ClientID:    "chat",
		RedirectURL: "http://127.0.0.1:8976/callback",
		AuthURL:     ts.URL + "/auth",
		TokenURL:    ts.URL + "/token",
		TokenFile:   tokenFile,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g := NewOIDCGate(cfg, nil)
	require.NoError(t, g.Init(context.Background()))
	t.Cleanup(g.Close)
	return g
}

func TestEnsureFreshIsNoOpWithValidToken(t *testing.T) {
	ts := newTokenServer(t)
	file := filepath.Join(t.TempDir(), "token.json")
	writeToken(t, file, "still-good", time.Now().Add(10*time.Minute))

	g := newGate(t, ts, file, nil)
	assert.Equal(t, StateReady, g.State())

	tok, err := g.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still-good", tok)
	assert.Equal(t, int32(0), ts.hits.Load())
	assert.Equal(t, "stored@example.com", g.User().ID())
}

func TestEnsureFreshRefreshesNearExpiry(t *testing.T) {
	ts := newTokenServer(t)
	file := filepath.Join(t.TempDir(), "token.json")
	writeToken(t, file, "almost-gone", time.Now().Add(10*time.Second))

	g := newGate(t, ts, file, nil)
	tok, err := g.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok)
	assert.Equal(t, "refresh_token", ts.form().Get("grant_type"))
	assert.Equal(t, "stored-refresh", ts.form().Get("refresh_token"))
	assert.Equal(t, "ada@example.com", g.User().Email)

	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	saved, err := loadToken(file)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", saved.AccessToken)
	assert.Equal(t, "fresh-refresh", saved.RefreshToken)
}

func TestRejectedRefreshTriggersLogin(t *testing.T) {
	ts := newTokenServer(t)
	ts.reject.Store(true)
	file := filepath.Join(t.TempDir(), "token.json")
	writeToken(t, file, "expired", time.Now().Add(-time.Minute))

	logins := make(chan string, 1)
	g := newGate(t, ts, file, func(c *OIDCConfig) {
		c.OnLogin = func(u string) { logins <- u }
	})

	_, err := g.EnsureFresh(context.Background())
	require.ErrorIs(t, err, ErrLoginRequired)
	assert.Equal(t, StateExpired, g.State())
	assert.Empty(t, g.Token())

	select {
	case raw := <-logins:
		u, err := url.Parse(raw)
		require.NoError(t, err)
		q := u.Query()
		assert.Equal(t, "S256", q.Get("code_challenge_method"))
		assert.NotEmpty(t, q.Get("code_challenge"))
		assert.Equal(t, "openid email profile offline_access", q.Get("scope"))
	case <-time.After(time.Second):
		t.Fatal("login handler not invoked")
	}

	_, err = os.Stat(file)
	assert.True(t, os.IsNotExist(err))
}

func TestNoStoredTokenRequiresLogin(t *testing.T) {
	ts := newTokenServer(t)
	g := newGate(t, ts, filepath.Join(t.TempDir(), "token.json"), nil)
	assert.Equal(t, StateExpired, g.State())
	_, err := g.EnsureFresh(context.Background())
	assert.ErrorIs(t, err, ErrLoginRequired)
	assert.Equal(t, int32(0), ts.hits.Load())
}

func TestInitGuards(t *testing.T) {
	ts := newTokenServer(t)
	g := NewOIDCGate(OIDCConfig{AuthURL: ts.URL + "/auth", TokenURL: ts.URL + "/token"}, nil)

	_, err := g.EnsureFresh(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, g.Init(context.Background()))
	defer g.Close()
	assert.ErrorIs(t, g.Init(context.Background()), ErrAlreadyStarted)
}

func TestDiscoveryFromIssuer(t *testing.T) {
	ts := newTokenServer(t)
	g := NewOIDCGate(OIDCConfig{Issuer: ts.URL, ClientID: "chat"}, nil)
	require.NoError(t, g.Init(context.Background()))
	defer g.Close()

	raw, err := g.AuthCodeURL()
	require.NoError(t, err)
	assert.Contains(t, raw, ts.URL+"/auth?")
}

func TestBackgroundRefresh(t *testing.T) {
	ts := newTokenServer(t)
	file := filepath.Join(t.TempDir(), "token.json")
	writeToken(t, file, "aging", time.Now().Add(45*time.Second))

	g := newGate(t, ts, file, func(c *OIDCConfig) {
		c.RefreshInterval = 10 * time.Millisecond
	})
	require.Eventually(t, func() bool { return g.Token() == "fresh-access" }, 2*time.Second, 10*time.Millisecond)
}

func TestExpiryRefreshesWithoutTicker(t *testing.T) {
	ts := newTokenServer(t)
	file := filepath.Join(t.TempDir(), "token.json")
	writeToken(t, file, "short-lived", time.Now().Add(300*time.Millisecond))

	g := newGate(t, ts, file, func(c *OIDCConfig) {
		c.RefreshInterval = time.Hour
	})
	assert.Equal(t, StateReady, g.State())
	assert.Equal(t, "short-lived", g.Token())

	require.Eventually(t, func() bool { return g.Token() == "fresh-access" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateReady, g.State())
	assert.Equal(t, int32(1), ts.hits.Load())
}

func TestExpiryWithRejectedRefreshStartsLogin(t *testing.T) {
	ts := newTokenServer(t)
	ts.reject.Store(true)
	file := filepath.Join(t.TempDir(), "token.json")
	writeToken(t, file, "short-lived", time.Now().Add(300*time.Millisecond))

	logins := make(chan string, 1)
	g := newGate(t, ts, file, func(c *OIDCConfig) {
		c.RefreshInterval = time.Hour
		c.OnLogin = func(u string) {
			select {
			case logins <- u:
			default:
			}
		}
	})
	assert.Equal(t, StateReady, g.State())

	select {
	case raw := <-logins:
		assert.Contains(t, raw, ts.URL+"/auth?")
	case <-time.After(2 * time.Second):
		t.Fatal("login handler not invoked after expiry")
	}
	assert.Equal(t, StateExpired, g.State())
	assert.Equal(t, int32(1), ts.hits.Load())
}

func TestCallbackCompletesLogin(t *testing.T) {
	ts := newTokenServer(t)
	file := filepath.Join(t.TempDir(), "token.json")
	g := newGate(t, ts, file, nil)

	raw, err := g.AuthCodeURL()
	require.NoError(t, err)
	again, err := g.AuthCodeURL()
	require.NoError(t, err)
	assert.Equal(t, raw, again)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	state := u.Query().Get("state")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+url.QueryEscape(state), nil)
	g.CallbackHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StateReady, g.State())
	assert.Equal(t, "authorization_code", ts.form().Get("grant_type"))
	assert.NotEmpty(t, ts.form().Get("code_verifier"))
	assert.Equal(t, "fresh-access", g.Token())

	rec = httptest.NewRecorder()
	g.CallbackHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?code=abc&state=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplySetsBearer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	NewStaticGate("xyz", User{}).Apply(req)
	assert.Equal(t, "Bearer xyz", req.Header.Get("Authorization"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	NewStaticGate("", User{}).Apply(req)
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestUserID(t *testing.T) {
	assert.Equal(t, "a@b.c", User{Email: "a@b.c", PreferredUsername: "a"}.ID())
	assert.Equal(t, "a", User{PreferredUsername: "a"}.ID())
	assert.Equal(t, "unknown", User{}.ID())
}

func newSessionServer(t *testing.T, body string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/session" {
			http.NotFound(w, r)
			return
		}
		if c, err := r.Cookie("next-auth.session-token"); err != nil || c.Value != "sess" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCookieGateUsesSession(t *testing.T) {
	srv := newSessionServer(t, `{"user":{"email":"ada@example.com"},"access_token":"bearer-1"}`)
	g, err := NewCookieGate(CookieConfig{BaseURL: srv.URL, Session: "sess"}, nil)
	require.NoError(t, err)

	tok, err := g.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bearer-1", tok)
	assert.Equal(t, "ada@example.com", g.User().ID())

	req := httptest.NewRequest(http.MethodGet, srv.URL+"/chats", nil)
	g.Apply(req)
	c, err := req.Cookie("next-auth.session-token")
	require.NoError(t, err)
	assert.Equal(t, "sess", c.Value)
	assert.Equal(t, "Bearer bearer-1", req.Header.Get("Authorization"))
}

func TestCookieGateRefreshErrorTriggersLogin(t *testing.T) {
	srv := newSessionServer(t, `{"user":{"email":"ada@example.com"},"error":"RefreshAccessTokenError"}`)
	logins := make(chan string, 1)
	g, err := NewCookieGate(CookieConfig{BaseURL: srv.URL, Session: "sess", OnLogin: func(u string) { logins <- u }}, nil)
	require.NoError(t, err)

	_, err = g.EnsureFresh(context.Background())
	require.ErrorIs(t, err, ErrLoginRequired)
	select {
	case u := <-logins:
		assert.Equal(t, srv.URL+"/api/auth/signin", u)
	case <-time.After(time.Second):
		t.Fatal("login handler not invoked")
	}
}

func TestCookieGateWithoutCookie(t *testing.T) {
	srv := newSessionServer(t, `{}`)
	g, err := NewCookieGate(CookieConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	_, err = g.EnsureFresh(context.Background())
	assert.ErrorIs(t, err, ErrLoginRequired)

	g.SetSession("sess")
	_, err = g.EnsureFresh(context.Background())
	assert.ErrorIs(t, err, ErrLoginRequired, "session body has no user")
}
