package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const refreshErrorMarker = "RefreshAccessTokenError"

type CookieConfig struct {
	BaseURL    string
	CookieName string
	// Session seeds the session cookie, e.g. copied from a browser.
	Session     string
	SessionPath string
	SignInPath  string
	// MinValidity is how long a successful session check is trusted.
	MinValidity time.Duration
	HTTPClient  *http.Client
	OnLogin     LoginFunc
}

// CookieGate authenticates with a server-side session cookie. The session
// endpoint reports the current access token and whether the server failed
// to refresh it.
type CookieGate struct {
	cfg  CookieConfig
	log  *zap.SugaredLogger
	base *url.URL
	jar  http.CookieJar

	mu      sync.Mutex
	checked time.Time
	access  string
	user    User
}

func NewCookieGate(cfg CookieConfig, log *zap.SugaredLogger) (*CookieGate, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("cookie gate: parsing base url: %w", err)
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "next-auth.session-token"
	}
	if cfg.SessionPath == "" {
		cfg.SessionPath = "/api/auth/session"
	}
	if cfg.SignInPath == "" {
		cfg.SignInPath = "/api/auth/signin"
	}
	if cfg.MinValidity <= 0 {
		cfg.MinValidity = DefaultMinValidity
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if cfg.Session != "" {
		jar.SetCookies(base, []*http.Cookie{{Name: cfg.CookieName, Value: cfg.Session, Path: "/"}})
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CookieGate{cfg: cfg, log: log, base: base, jar: jar}, nil
}

func (g *CookieGate) sessionCookie() string {
	for _, c := range g.jar.Cookies(g.base) {
		if c.Name == g.cfg.CookieName {
			return c.Value
		}
	}
	return ""
}

func (g *CookieGate) EnsureFresh(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cookie := g.sessionCookie()
	if cookie == "" {
		g.loginLocked()
		return "", fmt.Errorf("%w: no session cookie", ErrLoginRequired)
	}
	if time.Since(g.checked) < g.cfg.MinValidity {
		return g.credentialLocked(cookie), nil
	}
	if err := g.checkSessionLocked(ctx); err != nil {
		g.checked = time.Time{}
		g.loginLocked()
		return "", fmt.Errorf("%w: %v", ErrLoginRequired, err)
	}
	g.checked = time.Now()
	return g.credentialLocked(cookie), nil
}

func (g *CookieGate) credentialLocked(cookie string) string {
	if g.access != "" {
		return g.access
	}
	return cookie
}

func (g *CookieGate) checkSessionLocked(ctx context.Context) error {
	endpoint := g.base.ResolveReference(&url.URL{Path: g.cfg.SessionPath})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return err
	}
	for _, c := range g.jar.Cookies(endpoint) {
		req.AddCookie(c)
	}
	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("session check: %w", err)
	}
	defer resp.Body.Close()
	if rc := resp.Cookies(); len(rc) > 0 {
		g.jar.SetCookies(endpoint, rc)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session check: HTTP %d", resp.StatusCode)
	}

	var session struct {
		User        *User  `json:"user"`
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("session check: %w", err)
	}
	if session.Error == refreshErrorMarker {
		return fmt.Errorf("session could not refresh its access token")
	}
	if session.User == nil {
		return fmt.Errorf("no active session")
	}
	g.user = *session.User
	g.access = session.AccessToken
	return nil
}

func (g *CookieGate) Token() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.credentialLocked(g.sessionCookie())
}

// Apply sends the session cookies and, when the session exposed one, the
// access token as bearer.
func (g *CookieGate) Apply(req *http.Request) {
	for _, c := range g.jar.Cookies(req.URL) {
		req.AddCookie(c)
	}
	g.mu.Lock()
	access := g.access
	g.mu.Unlock()
	setBearer(req, access)
}

func (g *CookieGate) Login(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loginLocked()
	return nil
}

func (g *CookieGate) loginLocked() {
	g.access = ""
	signIn := g.base.ResolveReference(&url.URL{Path: g.cfg.SignInPath})
	g.log.Infow("login required", "url", signIn.String())
	if g.cfg.OnLogin != nil {
		go g.cfg.OnLogin(signIn.String())
	}
}

func (g *CookieGate) User() User {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.user
}

// SetSession replaces the session cookie after an out-of-band sign in.
func (g *CookieGate) SetSession(value string) {
	value = strings.TrimSpace(value)
	g.jar.SetCookies(g.base, []*http.Cookie{{Name: g.cfg.CookieName, Value: value, Path: "/"}})
	g.mu.Lock()
	g.checked = time.Time{}
	g.mu.Unlock()
}
