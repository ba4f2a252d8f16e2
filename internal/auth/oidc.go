package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// State is the lifecycle position of an OIDC gate.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultMinValidity     = 30 * time.Second
	DefaultRefreshInterval = 30 * time.Second
	DefaultRefreshWindow   = 60 * time.Second
)

var DefaultScopes = []string{"openid", "email", "profile", "offline_access"}

type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// AuthURL and TokenURL skip discovery when both are set.
	AuthURL  string
	TokenURL string
	Scopes   []string

	TokenFile       string
	MinValidity     time.Duration
	RefreshInterval time.Duration
	RefreshWindow   time.Duration

	HTTPClient *http.Client
	OnLogin    LoginFunc
}

// OIDCGate keeps a bearer token fresh through the refresh token grant and
// falls back to an authorization code login with PKCE.
type OIDCGate struct {
	cfg   OIDCConfig
	log   *zap.SugaredLogger
	oauth *oauth2.Config

	mu          sync.Mutex
	state       State
	token       *oauth2.Token
	user        User
	verifier    string
	loginState  string
	loginURL    string
	expiryTimer *time.Timer

	stop chan struct{}
	done chan struct{}
}

func NewOIDCGate(cfg OIDCConfig, log *zap.SugaredLogger) *OIDCGate {
	if cfg.MinValidity <= 0 {
		cfg.MinValidity = DefaultMinValidity
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = DefaultRefreshWindow
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &OIDCGate{cfg: cfg, log: log}
}

func (g *OIDCGate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Init resolves the provider endpoints, restores a saved token and starts
// background refresh. It may run once; later calls fail.
func (g *OIDCGate) Init(ctx context.Context) error {
	g.mu.Lock()
	if g.state != StateUninitialized {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.state = StateInitializing
	g.mu.Unlock()

	endpoint, err := g.endpoint(ctx)
	if err != nil {
		g.mu.Lock()
		g.state = StateUninitialized
		g.mu.Unlock()
		return err
	}
	oc := &oauth2.Config{
		ClientID:     g.cfg.ClientID,
		ClientSecret: g.cfg.ClientSecret,
		RedirectURL:  g.cfg.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       g.cfg.Scopes,
	}

	tok, err := loadToken(g.cfg.TokenFile)
	if err != nil {
		g.log.Warnw("ignoring stored token", "error", err)
		tok = nil
	}

	g.mu.Lock()
	g.oauth = oc
	if tok != nil {
		g.setTokenLocked(tok)
	} else {
		g.state = StateExpired
	}
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	stop, done := g.stop, g.done
	g.mu.Unlock()

	go g.refreshLoop(stop, done)
	g.log.Infow("token gate initialized", "state", g.State().String())
	return nil
}

// Close stops background refresh.
func (g *OIDCGate) Close() {
	g.mu.Lock()
	stop := g.stop
	g.stop = nil
	if g.expiryTimer != nil {
		g.expiryTimer.Stop()
	}
	g.mu.Unlock()
	if stop != nil {
		close(stop)
		<-g.done
	}
}

func (g *OIDCGate) endpoint(ctx context.Context) (oauth2.Endpoint, error) {
	if g.cfg.AuthURL != "" && g.cfg.TokenURL != "" {
		return oauth2.Endpoint{AuthURL: g.cfg.AuthURL, TokenURL: g.cfg.TokenURL}, nil
	}
	if g.cfg.Issuer == "" {
		return oauth2.Endpoint{}, fmt.Errorf("oidc: issuer or auth/token URLs required")
	}
	wellKnown := strings.TrimSuffix(g.cfg.Issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return oauth2.Endpoint{}, err
	}
	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return oauth2.Endpoint{}, fmt.Errorf("oidc discovery: HTTP %d", resp.StatusCode)
	}
	var doc struct {
		AuthorizationEndpoint string `json:"authorization_endpoint"`
		TokenEndpoint         string `json:"token_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("oidc discovery: %w", err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return oauth2.Endpoint{}, fmt.Errorf("oidc discovery: incomplete provider metadata")
	}
	return oauth2.Endpoint{AuthURL: doc.AuthorizationEndpoint, TokenURL: doc.TokenEndpoint}, nil
}

// EnsureFresh is a no-op while the token has more than MinValidity left.
// Otherwise it refreshes; if that fails a login is started and the error
// wraps ErrLoginRequired.
func (g *OIDCGate) EnsureFresh(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateUninitialized, StateInitializing:
		return "", ErrNotInitialized
	}
	if g.state == StateReady && g.validForLocked(g.cfg.MinValidity) {
		return g.token.AccessToken, nil
	}
	if err := g.refreshLocked(ctx); err != nil {
		g.loginLocked()
		return "", fmt.Errorf("%w: %v", ErrLoginRequired, err)
	}
	return g.token.AccessToken, nil
}

func (g *OIDCGate) Token() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token == nil {
		return ""
	}
	return g.token.AccessToken
}

func (g *OIDCGate) Apply(req *http.Request) {
	setBearer(req, g.Token())
}

func (g *OIDCGate) User() User {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.user
}

// Login discards the current token and hands the authorization URL to the
// login handler.
func (g *OIDCGate) Login(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.oauth == nil {
		return ErrNotInitialized
	}
	g.loginLocked()
	return nil
}

// AuthCodeURL returns where to send the user to sign in. A pending login
// attempt is reused so its verifier stays valid.
func (g *OIDCGate) AuthCodeURL() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.oauth == nil {
		return "", ErrNotInitialized
	}
	return g.authCodeURLLocked(), nil
}

func (g *OIDCGate) authCodeURLLocked() string {
	if g.loginURL != "" {
		return g.loginURL
	}
	g.verifier = oauth2.GenerateVerifier()
	g.loginState = randomState()
	g.loginURL = g.oauth.AuthCodeURL(g.loginState, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(g.verifier))
	return g.loginURL
}

func (g *OIDCGate) loginLocked() {
	if g.token != nil {
		if err := clearToken(g.cfg.TokenFile); err != nil {
			g.log.Warnw("clearing stored token", "error", err)
		}
	}
	g.token = nil
	g.user = User{}
	g.state = StateExpired
	loginURL := g.authCodeURLLocked()
	g.log.Infow("login required")
	if g.cfg.OnLogin != nil {
		go g.cfg.OnLogin(loginURL)
	}
}

// Exchange completes a login with the authorization code from the redirect.
func (g *OIDCGate) Exchange(ctx context.Context, code, state string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.oauth == nil {
		return ErrNotInitialized
	}
	if g.verifier == "" || state != g.loginState {
		return fmt.Errorf("oidc: unexpected login state")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.cfg.HTTPClient)
	tok, err := g.oauth.Exchange(ctx, code, oauth2.VerifierOption(g.verifier))
	if err != nil {
		return fmt.Errorf("oidc: exchanging code: %w", err)
	}
	g.verifier, g.loginState, g.loginURL = "", "", ""
	g.setTokenLocked(tok)
	g.persistLocked()
	g.log.Infow("signed in", "user", g.user.ID())
	return nil
}

// CallbackHandler serves the redirect URL of a loopback login.
func (g *OIDCGate) CallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			http.Error(w, "login failed: "+e, http.StatusBadRequest)
			return
		}
		if err := g.Exchange(r.Context(), q.Get("code"), q.Get("state")); err != nil {
			g.log.Warnw("login callback failed", "error", err)
			http.Error(w, "login failed", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Signed in. You can return to the terminal.")
	})
}

func (g *OIDCGate) validForLocked(d time.Duration) bool {
	if g.token == nil || g.token.AccessToken == "" {
		return false
	}
	if g.token.Expiry.IsZero() {
		return true
	}
	return time.Until(g.token.Expiry) > d
}

func (g *OIDCGate) refreshLocked(ctx context.Context) error {
	if g.oauth == nil {
		return ErrNotInitialized
	}
	if g.token == nil || g.token.RefreshToken == "" {
		return fmt.Errorf("no refresh token")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.cfg.HTTPClient)
	src := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: g.token.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		g.state = StateExpired
		return fmt.Errorf("refreshing token: %w", err)
	}
	if idToken(tok) == "" && idToken(g.token) != "" {
		tok = tok.WithExtra(map[string]any{"id_token": idToken(g.token)})
	}
	g.setTokenLocked(tok)
	g.persistLocked()
	g.log.Debugw("token refreshed", "expiry", tok.Expiry)
	return nil
}

func (g *OIDCGate) setTokenLocked(tok *oauth2.Token) {
	g.token = tok
	if u, ok := parseClaims(idToken(tok)); ok {
		g.user = u
	} else if u, ok := parseClaims(tok.AccessToken); ok {
		g.user = u
	}
	if tok.AccessToken != "" && (tok.Expiry.IsZero() || time.Now().Before(tok.Expiry)) {
		g.state = StateReady
	} else {
		g.state = StateExpired
	}
	g.armExpiryLocked()
}

func (g *OIDCGate) persistLocked() {
	if err := saveToken(g.cfg.TokenFile, g.token); err != nil {
		g.log.Warnw("saving token", "error", err)
	}
}

func (g *OIDCGate) armExpiryLocked() {
	if g.expiryTimer != nil {
		g.expiryTimer.Stop()
		g.expiryTimer = nil
	}
	if g.token == nil || g.token.Expiry.IsZero() {
		return
	}
	g.expiryTimer = time.AfterFunc(time.Until(g.token.Expiry), g.onExpired)
}

// onExpired refreshes right away and falls back to login.
func (g *OIDCGate) onExpired() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateReady || g.validForLocked(0) {
		return
	}
	g.log.Warnw("token expired, refreshing")
	g.state = StateExpired
	if err := g.refreshLocked(context.Background()); err != nil {
		g.log.Warnw("refresh after expiry failed", "error", err)
		g.loginLocked()
	}
}

func (g *OIDCGate) refreshLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.backgroundRefresh()
		}
	}
}

// backgroundRefresh only logs failures; the next request handles login.
func (g *OIDCGate) backgroundRefresh() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateReady || g.validForLocked(g.cfg.RefreshWindow) {
		return
	}
	if err := g.refreshLocked(context.Background()); err != nil {
		g.log.Warnw("background token refresh failed", "error", err)
	}
}

func randomState() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
