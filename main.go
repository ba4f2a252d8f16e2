package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/user"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"foundry/internal/api"
	"foundry/internal/auth"
	"foundry/internal/chat"
	"foundry/internal/config"
	"foundry/internal/db"
	"foundry/internal/ledger"
	"foundry/internal/logging"
	"foundry/internal/persist"
	"foundry/internal/store"
	"foundry/internal/styles"
	"foundry/internal/title"
	"foundry/internal/ui"
)

func main() {
	cmd := &cli.Command{
		Name:   "foundry",
		Usage:  "terminal client for a streaming agent service",
		Flags:  config.GetFlags(os.Args),
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	cfg := config.NewConfiguration(c)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.DataDir, cfg.Verbose)
	if err != nil {
		return fmt.Errorf("starting logger: %w", err)
	}
	defer log.Sync()
	log.Debugf("configuration:\n%s", cfg)

	styles.InitTheme()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// the program does not exist yet when the gate is built
	var notify atomic.Pointer[func(string)]
	onLogin := func(loginURL string) {
		log.Infow("login required", "url", loginURL)
		if f := notify.Load(); f != nil {
			(*f)(loginURL)
		}
	}

	gate, cleanup, err := newGate(ctx, cfg, onLogin, log)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := []api.Option{api.WithTimeout(cfg.Backend.Timeout)}
	if cfg.Backend.ServiceURL != "" {
		opts = append(opts, api.WithServiceURL(cfg.Backend.ServiceURL))
	}
	client, err := api.New(cfg.Backend.URL, gate, log.Named("api"), opts...)
	if err != nil {
		return err
	}

	backend, closeBackend, err := newBackend(cfg, client, gate, log)
	if err != nil {
		return err
	}
	defer closeBackend()

	st := store.New()
	sess := chat.New(chat.Deps{
		Store:   st,
		Ledger:  ledger.New(),
		Backend: backend,
		Agent:   client,
		Gate:    gate,
		Titler:  newTitler(cfg, client),
		Log:     log.Named("chat"),
	})

	queue := persist.NewQueue(st, backend, cfg.Backend.Debounce, log.Named("persist"))
	queue.Start(ctx)

	model := ui.New(ctx, sess, log.Named("ui"))
	model.OnLoaded = queue.MarkLoaded
	p := ui.NewProgram(model)
	f := ui.LoginNotifier(p)
	notify.Store(&f)

	_, runErr := p.Run()

	cancel()
	sess.Wait()
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := queue.Flush(flushCtx); err != nil {
		log.Warnw("final save failed", "error", err)
	}
	flushCancel()
	queue.Close()
	model.Close()
	return runErr
}

// newGate builds the token gate for the configured auth mode. Gates attach
// their own credentials, cookies included, so the api client needs no jar.
func newGate(ctx context.Context, cfg *config.Configuration, onLogin auth.LoginFunc, log *zap.SugaredLogger) (auth.Gate, func(), error) {
	switch cfg.Auth.Mode {
	case "cookie":
		g, err := auth.NewCookieGate(auth.CookieConfig{
			BaseURL:     cfg.Backend.URL,
			CookieName:  cfg.Auth.CookieName,
			Session:     cfg.Auth.SessionCookie,
			MinValidity: cfg.Auth.MinValidity,
			OnLogin:     onLogin,
		}, log.Named("auth"))
		if err != nil {
			return nil, nil, err
		}
		return g, func() {}, nil

	case "static":
		return auth.NewStaticGate(cfg.Auth.Token, auth.User{PreferredUsername: localUser()}), func() {}, nil
	}

	g := auth.NewOIDCGate(auth.OIDCConfig{
		Issuer:          cfg.Auth.Issuer,
		ClientID:        cfg.Auth.ClientID,
		ClientSecret:    cfg.Auth.ClientSecret,
		RedirectURL:     cfg.Auth.RedirectURL,
		TokenFile:       cfg.Auth.TokenFile,
		MinValidity:     cfg.Auth.MinValidity,
		RefreshInterval: cfg.Auth.RefreshInterval,
		RefreshWindow:   cfg.Auth.RefreshWindow,
		OnLogin:         onLogin,
	}, log.Named("auth"))
	if err := g.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("initializing token gate: %w", err)
	}
	srv, err := serveCallback(cfg.Auth.RedirectURL, g.CallbackHandler(), log)
	if err != nil {
		g.Close()
		return nil, nil, err
	}
	return g, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		g.Close()
	}, nil
}

// serveCallback listens on the loopback redirect URL for login callbacks.
func serveCallback(redirectURL string, h http.Handler, log *zap.SugaredLogger) (*http.Server, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect url: %w", err)
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("listening for login callback: %w", err)
	}
	mux := http.NewServeMux()
	path := u.Path
	if path == "" {
		path = "/"
	}
	mux.Handle(path, h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("login callback server stopped", "error", err)
		}
	}()
	return srv, nil
}

// newBackend picks where chats are kept. Local chats are owned by the user
// the gate knows at startup.
func newBackend(cfg *config.Configuration, client *api.Client, gate auth.Gate, log *zap.SugaredLogger) (persist.Backend, func() error, error) {
	if cfg.Backend.Persistence != "local" {
		return client, func() error { return nil }, nil
	}
	conn, err := db.Open(cfg.Backend.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening chat database: %w", err)
	}
	local := db.NewStore(conn, gate.User().ID(), log.Named("db"))
	return local, local.Close, nil
}

func newTitler(cfg *config.Configuration, client *api.Client) title.Generator {
	switch cfg.Title.Provider {
	case "openai":
		return title.NewOpenAI(cfg.Title.OpenAIKey, cfg.Title.OpenAIURL, cfg.Title.Model)
	case "none":
		return nil
	}
	return title.NewRemote(client)
}

func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
