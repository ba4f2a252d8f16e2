// Package config collects settings from flags, FOUNDRY_* environment
// variables and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const envPrefix = "FOUNDRY_"

type Configuration struct {
	Backend *BackendConfig
	Auth    *AuthConfig
	Title   *TitleConfig
	DataDir string
	Verbose bool
}

type BackendConfig struct {
	URL         string
	ServiceURL  string
	Persistence string
	DBPath      string
	Timeout     time.Duration
	Debounce    time.Duration
}

type AuthConfig struct {
	Mode            string
	Issuer          string
	ClientID        string
	ClientSecret    string
	RedirectURL     string
	Token           string
	SessionCookie   string
	CookieName      string
	TokenFile       string
	MinValidity     time.Duration
	RefreshInterval time.Duration
	RefreshWindow   time.Duration
}

type TitleConfig struct {
	Provider  string
	OpenAIKey string
	OpenAIURL string
	Model     string
}

// YamlSource implements cli.ValueSource for one key of a YAML document.
type YamlSource struct {
	data map[string]any
	key  string
}

func (y *YamlSource) Lookup() (string, bool) {
	v, ok := y.data[y.key]
	if !ok || v == nil {
		return "", false
	}
	if slice, ok := v.([]any); ok {
		var strs []string
		for _, item := range slice {
			strs = append(strs, fmt.Sprintf("%v", item))
		}
		return strings.Join(strs, ","), true
	}
	return fmt.Sprintf("%v", v), true
}

func (y *YamlSource) String() string   { return "yaml" }
func (y *YamlSource) GoString() string { return "yaml" }

// DefaultDataDir is where the database, token file and debug log live.
func DefaultDataDir() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, herr := os.UserHomeDir()
		if herr != nil {
			return ".foundry"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "foundry")
}

// GetFlags returns the command flags. The config file named in args or in
// FOUNDRY_CONFIG is read up front so its values can act as flag sources.
func GetFlags(args []string) []cli.Flag {
	var configData map[string]any
	if path := configPath(args); path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			_ = yaml.Unmarshal(data, &configData)
		} else {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config file %s: %v\n", path, err)
		}
	}

	src := func(key string) cli.ValueSourceChain {
		chain := cli.ValueSourceChain{}
		chain.Chain = append(chain.Chain, cli.EnvVar(envPrefix+strings.ToUpper(strings.ReplaceAll(key, "-", "_"))))
		if configData != nil {
			chain.Chain = append(chain.Chain, &YamlSource{data: configData, key: key})
		}
		return chain
	}

	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "read settings from the named YAML file", Sources: cli.EnvVars(envPrefix + "CONFIG")},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"V"}, Usage: "log at debug level", Sources: src("verbose")},
		&cli.StringFlag{Name: "data-dir", Value: DefaultDataDir(), Usage: "directory for the local database, tokens and debug log", Sources: src("data-dir")},

		// Backend
		&cli.StringFlag{Name: "url", Aliases: []string{"u"}, Value: "http://localhost:3000", Usage: "base URL of the chat backend", Sources: src("url")},
		&cli.StringFlag{Name: "service-url", Usage: "agent service URL, skips /config discovery", Sources: src("service-url")},
		&cli.StringFlag{Name: "persistence", Value: "remote", Usage: "where chats are stored: remote or local", Sources: src("persistence")},
		&cli.StringFlag{Name: "db", Usage: "sqlite file for local persistence (default <data-dir>/foundry.db)", Sources: src("db")},
		&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "timeout for non-streaming requests", Sources: src("timeout")},
		&cli.DurationFlag{Name: "debounce", Value: time.Second, Usage: "quiet period before chats are saved", Sources: src("debounce")},

		// Auth
		&cli.StringFlag{Name: "auth", Aliases: []string{"a"}, Value: "oidc", Usage: "authentication mode: oidc, cookie or static", Sources: src("auth")},
		&cli.StringFlag{Name: "issuer", Usage: "OIDC issuer URL", Sources: src("issuer")},
		&cli.StringFlag{Name: "client-id", Usage: "OIDC client id", Sources: src("client-id")},
		&cli.StringFlag{Name: "client-secret", Usage: "OIDC client secret", Sources: src("client-secret")},
		&cli.StringFlag{Name: "redirect-url", Value: "http://127.0.0.1:8765/callback", Usage: "OIDC redirect URL served locally during login", Sources: src("redirect-url")},
		&cli.StringFlag{Name: "token", Usage: "fixed bearer token for static auth", Sources: src("token")},
		&cli.StringFlag{Name: "session", Usage: "session cookie value for cookie auth", Sources: src("session")},
		&cli.StringFlag{Name: "cookie-name", Value: "next-auth.session-token", Usage: "session cookie name for cookie auth", Sources: src("cookie-name")},
		&cli.StringFlag{Name: "token-file", Usage: "where OIDC tokens are kept (default <data-dir>/token.json)", Sources: src("token-file")},
		&cli.DurationFlag{Name: "min-validity", Value: 30 * time.Second, Usage: "refresh before a request when the token expires sooner than this", Sources: src("min-validity")},
		&cli.DurationFlag{Name: "refresh-interval", Value: 30 * time.Second, Usage: "how often the background refresh checks the token", Sources: src("refresh-interval")},
		&cli.DurationFlag{Name: "refresh-window", Value: 60 * time.Second, Usage: "background refresh when the token expires within this window", Sources: src("refresh-window")},

		// Titles
		&cli.StringFlag{Name: "title-provider", Value: "backend", Usage: "chat titles from: backend, openai or none", Sources: src("title-provider")},
		&cli.StringFlag{Name: "openai-key", Usage: "API key for openai titles", Sources: src("openai-key")},
		&cli.StringFlag{Name: "openai-url", Usage: "OpenAI-compatible base URL for titles", Sources: src("openai-url")},
		&cli.StringFlag{Name: "title-model", Value: "gpt-4o-mini", Usage: "model used for openai titles", Sources: src("title-model")},
	}
}

func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" || arg == "-c" {
			if i+1 < len(args) {
				return args[i+1]
			}
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
	}
	return os.Getenv(envPrefix + "CONFIG")
}

func NewConfiguration(c *cli.Command) *Configuration {
	dataDir := c.String("data-dir")
	cfg := &Configuration{
		DataDir: dataDir,
		Verbose: c.Bool("verbose"),
		Backend: &BackendConfig{
			URL:         c.String("url"),
			ServiceURL:  c.String("service-url"),
			Persistence: strings.ToLower(c.String("persistence")),
			DBPath:      c.String("db"),
			Timeout:     c.Duration("timeout"),
			Debounce:    c.Duration("debounce"),
		},
		Auth: &AuthConfig{
			Mode:            strings.ToLower(c.String("auth")),
			Issuer:          c.String("issuer"),
			ClientID:        c.String("client-id"),
			ClientSecret:    c.String("client-secret"),
			RedirectURL:     c.String("redirect-url"),
			Token:           c.String("token"),
			SessionCookie:   c.String("session"),
			CookieName:      c.String("cookie-name"),
			TokenFile:       c.String("token-file"),
			MinValidity:     c.Duration("min-validity"),
			RefreshInterval: c.Duration("refresh-interval"),
			RefreshWindow:   c.Duration("refresh-window"),
		},
		Title: &TitleConfig{
			Provider:  strings.ToLower(c.String("title-provider")),
			OpenAIKey: c.String("openai-key"),
			OpenAIURL: c.String("openai-url"),
			Model:     c.String("title-model"),
		},
	}
	if cfg.Backend.DBPath == "" {
		cfg.Backend.DBPath = filepath.Join(dataDir, "foundry.db")
	}
	if cfg.Auth.TokenFile == "" {
		cfg.Auth.TokenFile = filepath.Join(dataDir, "token.json")
	}
	return cfg
}

// Validate reports every setting that cannot work together.
func (c *Configuration) Validate() error {
	var errs []error
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	switch c.Backend.Persistence {
	case "remote", "local":
	default:
		errs = append(errs, fmt.Errorf("unknown persistence %q", c.Backend.Persistence))
	}
	switch c.Auth.Mode {
	case "oidc":
		if c.Auth.Issuer == "" || c.Auth.ClientID == "" {
			errs = append(errs, errors.New("oidc auth needs issuer and client-id"))
		}
	case "cookie", "static":
	default:
		errs = append(errs, fmt.Errorf("unknown auth mode %q", c.Auth.Mode))
	}
	switch c.Title.Provider {
	case "backend", "none":
	case "openai":
		if c.Title.OpenAIKey == "" {
			errs = append(errs, errors.New("openai titles need openai-key"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown title provider %q", c.Title.Provider))
	}
	return errors.Join(errs...)
}

// String lists the effective settings with secrets masked.
func (c *Configuration) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "url: %s\n", c.Backend.URL)
	fmt.Fprintf(&sb, "service-url: %s\n", c.Backend.ServiceURL)
	fmt.Fprintf(&sb, "persistence: %s\n", c.Backend.Persistence)
	fmt.Fprintf(&sb, "db: %s\n", c.Backend.DBPath)
	fmt.Fprintf(&sb, "timeout: %s\n", c.Backend.Timeout)
	fmt.Fprintf(&sb, "debounce: %s\n", c.Backend.Debounce)
	fmt.Fprintf(&sb, "auth: %s\n", c.Auth.Mode)
	fmt.Fprintf(&sb, "issuer: %s\n", c.Auth.Issuer)
	fmt.Fprintf(&sb, "client-id: %s\n", c.Auth.ClientID)
	fmt.Fprintf(&sb, "client-secret: %s\n", mask(c.Auth.ClientSecret))
	fmt.Fprintf(&sb, "token: %s\n", mask(c.Auth.Token))
	fmt.Fprintf(&sb, "session: %s\n", mask(c.Auth.SessionCookie))
	fmt.Fprintf(&sb, "token-file: %s\n", c.Auth.TokenFile)
	fmt.Fprintf(&sb, "title-provider: %s\n", c.Title.Provider)
	fmt.Fprintf(&sb, "openai-key: %s\n", mask(c.Title.OpenAIKey))
	fmt.Fprintf(&sb, "data-dir: %s\n", c.DataDir)
	fmt.Fprintf(&sb, "verbose: %t\n", c.Verbose)
	return sb.String()
}

func mask(s string) string {
	if len(s) <= 3 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-3) + s[len(s)-3:]
}
