// Package bugle wires the token lifecycle into an HTTP server: a middleware
// that attaches a Drive capability to every request and keeps rotated tokens
// in the session, plus the login, logout, retry, profile and open routes.
package bugle

import (
	"embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"drive-bugle/internal/conductor"
	"drive-bugle/internal/drive"
	"drive-bugle/internal/opener"
	"drive-bugle/internal/session"
	"drive-bugle/internal/vault"
	"drive-bugle/pkg/auth"
)

//go:embed pages/*.html
var defaultPages embed.FS

// Paths are the routes served by the plugin. The provider callback comes
// from the Google credentials.
type Paths struct {
	Login  string `toml:"login" env:"LOGIN"`
	Logout string `toml:"logout" env:"LOGOUT"`
	Retry  string `toml:"retry" env:"RETRY"`
	Reset  string `toml:"reset" env:"RESET"`
	Me     string `toml:"me" env:"ME"`
}

// DefaultPaths returns the stock routes.
func DefaultPaths() Paths {
	return Paths{
		Login:  "/a/login",
		Logout: "/a/logout",
		Retry:  "/a/googledriveretry",
		Reset:  "/a/googledrivereset",
		Me:     "/a/me",
	}
}

func (p Paths) withDefaults() Paths {
	d := DefaultPaths()
	if p.Login == "" {
		p.Login = d.Login
	}
	if p.Logout == "" {
		p.Logout = d.Logout
	}
	if p.Retry == "" {
		p.Retry = d.Retry
	}
	if p.Reset == "" {
		p.Reset = d.Reset
	}
	if p.Me == "" {
		p.Me = d.Me
	}
	return p
}

// Options is the plugin configuration surface.
type Options struct {
	Hostname      string `toml:"hostname" env:"HOSTNAME"`
	OpenURL       string `toml:"openUrl" env:"OPEN_URL"`
	LoginHTMLFile string `toml:"loginHTMLFile" env:"LOGIN_HTML_FILE"`
	RetryHTMLFile string `toml:"retryHTMLFile" env:"RETRY_HTML_FILE"`
	OpenFields    string `toml:"openfields" env:"OPEN_FIELDS"`
	OpenMaxSize   int64  `toml:"openmaxsize" env:"OPEN_MAX_SIZE"`
	HexIDSalt     string `toml:"hexidSalt" env:"HEXID_SALT"`
	MyRedirect    string `toml:"myRedirect" env:"MY_REDIRECT"`
	UseMeLevel    int    `toml:"useMeLevel" env:"USE_ME_LEVEL"`
	Paths         Paths  `toml:"paths" envPrefix:"PATH_"`
	Drive         struct {
		RefreshTokenStash vault.Config `toml:"refreshTokenStash" envPrefix:"STASH_"`
	} `toml:"drive"`
}

// Validate checks the options that do not depend on files or credentials.
func (o *Options) Validate() error {
	if o.OpenURL != "" {
		if o.Hostname == "" {
			return &auth.ConfigError{Field: "hostname", Reason: "missing hostname, required by openUrl"}
		}
		if !strings.HasPrefix(o.OpenURL, "/") {
			return &auth.ConfigError{Field: "openUrl", Reason: "must be an absolute path"}
		}
	}
	if o.UseMeLevel < 0 || o.UseMeLevel > 4 {
		return &auth.ConfigError{Field: "useMeLevel", Reason: "must be between 0 and 4"}
	}
	if o.OpenMaxSize < 0 {
		return &auth.ConfigError{Field: "openmaxsize", Reason: "must not be negative"}
	}
	return o.Drive.RefreshTokenStash.Validate()
}

// Route is one path served on the mux, named by the setting that chose it.
type Route struct {
	Field string
	Path  string
}

// Routes lists the paths the plugin registers when its provider callback is
// callback.
func (o *Options) Routes(callback string) []Route {
	p := o.Paths.withDefaults()
	routes := []Route{
		{Field: "google.callback", Path: callback},
		{Field: "paths.login", Path: p.Login},
		{Field: "paths.logout", Path: p.Logout},
		{Field: "paths.retry", Path: p.Retry},
	}
	if p.Reset != p.Retry {
		routes = append(routes, Route{Field: "paths.reset", Path: p.Reset})
	}
	routes = append(routes, Route{Field: "paths.me", Path: p.Me})
	if o.OpenURL != "" {
		routes = append(routes, Route{Field: "openUrl", Path: o.OpenURL})
	}
	return routes
}

// CheckRoutes rejects relative paths and paths served twice, which the mux
// would otherwise refuse with a panic.
func CheckRoutes(routes []Route) error {
	seen := make(map[string]string, len(routes))
	for _, r := range routes {
		if !strings.HasPrefix(r.Path, "/") {
			return &auth.ConfigError{Field: r.Field, Reason: fmt.Sprintf("path %q must be absolute", r.Path)}
		}
		if other, dup := seen[r.Path]; dup {
			return &auth.ConfigError{Field: r.Field, Reason: fmt.Sprintf("path %q is already served by %s", r.Path, other)}
		}
		seen[r.Path] = r.Field
	}
	return nil
}

// OpenHook handles a completed open action in place of the default JSON dump.
type OpenHook func(w http.ResponseWriter, r *http.Request, res *opener.Result) error

// Deps are the collaborators the plugin does not build itself.
type Deps struct {
	Sessions     session.Backend
	Locator      vault.Locator         // Storage for the stash, nil for the Drive app data folder
	Endpoint     *oauth2.Endpoint      // Overrides the Google endpoint
	DriveOptions []option.ClientOption // Passed to every Drive service
	OnOpen       OpenHook
	Logger       *slog.Logger
}

// Plugin is an initialized bugle instance. It is immutable after New.
type Plugin struct {
	opts      Options
	paths     Paths
	creds     auth.Credentials
	endpoint  *oauth2.Endpoint
	sessions  session.Backend
	factory   *drive.Factory
	conductor *conductor.Conductor
	opener    *opener.Opener
	onOpen    OpenHook
	login     []byte
	retry     []byte
	logger    *slog.Logger
}

// New validates every input and loads the pages. Nothing is registered
// anywhere unless it returns a nil error.
func New(opts Options, creds *auth.Credentials, deps Deps) (*Plugin, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := CheckRoutes(opts.Routes(creds.Callback)); err != nil {
		return nil, err
	}
	if deps.Sessions == nil {
		return nil, &auth.ConfigError{Field: "session", Reason: "no session backend configured"}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	login, err := readPage(opts.LoginHTMLFile, "pages/login.html", "loginHTMLFile")
	if err != nil {
		return nil, err
	}
	retry, err := readPage(opts.RetryHTMLFile, "pages/retry.html", "retryHTMLFile")
	if err != nil {
		return nil, err
	}

	stash, err := vault.New(opts.Drive.RefreshTokenStash, deps.Locator, logger)
	if err != nil {
		return nil, err
	}

	p := &Plugin{
		opts:      opts,
		paths:     opts.Paths.withDefaults(),
		creds:     *creds,
		endpoint:  deps.Endpoint,
		sessions:  deps.Sessions,
		conductor: conductor.New(stash, logger),
		onOpen:    deps.OnOpen,
		login:     login,
		retry:     retry,
		logger:    logger,
	}
	p.factory = drive.NewFactory(p.OAuthConfig(""), opts.HexIDSalt, logger, deps.DriveOptions...)
	if opts.OpenURL != "" {
		openConfig := p.OAuthConfig("https://" + opts.Hostname + opts.OpenURL)
		p.opener = opener.New(openConfig, p.factory, opts.OpenFields, opts.OpenMaxSize, logger)
	}
	return p, nil
}

// OAuthConfig returns the oauth2 configuration of the plugin's credentials
// with redirectURL.
func (p *Plugin) OAuthConfig(redirectURL string) *oauth2.Config {
	cfg := p.creds.OAuthConfig(redirectURL)
	if p.endpoint != nil {
		cfg.Endpoint = *p.endpoint
	}
	return cfg
}

// Paths returns the routes the plugin serves.
func (p *Plugin) Paths() Paths {
	return p.paths
}

func readPage(path, fallback, field string) ([]byte, error) {
	if path == "" {
		return defaultPages.ReadFile(fallback)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &auth.ConfigError{Field: field, Reason: fmt.Sprintf("failed to read %s: %v", path, err)}
	}
	return data, nil
}
