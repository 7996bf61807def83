package bugle

import (
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	drivev3 "google.golang.org/api/drive/v3"

	"drive-bugle/internal/conductor"
	"drive-bugle/internal/drive"
	"drive-bugle/internal/opener"
)

// SetupRoutes registers the plugin's routes on mux. Wrap mux with Attach so
// the routes see the request's capability.
func (p *Plugin) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+p.creds.Callback, p.HandleCallback)
	mux.HandleFunc("GET "+p.paths.Login, p.page(p.login))
	mux.HandleFunc("GET "+p.paths.Logout, p.HandleLogout)
	mux.HandleFunc("GET "+p.paths.Retry, p.page(p.retry))
	if p.paths.Reset != p.paths.Retry {
		mux.HandleFunc("GET "+p.paths.Reset, p.page(p.retry))
	}
	mux.HandleFunc("GET "+p.paths.Me, p.HandleMe)
	if p.opener != nil {
		mux.HandleFunc("GET "+p.opts.OpenURL, p.HandleOpen)
	}
}

func (p *Plugin) page(content []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(content)
	}
}

// HandleCallback settles the session once the grant flow stored fresh
// tokens, then redirects to the landing page or the retry page.
func (p *Plugin) HandleCallback(w http.ResponseWriter, r *http.Request) {
	store, err := p.store(w, r)
	if err != nil {
		p.logger.Error("failed to open session", slog.Any("error", err))
		p.RetryDriveLogin(w, r)
		return
	}
	client, _ := drive.FromContext(r.Context())

	res := p.conductor.Run(r.Context(), store, client)
	if res.State != conductor.Committed {
		p.logger.Info("login not completed", slog.String("state", res.State.String()), slog.Any("error", res.Err))
		p.RetryDriveLogin(w, r)
		return
	}
	landing := p.opts.MyRedirect
	if landing == "" {
		landing = p.paths.Me
	}
	http.Redirect(w, r, landing, http.StatusFound)
}

// HandleLogout empties the session. It always answers "Goodbye".
func (p *Plugin) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if store, err := p.store(w, r); err != nil {
		p.logger.Warn("failed to open session for logout", slog.Any("error", err))
	} else if err := store.Reset(r.Context()); err != nil {
		p.logger.Warn("failed to reset session", slog.Any("error", err))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Goodbye"))
}

var mePage = template.Must(template.New("me").Parse(`<h2>Welcome, {{.About.User.DisplayName}}</h2>
<img src="{{.About.User.PhotoLink}}" />
{{- if .Drive}}
<p>From Drive</p><pre>{{.Drive}}</pre>
{{- end}}
{{- if .Headers}}
<p>From request headers</p><pre>{{.Headers}}</pre>
{{- end}}
{{- if .Info}}
<p>From request info</p><pre>{{.Info}}</pre>
{{- end}}
<p><a href="{{.Logout}}">Logout</a></p>
`))

type meView struct {
	About   *drive.About
	Drive   string
	Headers string
	Info    string
	Logout  string
}

// requestInfo is what level 4 of the profile page reveals about the request.
type requestInfo struct {
	Received      time.Time `json:"received"`
	RemoteAddress string    `json:"remoteAddress"`
	Host          string    `json:"host"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	Proto         string    `json:"proto"`
	Referrer      string    `json:"referrer,omitempty"`
	TLS           bool      `json:"tls"`
}

// HandleMe renders the profile page. The level option controls how much it
// shows. Level 0 disables the page: it answers 404 before the session is
// looked at, so visitors without a capability get 404 too rather than the
// retry redirect. With the page enabled, a missing capability redirects to
// retry.
func (p *Plugin) HandleMe(w http.ResponseWriter, r *http.Request) {
	level := p.opts.UseMeLevel
	if level <= 0 {
		http.NotFound(w, r)
		return
	}
	client, ok := drive.FromContext(r.Context())
	if !ok {
		p.RetryDriveLogin(w, r)
		return
	}
	about, err := client.AboutMe(r.Context())
	if err != nil {
		p.logger.Warn("profile lookup failed", slog.Any("error", err))
		http.Error(w, "no response from Google Drive", http.StatusUnprocessableEntity)
		return
	}
	if about.User == nil {
		about.User = &drivev3.User{}
	}

	view := meView{About: about, Logout: p.paths.Logout}
	if level > 1 {
		view.Drive = indent(about)
	}
	if level > 2 {
		view.Headers = indent(r.Header)
	}
	if level > 3 {
		view.Info = indent(requestInfo{
			Received:      time.Now().UTC(),
			RemoteAddress: r.RemoteAddr,
			Host:          r.Host,
			Method:        r.Method,
			Path:          r.URL.Path,
			Proto:         r.Proto,
			Referrer:      r.Referer(),
			TLS:           r.TLS != nil,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := mePage.Execute(w, view); err != nil {
		p.logger.Error("failed to render profile", slog.Any("error", err))
	}
}

// HandleOpen serves Drive "Open with" redirects.
func (p *Plugin) HandleOpen(w http.ResponseWriter, r *http.Request) {
	res, err := p.opener.Open(r.Context(), r.URL.Query())
	if err != nil {
		var apiErr *drive.RemoteAPIError
		switch {
		case errors.Is(err, opener.ErrBadRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.As(err, &apiErr):
			p.logger.Warn("open failed", slog.Any("error", err))
			http.Error(w, "no response from Google Drive", http.StatusUnprocessableEntity)
		default:
			p.logger.Error("open failed", slog.Any("error", err))
			http.Error(w, "could not open file", http.StatusBadGateway)
		}
		return
	}

	if p.onOpen != nil {
		if err := p.onOpen(w, r, res); err != nil {
			p.logger.Error("open hook failed", slog.Any("error", err))
		}
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(indent([]any{res.User, res.File, res.Contents})))
}

func indent(v any) string {
	out, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err.Error()
	}
	return string(out)
}
