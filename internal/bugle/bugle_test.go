package bugle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drive-bugle/internal/drive"
	"drive-bugle/internal/drive/drivetest"
	"drive-bugle/internal/opener"
	"drive-bugle/internal/session"
	"drive-bugle/internal/token"
	"drive-bugle/internal/vault"
	"drive-bugle/pkg/auth"
)

const (
	sessionKey = "session-key-session-key-session-key"
	stashKey   = "stash-key-stash-key-stash-key-stash"
)

var testCreds = &auth.Credentials{Key: "client-id", Secret: "client-secret", Callback: "/a/googledrive"}

type harness struct {
	t       *testing.T
	fake    *drivetest.Server
	backend session.Backend
	plugin  *Plugin
	handler http.Handler
	jar     map[string]*http.Cookie
}

func newHarness(t *testing.T, opts Options, extra func(*Deps, *http.ServeMux)) *harness {
	t.Helper()
	fake := drivetest.NewServer(t)
	endpoint := fake.OAuthConfig().Endpoint
	h := &harness{
		t:       t,
		fake:    fake,
		backend: session.NewCookieBackend(session.CookieConfig{Password: sessionKey}),
		jar:     make(map[string]*http.Cookie),
	}
	mux := http.NewServeMux()
	deps := Deps{Sessions: h.backend, Endpoint: &endpoint, DriveOptions: fake.Options()}
	if extra != nil {
		extra(&deps, mux)
	}
	p, err := New(opts, testCreds, deps)
	require.NoError(t, err)
	p.SetupRoutes(mux)
	h.plugin = p
	h.handler = p.Attach(mux)
	return h
}

func (h *harness) get(target string) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range h.jar {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	h.keep(rec)
	return rec
}

func (h *harness) keep(rec *httptest.ResponseRecorder) {
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(h.jar, c.Name)
			continue
		}
		h.jar[c.Name] = &http.Cookie{Name: c.Name, Value: c.Value}
	}
}

// seed writes b into slot as if an earlier response had set it.
func (h *harness) seed(slot session.Slot, b *token.Bundle) {
	h.t.Helper()
	rec := httptest.NewRecorder()
	store, err := h.backend.Open(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(h.t, err)
	require.NoError(h.t, store.Set(context.Background(), slot, b))
	h.keep(rec)
}

func (h *harness) snapshot() session.Snapshot {
	h.t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range h.jar {
		req.AddCookie(c)
	}
	store, err := h.backend.Open(httptest.NewRecorder(), req)
	require.NoError(h.t, err)
	snap, err := session.Read(context.Background(), store)
	require.NoError(h.t, err)
	return snap
}

func TestNew_FailsAtomically(t *testing.T) {
	backend := session.NewMemoryBackend(time.Hour, false)
	missing := filepath.Join(t.TempDir(), "nope.html")

	tests := []struct {
		name  string
		opts  Options
		creds *auth.Credentials
		deps  Deps
		field string
	}{
		{"no credentials", Options{}, nil, Deps{Sessions: backend}, "google"},
		{"no secret", Options{}, &auth.Credentials{Key: "k", Callback: "/cb"}, Deps{Sessions: backend}, "google.secret"},
		{"open without hostname", Options{OpenURL: "/a/open"}, testCreds, Deps{Sessions: backend}, "hostname"},
		{"no session backend", Options{}, testCreds, Deps{}, "session"},
		{"duplicate path", Options{Paths: Paths{Me: "/a/login"}}, testCreds, Deps{Sessions: backend}, "paths.me"},
		{"callback on a page", Options{}, &auth.Credentials{Key: "k", Secret: "s", Callback: "/a/logout"}, Deps{Sessions: backend}, "paths.logout"},
		{"bad me level", Options{UseMeLevel: 9}, testCreds, Deps{Sessions: backend}, "useMeLevel"},
		{"unreadable login page", Options{LoginHTMLFile: missing}, testCreds, Deps{Sessions: backend}, "loginHTMLFile"},
		{"unreadable retry page", Options{RetryHTMLFile: missing}, testCreds, Deps{Sessions: backend}, "retryHTMLFile"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.opts, tc.creds, tc.deps)
			assert.Nil(t, p)
			var cfgErr *auth.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}

	t.Run("bad stash", func(t *testing.T) {
		var opts Options
		opts.Drive.RefreshTokenStash = vault.Config{Location: vault.LocationAppData, File: "rt", Key: "short"}
		p, err := New(opts, testCreds, Deps{Sessions: backend})
		assert.Nil(t, p)
		var cfgErr *auth.ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	})
}

func TestPaths_Defaults(t *testing.T) {
	h := newHarness(t, Options{Paths: Paths{Me: "/profile"}}, nil)
	paths := h.plugin.Paths()
	assert.Equal(t, "/profile", paths.Me)
	assert.Equal(t, "/a/googledriveretry", paths.Retry)
	assert.Equal(t, "/a/login", paths.Login)
}

func TestCallback_FreshWithRefresh(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.seed(session.SlotFresh, &token.Bundle{AccessToken: "a1", RefreshToken: "r1", Raw: map[string]any{"id_token": "x"}})

	rec := h.get("/a/googledrive")

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/a/me", rec.Header().Get("Location"))
	snap := h.snapshot()
	assert.Nil(t, snap.Fresh)
	assert.Equal(t, &token.Bundle{AccessToken: "a1", RefreshToken: "r1"}, snap.Confirmed)
}

func TestCallback_AccessOnlyEmptyStash(t *testing.T) {
	var opts Options
	opts.Drive.RefreshTokenStash = vault.Config{Location: vault.LocationAppData, File: "refresh.txt", Key: stashKey}
	opts.UseMeLevel = 1
	h := newHarness(t, opts, nil)
	h.seed(session.SlotFresh, &token.Bundle{AccessToken: "a2"})

	rec := h.get("/a/googledrive")

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/a/me", rec.Header().Get("Location"))
	assert.Equal(t, &token.Bundle{AccessToken: "a2"}, h.snapshot().Confirmed)

	// The access-only bundle still drives the landing page
	landing := h.get("/a/me")
	assert.Equal(t, http.StatusOK, landing.Code)
	assert.Contains(t, landing.Body.String(), "Ada Lovelace")
}

func TestCallback_NoToken(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	rec := h.get("/a/googledrive")

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/a/googledriveretry", rec.Header().Get("Location"))
	assert.Empty(t, h.jar)
}

func TestCallback_Logout(t *testing.T) {
	h := newHarness(t, Options{UseMeLevel: 1}, nil)
	h.seed(session.SlotFresh, &token.Bundle{AccessToken: "a1", RefreshToken: "r1"})
	require.Equal(t, "/a/me", h.get("/a/googledrive").Header().Get("Location"))

	rec := h.get("/a/logout")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Goodbye", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	_, err := h.snapshot().Resolve()
	assert.ErrorIs(t, err, token.ErrNoToken)
	assert.Equal(t, "/a/googledriveretry", h.get("/a/me").Header().Get("Location"))
}

func TestCallback_StashRoundTrip(t *testing.T) {
	var opts Options
	opts.Drive.RefreshTokenStash = vault.Config{Location: vault.LocationAppData, File: "refresh.txt", Key: stashKey}
	opts.MyRedirect = "/home"
	h := newHarness(t, opts, nil)

	// First login hands out a refresh token, which gets stashed
	h.seed(session.SlotFresh, &token.Bundle{AccessToken: "a1", RefreshToken: "r1"})
	assert.Equal(t, "/home", h.get("/a/googledrive").Header().Get("Location"))
	require.Len(t, h.fake.AppData("refresh.txt"), 1)

	// A later login on another browser only gets an access token
	h.jar = make(map[string]*http.Cookie)
	h.seed(session.SlotFresh, &token.Bundle{AccessToken: "a5"})
	assert.Equal(t, "/home", h.get("/a/googledrive").Header().Get("Location"))
	assert.Equal(t, &token.Bundle{AccessToken: "a5", RefreshToken: "r1"}, h.snapshot().Confirmed)
}

func TestLogout_WithoutSession(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	rec := h.get("/a/logout")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Goodbye", rec.Body.String())
}

func TestPages(t *testing.T) {
	custom := filepath.Join(t.TempDir(), "retry.html")
	require.NoError(t, os.WriteFile(custom, []byte("<p>custom retry</p>"), 0o600))
	h := newHarness(t, Options{RetryHTMLFile: custom}, nil)

	login := h.get("/a/login")
	assert.Equal(t, http.StatusOK, login.Code)
	assert.Contains(t, login.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, login.Body.String(), "/connect/google")

	for _, path := range []string{"/a/googledriveretry", "/a/googledrivereset"} {
		rec := h.get(path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "<p>custom retry</p>", rec.Body.String(), path)
	}
}

func TestMe_Levels(t *testing.T) {
	tests := []struct {
		level   int
		want    []string
		notWant []string
	}{
		{1, []string{"Welcome, Ada Lovelace", `src="https://example.com/ada.png"`, `href="/a/logout"`}, []string{"From Drive"}},
		{2, []string{"From Drive", "storageQuota"}, []string{"From request headers"}},
		{3, []string{"From request headers", "X-Trace-Hint"}, []string{"From request info"}},
		{4, []string{"From request info", "remoteAddress"}, nil},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("level %d", tc.level), func(t *testing.T) {
			h := newHarness(t, Options{UseMeLevel: tc.level}, nil)
			h.seed(session.SlotConfirmed, &token.Bundle{AccessToken: "a1", RefreshToken: "r1"})

			req := httptest.NewRequest(http.MethodGet, "/a/me", nil)
			req.Header.Set("X-Trace-Hint", "1")
			for _, c := range h.jar {
				req.AddCookie(c)
			}
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			for _, s := range tc.want {
				assert.Contains(t, rec.Body.String(), s)
			}
			for _, s := range tc.notWant {
				assert.NotContains(t, rec.Body.String(), s)
			}
		})
	}
}

func TestMe_Disabled(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.seed(session.SlotConfirmed, &token.Bundle{AccessToken: "a1", RefreshToken: "r1"})
	assert.Equal(t, http.StatusNotFound, h.get("/a/me").Code)

	// Anonymous visitors get the same answer
	h.jar = make(map[string]*http.Cookie)
	rec := h.get("/a/me")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Empty(t, h.fake.Requests())
}

func TestMe_NoCapability(t *testing.T) {
	h := newHarness(t, Options{UseMeLevel: 1}, nil)
	rec := h.get("/a/me")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/a/googledriveretry", rec.Header().Get("Location"))
}

func TestMe_RemoteFailure(t *testing.T) {
	h := newHarness(t, Options{UseMeLevel: 1}, nil)
	h.fake.FailAbout(http.StatusInternalServerError)
	h.seed(session.SlotConfirmed, &token.Bundle{AccessToken: "a1", RefreshToken: "r1"})

	rec := h.get("/a/me")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "no response from Google Drive")
}

func TestAttach_RewritesRotatedToken(t *testing.T) {
	h := newHarness(t, Options{UseMeLevel: 1}, nil)
	h.seed(session.SlotConfirmed, &token.Bundle{AccessToken: "a1", RefreshToken: "r1", Expiry: time.Now().Add(-time.Minute)})

	rec := h.get("/a/me")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.fake.TokenCalls())

	confirmed := h.snapshot().Confirmed
	assert.Equal(t, "refreshed-access", confirmed.AccessToken)
	assert.Equal(t, "r1", confirmed.RefreshToken)

	// The rotated token is reused instead of refreshing again
	require.Equal(t, http.StatusOK, h.get("/a/me").Code)
	assert.Equal(t, 1, h.fake.TokenCalls())
}

func TestAttach_NoRewriteWithoutRotation(t *testing.T) {
	h := newHarness(t, Options{UseMeLevel: 1}, nil)
	h.seed(session.SlotConfirmed, &token.Bundle{AccessToken: "a1", RefreshToken: "r1"})

	rec := h.get("/a/me")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestAttach_HostHandlers(t *testing.T) {
	var plugin *Plugin
	h := newHarness(t, Options{}, func(_ *Deps, mux *http.ServeMux) {
		mux.HandleFunc("GET /files", func(w http.ResponseWriter, r *http.Request) {
			c, ok := drive.FromContext(r.Context())
			if !ok {
				plugin.RetryDriveLogin(w, r)
				return
			}
			_, _ = fmt.Fprint(w, c.CurrentTokens().AccessToken)
		})
	})
	plugin = h.plugin

	rec := h.get("/files")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/a/googledriveretry", rec.Header().Get("Location"))

	h.seed(session.SlotFresh, &token.Bundle{AccessToken: "fresh-only"})
	rec = h.get("/files")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fresh-only", rec.Body.String())
}

func TestOpen(t *testing.T) {
	opts := Options{Hostname: "example.com", OpenURL: "/a/open", OpenFields: "id,name,size"}
	h := newHarness(t, opts, nil)
	id := h.fake.PutFile("notes.txt", "text/plain", []byte("hello"))

	state := url.QueryEscape(`{"ids":["` + id + `"],"action":"open"}`)
	rec := h.get("/a/open?code=c&state=" + state)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "["))
	assert.Contains(t, body, `"displayName": "Ada Lovelace"`)
	assert.Contains(t, body, `"name": "notes.txt"`)
	assert.Contains(t, body, `"hello"`)
}

func TestOpen_Hook(t *testing.T) {
	opts := Options{Hostname: "example.com", OpenURL: "/a/open"}
	var got *opener.Result
	h := newHarness(t, opts, func(d *Deps, _ *http.ServeMux) {
		d.OnOpen = func(w http.ResponseWriter, _ *http.Request, res *opener.Result) error {
			got = res
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
	})
	id := h.fake.PutFile("notes.txt", "text/plain", []byte("hello"))

	rec := h.get("/a/open?code=c&state=" + url.QueryEscape(`{"ids":["`+id+`"],"action":"open"}`))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Contents)
	assert.Equal(t, "Ada Lovelace", got.User.DisplayName)
}

func TestOpen_BadRequest(t *testing.T) {
	h := newHarness(t, Options{Hostname: "example.com", OpenURL: "/a/open"}, nil)
	rec := h.get("/a/open?code=c&state=nonsense")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOpen_NotRegisteredByDefault(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	assert.Equal(t, http.StatusNotFound, h.get("/a/open").Code)
}
