package bugle

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"

	"drive-bugle/internal/conductor"
	"drive-bugle/internal/drive"
	"drive-bugle/internal/session"
)

// Attach wraps next with the plugin's two hooks.
//
// Before next runs, the request's session store is opened and, when the
// session resolves to a bundle with an access token, a Drive capability is
// attached to the request context. After next, or as soon as it starts the
// response, a capability whose access token was refreshed has its bundle
// written back to the confirmed slot.
func (p *Plugin) Attach(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store, err := p.sessions.Open(w, r)
		if err != nil {
			p.logger.Error("failed to open session", slog.Any("error", err))
			next.ServeHTTP(w, r)
			return
		}
		ctx := session.WithStore(r.Context(), store)

		client := p.capability(ctx, store)
		if client == nil {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		ctx = drive.WithClient(ctx, client)

		var once sync.Once
		confirm := func() {
			once.Do(func() {
				if _, err := p.conductor.Confirm(ctx, store, client); err != nil {
					// Worst case the next request refreshes the access token again
					p.logger.Warn("failed to update session tokens", slog.Any("error", err))
				}
			})
		}

		hooked := httpsnoop.Wrap(w, httpsnoop.Hooks{
			WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
				return func(code int) {
					confirm()
					next(code)
				}
			},
			Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
				return func(b []byte) (int, error) {
					confirm()
					return next(b)
				}
			},
			ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
				return func(src io.Reader) (int64, error) {
					confirm()
					return next(src)
				}
			},
			Flush: func(next httpsnoop.FlushFunc) httpsnoop.FlushFunc {
				return func() {
					confirm()
					next()
				}
			},
		})

		next.ServeHTTP(hooked, r.WithContext(ctx))
		confirm()
	})
}

// capability resolves store's bundle into a Drive capability, or nil.
func (p *Plugin) capability(ctx context.Context, store session.Store) *drive.Client {
	snap, err := session.Read(ctx, store)
	if err != nil {
		p.logger.Warn("failed to read session", slog.Any("error", err))
		return nil
	}
	bundle, err := snap.Resolve()
	if err != nil {
		if !conductor.IsNoToken(err) {
			p.logger.Warn("failed to resolve session tokens", slog.Any("error", err))
		}
		return nil
	}
	client, err := p.factory.Build(ctx, bundle)
	if err != nil {
		p.logger.Error("failed to build drive capability", slog.Any("error", err))
		return nil
	}
	return client
}

// RetryDriveLogin redirects to the retry page. Host handlers call it when
// the request has no capability or Drive rejected its tokens.
func (p *Plugin) RetryDriveLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, p.paths.Retry, http.StatusFound)
}

// store returns the store Attach put on the request, opening one when the
// route is served without the middleware.
func (p *Plugin) store(w http.ResponseWriter, r *http.Request) (session.Store, error) {
	if s, ok := session.FromContext(r.Context()); ok {
		return s, nil
	}
	return p.sessions.Open(w, r)
}
