// Package server assembles the session backend, the grant flow and the
// bugle plugin into one HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/felixge/httpsnoop"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"drive-bugle/internal/bugle"
	"drive-bugle/internal/config"
	"drive-bugle/internal/grant"
	"drive-bugle/internal/session"
	"drive-bugle/internal/vault"
	"drive-bugle/pkg/auth"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Option adjusts how New builds the server.
type Option func(*buildOptions)

type buildOptions struct {
	endpoint     *oauth2.Endpoint
	driveOptions []option.ClientOption
}

// WithEndpoint replaces the Google OAuth endpoint.
func WithEndpoint(e oauth2.Endpoint) Option {
	return func(o *buildOptions) { o.endpoint = &e }
}

// WithDriveOptions passes client options to every Drive service.
func WithDriveOptions(opts ...option.ClientOption) Option {
	return func(o *buildOptions) { o.driveOptions = append(o.driveOptions, opts...) }
}

// Server is a configured drive-bugle HTTP server.
type Server struct {
	config     *config.Config
	logger     *slog.Logger
	plugin     *bugle.Plugin
	grant      *grant.Handler
	handler    http.Handler
	httpServer *http.Server
	closers    []func() error
}

// New builds every component from cfg. On error nothing is left running.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (s *Server, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var bo buildOptions
	for _, o := range opts {
		o(&bo)
	}

	s = &Server{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close()
			s = nil
		}
	}()

	if err := bugle.CheckRoutes(cfg.Routes()); err != nil {
		return nil, err
	}

	creds, err := auth.LoadCredentials(ctx, cfg.Google.Source(), logger)
	if err != nil {
		return nil, err
	}

	backend, err := s.sessionBackend(cfg.Session)
	if err != nil {
		return nil, err
	}

	locator, err := s.vaultLocator(ctx, cfg.Bugle.Drive.RefreshTokenStash)
	if err != nil {
		return nil, err
	}

	s.plugin, err = bugle.New(cfg.Bugle, creds, bugle.Deps{
		Sessions:     backend,
		Locator:      locator,
		Endpoint:     bo.endpoint,
		DriveOptions: bo.driveOptions,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	s.grant = grant.NewHandler(grant.Config{
		OAuth:    s.plugin.OAuthConfig(cfg.Server.ExternalURL() + grant.DefaultCallbackPath),
		Sessions: backend,
		Landing:  creds.Callback,
		Logger:   logger,
	})
	logger.Info("Google OAuth redirect URI", slog.String("uri", cfg.Server.ExternalURL()+s.grant.CallbackPath()))

	mux := http.NewServeMux()
	s.grant.SetupRoutes(mux)
	s.plugin.SetupRoutes(mux)
	mux.HandleFunc("GET "+config.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	s.handler = s.accessLog(s.plugin.Attach(mux))
	return s, nil
}

func (s *Server) sessionBackend(cfg config.SessionConfig) (session.Backend, error) {
	switch cfg.Backend {
	case config.BackendCookie:
		return session.NewCookieBackend(session.CookieConfig{
			Password: cfg.Password,
			TTL:      cfg.TTL,
			Secure:   cfg.Secure,
			Logger:   s.logger,
		}), nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s.closers = append(s.closers, rdb.Close)
		return session.NewRedisBackend(session.RedisConfig{
			Client: rdb,
			Prefix: cfg.RedisPrefix,
			TTL:    cfg.TTL,
			Secure: cfg.Secure,
		}), nil
	case config.BackendMemory:
		return session.NewMemoryBackend(cfg.TTL, cfg.Secure), nil
	}
	return nil, &auth.ConfigError{Field: "session.backend", Reason: fmt.Sprintf("unsupported backend %q", cfg.Backend)}
}

// vaultLocator opens the storage client the stash location needs. The app
// data folder needs none.
func (s *Server) vaultLocator(ctx context.Context, cfg vault.Config) (vault.Locator, error) {
	if cfg.Location != vault.LocationFirestore {
		return nil, nil
	}
	client, err := firestore.NewClient(ctx, cfg.Project)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	s.closers = append(s.closers, client.Close)
	s.logger.Info("refresh token stash in Firestore", slog.String("project", cfg.Project))
	return vault.NewFirestoreLocator(client, cfg.Collection), nil
}

// accessLog logs one line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", m.Code),
			slog.Int64("bytes", m.Written),
			slog.Duration("duration", m.Duration),
		)
	})
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on the configured address until ctx is cancelled or the
// process receives SIGINT or SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	addr := s.config.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln with graceful shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.grant.Run(ctx)

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting drive-bugle server", slog.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		s.logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.logger.Info("drive-bugle server stopped")
	return nil
}

// Close releases the storage clients. It is safe to call more than once.
func (s *Server) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
