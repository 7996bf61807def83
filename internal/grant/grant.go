// Package grant runs the Google authorization-code flow and hands the
// resulting tokens to the session's fresh slot.
package grant

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"drive-bugle/internal/session"
	"drive-bugle/internal/token"
)

// Default routes of the flow.
const (
	DefaultConnectPath  = "/connect/google"
	DefaultCallbackPath = "/connect/google/callback"
)

// stateEntry stores OAuth state parameters with expiration.
type stateEntry struct {
	CreatedAt time.Time
}

// Config holds configuration for creating a Handler.
type Config struct {
	OAuth        *oauth2.Config  // RedirectURL must point at CallbackPath
	Sessions     session.Backend // Used when no store is attached to the request
	Landing      string          // Where the callback redirects once the fresh slot is written
	ConnectPath  string
	CallbackPath string
	StateExpiry  time.Duration
	Logger       *slog.Logger
}

// Handler manages the OAuth2 authorization flow.
type Handler struct {
	oauth        *oauth2.Config
	sessions     session.Backend
	landing      string
	connectPath  string
	callbackPath string
	logger       *slog.Logger

	stateMu     sync.Mutex
	stateStore  map[string]stateEntry // In-memory state store with TTL
	stateExpiry time.Duration
	now         func() time.Time
}

// NewHandler creates a Handler. Call Run to expire unused states.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		oauth:        cfg.OAuth,
		sessions:     cfg.Sessions,
		landing:      cfg.Landing,
		connectPath:  cfg.ConnectPath,
		callbackPath: cfg.CallbackPath,
		logger:       cfg.Logger,
		stateStore:   make(map[string]stateEntry),
		stateExpiry:  cfg.StateExpiry,
		now:          time.Now,
	}
	if h.connectPath == "" {
		h.connectPath = DefaultConnectPath
	}
	if h.callbackPath == "" {
		h.callbackPath = DefaultCallbackPath
	}
	if h.stateExpiry <= 0 {
		h.stateExpiry = 10 * time.Minute
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Run removes expired states every minute until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanupExpiredStates()
		}
	}
}

func (h *Handler) cleanupExpiredStates() {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	now := h.now()
	for state, entry := range h.stateStore {
		if now.Sub(entry.CreatedAt) > h.stateExpiry {
			delete(h.stateStore, state)
		}
	}
}

// generateState creates a cryptographically secure random state token.
func (h *Handler) generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(b)

	h.stateMu.Lock()
	h.stateStore[state] = stateEntry{CreatedAt: h.now()}
	h.stateMu.Unlock()

	return state, nil
}

// validateState checks if the state parameter is valid and not expired.
// A state is accepted at most once.
func (h *Handler) validateState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	entry, exists := h.stateStore[state]
	if !exists {
		return false
	}
	delete(h.stateStore, state)
	return h.now().Sub(entry.CreatedAt) <= h.stateExpiry
}

// HandleConnect redirects to the Google consent page.
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	state, err := h.generateState()
	if err != nil {
		h.logger.Error("failed to generate state", slog.Any("error", err))
		http.Error(w, "Failed to generate state", http.StatusInternalServerError)
		return
	}

	// Offline access with forced consent so Google hands out a refresh token
	authURL := h.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	h.logger.Debug("redirecting to consent page", slog.String("state", truncateToken(state)))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback exchanges the authorization code and stores the tokens in
// the fresh slot, raw provider fields included.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	// Check for OAuth error response
	if errParam := q.Get("error"); errParam != "" {
		h.logger.Warn("oauth error", slog.String("error", errParam), slog.String("description", q.Get("error_description")))
		http.Error(w, fmt.Sprintf("OAuth error: %s - %s", errParam, q.Get("error_description")), http.StatusBadRequest)
		return
	}

	state := q.Get("state")
	if state == "" {
		http.Error(w, "Missing state parameter", http.StatusBadRequest)
		return
	}
	if !h.validateState(state) {
		h.logger.Warn("invalid or expired state parameter")
		http.Error(w, "Invalid or expired state parameter", http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	tok, err := h.oauth.Exchange(ctx, code)
	if err != nil {
		h.logger.Error("failed to exchange code for tokens", slog.Any("error", err))
		http.Error(w, "Failed to exchange code", http.StatusBadGateway)
		return
	}

	store, err := h.store(w, r)
	if err != nil {
		h.logger.Error("failed to open session", slog.Any("error", err))
		http.Error(w, "Session unavailable", http.StatusInternalServerError)
		return
	}
	if err := store.Set(ctx, session.SlotFresh, token.FromOAuth2(tok)); err != nil {
		h.logger.Error("failed to store tokens", slog.Any("error", err))
		http.Error(w, "Session unavailable", http.StatusInternalServerError)
		return
	}

	h.logger.Info("oauth callback successful",
		slog.Bool("refresh_token_present", tok.RefreshToken != ""),
		slog.String("access_token", truncateToken(tok.AccessToken)))
	http.Redirect(w, r, h.landing, http.StatusFound)
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) (session.Store, error) {
	if s, ok := session.FromContext(r.Context()); ok {
		return s, nil
	}
	if h.sessions == nil {
		return nil, fmt.Errorf("no session backend")
	}
	return h.sessions.Open(w, r)
}

// truncateToken returns a truncated preview of a token for logging.
func truncateToken(token string) string {
	if len(token) <= 10 {
		return token
	}
	return token[:10] + "..."
}

// SetupRoutes registers the connect and callback routes on mux.
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+h.connectPath, h.HandleConnect)
	mux.HandleFunc("GET "+h.callbackPath, h.HandleCallback)
}

// CallbackPath returns the path Google redirects back to.
func (h *Handler) CallbackPath() string {
	return h.callbackPath
}
