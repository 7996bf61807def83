package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"drive-bugle/internal/token"
)

// CookieConfig configures the cookie backend.
type CookieConfig struct {
	Password string        // Seals each slot cookie, at least token.MinKeyLength characters
	TTL      time.Duration // Cookie lifetime and seal expiry, zero for session cookies
	Secure   bool
	Path     string
	Logger   *slog.Logger
}

// CookieBackend stores each slot in its own sealed cookie.
type CookieBackend struct {
	codec  *token.Codec
	ttl    time.Duration
	secure bool
	path   string
	logger *slog.Logger
}

// NewCookieBackend returns a cookie backend.
func NewCookieBackend(cfg CookieConfig) *CookieBackend {
	path := cfg.Path
	if path == "" {
		path = "/"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CookieBackend{
		codec:  token.NewCodec(cfg.Password, cfg.TTL),
		ttl:    cfg.TTL,
		secure: cfg.Secure,
		path:   path,
		logger: logger,
	}
}

// Open reads the slot cookies of r. Cookies that fail to open are treated as
// empty slots.
func (b *CookieBackend) Open(w http.ResponseWriter, r *http.Request) (Store, error) {
	s := &cookieStore{
		backend: b,
		w:       w,
		values:  make(map[Slot]*token.Bundle, len(Slots)),
	}
	for _, slot := range Slots {
		c, err := r.Cookie(string(slot))
		if err != nil {
			continue
		}
		plain, err := b.codec.Unseal(c.Value)
		if err != nil {
			b.logger.Debug("discarding unreadable session cookie",
				slog.String("slot", string(slot)),
				slog.String("error", err.Error()),
			)
			continue
		}
		var bundle token.Bundle
		if err := json.Unmarshal([]byte(plain), &bundle); err != nil {
			b.logger.Debug("discarding undecodable session cookie", slog.String("slot", string(slot)))
			continue
		}
		s.values[slot] = &bundle
	}
	return s, nil
}

type cookieStore struct {
	backend *CookieBackend
	w       http.ResponseWriter

	mu     sync.Mutex
	values map[Slot]*token.Bundle
}

func (s *cookieStore) Get(_ context.Context, slot Slot) (*token.Bundle, error) {
	if err := validSlot(slot); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[slot], nil
}

func (s *cookieStore) Set(ctx context.Context, slot Slot, b *token.Bundle) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	if b == nil {
		return s.Clear(ctx, slot)
	}
	v := prepare(slot, b)
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := s.backend.codec.Seal(string(data))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[slot] = v
	c := s.backend.cookie(slot, sealed)
	if s.backend.ttl > 0 {
		c.MaxAge = int(s.backend.ttl.Seconds())
	}
	s.write(c)
	return nil
}

func (s *cookieStore) Clear(_ context.Context, slot Slot) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear(slot)
	return nil
}

func (s *cookieStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range Slots {
		s.clear(slot)
	}
	return nil
}

func (s *cookieStore) clear(slot Slot) {
	delete(s.values, slot)
	c := s.backend.cookie(slot, "")
	c.MaxAge = -1
	s.write(c)
}

// write replaces any Set-Cookie header already queued for the same cookie,
// so only the last write of a request reaches the client.
func (s *cookieStore) write(c *http.Cookie) {
	h := s.w.Header()
	prefix := c.Name + "="
	var kept []string
	for _, v := range h.Values("Set-Cookie") {
		if !strings.HasPrefix(v, prefix) {
			kept = append(kept, v)
		}
	}
	h.Del("Set-Cookie")
	for _, v := range kept {
		h.Add("Set-Cookie", v)
	}
	http.SetCookie(s.w, c)
}

func (b *CookieBackend) cookie(slot Slot, value string) *http.Cookie {
	return &http.Cookie{
		Name:     string(slot),
		Value:    value,
		Path:     b.path,
		HttpOnly: true,
		Secure:   b.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
