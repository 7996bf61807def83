package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"drive-bugle/internal/token"
)

// DefaultIDCookie is the cookie carrying the session id for server-side backends.
const DefaultIDCookie = "bugle_sid"

// slotStore is the server-side storage behind id-keyed sessions.
type slotStore interface {
	get(ctx context.Context, id string, slot Slot) ([]byte, error) // nil when empty
	put(ctx context.Context, id string, slot Slot, data []byte, ttl time.Duration) error
	del(ctx context.Context, id string, slots ...Slot) error
	exists(ctx context.Context, id string) (bool, error)
	rename(ctx context.Context, from, to string) error
}

// idBackend keeps session content server-side and only a random id in a
// cookie. The id cookie is issued on the first write. Ids the server does not
// know are ignored, and writing the fresh slot moves an existing session to a
// new id so an id planted before login never carries tokens.
type idBackend struct {
	slots      slotStore
	cookieName string
	ttl        time.Duration
	secure     bool
	path       string
}

func (b *idBackend) Open(w http.ResponseWriter, r *http.Request) (Store, error) {
	s := &idStore{backend: b, w: w}
	c, err := r.Cookie(b.cookieName)
	if err != nil {
		return s, nil
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		return s, nil
	}
	known, err := b.slots.exists(r.Context(), c.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if known {
		s.id = c.Value
		s.carried = true
	}
	return s, nil
}

type idStore struct {
	backend *idBackend
	w       http.ResponseWriter
	id      string
	carried bool // id came from the request cookie
}

func (s *idStore) Get(ctx context.Context, slot Slot) (*token.Bundle, error) {
	if err := validSlot(slot); err != nil {
		return nil, err
	}
	if s.id == "" {
		return nil, nil
	}
	data, err := s.backend.slots.get(ctx, s.id, slot)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var b token.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode %s slot: %w", slot, err)
	}
	return &b, nil
}

func (s *idStore) Set(ctx context.Context, slot Slot, b *token.Bundle) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	if b == nil {
		return s.Clear(ctx, slot)
	}
	data, err := json.Marshal(prepare(slot, b))
	if err != nil {
		return err
	}
	switch {
	case s.id == "":
		s.id = uuid.NewString()
		s.issueCookie()
	case slot == SlotFresh && s.carried:
		if err := s.rotate(ctx); err != nil {
			return err
		}
	}
	return s.backend.slots.put(ctx, s.id, slot, data, s.backend.ttl)
}

// rotate moves the session to a newly issued id.
func (s *idStore) rotate(ctx context.Context) error {
	id := uuid.NewString()
	if err := s.backend.slots.rename(ctx, s.id, id); err != nil {
		return fmt.Errorf("failed to rotate session id: %w", err)
	}
	s.id = id
	s.carried = false
	s.issueCookie()
	return nil
}

func (s *idStore) Clear(ctx context.Context, slot Slot) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	if s.id == "" {
		return nil
	}
	return s.backend.slots.del(ctx, s.id, slot)
}

func (s *idStore) Reset(ctx context.Context) error {
	if s.id == "" {
		return nil
	}
	if err := s.backend.slots.del(ctx, s.id, Slots...); err != nil {
		return err
	}
	http.SetCookie(s.w, &http.Cookie{
		Name:     s.backend.cookieName,
		Path:     s.backend.path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.backend.secure,
		SameSite: http.SameSiteLaxMode,
	})
	s.id = ""
	s.carried = false
	return nil
}

func (s *idStore) issueCookie() {
	c := &http.Cookie{
		Name:     s.backend.cookieName,
		Value:    s.id,
		Path:     s.backend.path,
		HttpOnly: true,
		Secure:   s.backend.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if s.backend.ttl > 0 {
		c.MaxAge = int(s.backend.ttl.Seconds())
	}
	http.SetCookie(s.w, c)
}
