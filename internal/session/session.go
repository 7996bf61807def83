// Package session provides the per-client token storage used between
// requests. A session holds two slots: the fresh bundle just handed over by
// the grant flow, and the confirmed bundle committed after a successful login.
package session

import (
	"context"
	"fmt"
	"net/http"

	"drive-bugle/internal/token"
)

// Slot names a storage location within a session.
type Slot string

const (
	// SlotFresh holds the bundle the grant flow received from the provider.
	SlotFresh Slot = "grant"
	// SlotConfirmed holds the last known-good bundle.
	SlotConfirmed Slot = "bugle"
)

// Slots lists every slot a session can hold.
var Slots = []Slot{SlotFresh, SlotConfirmed}

// Store is the session capability the rest of the system depends on.
// Get returns (nil, nil) for an empty slot. Reset empties every slot.
type Store interface {
	Get(ctx context.Context, slot Slot) (*token.Bundle, error)
	Set(ctx context.Context, slot Slot, b *token.Bundle) error
	Clear(ctx context.Context, slot Slot) error
	Reset(ctx context.Context) error
}

// Backend opens the Store bound to one request.
type Backend interface {
	Open(w http.ResponseWriter, r *http.Request) (Store, error)
}

// Snapshot is the content of both slots at one point in time.
type Snapshot struct {
	Fresh     *token.Bundle
	Confirmed *token.Bundle
}

// Resolve applies the token priority policy to the snapshot.
func (s Snapshot) Resolve() (*token.Bundle, error) {
	return token.Resolve(s.Fresh, s.Confirmed)
}

// Read loads both slots of store.
func Read(ctx context.Context, store Store) (Snapshot, error) {
	fresh, err := store.Get(ctx, SlotFresh)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read %s slot: %w", SlotFresh, err)
	}
	confirmed, err := store.Get(ctx, SlotConfirmed)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read %s slot: %w", SlotConfirmed, err)
	}
	return Snapshot{Fresh: fresh, Confirmed: confirmed}, nil
}

// prepare returns the value that gets persisted for slot. Only the
// upstream-owned fresh slot keeps raw provider fields.
func prepare(slot Slot, b *token.Bundle) *token.Bundle {
	if slot == SlotFresh {
		return b
	}
	return b.Stripped()
}

func validSlot(slot Slot) error {
	switch slot {
	case SlotFresh, SlotConfirmed:
		return nil
	}
	return fmt.Errorf("unknown session slot %q", slot)
}

type contextKey struct{}

// WithStore returns a context carrying the request's store.
func WithStore(ctx context.Context, s Store) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the store attached by WithStore, if any.
func FromContext(ctx context.Context) (Store, bool) {
	s, ok := ctx.Value(contextKey{}).(Store)
	return s, ok && s != nil
}
