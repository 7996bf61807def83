// Package conductor settles the session after the grant flow returns and
// keeps the confirmed bundle current on later requests.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"drive-bugle/internal/drive"
	"drive-bugle/internal/session"
	"drive-bugle/internal/token"
	"drive-bugle/internal/vault"
)

// State is a step of the callback flow.
type State int

const (
	NoToken State = iota
	VaultRecoverPending
	VaultPersistPending
	Committed
	Retry
)

func (s State) String() string {
	switch s {
	case NoToken:
		return "NO_TOKEN"
	case VaultRecoverPending:
		return "VAULT_RECOVER_PENDING"
	case VaultPersistPending:
		return "VAULT_PERSIST_PENDING"
	case Committed:
		return "COMMITTED"
	case Retry:
		return "RETRY"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result is the outcome of one callback event.
type Result struct {
	State  State
	Bundle *token.Bundle // committed bundle, nil unless State is Committed
	Trace  []State
	Err    error // cause of a Retry, if any
}

// Conductor runs the callback flow against a session and an optional vault.
type Conductor struct {
	vault  *vault.Vault
	logger *slog.Logger
}

// New returns a conductor. A nil vault is the absent vault.
func New(v *vault.Vault, logger *slog.Logger) *Conductor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conductor{vault: v, logger: logger}
}

// Run resolves the session's bundle, reconciles the refresh token with the
// vault, commits the result to the confirmed slot and clears the fresh slot.
// Vault and codec failures are logged and never stop the commit.
func (c *Conductor) Run(ctx context.Context, store session.Store, client *drive.Client) Result {
	res := Result{State: NoToken, Trace: []State{NoToken}}
	retry := func(err error) Result {
		res.State = Retry
		res.Err = err
		res.Trace = append(res.Trace, Retry)
		return res
	}

	// Step 1: resolve
	snap, err := session.Read(ctx, store)
	if err != nil {
		return retry(err)
	}
	bundle, err := snap.Resolve()
	if err != nil {
		return retry(err)
	}
	if client == nil {
		return retry(errors.New("no drive capability for the resolved bundle"))
	}

	// Step 2: reconcile with the vault
	if c.vault.Configured() {
		if bundle.HasRefresh() {
			res.Trace = append(res.Trace, VaultPersistPending)
			if err := c.vault.Persist(ctx, client, bundle.RefreshToken); err != nil {
				c.logger.Warn("vault persist failed", slog.Any("error", err))
			}
		} else {
			res.Trace = append(res.Trace, VaultRecoverPending)
			rt, err := c.vault.Recover(ctx, client)
			if err != nil {
				c.logger.Info("vault recover failed, continuing without refresh token", slog.Any("error", err))
			} else {
				bundle.RefreshToken = rt
			}
		}
	}

	// Step 3: commit
	if err := store.Set(ctx, session.SlotConfirmed, bundle); err != nil {
		return retry(fmt.Errorf("failed to commit confirmed bundle: %w", err))
	}
	if err := store.Clear(ctx, session.SlotFresh); err != nil {
		return retry(fmt.Errorf("failed to clear fresh bundle: %w", err))
	}

	res.State = Committed
	res.Bundle = bundle
	res.Trace = append(res.Trace, Committed)
	c.logger.Debug("session committed", slog.Bool("refresh", bundle.HasRefresh()))
	return res
}

// Confirm writes the capability's current bundle to the confirmed slot when
// its access token rotated during the request. It only rewrites an existing
// confirmed bundle and only with a complete bundle, so a session reset by the
// handler stays empty. It reports whether the slot was written.
func (c *Conductor) Confirm(ctx context.Context, store session.Store, client *drive.Client) (bool, error) {
	if client == nil {
		return false, nil
	}
	current := client.CurrentTokens()
	if !current.HasAccess() || !current.HasRefresh() {
		return false, nil
	}
	old, err := store.Get(ctx, session.SlotConfirmed)
	if err != nil {
		return false, fmt.Errorf("failed to read confirmed bundle: %w", err)
	}
	if old == nil || old.AccessToken == current.AccessToken {
		return false, nil
	}
	if err := store.Set(ctx, session.SlotConfirmed, current); err != nil {
		return false, fmt.Errorf("failed to update confirmed bundle: %w", err)
	}
	c.logger.Debug("confirmed bundle updated after token rotation")
	return true, nil
}

// IsNoToken reports whether err is the resolver's absent result.
func IsNoToken(err error) bool {
	return errors.Is(err, token.ErrNoToken)
}
