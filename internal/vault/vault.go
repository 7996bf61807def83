// Package vault keeps a sealed copy of the user's refresh token outside the
// session, so a later login that only yields an access token can get it back.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"drive-bugle/internal/drive"
	"drive-bugle/internal/token"
	"drive-bugle/pkg/auth"
)

// Supported storage locations.
const (
	LocationAppData   = "appDataFolder"
	LocationFirestore = "firestore"
)

// DefaultCollection is the Firestore collection used when none is set.
const DefaultCollection = "bugle_refresh_tokens"

// Config is the refreshTokenStash section. An empty Location leaves the
// vault absent.
type Config struct {
	Location   string `toml:"location" env:"LOCATION"`
	File       string `toml:"file" env:"FILE"`
	Key        string `toml:"key" env:"KEY"`
	Collection string `toml:"collection" env:"COLLECTION"`
	Project    string `toml:"project" env:"PROJECT"`
}

// Configured reports whether a location is set.
func (c Config) Configured() bool {
	return c.Location != ""
}

// Validate checks a configured stash.
func (c Config) Validate() error {
	if !c.Configured() {
		return nil
	}
	switch c.Location {
	case LocationAppData:
	case LocationFirestore:
		if c.Project == "" {
			return &auth.ConfigError{Field: "drive.refreshTokenStash.project", Reason: "firestore location needs a project"}
		}
	default:
		return &auth.ConfigError{Field: "drive.refreshTokenStash.location", Reason: fmt.Sprintf("unsupported location %q", c.Location)}
	}
	if c.File == "" {
		return &auth.ConfigError{Field: "drive.refreshTokenStash.file", Reason: "missing file name"}
	}
	if len(c.Key) < token.MinKeyLength {
		return &auth.ConfigError{Field: "drive.refreshTokenStash.key", Reason: fmt.Sprintf("key must be at least %d characters", token.MinKeyLength)}
	}
	return nil
}

// ReadError reports a failed recovery: missing object, storage failure or
// a blob that does not open.
type ReadError struct {
	File string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("vault: failed to recover %s: %v", e.File, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// WriteError reports a failed persist.
type WriteError struct {
	File string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("vault: failed to persist %s: %v", e.File, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ErrNotFound is wrapped by ReadError when nothing was stored yet.
var ErrNotFound = errors.New("no sealed refresh token stored")

// Vault seals refresh tokens into per-user storage. A nil *Vault is the
// absent vault: Configured reports false.
type Vault struct {
	file    string
	codec   *token.Codec
	locator Locator
	logger  *slog.Logger
}

// New returns the vault described by cfg, or nil when cfg is empty. A nil
// locator selects the Drive application-data folder.
func New(cfg Config, locator Locator, logger *slog.Logger) (*Vault, error) {
	if !cfg.Configured() {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if locator == nil {
		if cfg.Location != LocationAppData {
			return nil, &auth.ConfigError{Field: "drive.refreshTokenStash.location", Reason: cfg.Location + " location needs a storage client"}
		}
		locator = AppDataLocator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		file:    cfg.File,
		codec:   token.NewCodec(cfg.Key, 0),
		locator: locator,
		logger:  logger,
	}, nil
}

// Configured reports whether persist and recover do anything.
func (v *Vault) Configured() bool {
	return v != nil
}

// Persist seals refreshToken and overwrites the stored object.
func (v *Vault) Persist(ctx context.Context, c *drive.Client, refreshToken string) error {
	if !v.Configured() {
		return nil
	}
	sealed, err := v.codec.Seal(refreshToken)
	if err != nil {
		return &WriteError{File: v.file, Err: err}
	}
	store, err := v.locator.Locate(ctx, c)
	if err != nil {
		return &WriteError{File: v.file, Err: err}
	}
	if err := store.Put(ctx, v.file, []byte(sealed)); err != nil {
		return &WriteError{File: v.file, Err: err}
	}
	v.logger.Debug("refresh token persisted", slog.String("file", v.file))
	return nil
}

// Recover reads and unseals the stored refresh token.
func (v *Vault) Recover(ctx context.Context, c *drive.Client) (string, error) {
	if !v.Configured() {
		return "", &ReadError{Err: ErrNotFound}
	}
	store, err := v.locator.Locate(ctx, c)
	if err != nil {
		return "", &ReadError{File: v.file, Err: err}
	}
	blob, err := store.Get(ctx, v.file)
	if err != nil {
		return "", &ReadError{File: v.file, Err: err}
	}
	rt, err := v.codec.Unseal(string(blob))
	if err != nil {
		return "", &ReadError{File: v.file, Err: err}
	}
	v.logger.Debug("refresh token recovered", slog.String("file", v.file))
	return rt, nil
}
