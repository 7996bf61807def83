// Package drive provides the request-scoped Google Drive capability built
// from a session's token bundle.
package drive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"drive-bugle/internal/token"
)

// RemoteAPIError wraps a failed call to the Drive API. It is returned to the
// handler that made the call.
type RemoteAPIError struct {
	Op   string
	Code int // HTTP status when the API answered, zero otherwise
	Err  error
}

func (e *RemoteAPIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("drive %s: status %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("drive %s: %v", e.Op, e.Err)
}

func (e *RemoteAPIError) Unwrap() error { return e.Err }

func remoteError(op string, err error) error {
	e := &RemoteAPIError{Op: op, Err: err}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		e.Code = gerr.Code
	}
	return e
}

// Factory builds capabilities for one set of provider credentials.
type Factory struct {
	config  *oauth2.Config
	salt    string
	options []option.ClientOption
	logger  *slog.Logger
}

// NewFactory returns a factory bound to config. salt feeds HexID. Extra
// client options are passed to every Drive service, mostly for tests.
func NewFactory(config *oauth2.Config, salt string, logger *slog.Logger, opts ...option.ClientOption) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{config: config, salt: salt, options: opts, logger: logger}
}

// Build returns a capability bound to b, or nil when b has no access token.
// Nothing is sent over the network here; API errors surface on first use.
func (f *Factory) Build(ctx context.Context, b *token.Bundle) (*Client, error) {
	if !b.HasAccess() {
		return nil, nil
	}

	src := &trackingSource{
		base:    f.config.TokenSource(ctx, b.OAuth2()),
		current: b.Stripped(),
		logger:  f.logger,
	}
	opts := append([]option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, src))}, f.options...)
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Drive service: %w", err)
	}
	return &Client{svc: svc, tokens: src, salt: f.salt}, nil
}

// Client is a Drive capability acting for one user during one request.
type Client struct {
	svc    *drive.Service
	tokens *trackingSource
	salt   string

	mu    sync.Mutex
	hexID string
}

// Service exposes the underlying Drive service for host handlers.
func (c *Client) Service() *drive.Service {
	return c.svc
}

// CurrentTokens returns the bundle the capability currently holds. It
// differs from the bundle it was built with once the access token was
// refreshed during the request.
func (c *Client) CurrentTokens() *token.Bundle {
	return c.tokens.Current()
}

// About is the authenticated user's Drive profile.
type About struct {
	User         *drive.User              `json:"user"`
	StorageQuota *drive.AboutStorageQuota `json:"storageQuota,omitempty"`
	HexID        string                   `json:"hexid,omitempty"`
}

// AboutMe fetches the user's profile and storage quota.
func (c *Client) AboutMe(ctx context.Context) (*About, error) {
	about, err := c.svc.About.Get().Fields("user", "storageQuota").Context(ctx).Do()
	if err != nil {
		return nil, remoteError("about", err)
	}
	out := &About{User: about.User, StorageQuota: about.StorageQuota}
	if about.User != nil && about.User.PermissionId != "" {
		out.HexID = c.remember(hexID(c.salt, about.User.PermissionId))
	}
	return out, nil
}

// HexID returns a stable, salted identifier for the user that does not
// reveal the Drive permission id.
func (c *Client) HexID(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.hexID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	about, err := c.svc.About.Get().Fields("user(permissionId)").Context(ctx).Do()
	if err != nil {
		return "", remoteError("about", err)
	}
	if about.User == nil || about.User.PermissionId == "" {
		return "", &RemoteAPIError{Op: "about", Err: errors.New("response has no permission id")}
	}
	return c.remember(hexID(c.salt, about.User.PermissionId)), nil
}

func (c *Client) remember(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hexID = id
	return id
}

func hexID(salt, permissionID string) string {
	sum := sha256.Sum256([]byte(salt + permissionID))
	return hex.EncodeToString(sum[:])
}

// trackingSource records the last token handed to the HTTP transport so
// rotated access tokens can be written back to the session.
type trackingSource struct {
	base   oauth2.TokenSource
	logger *slog.Logger

	mu      sync.Mutex
	current *token.Bundle
}

func (s *trackingSource) Token() (*oauth2.Token, error) {
	t, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.AccessToken != s.current.AccessToken {
		next := &token.Bundle{
			AccessToken:  t.AccessToken,
			RefreshToken: t.RefreshToken,
			TokenType:    t.TokenType,
			Expiry:       t.Expiry,
		}
		if next.RefreshToken == "" {
			next.RefreshToken = s.current.RefreshToken
		}
		s.current = next
		s.logger.Debug("access token rotated", slog.Time("expiry", t.Expiry))
	}
	return t, nil
}

// Current returns a copy of the last observed bundle.
func (s *trackingSource) Current() *token.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *s.current
	return &out
}

type contextKey struct{}

// WithClient returns a context carrying the request's capability.
func WithClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the capability attached to ctx, if any.
func FromContext(ctx context.Context) (*Client, bool) {
	c, ok := ctx.Value(contextKey{}).(*Client)
	return c, ok && c != nil
}
