// Package opener handles Google Drive "Open with" redirects: it trades the
// one-off authorization code for a capability and loads the selected file.
package opener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"golang.org/x/oauth2"
	drivev3 "google.golang.org/api/drive/v3"

	"drive-bugle/internal/drive"
	"drive-bugle/internal/token"
)

// Defaults for Open.
const (
	DefaultFields  = "*"
	DefaultMaxSize = 100 * 1024
)

// ErrBadRequest marks parameters that do not describe a Drive open action.
var ErrBadRequest = errors.New("opener: bad request")

// State is the JSON document Drive passes in the state parameter.
type State struct {
	IDs       []string `json:"ids,omitempty"`
	ExportIDs []string `json:"exportIds,omitempty"`
	Action    string   `json:"action"`
	UserID    string   `json:"userId,omitempty"`
}

// ParseState decodes and checks a state parameter.
func ParseState(raw string) (*State, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing state", ErrBadRequest)
	}
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("%w: malformed state: %v", ErrBadRequest, err)
	}
	if s.Action != "open" {
		return nil, fmt.Errorf("%w: unsupported action %q", ErrBadRequest, s.Action)
	}
	if len(s.IDs) == 0 && len(s.ExportIDs) == 0 {
		return nil, fmt.Errorf("%w: no file ids", ErrBadRequest)
	}
	return &s, nil
}

// FileID returns the first selected file.
func (s *State) FileID() string {
	if len(s.IDs) > 0 {
		return s.IDs[0]
	}
	return s.ExportIDs[0]
}

// Exported reports whether the selection is a Google-native document that
// can only be exported, not downloaded.
func (s *State) Exported() bool {
	return len(s.IDs) == 0
}

// Result is what an open action produced.
type Result struct {
	User     *drivev3.User
	Client   *drive.Client
	File     *drivev3.File
	Contents string
	State    *State
}

// Opener runs open actions.
type Opener struct {
	oauth   *oauth2.Config
	factory *drive.Factory
	fields  string
	maxSize int64
	logger  *slog.Logger
}

// New returns an opener. oauth.RedirectURL must be the open endpoint's
// absolute URL, as registered with Google.
func New(oauth *oauth2.Config, factory *drive.Factory, fields string, maxSize int64, logger *slog.Logger) *Opener {
	if fields == "" {
		fields = DefaultFields
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Opener{oauth: oauth, factory: factory, fields: fields, maxSize: maxSize, logger: logger}
}

// Open exchanges params' code, then fetches the user, the file metadata and,
// when the file is small enough, its contents.
func (o *Opener) Open(ctx context.Context, params url.Values) (*Result, error) {
	state, err := ParseState(params.Get("state"))
	if err != nil {
		return nil, err
	}
	code := params.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", ErrBadRequest)
	}

	tok, err := o.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	client, err := o.factory.Build(ctx, token.FromOAuth2(tok))
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("exchange returned no access token")
	}

	about, err := client.AboutMe(ctx)
	if err != nil {
		return nil, err
	}
	file, err := client.GetFile(ctx, state.FileID(), o.fields)
	if err != nil {
		return nil, err
	}

	id := state.FileID()
	res := &Result{User: about.User, Client: client, File: file, State: state}
	if state.Exported() || file.Size > o.maxSize {
		o.logger.Debug("skipping file contents", slog.String("id", id), slog.Int64("size", file.Size))
		return res, nil
	}
	data, err := client.Download(ctx, id, o.maxSize)
	switch {
	case errors.Is(err, drive.ErrTooLarge):
		o.logger.Debug("file exceeds the size limit", slog.String("id", id))
	case err != nil:
		return nil, err
	default:
		res.Contents = string(data)
	}
	return res, nil
}
