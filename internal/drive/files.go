package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

// appDataFolder is the Drive alias of the application's private folder.
// Files stored there never show up in the user's listings.
const appDataFolder = "appDataFolder"

// ErrNotFound is returned when a named file does not exist.
var ErrNotFound = errors.New("drive: file not found")

// ErrTooLarge is returned by Download when the content exceeds the limit.
var ErrTooLarge = errors.New("drive: file exceeds size limit")

// AppData is the user's private application-data folder.
type AppData struct {
	c *Client
}

// AppData returns the application-data folder of the user.
func (c *Client) AppData() *AppData {
	return &AppData{c: c}
}

// Put writes data under name, replacing any file already there.
func (a *AppData) Put(ctx context.Context, name string, data []byte) error {
	existing, err := a.find(ctx, name)
	if err != nil {
		return err
	}

	media := bytes.NewReader(data)
	if len(existing) == 0 {
		meta := &drive.File{Name: name, Parents: []string{appDataFolder}, MimeType: "text/plain"}
		_, err := a.c.svc.Files.Create(meta).
			Media(media, googleapi.ContentType("text/plain")).
			Fields("id").
			Context(ctx).
			Do()
		if err != nil {
			return remoteError("create "+name, err)
		}
		return nil
	}

	if _, err := a.c.svc.Files.Update(existing[0].Id, &drive.File{}).
		Media(media, googleapi.ContentType("text/plain")).
		Fields("id").
		Context(ctx).
		Do(); err != nil {
		return remoteError("update "+name, err)
	}

	// Older duplicates would shadow the fresh content on the next lookup.
	for _, dup := range existing[1:] {
		if err := a.c.svc.Files.Delete(dup.Id).Context(ctx).Do(); err != nil {
			return remoteError("delete duplicate "+name, err)
		}
	}
	return nil
}

// Get reads the content stored under name.
func (a *AppData) Get(ctx context.Context, name string) ([]byte, error) {
	existing, err := a.find(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return a.c.Download(ctx, existing[0].Id, 0)
}

// find lists files called name, most recently modified first.
func (a *AppData) find(ctx context.Context, name string) ([]*drive.File, error) {
	q := fmt.Sprintf("name = '%s' and trashed = false", escapeQuery(name))
	list, err := a.c.svc.Files.List().
		Spaces(appDataFolder).
		Q(q).
		OrderBy("modifiedTime desc").
		Fields("files(id, name, modifiedTime)").
		Context(ctx).
		Do()
	if err != nil {
		return nil, remoteError("list "+name, err)
	}
	return list.Files, nil
}

// GetFile fetches file metadata restricted to fields ("*" for all).
func (c *Client) GetFile(ctx context.Context, id, fields string) (*drive.File, error) {
	if fields == "" {
		fields = "*"
	}
	f, err := c.svc.Files.Get(id).Fields(googleapi.Field(fields)).Context(ctx).Do()
	if err != nil {
		return nil, remoteError("get "+id, err)
	}
	return f, nil
}

// Download reads a file's content. A positive maxSize bounds the read and
// yields ErrTooLarge when exceeded.
func (c *Client) Download(ctx context.Context, id string, maxSize int64) ([]byte, error) {
	resp, err := c.svc.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return nil, remoteError("download "+id, err)
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if maxSize > 0 {
		r = io.LimitReader(resp.Body, maxSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, remoteError("download "+id, err)
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, id)
	}
	return data, nil
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
