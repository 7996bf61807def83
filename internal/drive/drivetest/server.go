// Package drivetest runs an in-process fake of the Drive v3 API and the
// Google token endpoint for tests.
package drivetest

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

// User is the profile served by the about endpoint.
type User struct {
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
	PhotoLink    string `json:"photoLink"`
	PermissionID string `json:"permissionId"`
}

type file struct {
	ID       string
	Name     string
	Space    string
	MimeType string
	Content  []byte
	Modified int
}

// Server is a fake Drive API.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	user      User
	files     map[string]*file
	nextID    int
	clock     int
	failAbout int
	failFiles int

	// RefreshedToken is the access token handed out by the token endpoint.
	RefreshedToken string
	// RotatedRefresh, when set, is returned as a new refresh token.
	RotatedRefresh string
	tokenCalls     int
	requests       []string
}

// NewServer starts a fake Drive API closed at test cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		user: User{
			DisplayName:  "Ada Lovelace",
			EmailAddress: "ada@example.com",
			PhotoLink:    "https://example.com/ada.png",
			PermissionID: "perm-123",
		},
		files:          make(map[string]*file),
		RefreshedToken: "refreshed-access",
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Options points a Drive service at the fake.
func (s *Server) Options() []option.ClientOption {
	return []option.ClientOption{option.WithEndpoint(s.URL + "/drive/v3/")}
}

// OAuthConfig returns an oauth2 config whose token endpoint is the fake.
func (s *Server) OAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.URL + "/auth",
			TokenURL:  s.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: "https://example.com/cb",
	}
}

// SetUser replaces the profile served by the about endpoint.
func (s *Server) SetUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

// FailAbout makes the about endpoint answer with status.
func (s *Server) FailAbout(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAbout = status
}

// FailFiles makes every files endpoint answer with status.
func (s *Server) FailFiles(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFiles = status
}

// PutAppData stores content in the app data folder and returns its id.
func (s *Server) PutAppData(name string, content []byte) string {
	return s.add(name, "appDataFolder", "text/plain", content)
}

// PutFile stores a regular Drive file and returns its id.
func (s *Server) PutFile(name, mimeType string, content []byte) string {
	return s.add(name, "drive", mimeType, content)
}

// AppData returns the content of every app data file called name, newest first.
func (s *Server) AppData(name string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, f := range s.sorted() {
		if f.Space == "appDataFolder" && f.Name == name {
			out = append(out, f.Content)
		}
	}
	return out
}

// TokenCalls reports how many times the token endpoint was hit.
func (s *Server) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

// Requests returns "METHOD path" for every API request received.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) add(name, space, mimeType string, content []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.clock++
	id := fmt.Sprintf("file-%d", s.nextID)
	s.files[id] = &file{ID: id, Name: name, Space: space, MimeType: mimeType, Content: content, Modified: s.clock}
	return id
}

func (s *Server) sorted() []*file {
	out := make([]*file, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Modified > out[j-1].Modified; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

var nameQuery = regexp.MustCompile(`name = '((?:[^'\\]|\\.)*)'`)

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/upload")
	path = strings.TrimPrefix(path, "/drive/v3")

	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+path)
	failAbout, failFiles := s.failAbout, s.failFiles
	s.mu.Unlock()

	switch {
	case path == "/token":
		s.serveToken(w, r)
	case path == "/about":
		if failAbout != 0 {
			writeError(w, failAbout)
			return
		}
		s.serveAbout(w)
	case strings.HasPrefix(path, "/files"):
		if failFiles != 0 {
			writeError(w, failFiles)
			return
		}
		s.serveFiles(w, r, strings.TrimPrefix(strings.TrimPrefix(path, "/files"), "/"))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	s.mu.Lock()
	s.tokenCalls++
	resp := map[string]any{
		"access_token": s.RefreshedToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if s.RotatedRefresh != "" {
		resp["refresh_token"] = s.RotatedRefresh
	}
	s.mu.Unlock()

	if r.Form.Get("grant_type") == "authorization_code" {
		resp["refresh_token"] = "exchanged-refresh"
		resp["access_token"] = "exchanged-access"
		resp["id_token"] = "exchanged-id-token"
	}
	writeJSON(w, resp)
}

func (s *Server) serveAbout(w http.ResponseWriter) {
	s.mu.Lock()
	u := s.user
	s.mu.Unlock()
	writeJSON(w, map[string]any{
		"user":         u,
		"storageQuota": map[string]string{"limit": "1000", "usage": "10"},
	})
}

func (s *Server) serveFiles(w http.ResponseWriter, r *http.Request, id string) {
	switch {
	case id == "" && r.Method == http.MethodGet:
		s.list(w, r)
	case id == "" && r.Method == http.MethodPost:
		s.create(w, r)
	case r.Method == http.MethodGet:
		s.get(w, r, id)
	case r.Method == http.MethodPatch:
		s.update(w, r, id)
	case r.Method == http.MethodDelete:
		s.mu.Lock()
		delete(s.files, id)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	space := r.URL.Query().Get("spaces")
	var name string
	if m := nameQuery.FindStringSubmatch(r.URL.Query().Get("q")); m != nil {
		name = strings.NewReplacer(`\'`, `'`, `\\`, `\`).Replace(m[1])
	}

	s.mu.Lock()
	var files []map[string]any
	for _, f := range s.sorted() {
		if (space == "" || f.Space == space) && (name == "" || f.Name == name) {
			files = append(files, map[string]any{"id": f.ID, "name": f.Name})
		}
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"files": files})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.Lock()
	f, ok := s.files[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("alt") == "media" {
		w.Header().Set("Content-Type", f.MimeType)
		_, _ = w.Write(f.Content)
		return
	}
	writeJSON(w, map[string]any{
		"id":       f.ID,
		"name":     f.Name,
		"mimeType": f.MimeType,
		"size":     strconv.Itoa(len(f.Content)),
	})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	meta, content, err := readUpload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	space := "drive"
	for _, p := range meta.Parents {
		if p == "appDataFolder" {
			space = p
		}
	}
	id := s.add(meta.Name, space, meta.MimeType, content)
	writeJSON(w, map[string]any{"id": id})
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, id string) {
	_, content, err := readUpload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	f, ok := s.files[id]
	if ok {
		s.clock++
		f.Content = content
		f.Modified = s.clock
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"id": id})
}

type uploadMeta struct {
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType"`
	Parents  []string `json:"parents"`
}

// readUpload accepts multipart/related uploads (metadata then media) as
// well as plain media bodies.
func readUpload(r *http.Request) (uploadMeta, []byte, error) {
	var meta uploadMeta
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		body, err := io.ReadAll(r.Body)
		return meta, body, err
	}

	mr := multipart.NewReader(r.Body, params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		return meta, nil, fmt.Errorf("metadata part: %w", err)
	}
	if err := json.NewDecoder(part).Decode(&meta); err != nil && err != io.EOF {
		return meta, nil, fmt.Errorf("metadata: %w", err)
	}
	part, err = mr.NextPart()
	if err != nil {
		return meta, nil, fmt.Errorf("media part: %w", err)
	}
	content, err := io.ReadAll(part)
	return meta, content, err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": http.StatusText(status),
		},
	})
}
