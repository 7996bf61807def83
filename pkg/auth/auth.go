// Package auth provides the Google OAuth2 credentials and scopes used by
// drive-bugle. Credentials are read once at startup and are immutable for the
// life of the process.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
)

// CredentialsFile is the name of the OAuth client file looked up in the
// credentials directory when nothing else is configured.
const CredentialsFile = "google_credentials.json"

// Scopes are requested at consent time. The app data scope backs the refresh
// token vault; drive.file covers files opened through the app.
var Scopes = []string{
	drive.DriveAppdataScope,
	drive.DriveFileScope,
}

// ConfigError reports missing or malformed configuration. It is fatal at
// initialization.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "bugle: " + e.Reason
	}
	return fmt.Sprintf("bugle: %s: %s", e.Field, e.Reason)
}

// Credentials identify this application to Google.
type Credentials struct {
	Key      string // OAuth client id
	Secret   string // OAuth client secret
	Callback string // Path the grant flow redirects to once tokens are in the session
}

// Validate checks that key, secret and callback are present.
func (c *Credentials) Validate() error {
	if c == nil {
		return &ConfigError{Field: "google", Reason: "expected to find google credentials in grant configuration"}
	}
	if strings.TrimSpace(c.Key) == "" {
		return &ConfigError{Field: "google.key", Reason: "missing OAuth client id"}
	}
	if strings.TrimSpace(c.Secret) == "" {
		return &ConfigError{Field: "google.secret", Reason: "missing OAuth client secret"}
	}
	if !strings.HasPrefix(c.Callback, "/") {
		return &ConfigError{Field: "google.callback", Reason: "callback must be an absolute path"}
	}
	return nil
}

// OAuthConfig builds the oauth2 configuration for these credentials.
func (c *Credentials) OAuthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.Key,
		ClientSecret: c.Secret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
	}
}

// Source says where credentials come from. Inline key and secret win, then
// Secret Manager, then the local credential file.
type Source struct {
	Key            string
	Secret         string
	Callback       string
	SecretProject  string // GCP project for Secret Manager
	SecretName     string // Secret holding the OAuth client JSON
	CredentialFile string // Local OAuth client JSON file
}

// LoadCredentials resolves credentials from src.
func LoadCredentials(ctx context.Context, src Source, logger *slog.Logger) (*Credentials, error) {
	if logger == nil {
		logger = slog.Default()
	}

	creds := &Credentials{Key: src.Key, Secret: src.Secret, Callback: src.Callback}
	if creds.Key != "" || creds.Secret != "" {
		return creds, creds.Validate()
	}

	var credentialsJSON []byte
	var err error

	// Try Secret Manager first
	if src.SecretProject != "" && src.SecretName != "" {
		credentialsJSON, err = loadFromSecretManager(ctx, src.SecretProject, src.SecretName)
		if err != nil {
			logger.Warn("failed to load credentials from Secret Manager", slog.String("error", err.Error()))
		} else {
			logger.Info("OAuth credentials loaded from Secret Manager",
				slog.String("project", src.SecretProject),
				slog.String("secret", src.SecretName),
			)
		}
	}

	// Fall back to local file
	if credentialsJSON == nil && src.CredentialFile != "" {
		credentialsJSON, err = os.ReadFile(src.CredentialFile)
		if err != nil {
			return nil, &ConfigError{Field: "google.credential_file", Reason: err.Error()}
		}
		logger.Info("OAuth credentials loaded from file", slog.String("path", src.CredentialFile))
	}

	if credentialsJSON == nil {
		return nil, &ConfigError{Field: "google", Reason: "no OAuth credentials available: configure key/secret, Secret Manager or credential file"}
	}

	key, secret, err := parseClientJSON(credentialsJSON)
	if err != nil {
		return nil, &ConfigError{Field: "google", Reason: err.Error()}
	}
	creds.Key, creds.Secret = key, secret
	return creds, creds.Validate()
}

// parseClientJSON extracts the client id and secret from a Google OAuth
// client file ("web" or "installed").
func parseClientJSON(data []byte) (string, string, error) {
	if !json.Valid(data) {
		return "", "", fmt.Errorf("credentials are not valid JSON")
	}
	cfg, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse OAuth credentials: %w", err)
	}
	return cfg.ClientID, cfg.ClientSecret, nil
}

// GetCredentialsPath returns the path to the credentials directory.
func GetCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".credentials")
}

// DefaultCredentialFile returns the local OAuth client file path.
func DefaultCredentialFile() string {
	dir := GetCredentialsPath()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, CredentialsFile)
}

// loadFromSecretManager loads credentials from Google Secret Manager.
func loadFromSecretManager(ctx context.Context, project, secretName string) ([]byte, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	defer client.Close()

	secretPath := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, secretName)
	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access secret %s: %w", secretPath, err)
	}

	return result.Payload.Data, nil
}
