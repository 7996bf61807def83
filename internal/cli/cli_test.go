// Package cli provides unit tests for CLI utilities.
package cli

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"drive-bugle/internal/token"
)

const testKey = "0123456789abcdef0123456789abcdef"

// newCmd returns a command wired to in-memory streams.
func newCmd(stdin string) (*cobra.Command, *bytes.Buffer) {
	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	return cmd, out
}

func TestGenerateKey(t *testing.T) {
	tests := []struct {
		name    string
		length  int
		wantErr bool
	}{
		{name: "minimum", length: token.MinKeyLength},
		{name: "long", length: 64},
		{name: "odd length", length: 37},
		{name: "too short", length: 16, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key, err := generateKey(tc.length)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("generateKey(%d) expected error", tc.length)
				}
				return
			}
			if err != nil {
				t.Fatalf("generateKey(%d) unexpected error: %v", tc.length, err)
			}
			if len(key) != tc.length {
				t.Errorf("len(key) = %d, want %d", len(key), tc.length)
			}
		})
	}

	a, _ := generateKey(token.MinKeyLength)
	b, _ := generateKey(token.MinKeyLength)
	if a == b {
		t.Error("two generated keys should differ")
	}
}

func TestCheckKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "empty", key: "", wantErr: true},
		{name: "short", key: "short", wantErr: true},
		{name: "valid", key: testKey},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := checkKey(tc.key)
			if (err != nil) != tc.wantErr {
				t.Errorf("checkKey(%q) error = %v, wantErr %v", tc.key, err, tc.wantErr)
			}
		})
	}
}

func TestArgOrStdin(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		stdin    string
		expected string
		wantErr  bool
	}{
		{name: "argument wins", args: []string{" r1 "}, stdin: "ignored\n", expected: "r1"},
		{name: "stdin line", stdin: "r2\nsecond line\n", expected: "r2"},
		{name: "stdin without newline", stdin: "r3", expected: "r3"},
		{name: "empty stdin", stdin: "", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd, _ := newCmd(tc.stdin)
			got, err := argOrStdin(cmd, tc.args)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.expected {
				t.Errorf("argOrStdin() = %q, want %q", got, tc.expected)
			}
		})
	}
}

func TestSealUnseal(t *testing.T) {
	sealKey = testKey
	t.Cleanup(func() { sealKey = "" })

	cmd, out := newCmd("")
	if err := runSeal(cmd, []string{"1//refresh"}); err != nil {
		t.Fatalf("runSeal() error: %v", err)
	}
	blob := strings.TrimSpace(out.String())
	if blob == "" || strings.Contains(blob, "1//refresh") {
		t.Fatalf("unexpected sealed output %q", blob)
	}

	cmd, out = newCmd(blob + "\n")
	if err := runUnseal(cmd, nil); err != nil {
		t.Fatalf("runUnseal() error: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "1//refresh" {
		t.Errorf("unsealed = %q, want %q", got, "1//refresh")
	}

	sealKey = "another-key-another-key-another-key"
	cmd, _ = newCmd("")
	if err := runUnseal(cmd, []string{blob}); err == nil {
		t.Error("runUnseal() with the wrong key should fail")
	}
}

func TestRunKeygen(t *testing.T) {
	keygenLength = 40
	t.Cleanup(func() { keygenLength = token.MinKeyLength })

	cmd, out := newCmd("")
	if err := runKeygen(cmd, nil); err != nil {
		t.Fatalf("runKeygen() error: %v", err)
	}
	if got := strings.TrimSpace(out.String()); len(got) != 40 {
		t.Errorf("key length = %d, want 40", len(got))
	}
}

func TestBuildLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := buildLogger("warn", &buf)
	if err != nil {
		t.Fatalf("buildLogger() error: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected log output %q", buf.String())
	}
	if !logger.Enabled(t.Context(), slog.LevelError) {
		t.Error("error level should be enabled")
	}

	if _, err := buildLogger("loud", &buf); err == nil {
		t.Error("buildLogger() should reject unknown levels")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("BUGLE_SESSION_BACKEND", "memory")
	missing := filepath.Join(t.TempDir(), "bugle.toml")

	cfg, err := loadConfig(missing, false)
	if err != nil {
		t.Fatalf("loadConfig() with default path error: %v", err)
	}
	if cfg.Session.Backend != "memory" {
		t.Errorf("Session.Backend = %q, want memory", cfg.Session.Backend)
	}

	if _, err := loadConfig(missing, true); err == nil {
		t.Error("loadConfig() should fail for a missing explicit file")
	}
}

func TestVersionCmd(t *testing.T) {
	cmd, out := newCmd("")
	versionCmd.Run(cmd, nil)
	if !strings.Contains(out.String(), Version) {
		t.Errorf("version output %q does not contain %s", out.String(), Version)
	}
}
