// Package cli provides the command-line interface for drive-bugle.
package cli

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"drive-bugle/internal/config"
	"drive-bugle/internal/server"
	"drive-bugle/internal/token"
)

// Version information
const Version = "0.1.0"

// defaultConfigFile is read when --config is not given.
const defaultConfigFile = "bugle.toml"

// RootCmd is the root command for the CLI.
var RootCmd = &cobra.Command{
	Use:   "drive-bugle",
	Short: "drive-bugle - Google Drive sign-in and token sessions",
	Long:  "Serve the Google Drive OAuth2 login flow, keep tokens in sessions and stash refresh tokens",
}

// Serve command flags
var (
	serveConfig  string
	serveHost    string
	servePort    int
	serveVerbose bool
)

// Keygen command flags
var (
	keygenLength int
)

// Seal and unseal command flags
var (
	sealKey string
)

// Command definitions
var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "drive-bugle version %s\n", Version)
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long: `Run the drive-bugle HTTP server.

Configuration is read in this order, later sources winning:
  - built-in defaults
  - the TOML file given by --config (bugle.toml when present)
  - BUGLE_* environment variables
  - --host and --port

Routes:
  /connect/google           Start the Google consent flow
  /connect/google/callback  OAuth redirect target
  /a/googledrive            Confirm tokens and stash the refresh token
  /a/login, /a/logout       Login page and logout
  /a/me                     Profile page (bugle.useMeLevel > 0)`,
		Example: `  # Serve with bugle.toml from the working directory
  drive-bugle serve

  # Serve a specific config on another port
  drive-bugle serve -c /etc/bugle/bugle.toml --port 9090

  # Configure entirely from the environment
  BUGLE_GOOGLE_KEY=... BUGLE_GOOGLE_SECRET=... BUGLE_SESSION_BACKEND=memory drive-bugle serve`,
		RunE: runServe,
	}

	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random key for sessions or the refresh token stash",
		Example: `  # Key for session.password
  drive-bugle keygen

  # Longer key for bugle.drive.refreshTokenStash.key
  drive-bugle keygen --length 64`,
		Args: cobra.NoArgs,
		RunE: runKeygen,
	}

	sealCmd = &cobra.Command{
		Use:   "seal [refresh-token]",
		Short: "Encrypt a refresh token the way the stash stores it",
		Long: `Encrypt a refresh token with the stash key.

The token is read from the argument or, when absent, from standard input.
The output can be placed in the stash file to seed it.`,
		Example: `  drive-bugle seal --key "$BUGLE_STASH_KEY" 1//0g-refresh-token`,
		Args:    cobra.MaximumNArgs(1),
		RunE:    runSeal,
	}

	unsealCmd = &cobra.Command{
		Use:   "unseal [blob]",
		Short: "Decrypt a stashed refresh token",
		Example: `  drive-bugle unseal --key "$BUGLE_STASH_KEY" < refresh.txt`,
		Args:    cobra.MaximumNArgs(1),
		RunE:    runUnseal,
	}
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(serveConfig, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if serveVerbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintf(cmd.ErrOrStderr(), "drive-bugle %s listening on %s (sessions: %s)\n",
		Version, cyan(cfg.Server.Addr()), cyan(cfg.Session.Backend))
	return srv.Run(ctx)
}

// loadConfig reads path. A missing default file is not an error, a missing
// explicit one is.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if explicit {
		return config.Load(path)
	}
	return config.LoadOrDefault(path)
}

// buildLogger creates a text logger on w at the named level.
func buildLogger(level string, w io.Writer) (*slog.Logger, error) {
	l, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	key, err := generateKey(keygenLength)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

// generateKey returns length random URL-safe characters.
func generateKey(length int) (string, error) {
	if length < token.MinKeyLength {
		return "", fmt.Errorf("key length must be at least %d", token.MinKeyLength)
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}

func runSeal(cmd *cobra.Command, args []string) error {
	if err := checkKey(sealKey); err != nil {
		return err
	}
	value, err := argOrStdin(cmd, args)
	if err != nil {
		return err
	}
	blob, err := token.Seal(value, sealKey)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), blob)

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(cmd.ErrOrStderr(), "%s refresh token sealed (%d characters)\n", green("✓"), len(blob))
	return nil
}

func runUnseal(cmd *cobra.Command, args []string) error {
	if err := checkKey(sealKey); err != nil {
		return err
	}
	blob, err := argOrStdin(cmd, args)
	if err != nil {
		return err
	}
	value, err := token.Unseal(blob, sealKey)
	if err != nil {
		red := color.New(color.FgRed).SprintFunc()
		return fmt.Errorf("%s %w", red("cannot unseal:"), err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("--key is required")
	}
	if len(key) < token.MinKeyLength {
		return fmt.Errorf("--key must be at least %d characters", token.MinKeyLength)
	}
	return nil
}

// argOrStdin returns the first argument, or the first line of stdin.
func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(args[0]), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("no input: pass a value or pipe it on stdin")
	}
	return line, nil
}

// Init initializes the CLI commands and flags.
func Init() {
	// Add version flag to root command
	RootCmd.Version = Version
	RootCmd.SetVersionTemplate("drive-bugle version {{.Version}}\n")

	// Setup serve command flags
	defaultPath := os.Getenv("BUGLE_CONFIG")
	if defaultPath == "" {
		defaultPath = defaultConfigFile
	}
	serveCmd.Flags().StringVarP(&serveConfig, "config", "c", defaultPath, "TOML config file")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Debug logging")

	// Setup keygen command flags
	keygenCmd.Flags().IntVarP(&keygenLength, "length", "l", token.MinKeyLength, "Key length in characters")

	// Setup seal and unseal command flags
	sealCmd.Flags().StringVarP(&sealKey, "key", "k", "", "Stash key (bugle.drive.refreshTokenStash.key)")
	unsealCmd.Flags().StringVarP(&sealKey, "key", "k", "", "Stash key (bugle.drive.refreshTokenStash.key)")

	// Register commands
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(keygenCmd)
	RootCmd.AddCommand(sealCmd)
	RootCmd.AddCommand(unsealCmd)
}
