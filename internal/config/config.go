package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for pikachat.
type Config struct {
	// Base URL of the chat API, e.g. https://chat.example.com
	ServerURL string `env:"PIKA_SERVER_URL" validate:"required,url"`

	// Socket URL for the live push channel. Derived from ServerURL
	// when empty (https -> wss, http -> ws).
	SocketURL string `env:"PIKA_SOCKET_URL"`

	// Account credentials, used only when no session is stored yet.
	Email    string `env:"PIKA_EMAIL" validate:"omitempty,email"`
	Password string `env:"PIKA_PASSWORD" validate:"omitempty,min=6"`

	// Peer to open a conversation with on startup. Zero means the
	// daemon starts idle and only the notification bridge runs.
	PeerID int64 `env:"PIKA_PEER_ID"`

	// Directory watched for background reply files dropped by the
	// platform notification handler. Empty disables the bridge watcher.
	SpoolDir string `env:"PIKA_SPOOL_DIR"`

	// Opaque device push token to register on startup. Best effort.
	DevicePushToken string `env:"PIKA_PUSH_TOKEN"`

	// Path of the bbolt session database. Defaults to
	// ~/.pikachat/session.db when empty.
	StatePath string `env:"PIKA_STATE_PATH"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "pikachat"
		}

		cfg.DeviceName = hostname
	}

	if cfg.SocketURL == "" {
		cfg.SocketURL = deriveSocketURL(cfg.ServerURL)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve SpoolDir to an absolute path at startup so the watcher's
	// relative-path handling does not depend on the working directory.
	if cfg.SpoolDir != "" {
		absDir, err := filepath.Abs(cfg.SpoolDir)
		if err != nil {
			return nil, fmt.Errorf("resolving spool dir to absolute path: %w", err)
		}

		cfg.SpoolDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	// Credentials come as a pair or not at all. A stored session makes
	// them optional, but a lone email or password is always a mistake.
	if (c.Email == "") != (c.Password == "") {
		return fmt.Errorf("PIKA_EMAIL and PIKA_PASSWORD must be set together")
	}

	return nil
}

// deriveSocketURL maps the HTTP base URL to its websocket equivalent.
func deriveSocketURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://")
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://")
	default:
		return serverURL
	}
}

// DefaultStatePath returns the default session database location:
// ~/.pikachat/session.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".pikachat", "session.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
