package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for klyro.
type Config struct {
	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// DataDir holds the local tier database. Defaults to ~/.klyro.
	DataDir string `env:"KLYRO_DATA_DIR"`

	// Namespace is the bucket that prefixes every physical key in the
	// local tier.
	Namespace string `env:"KLYRO_NAMESPACE" envDefault:"klyro"`

	// LocalQuotaBytes caps the total size of stored values, mirroring the
	// browser storage quota the mini-app runs under. Zero disables it.
	LocalQuotaBytes int `env:"KLYRO_LOCAL_QUOTA_BYTES" envDefault:"5242880"`

	// BridgeURL is the WebSocket endpoint of the Telegram host bridge.
	// Empty means the app runs outside Telegram and only the local tier
	// is used.
	BridgeURL string `env:"KLYRO_BRIDGE_URL"`

	// Launch credentials as handed to the mini-app by Telegram.
	InitData     string `env:"TELEGRAM_INIT_DATA"`
	UnsafeUserID string `env:"TELEGRAM_USER_ID"`

	// APIURL is the base URL of the profile API.
	APIURL string `env:"KLYRO_API_URL" envDefault:"http://localhost:8000"`

	ProbeInterval     time.Duration `env:"KLYRO_PROBE_INTERVAL" envDefault:"300ms"`
	ProbeAttempts     int           `env:"KLYRO_PROBE_ATTEMPTS" envDefault:"10"`
	RemoteReadTimeout time.Duration `env:"KLYRO_REMOTE_READ_TIMEOUT" envDefault:"5s"`

	// HTTP surface for MCP tools and metrics.
	ListenAddr string `env:"KLYRO_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	APIKeys    string `env:"KLYRO_API_KEYS"`

	// Backups.
	BackupDir         string `env:"KLYRO_BACKUP_DIR"`
	ImportDir         string `env:"KLYRO_IMPORT_DIR"`
	BackupCompression string `env:"KLYRO_BACKUP_COMPRESSION" envDefault:"none"`

	// ProductsFile overrides the built-in product catalog.
	ProductsFile string `env:"KLYRO_PRODUCTS_FILE"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file may carry launch credentials.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.DataDir, "backups")
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return fmt.Errorf("KLYRO_NAMESPACE must not be empty")
	}

	if c.LocalQuotaBytes < 0 {
		return fmt.Errorf("KLYRO_LOCAL_QUOTA_BYTES must not be negative")
	}

	if c.ProbeInterval <= 0 {
		return fmt.Errorf("KLYRO_PROBE_INTERVAL must be positive")
	}

	if c.ProbeAttempts < 1 {
		return fmt.Errorf("KLYRO_PROBE_ATTEMPTS must be at least 1")
	}

	if c.RemoteReadTimeout <= 0 {
		return fmt.Errorf("KLYRO_REMOTE_READ_TIMEOUT must be positive")
	}

	if c.BridgeURL != "" {
		u, err := url.Parse(c.BridgeURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("KLYRO_BRIDGE_URL must be a ws:// or wss:// URL")
		}
	}

	switch c.BackupCompression {
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("KLYRO_BACKUP_COMPRESSION must be none, gzip or zstd")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("KLYRO_API_URL must be an http(s) URL")
	}

	return nil
}

// DefaultDataDir returns ~/.klyro.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".klyro"), nil
}

// DBPath returns the local tier database path inside DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "local.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// InTelegram reports whether a host bridge is configured.
func (c *Config) InTelegram() bool {
	return c.BridgeURL != ""
}

// APIKeyEntry holds a named API key hash parsed from KLYRO_API_KEYS.
type APIKeyEntry struct {
	Name string
	Hash string
}

// ParseAPIKeys parses the KLYRO_API_KEYS string.
// Format: "name1:<bcrypt hash>,name2:<bcrypt hash>"
func (c *Config) ParseAPIKeys() ([]APIKeyEntry, error) {
	if c.APIKeys == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		name := pair[:idx]

		hash := pair[idx+1:]
		if name == "" || hash == "" {
			return nil, fmt.Errorf("empty name or hash in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("API key hash in entry %d is not a bcrypt hash", len(entries)+1)
		}

		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate name %q in KLYRO_API_KEYS", name)
		}

		seen[name] = struct{}{}
		entries = append(entries, APIKeyEntry{Name: name, Hash: hash})
	}

	return entries, nil
}
