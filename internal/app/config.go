package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	intrnl "staypresence/internal"
)

// ServerConfig defines how the presence server should run. It is read
// from an optional YAML file and then overridden by flags.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Path            string        `yaml:"path"`
	DBPath          string        `yaml:"db_path"`
	JWTSecret       string        `yaml:"jwt_secret"`
	InternalKey     string        `yaml:"internal_key"`
	FrontendOrigins []string      `yaml:"frontend_origins"`
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
	SendBuffer      int           `yaml:"send_buffer"`
	EventBurst      int           `yaml:"event_burst"`
	EventWindow     time.Duration `yaml:"event_window"`
	HandshakeLimit  int           `yaml:"handshake_limit"`
	HandshakeWindow time.Duration `yaml:"handshake_window"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	Console         bool          `yaml:"console"`
}

// WatchConfig defines the parameters the watch TUI needs.
type WatchConfig struct {
	ServerURL string
	Token     string
	Rooms     []string
}

// DefaultServerConfig returns the settings used when nothing is configured.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		Path:            intrnl.DefaultWSPath,
		DBPath:          DefaultDBPath(),
		FrontendOrigins: []string{"http://localhost:3000"},
		AuthTimeout:     10 * time.Second,
		SendBuffer:      256,
		EventBurst:      20,
		EventWindow:     3 * time.Second,
		HandshakeLimit:  30,
		HandshakeWindow: time.Minute,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
	}
}

// LoadServerConfig layers the YAML file at path over the defaults; an empty
// path returns the defaults.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (cfg ServerConfig) Validate() error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return errors.New("listen address is required")
	}
	if cfg.DBPath == "" {
		return errors.New("database path is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if cfg.AuthTimeout < 0 || cfg.EventWindow < 0 || cfg.HandshakeWindow < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// Options maps the config onto the server's tuning knobs.
func (cfg ServerConfig) Options() intrnl.Options {
	return intrnl.Options{
		WSPath:          NormalizeSocketPath(cfg.Path),
		AuthTimeout:     cfg.AuthTimeout,
		SendBuffer:      cfg.SendBuffer,
		EventBurst:      cfg.EventBurst,
		EventWindow:     cfg.EventWindow,
		HandshakeLimit:  cfg.HandshakeLimit,
		HandshakeWindow: cfg.HandshakeWindow,
		InternalKey:     cfg.InternalKey,
		AllowedOrigins:  cfg.FrontendOrigins,
	}
}

// DefaultDBPath returns a per-user data path for the directory SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("STAYPRESENCE_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("STAYPRESENCE_DATA_DIR"); env != "" {
		return filepath.Join(env, "staypresence.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "staypresence", "staypresence.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "StayPresence", "staypresence.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "StayPresence", "staypresence.db")
		}
		return filepath.Join(home, ".local", "share", "staypresence", "staypresence.db")
	}
	return filepath.Join(".", ".staypresence", "staypresence.db")
}

// NormalizeSocketPath guarantees the websocket path starts with '/' and
// falls back to /socket when empty.
func NormalizeSocketPath(path string) string {
	if path == "" {
		return intrnl.DefaultWSPath
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
