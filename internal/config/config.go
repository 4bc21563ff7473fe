package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server     ServerConfig     `toml:"server"`      // HTTP server settings
	Logging    LoggingConfig    `toml:"logging"`     // Application logging settings
	Backend    BackendConfig    `toml:"backend"`     // Staff-unit REST backend settings
	Calls      CallsConfig      `toml:"calls"`       // Call controller timers
	CallSocket CallSocketConfig `toml:"call_socket"` // Per-call state socket settings
	Realtime   RealtimeConfig   `toml:"realtime"`    // Generic realtime socket reconnect settings
	Chat       ChatConfig       `toml:"chat"`        // AI chat relay settings
	Storage    StorageConfig    `toml:"storage"`     // Call history persistence
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the API and UI socket
	Host               string   `toml:"host"`                  // Host address to bind to
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // Origins allowed to open the UI socket (["*"] for all)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// BackendConfig contains the REST backend and websocket base settings
type BackendConfig struct {
	BaseURL        string `toml:"base_url"`        // e.g. https://api.example.com
	WebSocketURL   string `toml:"websocket_url"`   // e.g. wss://api.example.com; derived from base_url when empty
	AccessToken    string `toml:"access_token"`    // Optional bearer token; usually installed through /api/bootstrap
	TimeoutSeconds int    `toml:"timeout_seconds"` // HTTP timeout for backend requests
}

// CallsConfig contains controller timer settings
type CallsConfig struct {
	PollIntervalMs  int  `toml:"poll_interval_ms"`  // Status poll interval (default 3000)
	DurationTickMs  int  `toml:"duration_tick_ms"`  // Duration counter tick (default 1000)
	UseStateSocket  bool `toml:"use_state_socket"`  // Subscribe to the call-state socket in addition to polling
	HistoryPageSize int  `toml:"history_page_size"` // Default number of history records returned
}

// CallSocketConfig contains the per-call state socket reconnect settings
type CallSocketConfig struct {
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"` // default 5
	BaseDelayMs          int `toml:"base_delay_ms"`          // default 1000
	MaxDelayMs           int `toml:"max_delay_ms"`           // default 10000
}

// RealtimeConfig contains the generic realtime socket reconnect settings
type RealtimeConfig struct {
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"` // default 10
	BaseDelayMs          int `toml:"base_delay_ms"`          // default 500
	MaxDelayMs           int `toml:"max_delay_ms"`           // default 30000
	HandshakeTimeoutSecs int `toml:"handshake_timeout_seconds"`
}

// ChatConfig contains AI chat relay settings
type ChatConfig struct {
	Enabled bool   `toml:"enabled"` // Connect to the chat backend on startup
	URL     string `toml:"url"`     // Chat websocket URL
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Type       string `toml:"type"`        // Storage backend type (currently only "sqlite" is supported)
	SQLitePath string `toml:"sqlite_path"` // Path to the SQLite database file
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// LoadDotEnv loads variables from a .env file if one exists. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides file values with STAFFCALL_* environment variables
func (c *Config) ApplyEnv() error {
	overrides := struct {
		Logging struct {
			Level string `env:"STAFFCALL_LOG_LEVEL"`
		}
		Backend struct {
			BaseURL      string `env:"STAFFCALL_BACKEND_URL"`
			WebSocketURL string `env:"STAFFCALL_WS_URL"`
			AccessToken  string `env:"STAFFCALL_ACCESS_TOKEN"`
		}
		Chat struct {
			URL string `env:"STAFFCALL_CHAT_URL"`
		}
	}{}
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	if overrides.Logging.Level != "" {
		c.Logging.Level = overrides.Logging.Level
	}
	if overrides.Backend.BaseURL != "" {
		c.Backend.BaseURL = overrides.Backend.BaseURL
	}
	if overrides.Backend.WebSocketURL != "" {
		c.Backend.WebSocketURL = overrides.Backend.WebSocketURL
	}
	if overrides.Backend.AccessToken != "" {
		c.Backend.AccessToken = overrides.Backend.AccessToken
	}
	if overrides.Chat.URL != "" {
		c.Chat.URL = overrides.Chat.URL
	}
	return nil
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Validate logging config
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid log level
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	switch c.Logging.Format {
	case "json", "console":
		// Valid log format
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if err := c.ValidateBackend(); err != nil {
		return err
	}
	if err := c.ValidateTimers(); err != nil {
		return err
	}

	if c.Chat.Enabled && c.Chat.URL == "" {
		return fmt.Errorf("chat url is required when chat is enabled")
	}

	// Validate storage config
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("invalid storage type: %s (only 'sqlite' is supported)", c.Storage.Type)
	}
	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("sqlite_path is required when storage type is sqlite")
	}

	return nil
}

// ValidateBackend validates the backend URLs and derives the websocket base when unset
func (c *Config) ValidateBackend() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base_url is required")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid backend base_url: %s", c.Backend.BaseURL)
	}
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")

	if c.Backend.WebSocketURL == "" {
		c.Backend.WebSocketURL = ToWebSocketBase(c.Backend.BaseURL)
	}
	ws, err := url.Parse(c.Backend.WebSocketURL)
	if err != nil || (ws.Scheme != "ws" && ws.Scheme != "wss") {
		return fmt.Errorf("invalid backend websocket_url: %s", c.Backend.WebSocketURL)
	}
	c.Backend.WebSocketURL = strings.TrimRight(c.Backend.WebSocketURL, "/")

	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("invalid backend timeout_seconds: %d", c.Backend.TimeoutSeconds)
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 15
	}
	return nil
}

// ValidateTimers fills timer and reconnect defaults and rejects negative values
func (c *Config) ValidateTimers() error {
	for name, v := range map[string]int{
		"calls.poll_interval_ms":             c.Calls.PollIntervalMs,
		"calls.duration_tick_ms":             c.Calls.DurationTickMs,
		"call_socket.max_reconnect_attempts": c.CallSocket.MaxReconnectAttempts,
		"call_socket.base_delay_ms":          c.CallSocket.BaseDelayMs,
		"call_socket.max_delay_ms":           c.CallSocket.MaxDelayMs,
		"realtime.max_reconnect_attempts":    c.Realtime.MaxReconnectAttempts,
		"realtime.base_delay_ms":             c.Realtime.BaseDelayMs,
		"realtime.max_delay_ms":              c.Realtime.MaxDelayMs,
		"realtime.handshake_timeout_seconds": c.Realtime.HandshakeTimeoutSecs,
		"calls.history_page_size":            c.Calls.HistoryPageSize,
	} {
		if v < 0 {
			return fmt.Errorf("invalid %s: %d (must be >= 0)", name, v)
		}
	}

	if c.Calls.PollIntervalMs == 0 {
		c.Calls.PollIntervalMs = 3000
	}
	if c.Calls.DurationTickMs == 0 {
		c.Calls.DurationTickMs = 1000
	}
	if c.Calls.HistoryPageSize == 0 {
		c.Calls.HistoryPageSize = 50
	}

	if c.CallSocket.MaxReconnectAttempts == 0 {
		c.CallSocket.MaxReconnectAttempts = 5
	}
	if c.CallSocket.BaseDelayMs == 0 {
		c.CallSocket.BaseDelayMs = 1000
	}
	if c.CallSocket.MaxDelayMs == 0 {
		c.CallSocket.MaxDelayMs = 10000
	}

	if c.Realtime.MaxReconnectAttempts == 0 {
		c.Realtime.MaxReconnectAttempts = 10
	}
	if c.Realtime.BaseDelayMs == 0 {
		c.Realtime.BaseDelayMs = 500
	}
	if c.Realtime.MaxDelayMs == 0 {
		c.Realtime.MaxDelayMs = 30000
	}
	if c.Realtime.HandshakeTimeoutSecs == 0 {
		c.Realtime.HandshakeTimeoutSecs = 45
	}

	if c.CallSocket.MaxDelayMs < c.CallSocket.BaseDelayMs {
		return fmt.Errorf("call_socket.max_delay_ms (%d) must be >= base_delay_ms (%d)",
			c.CallSocket.MaxDelayMs, c.CallSocket.BaseDelayMs)
	}
	if c.Realtime.MaxDelayMs < c.Realtime.BaseDelayMs {
		return fmt.Errorf("realtime.max_delay_ms (%d) must be >= base_delay_ms (%d)",
			c.Realtime.MaxDelayMs, c.Realtime.BaseDelayMs)
	}
	return nil
}

// ToWebSocketBase converts an http(s) base URL to the corresponding ws(s) URL.
// e.g. https://api.example -> wss://api.example
func ToWebSocketBase(httpBase string) string {
	b := strings.TrimRight(httpBase, "/")
	if strings.HasPrefix(b, "https://") {
		return "wss://" + strings.TrimPrefix(b, "https://")
	} else if strings.HasPrefix(b, "http://") {
		return "ws://" + strings.TrimPrefix(b, "http://")
	}
	// If the provided base already looks like ws:// or wss://, return as-is.
	return b
}
