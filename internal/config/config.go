// Package config loads chamicore-opsgate configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr         = ":27790"
	defaultExecTimeout        = 20 * time.Second
	defaultSessionIdleTimeout = 30 * time.Minute
	defaultShutdownTimeout    = 15 * time.Second
)

// Config holds service runtime configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	// Token is the shared secret every protocol request must present.
	Token string

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string

	// AllowedPaths are the absolute prefixes filesystem tools may touch.
	// Empty means every path is denied.
	AllowedPaths []string
	// AllowedCommands are the exact or prefix-matched command entries the
	// process tool may run. Empty means every command is denied.
	AllowedCommands []string
	// ForbiddenSQLKeywords overrides the statement filter's built-in deny
	// list when non-empty.
	ForbiddenSQLKeywords []string

	QueryDBPath    string
	VaultDir       string
	DeviceAPIURL   string
	DeviceAPIToken string
	AuditDBPath    string

	ExecTimeout        time.Duration
	SessionIdleTimeout time.Duration
	ShutdownTimeout    time.Duration

	DevMode bool
}

// Load returns configuration parsed from environment variables. Fatal
// misconfiguration (missing token, incomplete TLS material, relative
// allowlist entries) is reported as an error.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:           envOrDefault("CHAMICORE_OPSGATE_LISTEN_ADDR", defaultListenAddr),
		LogLevel:             strings.ToLower(strings.TrimSpace(envOrDefault("CHAMICORE_OPSGATE_LOG_LEVEL", "info"))),
		Token:                strings.TrimSpace(os.Getenv("CHAMICORE_OPSGATE_TOKEN")),
		TLSEnabled:           envBool("CHAMICORE_OPSGATE_TLS_ENABLED", false),
		TLSCertFile:          strings.TrimSpace(os.Getenv("CHAMICORE_OPSGATE_TLS_CERT_FILE")),
		TLSKeyFile:           strings.TrimSpace(os.Getenv("CHAMICORE_OPSGATE_TLS_KEY_FILE")),
		AllowedPaths:         envList("CHAMICORE_OPSGATE_ALLOWED_PATHS"),
		AllowedCommands:      envList("CHAMICORE_OPSGATE_ALLOWED_COMMANDS"),
		ForbiddenSQLKeywords: envList("CHAMICORE_OPSGATE_FORBIDDEN_SQL_KEYWORDS"),
		QueryDBPath:          strings.TrimSpace(os.Getenv("CHAMICORE_OPSGATE_QUERY_DB_PATH")),
		VaultDir:             strings.TrimSpace(os.Getenv("CHAMICORE_OPSGATE_VAULT_DIR")),
		DeviceAPIURL:         strings.TrimSpace(os.Getenv("CHAMICORE_OPSGATE_DEVICE_API_URL")),
		DeviceAPIToken:       strings.TrimSpace(os.Getenv("CHAMICORE_OPSGATE_DEVICE_API_TOKEN")),
		AuditDBPath:          strings.TrimSpace(os.Getenv("CHAMICORE_OPSGATE_AUDIT_DB_PATH")),
		ExecTimeout:          envPositiveDuration("CHAMICORE_OPSGATE_EXEC_TIMEOUT", defaultExecTimeout),
		SessionIdleTimeout:   envPositiveDuration("CHAMICORE_OPSGATE_SESSION_IDLE_TIMEOUT", defaultSessionIdleTimeout),
		ShutdownTimeout:      envPositiveDuration("CHAMICORE_OPSGATE_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		DevMode:              envBool("CHAMICORE_OPSGATE_DEV_MODE", false),
	}

	if cfg.Token == "" {
		return Config{}, fmt.Errorf("CHAMICORE_OPSGATE_TOKEN is required")
	}
	if cfg.TLSEnabled {
		if cfg.TLSCertFile == "" {
			return Config{}, fmt.Errorf("CHAMICORE_OPSGATE_TLS_CERT_FILE is required when TLS is enabled")
		}
		if cfg.TLSKeyFile == "" {
			return Config{}, fmt.Errorf("CHAMICORE_OPSGATE_TLS_KEY_FILE is required when TLS is enabled")
		}
	}
	for _, path := range cfg.AllowedPaths {
		if !filepath.IsAbs(path) {
			return Config{}, fmt.Errorf("CHAMICORE_OPSGATE_ALLOWED_PATHS entry %q is not absolute", path)
		}
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		switch strings.ToLower(value) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		default:
			return defaultVal
		}
	}
	return parsed
}

func envPositiveDuration(key string, defaultVal time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultVal
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return defaultVal
	}
	return parsed
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	items := make([]string, 0)
	for _, piece := range strings.Split(raw, ",") {
		normalized := strings.TrimSpace(piece)
		if normalized == "" {
			continue
		}
		items = append(items, normalized)
	}
	return items
}
