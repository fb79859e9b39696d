package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	HTTPAddr       string     // "127.0.0.1:8080"
	ExternalURL    string     // public base URL, used in OAuth metadata
	DBPath         string     // sqlite file path
	AgeKeyPath     string     // path to age identity file
	SigningKeyPath string     // path to RSA signing key (anonymous auth)
	ConfigFile     string     // path to taskgate.yaml
	OAuthIssuer    string     // remote OAuth issuer; empty disables verification
	AnonAuth       bool       // self-issued anonymous OAuth
	InternalToken  string     // bearer token for /internal endpoints
	VaultURL       string     // external vault base URL
	VaultToken     string     // external vault bearer token
	LogLevel       slog.Level // slog level
}

// defaultDataPath returns ~/.taskgate/<filename>, falling back to a
// CWD-relative path if the home directory can't be resolved.
func defaultDataPath(filename string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filename
	}
	return filepath.Join(home, ".taskgate", filename)
}

func loadConfig() *Config {
	addr := envOr("TASKGATE_HTTP_ADDR", "127.0.0.1:8080")
	return &Config{
		HTTPAddr:       addr,
		ExternalURL:    envOr("TASKGATE_EXTERNAL_URL", "http://"+addr),
		DBPath:         envOr("TASKGATE_DB_PATH", defaultDataPath("taskgate.db")),
		AgeKeyPath:     envOr("TASKGATE_AGE_KEY", defaultDataPath("age.key")),
		SigningKeyPath: envOr("TASKGATE_SIGNING_KEY", defaultDataPath("signing.pem")),
		ConfigFile:     envOr("TASKGATE_CONFIG", defaultDataPath("taskgate.yaml")),
		OAuthIssuer:    envOr("TASKGATE_OAUTH_ISSUER", ""),
		AnonAuth:       envOr("TASKGATE_ANON_AUTH", "") == "true",
		InternalToken:  envOr("TASKGATE_INTERNAL_TOKEN", ""),
		VaultURL:       envOr("TASKGATE_VAULT_URL", ""),
		VaultToken:     envOr("TASKGATE_VAULT_TOKEN", ""),
		LogLevel:       parseLogLevel(envOr("TASKGATE_LOG_LEVEL", "info")),
	}
}

// applyFlags parses --key=value flags from the args list.
func applyFlags(cfg *Config, args []string) {
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--addr="):
			cfg.HTTPAddr = strings.TrimPrefix(arg, "--addr=")
		case strings.HasPrefix(arg, "--db="):
			cfg.DBPath = strings.TrimPrefix(arg, "--db=")
		case strings.HasPrefix(arg, "--config="):
			cfg.ConfigFile = strings.TrimPrefix(arg, "--config=")
		case arg == "--anon-auth":
			cfg.AnonAuth = true
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
