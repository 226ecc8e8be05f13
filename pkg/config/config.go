package config

import "os"

// Config holds process bootstrap configuration for the operator control
// plane: listen addresses, the event bus URL, and the secrets the keyring
// and JWT validator are derived from. This is distinct from the config
// registry (pkg/configreg), which governs safety-classed trading
// parameters at runtime and can be changed without a restart.
type Config struct {
	ListenAddr string
	HealthAddr string
	LogLevel   string
	NatsURL    string // empty means Lite Mode: in-process bus, no JetStream
	OpsSecret  string
	JWTSecret  string // empty disables bearer-token auth
	DatabaseURL string // postgres DSN; empty falls back to SQLitePath, then in-memory
	SQLitePath  string // embedded-mode file path, used only when DatabaseURL is empty
}

// Load loads configuration from environment variables.
func Load() *Config {
	listenAddr := os.Getenv("OPCTL_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	healthAddr := os.Getenv("OPCTL_HEALTH_ADDR")
	if healthAddr == "" {
		healthAddr = ":8081"
	}

	logLevel := os.Getenv("OPCTL_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	opsSecret := os.Getenv("OPCTL_OPS_SECRET")
	if opsSecret == "" {
		opsSecret = "dev-only-insecure-ops-secret"
	}

	return &Config{
		ListenAddr:  listenAddr,
		HealthAddr:  healthAddr,
		LogLevel:    logLevel,
		NatsURL:     os.Getenv("OPCTL_NATS_URL"),
		OpsSecret:   opsSecret,
		JWTSecret:   os.Getenv("OPCTL_JWT_SECRET"),
		DatabaseURL: os.Getenv("OPCTL_DATABASE_URL"),
		SQLitePath:  os.Getenv("OPCTL_SQLITE_PATH"),
	}
}
