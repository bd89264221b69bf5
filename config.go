package tokenpool

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names read by ConfigFromEnv.
const (
	// EnvDatabaseURL holds the Postgres connection URL. Required.
	EnvDatabaseURL = "DATABASE_URL"

	// EnvHTTPHost holds the listen host. Optional.
	EnvHTTPHost = "HTTP_HOST"

	// EnvHTTPPort holds the listen port. Optional.
	EnvHTTPPort = "HTTP_PORT"

	// EnvSecretKey holds the deployment secret. Optional; carried for
	// the deployment contract, the API itself is unauthenticated.
	EnvSecretKey = "SECRET_KEY"
)

// Config is the environment-derived configuration for a System.
type Config struct {
	// DatabaseURL is the Postgres connection URL.
	DatabaseURL string

	// HTTPHost is the listen host; empty selects DefaultHTTPHost.
	HTTPHost string

	// HTTPPort is the listen port; zero selects DefaultHTTPPort.
	HTTPPort int

	// SecretKey is the deployment secret, if any.
	SecretKey string
}

// ConfigFromEnv reads the configuration from the process environment.
// Fails when DATABASE_URL is missing or HTTP_PORT is not a valid port;
// everything else falls back to defaults.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		DatabaseURL: os.Getenv(EnvDatabaseURL),
		HTTPHost:    os.Getenv(EnvHTTPHost),
		SecretKey:   os.Getenv(EnvSecretKey),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s must be set", EnvDatabaseURL)
	}

	if raw := os.Getenv(EnvHTTPPort); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("%s must be a valid port, got %q", EnvHTTPPort, raw)
		}
		cfg.HTTPPort = port
	}
	return cfg, nil
}

// Options converts the Config into the corresponding Option list,
// skipping unset optional fields so defaults apply.
func (c Config) Options() []Option {
	opts := []Option{WithDatabaseURL(c.DatabaseURL)}
	if c.HTTPHost != "" {
		opts = append(opts, WithHTTPHost(c.HTTPHost))
	}
	if c.HTTPPort != 0 {
		opts = append(opts, WithHTTPPort(c.HTTPPort))
	}
	return opts
}
