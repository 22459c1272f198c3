// Package config loads process configuration from the environment,
// validating required variables and applying defaults for the rest.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/cryslith/cherry/internal/ghclient"
)

// Config holds all configuration needed to run the bot.
type Config struct {
	Credentials   ghclient.Credentials
	BindAddress   string
	DatabaseURL   string
	WebhookSecret string
	LogLevel      string
	HTTPTimeout   time.Duration
}

// Load reads configuration from the environment, loading a `.env` file
// first if one is present (never required). Required variables missing
// from the environment are all reported together.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BindAddress: envOrDefault("BIND_ADDRESS", "127.0.0.1:8080"),
		LogLevel:    envOrDefault("CHERRY_LOG_LEVEL", "info"),
	}

	var missing []string

	privateKeyB64 := os.Getenv("GITHUB_APP_PRIVATE_KEY")
	if privateKeyB64 == "" {
		missing = append(missing, "GITHUB_APP_PRIVATE_KEY")
	}

	appID := os.Getenv("GITHUB_APP_ID")
	if appID == "" {
		missing = append(missing, "GITHUB_APP_ID")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_ADDRESS")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_ADDRESS")
	}

	cfg.WebhookSecret = os.Getenv("CHERRY_WEBHOOK_SECRET")
	if cfg.WebhookSecret == "" {
		missing = append(missing, "CHERRY_WEBHOOK_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	privateKey, err := parsePrivateKey(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("GITHUB_APP_PRIVATE_KEY: %w", err)
	}

	cfg.Credentials = ghclient.Credentials{AppID: appID, PrivateKey: privateKey}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("CHERRY_LOG_LEVEL: invalid value %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	cfg.HTTPTimeout, err = parseDurationOrDefault("CHERRY_HTTP_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return defaultVal
}

func parseDurationOrDefault(envKey string, defaultVal time.Duration) (time.Duration, error) {
	s := os.Getenv(envKey)
	if s == "" {
		return defaultVal, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", envKey, s, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive, got %v", envKey, d)
	}

	return d, nil
}

// parsePrivateKey decodes a base64-encoded RSA PEM block, as delivered by
// the GitHub App setup flow.
func parsePrivateKey(encoded string) (*rsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}

	block, _ := pem.Decode(der)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}

	return rsaKey, nil
}
