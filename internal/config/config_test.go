package config_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"github.com/cryslith/cherry/internal/config"
)

func testEncodedKey(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test RSA key: %v", err)
	}

	der := x509.MarshalPKCS1PrivateKey(key)
	block := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})

	return base64.StdEncoding.EncodeToString(block)
}

func setRequiredEnv(t *testing.T) {
	t.Helper()

	t.Setenv("GITHUB_APP_PRIVATE_KEY", testEncodedKey(t))
	t.Setenv("GITHUB_APP_ID", "12345")
	t.Setenv("DATABASE_ADDRESS", "postgres://localhost/cherry")
	t.Setenv("CHERRY_WEBHOOK_SECRET", "shh")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BindAddress != "127.0.0.1:8080" {
		t.Errorf("BindAddress = %q, want default", cfg.BindAddress)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}

	if cfg.HTTPTimeout.Seconds() != 30 {
		t.Errorf("HTTPTimeout = %v, want 30s", cfg.HTTPTimeout)
	}

	if cfg.Credentials.AppID != "12345" {
		t.Errorf("AppID = %q, want 12345", cfg.Credentials.AppID)
	}
}

func TestLoadMissingRequiredVars(t *testing.T) {
	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error when required variables are unset")
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHERRY_LOG_LEVEL", "verbose")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}

func TestLoadInvalidHTTPTimeout(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHERRY_HTTP_TIMEOUT", "not-a-duration")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error for an unparseable timeout")
	}
}

func TestLoadMalformedPrivateKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GITHUB_APP_PRIVATE_KEY", base64.StdEncoding.EncodeToString([]byte("not a pem block")))

	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error for a malformed private key")
	}
}
