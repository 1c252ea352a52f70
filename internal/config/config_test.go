package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.StoreBackend != StoreBackendSQLite || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected store defaults: %+v", cfg)
	}
	if cfg.TranscriptionTTL != 24*time.Hour || cfg.TranscriptionSweepInterval != 10*time.Minute {
		t.Fatalf("unexpected transcription defaults: %s / %s", cfg.TranscriptionTTL, cfg.TranscriptionSweepInterval)
	}
	if cfg.AuthCookieName != defaultCookieName || cfg.AuthIssuer != defaultAuthIssuer {
		t.Fatalf("unexpected auth defaults: %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("COURSEWORK_AUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("COURSEWORK_STORE_BACKEND", "Redis")
	t.Setenv("COURSEWORK_REDIS_ADDRESS", "cache:6379")
	t.Setenv("COURSEWORK_TRANSCRIPTIONS_TTL", "2h")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AuthSigningSecret != "env-secret" || cfg.StoreBackend != StoreBackendRedis || cfg.RedisAddress != "cache:6379" {
		t.Fatalf("environment not applied: %+v", cfg)
	}
	if cfg.TranscriptionTTL != 2*time.Hour {
		t.Fatalf("unexpected ttl %s", cfg.TranscriptionTTL)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name    string
		values  map[string]any
		message string
	}{
		{name: "secret", values: map[string]any{}, message: "auth.signing_secret"},
		{name: "backend", values: map[string]any{"auth.signing_secret": "s", "store.backend": "postgres"}, message: "store.backend"},
		{name: "bolt path", values: map[string]any{"auth.signing_secret": "s", "store.backend": "bolt", "store.bolt_path": " "}, message: "store.bolt_path"},
		{name: "redis db", values: map[string]any{"auth.signing_secret": "s", "store.backend": "redis", "redis.db": 42}, message: "redis.db"},
		{name: "ttl", values: map[string]any{"auth.signing_secret": "s", "transcriptions.ttl": "0s"}, message: "transcriptions.ttl"},
		{name: "sweep", values: map[string]any{"auth.signing_secret": "s", "transcriptions.sweep_interval": "10ms"}, message: "transcriptions.sweep_interval"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}
