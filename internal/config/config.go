package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "COURSEWORK"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultStoreBackend         = StoreBackendSQLite
	defaultDatabasePath         = "coursework.db"
	defaultBoltPath             = "coursework.bolt"
	defaultRedisAddress         = "127.0.0.1:6379"
	defaultLogLevel             = "info"
	defaultCookieName           = "coursework_session"
	defaultAuthIssuer           = "coursework-auth"
	defaultTokenTTL             = time.Hour
	defaultTranscriptionTTL     = 24 * time.Hour
	defaultTranscriptionSweep   = 10 * time.Minute
	defaultAllowedOrigin        = "*"
	StoreBackendMemory          = "memory"
	StoreBackendBolt            = "bolt"
	StoreBackendSQLite          = "sqlite"
	StoreBackendRedis           = "redis"
	transcriptionSweepFloor     = time.Second
	redisDatabaseUpperExclusive = 16
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string

	StoreBackend  string
	DatabasePath  string
	BoltPath      string
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	AuthSigningSecret string
	AuthCookieName    string
	AuthIssuer        string
	AuthTokenTTL      time.Duration

	TranscriptionTTL           time.Duration
	TranscriptionSweepInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("store.bolt_path", defaultBoltPath)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("transcriptions.ttl", defaultTranscriptionTTL)
	configViper.SetDefault("transcriptions.sweep_interval", defaultTranscriptionSweep)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:                configViper.GetString("http.address"),
		AllowedOrigins:             configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:                   configViper.GetString("log.level"),
		StoreBackend:               strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		DatabasePath:               configViper.GetString("database.path"),
		BoltPath:                   configViper.GetString("store.bolt_path"),
		RedisAddress:               configViper.GetString("redis.address"),
		RedisPassword:              configViper.GetString("redis.password"),
		RedisDB:                    configViper.GetInt("redis.db"),
		AuthSigningSecret:          configViper.GetString("auth.signing_secret"),
		AuthCookieName:             configViper.GetString("auth.cookie_name"),
		AuthIssuer:                 configViper.GetString("auth.issuer"),
		AuthTokenTTL:               configViper.GetDuration("auth.token_ttl"),
		TranscriptionTTL:           configViper.GetDuration("transcriptions.ttl"),
		TranscriptionSweepInterval: configViper.GetDuration("transcriptions.sweep_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.StoreBackend {
	case StoreBackendMemory:
	case StoreBackendBolt:
		if strings.TrimSpace(c.BoltPath) == "" {
			return fmt.Errorf("store.bolt_path is required for the bolt backend")
		}
	case StoreBackendSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	case StoreBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis backend")
		}
		if c.RedisDB < 0 || c.RedisDB >= redisDatabaseUpperExclusive {
			return fmt.Errorf("redis.db must be between 0 and %d", redisDatabaseUpperExclusive-1)
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, bolt, sqlite, redis", c.StoreBackend)
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.TranscriptionTTL <= 0 {
		return fmt.Errorf("transcriptions.ttl must be positive")
	}
	if c.TranscriptionSweepInterval < transcriptionSweepFloor {
		return fmt.Errorf("transcriptions.sweep_interval must be at least %s", transcriptionSweepFloor)
	}
	return nil
}
