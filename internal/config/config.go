package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "TALLY"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "tally.db"
	defaultLogLevel          = "info"
	defaultAuthIssuer        = "tally-auth"
	defaultAuthAudience      = "tally-api"
	defaultTokenTTLMinutes   = 60 * 24
	defaultClaimTTLMillis    = 10_000
	defaultToleranceMillis   = 1_000
	defaultServerURL         = "http://127.0.0.1:8080"
	defaultClientDatabase    = "tally-client.db"
	defaultDrainConcurrency  = 4
	defaultDrainIntervalSecs = 30
	defaultPullPageSize      = 100
	defaultRequestsPerSecond = 10
	defaultFeedBufferSize    = 256
	defaultMaxAttempts       = 25
	defaultBackoffBaseMillis = 1_000
	defaultBackoffMaxSecs    = 600
	defaultRequestTimeoutSec = 15
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	AuthIssuer       string
	AuthAudience     string
	TokenTTL         time.Duration
	RedisAddress     string
	ClaimTTL         time.Duration
	ContentTolerance time.Duration
	RequireUUIDv7    bool
}

// ClientConfig captures runtime configuration for the sync client.
type ClientConfig struct {
	ServerURL         string
	DatabasePath      string
	Token             string
	LogLevel          string
	DrainConcurrency  int
	SyncInterval      time.Duration
	PullPageSize      int
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	FeedBufferSize    int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ContentTolerance  time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("dedup.claim_ttl_ms", defaultClaimTTLMillis)
	configViper.SetDefault("dedup.tolerance_ms", defaultToleranceMillis)
	configViper.SetDefault("dedup.require_uuidv7", false)

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("client.database_path", defaultClientDatabase)
	configViper.SetDefault("drain.concurrency", defaultDrainConcurrency)
	configViper.SetDefault("drain.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("drain.backoff_base_ms", defaultBackoffBaseMillis)
	configViper.SetDefault("drain.backoff_max_s", defaultBackoffMaxSecs)
	configViper.SetDefault("drain.interval_s", defaultDrainIntervalSecs)
	configViper.SetDefault("pull.page_size", defaultPullPageSize)
	configViper.SetDefault("client.requests_per_second", defaultRequestsPerSecond)
	configViper.SetDefault("client.request_timeout_s", defaultRequestTimeoutSec)
	configViper.SetDefault("feed.buffer_size", defaultFeedBufferSize)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		AuthIssuer:       configViper.GetString("auth.issuer"),
		AuthAudience:     configViper.GetString("auth.audience"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RedisAddress:     configViper.GetString("redis.address"),
		ClaimTTL:         time.Duration(configViper.GetInt("dedup.claim_ttl_ms")) * time.Millisecond,
		ContentTolerance: time.Duration(configViper.GetInt("dedup.tolerance_ms")) * time.Millisecond,
		RequireUUIDv7:    configViper.GetBool("dedup.require_uuidv7"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("dedup.claim_ttl_ms must be positive")
	}
	if c.ContentTolerance <= 0 {
		return fmt.Errorf("dedup.tolerance_ms must be positive")
	}
	return nil
}

// LoadClient parses sync client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:         strings.TrimRight(configViper.GetString("server.url"), "/"),
		DatabasePath:      configViper.GetString("client.database_path"),
		Token:             configViper.GetString("client.token"),
		LogLevel:          configViper.GetString("log.level"),
		DrainConcurrency:  configViper.GetInt("drain.concurrency"),
		SyncInterval:      time.Duration(configViper.GetInt("drain.interval_s")) * time.Second,
		PullPageSize:      configViper.GetInt("pull.page_size"),
		RequestsPerSecond: configViper.GetFloat64("client.requests_per_second"),
		RequestTimeout:    time.Duration(configViper.GetInt("client.request_timeout_s")) * time.Second,
		FeedBufferSize:    configViper.GetInt("feed.buffer_size"),
		MaxAttempts:       configViper.GetInt("drain.max_attempts"),
		BackoffBase:       time.Duration(configViper.GetInt("drain.backoff_base_ms")) * time.Millisecond,
		BackoffMax:        time.Duration(configViper.GetInt("drain.backoff_max_s")) * time.Second,
		ContentTolerance:  time.Duration(configViper.GetInt("dedup.tolerance_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server.url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("client.database_path is required")
	}
	if c.DrainConcurrency <= 0 {
		return fmt.Errorf("drain.concurrency must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("drain.max_attempts must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("drain.backoff_base_ms must be positive and not exceed drain.backoff_max_s")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("drain.interval_s must be positive")
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("client.requests_per_second must be positive")
	}
	if c.FeedBufferSize <= 0 {
		return fmt.Errorf("feed.buffer_size must be positive")
	}
	return nil
}
