package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "PATRONEK"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "patronek.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "patronek_session"
	defaultSessionIssuer  = "patronek-auth"
	defaultRetryAttempts  = 3
	defaultRetryBaseMs    = 100
	defaultStatementLimit = 5 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration
	StatementTimeout     time.Duration
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
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("retry.max_attempts", defaultRetryAttempts)
	configViper.SetDefault("retry.base_delay_ms", defaultRetryBaseMs)
	configViper.SetDefault("database.statement_timeout", defaultStatementLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		RetryMaxAttempts:     configViper.GetInt("retry.max_attempts"),
		RetryBaseDelay:       time.Duration(configViper.GetInt("retry.base_delay_ms")) * time.Millisecond,
		StatementTimeout:     configViper.GetDuration("database.statement_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay_ms must be positive")
	}
	if c.StatementTimeout <= 0 {
		return fmt.Errorf("database.statement_timeout must be positive")
	}
	return nil
}
