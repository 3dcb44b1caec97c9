package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "RUNNOTE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "runnote.db"
	defaultLogLevel     = "info"
	defaultBaseURL      = "http://localhost:8080"
	defaultCookieName   = "runnote_session"
	defaultSessionTTL   = 7 * 24 * time.Hour
	defaultSyncDelayMS  = 250
)

// AppConfig captures runtime configuration for the API server. It is built
// once at process start and handed to each component's constructor; nothing
// reads environment state after Load returns.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	BaseURL            string
	StravaClientID     string
	StravaClientSecret string
	StravaRedirectURL  string
	WebhookVerifyToken string
	SessionSigningKey  string
	SessionCookieName  string
	SessionTTL         time.Duration
	SyncItemDelay      time.Duration
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
	configViper.SetDefault("app.base_url", defaultBaseURL)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl_hours", int(defaultSessionTTL/time.Hour))
	configViper.SetDefault("sync.item_delay_ms", defaultSyncDelayMS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		BaseURL:            configViper.GetString("app.base_url"),
		StravaClientID:     configViper.GetString("strava.client_id"),
		StravaClientSecret: configViper.GetString("strava.client_secret"),
		StravaRedirectURL:  configViper.GetString("strava.redirect_url"),
		WebhookVerifyToken: configViper.GetString("strava.verify_token"),
		SessionSigningKey:  configViper.GetString("session.signing_secret"),
		SessionCookieName:  configViper.GetString("session.cookie_name"),
		SessionTTL:         time.Duration(configViper.GetInt("session.ttl_hours")) * time.Hour,
		SyncItemDelay:      time.Duration(configViper.GetInt("sync.item_delay_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.StravaClientID) == "" {
		return fmt.Errorf("strava.client_id is required")
	}
	if strings.TrimSpace(c.StravaClientSecret) == "" {
		return fmt.Errorf("strava.client_secret is required")
	}
	if strings.TrimSpace(c.StravaRedirectURL) == "" {
		return fmt.Errorf("strava.redirect_url is required")
	}
	if strings.TrimSpace(c.WebhookVerifyToken) == "" {
		return fmt.Errorf("strava.verify_token is required")
	}
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
