package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CODEVAULT"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "codevault.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultTokenTTLMinutes = 60
	defaultResetTTLMinutes = 60
	defaultBcryptCost      = 12
	defaultGoogleJWKSURL   = "https://www.googleapis.com/oauth2/v3/certs"
	defaultAppOrigin       = "http://localhost:5173"
	defaultAllowedOrigins  = "*"
	defaultPrefsPath       = "codevault-prefs.yaml"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	SigningSecret      string
	TokenTTL           time.Duration
	ResetTTL           time.Duration
	BcryptCost         int
	GoogleClientID     string
	GoogleJWKSURL      string
	GitHubClientID     string
	GitHubClientSecret string
	GitHubCallbackURL  string
	AppOrigin          string
	AllowedOrigins     []string
	PrefsPath          string
}

// GoogleEnabled reports whether Google sign-in is configured.
func (c AppConfig) GoogleEnabled() bool {
	return c.GoogleClientID != ""
}

// GitHubEnabled reports whether GitHub sign-in is configured.
func (c AppConfig) GitHubEnabled() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != ""
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.reset_ttl_minutes", defaultResetTTLMinutes)
	configViper.SetDefault("auth.bcrypt_cost", defaultBcryptCost)
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("app.origin", defaultAppOrigin)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("prefs.path", defaultPrefsPath)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		ResetTTL:           time.Duration(configViper.GetInt("auth.reset_ttl_minutes")) * time.Minute,
		BcryptCost:         configViper.GetInt("auth.bcrypt_cost"),
		GoogleClientID:     strings.TrimSpace(configViper.GetString("google.client_id")),
		GoogleJWKSURL:      configViper.GetString("google.jwks_url"),
		GitHubClientID:     strings.TrimSpace(configViper.GetString("github.client_id")),
		GitHubClientSecret: configViper.GetString("github.client_secret"),
		GitHubCallbackURL:  configViper.GetString("github.callback_url"),
		AppOrigin:          strings.TrimRight(configViper.GetString("app.origin"), "/"),
		AllowedOrigins:     splitList(configViper.GetString("cors.allowed_origins")),
		PrefsPath:          configViper.GetString("prefs.path"),
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
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be between 4 and 31")
	}
	if c.GitHubClientID != "" && strings.TrimSpace(c.GitHubCallbackURL) == "" {
		return fmt.Errorf("github.callback_url is required when github.client_id is set")
	}
	if strings.TrimSpace(c.AppOrigin) == "" {
		return fmt.Errorf("app.origin is required")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
