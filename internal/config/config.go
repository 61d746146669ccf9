// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrSecretKeyMissing is returned when MYDATAPANEL_SECRET_KEY is unset.
var ErrSecretKeyMissing = errors.New("MYDATAPANEL_SECRET_KEY is required (generate one with `datapanelctl keygen`)")

// OAuthClient is one provider's app registration.
type OAuthClient struct {
	ID          string
	Secret      string
	CallbackURL string
}

// Enabled reports whether the registration is complete enough to use.
func (c OAuthClient) Enabled() bool {
	return c.ID != "" && c.Secret != ""
}

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string

	// SecretKey is the base64 encoded 32 byte key sealing database passwords.
	SecretKey string

	ProviderTimeout   time.Duration
	ClientTTL         time.Duration
	SessionTTL        time.Duration
	CookieSecure      bool
	DBPoolMaxConns    int32
	DBPoolIdleTimeout time.Duration

	Google   OAuthClient
	Facebook OAuthClient
	Twitter  OAuthClient
}

// Load reads configuration from environment variables and returns a validated Config.
// MYDATAPANEL_SECRET_KEY is required. Optional variables with defaults:
// MYDATAPANEL_LISTEN_ADDR (127.0.0.1:8080), MYDATAPANEL_DB_PATH (mydatapanel.db),
// MYDATAPANEL_PROVIDER_TIMEOUT (5s), MYDATAPANEL_CLIENT_TTL (2m),
// MYDATAPANEL_SESSION_TTL (24h), MYDATAPANEL_DB_POOL_MAX_CONNS (10),
// MYDATAPANEL_DB_POOL_IDLE_TIMEOUT (30s), MYDATAPANEL_COOKIE_SECURE (false).
// A provider whose client id or secret is unset is disabled.
func Load() (*Config, error) {
	secretKey := os.Getenv("MYDATAPANEL_SECRET_KEY")
	if secretKey == "" {
		return nil, ErrSecretKeyMissing
	}

	cfg := &Config{
		ListenAddr: envOr("MYDATAPANEL_LISTEN_ADDR", "127.0.0.1:8080"),
		DBPath:     envOr("MYDATAPANEL_DB_PATH", "mydatapanel.db"),
		SecretKey:  secretKey,
		Google:     oauthClient("GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_CALLBACK_URL"),
		Facebook:   oauthClient("FACEBOOK_CLIENT_ID", "FACEBOOK_CLIENT_SECRET", "FACEBOOK_CALLBACK_URL"),
		Twitter:    oauthClient("TWITTER_CONSUMER_KEY", "TWITTER_CONSUMER_SECRET", "TWITTER_CALLBACK_URL"),
	}

	var err error
	if cfg.ProviderTimeout, err = durationEnv("MYDATAPANEL_PROVIDER_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ClientTTL, err = durationEnv("MYDATAPANEL_CLIENT_TTL", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = durationEnv("MYDATAPANEL_SESSION_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.DBPoolIdleTimeout, err = durationEnv("MYDATAPANEL_DB_POOL_IDLE_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}

	cfg.DBPoolMaxConns = 10
	if v, ok := os.LookupEnv("MYDATAPANEL_DB_POOL_MAX_CONNS"); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("MYDATAPANEL_DB_POOL_MAX_CONNS must be a positive integer, got %q", v)
		}
		cfg.DBPoolMaxConns = int32(n)
	}

	if v, ok := os.LookupEnv("MYDATAPANEL_COOKIE_SECURE"); ok {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("MYDATAPANEL_COOKIE_SECURE has invalid boolean %q: %w", v, err)
		}
		cfg.CookieSecure = secure
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, parsed)
	}
	return parsed, nil
}

func oauthClient(idKey, secretKey, callbackKey string) OAuthClient {
	return OAuthClient{
		ID:          os.Getenv("MYDATAPANEL_" + idKey),
		Secret:      os.Getenv("MYDATAPANEL_" + secretKey),
		CallbackURL: os.Getenv("MYDATAPANEL_" + callbackKey),
	}
}
