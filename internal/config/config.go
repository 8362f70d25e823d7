// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package config loads service configuration. Precedence, lowest to
// highest: built-in defaults, a YAML config file, command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config is the full service configuration.
type Config struct {
	Listen   string        `koanf:"listen"`
	BaseURL  string        `koanf:"base_url"`
	Database DatabaseConf  `koanf:"database"`
	Sessions SessionsConf  `koanf:"sessions"`
	Tokens   TokensConf    `koanf:"tokens"`
	Policy   PolicyConf    `koanf:"policy"`
	Email    EmailConf     `koanf:"email"`
	OAuth    OAuthConf     `koanf:"oauth"`
	Log      LogConf       `koanf:"log"`
	Metrics  MetricsConf   `koanf:"metrics"`
	Sweep    time.Duration `koanf:"sweep_interval"`
}

// DatabaseConf controls the PostgreSQL connection.
type DatabaseConf struct {
	URL             string        `koanf:"url"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	MaxConnIdleTime time.Duration `koanf:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// SessionsConf controls session issuance.
type SessionsConf struct {
	IdleTTL      time.Duration `koanf:"idle_ttl"`
	CookieName   string        `koanf:"cookie_name"`
	CookieSecure bool          `koanf:"cookie_secure"`
}

// TokensConf controls verification token lifetimes.
type TokensConf struct {
	VerifyTTL time.Duration `koanf:"verify_ttl"`
	ResetTTL  time.Duration `koanf:"reset_ttl"`
}

// PolicyConf controls sign-in policy.
type PolicyConf struct {
	RequireVerifiedEmail        bool `koanf:"require_verified_email"`
	AutoSignInAfterVerification bool `koanf:"auto_sign_in_after_verification"`
}

// EmailConf controls the outbound email collaborator.
type EmailConf struct {
	// Endpoint is the webhook that accepts send requests. Empty means
	// log-only delivery.
	Endpoint string        `koanf:"endpoint"`
	Timeout  time.Duration `koanf:"timeout"`
}

// OAuthConf holds per-provider credentials.
type OAuthConf struct {
	Google OAuthProviderConf `koanf:"google"`
}

// OAuthProviderConf holds one provider's client credentials.
type OAuthProviderConf struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	RedirectURL  string `koanf:"redirect_url"`
}

// LogConf controls logging output.
type LogConf struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConf controls the observability listener.
type MetricsConf struct {
	Listen string `koanf:"listen"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:  ":8080",
		BaseURL: "http://localhost:8080",
		Database: DatabaseConf{
			MaxConns:        20,
			MinConns:        5,
			MaxConnIdleTime: 30 * time.Second,
			ConnectTimeout:  5 * time.Second,
			AutoMigrate:     true,
		},
		Sessions: SessionsConf{
			IdleTTL:      24 * time.Hour,
			CookieName:   "keyfold_session",
			CookieSecure: true,
		},
		Tokens: TokensConf{
			VerifyTTL: 24 * time.Hour,
			ResetTTL:  time.Hour,
		},
		Policy: PolicyConf{
			RequireVerifiedEmail:        true,
			AutoSignInAfterVerification: true,
		},
		Email: EmailConf{
			Timeout: 10 * time.Second,
		},
		Log: LogConf{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConf{
			Listen: ":9090",
		},
		Sweep: time.Hour,
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// command-line flags. A missing path is an error only when explicitly set.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, oops.Code("CONFIG_FILE_MISSING").
				With("path", path).
				Wrap(err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_FILE_INVALID").
				With("path", path).
				Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS_INVALID").Wrap(err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_UNMARSHAL_FAILED").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if c.Sessions.IdleTTL <= 0 {
		errs = append(errs, fmt.Errorf("sessions.idle_ttl must be positive, got %s", c.Sessions.IdleTTL))
	}
	if c.Tokens.VerifyTTL <= 0 {
		errs = append(errs, fmt.Errorf("tokens.verify_ttl must be positive, got %s", c.Tokens.VerifyTTL))
	}
	if c.Tokens.ResetTTL <= 0 {
		errs = append(errs, fmt.Errorf("tokens.reset_ttl must be positive, got %s", c.Tokens.ResetTTL))
	}
	if len(errs) > 0 {
		return oops.Code("CONFIG_INVALID").Wrap(errors.Join(errs...))
	}
	return nil
}

// OAuthEnabled reports whether any provider has credentials configured.
func (c *Config) OAuthEnabled() bool {
	return c.OAuth.Google.ClientID != "" && c.OAuth.Google.ClientSecret != ""
}
