// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

// Package config loads and validates the gateway configuration from
// defaults, an optional YAML file and environment variables, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/floragate/floragate/internal/mail"
	"github.com/floragate/floragate/internal/models"
)

// Config is the full gateway configuration.
type Config struct {
	Server   ServerConfig    `koanf:"server"`
	Broker   BrokerConfig    `koanf:"broker"`
	Database DatabaseConfig  `koanf:"database"`
	Security SecurityConfig  `koanf:"security"`
	Dispatch DispatchConfig  `koanf:"dispatch"`
	SMTP     mail.SMTPConfig `koanf:"smtp"`
	Logging  LoggingConfig   `koanf:"logging"`
	Users    []UserEntry     `koanf:"users"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// BrokerConfig configures the telemetry broker connection. When
// Embedded is set the gateway runs its own in-process broker and URL
// is ignored.
type BrokerConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
}

// DatabaseConfig holds storage paths. Empty paths select in-memory
// stores, useful for development.
type DatabaseConfig struct {
	TelemetryPath string `koanf:"telemetry_path"`
	RulesPath     string `koanf:"rules_path"`
}

// SecurityConfig holds auth and credential-protection settings.
type SecurityConfig struct {
	// JWTSecret signs API tokens. Required outside development.
	JWTSecret string `koanf:"jwt_secret"`

	// CredentialKey derives the AES key protecting stored broker
	// secrets. Required when any user entry carries an encrypted secret.
	CredentialKey string `koanf:"credential_key"`

	TokenTTL time.Duration `koanf:"token_ttl"`
}

// DispatchConfig bounds outbound command publishing per user.
type DispatchConfig struct {
	RateLimit          float64       `koanf:"rate_limit" validate:"gt=0"`
	Burst              int           `koanf:"burst" validate:"min=1"`
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures" validate:"min=1"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// UserEntry is one tenant in the static user directory. Secret may be
// plaintext or an "enc:" ciphertext produced by the credential
// encryptor.
type UserEntry struct {
	ID       string `koanf:"id" validate:"required"`
	Email    string `koanf:"email" validate:"omitempty,email"`
	Username string `koanf:"username" validate:"required"`
	Secret   string `koanf:"secret" validate:"required"`

	// Topics are subscribed automatically at startup.
	Topics []string `koanf:"topics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8086,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Broker: BrokerConfig{
			URL:      "nats://127.0.0.1:4222",
			Embedded: false,
			Host:     "127.0.0.1",
			Port:     4222,
		},
		Database: DatabaseConfig{
			TelemetryPath: "/data/floragate.duckdb",
			RulesPath:     "/data/rules",
		},
		Security: SecurityConfig{
			TokenTTL: 24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			RateLimit:          5,
			Burst:              10,
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
		},
		SMTP: mail.SMTPConfig{
			Port: 587,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration and decrypts user secrets in
// place. It returns a joined error naming every invalid field.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Users))
	for _, u := range c.Users {
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("invalid configuration: duplicate user id %q", u.ID)
		}
		seen[u.ID] = struct{}{}
	}

	if c.needsDecryption() && c.Security.CredentialKey == "" {
		return fmt.Errorf("invalid configuration: encrypted user secrets require security.credential_key")
	}
	return nil
}

func (c *Config) needsDecryption() bool {
	for _, u := range c.Users {
		if strings.HasPrefix(u.Secret, encPrefix) {
			return true
		}
	}
	return false
}

// ResolveUsers decrypts any encrypted secrets and converts the static
// directory to model users.
func (c *Config) ResolveUsers() ([]models.User, error) {
	var enc *Encryptor
	if c.needsDecryption() {
		var err error
		enc, err = NewEncryptor(c.Security.CredentialKey)
		if err != nil {
			return nil, err
		}
	}

	users := make([]models.User, 0, len(c.Users))
	for _, u := range c.Users {
		secret := u.Secret
		if strings.HasPrefix(secret, encPrefix) {
			plain, err := enc.Decrypt(secret)
			if err != nil {
				return nil, fmt.Errorf("decrypt secret for user %s: %w", u.ID, err)
			}
			secret = plain
		}
		users = append(users, models.User{
			ID:    u.ID,
			Email: u.Email,
			Credential: models.Credential{
				Username: u.Username,
				Secret:   secret,
			},
		})
	}
	return users, nil
}
