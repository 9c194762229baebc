// Package config loads application configuration from an optional YAML file
// plus CERTCLAIM_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Claim    ClaimConfig    `koanf:"claim"`
	Assets   AssetsConfig   `koanf:"assets"`
	Auth     AuthConfig     `koanf:"auth"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	Mode string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	Host        string `koanf:"host"`
	Port        string `koanf:"port"`
	User        string `koanf:"user"`
	Password    string `koanf:"password"`
	Name        string `koanf:"name"`
	SSLMode     string `koanf:"sslmode"`
	AutoMigrate bool   `koanf:"auto_migrate"`
}

type ClaimConfig struct {
	// Window is how long after an event ends that claims are accepted.
	Window time.Duration `koanf:"window"`
}

type AssetsConfig struct {
	Dir     string `koanf:"dir"`
	BaseURL string `koanf:"base_url"`
}

type AuthConfig struct {
	// JWTSecret verifies HS256 tokens minted by the identity provider.
	JWTSecret string `koanf:"jwt_secret"`
}

// DSN builds a libpq-compatible connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Validate rejects configurations the server cannot safely start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}
	if strings.TrimSpace(c.Database.Name) == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Claim.Window <= 0 {
		return fmt.Errorf("claim.window must be > 0")
	}
	if strings.TrimSpace(c.Assets.Dir) == "" {
		return fmt.Errorf("assets.dir is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

// Load parses config from defaults, then an optional YAML file, then env
// vars, and validates the result.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.host":           "0.0.0.0",
		"server.port":           8080,
		"server.mode":           "release",
		"database.host":         "localhost",
		"database.port":         "5432",
		"database.user":         "postgres",
		"database.password":     "postgres",
		"database.name":         "certclaim",
		"database.sslmode":      "disable",
		"database.auto_migrate": true,
		"claim.window":          "10m",
		"assets.dir":            "./uploads",
		"assets.base_url":       "/uploads",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("CERTCLAIM_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CERTCLAIM_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
