// Package config loads server settings from defaults, a TOML or YAML file, a .env
// file and HUBBEN_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/soaringjerry/Hubben/internal/services"
)

type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Database DatabaseConfig `toml:"database" yaml:"database"`
	Auth     AuthConfig     `toml:"auth" yaml:"auth"`
	Redis    RedisConfig    `toml:"redis" yaml:"redis"`
	Privacy  PrivacyConfig  `toml:"privacy" yaml:"privacy"`
	Log      LogConfig      `toml:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// DatabaseConfig keeps PII and response data on separate DSNs. With the
// memory driver both live in process memory and the DSNs are ignored.
type DatabaseConfig struct {
	Driver        string `toml:"driver" yaml:"driver"`
	PIIDSN        string `toml:"pii_dsn" yaml:"pii_dsn"`
	ResponsesDSN  string `toml:"responses_dsn" yaml:"responses_dsn"`
	MigrationsDir string `toml:"migrations_dir" yaml:"migrations_dir"`
}

type AuthConfig struct {
	JWTSecret        string `toml:"jwt_secret" yaml:"jwt_secret"`
	TokenTTLMin      int    `toml:"token_ttl_min" yaml:"token_ttl_min"`
	LoginMaxAttempts int    `toml:"login_max_attempts" yaml:"login_max_attempts"`
}

type RedisConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

type PrivacyConfig struct {
	ConsentVersion     string   `toml:"consent_version" yaml:"consent_version"`
	PublicTextStatuses []string `toml:"public_text_statuses" yaml:"public_text_statuses"`
	DefaultKommun      string   `toml:"default_kommun" yaml:"default_kommun"`
}

type LogConfig struct {
	Level       string `toml:"level" yaml:"level"`
	Development bool   `toml:"development" yaml:"development"`
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

func DefaultConfig() *Config {
	statuses := make([]string, 0, len(services.DefaultPublicTextStatuses))
	for _, s := range services.DefaultPublicTextStatuses {
		statuses = append(statuses, string(s))
	}
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Driver: DriverMemory},
		Auth: AuthConfig{
			JWTSecret:        "change-me-in-production",
			TokenTTLMin:      1440,
			LoginMaxAttempts: 5,
		},
		Privacy: PrivacyConfig{
			ConsentVersion:     "v1",
			PublicTextStatuses: statuses,
			DefaultKommun:      "Sverige",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (a missing file is not an error), then envFile, then the
// process environment. Variables already set in the environment win over envFile.
func Load(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decodeFile(path, data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeFile picks the format from the extension; anything but .yaml/.yml is TOML.
func decodeFile(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	}
	return toml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv() error {
	c.Server.Addr = SafeEnv("HUBBEN_ADDR", c.Server.Addr)
	c.Database.Driver = SafeEnv("HUBBEN_DB_DRIVER", c.Database.Driver)
	c.Database.PIIDSN = SafeEnv("HUBBEN_PII_DSN", c.Database.PIIDSN)
	c.Database.ResponsesDSN = SafeEnv("HUBBEN_RESPONSES_DSN", c.Database.ResponsesDSN)
	c.Database.MigrationsDir = SafeEnv("HUBBEN_MIGRATIONS_DIR", c.Database.MigrationsDir)
	c.Auth.JWTSecret = SafeEnv("HUBBEN_JWT_SECRET", c.Auth.JWTSecret)
	c.Redis.Addr = SafeEnv("HUBBEN_REDIS_ADDR", c.Redis.Addr)
	c.Privacy.ConsentVersion = SafeEnv("HUBBEN_CONSENT_VERSION", c.Privacy.ConsentVersion)
	c.Privacy.DefaultKommun = SafeEnv("HUBBEN_DEFAULT_KOMMUN", c.Privacy.DefaultKommun)
	c.Privacy.PublicTextStatuses = envList("HUBBEN_PUBLIC_TEXT_STATUSES", c.Privacy.PublicTextStatuses)
	c.Log.Level = SafeEnv("HUBBEN_LOG_LEVEL", c.Log.Level)

	var err error
	if c.Auth.TokenTTLMin, err = envInt("HUBBEN_TOKEN_TTL_MIN", c.Auth.TokenTTLMin); err != nil {
		return err
	}
	if c.Auth.LoginMaxAttempts, err = envInt("HUBBEN_LOGIN_MAX_ATTEMPTS", c.Auth.LoginMaxAttempts); err != nil {
		return err
	}
	if c.Log.Development, err = envBool("HUBBEN_LOG_DEV", c.Log.Development); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.Database.PIIDSN) == "" {
			errs = append(errs, errors.New("database.pii_dsn is required for "+c.Database.Driver))
		}
		if strings.TrimSpace(c.Database.ResponsesDSN) == "" {
			errs = append(errs, errors.New("database.responses_dsn is required for "+c.Database.Driver))
		}
		if c.Database.PIIDSN != "" && c.Database.PIIDSN == c.Database.ResponsesDSN {
			errs = append(errs, errors.New("database.pii_dsn and database.responses_dsn must differ"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Auth.TokenTTLMin < 1 {
		errs = append(errs, errors.New("auth.token_ttl_min must be at least 1"))
	}
	if c.Auth.LoginMaxAttempts < 1 {
		errs = append(errs, errors.New("auth.login_max_attempts must be at least 1"))
	}
	if _, err := c.Privacy.Statuses(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMin) * time.Minute
}

// Statuses parses the public-text allow-list.
func (p PrivacyConfig) Statuses() ([]services.ReviewStatus, error) {
	out := make([]services.ReviewStatus, 0, len(p.PublicTextStatuses))
	for _, raw := range p.PublicTextStatuses {
		st := services.ReviewStatus(strings.TrimSpace(raw))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown review status %q in privacy.public_text_statuses", raw)
		}
		out = append(out, st)
	}
	return out, nil
}
