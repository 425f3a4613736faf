package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type BackendMode string

const (
	BackendPostgres BackendMode = "postgres"
	BackendMemory   BackendMode = "memory"
)

type Config struct {
	Env      string         `env:"ENV" envDefault:"development"`
	LogLevel string         `env:"LOG_LEVEL" envDefault:"info"`
	Backend  BackendMode    `env:"BACKEND" envDefault:"postgres"`
	Server   ServerConfig   `envPrefix:"SERVER_"`
	Database DatabaseConfig `envPrefix:"DB_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Auth     AuthConfig
	Presence PresenceConfig `envPrefix:"PRESENCE_"`
	Notify   NotifyConfig   `envPrefix:"NOTIFY_"`
}

type ServerConfig struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type DatabaseConfig struct {
	// URL wins over the individual fields when set.
	URL      string `env:"URL"`
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"portal"`
	Password string `env:"PASSWORD" envDefault:"portal_dev_password"`
	Name     string `env:"NAME" envDefault:"portal"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
	Migrate  bool   `env:"MIGRATE" envDefault:"false"`
}

// DSN returns the connection string for pgx.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}

type RedisConfig struct {
	// Addr enables the shared directory cache when set.
	Addr         string        `env:"ADDR"`
	Password     string        `env:"PASSWORD"`
	DB           int           `env:"DB" envDefault:"0"`
	DirectoryTTL time.Duration `env:"DIRECTORY_TTL" envDefault:"5m"`
}

type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
}

type PresenceConfig struct {
	Heartbeat time.Duration `env:"HEARTBEAT" envDefault:"30s"`
}

type NotifyConfig struct {
	AlertTTL time.Duration `env:"ALERT_TTL" envDefault:"6s"`
	// Desktop plays desktop notifications from the gateway host too.
	Desktop bool   `env:"DESKTOP" envDefault:"false"`
	Icon    string `env:"ICON"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("invalid BACKEND %q: must be postgres or memory", c.Backend)
	}
	if c.Presence.Heartbeat <= 0 {
		return errors.New("PRESENCE_HEARTBEAT must be positive")
	}
	if c.Notify.AlertTTL <= 0 {
		return errors.New("NOTIFY_ALERT_TTL must be positive")
	}
	if !c.IsDevelopment() && c.Auth.JWTSecret == "dev-secret-change-me" {
		return errors.New("JWT_SECRET must be set outside development")
	}
	return nil
}
