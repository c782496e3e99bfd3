package store

import (
	"fmt"
	"strings"
	"time"
)

// Config represents configuration for the entity store
type Config struct {
	Type string `toml:"type" yaml:"type" json:"type" mapstructure:"type"` // "sqlite" or "postgresql"

	// DSN takes precedence over the per-driver fields when set.
	DSN string `toml:"dsn,omitempty" yaml:"dsn,omitempty" json:"dsn,omitempty" mapstructure:"dsn"`

	// SQLite specific
	Path string `toml:"path,omitempty" yaml:"path,omitempty" json:"path,omitempty" mapstructure:"path"`

	// PostgreSQL specific
	Host     string `toml:"host,omitempty" yaml:"host,omitempty" json:"host,omitempty" mapstructure:"host"`
	Port     int    `toml:"port,omitempty" yaml:"port,omitempty" json:"port,omitempty" mapstructure:"port"`
	Database string `toml:"database,omitempty" yaml:"database,omitempty" json:"database,omitempty" mapstructure:"database"`
	Username string `toml:"username,omitempty" yaml:"username,omitempty" json:"username,omitempty" mapstructure:"username"`
	Password string `toml:"password,omitempty" yaml:"password,omitempty" json:"password,omitempty" mapstructure:"password"`
	SSLMode  string `toml:"ssl_mode,omitempty" yaml:"ssl_mode,omitempty" json:"ssl_mode,omitempty" mapstructure:"ssl_mode"`

	// Connection pooling
	MaxOpenConns int           `toml:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty" mapstructure:"max_open_conns"`
	MaxIdleConns int           `toml:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitempty" mapstructure:"max_idle_conns"`
	ConnMaxAge   time.Duration `toml:"conn_max_age,omitempty" yaml:"conn_max_age,omitempty" json:"conn_max_age,omitempty" mapstructure:"conn_max_age"`
}

// ResolveDSN builds the driver DSN described by c.
func (c Config) ResolveDSN() (string, error) {
	if d := strings.TrimSpace(c.DSN); d != "" {
		return d, nil
	}
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case "", "sqlite":
		if c.Path == "" {
			return "", fmt.Errorf("store: sqlite requires path")
		}
		return "sqlite://" + c.Path, nil
	case "postgres", "postgresql":
		host := c.Host
		if host == "" {
			host = "localhost"
		}
		port := c.Port
		if port == 0 {
			port = 5432
		}
		ssl := c.SSLMode
		if ssl == "" {
			ssl = "disable"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.Username, c.Password, host, port, c.Database, ssl), nil
	default:
		return "", fmt.Errorf("store: unsupported type %q", c.Type)
	}
}
