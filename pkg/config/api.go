package config

import "fmt"

// APIConfig contains the read-only query server configuration.
type APIConfig struct {
	Listen       string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins  []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	DefaultLimit int             `yaml:"default_limit" mapstructure:"default_limit"`
	RateLimit    RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains results store connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
	MySQL    MySQLConfig          `yaml:"mysql,omitempty" mapstructure:"mysql"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// MySQLConfig contains MySQL connection settings.
type MySQLConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DSN returns the MySQL connection string.
func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database,
	)
}

// Validate checks the database settings for the selected driver.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case "postgres":
		if c.Postgres.Host == "" || c.Postgres.Database == "" {
			return fmt.Errorf("postgres.host and postgres.database are required")
		}
	case "mysql":
		if c.MySQL.Host == "" || c.MySQL.Database == "" {
			return fmt.Errorf("mysql.host and mysql.database are required")
		}
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}

	return nil
}
