package pgrepo

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	"gopkg.in/yaml.v3"
)

// =====================================
// Connection Configuration
// =====================================

// Config holds the database connection settings. Either ConnectionURL or the
// host/port fields must be set.
type Config struct {
	ConnectionURL string `json:"connection_url" yaml:"connection_url"`
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	Database      string `json:"database" yaml:"database"`
	Username      string `json:"username" yaml:"username"`
	Password      string `json:"password" yaml:"password"`

	// Connection pool settings
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`

	// QueryLog controls bundebug query logging: "silent" (default), "info"
	// or "debug".
	QueryLog string `json:"query_log" yaml:"query_log"`

	// SSL/TLS configuration
	SSL SSLConfig `json:"ssl" yaml:"ssl"`
}

// SSLConfig represents SSL/TLS configuration.
type SSLConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Mode    string `json:"mode" yaml:"mode"`
}

// LoadConfig reads a Config from a YAML file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, NewErrorWithCause(ErrorTypeConfig, "failed to read config file", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, NewErrorWithCause(ErrorTypeConfig, "failed to parse config file", err)
	}
	return cfg, nil
}

// =====================================
// Connection
// =====================================

// Open connects to PostgreSQL and returns a bun.DB ready for repository
// construction. A ConnectionURL is opened through pgdriver; host/port
// settings go through lib/pq.
func Open(config Config) (*bun.DB, error) {
	var sqlDB *sql.DB
	var err error

	if config.ConnectionURL != "" {
		connector := pgdriver.NewConnector(pgdriver.WithDSN(config.ConnectionURL))
		sqlDB = sql.OpenDB(connector)
	} else {
		sqlDB, err = sql.Open("postgres", postgresDSN(config))
		if err != nil {
			return nil, NewErrorWithCause(ErrorTypeDatabase, "failed to connect to database", err)
		}
	}

	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	db := bun.NewDB(sqlDB, pgdialect.New())

	if config.QueryLog != "" && config.QueryLog != "silent" {
		db.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(config.QueryLog == "debug"),
		))
	}

	return db, nil
}

func postgresDSN(config Config) string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		config.Username, config.Password, config.Host, config.Port, config.Database)
	if config.SSL.Enabled {
		dsn = strings.Replace(dsn, "sslmode=disable", "sslmode="+config.SSL.Mode, 1)
	}
	return dsn
}
