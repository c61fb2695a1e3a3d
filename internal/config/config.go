package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Backend names a Store Gateway implementation
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
	BackendMemory   Backend = "memory"
)

// ParseBackend parses a backend name as given on the command line
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return BackendPostgres, nil
	case "sqlite", "sqlite3":
		return BackendSQLite, nil
	case "memory", "mem":
		return BackendMemory, nil
	}
	return "", fmt.Errorf("unknown backend %q (want postgres, sqlite or memory)", s)
}

// DefaultReplicationURL is the planet changeset replication directory
const DefaultReplicationURL = "https://planet.openstreetmap.org/replication/changesets"

// DatabaseURLEnv overrides the PostgreSQL connection settings when set
const DatabaseURLEnv = "OSMCHANGES_DATABASE_URL"

// Config holds the global configuration shared by all commands
type Config struct {
	// Store settings
	Backend    Backend
	SQLitePath string

	// Database settings
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSchema   string
	DBMaxConns int
	Hstore     bool // Store tags as hstore instead of JSONB

	// Replication settings
	ReplicationURL string // "planet" or an http(s) replication directory
	CacheDir       string // Keep downloaded increments here (empty = no cache)
	FetchTimeout   time.Duration
	FetchRetries   int
	RetryDelay     time.Duration

	// Logging and metrics
	Verbose         bool
	LogFile         string
	MetricsInterval time.Duration // 0 disables system metrics logging
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend:         BackendPostgres,
		SQLitePath:      "osmchanges.db",
		DBHost:          "localhost",
		DBPort:          5432,
		DBName:          "osmchanges",
		DBUser:          "postgres",
		DBSchema:        "public",
		DBMaxConns:      4,
		ReplicationURL:  DefaultReplicationURL,
		FetchTimeout:    60 * time.Second,
		FetchRetries:    3,
		RetryDelay:      5 * time.Second,
		MetricsInterval: 0,
	}
}

// ConnectionString returns a PostgreSQL connection string. The value of
// OSMCHANGES_DATABASE_URL wins over the individual settings.
func (c *Config) ConnectionString() string {
	if dsn := os.Getenv(DatabaseURLEnv); dsn != "" {
		return dsn
	}
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPostgres:
		if c.DBSchema == "" {
			return fmt.Errorf("database schema is required")
		}
		if c.DBMaxConns < 1 {
			return fmt.Errorf("max connections must be at least 1")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite backend")
		}
		if c.Hstore {
			return fmt.Errorf("--hstore requires the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	// the replication source is checked by replication.ParseSource
	if c.FetchRetries < 0 {
		return fmt.Errorf("fetch retries must not be negative")
	}
	return nil
}
