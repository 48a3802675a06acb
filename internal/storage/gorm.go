package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"videosummary/internal/models"
)

// Driver selects the database backend.
type Driver string

const (
	// DriverSQLite stores metadata in a local SQLite file (default).
	DriverSQLite Driver = "sqlite"

	// DriverPostgres stores metadata in PostgreSQL for multi-node setups.
	DriverPostgres Driver = "postgres"
)

const (
	postgresMaxOpenConns = 16
	postgresMaxIdleConns = 4
)

// Config selects and configures the metadata database.
type Config struct {
	// Driver picks the backend; empty defaults to sqlite.
	Driver Driver
	// Path is the SQLite database file, typically <data_dir>/metadata.db.
	Path string
	// DSN is the PostgreSQL connection string, used when Driver is postgres.
	DSN string
}

func (c *Config) applyDefaults() {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
}

func (c *Config) validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DriverPostgres:
		if c.DSN == "" {
			return fmt.Errorf("postgres dsn is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Driver)
	}
	return nil
}

// GORMStore implements Store on top of GORM. The same code path serves SQLite
// and PostgreSQL backends.
type GORMStore struct {
	db *gorm.DB
}

// NewGORMStore opens the metadata database described by config and migrates
// the schema.
func NewGORMStore(config Config) (*GORMStore, error) {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		// WAL keeps readers unblocked by the single writer; busy_timeout waits
		// instead of failing while a write lock is held.
		dsn := config.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying database: %w", err)
	}
	switch config.Driver {
	case DriverPostgres:
		sqlDB.SetMaxOpenConns(postgresMaxOpenConns)
		sqlDB.SetMaxIdleConns(postgresMaxIdleConns)
	case DriverSQLite:
		// SQLite allows one writer at a time; a single pooled connection
		// serializes transactions instead of surfacing busy errors.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return nil, fmt.Errorf("migrate database schema: %w", err)
	}

	return &GORMStore{db: db}, nil
}

// DB exposes the underlying GORM handle for advanced queries and tests.
func (s *GORMStore) DB() *gorm.DB {
	return s.db
}

// Close releases the underlying database connection.
func (s *GORMStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueConstraintError checks if the error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite or PostgreSQL unique constraint errors
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "duplicate key value violates unique constraint")
}

// convertNotFoundError converts gorm.ErrRecordNotFound to the appropriate domain error.
func convertNotFoundError(err error, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}
