// Package database opens the embedded SQLite datastore backing the
// Repository, configuring it for multiple concurrent readers and a
// single non-blocking writer via WAL mode.
package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	apperrors "github.com/radscribe/annotator/internal/errors"
)

// Config describes how to open the annotation datastore.
type Config struct {
	Path          string
	MaxOpenConns  int
	BusyTimeoutMS int
}

// DefaultConfig returns the datastore defaults used when no override is
// supplied at the call site (internal/config.Config carries the
// operator-facing copy of these same defaults).
func DefaultConfig() *Config {
	return &Config{
		Path:          "annotations.db",
		MaxOpenConns:  8,
		BusyTimeoutMS: 5000,
	}
}

// Validate reports whether c is usable by Connect.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max open connections must be greater than 0")
	}
	if c.BusyTimeoutMS < 0 {
		return fmt.Errorf("busy timeout must be non-negative")
	}
	return nil
}

// DSN renders the sqlite3 driver data source name, enabling WAL mode and a
// busy timeout so concurrent readers never block behind the single writer.
func (c *Config) DSN() string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", c.Path, c.BusyTimeoutMS)
}

// Connect opens the datastore and applies the connection pool limits.
// SQLite permits exactly one writer at a time regardless of MaxOpenConns;
// the pool bound exists to cap concurrent readers, not writers.
func Connect(cfg *Config, logger *logrus.Logger) (*sqlx.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", cfg.DSN())
	if err != nil {
		return nil, apperrors.NewRepositoryUnavailableError(err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	logger.WithFields(logrus.Fields{
		"path":           cfg.Path,
		"max_open_conns": cfg.MaxOpenConns,
	}).Info("connected to annotation datastore")

	return db, nil
}
