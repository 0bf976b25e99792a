package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DB wraps sql.DB with additional context
type DB struct {
	*sql.DB
	driver string
	dsn    string
}

// Tx wraps sql.Tx with additional context
type Tx struct {
	*sql.Tx
	db *DB
}

// Config holds database connection configuration
type Config struct {
	Driver          string        `toml:"driver" yaml:"driver"`
	DSN             string        `toml:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `toml:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	BusyTimeout     time.Duration `toml:"busy_timeout" yaml:"busy_timeout"`
}

// ErrDuplicate marks a duplicate key or column
var ErrDuplicate = errors.New("db: duplicate key")

// Open creates a new database connection
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	// Verify connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{
		DB:     db,
		driver: driver,
		dsn:    dsn,
	}, nil
}

// OpenWithConfig creates a connection with custom configuration
func OpenWithConfig(ctx context.Context, config Config) (*DB, error) {
	db, err := Open(ctx, config.Driver, config.DSN)
	if err != nil {
		return nil, err
	}

	// Apply connection pool settings
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	if config.Driver == "sqlite3" && config.BusyTimeout > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", config.BusyTimeout.Milliseconds())); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

// Driver returns the database driver name
func (db *DB) Driver() string {
	return db.driver
}

// DSN returns the data source name the connection was opened with
func (db *DB) DSN() string {
	return db.dsn
}

// Begin starts a new transaction
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &Tx{
		Tx: tx,
		db: db,
	}, nil
}

// WithTransaction executes a function within a transaction
// Automatically commits on success, rolls back on error
func (db *DB) WithTransaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	// Make sure we make a best effort to rollback on panic
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Error classification functions

// IsDuplicate checks if error is a duplicate key or duplicate column error
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrDuplicate) {
		return true
	}

	// Check database-specific error messages
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "duplicate column name") ||
		strings.Contains(errMsg, "duplicate key")
}
