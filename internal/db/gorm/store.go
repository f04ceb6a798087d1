// Package gorm provides GORM-based persistence for storyprompt: the prompt
// ledger, stories, character profiles, the milestone-run ledger and
// entitlements.
package gorm

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Import SQLite driver with FTS5 support
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store represents the GORM database connection.
type Store struct {
	DB     *gorm.DB
	sqlDB  *sql.DB // For FTS5 operations that require raw SQL
	driver string
	fts    bool
}

// Config holds database configuration.
type Config struct {
	Driver   string          // "sqlite" (default) or "postgres"
	Path     string          // Path to SQLite database file
	DSN      string          // Postgres connection string
	MaxConns int             // Maximum number of open connections (default: 4)
	LogLevel logger.LogLevel // GORM log level (logger.Silent for production)
}

// NewStore opens the database, runs migrations and enables story full-text
// search when the SQLite build supports FTS5.
func NewStore(cfg Config) (*Store, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(cfg.LogLevel),
		// PrepareStmt enables prepared statement caching for performance
		PrepareStmt: true,
		// Map driver constraint errors to gorm.ErrDuplicatedKey and friends
		TranslateError: true,
	}

	var (
		db    *gorm.DB
		sqlDB *sql.DB
		err   error
	)

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	switch driver {
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open gorm: %w", err)
		}
		sqlDB, err = db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
	case DriverSQLite:
		// Foreign keys, busy timeout and immediate write locks are set in the
		// DSN so every pooled connection gets them.
		dsn := cfg.Path + "?_foreign_keys=ON&_busy_timeout=5000&_txlock=immediate"

		// Open raw database connection with mattn/go-sqlite3 (has FTS5 support)
		sqlDB, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db, err = gorm.Open(sqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			_ = sqlDB.Close() // Explicitly ignore close error during cleanup
			return nil, fmt.Errorf("open gorm: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{
		DB:     db,
		sqlDB:  sqlDB,
		driver: driver,
	}

	// Run migrations FIRST (before PRAGMA commands)
	if err := runMigrations(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if driver == DriverSQLite {
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA synchronous=NORMAL"); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("set synchronous mode: %w", err)
		}
		store.fts, err = ensureStoryFTS(db)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("story fts: %w", err)
		}
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.sqlDB.Ping()
}

// Driver returns the database driver in use.
func (s *Store) Driver() string {
	return s.driver
}

// HasFTS reports whether story full-text search is available.
func (s *Store) HasFTS() bool {
	return s.fts
}

// GetRawDB returns the underlying *sql.DB for operations GORM can't handle,
// such as FTS5 MATCH queries.
func (s *Store) GetRawDB() *sql.DB {
	return s.sqlDB
}

// GetDB returns the GORM DB instance for standard queries.
func (s *Store) GetDB() *gorm.DB {
	return s.DB
}
