package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ChatRelay/internal/config"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database
func Open(cfg config.DBConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(cfg.Driver) {
	case "sqlite", config.DriverSQLite:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// one writer, and ":memory:" must not fan out into separate databases
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case config.DriverMySQL:
		mcfg, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		mcfg.ParseTime = true
		mcfg.Loc = time.UTC
		db, err = sql.Open("mysql", mcfg.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", config.DriverSQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				title TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				last_activity_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				session_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				attachments TEXT NOT NULL,
				metadata TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES sessions(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, last_activity_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		}
	case config.DriverMySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id VARCHAR(36) PRIMARY KEY,
				owner_id VARCHAR(191) NOT NULL,
				title VARCHAR(255) NOT NULL,
				status VARCHAR(16) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				last_activity_at DATETIME(6) NOT NULL,
				INDEX idx_sessions_owner (owner_id, last_activity_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				seq BIGINT AUTO_INCREMENT PRIMARY KEY,
				id VARCHAR(36) NOT NULL UNIQUE,
				session_id VARCHAR(36) NOT NULL,
				role VARCHAR(16) NOT NULL,
				content LONGTEXT NOT NULL,
				attachments LONGTEXT NOT NULL,
				metadata LONGTEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				INDEX idx_messages_session (session_id, created_at),
				CONSTRAINT fk_messages_session FOREIGN KEY (session_id) REFERENCES sessions(id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
