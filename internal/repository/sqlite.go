package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "modernc.org/sqlite"
)

// MemoryPath keeps the SQLite database in process memory.
const MemoryPath = ":memory:"

// SQLite has a single writer. Every worker lane saves alerts, so a small
// pool lets reads proceed under WAL while writers wait on busy_timeout.
var sqlitePool = pool{maxOpen: 4, maxIdle: 4}

// openSQLite opens the alert and rule database with the pure Go driver.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, pool, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./kestrel.db"
	}

	dsn, defaults, err := sqliteDSN(path)
	if err != nil {
		return nil, pool{}, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, pool{}, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := ping(db); err != nil {
		db.Close()
		return nil, pool{}, fmt.Errorf("failed to ping sqlite database %s: %w", path, err)
	}
	return db, defaults, nil
}

// sqliteDSN builds the connection string for path. A memory database lives
// as long as its connection, so it is pinned to a pool of one.
func sqliteDSN(path string) (string, pool, error) {
	if path == MemoryPath {
		dsn := "file:kestrel?mode=memory&_pragma=foreign_keys(ON)"
		return dsn, pool{maxOpen: 1, maxIdle: 1, pinned: true}, nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", pool{}, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		path, (5 * time.Second).Milliseconds())
	return dsn, sqlitePool, nil
}
