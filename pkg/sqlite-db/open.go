// Package sqlitedb opens the SQLite databases shared by rule and miss storage.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/glebarez/go-sqlite"
)

// Memory is the shared in-memory database used when no file name is given.
const Memory = "file::memory:?cache=shared"

// busy_timeout is a per-connection setting, so it goes into the DSN
// and is applied to every connection of the pool.
const busyTimeout = "_pragma=busy_timeout(5000)"

// DSN returns the data source name for filename, with the busy timeout set.
func DSN(filename string) string {
	if filename == "" {
		filename = Memory
	}
	sep := "?"
	if strings.Contains(filename, "?") {
		sep = "&"
	}
	return filename + sep + busyTimeout
}

// Open opens the database with the given file name and enables WAL.
// If file name is empty, the shared in-memory db is opened.
func Open(filename string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(filename))
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling wal: %w", err)
	}
	return db, nil
}
