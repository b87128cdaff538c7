package redirect

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	sqlitedb "github.com/always-cache/always-redirect/pkg/sqlite-db"
)

// SQLiteRules persists rules in a SQLite database.
// It is a rule source for building tables, and can also answer exact lookups directly.
type SQLiteRules struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteRules opens the rule database with the given file name.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteRules(filename string) (SQLiteRules, error) {
	db, err := sqlitedb.Open(filename)
	if err != nil {
		return SQLiteRules{}, fmt.Errorf("rule db: %w", err)
	}
	// lookup_key is the normalized old path, see NormalizeKey
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS redirects (
		lookup_key TEXT PRIMARY KEY,
		old_path TEXT NOT NULL,
		new_target TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'active'
	)`)
	if err != nil {
		db.Close()
		return SQLiteRules{}, fmt.Errorf("creating redirects table: %w", err)
	}
	return SQLiteRules{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// DB exposes the underlying handle so other tables can share the file.
func (s SQLiteRules) DB() *sql.DB {
	return s.db
}

// WriteMutex serializes writes to the database. Writers of other tables
// in the same file must hold it too.
func (s SQLiteRules) WriteMutex() *sync.Mutex {
	return s.writeMutex
}

func (s SQLiteRules) All() ([]Rule, error) {
	rules := make([]Rule, 0)
	rows, err := s.db.Query("SELECT old_path, new_target, state FROM redirects ORDER BY lookup_key")
	if err != nil {
		return rules, err
	}
	defer rows.Close()
	for rows.Next() {
		var rule Rule
		var state string
		if err := rows.Scan(&rule.OldPath, &rule.NewTarget, &state); err != nil {
			return rules, err
		}
		rule.State = State(state)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s SQLiteRules) FindExact(path string) (Rule, bool, error) {
	var rule Rule
	var state string
	err := s.db.QueryRow("SELECT old_path, new_target, state FROM redirects WHERE lookup_key = ?", NormalizeKey(path)).
		Scan(&rule.OldPath, &rule.NewTarget, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return rule, false, nil
	}
	if err != nil {
		return rule, false, err
	}
	rule.State = State(state)
	return rule, true, nil
}

func (s SQLiteRules) Put(rule Rule) error {
	return s.PutAll([]Rule{rule})
}

// PutAll validates and stores the rules in a single transaction.
func (s SQLiteRules) PutAll(rules []Rule) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, rule := range rules {
		rule, err := rule.validate()
		if err != nil {
			tx.Rollback()
			return err
		}
		_, err = tx.Exec("INSERT OR REPLACE INTO redirects (lookup_key, old_path, new_target, state) VALUES (?, ?, ?, ?)",
			NormalizeKey(rule.OldPath), rule.OldPath, rule.NewTarget, string(rule.State))
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s SQLiteRules) Delete(oldPath string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM redirects WHERE lookup_key = ?", NormalizeKey(oldPath))
	return err
}

func (s SQLiteRules) Close() error {
	return s.db.Close()
}
