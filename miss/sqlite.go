package miss

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	sqlitedb "github.com/always-cache/always-redirect/pkg/sqlite-db"
)

// Miss is an aggregated not-found request.
type Miss struct {
	Path      string    `json:"path"`
	Referer   string    `json:"referer"`
	Hits      int64     `json:"hits"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// SQLiteRecorder counts misses per path and referer in a SQLite table.
type SQLiteRecorder struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	now        func() time.Time
}

// NewSQLiteRecorder opens the given database file.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteRecorder(filename string) (*SQLiteRecorder, error) {
	db, err := sqlitedb.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("miss db: %w", err)
	}
	rec, err := NewSQLiteRecorderDB(db, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	return rec, nil
}

// NewSQLiteRecorderDB uses an already open database, e.g. the one holding the rules.
// writeMutex must be the mutex of the other writers of db; a new one is used if nil.
func NewSQLiteRecorderDB(db *sql.DB, writeMutex *sync.Mutex) (*SQLiteRecorder, error) {
	if writeMutex == nil {
		writeMutex = &sync.Mutex{}
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS misses (
		path TEXT NOT NULL,
		referer TEXT NOT NULL DEFAULT '',
		hits INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		PRIMARY KEY (path, referer)
	)`)
	if err != nil {
		return nil, fmt.Errorf("creating misses table: %w", err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS misses_hits_idx ON misses (hits)")
	if err != nil {
		return nil, fmt.Errorf("creating misses index: %w", err)
	}
	return &SQLiteRecorder{db: db, writeMutex: writeMutex, now: time.Now}, nil
}

func (s *SQLiteRecorder) Record(path, referer string) error {
	now := s.now().Unix()
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT INTO misses (path, referer, hits, first_seen, last_seen)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (path, referer) DO UPDATE SET hits = hits + 1, last_seen = excluded.last_seen`,
		path, referer, now, now)
	return err
}

// Top returns the n most frequent misses.
func (s *SQLiteRecorder) Top(n int) ([]Miss, error) {
	misses := make([]Miss, 0)
	rows, err := s.db.Query(`SELECT path, referer, hits, first_seen, last_seen
		FROM misses ORDER BY hits DESC, last_seen DESC LIMIT ?`, n)
	if err != nil {
		return misses, err
	}
	defer rows.Close()
	for rows.Next() {
		var m Miss
		var first, last int64
		if err := rows.Scan(&m.Path, &m.Referer, &m.Hits, &first, &last); err != nil {
			return misses, err
		}
		m.FirstSeen = time.Unix(first, 0)
		m.LastSeen = time.Unix(last, 0)
		misses = append(misses, m)
	}
	return misses, rows.Err()
}

func (s *SQLiteRecorder) Close() error {
	return s.db.Close()
}
