package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the schema if it
// doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS downloads (
			hash TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'queued',
			retry_count INTEGER NOT NULL DEFAULT 0,
			delayed_retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at INTEGER,
			queued_at DATETIME NOT NULL,
			user_id INTEGER NOT NULL,
			source TEXT NOT NULL,
			title TEXT,
			author TEXT,
			format TEXT,
			progress_phase TEXT DEFAULT '',
			progress_percent REAL DEFAULT 0,
			error_message TEXT DEFAULT '',
			file_path TEXT DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			query TEXT DEFAULT '',
			title TEXT DEFAULT '',
			author TEXT DEFAULT '',
			isbn TEXT DEFAULT '',
			year INTEGER DEFAULT 0,
			format TEXT DEFAULT '',
			language TEXT DEFAULT '',
			target_hash TEXT DEFAULT '',
			last_checked_at DATETIME,
			fulfilled_hash TEXT DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS import_lists (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			feed_url TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'future',
			enabled INTEGER NOT NULL DEFAULT 1,
			language TEXT DEFAULT '',
			format TEXT DEFAULT '',
			use_book_language INTEGER NOT NULL DEFAULT 0,
			last_observed_hashes TEXT NOT NULL DEFAULT '[]',
			last_fetched_at DATETIME,
			fetch_error TEXT DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}

	return db, nil
}
