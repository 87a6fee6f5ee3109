package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the queue and chunk tables if
// they don't exist.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS queue (
		download_id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		filename TEXT NOT NULL,
		path TEXT NOT NULL,
		params TEXT,
		open_inline INTEGER NOT NULL DEFAULT 0,
		progress INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'queued',
		received_bytes INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		enqueued_at DATETIME,
		delivered_at DATETIME
	)`)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS chunks (
		download_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (download_id, seq)
	)`)
	if err != nil {
		return nil, err
	}

	return db, nil
}
