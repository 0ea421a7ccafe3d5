// Package journal keeps an sqlite log of engine operations and delivered
// change events. The hierarchy itself is never stored.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/sigreer/zfcpgod/internal/zfcp"
)

// DefaultPath is the default journal location
const DefaultPath = "/var/lib/zfcpgod/journal.db"

// Journal wraps the SQLite database connection
type Journal struct {
	conn *sql.DB
	path string
	log  zerolog.Logger
	now  func() time.Time
}

var _ zfcp.Recorder = (*Journal)(nil)

// Open opens or creates the journal at the given path
func Open(path string, logger *zerolog.Logger) (*Journal, error) {
	if path == "" {
		path = DefaultPath
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure journal: %w", err)
	}

	j := &Journal{conn: conn, path: path, log: zerolog.Nop(), now: time.Now}
	if logger != nil {
		j.log = *logger
	}

	if err := j.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return j, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.conn.Close()
}

// Path returns the database file path
func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) migrate() error {
	_, err := j.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	var version int
	err = j.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return err
	}

	migrations := []string{
		migrationV1,
	}

	for i, migration := range migrations {
		v := i + 1
		if v <= version {
			continue
		}

		tx, err := j.conn.Begin()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(migration); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", v, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// migrationV1 creates the initial schema. Timestamps are unix nanoseconds.
const migrationV1 = `
-- One row per engine operation
CREATE TABLE IF NOT EXISTS operations (
    id INTEGER PRIMARY KEY,
    op TEXT NOT NULL,
    controller TEXT,
    wwpn TEXT,
    lun TEXT,
    result TEXT NOT NULL,
    reason TEXT,
    duration_ns INTEGER NOT NULL DEFAULT 0,
    ts INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operations_ts ON operations(ts);
CREATE INDEX IF NOT EXISTS idx_operations_controller ON operations(controller);

-- One row per change event delivered to a subscriber
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    uuid TEXT UNIQUE NOT NULL,
    kind TEXT NOT NULL,
    action TEXT NOT NULL,
    controller TEXT,
    wwpn TEXT,
    lun TEXT,
    state TEXT,
    device TEXT,
    ts INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`
