package persist

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS tab_state (
	storage_key TEXT PRIMARY KEY,
	state       BLOB NOT NULL,
	updated_at  INTEGER NOT NULL
)`

// SQLiteBackend persists state blobs in a single SQLite table.
type SQLiteBackend struct {
	db   *sql.DB
	path string
	log  pslog.Logger
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string, logger pslog.Logger) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if logger != nil {
		logger = logger.With("sqlite_path", path)
	}
	return &SQLiteBackend{db: db, path: path, log: logger}, nil
}

// Read loads the blob stored for key.
func (b *SQLiteBackend) Read(key string) ([]byte, bool, error) {
	var data []byte
	err := b.db.QueryRow(`SELECT state FROM tab_state WHERE storage_key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		if b.log != nil {
			b.log.Debug("state load miss", "storage_key", key)
		}
		return nil, false, nil
	}
	if err != nil {
		if b.log != nil {
			b.log.Warn("state load failed", "storage_key", key, "err", err)
		}
		return nil, false, err
	}
	return data, true, nil
}

// Write upserts the blob for key.
func (b *SQLiteBackend) Write(key string, data []byte) error {
	_, err := b.db.Exec(`INSERT INTO tab_state (storage_key, state, updated_at) VALUES (?, ?, ?)
ON CONFLICT(storage_key) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		key, data, time.Now().UnixMilli())
	if err != nil {
		if b.log != nil {
			b.log.Warn("state save failed", "storage_key", key, "err", err)
		}
		return err
	}
	if b.log != nil {
		b.log.Trace("state save ok", "storage_key", key, "bytes", len(data))
	}
	return nil
}

// Delete removes the row for key.
func (b *SQLiteBackend) Delete(key string) error {
	if _, err := b.db.Exec(`DELETE FROM tab_state WHERE storage_key = ?`, key); err != nil {
		if b.log != nil {
			b.log.Warn("state delete failed", "storage_key", key, "err", err)
		}
		return err
	}
	return nil
}

// Keys lists stored keys.
func (b *SQLiteBackend) Keys() ([]string, error) {
	rows, err := b.db.Query(`SELECT storage_key FROM tab_state ORDER BY storage_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close releases the database handle.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
