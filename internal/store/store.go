// Package store persists the trigger list and the broker connection
// settings in a small SQLite database in the data directory. Writes
// are whole-value replacements; there is no partial update path.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/proctrigger/internal/mqtt"
	"github.com/nugget/proctrigger/internal/trigger"
)

// FileName is the database file name inside the data directory.
const FileName = "proctrigger.db"

// Store is the SQLite persistence layer. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates or opens the store in dataDir.
func Open(dataDir string) (*Store, error) {
	return NewStore(filepath.Join(dataDir, FileName))
}

// NewStore opens a store at the given database path. The schema is
// created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS triggers (
		position   INTEGER PRIMARY KEY,
		id         TEXT NOT NULL,
		name       TEXT NOT NULL,
		topic      TEXT NOT NULL,
		on_value   TEXT NOT NULL,
		off_value  TEXT NOT NULL,
		is_running INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS connection_settings (
		singleton  INTEGER PRIMARY KEY CHECK (singleton = 1),
		host       TEXT NOT NULL,
		port       INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LoadTriggers returns the saved trigger list in display order. An
// empty store yields an empty, non-nil list.
func (s *Store) LoadTriggers() ([]trigger.Trigger, error) {
	rows, err := s.db.Query(
		`SELECT id, name, topic, on_value, off_value, is_running
		 FROM triggers ORDER BY position`,
	)
	if err != nil {
		return []trigger.Trigger{}, fmt.Errorf("load triggers: %w", err)
	}
	defer rows.Close()

	result := []trigger.Trigger{}
	for rows.Next() {
		var t trigger.Trigger
		if err := rows.Scan(&t.ID, &t.Name, &t.Topic, &t.OnValue, &t.OffValue, &t.Running); err != nil {
			return []trigger.Trigger{}, fmt.Errorf("scan trigger: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return []trigger.Trigger{}, fmt.Errorf("load triggers: %w", err)
	}
	return result, nil
}

// SaveTriggers replaces the saved list with triggers in one
// transaction. It satisfies [trigger.Saver].
func (s *Store) SaveTriggers(triggers []trigger.Trigger) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save triggers: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec(`DELETE FROM triggers`); err != nil {
		return fmt.Errorf("save triggers: clear: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO triggers (position, id, name, topic, on_value, off_value, is_running)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("save triggers: prepare: %w", err)
	}
	defer stmt.Close()

	for i, t := range triggers {
		if _, err = stmt.Exec(i, t.ID, t.Name, t.Topic, t.OnValue, t.OffValue, t.Running); err != nil {
			return fmt.Errorf("save trigger %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("save triggers: commit: %w", err)
	}
	return nil
}

// LoadConnectionSettings returns the saved broker settings. When none
// are saved the defaults are written back and returned. On a read
// error the defaults are returned alongside the error.
func (s *Store) LoadConnectionSettings() (mqtt.Settings, error) {
	var (
		host string
		port int64
	)
	err := s.db.QueryRow(
		`SELECT host, port FROM connection_settings WHERE singleton = 1`,
	).Scan(&host, &port)
	if errors.Is(err, sql.ErrNoRows) {
		def := mqtt.DefaultSettings()
		return def, s.SaveConnectionSettings(def)
	}
	if err != nil {
		return mqtt.DefaultSettings(), fmt.Errorf("load connection settings: %w", err)
	}
	if port < 0 || port > 65535 {
		return mqtt.DefaultSettings(), fmt.Errorf("load connection settings: port %d out of range", port)
	}
	return mqtt.Settings{Host: host, Port: uint16(port)}, nil
}

// SaveConnectionSettings upserts the broker settings.
func (s *Store) SaveConnectionSettings(settings mqtt.Settings) error {
	_, err := s.db.Exec(
		`INSERT INTO connection_settings (singleton, host, port, updated_at)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT (singleton) DO UPDATE
		 SET host = excluded.host, port = excluded.port, updated_at = excluded.updated_at`,
		settings.Host, int64(settings.Port), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save connection settings: %w", err)
	}
	return nil
}
