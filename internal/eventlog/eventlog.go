// Package eventlog is an additive, non-authoritative SQLite-backed history
// of instance state transitions, used for `status`/audit purposes. The
// authoritative instance record always remains the registry's JSON file
// (see internal/registry); this package is a derived, rebuildable log that
// is never consulted to decide current state, and every write here is
// best-effort — a broken events.db must never fail the Orchestrator
// operation it is recording.
package eventlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Event is one recorded state transition.
type Event struct {
	InstanceName string    `json:"instance_name"`
	FromState    string    `json:"from_state"`
	ToState      string    `json:"to_state"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// Log wraps a SQLite database of append-only transition events.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the event log at dbPath.
func Open(dbPath string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event log: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_name TEXT NOT NULL,
			from_state    TEXT NOT NULL,
			to_state      TEXT NOT NULL,
			detail        TEXT NOT NULL DEFAULT '',
			at            TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(`CREATE INDEX IF NOT EXISTS idx_transitions_instance ON transitions(instance_name)`)
	return err
}

// Record appends one transition event. Errors are returned to the caller so
// they can be logged, but callers (the Orchestrator) must treat a Record
// failure as non-fatal to the operation it describes.
func (l *Log) Record(ev Event) error {
	_, err := l.db.Exec(`
		INSERT INTO transitions (instance_name, from_state, to_state, detail, at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.InstanceName, ev.FromState, ev.ToState, ev.Detail, ev.At.UTC().Format(time.RFC3339Nano))
	return err
}

// History returns the recorded transitions for one instance, oldest first.
func (l *Log) History(instanceName string) ([]Event, error) {
	rows, err := l.db.Query(`
		SELECT instance_name, from_state, to_state, detail, at
		FROM transitions WHERE instance_name = ? ORDER BY id ASC
	`, instanceName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var atStr string
		if err := rows.Scan(&ev.InstanceName, &ev.FromState, &ev.ToState, &ev.Detail, &atStr); err != nil {
			return nil, err
		}
		ev.At, _ = time.Parse(time.RFC3339Nano, atStr)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
