// Package store persists the last known characteristic values in SQLite so
// accessories come back with their previous state after a restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/trymwestin/deconzws/internal/config"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600
	msPerSecond     = 1000

	// opTimeout bounds each statement; the Persister methods carry no context.
	opTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS characteristic_values (
	accessory      TEXT NOT NULL,
	characteristic TEXT NOT NULL,
	value          TEXT NOT NULL,
	origin         TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	PRIMARY KEY (accessory, characteristic)
)`

// ErrEmptyName is returned when an accessory or characteristic name is blank.
var ErrEmptyName = errors.New("store: empty name")

// Record is one persisted characteristic value.
type Record struct {
	Accessory      string    `json:"accessory"`
	Characteristic string    `json:"characteristic"`
	Value          any       `json:"value"`
	Origin         string    `json:"origin"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store is a SQLite-backed characteristic value store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at cfg.Path and applies the schema.
func Open(cfg config.StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("store: creating directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout*msPerSecond)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	_ = os.Chmod(cfg.Path, filePermissions)

	return &Store{db: db, path: cfg.Path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Save upserts the value of one characteristic.
func (s *Store) Save(accessory, characteristic string, value any, origin string) error {
	if accessory == "" || characteristic == "" {
		return ErrEmptyName
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %s.%s: %w", accessory, characteristic, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO characteristic_values (accessory, characteristic, value, origin, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (accessory, characteristic) DO UPDATE SET
		   value = excluded.value, origin = excluded.origin, updated_at = excluded.updated_at`,
		accessory, characteristic, string(data), origin, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: save %s.%s: %w", accessory, characteristic, err)
	}
	return nil
}

// Load returns the persisted values of one accessory keyed by characteristic name.
// Numbers decode as float64.
func (s *Store) Load(accessory string) (map[string]any, error) {
	records, err := s.Records(context.Background(), accessory)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(records))
	for _, r := range records {
		out[r.Characteristic] = r.Value
	}
	return out, nil
}

// Records returns the persisted rows of one accessory, ordered by characteristic.
func (s *Store) Records(ctx context.Context, accessory string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT accessory, characteristic, value, origin, updated_at
		 FROM characteristic_values
		 WHERE accessory = ?
		 ORDER BY characteristic`,
		accessory,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", accessory, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var valueJSON, updatedAt string
		if err := rows.Scan(&r.Accessory, &r.Characteristic, &valueJSON, &r.Origin, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &r.Value); err != nil {
			return nil, fmt.Errorf("store: unmarshal %s.%s: %w", r.Accessory, r.Characteristic, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			r.UpdatedAt = t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows: %w", err)
	}
	return out, nil
}

// Delete removes every persisted value of one accessory.
func (s *Store) Delete(accessory string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM characteristic_values WHERE accessory = ?`, accessory); err != nil {
		return fmt.Errorf("store: delete %s: %w", accessory, err)
	}
	return nil
}

// HealthCheck verifies the database answers queries.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("store: health check: %w", err)
	}
	return nil
}
