package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store on an embedded SQLite database. The record
// table is named after the configured storage key, so multiple logical
// tables can share one database file.
type SQLiteStore struct {
	db         *sql.DB
	path       string
	storageKey string
}

// NewSQLiteStore initialises a SQLite-backed store at the given path and
// ensures the record table exists.
func NewSQLiteStore(path string, storageKey string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := validateStorageKey(storageKey); err != nil {
		return nil, fmt.Errorf("invalid storage key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if err = ensurePerm0600(path); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, path: path, storageKey: storageKey}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewSQLiteStoreFromConfig creates a SQLiteStore from StoreConfig
func NewSQLiteStoreFromConfig(config StoreConfig, storageKey string) (*SQLiteStore, error) {
	dbPath, ok := config.Config["db_path"].(string)
	if !ok {
		return nil, fmt.Errorf("db_path is required for sqlite store")
	}

	return NewSQLiteStore(dbPath, storageKey)
}

// ensurePerm0600 restricts the database file to the owner on Unix systems.
func ensurePerm0600(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chmod database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	// The storage key is validated against the same character rules as
	// filesystem names, so interpolating it as the table name is safe.
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %q (
	device_id   TEXT    PRIMARY KEY,
	wrapped_key TEXT    NOT NULL,
	created_at  INTEGER NOT NULL,
	version     INTEGER NOT NULL
);`, s.storageKey)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Put stores a record, overwriting any existing row for the same id.
func (s *SQLiteStore) Put(ctx context.Context, record DeviceKeyRecord) error {
	if err := validateDeviceID(record.DeviceID); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %q (device_id, wrapped_key, created_at, version)
VALUES (?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
	wrapped_key = excluded.wrapped_key,
	created_at  = excluded.created_at,
	version     = excluded.version;`, s.storageKey)

	if _, err := s.db.ExecContext(ctx, query, record.DeviceID, record.WrappedKey, record.CreatedAt, record.Version); err != nil {
		return fmt.Errorf("failed to store record %s: %w", record.DeviceID, err)
	}
	return nil
}

// Get retrieves the record for the given id, or nil if none exists.
func (s *SQLiteStore) Get(ctx context.Context, deviceID string) (*DeviceKeyRecord, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT device_id, wrapped_key, created_at, version FROM %q WHERE device_id = ?;`, s.storageKey)

	var record DeviceKeyRecord
	err := s.db.QueryRowContext(ctx, query, deviceID).
		Scan(&record.DeviceID, &record.WrappedKey, &record.CreatedAt, &record.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", deviceID, err)
	}

	return &record, nil
}

// GetAll retrieves every stored record, newest first.
func (s *SQLiteStore) GetAll(ctx context.Context) ([]DeviceKeyRecord, error) {
	query := fmt.Sprintf(`SELECT device_id, wrapped_key, created_at, version FROM %q ORDER BY created_at DESC;`, s.storageKey)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := make([]DeviceKeyRecord, 0)
	for rows.Next() {
		var record DeviceKeyRecord
		if err = rows.Scan(&record.DeviceID, &record.WrappedKey, &record.CreatedAt, &record.Version); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	return records, nil
}

// Delete removes the record for the given id. Missing ids are a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, deviceID string) error {
	if err := validateDeviceID(deviceID); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %q WHERE device_id = ?;`, s.storageKey)
	if _, err := s.db.ExecContext(ctx, query, deviceID); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", deviceID, err)
	}
	return nil
}

// Ping tests database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database resources.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetType returns the store type identifier.
func (s *SQLiteStore) GetType() string {
	return string(StoreTypeSQLite)
}
