package persist

import (
	"context"
	"fmt"
	"strings"
)

// DeviceKeyRecord is the persisted wrapped-key row, one per known device
// identity. This shape is the storage boundary contract and must remain
// stable across versions: records written by older releases must stay
// readable byte-for-byte.
//
// The record carries no plaintext key material. WrappedKey alone is useless
// without the fingerprint-derived wrapping key, which is never stored.
type DeviceKeyRecord struct {
	// DeviceID is a stable opaque identifier, generated once per device
	// key and never reused after rotation.
	DeviceID string `json:"deviceId"`

	// WrappedKey is the device content key encrypted under the
	// fingerprint-derived wrapping key, base64 encoded.
	WrappedKey string `json:"wrappedKey"`

	// CreatedAt is milliseconds since the Unix epoch.
	CreatedAt int64 `json:"createdAt"`

	// Version is the record format version, starting at 1. Unknown
	// versions are treated as unrecoverable by the lifecycle manager, not
	// best-effort parsed.
	Version int `json:"version"`
}

// Store defines the interface for persisting device key records.
// It is a pure persistence boundary: no method performs cryptography, so
// the lifecycle manager can be tested independently of storage mechanics.
//
// All operations are idempotent: Put on an existing DeviceID overwrites
// (last-write-wins), Delete on a missing id is a no-op, and Get on a
// missing id returns nil rather than an error.
type Store interface {

	// Put stores a record, overwriting any existing record with the same
	// DeviceID.
	Put(ctx context.Context, record DeviceKeyRecord) error

	// Get retrieves the record for the given device id, or nil if no such
	// record exists.
	Get(ctx context.Context, deviceID string) (*DeviceKeyRecord, error)

	// GetAll retrieves every stored record, newest first.
	GetAll(ctx context.Context) ([]DeviceKeyRecord, error)

	// Delete removes the record for the given device id. Missing ids are
	// not an error.
	Delete(ctx context.Context, deviceID string) error

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping(ctx context.Context) error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Type selects the backend; Config carries backend-specific settings as
// key-value pairs (e.g. "base_path" for the filesystem store, "db_path"
// for SQLite, endpoint/credentials for S3).
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem keeps one JSON record file per device id under a
	// local directory.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeSQLite keeps records in an embedded SQLite table.
	StoreTypeSQLite StoreType = "sqlite"

	// StoreTypeS3 keeps records as objects in an S3-compatible bucket.
	StoreTypeS3 StoreType = "s3"
)

// validateStorageKey validates the record table name for security.
// The storage key becomes a directory, table or object-prefix name, so the
// same traversal rules apply everywhere.
func validateStorageKey(storageKey string) error {
	if storageKey == "" {
		return fmt.Errorf("storage key cannot be empty")
	}

	if strings.Contains(storageKey, "..") ||
		strings.Contains(storageKey, "/") ||
		strings.Contains(storageKey, "\\") ||
		strings.Contains(storageKey, " ") {
		return fmt.Errorf("storage key contains invalid characters")
	}

	if len(storageKey) > 100 {
		return fmt.Errorf("storage key too long (max 100 characters)")
	}

	return nil
}

// validateDeviceID applies the same traversal rules to ids used as file or
// object names.
func validateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}

	if strings.Contains(deviceID, "..") ||
		strings.Contains(deviceID, "/") ||
		strings.Contains(deviceID, "\\") ||
		strings.Contains(deviceID, " ") {
		return fmt.Errorf("device ID contains invalid characters")
	}

	if len(deviceID) > 128 {
		return fmt.Errorf("device ID too long (max 128 characters)")
	}

	return nil
}
