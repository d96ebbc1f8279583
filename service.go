// Package framekey provides client-resident envelope encryption with a
// key-custody-free device key lifecycle. A per-installation symmetric
// content key is generated locally, wrapped under a key derived from the
// device fingerprint, and persisted only in wrapped form; key material
// never leaves the device and no server-side escrow exists.
//
// Key Features:
//   - Device key generation, caching, recovery and rotation
//   - Fingerprint-derived wrapping keys (PBKDF2, never stored)
//   - Authenticated envelope encryption using ChaCha20-Poly1305
//   - Pluggable persistence (filesystem, SQLite, S3)
//   - Comprehensive audit logging
//   - Memory protection for cached key material
//
// Basic Usage:
//
//	store, err := persist.NewFileSystemStore(dir, framekey.DefaultConfig().DeviceKeyStorageKey)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := framekey.New(store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	result := svc.Encrypt(ctx, []byte("hello"), framekey.DataTypeString)
//	if framekey.IsEncryptSuccess(result) {
//	    // persist result.Envelope
//	}
package framekey

import (
	"context"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"southwinds.dev/framekey/audit"
	"southwinds.dev/framekey/fingerprint"
	"southwinds.dev/framekey/internal/mem"
	"southwinds.dev/framekey/persist"
)

// Initialize memguard in init function to ensure it's set up before any key operation
func init() {
	memguard.CatchInterrupt()
}

// KeyService is the public surface of the device key lifecycle manager and
// the envelope codec built on top of it.
//
// The lifecycle state machine per process lifetime is: Uninitialized (no
// cache) -> Cached (key and id held in memory) on the first GetDeviceKey or
// GetDeviceID, back to Uninitialized on ClearDeviceKeyCache or
// DeleteCurrentDeviceKey. RegenerateDeviceKey moves either state to Cached
// with a new identity. There is no error state: every reachable path ends
// in Uninitialized or Cached.
type KeyService interface {

	// Device key lifecycle

	// GetDeviceKey returns the cached device key, recovering it from
	// storage or generating a fresh one as needed. Failure to unwrap an
	// existing record is a recoverable condition, not an error: only
	// storage unavailability surfaces as an error.
	GetDeviceKey(ctx context.Context) (*memguard.Enclave, error)

	// GetDeviceID ensures a key exists and returns the cached device id.
	GetDeviceID(ctx context.Context) (string, error)

	// HasDeviceKey reports whether a key is cached or at least one record
	// is persisted. It never generates a key as a side effect.
	HasDeviceKey(ctx context.Context) (bool, error)

	// ClearDeviceKeyCache clears only the in-memory cache; storage is
	// untouched. Idempotent and safe with an empty cache.
	ClearDeviceKeyCache()

	// DeleteCurrentDeviceKey deletes the stored record matching the
	// current cached device id, if any, and clears the cache. Idempotent.
	DeleteCurrentDeviceKey(ctx context.Context) error

	// RegenerateDeviceKey deletes the current key and forces generation of
	// a fresh key/id pair, never reusing an existing record.
	RegenerateDeviceKey(ctx context.Context) (*memguard.Enclave, error)

	// LoadDeviceKeyByID is a read-only lookup by id that does not affect
	// the cache. Returns nil for unknown ids.
	LoadDeviceKeyByID(ctx context.Context, deviceID string) (*persist.DeviceKeyRecord, error)

	// Envelope codec

	// Encrypt authenticated-encrypts plaintext under the device key and
	// returns a versioned envelope in a success result, or a failure
	// result. It never panics or returns an error value.
	Encrypt(ctx context.Context, plaintext []byte, dataType DataType) EncryptionResult

	// EncryptJSON marshals the value and encrypts it with DataTypeJSON.
	EncryptJSON(ctx context.Context, value interface{}) EncryptionResult

	// Decrypt authenticates and decrypts an envelope. Unsupported
	// versions, unparseable ciphertext and authentication failures all
	// yield the same generic failure shape.
	Decrypt(ctx context.Context, envelope *EncryptionEnvelope) DecryptionResult[[]byte]

	// Record portability

	// ExportDeviceKeys writes all wrapped-key records to a
	// passphrase-protected bundle at the given path.
	ExportDeviceKeys(ctx context.Context, path string, passphrase string) error

	// ImportDeviceKeys restores records from a bundle, returning the
	// number of records written. The cache is not touched; imported
	// records only become usable where the fingerprint matches.
	ImportDeviceKeys(ctx context.Context, path string, passphrase string) (int, error)

	// Close releases the service, wiping the cached key and closing the
	// store and audit logger.
	Close() error
}

// CryptoService implements KeyService. It owns its configuration and the
// process-wide key cache explicitly; there is no package-level mutable
// state beyond memguard's interrupt handler.
type CryptoService struct {
	config   CryptoConfig
	store    persist.Store
	provider fingerprint.Provider

	// In-memory cache: authoritative for the session while populated.
	// Both fields are replaced wholesale, never partially mutated.
	mu               sync.Mutex
	deviceKeyEnclave *memguard.Enclave
	deviceID         string

	// Memory protection
	memoryProtectionLevel mem.ProtectionLevel

	// Audit logging
	audit audit.Logger

	closed bool
}

var _ KeyService = (*CryptoService)(nil)

// New creates a CryptoService with the default configuration, the host
// fingerprint provider and no audit logging.
func New(store persist.Store) (KeyService, error) {
	return NewWithStore(DefaultConfig(), store, nil, nil)
}

// NewWithStore creates a CryptoService with the specified configuration,
// storage backend, fingerprint provider and audit logger.
//
// A nil provider selects the host provider; a nil auditLogger selects the
// no-op logger. Storage connectivity is verified before the service is
// returned, and best-effort memory locking is attempted (failure to lock
// is not fatal: enclave protection still applies).
func NewWithStore(config CryptoConfig, store persist.Store, provider fingerprint.Provider, auditLogger audit.Logger) (KeyService, error) {
	// Validate configuration before any cryptographic operation; the
	// iteration floor in particular must never be silently accepted below
	// its documented minimum.
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	// Set up audit logger - use no-op logger if none provided
	// This ensures audit operations never fail due to nil pointer access
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	if provider == nil {
		provider = fingerprint.Host()
	}

	// Test storage connectivity before proceeding
	if err := store.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}

	s := &CryptoService{
		config:                config,
		store:                 store,
		provider:              provider,
		memoryProtectionLevel: mem.ProtectionNone,
		audit:                 auditLogger,
	}

	// Attempt to enable memory protection. Best-effort: the service
	// remains functional when locking is unavailable on the platform.
	protectionLevel, err := mem.Lock()
	if err != nil {
		s.audit.Log("memory_protection", false, map[string]interface{}{
			"error": err.Error(),
		})
	}
	s.memoryProtectionLevel = protectionLevel

	s.audit.Log("service_init", true, map[string]interface{}{
		"store_type":       store.GetType(),
		"protection_level": int(protectionLevel),
	})

	return s, nil
}

// ProtectionLevel returns the memory protection level achieved at startup.
func (s *CryptoService) ProtectionLevel() mem.ProtectionLevel {
	return s.memoryProtectionLevel
}

// Config returns a structural copy of the service configuration. The
// shared value is never handed out, so callers cannot mutate it.
func (s *CryptoService) Config() CryptoConfig {
	return s.config
}

// Close wipes the cached key, closes the store and the audit logger.
// Subsequent operations on a closed service fail.
func (s *CryptoService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.clearCacheLocked()

	var firstErr error
	if err := s.store.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close store: %w", err)
	}
	if err := s.audit.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close audit logger: %w", err)
	}

	if err := mem.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// clearCacheLocked replaces the cache with the empty state. Callers must
// hold s.mu. The enclave is dropped rather than destroyed: open views may
// still be held by in-flight envelope operations, and enclave memory is
// reclaimed by memguard when unreferenced.
func (s *CryptoService) clearCacheLocked() {
	s.deviceKeyEnclave = nil
	s.deviceID = ""
}

func (s *CryptoService) checkOpen() error {
	if s.closed {
		return fmt.Errorf("service is closed")
	}
	return nil
}
