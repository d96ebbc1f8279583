package framekey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/framekey/fingerprint"
	"southwinds.dev/framekey/internal/crypto"
	"southwinds.dev/framekey/internal/debug"
	"southwinds.dev/framekey/internal/misc"
	"southwinds.dev/framekey/persist"
)

// GetDeviceKey retrieves the active device key for envelope operations,
// in order of preference:
//
//  1. the in-memory cache, when populated;
//  2. recovery: each persisted record is tried newest-first against the
//     wrapping key derived from the current fingerprint, and the first
//     record that unwraps cleanly wins;
//  3. generation: a fresh random key under a fresh device id, wrapped and
//     persisted as a new record.
//
// Records that fail to unwrap (a changed fingerprint, a tampered record,
// an unknown format version) are skipped, never deleted: the data they
// protect may become recoverable again if the environment reverts.
// Storage failures are the only error path; a storage outage must never
// trigger generation of a decoy key that would encrypt new data under an
// identity the existing ciphertexts do not share.
//
// The returned enclave holds the raw 32-byte key; open it only for the
// duration of a single cryptographic operation.
//
// Concurrent callers are serialized, so a burst of calls on a cold cache
// yields one recovery or generation pass rather than several competing
// ones.
func (s *CryptoService) GetDeviceKey(ctx context.Context) (*memguard.Enclave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDeviceKeyLocked(ctx)
}

func (s *CryptoService) getDeviceKeyLocked(ctx context.Context) (*memguard.Enclave, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if s.deviceKeyEnclave != nil {
		return s.deviceKeyEnclave, nil
	}

	// Derive the wrapping key once per pass; it is identical for every
	// candidate record and PBKDF2 dominates the cost of this path.
	fp := fingerprint.Collect(s.provider)
	wrappingKey := crypto.DeriveWrappingKey(fp, s.config.PBKDF2Iterations)
	defer wrappingKey.Destroy()

	recovered, err := s.recoverDeviceKeyLocked(ctx, wrappingKey)
	if err != nil {
		return nil, err
	}
	if recovered {
		return s.deviceKeyEnclave, nil
	}

	if err := s.generateDeviceKeyLocked(ctx, wrappingKey); err != nil {
		return nil, err
	}
	return s.deviceKeyEnclave, nil
}

// recoverDeviceKeyLocked attempts to unwrap a persisted record with the
// given wrapping key, populating the cache on success. Returns false with
// a nil error when no record is usable.
func (s *CryptoService) recoverDeviceKeyLocked(ctx context.Context, wrappingKey *memguard.LockedBuffer) (bool, error) {
	records, err := s.store.GetAll(ctx)
	if err != nil {
		s.audit.Log("device_key_recover", false, map[string]interface{}{
			"error": err.Error(),
		})
		return false, fmt.Errorf("failed to list device key records: %w", err)
	}

	for _, record := range records {
		if record.Version != misc.DeviceKeyRecordVersion {
			// Future record formats are invisible to this build; leave
			// them in place for the code that understands them.
			s.audit.Log("device_key_skip_version", true, map[string]interface{}{
				"device_id": record.DeviceID,
				"version":   record.Version,
			})
			continue
		}

		wrapped, decErr := base64.StdEncoding.DecodeString(record.WrappedKey)
		if decErr != nil {
			debug.Print("record %s: wrapped key is not valid base64\n", record.DeviceID)
			continue
		}

		keyBytes, unwrapErr := crypto.DecryptValue(wrapped, wrappingKey.Bytes())
		if unwrapErr != nil {
			// Expected whenever the fingerprint has drifted since the
			// record was written. Not an error condition.
			continue
		}
		if len(keyBytes) != misc.DeviceKeySize {
			memguard.WipeBytes(keyBytes)
			continue
		}

		s.deviceKeyEnclave = memguard.NewEnclave(keyBytes)
		s.deviceID = record.DeviceID

		s.audit.Log("device_key_recover", true, map[string]interface{}{
			"device_id":  record.DeviceID,
			"candidates": len(records),
		})
		return true, nil
	}

	return false, nil
}

// generateDeviceKeyLocked mints a fresh key and device id, persists the
// wrapped record and populates the cache. The record is durable before the
// key is ever handed out: handing out an unpersisted key would let data be
// encrypted under an identity that a crash could erase forever.
func (s *CryptoService) generateDeviceKeyLocked(ctx context.Context, wrappingKey *memguard.LockedBuffer) error {
	keyBytes := make([]byte, misc.DeviceKeySize)
	if _, err := rand.Read(keyBytes); err != nil {
		return fmt.Errorf("failed to generate device key: %w", err)
	}
	if crypto.IsWeakKey(keyBytes) {
		memguard.WipeBytes(keyBytes)
		return fmt.Errorf("generated device key failed quality check")
	}

	deviceID := uuid.New().String()

	wrapped, err := crypto.EncryptValue(keyBytes, wrappingKey.Bytes())
	if err != nil {
		memguard.WipeBytes(keyBytes)
		return fmt.Errorf("failed to wrap device key: %w", err)
	}

	record := persist.DeviceKeyRecord{
		DeviceID:   deviceID,
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		CreatedAt:  time.Now().UnixMilli(),
		Version:    misc.DeviceKeyRecordVersion,
	}
	if err = s.store.Put(ctx, record); err != nil {
		memguard.WipeBytes(keyBytes)
		s.audit.Log("device_key_generate", false, map[string]interface{}{
			"device_id": deviceID,
			"error":     err.Error(),
		})
		return fmt.Errorf("failed to persist device key record: %w", err)
	}

	s.deviceKeyEnclave = memguard.NewEnclave(keyBytes)
	s.deviceID = deviceID

	s.audit.Log("device_key_generate", true, map[string]interface{}{
		"device_id": deviceID,
	})
	return nil
}

// activeKey returns the device key and id in one pass, establishing them
// if needed.
func (s *CryptoService) activeKey(ctx context.Context) (*memguard.Enclave, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enclave, err := s.getDeviceKeyLocked(ctx)
	if err != nil {
		return nil, "", err
	}
	return enclave, s.deviceID, nil
}

// GetDeviceID returns the device id of the active key, running the same
// recover-or-generate path as GetDeviceKey when the cache is cold. The id
// is non-secret and suitable for correlating records and audit events.
func (s *CryptoService) GetDeviceID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getDeviceKeyLocked(ctx); err != nil {
		return "", err
	}
	return s.deviceID, nil
}

// HasDeviceKey reports whether a device key exists, either cached or as at
// least one persisted record. A true result does not guarantee the record
// is recoverable under the current fingerprint; it only reflects presence.
// This is a pure query: it never generates a key and never touches the
// cache.
func (s *CryptoService) HasDeviceKey(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return false, err
	}

	if s.deviceKeyEnclave != nil {
		return true, nil
	}

	records, err := s.store.GetAll(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list device key records: %w", err)
	}
	return len(records) > 0, nil
}

// ClearDeviceKeyCache drops the cached key and device id without touching
// storage. The next GetDeviceKey re-runs recovery. Safe to call at any
// time, including on an empty cache.
func (s *CryptoService) ClearDeviceKeyCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearCacheLocked()
	s.audit.Log("device_key_cache_clear", true, nil)
}

// DeleteCurrentDeviceKey removes the persisted record for the currently
// cached device id, if one is cached, and clears the cache. With a cold
// cache only the cache-clear happens; stored records are never deleted
// blindly. Idempotent.
//
// Data encrypted under the deleted key becomes permanently unrecoverable.
func (s *CryptoService) DeleteCurrentDeviceKey(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.deleteCurrentDeviceKeyLocked(ctx)
}

func (s *CryptoService) deleteCurrentDeviceKeyLocked(ctx context.Context) error {
	deviceID := s.deviceID
	if deviceID != "" {
		if err := s.store.Delete(ctx, deviceID); err != nil {
			s.audit.Log("device_key_delete", false, map[string]interface{}{
				"device_id": deviceID,
				"error":     err.Error(),
			})
			return fmt.Errorf("failed to delete device key record: %w", err)
		}
		s.audit.Log("device_key_delete", true, map[string]interface{}{
			"device_id": deviceID,
		})
	}

	s.clearCacheLocked()
	return nil
}

// RegenerateDeviceKey rotates the device key: the current key (if any) is
// deleted and a brand-new key and device id are generated and persisted.
// Recovery of old records is deliberately bypassed, so the new identity is
// always fresh.
//
// Ciphertexts produced under the previous key are not re-encrypted and
// become undecryptable once their record is gone.
func (s *CryptoService) RegenerateDeviceKey(ctx context.Context) (*memguard.Enclave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if err := s.deleteCurrentDeviceKeyLocked(ctx); err != nil {
		return nil, err
	}

	fp := fingerprint.Collect(s.provider)
	wrappingKey := crypto.DeriveWrappingKey(fp, s.config.PBKDF2Iterations)
	defer wrappingKey.Destroy()

	if err := s.generateDeviceKeyLocked(ctx, wrappingKey); err != nil {
		return nil, err
	}

	s.audit.Log("device_key_regenerate", true, map[string]interface{}{
		"device_id": s.deviceID,
	})
	return s.deviceKeyEnclave, nil
}

// LoadDeviceKeyByID returns the stored record for the given device id, or
// nil when no such record exists. The wrapped key is returned as stored;
// no unwrap is attempted and the cache is not modified.
func (s *CryptoService) LoadDeviceKeyByID(ctx context.Context, deviceID string) (*persist.DeviceKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	record, err := s.store.Get(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device key record: %w", err)
	}
	return record, nil
}
