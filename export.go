package framekey

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"southwinds.dev/framekey/internal/crypto"
	"southwinds.dev/framekey/internal/misc"
	"southwinds.dev/framekey/persist"
)

// exportContainer is the plaintext structure inside an export bundle.
// Records stay in wrapped form: the export moves wrapped keys between
// stores, it never exposes raw key material.
type exportContainer struct {
	Version    int                       `json:"version"`
	ExportedAt int64                     `json:"exportedAt"`
	Checksum   string                    `json:"checksum"`
	Records    []persist.DeviceKeyRecord `json:"records"`
}

const exportContainerVersion = 1

// ExportDeviceKeys writes every stored wrapped-key record to a
// passphrase-protected bundle at path. The bundle is sealed with an
// Argon2id-derived key, so a strong passphrase is enforced before
// anything is written.
//
// Exported records remain wrapped under their original fingerprints;
// importing them elsewhere only makes them usable on a device whose
// fingerprint matches.
func (s *CryptoService) ExportDeviceKeys(ctx context.Context, path string, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	if err := validatePassphrase(passphrase); err != nil {
		return err
	}

	records, err := s.store.GetAll(ctx)
	if err != nil {
		s.audit.Log("device_keys_export", false, map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("failed to list device key records: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("no device key records to export")
	}

	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to serialize records: %w", err)
	}

	container := exportContainer{
		Version:    exportContainerVersion,
		ExportedAt: nowMillis(),
		Checksum:   crypto.CalculateChecksum(recordsJSON),
		Records:    records,
	}

	plaintext, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to serialize export container: %w", err)
	}

	sealed, err := crypto.EncryptWithPassphrase(plaintext, passphrase)
	if err != nil {
		return fmt.Errorf("failed to seal export bundle: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	if err = os.WriteFile(path, sealed, misc.FilePermissions); err != nil {
		s.audit.Log("device_keys_export", false, map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("failed to write export bundle: %w", err)
	}

	s.audit.Log("device_keys_export", true, map[string]interface{}{
		"records": len(records),
	})

	return nil
}

// ImportDeviceKeys restores wrapped-key records from a bundle produced by
// ExportDeviceKeys, returning the number of records written. Records
// already present under the same device id are overwritten; the cache is
// left untouched, so the next GetDeviceKey re-runs recovery against the
// merged record set.
func (s *CryptoService) ImportDeviceKeys(ctx context.Context, path string, passphrase string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	sealed, err := os.ReadFile(path)
	if err != nil {
		if misc.IsNotFoundError(err) {
			return 0, fmt.Errorf("export bundle not found at %s", path)
		}
		return 0, fmt.Errorf("failed to read export bundle: %w", err)
	}

	plaintext, err := crypto.DecryptWithPassphrase(sealed, passphrase)
	if err != nil {
		s.audit.Log("device_keys_import", false, map[string]interface{}{
			"reason": "unseal_failed",
		})
		return 0, fmt.Errorf("failed to unseal export bundle: invalid passphrase or corrupted file")
	}

	var container exportContainer
	if err = json.Unmarshal(plaintext, &container); err != nil {
		return 0, fmt.Errorf("failed to parse export container: %w", err)
	}
	if container.Version != exportContainerVersion {
		return 0, fmt.Errorf("unsupported export container version: %d", container.Version)
	}

	recordsJSON, err := json.Marshal(container.Records)
	if err != nil {
		return 0, fmt.Errorf("failed to verify export container: %w", err)
	}
	if crypto.CalculateChecksum(recordsJSON) != container.Checksum {
		s.audit.Log("device_keys_import", false, map[string]interface{}{
			"reason": "checksum_mismatch",
		})
		return 0, fmt.Errorf("export container checksum mismatch")
	}

	imported := 0
	for _, record := range container.Records {
		if record.DeviceID == "" || record.WrappedKey == "" {
			continue
		}
		if err = s.store.Put(ctx, record); err != nil {
			s.audit.Log("device_keys_import", false, map[string]interface{}{
				"device_id": record.DeviceID,
				"error":     err.Error(),
			})
			return imported, fmt.Errorf("failed to store imported record %s: %w", record.DeviceID, err)
		}
		imported++
	}

	s.audit.Log("device_keys_import", true, map[string]interface{}{
		"records": imported,
	})

	return imported, nil
}
