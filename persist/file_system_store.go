package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700
)

// FileSystemStore implements Store on the local filesystem: one JSON file
// per device key record under basePath/<storageKey>/. Writes go through a
// temp file and rename, so a record is either fully present or absent -
// there is never a window where a partially written record is readable.
type FileSystemStore struct {
	basePath   string
	storageKey string
	tablePath  string // basePath/storageKey/
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string, storageKey string) (*FileSystemStore, error) {
	if err := validateStorageKey(storageKey); err != nil {
		return nil, fmt.Errorf("invalid storage key: %w", err)
	}

	fs := &FileSystemStore{
		basePath:   basePath,
		storageKey: storageKey,
		tablePath:  filepath.Join(basePath, storageKey),
	}

	if err := os.MkdirAll(fs.tablePath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create record directory %s: %w", fs.tablePath, err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig, storageKey string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath, storageKey)
}

func (fs *FileSystemStore) recordPath(deviceID string) string {
	return filepath.Join(fs.tablePath, deviceID+".json")
}

// Put stores a record, overwriting any existing record for the same id.
func (fs *FileSystemStore) Put(ctx context.Context, record DeviceKeyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateDeviceID(record.DeviceID); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err = os.MkdirAll(fs.tablePath, DirPermissions); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	return writeSecureFile(fs.recordPath(record.DeviceID), data, FilePermissions)
}

// Get retrieves the record for the given id, or nil if none exists.
func (fs *FileSystemStore) Get(ctx context.Context, deviceID string) (*DeviceKeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fs.recordPath(deviceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read record %s: %w", deviceID, err)
	}

	var record DeviceKeyRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse record %s: %w", deviceID, err)
	}

	return &record, nil
}

// GetAll retrieves every stored record, newest first.
func (fs *FileSystemStore) GetAll(ctx context.Context) ([]DeviceKeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fs.tablePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []DeviceKeyRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read record directory: %w", err)
	}

	records := make([]DeviceKeyRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(fs.tablePath, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read record file %s: %w", entry.Name(), err)
		}

		var record DeviceKeyRecord
		if err = json.Unmarshal(data, &record); err != nil {
			// Unparseable rows stay on disk but are not returned; the
			// lifecycle layer treats their absence as unrecoverable anyway.
			continue
		}

		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt > records[j].CreatedAt
	})

	return records, nil
}

// Delete removes the record for the given id. Missing ids are a no-op.
func (fs *FileSystemStore) Delete(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateDeviceID(deviceID); err != nil {
		return err
	}

	if err := os.Remove(fs.recordPath(deviceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record %s: %w", deviceID, err)
	}
	return nil
}

// Ping verifies the record directory is reachable and writable.
func (fs *FileSystemStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(fs.tablePath, DirPermissions); err != nil {
		return fmt.Errorf("record directory not writable: %w", err)
	}
	return nil
}

// Close is a no-op for the filesystem store.
func (fs *FileSystemStore) Close() error {
	return nil
}

// GetType returns the store type identifier.
func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
