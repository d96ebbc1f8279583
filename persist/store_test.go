package persist

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStorageKey = "test-device-key"

func testRecord(deviceID string, createdAt int64) DeviceKeyRecord {
	return DeviceKeyRecord{
		DeviceID:   deviceID,
		WrappedKey: base64.StdEncoding.EncodeToString([]byte("wrapped-" + deviceID)),
		CreatedAt:  createdAt,
		Version:    1,
	}
}

// Test the Common Store Functionality
func testStoreImplementation(t *testing.T, store Store) {
	ctx := context.Background()

	// Health and connectivity tests
	t.Run("Ping", func(t *testing.T) {
		err := store.Ping(ctx)
		assert.NoError(t, err, "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		storeType := store.GetType()
		assert.NotEmpty(t, storeType, "Store type should not be empty")
		t.Logf("Store type: %s", storeType)
	})

	t.Run("GetMissing", func(t *testing.T) {
		record, err := store.Get(ctx, "does-not-exist")
		require.NoError(t, err, "Missing record should not be an error")
		assert.Nil(t, record, "Missing record should be nil")
	})

	t.Run("GetAllEmpty", func(t *testing.T) {
		records, err := store.GetAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, records, "Fresh store should have no records")
	})

	t.Run("PutAndGet", func(t *testing.T) {
		record := testRecord("device-a", 1000)
		require.NoError(t, store.Put(ctx, record))

		loaded, err := store.Get(ctx, "device-a")
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, record, *loaded, "Loaded record should match stored record")
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		updated := testRecord("device-a", 2000)
		require.NoError(t, store.Put(ctx, updated))

		loaded, err := store.Get(ctx, "device-a")
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, int64(2000), loaded.CreatedAt, "Put should overwrite the existing record")

		records, err := store.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, records, 1, "Overwrite should not create a second record")
	})

	t.Run("GetAllNewestFirst", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, testRecord("device-b", 5000)))
		require.NoError(t, store.Put(ctx, testRecord("device-c", 3000)))

		records, err := store.GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, records, 3)

		assert.Equal(t, "device-b", records[0].DeviceID, "Newest record should come first")
		for i := 1; i < len(records); i++ {
			assert.GreaterOrEqual(t, records[i-1].CreatedAt, records[i].CreatedAt,
				"Records should be sorted newest first")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "device-c"))

		record, err := store.Get(ctx, "device-c")
		require.NoError(t, err)
		assert.Nil(t, record, "Deleted record should be gone")

		records, err := store.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		err := store.Delete(ctx, "never-existed")
		assert.NoError(t, err, "Deleting a missing record should be a no-op")
	})

	t.Run("InvalidDeviceID", func(t *testing.T) {
		invalid := []string{"", "../escape", "a/b", "a\\b"}
		for _, id := range invalid {
			err := store.Put(ctx, testRecord(id, 1))
			assert.Error(t, err, "Put should reject device id %q", id)
		}
	})

	t.Run("ConcurrentPuts", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				id := fmt.Sprintf("concurrent-%d", n)
				if err := store.Put(ctx, testRecord(id, int64(n))); err != nil {
					t.Errorf("concurrent put %s failed: %v", id, err)
				}
			}(i)
		}
		wg.Wait()

		records, err := store.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, records, 12, "All concurrent records plus survivors should be present")
	})
}

func TestFileSystemStore(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), testStorageKey)
	require.NoError(t, err)
	defer store.Close()

	testStoreImplementation(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "records.db"), testStorageKey)
	require.NoError(t, err)
	defer store.Close()

	testStoreImplementation(t, store)
}

func TestNewStoreFactory(t *testing.T) {
	t.Run("FileSystem", func(t *testing.T) {
		store, err := NewStore(StoreConfig{
			Type:   StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": t.TempDir()},
		}, testStorageKey)
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, string(StoreTypeFileSystem), store.GetType())
	})

	t.Run("SQLite", func(t *testing.T) {
		store, err := NewStore(StoreConfig{
			Type:   StoreTypeSQLite,
			Config: map[string]interface{}{"db_path": filepath.Join(t.TempDir(), "records.db")},
		}, testStorageKey)
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, string(StoreTypeSQLite), store.GetType())
	})

	t.Run("MissingConfig", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: StoreTypeFileSystem}, testStorageKey)
		assert.Error(t, err)
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: "redis"}, testStorageKey)
		assert.Error(t, err)
	})
}

func TestValidateStorageKey(t *testing.T) {
	valid := []string{"frame-e2ee-device-key", "records", "a_b-c"}
	for _, key := range valid {
		assert.NoError(t, validateStorageKey(key), "key %q should be valid", key)
	}

	invalid := []string{"", "a/b", "a\\b", "..", "has space"}
	for _, key := range invalid {
		assert.Error(t, validateStorageKey(key), "key %q should be rejected", key)
	}
}
