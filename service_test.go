package framekey

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"southwinds.dev/framekey/fingerprint"
	"southwinds.dev/framekey/persist"
)

func testProvider(tag string) fingerprint.Provider {
	return fingerprint.Static(fingerprint.Signals{
		UserAgent:           "test-agent/" + tag,
		Language:            "en_US",
		HardwareConcurrency: 4,
		RenderSignature:     "render-" + tag,
	})
}

func newTestStore(t *testing.T) persist.Store {
	t.Helper()
	store, err := persist.NewFileSystemStore(t.TempDir(), DefaultStorageKey)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store
}

func newTestService(t *testing.T, store persist.Store, provider fingerprint.Provider) *CryptoService {
	t.Helper()
	svc, err := NewWithStore(DefaultConfig(), store, provider, nil)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return svc.(*CryptoService)
}

// countingStore wraps a Store and counts calls, for asserting cache hits.
type countingStore struct {
	persist.Store
	mu          sync.Mutex
	getAllCalls int
}

func (c *countingStore) GetAll(ctx context.Context) ([]persist.DeviceKeyRecord, error) {
	c.mu.Lock()
	c.getAllCalls++
	c.mu.Unlock()
	return c.Store.GetAll(ctx)
}

// failingStore simulates a storage outage on every read.
type failingStore struct {
	persist.Store
}

func (f *failingStore) GetAll(ctx context.Context) ([]persist.DeviceKeyRecord, error) {
	return nil, fmt.Errorf("storage unavailable")
}

func TestGetDeviceKeyGeneratesAndPersists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := newTestService(t, store, testProvider("gen"))
	defer svc.Close()

	enclave, err := svc.GetDeviceKey(ctx)
	if err != nil {
		t.Fatalf("GetDeviceKey failed: %v", err)
	}
	if enclave == nil {
		t.Fatal("Expected a key enclave")
	}

	buf, err := enclave.Open()
	if err != nil {
		t.Fatalf("Failed to open enclave: %v", err)
	}
	if len(buf.Bytes()) != 32 {
		t.Errorf("Device key should be 32 bytes, got %d", len(buf.Bytes()))
	}
	buf.Destroy()

	deviceID, err := svc.GetDeviceID(ctx)
	if err != nil {
		t.Fatalf("GetDeviceID failed: %v", err)
	}
	if _, err = uuid.Parse(deviceID); err != nil {
		t.Errorf("Device id should be a UUID, got %q", deviceID)
	}

	records, err := store.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected exactly one persisted record, got %d", len(records))
	}
	if records[0].DeviceID != deviceID {
		t.Errorf("Record device id %q does not match service id %q", records[0].DeviceID, deviceID)
	}
	if records[0].Version != 1 {
		t.Errorf("Record version should be 1, got %d", records[0].Version)
	}
	if records[0].WrappedKey == "" {
		t.Error("Record should carry a wrapped key")
	}
}

func TestGetDeviceKeyUsesCache(t *testing.T) {
	ctx := context.Background()
	counting := &countingStore{Store: newTestStore(t)}
	svc := newTestService(t, counting, testProvider("cache"))
	defer svc.Close()

	if _, err := svc.GetDeviceKey(ctx); err != nil {
		t.Fatal(err)
	}
	callsAfterFirst := counting.getAllCalls

	for i := 0; i < 5; i++ {
		if _, err := svc.GetDeviceKey(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if counting.getAllCalls != callsAfterFirst {
		t.Errorf("Cached calls should not touch storage: %d calls before, %d after",
			callsAfterFirst, counting.getAllCalls)
	}
}

func TestGetDeviceKeyRecoversAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	provider := testProvider("restart")

	svc1 := newTestService(t, store, provider)
	firstID, err := svc1.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Do not Close: svc1 owns the store we still need. Drop the cache to
	// simulate a new process instead.
	svc1.ClearDeviceKeyCache()

	svc2 := newTestService(t, store, provider)
	secondID, err := svc2.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if firstID != secondID {
		t.Errorf("Restart with same fingerprint should recover the same identity: %q vs %q", firstID, secondID)
	}

	records, _ := store.GetAll(ctx)
	if len(records) != 1 {
		t.Errorf("Recovery should not create new records, got %d", len(records))
	}
}

func TestFingerprintChangeGeneratesNewKeyAndKeepsOldRecord(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	svc1 := newTestService(t, store, testProvider("before"))
	oldID, err := svc1.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Same store, drifted fingerprint: the old record must not unwrap
	svc2 := newTestService(t, store, testProvider("after"))
	newID, err := svc2.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if newID == oldID {
		t.Error("Changed fingerprint should mint a new identity")
	}

	records, err := store.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("Old record must survive a fingerprint change, got %d records", len(records))
	}
}

func TestRecoveryAfterFingerprintReverts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	svc1 := newTestService(t, store, testProvider("original"))
	originalID, err := svc1.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Drift: a second identity appears alongside the first
	svc2 := newTestService(t, store, testProvider("drifted"))
	if _, err = svc2.GetDeviceID(ctx); err != nil {
		t.Fatal(err)
	}

	// Revert: the original record becomes the recoverable one again
	svc3 := newTestService(t, store, testProvider("original"))
	revertedID, err := svc3.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if revertedID != originalID {
		t.Errorf("Reverted fingerprint should recover the original identity: %q vs %q", revertedID, originalID)
	}
}

func TestStorageErrorPropagatesWithoutGeneration(t *testing.T) {
	ctx := context.Background()
	backing := newTestStore(t)
	svc := newTestService(t, &failingStore{Store: backing}, testProvider("outage"))

	if _, err := svc.GetDeviceKey(ctx); err == nil {
		t.Fatal("Storage outage should surface as an error, not a fresh key")
	}

	// Nothing may have been written through the failure
	records, err := backing.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("Storage failure must not generate records, got %d", len(records))
	}
}

func TestHasDeviceKeyDoesNotGenerate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := newTestService(t, store, testProvider("query"))
	defer svc.Close()

	has, err := svc.HasDeviceKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("Fresh store should report no device key")
	}

	records, _ := store.GetAll(ctx)
	if len(records) != 0 {
		t.Error("HasDeviceKey must not generate a key as a side effect")
	}

	if _, err = svc.GetDeviceKey(ctx); err != nil {
		t.Fatal(err)
	}

	has, err = svc.HasDeviceKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("Device key should be reported after generation")
	}
}

func TestClearDeviceKeyCache(t *testing.T) {
	ctx := context.Background()
	counting := &countingStore{Store: newTestStore(t)}
	svc := newTestService(t, counting, testProvider("clear"))
	defer svc.Close()

	firstID, err := svc.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	svc.ClearDeviceKeyCache()
	callsBefore := counting.getAllCalls

	secondID, err := svc.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if counting.getAllCalls <= callsBefore {
		t.Error("After a cache clear the next access should hit storage")
	}
	if firstID != secondID {
		t.Errorf("Cache clear must not change the persisted identity: %q vs %q", firstID, secondID)
	}

	// Idempotent on an empty cache
	svc.ClearDeviceKeyCache()
	svc.ClearDeviceKeyCache()
}

func TestDeleteCurrentDeviceKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := newTestService(t, store, testProvider("delete"))
	defer svc.Close()

	// Cold cache: nothing to delete, not an error
	if err := svc.DeleteCurrentDeviceKey(ctx); err != nil {
		t.Fatalf("Delete with cold cache should be a no-op: %v", err)
	}

	deviceID, err := svc.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err = svc.DeleteCurrentDeviceKey(ctx); err != nil {
		t.Fatalf("DeleteCurrentDeviceKey failed: %v", err)
	}

	record, err := store.Get(ctx, deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if record != nil {
		t.Error("Deleted record should be gone from storage")
	}

	// Deletion is total: the only record is gone and no key is reported
	has, err := svc.HasDeviceKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("HasDeviceKey should be false after deleting the only record")
	}

	// Idempotent
	if err = svc.DeleteCurrentDeviceKey(ctx); err != nil {
		t.Fatalf("Repeated delete should be a no-op: %v", err)
	}

	// Next access generates a brand-new identity
	newID, err := svc.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if newID == deviceID {
		t.Error("Identity must not be reused after deletion")
	}
}

func TestRegenerateDeviceKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := newTestService(t, store, testProvider("rotate"))
	defer svc.Close()

	oldID, err := svc.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = svc.RegenerateDeviceKey(ctx); err != nil {
		t.Fatalf("RegenerateDeviceKey failed: %v", err)
	}

	newID, err := svc.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if newID == oldID {
		t.Error("Rotation must mint a fresh identity")
	}

	// The old record is deleted by rotation, never recovered
	oldRecord, err := store.Get(ctx, oldID)
	if err != nil {
		t.Fatal(err)
	}
	if oldRecord != nil {
		t.Error("Rotation should delete the previous record")
	}

	records, _ := store.GetAll(ctx)
	if len(records) != 1 {
		t.Errorf("Expected exactly one record after rotation, got %d", len(records))
	}
}

func TestRegenerateOnColdCacheKeepsUnrelatedRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// A record from a different fingerprint is present
	other := newTestService(t, store, testProvider("other"))
	otherID, err := other.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	svc := newTestService(t, store, testProvider("rotate-cold"))
	if _, err = svc.RegenerateDeviceKey(ctx); err != nil {
		t.Fatal(err)
	}

	// Cold-cache rotation has no current key, so nothing is deleted
	record, err := store.Get(ctx, otherID)
	if err != nil {
		t.Fatal(err)
	}
	if record == nil {
		t.Error("Rotation must not delete records it does not own")
	}
}

func TestLoadDeviceKeyByID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	counting := &countingStore{Store: store}
	svc := newTestService(t, counting, testProvider("load"))
	defer svc.Close()

	deviceID, err := svc.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	record, err := svc.LoadDeviceKeyByID(ctx, deviceID)
	if err != nil {
		t.Fatalf("LoadDeviceKeyByID failed: %v", err)
	}
	if record == nil || record.DeviceID != deviceID {
		t.Errorf("Expected record for %q, got %+v", deviceID, record)
	}

	missing, err := svc.LoadDeviceKeyByID(ctx, uuid.New().String())
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("Unknown device id should return nil, not an error")
	}
}

func TestUnknownRecordVersionsAreSkipped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	provider := testProvider("versions")

	// A future-format record that this build cannot parse
	future := persist.DeviceKeyRecord{
		DeviceID:   uuid.New().String(),
		WrappedKey: "bm90LXJlYWwta2V5LW1hdGVyaWFs",
		CreatedAt:  1 << 50, // newer than anything real
		Version:    99,
	}
	if err := store.Put(ctx, future); err != nil {
		t.Fatal(err)
	}

	svc := newTestService(t, store, provider)
	defer svc.Close()

	deviceID, err := svc.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if deviceID == future.DeviceID {
		t.Error("Future-version record must not be adopted")
	}

	// The record stays in place for software that understands it
	kept, err := store.Get(ctx, future.DeviceID)
	if err != nil {
		t.Fatal(err)
	}
	if kept == nil || kept.Version != 99 {
		t.Error("Unknown-version record must be preserved untouched")
	}
}

func TestConcurrentGetDeviceKeySingleIdentity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := newTestService(t, store, testProvider("concurrent"))
	defer svc.Close()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := 0; i < len(ids); i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, err := svc.GetDeviceID(ctx)
			if err != nil {
				t.Errorf("concurrent GetDeviceID failed: %v", err)
				return
			}
			ids[n] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("Concurrent callers observed different identities: %q vs %q", id, ids[0])
		}
	}

	records, _ := store.GetAll(ctx)
	if len(records) != 1 {
		t.Errorf("Concurrent cold start should persist exactly one record, got %d", len(records))
	}
}

func TestOperationsAfterClose(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestStore(t), testProvider("closed"))

	if err := svc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Close is idempotent
	if err := svc.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}

	if _, err := svc.GetDeviceKey(ctx); err == nil {
		t.Error("GetDeviceKey on a closed service should fail")
	}
	if _, err := svc.HasDeviceKey(ctx); err == nil {
		t.Error("HasDeviceKey on a closed service should fail")
	}
}

func TestNewWithStoreValidation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	if _, err := NewWithStore(DefaultConfig(), nil, nil, nil); err == nil {
		t.Error("Nil store should be rejected")
	}

	weak := DefaultConfig().WithIterations(1000)
	if _, err := NewWithStore(weak, store, nil, nil); err == nil {
		t.Error("Iteration count below the floor should be rejected, not clamped")
	}
}
