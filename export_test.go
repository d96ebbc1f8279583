package framekey

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

const testBundlePassphrase = "correct-horse-battery-staple-2026"

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	provider := testProvider("export")

	source := newTestService(t, newTestStore(t), provider)
	defer source.Close()

	sealed := source.Encrypt(ctx, []byte("portable data"), DataTypeString)
	if !IsEncryptSuccess(sealed) {
		t.Fatal(sealed.Error)
	}

	bundlePath := filepath.Join(t.TempDir(), "keys.bundle")
	if err := source.ExportDeviceKeys(ctx, bundlePath, testBundlePassphrase); err != nil {
		t.Fatalf("ExportDeviceKeys failed: %v", err)
	}

	info, err := os.Stat(bundlePath)
	if err != nil {
		t.Fatalf("Bundle was not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Bundle should be written with 0600 permissions, got %v", info.Mode().Perm())
	}

	// A second installation with the same fingerprint imports the bundle
	target := newTestService(t, newTestStore(t), provider)
	defer target.Close()

	count, err := target.ImportDeviceKeys(ctx, bundlePath, testBundlePassphrase)
	if err != nil {
		t.Fatalf("ImportDeviceKeys failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 imported record, got %d", count)
	}

	// The imported record recovers the same identity and the old envelope opens
	sourceID, _ := source.GetDeviceID(ctx)
	targetID, err := target.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if targetID != sourceID {
		t.Errorf("Import should carry the identity over: %q vs %q", targetID, sourceID)
	}

	decrypted := target.Decrypt(ctx, sealed.Envelope)
	if !IsDecryptSuccess(decrypted) {
		t.Fatalf("Imported key should decrypt old envelopes: %s", decrypted.Error)
	}
	if !bytes.Equal(decrypted.Data, []byte("portable data")) {
		t.Error("Round trip mismatch after import")
	}
}

func TestExportRejectsWeakPassphrase(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestStore(t), testProvider("weak-pass"))
	defer svc.Close()

	if _, err := svc.GetDeviceKey(ctx); err != nil {
		t.Fatal(err)
	}

	bundlePath := filepath.Join(t.TempDir(), "keys.bundle")
	weak := []string{"short", "password1234", "aaaaaaaaaaaaaaaa"}
	for _, passphrase := range weak {
		if err := svc.ExportDeviceKeys(ctx, bundlePath, passphrase); err == nil {
			t.Errorf("Passphrase %q should be rejected", passphrase)
		}
	}

	if _, err := os.Stat(bundlePath); !os.IsNotExist(err) {
		t.Error("No bundle should be written for a rejected passphrase")
	}
}

func TestExportWithNoRecords(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestStore(t), testProvider("no-records"))
	defer svc.Close()

	bundlePath := filepath.Join(t.TempDir(), "keys.bundle")
	if err := svc.ExportDeviceKeys(ctx, bundlePath, testBundlePassphrase); err == nil {
		t.Error("Export with no records should fail")
	}
}

func TestImportRejectsWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	provider := testProvider("wrong-pass")

	source := newTestService(t, newTestStore(t), provider)
	defer source.Close()
	if _, err := source.GetDeviceKey(ctx); err != nil {
		t.Fatal(err)
	}

	bundlePath := filepath.Join(t.TempDir(), "keys.bundle")
	if err := source.ExportDeviceKeys(ctx, bundlePath, testBundlePassphrase); err != nil {
		t.Fatal(err)
	}

	target := newTestService(t, newTestStore(t), provider)
	defer target.Close()

	if _, err := target.ImportDeviceKeys(ctx, bundlePath, "not-the-right-passphrase-at-all"); err == nil {
		t.Error("Wrong passphrase should fail to unseal the bundle")
	}
}

func TestImportRejectsCorruptedBundle(t *testing.T) {
	ctx := context.Background()
	provider := testProvider("corrupt")

	source := newTestService(t, newTestStore(t), provider)
	defer source.Close()
	if _, err := source.GetDeviceKey(ctx); err != nil {
		t.Fatal(err)
	}

	bundlePath := filepath.Join(t.TempDir(), "keys.bundle")
	if err := source.ExportDeviceKeys(ctx, bundlePath, testBundlePassphrase); err != nil {
		t.Fatal(err)
	}

	// Flip a byte in the sealed bundle
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0x01
	if err = os.WriteFile(bundlePath, data, 0600); err != nil {
		t.Fatal(err)
	}

	target := newTestService(t, newTestStore(t), provider)
	defer target.Close()

	if _, err = target.ImportDeviceKeys(ctx, bundlePath, testBundlePassphrase); err == nil {
		t.Error("Corrupted bundle should fail authentication")
	}
}

func TestImportedRecordUnusableUnderDifferentFingerprint(t *testing.T) {
	ctx := context.Background()

	source := newTestService(t, newTestStore(t), testProvider("machine-a"))
	defer source.Close()
	sourceID, err := source.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	bundlePath := filepath.Join(t.TempDir(), "keys.bundle")
	if err = source.ExportDeviceKeys(ctx, bundlePath, testBundlePassphrase); err != nil {
		t.Fatal(err)
	}

	// Different fingerprint: the record imports but never unwraps
	target := newTestService(t, newTestStore(t), testProvider("machine-b"))
	defer target.Close()

	count, err := target.ImportDeviceKeys(ctx, bundlePath, testBundlePassphrase)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("Expected 1 imported record, got %d", count)
	}

	targetID, err := target.GetDeviceID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if targetID == sourceID {
		t.Error("A foreign fingerprint must not recover the imported identity")
	}
}
