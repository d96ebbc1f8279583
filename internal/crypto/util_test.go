package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

func TestDeriveWrappingKeyDeterministic(t *testing.T) {
	a := DeriveWrappingKey("agent|en_US|4||||sig", 100000)
	defer a.Destroy()
	b := DeriveWrappingKey("agent|en_US|4||||sig", 100000)
	defer b.Destroy()

	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("Same fingerprint and iterations should derive the same key")
	}
	if len(a.Bytes()) != chacha20poly1305.KeySize {
		t.Errorf("Derived key should be %d bytes, got %d", chacha20poly1305.KeySize, len(a.Bytes()))
	}
}

func TestDeriveWrappingKeyVariesWithInputs(t *testing.T) {
	base := DeriveWrappingKey("fingerprint-a", 100000)
	defer base.Destroy()

	otherFP := DeriveWrappingKey("fingerprint-b", 100000)
	defer otherFP.Destroy()
	if bytes.Equal(base.Bytes(), otherFP.Bytes()) {
		t.Error("Different fingerprints should derive different keys")
	}

	otherIter := DeriveWrappingKey("fingerprint-a", 100001)
	defer otherIter.Destroy()
	if bytes.Equal(base.Bytes(), otherIter.Bytes()) {
		t.Error("Different iteration counts should derive different keys")
	}
}

func TestEncryptDecryptValueRoundTrip(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	plaintext := []byte("the quick brown fox")

	encrypted, err := EncryptValue(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptValue failed: %v", err)
	}
	if bytes.Contains(encrypted, plaintext) {
		t.Error("Ciphertext should not contain plaintext")
	}

	decrypted, err := DecryptValue(encrypted, key)
	if err != nil {
		t.Fatalf("DecryptValue failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Round trip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptValueUniqueNonces(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	rand.Read(key)

	a, err := EncryptValue([]byte("same input"), key)
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncryptValue([]byte("same input"), key)
	if err != nil {
		t.Fatal(err)
	}

	if bytes.Equal(a, b) {
		t.Error("Encrypting the same plaintext twice should produce different ciphertexts")
	}
}

func TestDecryptValueRejectsTampering(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	rand.Read(key)

	encrypted, err := EncryptValue([]byte("payload"), key)
	if err != nil {
		t.Fatal(err)
	}

	// Flip one ciphertext bit
	tampered := make([]byte, len(encrypted))
	copy(tampered, encrypted)
	tampered[len(tampered)-1] ^= 0x01

	if _, err = DecryptValue(tampered, key); err == nil {
		t.Error("Tampered ciphertext should fail authentication")
	}
}

func TestDecryptValueRejectsWrongKey(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	rand.Read(key)
	wrongKey := make([]byte, chacha20poly1305.KeySize)
	rand.Read(wrongKey)

	encrypted, err := EncryptValue([]byte("payload"), key)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = DecryptValue(encrypted, wrongKey); err == nil {
		t.Error("Decryption with the wrong key should fail")
	}
}

func TestDecryptValueRejectsShortInput(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	rand.Read(key)

	if _, err := DecryptValue([]byte("short"), key); err == nil {
		t.Error("Truncated input should be rejected")
	}
}

func TestEncryptWithPassphraseRoundTrip(t *testing.T) {
	data := []byte(`{"records":[]}`)
	passphrase := "correct horse battery staple"

	sealed, err := EncryptWithPassphrase(data, passphrase)
	if err != nil {
		t.Fatalf("EncryptWithPassphrase failed: %v", err)
	}

	opened, err := DecryptWithPassphrase(sealed, passphrase)
	if err != nil {
		t.Fatalf("DecryptWithPassphrase failed: %v", err)
	}
	if !bytes.Equal(opened, data) {
		t.Error("Round trip mismatch")
	}

	if _, err = DecryptWithPassphrase(sealed, "wrong passphrase"); err == nil {
		t.Error("Wrong passphrase should fail")
	}
}

func TestIsWeakKey(t *testing.T) {
	weak := [][]byte{
		make([]byte, 32),           // all zeros
		bytes.Repeat([]byte{7}, 32), // single byte
		{1, 2, 3},                  // too short
	}
	for i, key := range weak {
		if !IsWeakKey(key) {
			t.Errorf("Key %d should be considered weak", i)
		}
	}

	strong := make([]byte, 32)
	rand.Read(strong)
	if IsWeakKey(strong) {
		t.Error("Random key should not be considered weak")
	}
}

func TestCalculateChecksum(t *testing.T) {
	a := CalculateChecksum([]byte("data"))
	b := CalculateChecksum([]byte("data"))
	c := CalculateChecksum([]byte("other"))

	if a != b {
		t.Error("Checksum should be deterministic")
	}
	if a == c {
		t.Error("Different data should produce different checksums")
	}
	if len(a) != 64 {
		t.Errorf("SHA-256 hex checksum should be 64 chars, got %d", len(a))
	}
}
