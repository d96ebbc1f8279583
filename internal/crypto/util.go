package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/framekey/internal/misc"
)

// WrapSaltV1 is the fixed, non-secret salt for the device wrapping key
// derivation. The secret here is the fingerprint's unpredictability, not
// the salt, so a constant is acceptable and keeps the wrapping key fully
// re-derivable without storing anything.
const WrapSaltV1 = "framekey/device-wrap/v1"

// DeriveWrappingKey turns a device fingerprint into the symmetric key used
// to wrap and unwrap the device content key. Deterministic: the same
// fingerprint and iteration count always yield the same key. It never
// fails; any input, including an empty fingerprint, derives some key.
//
// The caller is responsible for enforcing the iteration floor before
// handing the count in; this function trusts its arguments.
func DeriveWrappingKey(fingerprint string, iterations int) *memguard.LockedBuffer {
	key := pbkdf2.Key([]byte(fingerprint), []byte(WrapSaltV1), iterations, chacha20poly1305.KeySize, sha256.New)

	// Protect the derived key immediately
	protectedKey := memguard.NewBufferFromBytes(key)

	// Wipe the unprotected copy
	memguard.WipeBytes(key)

	return protectedKey
}

// EncryptValue is a helper function to encrypt values with a key
func EncryptValue(value, key []byte) ([]byte, error) {
	// Create cipher
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Generate nonce
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt value
	ciphertext := aead.Seal(nil, nonce, value, nil)

	// Combine nonce and ciphertext
	encrypted := make([]byte, len(nonce)+len(ciphertext))
	copy(encrypted[:len(nonce)], nonce)
	copy(encrypted[len(nonce):], ciphertext)

	return encrypted, nil
}

// DecryptValue decrypts a value using the ChaCha20-Poly1305 AEAD cipher
func DecryptValue(encryptedData, key []byte) ([]byte, error) {
	// Create the AEAD cipher using the key
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Validate input
	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	// Extract the nonce from the beginning of the encrypted data
	nonceSize := aead.NonceSize()
	nonce := encryptedData[:nonceSize]
	ciphertext := encryptedData[nonceSize:]

	// Decrypt the ciphertext
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// EncryptWithPassphrase encrypts data using a passphrase with Argon2id + ChaCha20-Poly1305.
// Used for the exported key bundle, where a human-chosen secret guards the
// payload and a memory-hard KDF is warranted.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	// Generate random salt for the KDF
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)
	defer memguard.WipeBytes(key)

	encrypted, err := EncryptValue(data, key)
	if err != nil {
		return nil, err
	}

	// Combine: salt + (nonce + ciphertext)
	result := make([]byte, len(salt)+len(encrypted))
	copy(result[:len(salt)], salt)
	copy(result[len(salt):], encrypted)

	return result, nil
}

// DecryptWithPassphrase decrypts data produced by EncryptWithPassphrase
func DecryptWithPassphrase(encryptedData []byte, passphrase string) ([]byte, error) {
	if len(encryptedData) < misc.SaltSize+chacha20poly1305.NonceSize {
		return nil, errors.New("encrypted data too short")
	}

	salt := encryptedData[:misc.SaltSize]
	payload := encryptedData[misc.SaltSize:]

	key := argon2.IDKey([]byte(passphrase), salt, misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)
	defer memguard.WipeBytes(key)

	return DecryptValue(payload, key)
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsWeakKey rejects freshly generated key material with obviously
// degenerate byte distributions (all-zero, single-byte, low variety).
func IsWeakKey(key []byte) bool {
	if len(key) < misc.DeviceKeySize {
		return true
	}

	// Check for all zeros
	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return true
	}

	// Check for all same byte
	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Basic entropy check - count unique bytes
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	// Should have reasonable variety (at least 16 different byte values)
	return len(uniqueBytes) < 16
}
