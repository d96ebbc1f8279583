package framekey

import (
	"fmt"

	"southwinds.dev/framekey/internal/misc"
)

// Default configuration values.
const (
	// DefaultStorageKey is the namespace under which wrapped device key
	// records are persisted.
	DefaultStorageKey = "frame-e2ee-device-key"

	// DefaultPBKDF2Iterations is the PBKDF2 iteration count used to
	// derive the wrapping key from the device fingerprint.
	DefaultPBKDF2Iterations = 100000

	// MinPBKDF2Iterations is the hard floor below which configurations
	// are rejected outright.
	MinPBKDF2Iterations = misc.MinPBKDF2Iterations
)

// CryptoConfig carries the tunable parameters of a CryptoService. Values
// are fixed at construction time; derive modified copies with
// WithIterations / WithStorageKey before constructing the service.
type CryptoConfig struct {
	// DeviceKeyStorageKey namespaces persisted records within the store.
	DeviceKeyStorageKey string

	// PBKDF2Iterations is the wrapping key derivation work factor. Must
	// be at least MinPBKDF2Iterations.
	PBKDF2Iterations int
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() CryptoConfig {
	return CryptoConfig{
		DeviceKeyStorageKey: DefaultStorageKey,
		PBKDF2Iterations:    DefaultPBKDF2Iterations,
	}
}

// Validate checks the configuration for use. Iteration counts below the
// floor are rejected, never clamped: silently weakening the work factor
// would let a typo degrade every wrapping key derived afterwards.
func (c CryptoConfig) Validate() error {
	if c.DeviceKeyStorageKey == "" {
		return fmt.Errorf("device key storage key cannot be empty")
	}
	if c.PBKDF2Iterations < MinPBKDF2Iterations {
		return fmt.Errorf("PBKDF2 iterations must be at least %d, got %d",
			MinPBKDF2Iterations, c.PBKDF2Iterations)
	}
	return nil
}

// WithIterations returns a copy with the iteration count replaced.
func (c CryptoConfig) WithIterations(iterations int) CryptoConfig {
	c.PBKDF2Iterations = iterations
	return c
}

// WithStorageKey returns a copy with the storage key replaced.
func (c CryptoConfig) WithStorageKey(key string) CryptoConfig {
	c.DeviceKeyStorageKey = key
	return c
}
