//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock exists on Windows but has per-process quota limitations.
	// Enclave-level protection still applies, so report partial.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	// Nothing to unlock
	return nil
}
