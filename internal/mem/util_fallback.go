//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// On unsupported platforms we can still zero memory after use,
	// but cannot prevent swapping.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	// Nothing to unlock on unsupported platforms
	return nil
}
