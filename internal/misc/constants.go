package misc

const (
	// DeviceKeyRecordVersion is the current persisted record format version.
	DeviceKeyRecordVersion = 1

	// EnvelopeVersion is the current envelope container format version.
	EnvelopeVersion = 1

	// MinPBKDF2Iterations is the documented design floor for the wrapping
	// key derivation; configuration below it is rejected, not clamped.
	MinPBKDF2Iterations = 100000

	// DeviceKeySize is the size of the device content key in bytes.
	DeviceKeySize = 32

	// ArgonTime export bundle key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 32

	FilePermissions = 0600 // user read + write
)
