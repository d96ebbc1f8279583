package framekey

// EncryptionResult is the discriminated outcome of an envelope encryption.
// Exactly one of Envelope or Error is meaningful, selected by Success.
// Callers must branch on Success (or IsEncryptSuccess) before touching
// either payload field.
type EncryptionResult struct {
	Success  bool
	Envelope *EncryptionEnvelope
	Error    string
}

// DecryptionResult is the discriminated outcome of an envelope decryption,
// generic over the recovered payload type.
type DecryptionResult[T any] struct {
	Success bool
	Data    T
	Error   string
}

// IsEncryptSuccess reports whether the result carries an envelope.
func IsEncryptSuccess(r EncryptionResult) bool {
	return r.Success && r.Envelope != nil
}

// IsDecryptSuccess reports whether the result carries recovered data.
func IsDecryptSuccess[T any](r DecryptionResult[T]) bool {
	return r.Success
}

func encryptFailure(msg string) EncryptionResult {
	return EncryptionResult{Success: false, Error: msg}
}

func decryptFailure[T any](msg string) DecryptionResult[T] {
	return DecryptionResult[T]{Success: false, Error: msg}
}
