package framekey

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"southwinds.dev/framekey/internal/crypto"
	"southwinds.dev/framekey/internal/debug"
	"southwinds.dev/framekey/internal/misc"
)

// DataType labels the plaintext shape carried by an envelope so callers
// can route the decrypted bytes without guessing.
type DataType string

const (
	DataTypeString DataType = "string"
	DataTypeJSON   DataType = "json"
	DataTypeBinary DataType = "binary"
)

// EncryptionEnvelope is the versioned, self-describing ciphertext
// container. Everything in it is safe to persist or transmit: the payload
// is authenticated ciphertext and the remaining fields are non-secret
// routing metadata.
//
// Ciphertext holds base64(nonce || ciphertext+tag) as produced by
// ChaCha20-Poly1305 under the device key. DeviceID names the key the
// envelope was sealed under, which is what makes a post-rotation
// decryption failure diagnosable.
type EncryptionEnvelope struct {
	Version     int      `json:"version"`
	DeviceID    string   `json:"deviceId"`
	Ciphertext  string   `json:"ciphertext"`
	DataType    DataType `json:"dataType,omitempty"`
	EncryptedAt int64    `json:"encryptedAt"`
}

// decryptFailedMsg is the single error string for every decryption
// failure. Distinguishing "bad version" from "bad tag" from "garbled
// base64" would hand an attacker a padding-oracle-style distinguisher, so
// all failure causes collapse to this one message; the audit log keeps
// the specific cause for the operator.
const decryptFailedMsg = "decryption failed"

// Encrypt seals plaintext into a new envelope under the device key,
// establishing the key first if the cache is cold. The result is a
// discriminated union: inspect Success (or IsEncryptSuccess) before using
// the envelope. Encryption never panics and never returns a Go error;
// every failure is reported through the result.
//
// Empty plaintext is legal and produces a valid envelope.
func (s *CryptoService) Encrypt(ctx context.Context, plaintext []byte, dataType DataType) EncryptionResult {
	enclave, deviceID, err := s.activeKey(ctx)
	if err != nil {
		s.audit.Log("encrypt", false, map[string]interface{}{
			"error": err.Error(),
		})
		return encryptFailure("failed to obtain device key: " + err.Error())
	}

	keyBuffer, err := enclave.Open()
	if err != nil {
		return encryptFailure("failed to access device key")
	}
	defer keyBuffer.Destroy()

	encrypted, err := crypto.EncryptValue(plaintext, keyBuffer.Bytes())
	if err != nil {
		s.audit.Log("encrypt", false, map[string]interface{}{
			"device_id": deviceID,
			"error":     err.Error(),
		})
		return encryptFailure("encryption failed")
	}

	envelope := &EncryptionEnvelope{
		Version:     misc.EnvelopeVersion,
		DeviceID:    deviceID,
		Ciphertext:  base64.StdEncoding.EncodeToString(encrypted),
		DataType:    dataType,
		EncryptedAt: nowMillis(),
	}

	s.audit.Log("encrypt", true, map[string]interface{}{
		"device_id": deviceID,
		"data_type": string(dataType),
	})

	return EncryptionResult{Success: true, Envelope: envelope}
}

// EncryptJSON marshals the value to JSON and seals it with DataTypeJSON.
// Marshal failures are reported through the result, same as any other
// encryption failure.
func (s *CryptoService) EncryptJSON(ctx context.Context, value interface{}) EncryptionResult {
	payload, err := json.Marshal(value)
	if err != nil {
		return encryptFailure("failed to marshal value: " + err.Error())
	}
	return s.Encrypt(ctx, payload, DataTypeJSON)
}

// Decrypt authenticates and opens an envelope, returning the plaintext
// bytes in a discriminated result. All failure causes look identical to
// the caller (see decryptFailedMsg); the audit trail records the actual
// reason.
//
// Decryption requires the device key named by the fingerprint-recoverable
// record set: if the envelope was sealed under a key that has since been
// rotated away, decryption fails rather than silently regenerating
// anything.
func (s *CryptoService) Decrypt(ctx context.Context, envelope *EncryptionEnvelope) DecryptionResult[[]byte] {
	if envelope == nil {
		return decryptFailure[[]byte](decryptFailedMsg)
	}

	if envelope.Version != misc.EnvelopeVersion {
		s.audit.Log("decrypt", false, map[string]interface{}{
			"device_id": envelope.DeviceID,
			"reason":    "unsupported_version",
			"version":   envelope.Version,
		})
		return decryptFailure[[]byte](decryptFailedMsg)
	}

	encrypted, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		s.audit.Log("decrypt", false, map[string]interface{}{
			"device_id": envelope.DeviceID,
			"reason":    "malformed_payload",
		})
		return decryptFailure[[]byte](decryptFailedMsg)
	}

	enclave, err := s.GetDeviceKey(ctx)
	if err != nil {
		s.audit.Log("decrypt", false, map[string]interface{}{
			"device_id": envelope.DeviceID,
			"reason":    "key_unavailable",
			"error":     err.Error(),
		})
		return decryptFailure[[]byte](decryptFailedMsg)
	}

	keyBuffer, err := enclave.Open()
	if err != nil {
		return decryptFailure[[]byte](decryptFailedMsg)
	}
	defer keyBuffer.Destroy()

	plaintext, err := crypto.DecryptValue(encrypted, keyBuffer.Bytes())
	if err != nil {
		debug.Print("envelope for device %s failed authentication\n", envelope.DeviceID)
		s.audit.Log("decrypt", false, map[string]interface{}{
			"device_id": envelope.DeviceID,
			"reason":    "authentication_failed",
		})
		return decryptFailure[[]byte](decryptFailedMsg)
	}

	s.audit.Log("decrypt", true, map[string]interface{}{
		"device_id": envelope.DeviceID,
		"data_type": string(envelope.DataType),
	})

	return DecryptionResult[[]byte]{Success: true, Data: plaintext}
}

// DecryptString opens an envelope and returns the plaintext as a string.
func DecryptString(ctx context.Context, s KeyService, envelope *EncryptionEnvelope) DecryptionResult[string] {
	r := s.Decrypt(ctx, envelope)
	if !r.Success {
		return decryptFailure[string](r.Error)
	}
	return DecryptionResult[string]{Success: true, Data: string(r.Data)}
}

// DecryptAs opens an envelope and unmarshals the plaintext JSON into T.
// Unmarshal failures report the same generic error as any other
// decryption failure. A free function because Go methods cannot carry
// their own type parameters.
func DecryptAs[T any](ctx context.Context, s KeyService, envelope *EncryptionEnvelope) DecryptionResult[T] {
	r := s.Decrypt(ctx, envelope)
	if !r.Success {
		return decryptFailure[T](r.Error)
	}

	var value T
	if err := json.Unmarshal(r.Data, &value); err != nil {
		return decryptFailure[T](decryptFailedMsg)
	}
	return DecryptionResult[T]{Success: true, Data: value}
}
