package models

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrNotFound           = errors.New("resource not found")
	ErrIntegrity          = errors.New("integrity check failed")
	ErrEncryption         = errors.New("encryption key unavailable")
	ErrConflict           = errors.New("sync conflict")
	ErrPreconditionFailed = errors.New("remote version precondition failed")
	ErrNetwork            = errors.New("network unavailable")
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrAuthorization      = errors.New("access not authorized")
	ErrQuarantined        = errors.New("record quarantined")
	ErrEngineClosed       = errors.New("engine is closed")
)

// IntegrityError reports a checksum mismatch on a stored record. The record
// is quarantined and withheld from callers and from sync until a fresh
// remote pull overwrites it.
type IntegrityError struct {
	Key      ResourceKey
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: checksum %s != %s", e.Key, e.Actual, e.Expected)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// EncryptionError reports a key-management failure. The operation fails
// closed; plaintext is never served from an unverifiable key.
type EncryptionError struct {
	Key        ResourceKey
	KeyVersion int
	Err        error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption failure for %s (key v%d): %v", e.Key, e.KeyVersion, e.Err)
}

func (e *EncryptionError) Unwrap() error { return ErrEncryption }

// PreconditionError reports a push rejected because the remote version
// advanced past the expected base. Routed to conflict detection, never
// blindly retried.
type PreconditionError struct {
	Key           ResourceKey
	ExpectedBase  int64
	RemoteVersion int64
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed for %s: expected base v%d, remote at v%d", e.Key, e.ExpectedBase, e.RemoteVersion)
}

func (e *PreconditionError) Unwrap() error { return ErrPreconditionFailed }

// QuotaError reports an insert that could not be satisfied even after a
// retention sweep.
type QuotaError struct {
	MaxBytes     int64
	CurrentBytes int64
	NeededBytes  int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage quota exceeded: %d/%d bytes used, %d more needed", e.CurrentBytes, e.MaxBytes, e.NeededBytes)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }
