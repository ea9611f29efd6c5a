// Package protocol defines the wire contract shared by every remote
// administrative program: the single-object JSON response envelope, the
// closed error-code taxonomy surfaced to the UI, and the API
// compatibility rule applied to every response.
package protocol

import (
	"errors"
	"fmt"
)

// Code identifies one kind of failure (or warning) surfaced to the UI.
// The set is closed: feature modules never invent codes outside it.
type Code string

const (
	// Codes mapped from remote ERR_* responses.
	CodeLocked            Code = "Locked"
	CodeDependency        Code = "Dependency"
	CodeInvalidInput      Code = "InvalidInput"
	CodeInvalidRule       Code = "InvalidRule"
	CodePendingExpired    Code = "PendingExpired"
	CodeAlreadyConfigured Code = "AlreadyConfigured"
	CodeOtpExpired        Code = "OtpExpired"
	CodeInvalidPubkey     Code = "InvalidPubkey"
	CodeNoRiseAdmin       Code = "NoRiseAdmin"
	CodePermission        Code = "Permission"
	CodeOperationFailed   Code = "OperationFailed"

	// Codes raised locally.
	CodeProtocol           Code = "Protocol"
	CodeApiIncompatible    Code = "ApiIncompatible"
	CodeApiDrift           Code = "ApiDrift"
	CodeCacheIntegrity     Code = "CacheIntegrity"
	CodeDeadline           Code = "Deadline"
	CodeNotConnected       Code = "NotConnected"
	CodeNoCredentials      Code = "NoCredentials"
	CodeNewHost            Code = "NewHost"
	CodeFingerprintChanged Code = "FingerprintChanged"
	CodeAlgorithmChanged   Code = "AlgorithmChanged"
	CodeUnreachable        Code = "Unreachable"
	CodeRootNoKey          Code = "RootNoKey"
	CodeInsecureStorage    Code = "InsecureStorage"
	CodeNoLocalization     Code = "NoLocalization"
	CodeCancelled          Code = "Cancelled"
)

// remoteCodes maps the ERR_* strings the programs emit to taxonomy codes.
// Unknown remote codes collapse to OperationFailed with the message kept.
var remoteCodes = map[string]Code{
	"ERR_LOCKED":             CodeLocked,
	"ERR_DEPENDENCY":         CodeDependency,
	"ERR_INVALID_INPUT":      CodeInvalidInput,
	"ERR_INVALID_RULE":       CodeInvalidRule,
	"ERR_PENDING_EXPIRED":    CodePendingExpired,
	"ERR_ALREADY_CONFIGURED": CodeAlreadyConfigured,
	"ERR_OTP_EXPIRED":        CodeOtpExpired,
	"ERR_INVALID_PUBKEY":     CodeInvalidPubkey,
	"ERR_NO_RISE_ADMIN":      CodeNoRiseAdmin,
	"ERR_PERMISSION":         CodePermission,
	"ERR_OPERATION_FAILED":   CodeOperationFailed,
	"WARN_ROOT_NO_KEY":       CodeRootNoKey,
}

// Error is a typed failure value. Warning-kind errors (ApiDrift, RootNoKey,
// CacheIntegrity) are delivered alongside results, never instead of them.
type Error struct {
	Code       Code
	Message    string
	RemoteCode string // original ERR_* token, empty for local errors
	ExitCode   int    // remote exit code, 0 when raised locally
}

func (e *Error) Error() string {
	if e.RemoteCode != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.RemoteCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Fatal reports whether this error closes the connection and requires
// explicit user action before retry.
func (e *Error) Fatal() bool {
	switch e.Code {
	case CodeFingerprintChanged, CodeAlgorithmChanged, CodeApiIncompatible:
		return true
	}
	return false
}

// Warning reports whether this code is advisory rather than a failure.
func (e *Error) Warning() bool {
	switch e.Code {
	case CodeApiDrift, CodeRootNoKey, CodeCacheIntegrity:
		return true
	}
	return false
}

// New builds a local error with the given code.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromRemote maps a remote error response to a typed error. The remote
// message is carried verbatim; the UI layer localizes it.
func FromRemote(remoteCode, message string, exitCode int) *Error {
	code, ok := remoteCodes[remoteCode]
	if !ok {
		code = CodeOperationFailed
	}
	return &Error{Code: code, Message: message, RemoteCode: remoteCode, ExitCode: exitCode}
}

// IsCode reports whether err is (or wraps) a protocol error with the code.
func IsCode(err error, code Code) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
