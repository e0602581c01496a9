// Package common provides shared constants, types, and utilities
// used across wirevault.
package common

import (
	"errors"
	"fmt"
)

// Sentinel errors for tunnel operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Configuration errors.
	ErrConfigInvalid = errors.New("invalid tunnel configuration")

	// Platform errors.
	ErrPrivilegeDenied    = errors.New("privilege denied")
	ErrProcessSpawnFailed = errors.New("failed to start wireguard process")
	ErrInterfaceConflict  = errors.New("interface conflict")
	ErrTimeout            = errors.New("operation timed out")

	// Daemon errors.
	ErrDaemonUnavailable   = errors.New("daemon unavailable")
	ErrDaemonCommandFailed = errors.New("daemon command failed")

	// Registry and lifecycle errors.
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Wire codes for the sentinel errors. They are stable across versions.
const (
	CodeConfigInvalid      = "config_invalid"
	CodePrivilegeDenied    = "privilege_denied"
	CodeProcessSpawnFailed = "process_spawn_failed"
	CodeInterfaceConflict  = "interface_conflict"
	CodeTimeout            = "timeout"
	CodeDaemonUnavailable  = "daemon_unavailable"
	CodeCommandFailed      = "command_failed"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeUnsupportedVersion = "unsupported_version"
	CodeBadRequest         = "bad_request"
	CodeInternal           = "internal"
)

var codeTable = []struct {
	code string
	err  error
}{
	{CodeConfigInvalid, ErrConfigInvalid},
	{CodePrivilegeDenied, ErrPrivilegeDenied},
	{CodeInterfaceConflict, ErrInterfaceConflict},
	{CodeProcessSpawnFailed, ErrProcessSpawnFailed},
	{CodeTimeout, ErrTimeout},
	{CodeDaemonUnavailable, ErrDaemonUnavailable},
	{CodeNotFound, ErrNotFound},
	{CodeConflict, ErrConflict},
	{CodeCommandFailed, ErrDaemonCommandFailed},
}

// ErrorCode returns the wire code of the first sentinel err wraps.
// ProcessSpawnFailed takes precedence over Timeout for a start that never
// became ready.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}

// ErrorFromCode rebuilds a typed error received over the wire.
func ErrorFromCode(code, message string) error {
	for _, entry := range codeTable {
		if entry.code == code {
			if message == "" {
				return entry.err
			}
			return &wrappedError{msg: message, err: entry.err, bare: true}
		}
	}
	if message == "" {
		message = code
	}
	return errors.New(message)
}

// UserMessage returns a short message suitable for display in the UI.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDaemonUnavailable):
		return "The WireVault service is not running. Install or start it to manage tunnels."
	case errors.Is(err, ErrPrivilegeDenied):
		return "Administrator authorization was denied."
	case errors.Is(err, ErrConfigInvalid):
		return fmt.Sprintf("The tunnel configuration is invalid: %v", err)
	case errors.Is(err, ErrInterfaceConflict):
		return "The network interface is already in use by another process."
	case errors.Is(err, ErrProcessSpawnFailed):
		return fmt.Sprintf("The tunnel could not be started: %v", err)
	case errors.Is(err, ErrConflict):
		return "Stop the tunnel before deleting it."
	case errors.Is(err, ErrNotFound):
		return "The tunnel no longer exists."
	case errors.Is(err, ErrTimeout):
		return "The operation timed out."
	default:
		return err.Error()
	}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg  string
	err  error
	bare bool
}

func (e *wrappedError) Error() string {
	if e.bare {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
