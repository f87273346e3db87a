package muxd

import (
	"errors"
	"fmt"
)

// Error represents a structured go-muxd error with enough context to map
// onto a client-facing result code or a log line, depending on
// who hit it.
type Error struct {
	Op         string       // Operation that failed (e.g., "CONNECT", "ADD_DEVICE")
	DeviceID   uint32       // Device id (0 if not applicable)
	SourcePort int          // Virtual-connection source port (-1 if not applicable)
	Code       MuxErrorCode // High-level error category
	Result     ResultCode   // Client-facing result code this maps to, if any
	Msg        string       // Human-readable message
	Inner      error        // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DeviceID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DeviceID))
	}
	if e.SourcePort >= 0 {
		parts = append(parts, fmt.Sprintf("sport=%d", e.SourcePort))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	// Only the most specific context is rendered: sport over dev over op.
	if len(parts) > 0 {
		return fmt.Sprintf("muxd: %s (%s)", msg, parts[len(parts)-1])
	}
	return fmt.Sprintf("muxd: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support so callers can compare against a bare
// MuxErrorCode or another *Error by category.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if mc, ok := target.(MuxErrorCode); ok {
		return e.Code == mc
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// MuxErrorCode represents high-level error categories. It
// implements error so callers can use a bare code as an errors.Is target.
type MuxErrorCode string

// Error implements the error interface.
func (c MuxErrorCode) Error() string { return string(c) }

const (
	ErrCodeProtocol          MuxErrorCode = "protocol error"
	ErrCodeFlowControl       MuxErrorCode = "flow control violation"
	ErrCodeTransportFailure  MuxErrorCode = "transport failure"
	ErrCodeResourceExhausted MuxErrorCode = "resource exhausted"
	ErrCodeClientIO          MuxErrorCode = "client I/O error"
	ErrCodeDeviceNotFound    MuxErrorCode = "device not found"
	ErrCodeBadCommand        MuxErrorCode = "bad command"
	ErrCodeBadVersion        MuxErrorCode = "bad protocol version"
)

// ResultCode enumerates the client-facing result codes of the loopback
// command protocol.
type ResultCode uint32

const (
	ResultOK          ResultCode = 0
	ResultBadCommand  ResultCode = 1
	ResultBadDevice   ResultCode = 2
	ResultConnRefused ResultCode = 3
	ResultBadVersion  ResultCode = 6
	ResultENOENT      ResultCode = 7
)

// NewError creates a new structured error.
func NewError(op string, code MuxErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Result: codeToResult(code), Msg: msg, SourcePort: -1}
}

// NewDeviceError creates a new device-specific error.
func NewDeviceError(op string, deviceID uint32, code MuxErrorCode, msg string) *Error {
	return &Error{Op: op, DeviceID: deviceID, Code: code, Result: codeToResult(code), Msg: msg, SourcePort: -1}
}

// NewConnectionError creates a new virtual-connection-specific error.
func NewConnectionError(op string, deviceID uint32, sourcePort int, code MuxErrorCode, msg string) *Error {
	return &Error{Op: op, DeviceID: deviceID, SourcePort: sourcePort, Code: code, Result: codeToResult(code), Msg: msg}
}

// WrapError wraps an existing error with muxd context, preserving category
// when the wrapped error is already structured.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if me, ok := inner.(*Error); ok {
		return &Error{
			Op:         op,
			DeviceID:   me.DeviceID,
			SourcePort: me.SourcePort,
			Code:       me.Code,
			Result:     me.Result,
			Msg:        me.Msg,
			Inner:      me.Inner,
		}
	}
	return &Error{Op: op, Code: ErrCodeClientIO, Result: ResultBadCommand, Msg: inner.Error(), Inner: inner, SourcePort: -1}
}

func codeToResult(code MuxErrorCode) ResultCode {
	switch code {
	case ErrCodeBadCommand:
		return ResultBadCommand
	case ErrCodeDeviceNotFound:
		return ResultBadDevice
	case ErrCodeResourceExhausted:
		return ResultConnRefused
	case ErrCodeBadVersion:
		return ResultBadVersion
	default:
		return ResultBadCommand
	}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code MuxErrorCode) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}
