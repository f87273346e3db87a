package muxd

import (
	"errors"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("CONNECT", ErrCodeBadCommand, "malformed request")

	if err.Op != "CONNECT" {
		t.Errorf("Expected Op=CONNECT, got %s", err.Op)
	}

	if err.Code != ErrCodeBadCommand {
		t.Errorf("Expected Code=ErrCodeBadCommand, got %s", err.Code)
	}

	expected := "muxd: malformed request (op=CONNECT)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestDeviceError(t *testing.T) {
	err := NewDeviceError("LISTEN", 123, ErrCodeDeviceNotFound, "device gone")

	if err.DeviceID != 123 {
		t.Errorf("Expected DeviceID=123, got %d", err.DeviceID)
	}

	if err.Result != ResultBadDevice {
		t.Errorf("Expected Result=ResultBadDevice, got %v", err.Result)
	}

	expected := "muxd: device gone (dev=123)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestConnectionError(t *testing.T) {
	err := NewConnectionError("SEND", 42, 7, ErrCodeFlowControl, "window exceeded")

	if err.DeviceID != 42 {
		t.Errorf("Expected DeviceID=42, got %d", err.DeviceID)
	}

	if err.SourcePort != 7 {
		t.Errorf("Expected SourcePort=7, got %d", err.SourcePort)
	}
}

func TestWrapError(t *testing.T) {
	inner := errors.New("connection reset")
	err := WrapError("RELAY", inner)

	if err.Code != ErrCodeClientIO {
		t.Errorf("Expected Code=ErrCodeClientIO, got %s", err.Code)
	}

	if !errors.Is(err, inner) {
		t.Error("Expected wrapped error to satisfy errors.Is for inner error")
	}
}

func TestWrapErrorPreservesCategory(t *testing.T) {
	inner := NewDeviceError("ATTACH", 9, ErrCodeDeviceNotFound, "vanished")
	wrapped := WrapError("SESSION", inner)

	if wrapped.Code != ErrCodeDeviceNotFound {
		t.Errorf("Expected wrapped Code to preserve ErrCodeDeviceNotFound, got %s", wrapped.Code)
	}
	if wrapped.DeviceID != 9 {
		t.Errorf("Expected wrapped DeviceID=9, got %d", wrapped.DeviceID)
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("CONNECT", ErrCodeBadVersion, "unsupported version")

	if !IsCode(err, ErrCodeBadVersion) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeProtocol) {
		t.Error("IsCode should return false for non-matching code")
	}

	if IsCode(nil, ErrCodeBadVersion) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestErrorsIsByCode(t *testing.T) {
	err := NewDeviceError("ADD_DEVICE", 5, ErrCodeResourceExhausted, "too many devices")

	if !errors.Is(err, ErrCodeResourceExhausted) {
		t.Error("errors.Is should match bare MuxErrorCode via Error.Is")
	}

	other := NewError("CONNECT", ErrCodeResourceExhausted, "ports exhausted")
	if !errors.Is(err, other) {
		t.Error("errors.Is should match another *Error sharing the same code")
	}
}
