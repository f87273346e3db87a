// Package plist wraps howett.net/plist behind a narrow opaque-codec
// contract, so the rest of the tree never imports the plist library
// directly.
package plist

import (
	"bytes"

	"howett.net/plist"
)

// bplistMagic is the 8-byte magic that opens a binary plist; records
// are binary or XML, auto-detected by this prefix.
var bplistMagic = []byte("bplist00")

// Format selects the on-wire plist encoding.
type Format int

const (
	// FormatBinary encodes as Apple binary plist ("bplist00").
	FormatBinary Format = iota
	// FormatXML encodes as XML plist.
	FormatXML
)

// Encode serializes v as a plist document in the requested format.
func Encode(v any, format Format) ([]byte, error) {
	var buf bytes.Buffer
	wireFormat := plist.BinaryFormat
	if format == FormatXML {
		wireFormat = plist.XMLFormat
	}
	enc := plist.NewEncoderForFormat(&buf, wireFormat)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a plist document (binary or XML, auto-detected) into v.
func Decode(data []byte, v any) error {
	_, err := plist.Unmarshal(data, v)
	return err
}

// IsBinary reports whether data begins with the binary-plist magic.
func IsBinary(data []byte) bool {
	return len(data) >= len(bplistMagic) && bytes.Equal(data[:len(bplistMagic)], bplistMagic)
}
