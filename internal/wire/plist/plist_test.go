package plist

import "testing"

type resultDoc struct {
	MessageType string `plist:"MessageType"`
	Number      uint32 `plist:"Number"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	doc := resultDoc{MessageType: "Result", Number: 0}
	data, err := Encode(doc, FormatBinary)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !IsBinary(data) {
		t.Error("expected binary plist magic in encoded output")
	}

	var decoded resultDoc
	if err := Decode(data, &decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != doc {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, doc)
	}
}

func TestEncodeXMLIsNotBinary(t *testing.T) {
	doc := resultDoc{MessageType: "Result", Number: 1}
	data, err := Encode(doc, FormatXML)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if IsBinary(data) {
		t.Error("expected XML plist to not carry the binary magic")
	}

	var decoded resultDoc
	if err := Decode(data, &decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != doc {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, doc)
	}
}
