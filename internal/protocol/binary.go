package protocol

import (
	"encoding/base64"
	"fmt"
)

// BinaryType is the type tag carried by encoded binary payloads.
const BinaryType = "bytes"

// Binary is the wire form of a non-text payload found in a tool result.
type Binary struct {
	Type   string `json:"__type"`
	Base64 string `json:"base64"`
}

// EncodeBinary wraps raw bytes in a tagged base64 envelope.
func EncodeBinary(b []byte) Binary {
	return Binary{Type: BinaryType, Base64: base64.StdEncoding.EncodeToString(b)}
}

// Bytes decodes the payload. It fails when the type tag is missing or
// the base64 text is malformed.
func (b Binary) Bytes() ([]byte, error) {
	if b.Type != BinaryType {
		return nil, fmt.Errorf("binary payload has type tag %q, want %q", b.Type, BinaryType)
	}
	data, err := base64.StdEncoding.DecodeString(b.Base64)
	if err != nil {
		return nil, fmt.Errorf("decode binary payload: %w", err)
	}
	return data, nil
}
