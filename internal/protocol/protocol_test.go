package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("abc", MethodSummarize, map[string]any{"max_sections": 3})
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	if req.JSONRPC != Tag {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, Tag)
	}
	if req.ID != "abc" {
		t.Errorf("ID = %q, want %q", req.ID, "abc")
	}
	if string(req.Params) != `{"max_sections":3}` {
		t.Errorf("Params = %s, want %s", req.Params, `{"max_sections":3}`)
	}
}

func TestNewRequest_NilParams(t *testing.T) {
	req, err := NewRequest("abc", MethodPing, nil)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	if string(req.Params) != `{}` {
		t.Errorf("Params = %s, want {}", req.Params)
	}
}

func TestNewRequest_UnencodableParams(t *testing.T) {
	if _, err := NewRequest("abc", MethodPing, map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("NewRequest with a channel param should error")
	}
}

func TestErrorLine_NullID(t *testing.T) {
	line := ErrorLine(nil, CodeParseError, "parse error", nil)
	if !bytes.HasSuffix(line, []byte("\n")) {
		t.Fatalf("ErrorLine() = %q, want trailing newline", line)
	}
	if !bytes.Contains(line, []byte(`"id":null`)) {
		t.Errorf("ErrorLine() = %s, want null id", line)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.CorrelationID() != "" {
		t.Errorf("CorrelationID() = %q, want empty", resp.CorrelationID())
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("Error = %+v, want code %d", resp.Error, CodeParseError)
	}
}

func TestResultLine(t *testing.T) {
	line, err := ResultLine("r1", json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("ResultLine() error: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.CorrelationID() != "r1" {
		t.Errorf("CorrelationID() = %q, want %q", resp.CorrelationID(), "r1")
	}
	if resp.Error != nil {
		t.Errorf("Error = %v, want nil", resp.Error)
	}
	if string(resp.Result) != `{"ok":true}` {
		t.Errorf("Result = %s", resp.Result)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	got, err := EncodeBinary(raw).Bytes()
	if err != nil {
		t.Fatalf("Bytes() error: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("Bytes() = %v, want %v", got, raw)
	}
}

func TestBinaryRejectsMissingTag(t *testing.T) {
	b := Binary{Base64: "AAAA"}
	if _, err := b.Bytes(); err == nil {
		t.Fatal("Bytes() without a type tag should error")
	}
}
