// Package protocol defines the line-delimited envelopes exchanged between
// deckforge and its tool host child process.
//
// Every envelope is one JSON object terminated by a newline. The
// protocol is fixed and versionless: the "jsonrpc" tag is written on
// every envelope for readability in logs but is never validated.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Tag is the protocol tag written on every envelope.
const Tag = "2.0"

// JSON-RPC canonical error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes reported by tool handlers.
const (
	CodeUnavailable       = -32001
	CodeRateLimited       = -32002
	CodeResourceExhausted = -32003
	CodePermissionDenied  = -32010
	CodeNotFound          = -32011
)

// Method names understood by the tool host.
const (
	MethodPing         = "ping"
	MethodSummarize    = "summarize"
	MethodEnrichImage  = "enrich_image"
	MethodCreateSlide  = "create_slide"
	MethodAppendSlide  = "append_slide"
	MethodQueryDataset = "query_dataset"
)

// Request is a single call envelope. ID is unique per call.
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request envelope, encoding params. A nil params
// value is sent as an empty object.
func NewRequest(id, method string, params any) (*Request, error) {
	raw := json.RawMessage(`{}`)
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}
	return &Request{JSONRPC: Tag, ID: id, Method: method, Params: raw}, nil
}

// Response is a reply envelope. Exactly one of Result or Error is set in
// a well-formed response. ID is nil only when the request line could not
// be parsed.
type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *string         `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// CorrelationID returns the response id, or "" for a null id.
func (r *Response) CorrelationID() string {
	if r == nil || r.ID == nil {
		return ""
	}
	return *r.ID
}

// Error is the error member of a response envelope.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}

// ResultLine encodes a success envelope followed by a newline.
func ResultLine(id string, result json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(Response{JSONRPC: Tag, ID: &id, Result: result})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ErrorLine encodes an error envelope followed by a newline. A nil id is
// written as JSON null.
func ErrorLine(id *string, code int, message string, data json.RawMessage) []byte {
	payload, err := json.Marshal(Response{
		JSONRPC: Tag,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	})
	if err != nil {
		// Only data can fail to encode here; drop it.
		payload, _ = json.Marshal(Response{
			JSONRPC: Tag,
			ID:      id,
			Error:   &Error{Code: code, Message: message},
		})
	}
	return append(payload, '\n')
}

// StringPtr returns a pointer to s, for building envelopes.
func StringPtr(s string) *string {
	return &s
}
