// Package protocol defines the wire frames and name constants for the
// ronbot gateway WebSocket RPC.
//
// Frames are JSON objects with a "type" discriminator:
//
//	{"type":"req","id":"...","method":"agent","params":{...}}
//	{"type":"res","id":"...","ok":true,"payload":{...}}
//	{"type":"event","event":"agent","payload":{...}}
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 3

// Frame type discriminators.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// RequestFrame is a client → server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is a server → client RPC reply.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries a machine-readable error code plus a human message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is a server → client push.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewResponse builds a successful response frame.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorBody{Code: code, Message: message},
	}
}

// NewEvent builds an event frame.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameEvent, Event: event, Payload: payload}
}

// Error codes returned by the method router.
const (
	ErrCodeUnknownMethod = "unknown_method"
	ErrCodeBadParams     = "bad_params"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeInternal      = "internal"
	ErrCodeNotFound      = "not_found"
	ErrCodeTimeout       = "timeout"
)
