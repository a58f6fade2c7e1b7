// Package protocol defines the JSON wire frames exchanged between sessiongate
// servers and clients, the structured error taxonomy, and SSE framing helpers.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is advertised in connect responses.
const Version = 1

// Frame types.
const (
	TypeConnect = "connect"
	TypeRequest = "req"
	TypeResult  = "res"
	TypeEvent   = "event"
)

// ConnectID is the response id used when a connect frame carries no id.
const ConnectID = "connect"

// Frame is the single envelope used for every message on the wire. Which
// fields are populated depends on Type.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// connect
	ClientID string `json:"clientId,omitempty"`
	Token    string `json:"token,omitempty"`

	// req
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// res
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	// event
	Event     string          `json:"event,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	// RunID is set on events produced by one send.
	RunID string `json:"runId,omitempty"`
}

// ConnectPayload is returned in the payload of a successful connect response.
type ConnectPayload struct {
	ClientID    string `json:"clientId"`
	Protocol    int    `json:"protocol"`
	HeartbeatMs int64  `json:"heartbeatMs,omitempty"`
}

// Decode parses a raw frame and checks the fields required by its type.
func Decode(raw []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch frame.Type {
	case TypeConnect:
	case TypeRequest:
		if frame.ID == "" || frame.Method == "" {
			return nil, fmt.Errorf("request frame requires id and method")
		}
	case TypeResult:
		if frame.ID == "" || frame.OK == nil {
			return nil, fmt.Errorf("response frame requires id and ok")
		}
	case TypeEvent:
		if frame.Event == "" {
			return nil, fmt.Errorf("event frame requires event")
		}
	default:
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	return &frame, nil
}

// Encode marshals a frame.
func Encode(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

// NewRequest builds a req frame, marshaling params when they are not already raw JSON.
func NewRequest(id, method string, params any) (*Frame, error) {
	raw, err := marshalRaw(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return &Frame{Type: TypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResult builds a successful res frame.
func NewResult(id string, payload any) (*Frame, error) {
	raw, err := marshalRaw(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	ok := true
	return &Frame{Type: TypeResult, ID: id, OK: &ok, Payload: raw}, nil
}

// NewErrorResult builds a failed res frame from any error.
func NewErrorResult(id string, err error) *Frame {
	ok := false
	return &Frame{Type: TypeResult, ID: id, OK: &ok, Error: AsError(err)}
}

// NewEvent builds an event frame for a session.
func NewEvent(event, sessionID string, data any) (*Frame, error) {
	raw, err := marshalRaw(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return &Frame{Type: TypeEvent, Event: event, SessionID: sessionID, Data: raw}, nil
}

// Succeeded reports whether a res frame carries ok:true.
func (f *Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}

func marshalRaw(v any) (json.RawMessage, error) {
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return typed, nil
	case []byte:
		return json.RawMessage(typed), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
