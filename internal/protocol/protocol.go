// Package protocol defines the wire frames exchanged with an agent backend
// and the typed envelope every inbound frame is decoded into.
package protocol

import (
	"encoding/json"
	"unicode/utf8"
)

// EnvelopeType represents the discriminator of an inbound frame.
type EnvelopeType string

const (
	// Structured-mode envelope types
	EnvelopeSystem               EnvelopeType = "system"
	EnvelopeAssistant            EnvelopeType = "assistant"
	EnvelopeUser                 EnvelopeType = "user"
	EnvelopeResult               EnvelopeType = "result"
	EnvelopeControlRequest       EnvelopeType = "control_request"
	EnvelopeControlCancelRequest EnvelopeType = "control_cancel_request"

	// Raw-mode envelope types
	EnvelopeOutput EnvelopeType = "output"
	EnvelopeExit   EnvelopeType = "exit"

	// Shared envelope types
	EnvelopeHistory         EnvelopeType = "history"
	EnvelopeSessionNotFound EnvelopeType = "session_not_found"
	EnvelopeError           EnvelopeType = "error"
)

// Envelope is one decoded inbound protocol message. Raw holds the original
// frame body for fields a caller may need beyond the common ones decoded here.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	Data      string          `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Code      *int            `json:"code,omitempty"`
	Result    *ResultPayload  `json:"-"`

	// Synthetic marks envelopes manufactured by the decoder from input it
	// could not parse. Synthetic envelopes carry the original bytes in Data.
	Synthetic bool `json:"-"`

	Raw json.RawMessage `json:"-"`
}

// ResultPayload is the body of a terminal `result` envelope.
type ResultPayload struct {
	Subtype           string             `json:"subtype,omitempty"`
	IsError           bool               `json:"is_error,omitempty"`
	Result            string             `json:"result,omitempty"`
	NumTurns          int                `json:"num_turns,omitempty"`
	DurationMS        int64              `json:"duration_ms,omitempty"`
	PermissionDenials []PermissionDenial `json:"permission_denials,omitempty"`
}

// PermissionDenial describes one tool invocation refused mid-turn, reported
// post hoc inside a result envelope.
type PermissionDenial struct {
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// ContentBlock is one item of an assistant or user message content array.
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Stdout    string         `json:"stdout,omitempty"`
	Stderr    string         `json:"stderr,omitempty"`
}

// InnerMessage is the message object carried by assistant and user envelopes.
type InnerMessage struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content"`
}

// ControlRequestPayload is the inner request of a control_request envelope.
type ControlRequestPayload struct {
	Subtype               string           `json:"subtype"`
	ToolName              string           `json:"tool_name,omitempty"`
	Input                 map[string]any   `json:"input,omitempty"`
	ToolUseID             string           `json:"tool_use_id,omitempty"`
	BlockedPath           string           `json:"blocked_path,omitempty"`
	PermissionSuggestions []map[string]any `json:"permission_suggestions,omitempty"`
}

// Decode parses a raw inbound frame into an Envelope. It never fails: frames
// that are not valid JSON, or valid JSON without a recognised type, become a
// synthetic output envelope carrying the input as UTF-8 text, so one bad
// frame degrades to text instead of killing a long-lived session.
func Decode(raw []byte) *Envelope {
	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil || env.Type == "" {
		return syntheticText(raw)
	}

	switch env.Type {
	case EnvelopeSystem, EnvelopeAssistant, EnvelopeUser,
		EnvelopeControlRequest, EnvelopeControlCancelRequest,
		EnvelopeOutput, EnvelopeExit,
		EnvelopeHistory, EnvelopeSessionNotFound, EnvelopeError:
	case EnvelopeResult:
		var res ResultPayload
		if err := json.Unmarshal(raw, &res); err == nil {
			env.Result = &res
		} else {
			env.Result = &ResultPayload{}
		}
	default:
		return syntheticText(raw)
	}

	env.Raw = append(json.RawMessage(nil), raw...)
	return env
}

// DecodeMessage parses the inner message of an assistant or user envelope.
// A missing or malformed message yields an empty InnerMessage, never an error.
func (e *Envelope) DecodeMessage() InnerMessage {
	var msg InnerMessage
	if len(e.Message) > 0 {
		_ = json.Unmarshal(e.Message, &msg)
	}
	return msg
}

// DecodeControlRequest parses the inner request of a control_request envelope.
func (e *Envelope) DecodeControlRequest() ControlRequestPayload {
	var req ControlRequestPayload
	if len(e.Request) > 0 {
		_ = json.Unmarshal(e.Request, &req)
	}
	return req
}

// syntheticText coerces arbitrary bytes into a text-bearing envelope.
// Binary frames are decoded as UTF-8; invalid sequences are replaced so the
// result is always printable.
func syntheticText(raw []byte) *Envelope {
	text := string(raw)
	if !utf8.ValidString(text) {
		text = string([]rune(text))
	}
	return &Envelope{
		Type:      EnvelopeOutput,
		Data:      text,
		Synthetic: true,
	}
}
