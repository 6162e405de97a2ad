package protocol

// Decision is the outcome of a permission negotiation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"

	// DecisionDismiss acknowledges a post-hoc denial locally. No frame is
	// ever sent for a dismissal.
	DecisionDismiss Decision = "dismiss"
)

// InputFrame carries raw-mode keystrokes to the backend.
type InputFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// NewInputFrame builds an input frame for raw-mode data.
func NewInputFrame(data string) InputFrame {
	return InputFrame{Type: "input", Data: data}
}

// ResizeFrame carries raw-mode terminal geometry to the backend.
type ResizeFrame struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// NewResizeFrame builds a resize frame.
func NewResizeFrame(cols, rows uint16) ResizeFrame {
	return ResizeFrame{Type: "resize", Cols: cols, Rows: rows}
}

// UserContent is one content item of an outbound structured turn.
type UserContent struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource holds inline image data for an outbound content item.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TextContent builds a text content item.
func TextContent(text string) UserContent {
	return UserContent{Type: "text", Text: text}
}

// ImageContent builds a base64 image content item.
func ImageContent(mediaType, data string) UserContent {
	return UserContent{
		Type:   "image",
		Source: &ImageSource{Type: "base64", MediaType: mediaType, Data: data},
	}
}

// UserMessage is the message object of an outbound user frame.
type UserMessage struct {
	Role    string        `json:"role"`
	Content []UserContent `json:"content"`
}

// UserFrame submits one structured turn to the backend.
type UserFrame struct {
	Type         string      `json:"type"`
	Message      UserMessage `json:"message"`
	Mode         string      `json:"mode,omitempty"`
	ContextFiles []string    `json:"context_files,omitempty"`
}

// NewUserFrame builds a structured turn submission.
func NewUserFrame(content []UserContent, mode string, contextFiles []string) UserFrame {
	return UserFrame{
		Type:         "user",
		Message:      UserMessage{Role: "user", Content: content},
		Mode:         mode,
		ContextFiles: contextFiles,
	}
}

// ControlResponseFrame answers a control_request. ToolInput always echoes the
// original input; UpdatedInput carries caller edits when present.
type ControlResponseFrame struct {
	Type                  string           `json:"type"`
	RequestID             string           `json:"request_id"`
	Decision              Decision         `json:"decision"`
	ToolInput             map[string]any   `json:"tool_input"`
	UpdatedInput          map[string]any   `json:"updatedInput,omitempty"`
	PermissionSuggestions []map[string]any `json:"permission_suggestions,omitempty"`
	Message               string           `json:"message,omitempty"`
}

// InterruptFrame aborts the in-progress structured turn without closing the
// connection.
type InterruptFrame struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Request   InterruptPayload `json:"request"`
}

// InterruptPayload is the inner request of an interrupt frame.
type InterruptPayload struct {
	Subtype string `json:"subtype"`
}

// NewInterruptFrame builds an interrupt control request.
func NewInterruptFrame(requestID string) InterruptFrame {
	return InterruptFrame{
		Type:      "control_request",
		RequestID: requestID,
		Request:   InterruptPayload{Subtype: "interrupt"},
	}
}
