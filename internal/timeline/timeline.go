// Package timeline folds an ordered envelope stream into a deduplicated,
// tool-correlated list of message parts that can be rendered idempotently.
package timeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentbridge/core/internal/protocol"
)

// PartType discriminates the kinds of message parts.
type PartType string

const (
	PartText    PartType = "text"
	PartToolUse PartType = "tool_use"
)

// ToolStatus tracks the lifecycle of a tool invocation.
type ToolStatus string

const (
	ToolRunning  ToolStatus = "running"
	ToolComplete ToolStatus = "complete"
	ToolError    ToolStatus = "error"
)

// MessagePart is one element of the aggregated timeline: either a text block
// grown by successive deltas or a tool invocation correlated with its result.
type MessagePart struct {
	Type   PartType       `json:"type"`
	Text   string         `json:"text,omitempty"`
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
	Status ToolStatus     `json:"status,omitempty"`
}

// Snapshot is an immutable view of the aggregated state after one fold step.
type Snapshot struct {
	Parts     []MessagePart
	Streaming bool
}

// Aggregator folds envelopes one at a time, in arrival order, into message
// parts. It is not safe for concurrent use; the session pipeline guarantees
// a single consumer.
type Aggregator struct {
	parts     []MessagePart
	streaming bool
	aborted   bool

	// textIdx points at the text part currently receiving deltas, or -1.
	textIdx int

	// toolIdx maps a tool call id to its part index. sigIdx does the same
	// for content signatures of parts that have no id yet.
	toolIdx map[string]int
	sigIdx  map[string]int

	// seenUserMsgs dedupes replayed user envelopes within the current turn.
	seenUserMsgs map[string]bool

	// oob accumulates out-of-band output flushed as a trailing text part
	// when the turn ends.
	oob strings.Builder
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		textIdx:      -1,
		toolIdx:      make(map[string]int),
		sigIdx:       make(map[string]int),
		seenUserMsgs: make(map[string]bool),
	}
}

// BeginTurn marks the start of a structured turn: the streaming flag is set,
// per-turn dedup state is cleared, and text deltas start a new part instead
// of merging into the previous turn's.
func (a *Aggregator) BeginTurn() {
	a.streaming = true
	a.aborted = false
	a.seenUserMsgs = make(map[string]bool)
	a.textIdx = -1
}

// Abort stops further folding for the current turn. The connection stays
// open and the next BeginTurn resumes folding.
func (a *Aggregator) Abort() {
	a.aborted = true
	a.streaming = false
}

// Streaming reports whether a turn is in progress.
func (a *Aggregator) Streaming() bool {
	return a.streaming
}

// Fold processes one envelope and returns a fresh snapshot. A malformed
// envelope is skipped without touching previously accumulated parts.
func (a *Aggregator) Fold(env *protocol.Envelope) Snapshot {
	if env == nil {
		return a.Snapshot()
	}

	if a.aborted && env.Type != protocol.EnvelopeResult {
		return a.Snapshot()
	}

	switch env.Type {
	case protocol.EnvelopeAssistant:
		a.foldAssistant(env)
	case protocol.EnvelopeUser:
		a.foldUser(env)
	case protocol.EnvelopeResult:
		a.foldResult(env)
	case protocol.EnvelopeOutput:
		a.oob.WriteString(env.Data)
	case protocol.EnvelopeError:
		if env.Error != "" {
			a.oob.WriteString(env.Error)
		}
	}

	return a.Snapshot()
}

// Snapshot returns a deep copy of the current parts and the streaming flag.
func (a *Aggregator) Snapshot() Snapshot {
	parts := make([]MessagePart, len(a.parts))
	copy(parts, a.parts)
	for i := range parts {
		if parts[i].Input != nil {
			in := make(map[string]any, len(parts[i].Input))
			for k, v := range parts[i].Input {
				in[k] = v
			}
			parts[i].Input = in
		}
	}
	return Snapshot{Parts: parts, Streaming: a.streaming}
}

func (a *Aggregator) foldAssistant(env *protocol.Envelope) {
	msg := env.DecodeMessage()
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			a.mergeText(block.Text)
		case "tool_use":
			a.openToolUse(block)
		}
	}
}

// mergeText applies prefix-growth merging: deltas may arrive either as the
// full text so far or as incremental suffixes, and both styles must fold
// without duplication.
func (a *Aggregator) mergeText(text string) {
	if text == "" {
		return
	}
	if a.textIdx < 0 {
		a.parts = append(a.parts, MessagePart{Type: PartText, Text: text})
		a.textIdx = len(a.parts) - 1
		return
	}

	accumulated := a.parts[a.textIdx].Text
	switch {
	case strings.HasPrefix(text, accumulated):
		a.parts[a.textIdx].Text = text
	case strings.HasPrefix(accumulated, text):
		// Stale or repeated delta; keep what we have.
	default:
		a.parts[a.textIdx].Text = accumulated + text
	}
}

// openToolUse opens a tool_use part at most once per call id. Before an id
// is known, a content signature suppresses duplicate cards; once an id
// arrives for the same invocation the id takes over as the identity.
func (a *Aggregator) openToolUse(block protocol.ContentBlock) {
	if block.ID != "" {
		if _, seen := a.toolIdx[block.ID]; seen {
			return
		}
	}

	sig := toolSignature(block.Name, block.Input)
	if idx, seen := a.sigIdx[sig]; seen {
		part := &a.parts[idx]
		if part.ID == "" && block.ID != "" {
			part.ID = block.ID
			a.toolIdx[block.ID] = idx
			return
		}
		if block.ID == "" {
			return
		}
	}

	part := MessagePart{
		Type:   PartToolUse,
		ID:     block.ID,
		Name:   block.Name,
		Input:  block.Input,
		Status: ToolRunning,
	}
	a.parts = append(a.parts, part)
	idx := len(a.parts) - 1
	if block.ID != "" {
		a.toolIdx[block.ID] = idx
	}
	a.sigIdx[sig] = idx

	// A tool card interrupts the text flow; later deltas start a new part.
	a.textIdx = -1
}

// toolSignature derives a provisional identity for a tool invocation from
// its name and the most salient input field.
func toolSignature(name string, input map[string]any) string {
	salient := ""
	for _, key := range []string{"path", "file_path", "command"} {
		if v, ok := input[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				salient = s
				break
			}
		}
	}
	return name + "\x00" + salient
}

func (a *Aggregator) foldUser(env *protocol.Envelope) {
	msg := env.DecodeMessage()

	// Replayed user envelopes are dropped by message id before any other
	// rule runs.
	if msg.ID != "" {
		if a.seenUserMsgs[msg.ID] {
			return
		}
		a.seenUserMsgs[msg.ID] = true
	}

	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		a.correlateToolResult(block)
	}
}

// correlateToolResult attaches a tool_result to its tool_use part by id and
// finalizes the part's status.
func (a *Aggregator) correlateToolResult(block protocol.ContentBlock) {
	idx, ok := a.toolIdx[block.ToolUseID]
	if !ok {
		return
	}
	part := &a.parts[idx]

	output := resultText(block.Content)
	if block.Stdout != "" {
		output += block.Stdout
	}
	if block.Stderr != "" {
		output += block.Stderr
	}

	if strings.EqualFold(part.Name, "read") && output != "" {
		output = fmt.Sprintf("%d lines", strings.Count(output, "\n")+1)
	}

	part.Output += output
	if block.IsError {
		part.Status = ToolError
	} else {
		part.Status = ToolComplete
	}
}

// resultText extracts plain text from a tool_result content field, which may
// be a JSON string or an array of text blocks.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []protocol.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			sb.WriteString(b.Text)
		}
		return sb.String()
	}
	return string(raw)
}

// foldResult ends the turn: buffered out-of-band output is flushed as a
// trailing text part. When the result carries permission denials the
// streaming flag stays set, handing control to the approval coordinator.
func (a *Aggregator) foldResult(env *protocol.Envelope) {
	if a.oob.Len() > 0 {
		a.parts = append(a.parts, MessagePart{Type: PartText, Text: a.oob.String()})
		a.oob.Reset()
	}
	a.textIdx = -1

	a.aborted = false
	if env.Result != nil && len(env.Result.PermissionDenials) > 0 {
		return
	}
	a.streaming = false
}
