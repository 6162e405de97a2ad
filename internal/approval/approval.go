// Package approval surfaces and resolves tool permission requests arising
// mid-stream from an agent backend.
package approval

import (
	"errors"
	"sync"

	"github.com/agentbridge/core/internal/protocol"
)

var (
	// ErrNoPending is returned when a decision arrives with nothing to decide.
	ErrNoPending = errors.New("no pending approval")

	// ErrInvalidDecision is returned when a decision is not valid for the
	// pending approval's source.
	ErrInvalidDecision = errors.New("decision not valid for this approval")
)

// Source identifies which protocol path produced a pending approval.
type Source string

const (
	// SourceControlRequest is a synchronous ask that requires a
	// control_response echoing the decision.
	SourceControlRequest Source = "control_request"

	// SourceStream is the legacy inline signal embedded in the event
	// stream.
	SourceStream Source = "stream"

	// SourceDenial is a post-hoc denial reported inside a result envelope.
	// It is informational; the only valid decision is dismiss.
	SourceDenial Source = "denial"
)

// PendingApproval is the one permission request currently surfaced to the
// caller. At most one exists per session.
type PendingApproval struct {
	ID                    string
	ToolName              string
	ToolInput             map[string]any
	Source                Source
	FilePath              string
	BlockedPath           string
	PermissionSuggestions []map[string]any
	Message               string
}

// Sender delivers an outbound frame to the backend.
type Sender func(frame any) error

// Coordinator folds approval-bearing envelopes into at most one
// PendingApproval and turns caller decisions into control_response frames.
type Coordinator struct {
	mu      sync.Mutex
	pending *PendingApproval
	send    Sender
}

// NewCoordinator creates a Coordinator that sends responses through send.
func NewCoordinator(send Sender) *Coordinator {
	return &Coordinator{send: send}
}

// SetSender replaces the frame sender, e.g. after a reconnect.
func (c *Coordinator) SetSender(send Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send = send
}

// Pending returns the currently surfaced approval, or nil.
func (c *Coordinator) Pending() *PendingApproval {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Observe inspects one envelope and returns the pending approval it produced
// or cleared, or nil when the envelope is not approval-related. Three
// sources converge here: control_request asks, inline stream signals, and
// post-hoc denials inside a result.
func (c *Coordinator) Observe(env *protocol.Envelope) *PendingApproval {
	if env == nil {
		return nil
	}

	switch env.Type {
	case protocol.EnvelopeControlRequest:
		return c.observeControlRequest(env)
	case protocol.EnvelopeControlCancelRequest:
		c.clearMatching(env.RequestID)
		return nil
	case protocol.EnvelopeSystem:
		return c.observeStreamSignal(env)
	case protocol.EnvelopeResult:
		return c.observeDenials(env)
	}
	return nil
}

func (c *Coordinator) observeControlRequest(env *protocol.Envelope) *PendingApproval {
	req := env.DecodeControlRequest()
	if req.Subtype != "can_use_tool" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return nil
	}
	c.pending = &PendingApproval{
		ID:                    env.RequestID,
		ToolName:              req.ToolName,
		ToolInput:             req.Input,
		Source:                SourceControlRequest,
		FilePath:              salientPath(req.Input),
		BlockedPath:           req.BlockedPath,
		PermissionSuggestions: req.PermissionSuggestions,
	}
	return c.pending
}

// observeStreamSignal handles the legacy inline path: a system envelope with
// subtype permission_request carrying the same fields as a control_request.
func (c *Coordinator) observeStreamSignal(env *protocol.Envelope) *PendingApproval {
	if env.Subtype != "permission_request" {
		return nil
	}
	req := env.DecodeControlRequest()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return nil
	}
	c.pending = &PendingApproval{
		ID:                    env.RequestID,
		ToolName:              req.ToolName,
		ToolInput:             req.Input,
		Source:                SourceStream,
		FilePath:              salientPath(req.Input),
		BlockedPath:           req.BlockedPath,
		PermissionSuggestions: req.PermissionSuggestions,
	}
	return c.pending
}

// observeDenials surfaces the first denial of a result envelope. Later
// denials in the same result are dropped; see the session docs for this
// documented simplification.
func (c *Coordinator) observeDenials(env *protocol.Envelope) *PendingApproval {
	if env.Result == nil || len(env.Result.PermissionDenials) == 0 {
		c.clearTurn()
		return nil
	}
	denial := env.Result.PermissionDenials[0]

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return nil
	}
	c.pending = &PendingApproval{
		ID:        denial.ToolUseID,
		ToolName:  denial.ToolName,
		ToolInput: denial.ToolInput,
		Source:    SourceDenial,
		FilePath:  salientPath(denial.ToolInput),
		Message:   denial.Message,
	}
	return c.pending
}

// Decide resolves the pending approval. For control_request and stream
// sources an allow/deny produces a control_response echoing the original
// tool input plus any edits or suggestions. Denial-sourced approvals accept
// only dismiss, which sends nothing.
func (c *Coordinator) Decide(decision protocol.Decision, updatedInput map[string]any, suggestions []map[string]any, message string) error {
	c.mu.Lock()
	pending := c.pending
	send := c.send
	c.mu.Unlock()

	if pending == nil {
		return ErrNoPending
	}

	if pending.Source == SourceDenial {
		if decision != protocol.DecisionDismiss {
			return ErrInvalidDecision
		}
		c.clear()
		return nil
	}

	if decision != protocol.DecisionAllow && decision != protocol.DecisionDeny {
		return ErrInvalidDecision
	}

	frame := protocol.ControlResponseFrame{
		Type:                  "control_response",
		RequestID:             pending.ID,
		Decision:              decision,
		ToolInput:             pending.ToolInput,
		UpdatedInput:          updatedInput,
		PermissionSuggestions: suggestions,
		Message:               message,
	}
	if err := send(frame); err != nil {
		return err
	}

	c.clear()
	return nil
}

// EndTurn clears any pending approval at turn end.
func (c *Coordinator) EndTurn() {
	c.clearTurn()
}

func (c *Coordinator) clearTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
}

func (c *Coordinator) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
}

// clearMatching drops the pending approval when a control_cancel_request
// names its id. No decision is sent for a cancelled request.
func (c *Coordinator) clearMatching(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil && c.pending.ID == requestID {
		c.pending = nil
	}
}

// salientPath picks the first present path-like input field, used to preview
// which file an approval concerns.
func salientPath(input map[string]any) string {
	for _, key := range []string{"path", "file_path"} {
		if v, ok := input[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
