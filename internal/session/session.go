// Package session wires the transport, decoder, reconciler, aggregator and
// approval coordinator into one logical agent session.
package session

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentbridge/core/internal/approval"
	"github.com/agentbridge/core/internal/history"
	"github.com/agentbridge/core/internal/protocol"
	"github.com/agentbridge/core/internal/timeline"
	"github.com/agentbridge/core/internal/transport"
)

// Mode selects the framing of a session.
type Mode string

const (
	// ModeRaw passes terminal bytes through untouched.
	ModeRaw Mode = "raw"

	// ModeStructured carries turn-based agent conversation envelopes.
	ModeStructured Mode = "structured"
)

// Config describes one logical session.
type Config struct {
	BackendURL  string
	SessionID   string
	SessionName string
	Mode        Mode
	Provider    string
	Resume      bool
	ForceNew    bool

	MaxRetries  int
	RetryDelay  time.Duration
	GraceWindow time.Duration

	// Store persists the history cache across connections and restarts.
	Store *history.Store
}

// Events are the caller-observable hooks, held as reconfigurable state so a
// view can rebind them without tearing the session down.
type Events struct {
	// OnSnapshot receives a fresh immutable snapshot after every processed
	// structured envelope.
	OnSnapshot func(snap timeline.Snapshot)

	// OnOutput receives raw-mode output chunks.
	OnOutput func(data string)

	// OnTranscript paints a reconciled transcript with its provenance.
	OnTranscript func(data string, prov history.Provenance)

	// OnApproval surfaces a newly pending permission request.
	OnApproval func(p *approval.PendingApproval)

	// OnPrompt surfaces an advisory raw-mode permission prompt.
	OnPrompt func(p *approval.Prompt)

	OnSessionStarted  func()
	OnSessionNotFound func()
	OnExit            func(code int)
	OnStateChange     func(state transport.ConnState)
	OnReconnecting    func(attempt int)
	OnTerminalFailure func(err error)
}

// Session is one logical conversation or shell, independent of any single
// connection. It survives reconnects; only the history cache is shared
// across the connections it opens.
type Session struct {
	cfg     Config
	manager *transport.Manager
	agg     *timeline.Aggregator
	coord   *approval.Coordinator
	scanner *approval.PromptScanner
	events  Events

	// reconMu guards recon: the transport's dial goroutine swaps it on each
	// successful open while the read goroutine consults it per envelope.
	reconMu sync.Mutex
	recon   *history.Reconciler
}

// New creates a Session. A missing session id is assigned locally so the
// history cache has a stable key; the backend still allocates its own
// server-side identity on first connect.
func New(cfg Config, events Events) *Session {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStructured
	}

	s := &Session{
		cfg:     cfg,
		agg:     timeline.New(),
		scanner: approval.NewPromptScanner(),
		events:  events,
	}
	s.coord = approval.NewCoordinator(func(frame any) error {
		return s.manager.Send(frame)
	})

	s.manager = transport.NewManager(transport.Options{
		URL:         cfg.BackendURL,
		SessionID:   cfg.SessionID,
		SessionName: cfg.SessionName,
		Mode:        string(cfg.Mode),
		Provider:    cfg.Provider,
		Resume:      cfg.Resume,
		ForceNew:    cfg.ForceNew,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
	})
	s.manager.SetCallbacks(transport.Callbacks{
		OnEnvelope:         s.handleEnvelope,
		OnStateChange:      s.handleStateChange,
		OnSessionStarted:   s.handleSessionStarted,
		OnReconnecting:     events.OnReconnecting,
		OnRetriesExhausted: events.OnTerminalFailure,
	})
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.cfg.SessionID
}

// State returns the connection state.
func (s *Session) State() transport.ConnState {
	return s.manager.State()
}

// Open dials the backend. Non-blocking; progress arrives through Events.
func (s *Session) Open() error {
	return s.manager.Open()
}

// Close tears the session down. The persisted history cache survives for
// the next session with the same id.
func (s *Session) Close() {
	if recon := s.reconciler(); recon != nil {
		recon.Stop()
	}
	s.manager.Close()
}

func (s *Session) reconciler() *history.Reconciler {
	s.reconMu.Lock()
	defer s.reconMu.Unlock()
	return s.recon
}

// handleSessionStarted runs once per successful open. Each connection gets
// a fresh reconciler; the persisted cache is the only state shared across
// connections of the same session.
func (s *Session) handleSessionStarted() {
	s.reconMu.Lock()
	if s.recon != nil {
		s.recon.Stop()
	}
	if s.cfg.Store != nil {
		s.recon = history.NewReconciler(s.cfg.Store, s.cfg.SessionID, s.cfg.GraceWindow, s.events.OnTranscript)
		s.recon.Start()
	}
	s.reconMu.Unlock()
	if s.events.OnSessionStarted != nil {
		s.events.OnSessionStarted()
	}
}

func (s *Session) handleStateChange(state transport.ConnState) {
	if s.events.OnStateChange != nil {
		s.events.OnStateChange(state)
	}
}

// handleEnvelope processes every inbound envelope, strictly in arrival
// order, on the transport's single read goroutine.
func (s *Session) handleEnvelope(env *protocol.Envelope) {
	if pending := s.coord.Observe(env); pending != nil && s.events.OnApproval != nil {
		s.events.OnApproval(pending)
	}

	switch env.Type {
	case protocol.EnvelopeHistory:
		if recon := s.reconciler(); recon != nil {
			recon.ApplyServer(env.Data)
		} else if s.events.OnTranscript != nil {
			s.events.OnTranscript(env.Data, history.ProvenanceServer)
		}

	case protocol.EnvelopeSessionNotFound:
		if recon := s.reconciler(); recon != nil {
			recon.SessionNotFound()
		}
		if s.events.OnSessionNotFound != nil {
			s.events.OnSessionNotFound()
		}

	case protocol.EnvelopeOutput:
		s.handleOutput(env)

	case protocol.EnvelopeExit:
		code := 0
		if env.Code != nil {
			code = *env.Code
		}
		if s.events.OnExit != nil {
			s.events.OnExit(code)
		}

	case protocol.EnvelopeAssistant, protocol.EnvelopeUser, protocol.EnvelopeResult, protocol.EnvelopeError:
		snap := s.agg.Fold(env)
		if s.events.OnSnapshot != nil {
			s.events.OnSnapshot(snap)
		}
	}
}

// handleOutput routes an output chunk: raw mode paints and scans it,
// structured mode buffers it as out-of-band text. Either way it is appended
// to the persisted cache.
func (s *Session) handleOutput(env *protocol.Envelope) {
	if recon := s.reconciler(); recon != nil {
		recon.AppendOutput(env.Data)
	}

	if s.cfg.Mode == ModeRaw {
		if s.events.OnOutput != nil {
			s.events.OnOutput(env.Data)
		}
		if prompt := s.scanner.Scan([]byte(env.Data)); prompt != nil && s.events.OnPrompt != nil {
			s.events.OnPrompt(prompt)
		}
		return
	}

	snap := s.agg.Fold(env)
	if s.events.OnSnapshot != nil {
		s.events.OnSnapshot(snap)
	}
}

// SendInput sends raw-mode keystrokes.
func (s *Session) SendInput(data string) error {
	return s.manager.Send(protocol.NewInputFrame(data))
}

// Resize reports the rendering surface geometry. Gated on an open
// connection and nonzero extent by the transport.
func (s *Session) Resize(cols, rows uint16) error {
	return s.manager.Resize(cols, rows)
}

// SendText submits a structured turn with a single text content item.
func (s *Session) SendText(text string) error {
	return s.SendTurn([]protocol.UserContent{protocol.TextContent(text)}, nil)
}

// SendTurn submits one structured turn and marks the timeline streaming.
func (s *Session) SendTurn(content []protocol.UserContent, contextFiles []string) error {
	frame := protocol.NewUserFrame(content, string(s.cfg.Mode), contextFiles)
	if err := s.manager.Send(frame); err != nil {
		return err
	}
	s.agg.BeginTurn()
	return nil
}

// Interrupt aborts the in-progress turn. Folding stops for this turn and
// any pending approval is withdrawn, but the connection stays open.
func (s *Session) Interrupt() error {
	s.agg.Abort()
	s.coord.EndTurn()
	if err := s.manager.Send(protocol.NewInterruptFrame(uuid.New().String())); err != nil {
		log.Printf("session %s: interrupt send failed: %v", s.cfg.SessionID, err)
		return err
	}
	return nil
}

// Decide resolves the pending permission request.
func (s *Session) Decide(decision protocol.Decision, updatedInput map[string]any, suggestions []map[string]any, message string) error {
	return s.coord.Decide(decision, updatedInput, suggestions, message)
}

// PendingApproval returns the currently surfaced permission request, or nil.
func (s *Session) PendingApproval() *approval.PendingApproval {
	return s.coord.Pending()
}

// Snapshot returns the current aggregated timeline.
func (s *Session) Snapshot() timeline.Snapshot {
	return s.agg.Snapshot()
}

// Transcript returns the current reconciled transcript, if any.
func (s *Session) Transcript() string {
	recon := s.reconciler()
	if recon == nil {
		return ""
	}
	return recon.Transcript()
}

// Provenance reports which source produced the current transcript.
func (s *Session) Provenance() history.Provenance {
	recon := s.reconciler()
	if recon == nil {
		return history.ProvenanceNone
	}
	return recon.Provenance()
}
