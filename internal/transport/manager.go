package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentbridge/core/internal/protocol"
)

var (
	// ErrClosed is returned after Close; the manager never reopens.
	ErrClosed = errors.New("transport manager closed")

	// ErrRetriesExhausted is the terminal state after the bounded reconnect
	// attempts are spent.
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")

	// ErrNotOpen is returned for operations gated on an open connection.
	ErrNotOpen = errors.New("connection not open")

	// ErrZeroExtent rejects resize frames that would corrupt a remote
	// pseudo-terminal with a 0x0 geometry.
	ErrZeroExtent = errors.New("rendering surface has zero extent")
)

// ConnState is the lifecycle state of the session's connection.
type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClosed     ConnState = "closed"
)

const (
	// DefaultMaxRetries bounds reconnect attempts before the terminal state.
	DefaultMaxRetries = 5

	// DefaultRetryDelay is the fixed delay between reconnect attempts.
	DefaultRetryDelay = 2 * time.Second

	dialTimeout = 10 * time.Second
)

// Options configure one logical session's transport.
type Options struct {
	// URL is the backend WebSocket endpoint, e.g. ws://host/api/sessions/ws.
	URL string

	// SessionID selects the backend session; empty requests a new one.
	SessionID   string
	SessionName string
	Mode        string
	Provider    string
	Resume      bool
	ForceNew    bool

	MaxRetries int
	RetryDelay time.Duration

	// Dialer overrides the default WebSocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// Callbacks are the caller-observable hooks. They are held as explicit,
// reconfigurable state so they survive reconnects; the manager never
// captures them in closures.
type Callbacks struct {
	// OnEnvelope receives every decoded inbound frame, in arrival order,
	// from a single goroutine.
	OnEnvelope func(env *protocol.Envelope)

	// OnStateChange observes connection lifecycle transitions.
	OnStateChange func(state ConnState)

	// OnSessionStarted fires exactly once per successful open.
	OnSessionStarted func()

	// OnReconnecting fires before each scheduled reconnect attempt.
	OnReconnecting func(attempt int)

	// OnRetriesExhausted reports the terminal failure after the last
	// attempt. No further attempt is scheduled.
	OnRetriesExhausted func(lastErr error)
}

// Manager owns at most one live connection for a session. Opening, sending
// and closing never block the caller; sends issued before the connection
// opens are queued and flushed in order after open.
type Manager struct {
	opts Options

	mu         sync.Mutex
	callbacks  Callbacks
	state      ConnState
	conn       *wsConn
	generation int
	retries    int
	retryTimer *time.Timer
	pending    [][]byte
	closed     bool
}

// NewManager creates a Manager for one session. The connection starts idle;
// call Open to dial.
func NewManager(opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}
	return &Manager{
		opts:  opts,
		state: StateIdle,
	}
}

// SetCallbacks replaces the caller hooks. Safe at any time, including
// between reconnects.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = cb
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Retries returns the current retry counter.
func (m *Manager) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// Open dials the backend asynchronously. Any existing connection is closed
// first; there is never more than one live connection per session.
func (m *Manager) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.generation++
	m.setStateLocked(StateConnecting)

	go m.dial(m.generation)
	return nil
}

// dial attempts one connection for the given generation.
func (m *Manager) dial(gen int) {
	conn, _, err := m.opts.Dialer.Dial(m.endpoint(), nil)

	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		m.mu.Unlock()
		m.handleDisconnect(gen, err)
		return
	}

	m.conn = newWSConn(conn,
		func(data []byte) { m.dispatch(gen, data) },
		func(err error) { m.handleDisconnect(gen, err) },
	)
	m.retries = 0
	m.setStateLocked(StateOpen)

	pending := m.pending
	m.pending = nil
	for _, frame := range pending {
		m.conn.Send(frame)
	}

	wc := m.conn
	started := m.callbacks.OnSessionStarted
	m.mu.Unlock()

	// The open callback runs before the pumps so the caller observes the
	// session as started before the first replayed envelope arrives.
	if started != nil {
		started()
	}
	wc.start()
}

// dispatch decodes one inbound frame and hands it to the caller. Stale
// generations are dropped so a dying connection cannot interleave envelopes
// with its replacement.
func (m *Manager) dispatch(gen int, data []byte) {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return
	}
	onEnvelope := m.callbacks.OnEnvelope
	m.mu.Unlock()

	if onEnvelope != nil {
		onEnvelope(protocol.Decode(data))
	}
}

// handleDisconnect runs after a failed dial or a dropped connection. Unless
// reconnecting is disabled by Close, it schedules the next attempt after a
// fixed delay, or reports the terminal state once the attempts are spent.
func (m *Manager) handleDisconnect(gen int, err error) {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return
	}

	m.conn = nil
	m.retries++

	if m.retries >= m.opts.MaxRetries {
		m.setStateLocked(StateClosed)
		exhausted := m.callbacks.OnRetriesExhausted
		m.mu.Unlock()

		log.Printf("transport: giving up on %s after %d attempts: %v", m.opts.SessionID, m.opts.MaxRetries, err)
		if exhausted != nil {
			exhausted(fmt.Errorf("%w: %v", ErrRetriesExhausted, err))
		}
		return
	}

	m.setStateLocked(StateConnecting)
	attempt := m.retries
	reconnecting := m.callbacks.OnReconnecting

	m.retryTimer = time.AfterFunc(m.opts.RetryDelay, func() {
		m.mu.Lock()
		if m.closed || gen != m.generation {
			m.mu.Unlock()
			return
		}
		m.generation++
		next := m.generation
		m.mu.Unlock()

		m.dial(next)
	})
	m.mu.Unlock()

	if reconnecting != nil {
		reconnecting(attempt)
	}
}

// Send marshals and delivers one outbound frame. Before the connection is
// open the frame is queued, never silently dropped.
func (m *Manager) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.state == StateClosed {
		return ErrClosed
	}

	if m.conn == nil || m.state != StateOpen {
		m.pending = append(m.pending, data)
		return nil
	}

	m.conn.Send(data)
	return nil
}

// Resize sends raw-mode geometry. It is gated on the connection being open
// and the surface having nonzero extent.
func (m *Manager) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return ErrZeroExtent
	}

	m.mu.Lock()
	if m.state != StateOpen || m.conn == nil {
		m.mu.Unlock()
		return ErrNotOpen
	}
	conn := m.conn
	m.mu.Unlock()

	data, err := json.Marshal(protocol.NewResizeFrame(cols, rows))
	if err != nil {
		return fmt.Errorf("failed to encode resize frame: %w", err)
	}
	conn.Send(data)
	return nil
}

// Close shuts the connection down and disables reconnecting. The manager
// cannot be reused after Close.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.generation++

	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(StateClosed)
}

// setStateLocked transitions the connection state and notifies the caller.
// The callback runs on its own goroutine so it may call back into the
// Manager without deadlocking.
func (m *Manager) setStateLocked(state ConnState) {
	if m.state == state {
		return
	}
	m.state = state
	if cb := m.callbacks.OnStateChange; cb != nil {
		go cb(state)
	}
}

// endpoint builds the connection URL with the session-selection parameters.
func (m *Manager) endpoint() string {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return m.opts.URL
	}

	q := u.Query()
	if m.opts.SessionID != "" {
		q.Set("session_id", m.opts.SessionID)
	}
	if m.opts.SessionName != "" {
		q.Set("session_name", m.opts.SessionName)
	}
	if m.opts.Mode != "" {
		q.Set("mode", m.opts.Mode)
	}
	if m.opts.Provider != "" {
		q.Set("provider", m.opts.Provider)
	}
	q.Set("resume", boolParam(m.opts.Resume))
	q.Set("force_new", boolParam(m.opts.ForceNew))
	u.RawQuery = q.Encode()
	return u.String()
}

func boolParam(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
