package transport

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentbridge/core/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testBackend is a minimal WebSocket endpoint that records inbound frames
// and can push scripted envelopes to the connected client.
type testBackend struct {
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []string
	onAttach func(conn *websocket.Conn, query url.Values)
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	b := &testBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		onAttach := b.onAttach
		b.mu.Unlock()

		if onAttach != nil {
			onAttach(conn, r.URL.Query())
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			b.mu.Lock()
			b.received = append(b.received, string(data))
			b.mu.Unlock()
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *testBackend) frames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.received))
	copy(out, b.received)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestManager_OpenDeliversOrdered(t *testing.T) {
	backend := newTestBackend(t)
	backend.onAttach = func(conn *websocket.Conn, _ url.Values) {
		for i := 0; i < 20; i++ {
			msg := fmt.Sprintf(`{"type":"output","data":"chunk-%02d"}`, i)
			conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
	}

	var mu sync.Mutex
	var got []string
	started := make(chan struct{}, 1)

	m := NewManager(Options{URL: backend.wsURL(), SessionID: "s1"})
	defer m.Close()
	m.SetCallbacks(Callbacks{
		OnEnvelope: func(env *protocol.Envelope) {
			mu.Lock()
			got = append(got, env.Data)
			mu.Unlock()
		},
		OnSessionStarted: func() { started <- struct{}{} },
	})

	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("session never started")
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	})

	mu.Lock()
	defer mu.Unlock()
	for i, data := range got {
		if want := fmt.Sprintf("chunk-%02d", i); data != want {
			t.Fatalf("envelope %d out of order: got %q, want %q", i, data, want)
		}
	}
}

// TestManager_QueuedSendsFlushInOrder tests that frames sent before the
// connection opens are delivered, in order, once it does.
func TestManager_QueuedSendsFlushInOrder(t *testing.T) {
	backend := newTestBackend(t)

	m := NewManager(Options{URL: backend.wsURL(), SessionID: "s1"})
	defer m.Close()

	// Queue before any Open.
	for i := 0; i < 3; i++ {
		if err := m.Send(protocol.NewInputFrame(fmt.Sprintf("early-%d\n", i))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(backend.frames()) == 3 })

	for i, frame := range backend.frames() {
		if !strings.Contains(frame, fmt.Sprintf("early-%d", i)) {
			t.Errorf("frame %d out of order: %s", i, frame)
		}
	}
}

func TestManager_SendsQueryParameters(t *testing.T) {
	backend := newTestBackend(t)
	queries := make(chan url.Values, 1)
	backend.onAttach = func(_ *websocket.Conn, q url.Values) {
		queries <- q
	}

	m := NewManager(Options{
		URL:         backend.wsURL(),
		SessionID:   "sess-42",
		SessionName: "review",
		Mode:        "structured",
		Provider:    "claude",
		Resume:      true,
	})
	defer m.Close()

	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	select {
	case q := <-queries:
		if q.Get("session_id") != "sess-42" || q.Get("session_name") != "review" {
			t.Errorf("unexpected session params: %v", q)
		}
		if q.Get("mode") != "structured" || q.Get("provider") != "claude" {
			t.Errorf("unexpected mode params: %v", q)
		}
		if q.Get("resume") != "1" || q.Get("force_new") != "0" {
			t.Errorf("unexpected flags: %v", q)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend never saw the connection")
	}
}

func TestManager_ResizeGating(t *testing.T) {
	backend := newTestBackend(t)

	m := NewManager(Options{URL: backend.wsURL()})
	defer m.Close()

	// Not open yet.
	if err := m.Resize(80, 24); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen before open, got %v", err)
	}

	// Zero extent is rejected regardless of state.
	if err := m.Resize(0, 24); !errors.Is(err, ErrZeroExtent) {
		t.Errorf("expected ErrZeroExtent, got %v", err)
	}
	if err := m.Resize(80, 0); !errors.Is(err, ErrZeroExtent) {
		t.Errorf("expected ErrZeroExtent, got %v", err)
	}

	started := make(chan struct{}, 1)
	m.SetCallbacks(Callbacks{OnSessionStarted: func() { started <- struct{}{} }})
	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	<-started

	if err := m.Resize(120, 40); err != nil {
		t.Errorf("Resize after open: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(backend.frames()) == 1 })
	frame := backend.frames()[0]
	if !strings.Contains(frame, `"resize"`) || !strings.Contains(frame, "120") {
		t.Errorf("unexpected resize frame: %s", frame)
	}
}

// TestManager_RetriesExhausted tests the bounded reconnect policy against an
// unreachable backend: with MaxRetries=3 the manager dials three times,
// announces two reconnect attempts, then reports the terminal failure once.
func TestManager_RetriesExhausted(t *testing.T) {
	var mu sync.Mutex
	var attempts []int
	var terminal []error
	done := make(chan struct{}, 1)

	m := NewManager(Options{
		// Nothing listens here.
		URL:        "ws://127.0.0.1:1/ws",
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
	})
	defer m.Close()
	m.SetCallbacks(Callbacks{
		OnReconnecting: func(attempt int) {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
		},
		OnRetriesExhausted: func(err error) {
			mu.Lock()
			terminal = append(terminal, err)
			mu.Unlock()
			done <- struct{}{}
		},
	})

	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("terminal failure never reported")
	}

	// No further attempts may run after the terminal report.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(terminal) != 1 {
		t.Fatalf("expected exactly one terminal report, got %d", len(terminal))
	}
	if !errors.Is(terminal[0], ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", terminal[0])
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("expected reconnect attempts [1 2], got %v", attempts)
	}
	if m.State() != StateClosed {
		t.Errorf("expected closed state, got %q", m.State())
	}
	if err := m.Send(protocol.NewInputFrame("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after exhaustion, got %v", err)
	}
}

// TestManager_ReconnectAfterDrop tests that a dropped connection is redialed
// and the retry counter resets on a successful open.
func TestManager_ReconnectAfterDrop(t *testing.T) {
	backend := newTestBackend(t)

	var mu sync.Mutex
	dials := 0
	backend.onAttach = func(conn *websocket.Conn, _ url.Values) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			// Kill the first connection to force a reconnect.
			conn.Close()
		}
	}

	started := make(chan struct{}, 4)
	m := NewManager(Options{
		URL:        backend.wsURL(),
		MaxRetries: 5,
		RetryDelay: 10 * time.Millisecond,
	})
	defer m.Close()
	m.SetCallbacks(Callbacks{OnSessionStarted: func() { started <- struct{}{} }})

	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// First open, then the reconnect's open.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatalf("open %d never happened", i+1)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return m.State() == StateOpen })
	if m.Retries() != 0 {
		t.Errorf("expected retry counter reset after successful open, got %d", m.Retries())
	}
}

func TestManager_CloseIsTerminal(t *testing.T) {
	backend := newTestBackend(t)

	m := NewManager(Options{URL: backend.wsURL()})
	m.Close()

	if err := m.Open(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Open after Close, got %v", err)
	}
	if err := m.Send(protocol.NewInputFrame("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Send after Close, got %v", err)
	}
	if m.State() != StateClosed {
		t.Errorf("expected closed state, got %q", m.State())
	}
}
