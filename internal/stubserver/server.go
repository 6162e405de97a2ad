// Package stubserver implements a development agent backend speaking the
// bridge wire protocol. It exists so the client core can be exercised end
// to end without a real agent supervisor: raw mode attaches an actual shell
// through a pseudo-terminal, structured mode plays scripted turns.
package stubserver

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentbridge/core/internal/buffer"
	"github.com/agentbridge/core/internal/model"
	"github.com/agentbridge/core/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Development stub; never exposed beyond localhost.
		return true
	},
}

// TurnScript produces the inbound envelope sequence the stub replies with
// for one structured turn. Tests install scripts to drive exact sequences.
type TurnScript func(user protocol.UserFrame) []any

// Server is the stub backend. It serves the session list over HTTP and the
// bidirectional session protocol over WebSocket.
type Server struct {
	shell      string
	historyCap int

	mu       sync.Mutex
	sessions map[string]*stubSession
	script   TurnScript

	// controlResponses records every control_response received, for tests.
	controlResponses []protocol.ControlResponseFrame
}

// stubSession is one server-side session that outlives its connections.
type stubSession struct {
	info    model.SessionInfo
	history *buffer.TailBuffer
	shell   *shellProcess
}

// New creates a stub server. shell is the command raw-mode sessions attach
// to, e.g. /bin/sh.
func New(shell string) *Server {
	s := &Server{
		shell:      shell,
		historyCap: 64 * 1024,
		sessions:   make(map[string]*stubSession),
	}
	s.script = s.echoScript
	return s
}

// SetScript replaces the structured-turn script.
func (s *Server) SetScript(script TurnScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = script
}

// SeedHistory creates a session with pre-filled history, as if earlier
// connections had produced output. Used to exercise hot-restore paths.
func (s *Server) SeedHistory(sessionID, mode, data string) {
	sess := s.create(sessionID, mode, "")
	sess.history.AppendString(data)
}

// ControlResponses returns the control_response frames received so far.
func (s *Server) ControlResponses() []protocol.ControlResponseFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ControlResponseFrame, len(s.controlResponses))
	copy(out, s.controlResponses)
	return out
}

// Router builds the gin router serving the stub API.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/ws", s.attach)
	}
	return r
}

// listSessions serves the polled session list.
func (s *Server) listSessions(c *gin.Context) {
	s.mu.Lock()
	sessions := make([]model.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess.info)
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// attach upgrades to WebSocket and binds the connection to a session chosen
// by the query parameters: session_id selects, resume=1 requires existence,
// force_new discards any previous session with the same id.
func (s *Server) attach(c *gin.Context) {
	sessionID := c.Query("session_id")
	mode := c.DefaultQuery("mode", "structured")
	name := c.Query("session_name")
	resume := c.Query("resume") == "1"
	forceNew := c.Query("force_new") == "1"

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	sess, found := s.lookup(sessionID, forceNew)
	if !found && resume {
		s.writeJSON(conn, map[string]any{"type": "session_not_found", "session_id": sessionID})
		sess = nil
	}
	if sess == nil {
		sess = s.create(sessionID, mode, name)
	}

	go s.serve(conn, sess)
}

func (s *Server) lookup(sessionID string, forceNew bool) (*stubSession, bool) {
	if sessionID == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if forceNew {
		if sess.shell != nil {
			sess.shell.Close()
		}
		delete(s.sessions, sessionID)
		return nil, false
	}
	return sess, true
}

func (s *Server) create(sessionID, mode, name string) *stubSession {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	now := time.Now()
	sess := &stubSession{
		info: model.SessionInfo{
			ID:        sessionID,
			Name:      name,
			Mode:      mode,
			Status:    model.SessionStatusRunning,
			CreatedAt: now,
			UpdatedAt: now,
		},
		history: buffer.NewTailBuffer(s.historyCap),
	}

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()
	return sess
}

// serve runs the connection loop for one attached client.
func (s *Server) serve(conn *websocket.Conn, sess *stubSession) {
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		s.writeJSON(conn, v)
	}

	// Replay buffered history so a reconnecting client can hot-restore.
	if data := sess.history.String(); data != "" {
		send(map[string]any{"type": "history", "data": data})
	}

	if sess.info.Mode == "raw" {
		if err := s.attachShell(sess, send); err != nil {
			send(map[string]any{"type": "error", "error": err.Error()})
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(data, sess, send)
	}
}

// handleFrame dispatches one client frame.
func (s *Server) handleFrame(data []byte, sess *stubSession, send func(any)) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return
	}

	switch head.Type {
	case "input":
		var frame protocol.InputFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		if sess.shell != nil {
			sess.shell.Write([]byte(frame.Data))
		}

	case "resize":
		var frame protocol.ResizeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		if sess.shell != nil {
			sess.shell.Resize(frame.Cols, frame.Rows)
		}

	case "user":
		var frame protocol.UserFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		s.mu.Lock()
		script := s.script
		s.mu.Unlock()
		for _, env := range script(frame) {
			send(env)
		}

	case "control_response":
		var frame protocol.ControlResponseFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		s.mu.Lock()
		s.controlResponses = append(s.controlResponses, frame)
		s.mu.Unlock()
	}
}

// echoScript is the default structured script: echo the prompt back as one
// assistant text block, then end the turn.
func (s *Server) echoScript(user protocol.UserFrame) []any {
	text := ""
	for _, c := range user.Message.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	return []any{
		map[string]any{
			"type": "assistant",
			"message": map[string]any{
				"id":      uuid.New().String(),
				"role":    "assistant",
				"content": []map[string]any{{"type": "text", "text": "echo: " + text}},
			},
		},
		map[string]any{"type": "result", "subtype": "success"},
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("stubserver: write failed: %v", err)
	}
}

// Close shuts down all session shells.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.shell != nil {
			sess.shell.Close()
		}
	}
}
