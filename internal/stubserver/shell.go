package stubserver

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/agentbridge/core/internal/model"
)

// shellProcess is one shell attached to a pseudo-terminal for raw-mode
// sessions. Output is fanned out to the session history buffer and to the
// currently attached connection.
type shellProcess struct {
	ptmx *os.File
	cmd  *exec.Cmd

	mu     sync.Mutex
	sink   func(data []byte)
	onExit func(code int)
	closed bool
}

// startShell spawns command on a new pty with a sane default geometry.
func startShell(command string) (*shellProcess, error) {
	cmd := exec.Command(command)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	p := &shellProcess{ptmx: ptmx, cmd: cmd}
	go p.readLoop()
	return p, nil
}

func (p *shellProcess) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			p.mu.Lock()
			sink := p.sink
			p.mu.Unlock()
			if sink != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				sink(chunk)
			}
		}
		if err != nil {
			break
		}
	}

	err := p.cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}

	p.mu.Lock()
	onExit := p.onExit
	p.mu.Unlock()
	if onExit != nil {
		onExit(code)
	}
}

func (p *shellProcess) SetSink(sink func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func (p *shellProcess) SetOnExit(onExit func(int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = onExit
}

func (p *shellProcess) Write(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.ptmx.Write(data)
}

func (p *shellProcess) Resize(cols, rows uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || cols == 0 || rows == 0 {
		return
	}
	pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *shellProcess) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.ptmx.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

// attachShell lazily starts the session's shell and points its output at
// the attached connection.
func (s *Server) attachShell(sess *stubSession, send func(any)) error {
	s.mu.Lock()
	if sess.info.Status == model.SessionStatusExited {
		s.mu.Unlock()
		return model.ErrSessionClosed
	}
	shell := sess.shell
	s.mu.Unlock()

	if shell == nil {
		var err error
		shell, err = startShell(s.shell)
		if err != nil {
			return err
		}
		shell.SetOnExit(func(code int) {
			s.mu.Lock()
			sess.info.Status = model.SessionStatusExited
			sess.info.ExitCode = &code
			s.mu.Unlock()
			send(map[string]any{"type": "exit", "code": code})
		})
		s.mu.Lock()
		sess.shell = shell
		s.mu.Unlock()
	}

	shell.SetSink(func(data []byte) {
		sess.history.Append(data)
		send(map[string]any{"type": "output", "data": string(data)})
	})
	return nil
}
