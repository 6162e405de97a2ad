package approval

import (
	"bytes"
	"regexp"
)

// Prompt is an advisory permission prompt detected in raw terminal output.
// Raw-mode backends have no control_request channel; scanning the byte
// stream for confirmation prompts lets a client surface them anyway. The
// answer still travels as ordinary keystrokes.
type Prompt struct {
	Question string
	Options  []string
}

// PromptScanner detects permission-style prompts in raw output chunks.
// It keeps a small tail of recent output so prompts split across chunk
// boundaries are still matched.
type PromptScanner struct {
	questionPattern *regexp.Regexp
	confirmPattern  *regexp.Regexp

	buf     bytes.Buffer
	maxBuf  int
	lastHit string
}

// NewPromptScanner creates a PromptScanner with a 4 KB matching window.
func NewPromptScanner() *PromptScanner {
	return &PromptScanner{
		// Match (y/n), (Y/N), (yes/no), (Yes/No)
		questionPattern: regexp.MustCompile(`\(([yY])/([nN])\)|\(([yY]es)/([nN]o)\)`),

		// Match explicit confirmation menus like
		// "Do you want to write main.go?"
		confirmPattern: regexp.MustCompile(`Do you want to (create|write|delete|modify|update|remove|edit|overwrite|run) .+\?`),

		maxBuf: 4096,
	}
}

// Scan processes one output chunk and returns a detected prompt, or nil.
// The same prompt is reported once even when redraws repeat it.
func (s *PromptScanner) Scan(chunk []byte) *Prompt {
	s.buf.Write(chunk)
	if s.buf.Len() > s.maxBuf {
		data := s.buf.Bytes()
		s.buf.Reset()
		s.buf.Write(data[len(data)-s.maxBuf:])
	}

	clean := stripANSI(s.buf.Bytes())

	if m := s.confirmPattern.Find(clean); m != nil {
		// Drop the matched window so a redraw accumulates the prompt
		// afresh instead of growing a doubled line past the dedup check.
		s.buf.Reset()
		question := string(m)
		if question == s.lastHit {
			return nil
		}
		s.lastHit = question
		return &Prompt{Question: question, Options: []string{"1", "2", "esc"}}
	}

	if m := s.questionPattern.FindSubmatch(clean); m != nil {
		s.buf.Reset()
		question := lastLine(clean)
		if question == s.lastHit {
			return nil
		}
		s.lastHit = question

		options := []string{"y", "n"}
		if len(m[3]) > 0 {
			options = []string{"yes", "no"}
		}
		return &Prompt{Question: question, Options: options}
	}

	return nil
}

// Reset clears the matching window, e.g. after the prompt was answered.
func (s *PromptScanner) Reset() {
	s.buf.Reset()
	s.lastHit = ""
}

// lastLine returns the trailing non-empty line of data.
func lastLine(data []byte) string {
	data = bytes.TrimRight(data, "\r\n \t")
	if idx := bytes.LastIndexByte(data, '\n'); idx >= 0 {
		data = data[idx+1:]
	}
	return string(bytes.TrimSpace(data))
}

// ansiPattern matches CSI, OSC and charset escape sequences.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b\(B`)

func stripANSI(data []byte) []byte {
	return ansiPattern.ReplaceAll(data, nil)
}
