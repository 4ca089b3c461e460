package app

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/lukasbauer/voiceloop/internal/turn"
)

// TerminalSink prints state changes and the conversation to a terminal.
// Meter-only updates are ignored.
type TerminalSink struct {
	mu   sync.Mutex
	out  io.Writer
	last turn.Snapshot
	seen bool
}

func NewTerminalSink(out io.Writer) *TerminalSink {
	return &TerminalSink{out: out}
}

func (t *TerminalSink) Render(s turn.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.last
	first := !t.seen
	t.last = s
	t.seen = true
	if !first && prev.State == s.State {
		return
	}

	switch s.State {
	case turn.Listening:
		fmt.Fprintln(t.out, "[listening]")
	case turn.Transcribing:
		fmt.Fprintln(t.out, "[transcribing]")
	case turn.Thinking:
		fmt.Fprintf(t.out, "You: %s\n", s.LastHeard)
	case turn.Speaking:
		fmt.Fprintf(t.out, "Assistant: %s\n", s.LastSpoken)
	case turn.Error:
		fmt.Fprintf(t.out, "! %s\n", s.ErrorMessage)
	case turn.Idle:
		if !first {
			fmt.Fprintln(t.out, "[idle]")
		}
	}
}

// readLines streams trimmed lines from r until EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- strings.TrimSpace(strings.ToLower(scanner.Text()))
		}
	}()
	return lines
}
