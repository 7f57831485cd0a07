// Package simulator provides in-process simulated bench instruments
// that speak their serial dialects behind transport.Port. Sim mode and
// the end-to-end tests run the full stack against them.
package simulator

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Instrument is a simulated device: it consumes one command line at a
// time and optionally produces a reply line.
type Instrument interface {
	// Handle processes one command line (framing stripped). hasReply
	// reports whether reply should be written back.
	Handle(cmd string) (reply string, hasReply bool)
}

// Port adapts an Instrument to transport.Port. Writes are split into
// lines and dispatched to the instrument; replies come back through
// Read with a configurable latency.
type Port struct {
	inst       Instrument
	replyDelay time.Duration

	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	pending bytes.Buffer

	replies chan string
	done    chan struct{}
	closed  atomic.Bool
}

// NewPort wires inst behind a fresh port. replyDelay is applied to
// every reply to mimic instrument turnaround time.
func NewPort(inst Instrument, replyDelay time.Duration) *Port {
	pr, pw := io.Pipe()
	p := &Port{
		inst:       inst,
		replyDelay: replyDelay,
		pr:         pr,
		pw:         pw,
		replies:    make(chan string, 32),
		done:       make(chan struct{}),
	}
	go p.replyLoop()
	return p
}

// replyLoop writes replies back in order so interleaved Write calls
// cannot corrupt framing.
func (p *Port) replyLoop() {
	for {
		select {
		case reply := <-p.replies:
			if p.replyDelay > 0 {
				time.Sleep(p.replyDelay)
			}
			if _, err := p.pw.Write([]byte(reply + "\r\n")); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// Read blocks until the instrument produces reply bytes.
func (p *Port) Read(b []byte) (int, error) {
	return p.pr.Read(b)
}

// Write feeds command bytes to the instrument, line by line.
func (p *Port) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.Write(b)
	for {
		raw, ok := nextLine(&p.pending)
		if !ok {
			break
		}
		cmd := strings.TrimSpace(raw)
		if cmd == "" {
			continue
		}
		if reply, has := p.inst.Handle(cmd); has {
			select {
			case p.replies <- reply:
			default:
				// Reply queue full: the exchange above already gave
				// up, drop it.
			}
		}
	}
	return len(b), nil
}

// Close tears the port down. Safe to call more than once.
func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.done)
	p.pr.Close()
	p.pw.Close()
	return nil
}

// nextLine extracts one newline-terminated line from buf.
func nextLine(buf *bytes.Buffer) (string, bool) {
	data := buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(data[:idx])
	buf.Next(idx + 1)
	return line, true
}
