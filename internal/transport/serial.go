package transport

import (
	"bufio"
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benchlab/benchd/internal/events"
	"github.com/benchlab/benchd/internal/otel"
)

// SerialTransport implements Transport over a byte-stream Port with
// newline-framed commands and replies.
//
// A single reader goroutine owns all reads from the port and feeds
// complete lines into a channel; exchanges are serialized by a
// one-slot semaphore so queued callers proceed in arrival order and
// each caller observes the previous exchange's post-command delay.
type SerialTransport struct {
	port     Port
	portName string
	cfg      Config

	sem   chan struct{}
	lines chan string

	closed       atomic.Bool
	disconnected atomic.Bool

	readerDone chan struct{}
}

// NewSerialTransport wraps port with the exchange discipline. A zero
// Config gets defaults. The transport takes ownership of the port and
// closes it on Close.
func NewSerialTransport(portName string, port Port, cfg Config) (*SerialTransport, error) {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &SerialTransport{
		port:       port,
		portName:   portName,
		cfg:        cfg,
		sem:        make(chan struct{}, 1),
		lines:      make(chan string, cfg.LineBuffer),
		readerDone: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// PortName returns the port identifier this transport was opened on.
func (t *SerialTransport) PortName() string {
	return t.portName
}

// Connected reports whether the transport is still usable.
func (t *SerialTransport) Connected() bool {
	return !t.closed.Load() && !t.disconnected.Load()
}

// Command writes cmd as one line and applies the post-command delay.
func (t *SerialTransport) Command(ctx context.Context, cmd string) error {
	if err := t.acquire(ctx, "command"); err != nil {
		return err
	}
	defer t.release()

	if err := t.usableErr("command"); err != nil {
		return err
	}
	t.drainStale()
	start := time.Now()
	err := t.write("command", cmd)
	t.recordExchange(ctx, "command", time.Since(start), err)
	t.postDelay()
	return err
}

// Query writes cmd as one line and waits for a single reply line. A
// reply that does not arrive within the query timeout fails with
// COMMAND_TIMEOUT; its late bytes, if any, are discarded before the
// next exchange.
func (t *SerialTransport) Query(ctx context.Context, cmd string) (string, error) {
	if err := t.acquire(ctx, "query"); err != nil {
		return "", err
	}
	defer t.release()

	if err := t.usableErr("query"); err != nil {
		return "", err
	}
	t.drainStale()
	start := time.Now()
	if err := t.write("query", cmd); err != nil {
		t.recordExchange(ctx, "query", time.Since(start), err)
		t.postDelay()
		return "", err
	}

	timer := time.NewTimer(time.Duration(t.cfg.QueryTimeoutMs) * time.Millisecond)
	defer timer.Stop()

	var reply string
	var err error
	select {
	case reply = <-t.lines:
	case <-timer.C:
		err = &Error{Op: "query", Port: t.portName, Code: CodeCommandTimeout}
	case <-ctx.Done():
		err = &Error{Op: "query", Port: t.portName, Code: CodeCancelled, Err: ctx.Err()}
	case <-t.readerDone:
		err = t.usableErr("query")
	}
	t.recordExchange(ctx, "query", time.Since(start), err)
	t.postDelay()
	return reply, err
}

// Close releases the port and stops the reader goroutine. Safe to call
// more than once.
func (t *SerialTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.port.Close()
	<-t.readerDone
	if err != nil {
		return &Error{Op: "close", Port: t.portName, Code: CodePortIOError, Err: err}
	}
	return nil
}

func (t *SerialTransport) acquire(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: op, Port: t.portName, Code: CodeCancelled, Err: err}
	}
	select {
	case t.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &Error{Op: op, Port: t.portName, Code: CodeCancelled, Err: ctx.Err()}
	}
}

func (t *SerialTransport) release() {
	<-t.sem
}

// usableErr returns the fail-fast error for a latched or closed
// transport, or nil when exchanges may proceed.
func (t *SerialTransport) usableErr(op string) error {
	if t.closed.Load() {
		return &Error{Op: op, Port: t.portName, Code: CodeTransportClosed}
	}
	if t.disconnected.Load() {
		return &Error{Op: op, Port: t.portName, Code: CodeTransportDisconnected}
	}
	return nil
}

// drainStale discards reply lines left over from timed-out queries.
func (t *SerialTransport) drainStale() {
	for {
		select {
		case <-t.lines:
		default:
			return
		}
	}
}

func (t *SerialTransport) write(op, cmd string) error {
	if _, err := t.port.Write([]byte(cmd + "\n")); err != nil {
		t.markDisconnected(op, err)
		return &Error{Op: op, Port: t.portName, Code: CodePortIOError, Err: err}
	}
	return nil
}

func (t *SerialTransport) postDelay() {
	if t.cfg.PostCommandDelayMs > 0 {
		time.Sleep(time.Duration(t.cfg.PostCommandDelayMs) * time.Millisecond)
	}
}

// recordExchange reports one exchange round trip to the telemetry
// globals. The post-command delay is excluded: it is settle time, not
// instrument response.
func (t *SerialTransport) recordExchange(ctx context.Context, op string, elapsed time.Duration, err error) {
	m := otel.GetGlobalMetrics()
	if m == nil {
		return
	}
	m.RecordCommandLatency(ctx, t.portName, op, float64(elapsed.Microseconds())/1000.0, err == nil)
	if err != nil && CodeOf(err) == CodeCommandTimeout {
		m.RecordCommandTimeout(ctx)
	}
}

func (t *SerialTransport) markDisconnected(op string, err error) {
	if t.disconnected.CompareAndSwap(false, true) {
		events.GetGlobalEventLogger().LogTransportError(t.portName, op, string(CodePortIOError), err)
	}
}

// readLoop owns all reads from the port. It exits on the first read
// error, which latches the transport disconnected unless Close caused it.
func (t *SerialTransport) readLoop() {
	defer close(t.readerDone)
	r := bufio.NewReader(t.port)
	for {
		line, err := r.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			select {
			case t.lines <- trimmed:
			default:
				// No exchange waiting and buffer full: unsolicited
				// output, drop it.
			}
		}
		if err != nil {
			if !t.closed.Load() {
				t.markDisconnected("read", err)
			}
			return
		}
	}
}
