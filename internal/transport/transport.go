package transport

import "context"

// Transport is a serialized request/response channel to one instrument.
// All methods are safe for concurrent use; concurrent calls are queued
// and executed one exchange at a time in arrival order.
type Transport interface {
	// Command writes a command line with no expected reply.
	Command(ctx context.Context, cmd string) error

	// Query writes a command line and waits for a single reply line.
	// The reply is returned with framing and surrounding whitespace
	// stripped.
	Query(ctx context.Context, cmd string) (string, error)

	// Connected reports whether the transport is still usable. Once a
	// port-level failure has been observed this latches false.
	Connected() bool

	// Close releases the underlying port. It is idempotent.
	Close() error
}
