package transport

import (
	"io"

	"go.bug.st/serial"
)

// Port is the byte stream a transport exchanges frames over. Production
// ports are serial devices; tests and sim mode substitute in-process pipes.
type Port interface {
	io.Reader
	io.Writer
	Close() error
}

// PortEnumerator lists candidate port names for discovery.
type PortEnumerator interface {
	List() ([]string, error)
}

// SerialEnumerator enumerates the host's serial ports.
type SerialEnumerator struct{}

// List returns the system serial port names.
func (SerialEnumerator) List() ([]string, error) {
	return serial.GetPortsList()
}

// OpenSerialPort opens name at the given baud rate in 8N1 framing and
// flushes any pending input so a stale reply cannot leak into the first
// exchange.
func OpenSerialPort(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, &Error{Op: "open", Port: name, Code: CodePortOpenFailed, Err: err}
	}
	if err := p.ResetInputBuffer(); err != nil {
		p.Close()
		return nil, &Error{Op: "open", Port: name, Code: CodePortOpenFailed, Err: err}
	}
	return p, nil
}
