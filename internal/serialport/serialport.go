// Package serialport opens and configures the UART used to talk to the
// target's first-stage loader. It is a thin adapter over
// github.com/daedaluz/goserial, chosen because the teacher's own UART code
// (pkg/usock, built on tarm/serial) cannot reach termios/ioctl level: its
// author left a comment admitting as much ("with tarm/serial, we can't
// directly manipulate the terminal attributes"). goserial exposes the
// termios2 and modem-line ioctls this loader needs directly.
package serialport

import (
	"fmt"
	"syscall"

	serial "github.com/daedaluz/goserial"
)

// Baud rates used by the upload protocols.
const (
	BaudInit    = 19200
	BaudHandoff = 115200
)

// Port is a non-blocking UART handle in raw 8N1 mode with DTR/RTS asserted.
type Port struct {
	port *serial.Port
}

// Open opens path, switches it to raw non-canonical mode, disables
// echo/flow-control, asserts DTR+RTS and sets both directions to 115200.
func Open(path string) (*Port, error) {
	opts := serial.NewOptions()
	opts.OpenMode = syscall.O_RDWR | syscall.O_NOCTTY | syscall.O_NONBLOCK
	opts.ReadTimeout = -1

	raw, err := serial.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	p := &Port{port: raw}
	if err := p.makeRaw(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}
	if err := p.SetBaud(BaudHandoff); err != nil {
		raw.Close()
		return nil, fmt.Errorf("set baud on %s: %w", path, err)
	}
	if err := p.port.EnableModemLines(serial.TIOCM_DTR | serial.TIOCM_RTS); err != nil {
		raw.Close()
		return nil, fmt.Errorf("assert DTR/RTS on %s: %w", path, err)
	}
	return p, nil
}

func (p *Port) makeRaw() error {
	attrs, err := p.port.GetAttr2()
	if err != nil {
		return err
	}
	attrs.MakeRaw()
	attrs.Cflag &= ^serial.CRTSCTS
	attrs.Cflag |= serial.CLOCAL | serial.CREAD
	return p.port.SetAttr2(serial.TCSANOW, attrs)
}

// SetBaud changes both input and output speed without draining or
// flushing either queue (§4.1).
func (p *Port) SetBaud(rate int) error {
	speed, err := baudConstant(rate)
	if err != nil {
		return err
	}
	attrs, err := p.port.GetAttr2()
	if err != nil {
		return err
	}
	attrs.SetSpeed(speed)
	return p.port.SetAttr2(serial.TCSANOW, attrs)
}

func baudConstant(rate int) (serial.CFlag, error) {
	switch rate {
	case 19200:
		return serial.B19200, nil
	case 115200:
		return serial.B115200, nil
	default:
		return 0, fmt.Errorf("unsupported baud rate %d", rate)
	}
}

// Read performs a single non-blocking read. A return of (0, nil) means
// EAGAIN was seen and the caller should wait for the next readiness
// notification; it is not EOF.
func (p *Port) Read(buf []byte) (int, error) {
	n, err := p.port.Read(buf)
	if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
		return 0, nil
	}
	return n, err
}

// Write performs a single non-blocking write. Partial writes are expected;
// callers must track their own cursor.
func (p *Port) Write(buf []byte) (int, error) {
	n, err := p.port.Write(buf)
	if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
		return 0, nil
	}
	return n, err
}

// Fd returns the underlying file descriptor for event-loop registration.
func (p *Port) Fd() int {
	return p.port.Fd()
}

// Close releases the underlying file descriptor.
func (p *Port) Close() error {
	return p.port.Close()
}
