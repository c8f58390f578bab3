package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	bugst "go.bug.st/serial"
)

// Conn is the minimal device handle a session needs. go.bug.st's Port
// satisfies it; tests plug in an in-memory fake.
type Conn interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens a device path at a baud rate.
type Opener interface {
	Open(path string, baud int) (Conn, error)
}

// DeviceOpener opens real serial devices (8N1, no flow control).
type DeviceOpener struct{}

func (DeviceOpener) Open(path string, baud int) (Conn, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPortUnavailable, path)
	}
	mode := &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	port, err := bugst.Open(path, mode)
	if err != nil {
		if isBusyError(err) {
			return nil, fmt.Errorf("%w: %s", ErrPortBusy, path)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrPortUnavailable, path, err)
	}
	return port, nil
}

// isBusyError detects OS-level exclusivity failures from the underlying
// driver, which surfaces them as plain error strings.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	var pe *bugst.PortError
	if errors.As(err, &pe) {
		return pe.Code() == bugst.PortBusy
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}
