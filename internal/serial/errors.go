package serial

import "errors"

var (
	// ErrPortBusy means another session already owns the port.
	ErrPortBusy = errors.New("port busy")
	// ErrPortUnavailable means the device path is absent or cannot be opened.
	ErrPortUnavailable = errors.New("port unavailable")
	// ErrSessionClosed is reported once a session has shut down.
	ErrSessionClosed = errors.New("session closed")
)
