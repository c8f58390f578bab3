package testutil

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarkusPolo/consoled/internal/serial"
)

// ErrDeviceGone is the I/O error a FakeConn reports once it has been closed,
// standing in for a yanked USB adapter.
var ErrDeviceGone = errors.New("device gone")

// FakeConn is an in-memory device handle. Written lines are handed to Respond
// and its reply becomes readable output, emulating a CLI on the far end of
// the wire. Read honors the poll-timeout contract of real ports: a timeout
// returns (0, nil).
type FakeConn struct {
	// Respond maps one received line to the device's reply. Nil means the
	// device stays silent.
	Respond func(line string) string

	mu      sync.Mutex
	line    []byte
	pending []byte
	notify  chan struct{}
	timeout time.Duration
	closed  chan struct{}
	once    sync.Once
}

func NewFakeConn(respond func(line string) string) *FakeConn {
	return &FakeConn{
		Respond: respond,
		notify:  make(chan struct{}, 1),
		timeout: 100 * time.Millisecond,
		closed:  make(chan struct{}),
	}
}

// Inject queues unsolicited device output, as if the device printed on its own.
func (c *FakeConn) Inject(data []byte) {
	c.mu.Lock()
	c.pending = append(c.pending, data...)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *FakeConn) Read(p []byte) (int, error) {
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			n := copy(p, c.pending)
			c.pending = c.pending[n:]
			c.mu.Unlock()
			return n, nil
		}
		c.mu.Unlock()
		select {
		case <-c.closed:
			return 0, ErrDeviceGone
		case <-c.notify:
		case <-deadline.C:
			return 0, nil
		}
	}
}

func (c *FakeConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrDeviceGone
	default:
	}
	c.mu.Lock()
	var replies []string
	for _, b := range p {
		if b == '\n' {
			line := strings.TrimRight(string(c.line), "\r")
			c.line = c.line[:0]
			if c.Respond != nil {
				if reply := c.Respond(line); reply != "" {
					replies = append(replies, reply)
				}
			}
			continue
		}
		c.line = append(c.line, b)
	}
	c.mu.Unlock()
	for _, r := range replies {
		c.Inject([]byte(r))
	}
	return len(p), nil
}

func (c *FakeConn) SetReadTimeout(t time.Duration) error {
	c.mu.Lock()
	c.timeout = t
	c.mu.Unlock()
	return nil
}

func (c *FakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// FakeOpener hands out FakeConns keyed by path and remembers them so tests
// can inject output or inspect state afterwards.
type FakeOpener struct {
	// Respond is installed on every opened conn.
	Respond func(line string) string
	// Err, when set, fails every Open with this error.
	Err error

	mu    sync.Mutex
	conns map[string][]*FakeConn
}

func NewFakeOpener(respond func(line string) string) *FakeOpener {
	return &FakeOpener{Respond: respond, conns: map[string][]*FakeConn{}}
}

func (o *FakeOpener) Open(path string, baud int) (serial.Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	conn := NewFakeConn(o.Respond)
	o.conns[path] = append(o.conns[path], conn)
	return conn, nil
}

// Conn returns the most recently opened conn for a path.
func (o *FakeOpener) Conn(path string) *FakeConn {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.conns[path]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// OpenCount reports how many times the path was opened.
func (o *FakeOpener) OpenCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.conns[path])
}
