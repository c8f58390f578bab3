package serial

import (
	"fmt"
	"sync"
	"time"
)

const readBufSize = 4096

// readPollInterval bounds how long a blocked Read can delay shutdown.
const readPollInterval = 200 * time.Millisecond

// Session exclusively owns one open device handle. A read loop publishes
// incoming chunks to every subscriber; writes from any caller are serialized
// through a single write loop. Any I/O error closes the session for all
// consumers.
type Session struct {
	path string
	baud int
	conn Conn

	mu      sync.Mutex
	subs    map[int]chan []byte
	nextSub int

	writeCh chan []byte
	closed  chan struct{}
	once    sync.Once
	errMu   sync.Mutex
	err     error

	subBuffer int
}

func newSession(path string, baud int, conn Conn, subBuffer int) *Session {
	if subBuffer <= 0 {
		subBuffer = 256
	}
	s := &Session{
		path:      path,
		baud:      baud,
		conn:      conn,
		subs:      map[int]chan []byte{},
		writeCh:   make(chan []byte, 64),
		closed:    make(chan struct{}),
		subBuffer: subBuffer,
	}
	_ = conn.SetReadTimeout(readPollInterval)
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *Session) Path() string { return s.path }
func (s *Session) Baud() int    { return s.baud }

// Subscribe registers a receiver for every chunk read from the device after
// this call. The returned cancel func drops the subscription; the channel is
// closed when the session closes.
func (s *Session) Subscribe() (<-chan []byte, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan []byte, s.subBuffer)
	select {
	case <-s.closed:
		close(ch)
		return ch, func() {}
	default:
	}
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Write queues bytes for the device. Writes are flushed FIFO with no
// interleaving of partial writes.
func (s *Session) Write(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case <-s.closed:
		return ErrSessionClosed
	case s.writeCh <- buf:
		return nil
	}
}

// Closed is signalled once the session has shut down.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Err reports why the session closed, nil for a clean Close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close releases the device handle and wakes all subscribers. Idempotent.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *Session) closeWith(err error) {
	s.once.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.closed)
		_ = s.conn.Close()
		s.mu.Lock()
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	})
}

func (s *Session) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.broadcast(chunk)
		}
		if err != nil {
			s.closeWith(fmt.Errorf("%w: read: %v", ErrSessionClosed, err))
			return
		}
	}
}

// broadcast delivers the chunk to every subscriber. A slow consumer loses its
// oldest buffered chunk rather than blocking the read loop.
func (s *Session) broadcast(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- chunk:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- chunk:
			default:
			}
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case data := <-s.writeCh:
			if _, err := s.conn.Write(data); err != nil {
				s.closeWith(fmt.Errorf("%w: write: %v", ErrSessionClosed, err))
				return
			}
		}
	}
}
