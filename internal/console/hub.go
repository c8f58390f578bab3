// Package console bridges serial sessions to attached client streams and
// hosts the per-stream command recorder, key translation, and capture.
package console

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkusPolo/consoled/internal/serial"
)

var (
	// ErrAlreadyCapturing rejects a capture while one is in flight.
	ErrAlreadyCapturing = errors.New("capture already in progress")
	// ErrCaptureTimeout is reported when a capture hits its hard deadline.
	ErrCaptureTimeout = errors.New("capture timed out")
)

// Options tune hub timing and buffering.
type Options struct {
	CaptureIdle    time.Duration
	CaptureTimeout time.Duration
	DetachGrace    time.Duration
	StreamBuffer   int
}

// EventType discriminates stream output events.
type EventType string

const (
	// EventData carries raw device output bytes.
	EventData EventType = "data"
	// EventCaptureResult carries a completed capture's collected output.
	EventCaptureResult EventType = "capture_result"
	// EventRecorded carries one command reconstructed by the recorder.
	EventRecorded EventType = "recorded_command"
	// EventError carries a stream-scoped error message.
	EventError EventType = "error"
)

// Event is one message delivered to an attached stream.
type Event struct {
	Type    EventType
	Data    []byte
	Output  string
	Command string
	Message string
}

// Hub multiplexes many client streams onto per-port serial sessions,
// enforcing at-most-one-session-per-port via the serial manager.
type Hub struct {
	mgr  *serial.Manager
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	bridges map[string]*bridge
}

// bridge ties one live session to its attached streams.
type bridge struct {
	session *serial.Session
	streams map[string]*Stream
	grace   *time.Timer
}

func NewHub(mgr *serial.Manager, opts Options, log *zap.Logger) *Hub {
	if opts.CaptureIdle <= 0 {
		opts.CaptureIdle = 500 * time.Millisecond
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = 10 * time.Second
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		mgr:     mgr,
		opts:    opts,
		log:     log,
		bridges: map[string]*bridge{},
	}
}

// Attach joins the existing session for the port or opens a new one. Every
// attached stream receives a copy of all subsequent device output.
func (h *Hub) Attach(path string, baud int) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	br := h.bridges[path]
	if br != nil {
		select {
		case <-br.session.Closed():
			delete(h.bridges, path)
			br = nil
		default:
		}
	}
	if br == nil {
		sess, err := h.mgr.Open(path, baud)
		if err != nil {
			return nil, err
		}
		br = &bridge{session: sess, streams: map[string]*Stream{}}
		h.bridges[path] = br
	}
	if br.grace != nil {
		br.grace.Stop()
		br.grace = nil
	}

	st := &Stream{
		ID:       uuid.NewString(),
		hub:      h,
		path:     path,
		session:  br.session,
		out:      make(chan Event, h.opts.StreamBuffer),
		recorder: NewRecorder(),
		keymap:   NewKeymap(),
		done:     make(chan struct{}),
	}
	br.streams[st.ID] = st
	sub, cancel := br.session.Subscribe()
	st.cancelSub = cancel
	go st.forward(sub)
	h.log.Debug("stream attached", zap.String("port", path), zap.String("stream", st.ID))
	return st, nil
}

// detach removes the stream; when the last stream leaves, the session is
// closed after a grace period unless someone re-attaches.
func (h *Hub) detach(st *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	br := h.bridges[st.path]
	if br == nil {
		return
	}
	delete(br.streams, st.ID)
	if len(br.streams) > 0 {
		return
	}
	sess := br.session
	if h.opts.DetachGrace <= 0 {
		delete(h.bridges, st.path)
		h.mgr.Release(sess)
		return
	}
	br.grace = time.AfterFunc(h.opts.DetachGrace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		cur := h.bridges[st.path]
		if cur == nil || cur.session != sess || len(cur.streams) > 0 {
			return
		}
		delete(h.bridges, st.path)
		h.mgr.Release(sess)
		h.log.Debug("session released after grace", zap.String("port", st.path))
	})
}

// Stream is one client-facing duplex attachment to a session.
type Stream struct {
	ID      string
	hub     *Hub
	path    string
	session *serial.Session

	out       chan Event
	cancelSub func()
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	recorder  *Recorder
	keymap    *Keymap
	capturing bool
}

// Output yields device bytes and control events for this stream.
func (st *Stream) Output() <-chan Event { return st.out }

// Done is signalled when the stream detaches or the session dies.
func (st *Stream) Done() <-chan struct{} { return st.done }

// Send translates the chunk, feeds the recorder, and writes to the device.
// Recorded commands completed by this chunk are emitted as events.
func (st *Stream) Send(data []byte) error {
	st.mu.Lock()
	data = st.keymap.Translate(data)
	cmds := st.recorder.Feed(data)
	st.mu.Unlock()

	if err := st.session.Write(data); err != nil {
		return err
	}
	for _, cmd := range cmds {
		st.emit(Event{Type: EventRecorded, Command: cmd})
	}
	return nil
}

// SetBackspace reconfigures the recorder's backspace byte at runtime.
func (st *Stream) SetBackspace(b byte) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.recorder.SetBackspace(b)
}

// SetKeymap replaces the stream's translation rules.
func (st *Stream) SetKeymap(rules []Rule) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.keymap = NewKeymap(rules...)
}

// Capture sends the command and collects device output until a quiet period,
// then delivers an EventCaptureResult to this stream only. One capture at a
// time per stream; the hard timeout fails with ErrCaptureTimeout.
func (st *Stream) Capture(command string) error {
	st.mu.Lock()
	if st.capturing {
		st.mu.Unlock()
		return ErrAlreadyCapturing
	}
	st.capturing = true
	st.mu.Unlock()

	sub, cancel := st.session.Subscribe()
	if err := st.session.Write([]byte(command + "\r\n")); err != nil {
		cancel()
		st.setCapturing(false)
		return err
	}

	go func() {
		defer cancel()
		defer st.setCapturing(false)

		opts := st.hub.opts
		var buf []byte
		hard := time.NewTimer(opts.CaptureTimeout)
		defer hard.Stop()
		idle := time.NewTimer(opts.CaptureIdle)
		defer idle.Stop()

		for {
			select {
			case chunk, ok := <-sub:
				if !ok {
					st.emit(Event{Type: EventError, Message: "session closed during capture"})
					return
				}
				buf = append(buf, chunk...)
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(opts.CaptureIdle)
			case <-idle.C:
				if len(buf) > 0 {
					st.emit(Event{Type: EventCaptureResult, Output: string(buf)})
					return
				}
				idle.Reset(opts.CaptureIdle)
			case <-hard.C:
				st.emit(Event{Type: EventError, Message: ErrCaptureTimeout.Error()})
				return
			case <-st.done:
				return
			}
		}
	}()
	return nil
}

// Close detaches the stream without affecting other attached streams.
func (st *Stream) Close() {
	st.closeOnce.Do(func() {
		close(st.done)
		st.cancelSub()
		st.hub.detach(st)
	})
}

func (st *Stream) setCapturing(v bool) {
	st.mu.Lock()
	st.capturing = v
	st.mu.Unlock()
}

func (st *Stream) forward(sub <-chan []byte) {
	for {
		select {
		case <-st.done:
			return
		case chunk, ok := <-sub:
			if !ok {
				if err := st.session.Err(); err != nil {
					st.emit(Event{Type: EventError, Message: err.Error()})
				}
				st.Close()
				return
			}
			st.emit(Event{Type: EventData, Data: chunk})
		}
	}
}

// emit delivers without blocking the session; the oldest buffered event is
// dropped if the client cannot keep up.
func (st *Stream) emit(ev Event) {
	select {
	case <-st.done:
		return
	default:
	}
	select {
	case st.out <- ev:
	default:
		select {
		case <-st.out:
		default:
		}
		select {
		case st.out <- ev:
		default:
		}
	}
}
