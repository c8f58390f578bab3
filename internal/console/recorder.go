package console

import "strings"

// DefaultBackspace is the byte treated as destructive backspace (DEL).
const DefaultBackspace byte = 0x7f

// Recorder reconstructs discrete commands from one stream's outgoing
// keystroke bytes. It is a per-stream line discipline: a terminator flushes
// the trimmed buffer, backspace removes the last character, printable bytes
// append, anything else is dropped from the buffer (but still reaches the
// device untouched, the recorder never alters the write path).
type Recorder struct {
	backspace byte
	buf       []byte
}

func NewRecorder() *Recorder {
	return &Recorder{backspace: DefaultBackspace}
}

// SetBackspace changes which byte is treated as backspace.
func (r *Recorder) SetBackspace(b byte) {
	r.backspace = b
}

// Feed consumes outgoing bytes and returns any commands completed by them.
func (r *Recorder) Feed(data []byte) []string {
	var done []string
	for _, b := range data {
		switch {
		case b == '\r' || b == '\n':
			if cmd := strings.TrimSpace(string(r.buf)); cmd != "" {
				done = append(done, cmd)
			}
			r.buf = r.buf[:0]
		case b == r.backspace:
			if len(r.buf) > 0 {
				r.buf = r.buf[:len(r.buf)-1]
			}
		case b >= 0x20:
			r.buf = append(r.buf, b)
		}
	}
	return done
}
