package engine

import "sync"

// transcript is a size-capped byte accumulator. When the cap is exceeded the
// oldest content is truncated, keeping the most recent device output.
type transcript struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTranscript(max int) *transcript {
	return &transcript{max: max}
}

func (t *transcript) append(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, chunk...)
	if len(t.buf) > t.max {
		over := len(t.buf) - t.max
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
