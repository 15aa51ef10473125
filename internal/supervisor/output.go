package supervisor

import (
	"sync"
)

// readySignal is a single-assignment completion signal. Both stream watchers
// may fire it; only the first call wins.
type readySignal struct {
	once sync.Once
	ch   chan struct{}
}

func newReadySignal() *readySignal { return &readySignal{ch: make(chan struct{})} }

// fire reports whether this call resolved the signal.
func (r *readySignal) fire() bool {
	won := false
	r.once.Do(func() {
		close(r.ch)
		won = true
	})
	return won
}

func (r *readySignal) done() <-chan struct{} { return r.ch }

func (r *readySignal) fired() bool {
	select {
	case <-r.ch:
		return true
	default:
		return false
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer { return &tailBuffer{limit: limit} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
