package history

import "sync"

// opWaiter tracks running operations and exposes a channel closed whenever
// none are running.
type opWaiter struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func newOpWaiter() *opWaiter {
	ch := make(chan struct{})
	close(ch)
	return &opWaiter{idle: ch}
}

func (w *opWaiter) begin() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n == 0 {
		w.idle = make(chan struct{})
	}
	w.n++
}

func (w *opWaiter) end() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n--
	if w.n == 0 {
		close(w.idle)
	}
}

func (w *opWaiter) done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.idle
}
