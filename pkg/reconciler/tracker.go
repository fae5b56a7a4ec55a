package reconciler

import "sync"

// passTracker counts in-flight passes. Processing stays true until the last
// overlapping pass settles, whichever order they finish in.
type passTracker struct {
	mu     sync.Mutex
	active int
	idle   chan struct{}
	notify func(processing bool)
}

func newPassTracker() *passTracker {
	idle := make(chan struct{})
	close(idle)
	return &passTracker{idle: idle}
}

// setNotify installs the processing observer. It is called with the
// tracker lock held and must not start or wait for passes.
func (t *passTracker) setNotify(fn func(bool)) {
	t.mu.Lock()
	t.notify = fn
	t.mu.Unlock()
}

func (t *passTracker) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == 0 {
		t.idle = make(chan struct{})
		if t.notify != nil {
			t.notify(true)
		}
	}
	t.active++
}

func (t *passTracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active--
	if t.active == 0 {
		close(t.idle)
		if t.notify != nil {
			t.notify(false)
		}
	}
}

func (t *passTracker) processing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active > 0
}

// idleCh is closed once no pass is in flight.
func (t *passTracker) idleCh() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle
}
