package services

import (
	"sync"
	"time"
)

// Refresher coalesces bursts of refresh requests into single executions: the
// push channel and the poller both trigger conversation-list refreshes with
// no coordination, and without debouncing a busy hub turns into a refresh
// storm. A trigger arriving while a refresh runs schedules exactly one
// follow-up run.
type Refresher struct {
	fn    func()
	delay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	again   bool
	stopped bool
}

func NewRefresher(delay time.Duration, fn func()) *Refresher {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Refresher{fn: fn, delay: delay}
}

// Trigger requests a refresh. Requests within the debounce window collapse
// into one execution.
func (r *Refresher) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.running {
		r.again = true
		return
	}
	if r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(r.delay, r.run)
}

func (r *Refresher) run() {
	r.mu.Lock()
	r.timer = nil
	// The timer may already have fired when Stop ran; it must not execute.
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.fn()

	r.mu.Lock()
	r.running = false
	again := r.again && !r.stopped
	r.again = false
	r.mu.Unlock()

	if again {
		r.Trigger()
	}
}

// Stop cancels any scheduled refresh; further triggers are ignored.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
