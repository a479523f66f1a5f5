package launcher

import (
	"errors"
	"sync"

	"github.com/danmuck/flowctl/internal/pool"
)

var ErrLoopStopped = errors.New("launcher: event loop stopped")

// Loop is the single-threaded cooperative event loop. All agent I/O
// callbacks run on the goroutine driving Run; workflow computation never
// does. Blocking work is bridged in through Defer, whose completion callback
// is delivered back onto the loop.
type Loop struct {
	calls chan func()
	quit  chan struct{}

	mu          sync.Mutex
	running     bool
	stopped     bool
	whenRunning []func()
}

func NewLoop() *Loop {
	return &Loop{
		calls: make(chan func(), 256),
		quit:  make(chan struct{}),
	}
}

// CallSoon schedules fn onto the loop. Calls scheduled after Stop are
// dropped.
func (l *Loop) CallSoon(fn func()) {
	select {
	case <-l.quit:
	case l.calls <- fn:
	}
}

// CallWhenRunning schedules fn for the moment Run starts; if the loop is
// already running the call is scheduled immediately.
func (l *Loop) CallWhenRunning(fn func()) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		l.CallSoon(fn)
		return
	}
	l.whenRunning = append(l.whenRunning, fn)
	l.mu.Unlock()
}

// Run drives the loop on the calling goroutine until Stop. Pending calls
// left in the queue at Stop are dropped; shutdown ordering is owned by the
// launcher, which runs pool hooks before stopping the loop.
func (l *Loop) Run() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.running = true
	pending := l.whenRunning
	l.whenRunning = nil
	l.mu.Unlock()

	for _, fn := range pending {
		l.CallSoon(fn)
	}
	for {
		select {
		case <-l.quit:
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
			return
		case fn := <-l.calls:
			fn()
		}
	}
}

// Stop halts the loop. Idempotent; safe from any goroutine, including loop
// callbacks.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.quit)
}

// TaskHandle is the bridge between the loop and the worker pool: a deferred
// task with a completion channel the loop consumes without blocking.
type TaskHandle struct {
	done chan error
}

// Defer submits task to the worker pool and returns its handle.
func (l *Loop) Defer(p *pool.Pool, task func() error) (*TaskHandle, error) {
	h := &TaskHandle{done: make(chan error, 1)}
	if err := p.Submit(func() { h.done <- task() }); err != nil {
		return nil, err
	}
	return h, nil
}

// OnComplete delivers the task's result to cb on the loop goroutine.
func (h *TaskHandle) OnComplete(l *Loop, cb func(error)) {
	go func() {
		err := <-h.done
		l.CallSoon(func() { cb(err) })
	}()
}

// Wait blocks for the task result; only for callers off the loop goroutine.
func (h *TaskHandle) Wait() error {
	return <-h.done
}
