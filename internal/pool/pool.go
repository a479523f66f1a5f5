// Package pool owns the process-wide worker pool shared by the launcher and
// the network agents. Workflow computation and blocking calls run here so the
// cooperative event loop is never stalled.
package pool

import (
	"errors"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrPoolStopped = errors.New("pool: stopped")

	mu      sync.Mutex
	current *Pool
)

// Hook is a shutdown callback. Hooks fire exactly once, at the start of
// graceful shutdown, before the owning component considers itself stopped.
type Hook func()

type Pool struct {
	inner *ants.Pool

	mu       sync.Mutex
	hooks    []Hook
	stopped  bool
	inflight sync.WaitGroup
}

// New constructs a pool of the given size; size <= 0 means one worker per
// logical CPU, doubled for blocking I/O headroom.
func New(size int) (*Pool, error) {
	if size <= 0 {
		size = runtime.NumCPU() * 2
	}
	inner, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &Pool{inner: inner}, nil
}

// Reset re-initializes the process-wide pool, shutting down any previous
// instance. Called once per process run before lifecycle start; failure is
// fatal to the process.
func Reset(size int) (*Pool, error) {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		current.Shutdown()
	}
	p, err := New(size)
	if err != nil {
		return nil, err
	}
	current = p
	return p, nil
}

// Default returns the process-wide pool, constructing a CPU-sized one on
// first use when Reset has not been called.
func Default() *Pool {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		p, err := New(0)
		if err != nil {
			log.Fatal().Err(err).Msg("pool.Default construction failed")
		}
		current = p
	}
	return current
}

// Submit schedules a task on a pool worker.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	err := p.inner.Submit(func() {
		defer p.inflight.Done()
		task()
	})
	if err != nil {
		p.inflight.Done()
		return err
	}
	return nil
}

// RegisterOnShutdown registers a hook invoked exactly once when the pool
// begins graceful shutdown, regardless of which component triggers it.
func (p *Pool) RegisterOnShutdown(hook Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.hooks = append(p.hooks, hook)
}

// Shutdown runs the registered hooks, drains in-flight work, then releases
// the workers. Idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	hooks := p.hooks
	p.hooks = nil
	p.mu.Unlock()

	log.Debug().Int("hooks", len(hooks)).Msg("pool.Shutdown draining")
	for _, hook := range hooks {
		hook()
	}
	p.inflight.Wait()
	p.inner.Release()
}

// Running reports the number of busy workers.
func (p *Pool) Running() int {
	return p.inner.Running()
}

// Cap reports the pool capacity.
func (p *Pool) Cap() int {
	return p.inner.Cap()
}
