package orchestrator

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped reports that the coordinator was stopped while a caller was
// waiting on the pause gate.
var ErrStopped = errors.New("coordinator stopped")

// PauseController gates dispatch. Paused means no new tasks are dispatched;
// in-flight work keeps running. Stop unblocks every waiter permanently.
type PauseController struct {
	paused  bool
	stopped bool
	mu      sync.RWMutex
	cond    *sync.Cond
}

// NewPauseController creates an unpaused controller.
func NewPauseController() *PauseController {
	p := &PauseController{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Pause suspends dispatch.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume lifts a pause and wakes waiters.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		p.cond.Broadcast()
	}
}

// Stop permanently unblocks WaitIfPaused. Used on mission cancel.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		p.cond.Broadcast()
	}
}

// IsPaused reports whether dispatch is currently suspended.
func (p *PauseController) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// IsStopped reports whether the controller has been stopped.
func (p *PauseController) IsStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// WaitIfPaused blocks while paused. Returns ctx.Err() if the context ends
// first, ErrStopped if the controller is stopped.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	if p.paused && !p.stopped {
		// One watcher goroutine per wait, not per spurious wakeup.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-done:
			}
		}()

		for p.paused && !p.stopped {
			p.cond.Wait()
			if ctx.Err() != nil {
				close(done)
				p.mu.Unlock()
				return ctx.Err()
			}
		}
		close(done)
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.mu.Unlock()
	return nil
}
