package daemon

import (
	"context"
	"sync"
)

// WorkerGroup tracks build goroutines and provides a shutdown boundary so
// WaitGroup.Add never races with Wait.
type WorkerGroup struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	running  int
	stopping bool
}

// Go starts fn unless the group is stopping. It reports whether fn started.
func (g *WorkerGroup) Go(fn func()) bool {
	if fn == nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopping {
		return false
	}

	g.wg.Add(1)
	g.running++
	go func() {
		defer func() {
			g.mu.Lock()
			g.running--
			g.mu.Unlock()
			g.wg.Done()
		}()
		fn()
	}()
	return true
}

// Running returns the number of live workers.
func (g *WorkerGroup) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// StopAndWait refuses new workers and waits for current ones to exit,
// bounded by ctx.
func (g *WorkerGroup) StopAndWait(ctx context.Context) error {
	g.mu.Lock()
	g.stopping = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
