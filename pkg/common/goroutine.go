// pkg/common/goroutine.go
package common

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GoroutineRegistry owns the long running tasks of the gateway (sweep loop,
// SIP transport, HTTP API, event mirror). Every task gets the registry
// context, panics are recovered, and Shutdown reports the tasks that did not
// return in time by name.
type GoroutineRegistry struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]int
	panics  int64
	stopped bool

	logger *zap.Logger
}

// NewGoroutineRegistry creates a new goroutine registry
func NewGoroutineRegistry(logger *zap.Logger) *GoroutineRegistry {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GoroutineRegistry{
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]int),
		logger:  logger,
	}
}

// Go starts f as a named task. After Shutdown it is a no-op.
func (gr *GoroutineRegistry) Go(name string, f func(ctx context.Context)) {
	gr.mu.Lock()
	if gr.stopped {
		gr.mu.Unlock()
		gr.logger.Warn("Task not started, registry is shut down", zap.String("task", name))
		return
	}
	gr.running[name]++
	gr.wg.Add(1)
	gr.mu.Unlock()

	go func() {
		defer gr.wg.Done()
		defer gr.done(name)
		defer gr.recover(name)

		gr.logger.Debug("Task started", zap.String("task", name))
		f(gr.ctx)
		gr.logger.Debug("Task finished", zap.String("task", name))
	}()
}

func (gr *GoroutineRegistry) done(name string) {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	if gr.running[name]--; gr.running[name] <= 0 {
		delete(gr.running, name)
	}
}

func (gr *GoroutineRegistry) recover(name string) {
	if r := recover(); r != nil {
		gr.mu.Lock()
		gr.panics++
		gr.mu.Unlock()
		gr.logger.Error("Task panic",
			zap.String("task", name),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()))
	}
}

// Parallel runs fn for every index in [0, n) concurrently and waits for all
// of them. A panicking fn is recovered and logged like any tracked task.
func Parallel(ctx context.Context, logger *zap.Logger, name string, n int, fn func(ctx context.Context, i int)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Parallel task panic",
						zap.String("task", name),
						zap.Int("index", i),
						zap.Any("panic", r))
				}
			}()
			fn(ctx, i)
		}(i)
	}
	wg.Wait()
}

// Shutdown cancels the registry context and waits up to timeout for the
// tasks to return.
func (gr *GoroutineRegistry) Shutdown(timeout time.Duration) error {
	gr.mu.Lock()
	gr.stopped = true
	gr.mu.Unlock()

	gr.logger.Info("Stopping background tasks", zap.Strings("tasks", gr.Running()))
	gr.cancel()

	done := make(chan struct{})
	go func() {
		gr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		gr.logger.Info("All background tasks stopped")
		return nil
	case <-time.After(timeout):
		remaining := gr.Running()
		gr.logger.Warn("Background tasks did not stop",
			zap.Strings("tasks", remaining),
			zap.Duration("timeout", timeout))
		return fmt.Errorf("shutdown timed out after %s, still running: %v", timeout, remaining)
	}
}

// Running returns the sorted names of the tasks that have not returned
func (gr *GoroutineRegistry) Running() []string {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	names := make([]string, 0, len(gr.running))
	for name := range gr.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveCount returns the number of tasks that have not returned
func (gr *GoroutineRegistry) ActiveCount() int64 {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	var n int64
	for _, c := range gr.running {
		n += int64(c)
	}
	return n
}

// Context returns the registry's context
func (gr *GoroutineRegistry) Context() context.Context {
	return gr.ctx
}

// PanicCount returns the number of recovered task panics
func (gr *GoroutineRegistry) PanicCount() int64 {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	return gr.panics
}
