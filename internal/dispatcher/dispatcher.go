// Package dispatcher runs crawl tasks as tracked goroutines.
package dispatcher

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// TaskError describes a failed task.
type TaskError struct {
	Name string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Name, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// ErrPanic is wrapped by the error of a task that panicked.
var ErrPanic = errors.New("task panicked")

// Group tracks spawned tasks so callers can wait for them and collect their
// failures. A failing task never stops its siblings.
type Group struct {
	logger   *zap.Logger
	onFailed func(name string, err error)

	wg      sync.WaitGroup
	mu      sync.Mutex
	errs    []error
	spawned int
}

// New creates a Group. onFailed, when set, is called once for every failed
// task from the task's goroutine.
func New(logger *zap.Logger, onFailed func(name string, err error)) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{logger: logger, onFailed: onFailed}
}

// Go runs fn in a new goroutine. Panics are recovered into errors.
func (g *Group) Go(name string, fn func() error) {
	g.wg.Add(1)
	g.mu.Lock()
	g.spawned++
	g.mu.Unlock()
	go func() {
		defer g.wg.Done()
		if err := run(fn); err != nil {
			g.fail(name, err)
		}
	}()
}

func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return fn()
}

func (g *Group) fail(name string, err error) {
	taskErr := &TaskError{Name: name, Err: err}
	g.mu.Lock()
	g.errs = append(g.errs, taskErr)
	g.mu.Unlock()
	g.logger.Warn("task failed", zap.String("task", name), zap.Error(err))
	if g.onFailed != nil {
		g.onFailed(name, err)
	}
}

// Wait blocks until every spawned task has returned and joins their errors.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}

// Failures returns how many tasks have failed so far.
func (g *Group) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.errs)
}

// Spawned returns how many tasks have been started.
func (g *Group) Spawned() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spawned
}
