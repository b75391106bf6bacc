// ABOUTME: Tracks long-running goroutines so shutdown can cancel and await them.
// ABOUTME: Supports fire-and-forget tasks with failure callbacks and bounded CancelAll.

package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Func is the body of a managed task. It must return promptly once ctx is
// cancelled; returning ctx.Err() marks the exit as a cancellation.
type Func func(ctx context.Context) error

// Task is a handle to a spawned activity.
type Task struct {
	id     uint64
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Name returns the label given at spawn time.
func (t *Task) Name() string { return t.name }

// Cancel requests cancellation without waiting.
func (t *Task) Cancel() { t.cancel() }

// Done is closed when the task has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the exit error. Only meaningful after Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

// Wait blocks until the task exits or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsCancellation reports whether err is a cancellation exit rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Orchestrator owns a set of live tasks.
type Orchestrator struct {
	mu     sync.Mutex
	tasks  map[uint64]*Task
	nextID uint64
	logger *slog.Logger
}

// New creates an empty orchestrator.
func New(logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		tasks:  make(map[uint64]*Task),
		logger: logger,
	}
}

// Spawn starts fn in its own goroutine and tracks it until it exits.
func (o *Orchestrator) Spawn(name string, fn Func) *Task {
	return o.start(name, fn, nil)
}

// SpawnDetached starts fn like Spawn. If fn fails with anything other than
// cancellation, onError is called exactly once with that error.
func (o *Orchestrator) SpawnDetached(name string, fn Func, onError func(error)) *Task {
	return o.start(name, fn, onError)
}

func (o *Orchestrator) start(name string, fn Func, onError func(error)) *Task {
	ctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.nextID++
	t := &Task{
		id:     o.nextID,
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.tasks[t.id] = t
	o.mu.Unlock()

	go func() {
		err := o.run(ctx, t, fn)
		cancel()

		o.mu.Lock()
		delete(o.tasks, t.id)
		o.mu.Unlock()

		t.err = err
		close(t.done)

		if err == nil || IsCancellation(err) {
			return
		}
		if onError != nil {
			onError(err)
			return
		}
		o.logger.Error("task failed", "task", t.name, "error", err)
	}()

	return t
}

func (o *Orchestrator) run(ctx context.Context, t *Task, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("task panicked", "task", t.name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return fn(ctx)
}

// Count returns the number of live tasks.
func (o *Orchestrator) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

// Names returns the labels of live tasks.
func (o *Orchestrator) Names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	names := make([]string, 0, len(o.tasks))
	for _, t := range o.tasks {
		names = append(names, t.name)
	}
	return names
}

// CancelAll cancels every live task and waits up to timeout for them to exit.
// Tasks spawned while it waits are cancelled too. The registry is emptied
// either way; tasks still running at the deadline are logged and counted in
// the return value.
func (o *Orchestrator) CancelAll(timeout time.Duration) int {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		live := o.snapshot()
		if len(live) == 0 {
			return 0
		}
		for _, t := range live {
			t.cancel()
		}
		for _, t := range live {
			select {
			case <-t.done:
			case <-deadline.C:
				return o.abandon(timeout)
			}
		}
	}
}

func (o *Orchestrator) snapshot() []*Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	live := make([]*Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		live = append(live, t)
	}
	return live
}

// abandon cancels and drops whatever is still registered, returning how many
// of those tasks had not exited.
func (o *Orchestrator) abandon(timeout time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	leaked := 0
	for _, t := range o.tasks {
		t.cancel()
		select {
		case <-t.done:
		default:
			leaked++
			o.logger.Warn("task did not stop before deadline", "task", t.name, "timeout", timeout)
		}
	}
	clear(o.tasks)
	return leaked
}
