// ABOUTME: Runs planned commands under the sandbox policy with deadlines and cancellation.
// ABOUTME: Keeps a cancellable handle per live command id so callers can preempt it.

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hostlink/internal/metrics"
	"github.com/2389/hostlink/internal/protocol"
)

// Executor executes commands one goroutine per call.
type Executor struct {
	policy    Policy
	gate      *PathGate
	collector metrics.Collector
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New creates an executor. A nil collector falls back to /proc.
func New(policy Policy, collector metrics.Collector, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NewProcCollector()
	}
	policy = policy.withDefaults()
	return &Executor{
		policy:    policy,
		gate:      NewPathGate(policy.DeniedPaths),
		collector: collector,
		logger:    logger.With("component", "sandbox"),
		running:   make(map[string]context.CancelCauseFunc),
	}
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Run plans a protocol request and executes it.
func (e *Executor) Run(ctx context.Context, id string, req protocol.CommandRequest) protocol.CommandResult {
	cmd, err := Plan(id, req, e.policy.DefaultTimeout)
	if err != nil {
		return failure(err).ToProtocol()
	}
	return e.Execute(ctx, cmd).ToProtocol()
}

// Execute runs cmd to completion, timeout or cancellation. It never panics
// and always returns a Result.
func (e *Executor) Execute(ctx context.Context, cmd Command) Result {
	start := time.Now()

	res := e.execute(ctx, cmd)
	res.CommandType = string(cmd.Kind)
	res.ExecutionTime = time.Since(start).Seconds()

	if !res.Success {
		e.logger.Warn("command failed",
			"request_id", cmd.ID,
			"kind", cmd.Kind,
			"return_code", res.ReturnCode,
			"error", res.Error,
		)
	}
	return res
}

func (e *Executor) execute(ctx context.Context, cmd Command) Result {
	if !e.policy.Enabled {
		return failure(ErrDisabled)
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.policy.DefaultTimeout
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ctx, stop := context.WithTimeoutCause(ctx, timeout, ErrTimeout)
	defer stop()

	if cmd.ID != "" {
		if err := e.track(cmd.ID, cancel); err != nil {
			return failure(err)
		}
		defer e.untrack(cmd.ID)
	}

	switch cmd.Kind {
	case KindShell:
		return e.runShell(ctx, cmd.Argv)
	case KindFileRead:
		return e.readFile(cmd.Path, cmd.MaxSize)
	case KindFileList:
		return e.listDir(cmd.Path)
	case KindServiceStatus:
		return e.serviceStatus(ctx, cmd.Service)
	case KindSystemInfo:
		return e.systemInfo(ctx, cmd.Environment)
	default:
		return failure(&UnsupportedCommandError{Command: string(cmd.Kind)})
	}
}

// Cancel preempts a running command. It reports whether id was live.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()

	if ok {
		cancel(ErrCancelled)
		e.logger.Info("command cancelled", "request_id", id)
	}
	return ok
}

// Running returns the number of live commands.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *Executor) track(id string, cancel context.CancelCauseFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.running[id]; exists {
		return ErrAlreadyRunning
	}
	e.running[id] = cancel
	return nil
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

// interrupted builds the result for a command stopped by its context.
func interrupted(ctx context.Context, stdout, stderr string) Result {
	cause := context.Cause(ctx)
	msg := ErrCancelled.Error()
	if errors.Is(cause, ErrTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		msg = ErrTimeout.Error()
	}
	return Result{
		Success:    false,
		Stdout:     stdout,
		Stderr:     stderr,
		ReturnCode: -1,
		Error:      msg,
	}
}

func (e *Executor) systemInfo(ctx context.Context, withEnv bool) Result {
	snap, err := e.collector.CollectBasic(ctx)
	if err != nil {
		e.logger.Debug("collector failed, reporting basic info", "error", err)
		snap = metrics.Basic()
	}
	if withEnv {
		snap.Environment = metrics.Environment()
	}

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return failure(fmt.Errorf("encoding system info: %w", err))
	}
	return Result{Success: true, Stdout: string(out)}
}
