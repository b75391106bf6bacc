// ABOUTME: Agent composition root: wires transport, sandbox executor and metrics collector into loops.
// ABOUTME: Start fails fast on the first connect; Stop disconnects and cancels every loop and command.

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/hostlink/internal/connection"
	"github.com/2389/hostlink/internal/dedupe"
	"github.com/2389/hostlink/internal/metrics"
	"github.com/2389/hostlink/internal/protocol"
	"github.com/2389/hostlink/internal/sandbox"
	"github.com/2389/hostlink/internal/tasks"
)

// Transport is the slice of the connection manager the runtime drives.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	AgentID() string
	SendMetrics(ctx context.Context, record protocol.MetricsRecord) error
	SendHeartbeat(hb protocol.Heartbeat) error
	SendCommandStatus(requestID, status string)
	SendCommandResult(requestID string, result protocol.CommandResult)
	ReceiveCommand() (connection.Inbound, bool)
}

var _ Transport = (*connection.Manager)(nil)

// Options tune the loops. Zero values take the defaults noted.
type Options struct {
	MetricsInterval   time.Duration // 30s
	MetricsRetry      time.Duration // 5s
	HeartbeatInterval time.Duration // 60s
	HeartbeatRetry    time.Duration // 10s
	PollInterval      time.Duration // 100ms
	Retention         time.Duration // 60s
	ShutdownTimeout   time.Duration // 10s

	// Tasks owns every agent loop. Pass the same orchestrator to the
	// connection manager so its receive and reconnect loops are counted and
	// cancelled with the rest.
	Tasks  *tasks.Orchestrator
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = 30 * time.Second
	}
	if o.MetricsRetry <= 0 {
		o.MetricsRetry = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 60 * time.Second
	}
	if o.HeartbeatRetry <= 0 {
		o.HeartbeatRetry = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.Retention <= 0 {
		o.Retention = 60 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tasks == nil {
		o.Tasks = tasks.New(o.Logger)
	}
	return o
}

// Runtime runs one agent.
type Runtime struct {
	opts      Options
	transport Transport
	executor  *sandbox.Executor
	collector metrics.Collector
	tasks     *tasks.Orchestrator
	seen      *dedupe.Cache
	logger    *slog.Logger

	started   time.Time
	completed atomic.Int64
	failures  atomic.Int64

	mu       sync.Mutex
	inflight map[string]*flight

	stopOnce sync.Once
}

// flight is a command accepted by the command loop and not yet reported.
type flight struct {
	cancelled bool
}

// New assembles a runtime. Nothing runs until Start.
func New(transport Transport, executor *sandbox.Executor, collector metrics.Collector, opts Options) *Runtime {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "runtime")
	return &Runtime{
		opts:      opts,
		transport: transport,
		executor:  executor,
		collector: collector,
		tasks:     opts.Tasks,
		seen:      dedupe.New(opts.Retention, 4096),
		logger:    logger,
		inflight:  make(map[string]*flight),
	}
}

// Start connects and spawns the loops. A connect failure is returned
// unchanged and nothing is left running.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.transport.Connect(ctx); err != nil {
		return err
	}
	r.started = time.Now()

	r.tasks.Spawn("metrics-loop", r.metricsLoop)
	r.tasks.Spawn("heartbeat-loop", r.heartbeatLoop)
	r.tasks.Spawn("command-loop", r.commandLoop)

	r.logger.Info("agent runtime started", "agent_id", r.transport.AgentID())
	return nil
}

// Run starts the runtime and blocks until ctx ends, then stops it.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}
	<-ctx.Done()
	r.Stop()
	return nil
}

// Stop disconnects from Core and cancels every loop and command. Safe to call
// more than once.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("stopping agent runtime")
		r.transport.Disconnect()
		if leaked := r.tasks.CancelAll(r.opts.ShutdownTimeout); leaked > 0 {
			r.logger.Warn("tasks did not stop in time", "leaked", leaked)
		}
		r.seen.Close()
		r.logger.Info("agent runtime stopped")
	})
}

// TaskCount returns the number of live loops and command handlers.
func (r *Runtime) TaskCount() int {
	return r.tasks.Count()
}

func (r *Runtime) counters() metrics.Counters {
	return metrics.Counters{
		ActiveTasks:    r.tasks.Count(),
		CompletedTasks: int(r.completed.Load()),
		ErrorCount:     int(r.failures.Load()),
	}
}

func (r *Runtime) metricsLoop(ctx context.Context) error {
	for {
		wait := r.opts.MetricsInterval
		if err := r.reportMetrics(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("metrics report failed", "error", err)
			wait = r.opts.MetricsRetry
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *Runtime) reportMetrics(ctx context.Context) error {
	snap, err := r.collector.CollectAll(ctx)
	if err != nil {
		return fmt.Errorf("collecting metrics: %w", err)
	}
	record := metrics.Normalize(r.transport.AgentID(), snap, r.counters())
	return r.transport.SendMetrics(ctx, record)
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	for {
		wait := r.opts.HeartbeatInterval
		err := r.transport.SendHeartbeat(protocol.Heartbeat{
			Status:         "healthy",
			UptimeSeconds:  time.Since(r.started).Seconds(),
			ActiveTasks:    r.tasks.Count(),
			ActiveCommands: r.executor.Running(),
		})
		if err != nil {
			wait = r.opts.HeartbeatRetry
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// commandLoop drains the inbound queue every poll interval.
func (r *Runtime) commandLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			in, ok := r.transport.ReceiveCommand()
			if !ok {
				break
			}
			r.handle(in)
		}
	}
}

func (r *Runtime) handle(in connection.Inbound) {
	switch in.Type {
	case protocol.TypeCommandRequest:
		r.accept(in.RequestID, in.Request)
	case protocol.TypeCommandCancel:
		r.cancel(in.RequestID, in.Cancel.Reason)
	default:
		r.logger.Warn("unexpected inbound frame", "type", in.Type, "request_id", in.RequestID)
	}
}

// accept starts a detached handler for a new request id. An id is a
// duplicate while it is in flight and for the retention window after its
// result is reported.
func (r *Runtime) accept(id string, req protocol.CommandRequest) {
	r.mu.Lock()
	_, running := r.inflight[id]
	if running || r.seen.CheckAndMark(id) {
		r.mu.Unlock()
		r.logger.Info("ignoring duplicate command", "request_id", id)
		return
	}
	r.inflight[id] = &flight{}
	r.mu.Unlock()

	r.logger.Info("command received", "request_id", id, "command", req.Command, "subcommand", req.Subcommand())
	r.tasks.SpawnDetached("command:"+id, func(ctx context.Context) error {
		r.transport.SendCommandStatus(id, protocol.StatusExecuting)

		var result protocol.CommandResult
		if r.cancelledBeforeStart(id) {
			result = sandbox.Cancelled()
		} else {
			result = r.executor.Run(ctx, id, req)
		}
		r.finish(id, result)
		return ctx.Err()
	}, func(err error) {
		r.finish(id, sandbox.Failed(err))
	})
}

func (r *Runtime) cancelledBeforeStart(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.inflight[id]
	return ok && f.cancelled
}

// cancel stops a running command, or flags one that has not started yet.
func (r *Runtime) cancel(id, reason string) {
	r.mu.Lock()
	f, ok := r.inflight[id]
	if ok {
		f.cancelled = true
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("cancel for unknown or finished command", "request_id", id)
		return
	}

	r.logger.Info("cancelling command", "request_id", id, "reason", reason)
	r.executor.Cancel(id)
	r.transport.SendCommandStatus(id, protocol.StatusCancelled)
}

// finish reports the single result for id.
func (r *Runtime) finish(id string, result protocol.CommandResult) {
	r.mu.Lock()
	_, ok := r.inflight[id]
	if ok {
		delete(r.inflight, id)
		r.seen.Mark(id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.completed.Add(1)
	if !result.Success {
		r.failures.Add(1)
		r.logger.Error("command failed", "request_id", id, "status", sandbox.Status(result), "error", result.Error)
	}
	r.transport.SendCommandResult(id, result)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
