// ABOUTME: One authenticated agent WebSocket on Core: routes frames, runs and dispatches commands.
// ABOUTME: Implements agent.Session so the registry can dispatch and cancel through it.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/hostlink/internal/agent"
	"github.com/2389/hostlink/internal/protocol"
	"github.com/2389/hostlink/internal/sandbox"
	"github.com/2389/hostlink/internal/store"
	"github.com/2389/hostlink/internal/tasks"
)

// ErrClosed is returned when the session has gone away.
var ErrClosed = errors.New("session closed")

// ErrUnknownCommand is returned when cancelling a request id the session has no live record of.
var ErrUnknownCommand = errors.New("unknown or finished command")

const (
	storeTimeout = 5 * time.Second
	closeWait    = 5 * time.Second
)

// Config holds per-session timing.
type Config struct {
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	Retention     time.Duration // how long finished ids stay correlatable
	DispatchGrace time.Duration // added to a dispatched command's own timeout
	AuthTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 60 * time.Second
	}
	if c.DispatchGrace <= 0 {
		c.DispatchGrace = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	return c
}

// Deps are the Core services a session uses.
type Deps struct {
	Store     store.Store
	Executor  *sandbox.Executor
	Validator *protocol.Validator
	Logger    *slog.Logger
}

// Session is a live agent connection.
type Session struct {
	id           string
	name         string
	hostname     string
	capabilities []string
	connectedAt  time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once

	tracker *tracker
	pending *agent.Pending
	tasks   *tasks.Orchestrator

	store     store.Store
	executor  *sandbox.Executor
	validator *protocol.Validator
	cfg       Config
	logger    *slog.Logger
}

var _ agent.Session = (*Session)(nil)

type identity struct {
	id           string
	name         string
	hostname     string
	capabilities []string
}

func newSession(conn *websocket.Conn, who identity, deps Deps, cfg Config) *Session {
	logger := deps.Logger.With("agent_id", who.id)
	return &Session{
		id:           who.id,
		name:         who.name,
		hostname:     who.hostname,
		capabilities: who.capabilities,
		connectedAt:  time.Now().UTC(),
		conn:         conn,
		done:         make(chan struct{}),
		tracker:      newTracker(),
		pending:      agent.NewPending(logger),
		tasks:        tasks.New(logger),
		store:        deps.Store,
		executor:     deps.Executor,
		validator:    deps.Validator,
		cfg:          cfg,
		logger:       logger,
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Name() string           { return s.name }
func (s *Session) Hostname() string       { return s.hostname }
func (s *Session) Capabilities() []string { return s.capabilities }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }
func (s *Session) ActiveCommands() int    { return s.tracker.active() }

// run serves the socket until it closes. The caller owns registration.
func (s *Session) run() {
	s.conn.SetReadLimit(int64(s.validator.MaxMessageSize) * 2)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	pingerDone := make(chan struct{})
	go s.pinger(pingerDone)

	reason := s.readLoop()
	s.Close(reason)
	<-pingerDone
}

func (s *Session) readLoop() string {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return "closed by core"
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("agent socket error", "error", err)
			}
			return "connection lost"
		}
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		msg, verr := s.validator.Check(raw)
		if verr != nil {
			s.logger.Warn("rejected frame", "code", verr.Code, "error", verr)
			s.sendError(verr.RequestID, verr.Payload())
			continue
		}

		if stop := s.handle(msg); stop {
			return "agent disconnected"
		}
	}
}

func (s *Session) pinger(done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// handle routes one validated frame. It returns true when the agent asked to disconnect.
func (s *Session) handle(msg *protocol.Message) bool {
	switch body := msg.Body.(type) {
	case protocol.Heartbeat:
		s.handleHeartbeat(body)
	case protocol.Metrics:
		s.handleMetrics(body)
	case protocol.CommandRequest:
		s.handleCommandRequest(msg.RequestID, body)
	case protocol.CommandResult:
		s.handleCommandResult(msg.RequestID, body)
	case protocol.CommandStatus:
		s.handleCommandStatus(msg.RequestID, body)
	case protocol.CommandCancel:
		s.handleCommandCancel(msg.RequestID, body)
	case protocol.Ping:
		s.write(protocol.TypePong, msg.RequestID, protocol.Pong{})
	case protocol.Pong:
		s.logger.Debug("pong received")
	case protocol.Error:
		s.logger.Warn("agent reported error", "request_id", msg.RequestID, "code", body.Code, "message", body.Message)
	case protocol.Disconnect:
		s.logger.Info("agent disconnecting", "reason", body.Reason)
		return true
	default:
		s.sendError(msg.RequestID, protocol.Error{
			Code:    protocol.CodeUnsupportedMessage,
			Message: fmt.Sprintf("message type %q is not accepted by core", msg.Type),
		})
	}
	return false
}

func (s *Session) handleHeartbeat(hb protocol.Heartbeat) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := s.store.TouchAgent(ctx, s.id, time.Now()); err != nil {
		s.logger.Warn("failed to record heartbeat", "error", err)
	}
	s.logger.Debug("heartbeat", "uptime_seconds", hb.UptimeSeconds, "active_tasks", hb.ActiveTasks)
	s.write(protocol.TypeHeartbeatAck, "", protocol.HeartbeatAck{ReceivedAt: time.Now().UTC()})
}

func (s *Session) handleMetrics(m protocol.Metrics) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	record := m.Record
	record.AgentID = s.id
	if err := s.store.SaveMetrics(ctx, s.id, record); err != nil {
		s.logger.Error("failed to store metrics", "error", err)
	}
}

// handleCommandRequest runs an agent-originated command on Core's own sandbox.
func (s *Session) handleCommandRequest(id string, req protocol.CommandRequest) {
	if current, ok := s.tracker.begin(id, originLocal); !ok {
		s.logger.Info("duplicate command request", "request_id", id, "status", current)
		s.sendStatus(id, current)
		return
	}

	s.record(&store.CommandRecord{
		RequestID: id,
		AgentID:   s.id,
		Origin:    store.OriginLocal,
		Command:   req.Command,
		Args:      req.Args,
		Status:    protocol.StatusExecuting,
	})
	s.sendStatus(id, protocol.StatusExecuting)

	s.tasks.SpawnDetached("command:"+id, func(ctx context.Context) error {
		if s.tracker.cancelRequested(id) {
			s.complete(id, sandbox.Cancelled())
			return nil
		}
		s.complete(id, s.executor.Run(ctx, id, req))
		return nil
	}, func(err error) {
		s.logger.Error("command handler failed", "request_id", id, "error", err)
		s.complete(id, sandbox.Failed(err))
	})
}

// complete emits the single terminal result for id and schedules cleanup.
func (s *Session) complete(id string, result protocol.CommandResult) {
	status := sandbox.Status(result)
	if !s.tracker.finish(id, status) {
		return
	}

	s.write(protocol.TypeCommandResult, id, result)
	s.finishRecord(id, status, result)
	s.scheduleCleanup(id)
}

// handleCommandResult resolves a command Core dispatched to the agent.
func (s *Session) handleCommandResult(id string, result protocol.CommandResult) {
	status := sandbox.Status(result)
	if !s.tracker.finish(id, status) {
		s.logger.Debug("ignoring result for unknown or finished command", "request_id", id)
		return
	}

	s.finishRecord(id, status, result)
	s.pending.HandleResponse(id, result)
	s.scheduleCleanup(id)
}

func (s *Session) handleCommandStatus(id string, st protocol.CommandStatus) {
	if !s.tracker.setStatus(id, st.Status) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.UpdateCommandStatus(ctx, id, st.Status); err != nil {
		s.logger.Debug("failed to update command status", "request_id", id, "error", err)
	}
}

// handleCommandCancel handles an agent cancelling its own request.
func (s *Session) handleCommandCancel(id string, c protocol.CommandCancel) {
	if err := s.Cancel(id, c.Reason); err != nil {
		s.sendError(id, protocol.Error{Code: protocol.CodeValidationFailed, Message: err.Error()})
		return
	}
	s.sendStatus(id, protocol.StatusCancelled)
}

// Cancel stops a tracked command. Local executions are killed; dispatched
// ones are cancelled on the agent.
func (s *Session) Cancel(requestID, reason string) error {
	o, ok := s.tracker.requestCancel(requestID)
	if !ok {
		return ErrUnknownCommand
	}

	s.logger.Info("cancelling command", "request_id", requestID, "reason", reason)
	switch o {
	case originLocal:
		s.executor.Cancel(requestID)
	case originDispatch:
		if err := s.write(protocol.TypeCommandCancel, requestID, protocol.CommandCancel{Reason: reason}); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.UpdateCommandStatus(ctx, requestID, protocol.StatusCancelled); err != nil {
		s.logger.Debug("failed to record cancellation", "request_id", requestID, "error", err)
	}
	return nil
}

// Dispatch pushes a command down to the agent and waits for its result.
func (s *Session) Dispatch(ctx context.Context, requestID string, req protocol.CommandRequest) (protocol.CommandResult, error) {
	if current, ok := s.tracker.begin(requestID, originDispatch); !ok {
		return protocol.CommandResult{}, fmt.Errorf("%w: %s is %s", agent.ErrDuplicateRequest, requestID, current)
	}

	ch, err := s.pending.CreateRequest(requestID)
	if err != nil {
		s.tracker.finish(requestID, protocol.StatusFailed)
		return protocol.CommandResult{}, err
	}
	defer s.pending.CloseRequest(requestID)

	s.record(&store.CommandRecord{
		RequestID: requestID,
		AgentID:   s.id,
		Origin:    store.OriginDispatch,
		Command:   req.Command,
		Args:      req.Args,
		Status:    protocol.StatusPending,
	})

	if err := s.write(protocol.TypeCommandRequest, requestID, req); err != nil {
		result := sandbox.Failed(err)
		if s.tracker.finish(requestID, protocol.StatusFailed) {
			s.finishRecord(requestID, protocol.StatusFailed, result)
		}
		return result, err
	}

	timer := time.NewTimer(req.Timeout(sandbox.DefaultTimeout) + s.cfg.DispatchGrace)
	defer timer.Stop()

	select {
	case result, ok := <-ch:
		if !ok {
			return sandbox.Cancelled(), ErrClosed
		}
		return result, nil
	case <-timer.C:
		return s.abandon(requestID, sandbox.Failed(sandbox.ErrTimeout), "core timeout"), nil
	case <-ctx.Done():
		return s.abandon(requestID, sandbox.Cancelled(), "request abandoned"), ctx.Err()
	case <-s.done:
		return sandbox.Cancelled(), ErrClosed
	}
}

// abandon gives up waiting on a dispatched command and tells the agent to stop it.
func (s *Session) abandon(id string, result protocol.CommandResult, reason string) protocol.CommandResult {
	status := sandbox.Status(result)
	if !s.tracker.finish(id, status) {
		return result
	}
	s.write(protocol.TypeCommandCancel, id, protocol.CommandCancel{Reason: reason})
	s.finishRecord(id, status, result)
	s.scheduleCleanup(id)
	return result
}

func (s *Session) scheduleCleanup(id string) {
	retention := s.cfg.Retention
	s.tasks.Spawn("cleanup:"+id, func(ctx context.Context) error {
		timer := time.NewTimer(retention)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.tracker.remove(id)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (s *Session) record(cmd *store.CommandRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.SaveCommand(ctx, cmd); err != nil {
		s.logger.Warn("failed to record command", "request_id", cmd.RequestID, "error", err)
	}
}

func (s *Session) finishRecord(id, status string, result protocol.CommandResult) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.CompleteCommand(ctx, id, status, result); err != nil {
		s.logger.Warn("failed to record command result", "request_id", id, "error", err)
	}
	if status != protocol.StatusCompleted {
		s.logger.Error("command did not complete", "request_id", id, "status", status, "error", result.Error)
	}
}

func (s *Session) sendStatus(id, status string) {
	s.write(protocol.TypeCommandStatus, id, protocol.CommandStatus{Status: status})
}

func (s *Session) sendError(id string, e protocol.Error) {
	s.write(protocol.TypeError, id, e)
}

// write sends one frame. Errors are logged and returned; callers that do not
// care may ignore them.
func (s *Session) write(t protocol.Type, requestID string, payload any) error {
	data, err := protocol.Encode(t, requestID, payload)
	if err != nil {
		s.logger.Error("failed to encode frame", "type", t, "error", err)
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("failed to write frame", "type", t, "error", err)
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Close tears the session down: live commands are marked cancelled, pending
// dispatches fail, cleanup tasks are cancelled and awaited, and the agent gets
// a best-effort disconnect notice. Safe to call more than once.
func (s *Session) Close(reason string) {
	s.once.Do(func() {
		s.logger.Info("closing session", "reason", reason)

		cancelled := s.tracker.cancelExecuting()
		for _, id := range cancelled {
			s.executor.Cancel(id)
			s.finishRecord(id, protocol.StatusCancelled, sandbox.Cancelled())
		}
		s.pending.Fail()

		if leaked := s.tasks.CancelAll(closeWait); leaked > 0 {
			s.logger.Warn("session tasks did not stop", "leaked", leaked)
		}

		s.write(protocol.TypeDisconnect, "", protocol.Disconnect{Reason: reason})

		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		close(s.done)
		s.conn.Close()
	})
}
