// ABOUTME: Agent-side transport to Core: HTTP registration plus the WebSocket command channel.
// ABOUTME: Owns one resty client and at most one socket; background loops heal dropped sockets.

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/hostlink/internal/agent"
	"github.com/2389/hostlink/internal/protocol"
	"github.com/2389/hostlink/internal/tasks"
)

var (
	// ErrNotConnected is returned when no usable socket or session exists.
	ErrNotConnected = errors.New("not connected to core")
	// ErrAuthRejected means Core refused the current token.
	ErrAuthRejected = errors.New("core rejected agent token")
)

// closeUnauthenticated is the close code Core uses for a refused token.
const closeUnauthenticated = 4001

// ConnectionError reports a failed probe, registration or handshake.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Options configure a Manager.
type Options struct {
	CoreURL  string
	APIKey   string
	Identity protocol.Identity
	Metadata map[string]string

	ReconnectInterval time.Duration // default 30s
	RetryDelay        time.Duration // default 5s
	HandshakeTimeout  time.Duration // default 10s
	ReadTimeout       time.Duration // default 3m
	WriteTimeout      time.Duration // default 10s
	HTTPTimeout       time.Duration // default 30s
	QueueSize         int           // default 64

	// Tasks runs the receive and reconnect loops. The agent runtime passes
	// its own orchestrator; a private one is used when nil.
	Tasks     *tasks.Orchestrator
	Validator *protocol.Validator
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	o.CoreURL = strings.TrimRight(o.CoreURL, "/")
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 30 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 3 * time.Minute
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 30 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.Validator == nil {
		o.Validator = protocol.NewValidator()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tasks == nil {
		o.Tasks = tasks.New(o.Logger)
	}
	return o
}

// Inbound is a command-channel frame queued for the agent's command loop.
// Type is TypeCommandRequest or TypeCommandCancel.
type Inbound struct {
	Type      protocol.Type
	RequestID string
	Request   protocol.CommandRequest
	Cancel    protocol.CommandCancel
}

// Manager is the agent's connection to Core.
type Manager struct {
	opts    Options
	http    *resty.Client
	tasks   *tasks.Orchestrator
	pending *agent.Pending
	inbound chan Inbound
	lost    chan struct{}
	logger  *slog.Logger

	mu        sync.Mutex // guards the fields below
	conn      *websocket.Conn
	token     string
	agentID   string
	connected bool
	reauth    bool
	closed    bool
	loops     []*tasks.Task

	writeMu sync.Mutex
}

// New builds a Manager. Nothing is dialled until Connect.
func New(opts Options) *Manager {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "connection")

	client := resty.New().
		SetBaseURL(opts.CoreURL).
		SetTimeout(opts.HTTPTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "hostlink-agent/"+opts.Identity.Name).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second)

	return &Manager{
		opts:    opts,
		http:    client,
		tasks:   opts.Tasks,
		pending: agent.NewPending(logger),
		inbound: make(chan Inbound, opts.QueueSize),
		lost:    make(chan struct{}, 1),
		logger:  logger,
	}
}

// Connect probes Core, registers and opens the command socket. Probe or
// registration failure is returned as a *ConnectionError; a socket failure
// only degrades to HTTP-only mode and is retried by the reconnect loop.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: errors.New("manager is disconnected")}
	}
	m.mu.Unlock()

	if err := m.probe(ctx); err != nil {
		return &ConnectionError{Op: "probe", Err: err}
	}
	if err := m.register(ctx); err != nil {
		return &ConnectionError{Op: "register", Err: err}
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		m.logger.Warn("websocket unavailable, running in HTTP-only mode", "error", err)
	} else {
		m.logger.Info("connected to core", "agent_id", m.AgentID(), "mode", "http+websocket")
	}

	receive := m.tasks.Spawn("receive-loop", m.receiveLoop)
	reconnect := m.tasks.Spawn("reconnect-loop", m.reconnectLoop)
	m.mu.Lock()
	m.loops = append(m.loops, receive, reconnect)
	m.mu.Unlock()
	return nil
}

func (m *Manager) probe(ctx context.Context) error {
	resp, err := m.http.R().SetContext(ctx).Get("/api/health")
	if err != nil {
		return fmt.Errorf("core unreachable at %s: %w", m.opts.CoreURL, err)
	}
	if resp.IsError() {
		return fmt.Errorf("health check returned %d", resp.StatusCode())
	}
	return nil
}

// register exchanges the API key for a token.
func (m *Manager) register(ctx context.Context) error {
	id := m.opts.Identity
	var out protocol.APIResponse[protocol.RegisterResponse]

	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(protocol.RegisterRequest{
			AgentName:    id.Name,
			Hostname:     id.Hostname,
			Capabilities: id.Capabilities,
			APIKey:       m.opts.APIKey,
			Metadata:     m.opts.Metadata,
		}).
		SetResult(&out).
		Post("/api/agents/register")
	if err != nil {
		return fmt.Errorf("registration request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("registration rejected with %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if out.Status != protocol.ResponseSuccess || out.Data.Token == "" || out.Data.AgentID == "" {
		return fmt.Errorf("registration failed: %s", strings.TrimSpace(resp.String()))
	}

	m.mu.Lock()
	m.token = out.Data.Token
	m.agentID = out.Data.AgentID
	m.reauth = false
	m.mu.Unlock()

	m.logger.Info("registered with core", "agent_id", out.Data.AgentID)
	return nil
}

// dial opens and authenticates the command socket.
func (m *Manager) dial(ctx context.Context) error {
	token, agentID := m.credentials()

	u, err := socketURL(m.opts.CoreURL, agentID, token)
	if err != nil {
		return &ConnectionError{Op: "websocket", Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("User-Agent", "hostlink-agent/"+m.opts.Identity.Name)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: m.opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			m.markReauth()
			err = fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return &ConnectionError{Op: "websocket", Err: err}
	}

	if err := m.handshake(conn, token); err != nil {
		conn.Close()
		return &ConnectionError{Op: "handshake", Err: err}
	}

	conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(m.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return &ConnectionError{Op: "websocket", Err: ErrNotConnected}
	}
	old := m.conn
	m.conn = conn
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}

	m.logger.Info("websocket authenticated", "agent_id", agentID)
	return nil
}

func (m *Manager) handshake(conn *websocket.Conn, token string) error {
	hello, err := protocol.Encode(protocol.TypeAuth, "", protocol.Auth{
		AgentName:    m.opts.Identity.Name,
		AuthToken:    token,
		Capabilities: m.opts.Identity.Capabilities,
	})
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(m.opts.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, closeUnauthenticated) {
			m.markReauth()
			return fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return err
	}

	msg, verr := m.opts.Validator.Check(raw)
	if verr != nil {
		return verr
	}
	if _, ok := msg.Body.(protocol.AuthSuccess); !ok {
		return fmt.Errorf("expected auth_success, got %s", msg.Type)
	}
	return nil
}

func socketURL(coreURL, agentID, token string) (string, error) {
	u, err := url.Parse(coreURL)
	if err != nil {
		return "", fmt.Errorf("parsing core url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(agentID)
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func (m *Manager) credentials() (token, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.agentID
}

func (m *Manager) markReauth() {
	m.mu.Lock()
	m.reauth = true
	m.mu.Unlock()
}

func (m *Manager) needsReauth() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reauth
}

func (m *Manager) socket() *websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// dropSocket forgets conn if it is still current and wakes the reconnect loop.
func (m *Manager) dropSocket(conn *websocket.Conn) {
	m.mu.Lock()
	current := m.conn == conn
	if current {
		m.conn = nil
	}
	m.mu.Unlock()

	conn.Close()
	if current {
		select {
		case m.lost <- struct{}{}:
		default:
		}
	}
}

// AgentID returns the id Core assigned at registration.
func (m *Manager) AgentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentID
}

// IsConnected reports whether the agent is registered and not disconnected.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// HasSocket reports whether the command socket is currently up.
func (m *Manager) HasSocket() bool {
	return m.socket() != nil
}

// TaskCount returns the number of this manager's loops still running.
func (m *Manager) TaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.loops {
		select {
		case <-t.Done():
		default:
			n++
		}
	}
	return n
}

// write sends one frame over the socket.
func (m *Manager) write(t protocol.Type, requestID string, payload any) error {
	conn := m.socket()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(t, requestID, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()

	if err != nil {
		m.dropSocket(conn)
		return fmt.Errorf("writing %s: %w", t, err)
	}
	return nil
}

// SendMetrics delivers a record over the socket, falling back to HTTP.
func (m *Manager) SendMetrics(ctx context.Context, record protocol.MetricsRecord) error {
	token, agentID := m.credentials()
	record.AgentID = agentID

	err := m.write(protocol.TypeMetrics, "", protocol.Metrics{AgentName: m.opts.Identity.Name, Record: record})
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotConnected) {
		m.logger.Warn("websocket metrics failed, using HTTP fallback", "error", err)
	}

	resp, err := m.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(record).
		Post("/api/metrics/agents/" + url.PathEscape(agentID))
	if err != nil {
		return fmt.Errorf("posting metrics: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		m.markReauth()
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("posting metrics: core returned %d", resp.StatusCode())
	}
	return nil
}

// SendHeartbeat reports liveness over the socket. The error is informational;
// callers decide whether to retry sooner.
func (m *Manager) SendHeartbeat(hb protocol.Heartbeat) error {
	hb.AgentName = m.opts.Identity.Name
	if err := m.write(protocol.TypeHeartbeat, "", hb); err != nil {
		m.logger.Debug("heartbeat not sent", "error", err)
		return err
	}
	return nil
}

// SendCommandResult reports the terminal outcome of a command.
func (m *Manager) SendCommandResult(requestID string, result protocol.CommandResult) {
	if err := m.write(protocol.TypeCommandResult, requestID, result); err != nil {
		m.logger.Error("failed to send command result", "request_id", requestID, "error", err)
	}
}

// SendCommandStatus reports command progress.
func (m *Manager) SendCommandStatus(requestID, status string) {
	if err := m.write(protocol.TypeCommandStatus, requestID, protocol.CommandStatus{Status: status}); err != nil {
		m.logger.Debug("failed to send command status", "request_id", requestID, "error", err)
	}
}

// ReceiveCommand dequeues one inbound frame without blocking.
func (m *Manager) ReceiveCommand() (Inbound, bool) {
	select {
	case in := <-m.inbound:
		return in, true
	default:
		return Inbound{}, false
	}
}

// Call asks Core to run req on its own host and waits for the result.
func (m *Manager) Call(ctx context.Context, req protocol.CommandRequest) (protocol.CommandResult, error) {
	id := uuid.NewString()
	ch, err := m.pending.CreateRequest(id)
	if err != nil {
		return protocol.CommandResult{}, err
	}
	defer m.pending.CloseRequest(id)

	if err := m.write(protocol.TypeCommandRequest, id, req); err != nil {
		return protocol.CommandResult{}, err
	}

	select {
	case result, ok := <-ch:
		if !ok {
			return protocol.CommandResult{}, ErrNotConnected
		}
		return result, nil
	case <-ctx.Done():
		if err := m.write(protocol.TypeCommandCancel, id, protocol.CommandCancel{Reason: "caller gave up"}); err != nil {
			m.logger.Debug("cancel not sent", "request_id", id, "error", err)
		}
		return protocol.CommandResult{}, ctx.Err()
	}
}

// ExecuteCLI runs one command on Core through the HTTP proxy, independent of
// the socket. HTTP failures come back as a failed result and an error.
func (m *Manager) ExecuteCLI(ctx context.Context, command string, args []string) (protocol.CommandResult, error) {
	token, _ := m.credentials()
	if token == "" {
		return failed(ErrNotConnected.Error()), ErrNotConnected
	}

	var out protocol.APIResponse[protocol.CommandResult]
	resp, err := m.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(protocol.CLIRequest{Command: command, Args: args, AgentName: m.opts.Identity.Name}).
		SetResult(&out).
		SetError(&out).
		Post("/api/cli/execute")
	if err != nil {
		return failed("connection error: " + err.Error()), fmt.Errorf("cli proxy: %w", err)
	}
	if resp.IsError() {
		msg := out.Message
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode())
		}
		return failed(msg), fmt.Errorf("cli proxy: %s", msg)
	}
	return out.Data, nil
}

func failed(msg string) protocol.CommandResult {
	return protocol.CommandResult{Success: false, ReturnCode: -1, Error: msg}
}

// Disconnect stops the background loops and closes the socket. Safe to call
// more than once.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.connected = false
	conn := m.conn
	m.conn = nil
	loops := m.loops
	m.mu.Unlock()

	m.logger.Info("disconnecting from core")

	if conn != nil {
		data, err := protocol.Encode(protocol.TypeDisconnect, "", protocol.Disconnect{
			AgentName: m.opts.Identity.Name,
			Reason:    "agent shutdown",
		})
		m.writeMu.Lock()
		if err == nil {
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			conn.WriteMessage(websocket.TextMessage, data)
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutdown"),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		conn.Close()
	}

	m.stopLoops(loops, 5*time.Second)
	m.pending.Fail()
	m.http.GetClient().CloseIdleConnections()
}

// stopLoops cancels this manager's loops and waits up to timeout for them.
func (m *Manager) stopLoops(loops []*tasks.Task, timeout time.Duration) {
	for _, t := range loops {
		t.Cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, t := range loops {
		select {
		case <-t.Done():
		case <-ctx.Done():
			m.logger.Warn("connection loop did not stop", "task", t.Name(), "timeout", timeout)
		}
	}
}
