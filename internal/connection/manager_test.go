// ABOUTME: Tests for the agent connection Manager against an in-process fake Core.
// ABOUTME: Covers fail-fast connect, HTTP fallback, reconnection, re-registration and the CLI proxy.

package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hostlink/internal/protocol"
	"github.com/2389/hostlink/internal/tasks"
)

type fakeCore struct {
	t   *testing.T
	srv *httptest.Server

	registrations atomic.Int32
	rejectSocket  atomic.Bool

	mu      sync.Mutex
	metrics []protocol.MetricsRecord

	conns  chan *websocket.Conn
	frames chan *protocol.Message
}

func newFakeCore(t *testing.T) *fakeCore {
	t.Helper()
	fc := &fakeCore{
		t:      t,
		conns:  make(chan *websocket.Conn, 8),
		frames: make(chan *protocol.Message, 64),
	}

	e := echo.New()
	e.GET("/api/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	e.POST("/api/agents/register", fc.register)
	e.POST("/api/metrics/agents/:agent_id", fc.postMetrics)
	e.POST("/api/cli/execute", fc.execute)
	e.GET("/ws/:agent_id", fc.socket)

	fc.srv = httptest.NewServer(e)
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCore) register(c echo.Context) error {
	var req protocol.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.APIKey != "shared-key" {
		return c.JSON(http.StatusUnauthorized, protocol.APIResponse[any]{Status: protocol.ResponseError, Message: "invalid api key"})
	}
	n := fc.registrations.Add(1)
	return c.JSON(http.StatusOK, protocol.APIResponse[protocol.RegisterResponse]{
		Status: protocol.ResponseSuccess,
		Data: protocol.RegisterResponse{
			Token:   fmt.Sprintf("tok-%d", n),
			AgentID: protocol.AgentID(req.Hostname, req.AgentName),
		},
	})
}

func (fc *fakeCore) postMetrics(c echo.Context) error {
	if !strings.HasPrefix(c.Request().Header.Get("Authorization"), "Bearer tok-") {
		return c.NoContent(http.StatusUnauthorized)
	}
	var rec protocol.MetricsRecord
	if err := c.Bind(&rec); err != nil {
		return err
	}
	fc.mu.Lock()
	fc.metrics = append(fc.metrics, rec)
	fc.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]string{"status": "success"})
}

func (fc *fakeCore) execute(c echo.Context) error {
	var req protocol.CLIRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Command != "health" {
		return c.JSON(http.StatusBadRequest, protocol.APIResponse[any]{Status: protocol.ResponseError, Message: "command not allowed"})
	}
	return c.JSON(http.StatusOK, protocol.APIResponse[protocol.CommandResult]{
		Status: protocol.ResponseSuccess,
		Data:   protocol.CommandResult{Success: true, Stdout: "disk ok"},
	})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (fc *fakeCore) socket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	msg, err := protocol.Decode(raw)
	if err != nil || msg.Type != protocol.TypeAuth {
		return nil
	}
	if fc.rejectSocket.Load() || msg.Body.(protocol.Auth).AuthToken != c.QueryParam("token") {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "Invalid token"), time.Now().Add(time.Second))
		return nil
	}

	data, _ := protocol.Encode(protocol.TypeAuthSuccess, "", protocol.AuthSuccess{AgentID: c.Param("agent_id")})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil
	}
	fc.conns <- conn

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		if msg, err := protocol.Decode(raw); err == nil {
			fc.frames <- msg
		}
	}
}

func (fc *fakeCore) nextConn() *websocket.Conn {
	fc.t.Helper()
	select {
	case conn := <-fc.conns:
		return conn
	case <-time.After(5 * time.Second):
		fc.t.Fatal("agent did not open a socket")
		return nil
	}
}

// nextFrame returns the next frame of type t, skipping others.
func (fc *fakeCore) nextFrame(t protocol.Type) *protocol.Message {
	fc.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-fc.frames:
			if msg.Type == t {
				return msg
			}
		case <-deadline:
			fc.t.Fatalf("no %s frame received", t)
			return nil
		}
	}
}

func (fc *fakeCore) storedMetrics() []protocol.MetricsRecord {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]protocol.MetricsRecord(nil), fc.metrics...)
}

func serverSend(t *testing.T, conn *websocket.Conn, typ protocol.Type, requestID string, payload any) {
	t.Helper()
	data, err := protocol.Encode(typ, requestID, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func testOptions(coreURL string) Options {
	return Options{
		CoreURL:  coreURL,
		APIKey:   "shared-key",
		Identity: protocol.Identity{Name: "collector", Hostname: "web-01", Capabilities: []string{"health"}},

		ReconnectInterval: time.Minute,
		RetryDelay:        time.Minute,
		HandshakeTimeout:  2 * time.Second,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func connected(t *testing.T, fc *fakeCore, mutate func(*Options)) *Manager {
	t.Helper()
	opts := testOptions(fc.srv.URL)
	if mutate != nil {
		mutate(&opts)
	}
	m := New(opts)
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(m.Disconnect)
	return m
}

func TestConnect_CoreUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := New(testOptions(url))
	err := m.Connect(context.Background())

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "probe", ce.Op)
	assert.Equal(t, 0, m.TaskCount())
	assert.False(t, m.IsConnected())
}

func TestConnect_RegistrationRejected(t *testing.T) {
	fc := newFakeCore(t)
	opts := testOptions(fc.srv.URL)
	opts.APIKey = "wrong"

	err := New(opts).Connect(context.Background())

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "register", ce.Op)
}

func TestConnect_OpensAuthenticatedSocket(t *testing.T) {
	fc := newFakeCore(t)
	m := connected(t, fc, nil)

	fc.nextConn()
	assert.Equal(t, "web-01_collector", m.AgentID())
	assert.True(t, m.IsConnected())
	assert.True(t, m.HasSocket())
	assert.Equal(t, 2, m.TaskCount())
}

func TestConnect_SocketFailureDegradesToHTTP(t *testing.T) {
	fc := newFakeCore(t)
	fc.rejectSocket.Store(true)

	m := connected(t, fc, nil)
	assert.True(t, m.IsConnected())
	assert.False(t, m.HasSocket())

	require.NoError(t, m.SendMetrics(context.Background(), protocol.MetricsRecord{CPUUsage: 42}))
	stored := fc.storedMetrics()
	require.Len(t, stored, 1)
	assert.Equal(t, "web-01_collector", stored[0].AgentID)
	assert.InDelta(t, 42, stored[0].CPUUsage, 0.001)
}

func TestSendMetrics_PrefersSocket(t *testing.T) {
	fc := newFakeCore(t)
	m := connected(t, fc, nil)
	fc.nextConn()

	require.NoError(t, m.SendMetrics(context.Background(), protocol.MetricsRecord{MemoryUsage: 10}))
	msg := fc.nextFrame(protocol.TypeMetrics)
	assert.Equal(t, "web-01_collector", msg.Body.(protocol.Metrics).Record.AgentID)
	assert.Empty(t, fc.storedMetrics())
}

func TestDisconnect_Idempotent(t *testing.T) {
	fc := newFakeCore(t)
	m := connected(t, fc, nil)
	fc.nextConn()

	m.Disconnect()
	m.Disconnect()

	assert.Equal(t, 0, m.TaskCount())
	assert.False(t, m.IsConnected())
	assert.False(t, m.HasSocket())
	msg := fc.nextFrame(protocol.TypeDisconnect)
	assert.Equal(t, "collector", msg.Body.(protocol.Disconnect).AgentName)

	err := m.Connect(context.Background())
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)
}

func TestReceive_QueuesCommandsAndAnswersPing(t *testing.T) {
	fc := newFakeCore(t)
	m := connected(t, fc, nil)
	conn := fc.nextConn()

	_, ok := m.ReceiveCommand()
	assert.False(t, ok, "queue should start empty")

	serverSend(t, conn, protocol.TypeCommandRequest, "r1", protocol.CommandRequest{Command: "health", Args: []string{"disk"}})
	serverSend(t, conn, protocol.TypeCommandCancel, "r1", protocol.CommandCancel{Reason: "operator"})
	serverSend(t, conn, protocol.TypePing, "p1", protocol.Ping{})

	pong := fc.nextFrame(protocol.TypePong)
	assert.Equal(t, "p1", pong.RequestID)

	var got []Inbound
	require.Eventually(t, func() bool {
		if in, ok := m.ReceiveCommand(); ok {
			got = append(got, in)
		}
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, protocol.TypeCommandRequest, got[0].Type)
	assert.Equal(t, "r1", got[0].RequestID)
	assert.Equal(t, "disk", got[0].Request.Subcommand())
	assert.Equal(t, protocol.TypeCommandCancel, got[1].Type)
	assert.Equal(t, "operator", got[1].Cancel.Reason)
}

func TestReceive_RejectsInvalidFrames(t *testing.T) {
	fc := newFakeCore(t)
	m := connected(t, fc, nil)
	conn := fc.nextConn()

	serverSend(t, conn, protocol.TypeCommandRequest, "bad", protocol.CommandRequest{Command: "shell", Args: []string{"run", "sudo reboot"}})
	msg := fc.nextFrame(protocol.TypeError)
	assert.Equal(t, "bad", msg.RequestID)
	assert.Equal(t, protocol.CodeValidationFailed, msg.Body.(protocol.Error).Code)

	serverSend(t, conn, protocol.TypeHeartbeat, "", protocol.Heartbeat{Status: "healthy"})
	msg = fc.nextFrame(protocol.TypeError)
	assert.Equal(t, protocol.CodeUnsupportedMessage, msg.Body.(protocol.Error).Code)

	_, ok := m.ReceiveCommand()
	assert.False(t, ok)
}

func TestReconnect_RestoresDroppedSocket(t *testing.T) {
	fc := newFakeCore(t)
	m := connected(t, fc, nil)

	first := fc.nextConn()
	first.Close()

	second := fc.nextConn()
	assert.NotSame(t, first, second)
	require.Eventually(t, m.HasSocket, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), fc.registrations.Load())
}

func TestReconnect_ReRegistersAfterTokenRejection(t *testing.T) {
	fc := newFakeCore(t)
	m := connected(t, fc, nil)

	conn := fc.nextConn()
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "Invalid token"), time.Now().Add(time.Second))

	fc.nextConn()
	assert.Equal(t, int32(2), fc.registrations.Load())
	require.Eventually(t, m.HasSocket, 2*time.Second, 10*time.Millisecond)
}

func TestCall_CorrelatesResult(t *testing.T) {
	fc := newFakeCore(t)
	m := connected(t, fc, nil)
	conn := fc.nextConn()

	type outcome struct {
		res protocol.CommandResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.Call(context.Background(), protocol.CommandRequest{Command: "system", Args: []string{"info"}})
		done <- outcome{res, err}
	}()

	req := fc.nextFrame(protocol.TypeCommandRequest)
	require.NotEmpty(t, req.RequestID)
	serverSend(t, conn, protocol.TypeCommandResult, "someone-else", protocol.CommandResult{Success: false})
	serverSend(t, conn, protocol.TypeCommandResult, req.RequestID, protocol.CommandResult{Success: true, Stdout: "core-host"})

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.True(t, out.res.Success)
		assert.Equal(t, "core-host", out.res.Stdout)
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return")
	}
}

func TestCall_ContextCancelSendsCancel(t *testing.T) {
	fc := newFakeCore(t)
	m := connected(t, fc, nil)
	fc.nextConn()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.Call(ctx, protocol.CommandRequest{Command: "system", Args: []string{"info"}})
		errc <- err
	}()

	req := fc.nextFrame(protocol.TypeCommandRequest)
	cancel()

	assert.True(t, errors.Is(<-errc, context.Canceled))
	assert.Equal(t, req.RequestID, fc.nextFrame(protocol.TypeCommandCancel).RequestID)
}

func TestExecuteCLI(t *testing.T) {
	fc := newFakeCore(t)
	m := connected(t, fc, nil)

	res, err := m.ExecuteCLI(context.Background(), "health", []string{"disk"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "disk ok", res.Stdout)

	res, err = m.ExecuteCLI(context.Background(), "bogus", nil)
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "command not allowed", res.Error)
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		core string
		want string
	}{
		{"http://core:8000", "ws://core:8000/ws/web-01_collector?token=t%2B1"},
		{"https://core.example.com/base/", "wss://core.example.com/base/ws/web-01_collector?token=t%2B1"},
	}
	for _, tt := range tests {
		got, err := socketURL(strings.TrimRight(tt.core, "/"), "web-01_collector", "t+1")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestConnect_LoopsRunOnSharedOrchestrator(t *testing.T) {
	fc := newFakeCore(t)
	orch := tasks.New(nil)
	other := orch.Spawn("metrics-loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	t.Cleanup(func() { orch.CancelAll(time.Second) })

	m := connected(t, fc, func(o *Options) { o.Tasks = orch })
	fc.nextConn()

	assert.Equal(t, 3, orch.Count())
	assert.ElementsMatch(t, []string{"metrics-loop", "receive-loop", "reconnect-loop"}, orch.Names())

	m.Disconnect()
	assert.Equal(t, 0, m.TaskCount())
	require.Eventually(t, func() bool { return orch.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	select {
	case <-other.Done():
		t.Fatal("disconnect cancelled a task it does not own")
	default:
	}
}
