// ABOUTME: Tests for the Core HTTP API, its auth rules and the server lifecycle.
// ABOUTME: The end-to-end test drives a real agent runtime against the server over HTTP and WebSocket.

package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hostlink/internal/auth"
	"github.com/2389/hostlink/internal/config"
	"github.com/2389/hostlink/internal/connection"
	"github.com/2389/hostlink/internal/metrics"
	"github.com/2389/hostlink/internal/protocol"
	agentruntime "github.com/2389/hostlink/internal/runtime"
	"github.com/2389/hostlink/internal/sandbox"
	"github.com/2389/hostlink/internal/store"
	"github.com/2389/hostlink/internal/tasks"
)

const testAPIKey = "shared-key"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCollector struct{}

func (fakeCollector) CollectAll(ctx context.Context) (*metrics.Snapshot, error) {
	return &metrics.Snapshot{Hostname: "test-host", CPUPercent: 12.5, LoadAverage: []float64{0.1, 0.2, 0.3}}, nil
}

func (fakeCollector) CollectBasic(ctx context.Context) (*metrics.Snapshot, error) {
	return &metrics.Snapshot{Hostname: "test-host", LoadAverage: []float64{0.1, 0.2, 0.3}}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	enabled := true
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "core.db")},
		Auth: config.AuthConfig{
			JWTSecret: "core-test-secret-0123456789abcdefghij",
			APIKey:    testAPIKey,
			TokenTTL:  time.Hour,
		},
		Agents: config.AgentsConfig{PingInterval: time.Second, ReadTimeout: 5 * time.Second},
		Commands: config.CommandsConfig{
			Retention:        time.Minute,
			DispatchGrace:    2 * time.Second,
			MetricsRetention: time.Hour,
		},
		Sandbox: config.SandboxConfig{
			Enabled:         &enabled,
			AllowedCommands: []string{"echo", "sleep"},
			WorkDir:         t.TempDir(),
		},
	}
}

type testCore struct {
	t     *testing.T
	srv   *Server
	store *store.MockStore
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()
	st := store.NewMockStore()
	srv, err := newServer(testConfig(t), st, fakeCollector{}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { srv.registry.CloseAll("test finished") })
	return &testCore{t: t, srv: srv, store: st}
}

func (tc *testCore) token(subject, role string) string {
	tc.t.Helper()
	token, err := tc.srv.issuer.Issue(subject, auth.Claims{Role: role}, time.Hour)
	require.NoError(tc.t, err)
	return token
}

func (tc *testCore) do(method, path, token string, body any) *httptest.ResponseRecorder {
	tc.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(tc.t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	tc.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) protocol.APIResponse[T] {
	t.Helper()
	var out protocol.APIResponse[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	tc := newTestCore(t)

	rec := tc.do(http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode[HealthStatus](t, rec)
	assert.Equal(t, protocol.ResponseSuccess, out.Status)
	assert.Equal(t, "healthy", out.Data.Status)
	assert.Equal(t, 0, out.Data.ConnectedAgents)
}

func TestRegister(t *testing.T) {
	tc := newTestCore(t)

	tests := []struct {
		name string
		body protocol.RegisterRequest
		code int
	}{
		{"missing name", protocol.RegisterRequest{Hostname: "web-01", APIKey: testAPIKey}, http.StatusBadRequest},
		{"missing hostname", protocol.RegisterRequest{AgentName: "collector", APIKey: testAPIKey}, http.StatusBadRequest},
		{"wrong key", protocol.RegisterRequest{AgentName: "collector", Hostname: "web-01", APIKey: "nope"}, http.StatusUnauthorized},
		{"no key", protocol.RegisterRequest{AgentName: "collector", Hostname: "web-01"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tc.do(http.MethodPost, "/api/agents/register", "", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, protocol.ResponseError, decode[any](t, rec).Status)
		})
	}

	rec := tc.do(http.MethodPost, "/api/agents/register", "", protocol.RegisterRequest{
		AgentName:    "collector",
		Hostname:     "web-01",
		Capabilities: []string{"Health", "logs", "health", " "},
		APIKey:       testAPIKey,
		Metadata:     map[string]string{"version": "1.2.0"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := decode[protocol.RegisterResponse](t, rec)
	assert.Equal(t, protocol.ResponseSuccess, out.Status)
	assert.Equal(t, "web-01_collector", out.Data.AgentID)
	assert.Equal(t, 3600, out.Data.ExpiresIn)

	claims, err := tc.srv.issuer.Verify(out.Data.Token)
	require.NoError(t, err)
	assert.Equal(t, "web-01_collector", claims.Subject)
	assert.Equal(t, auth.RoleAgent, claims.Role)
	assert.Equal(t, []string{"health", "logs"}, claims.Capabilities)

	stored, err := tc.store.GetAgent(context.Background(), "web-01_collector")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusOffline, stored.Status)
	assert.Equal(t, "1.2.0", stored.Metadata["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	tc := newTestCore(t)
	require.NoError(t, tc.store.UpsertAgent(context.Background(), &store.Agent{ID: "web-01_collector", Name: "collector"}))

	record := protocol.MetricsRecord{CPUUsage: 42, LoadAverage: [3]float64{1, 2, 3}}

	tests := []struct {
		name  string
		token string
		code  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"operator token", tc.token("alice", auth.RoleOperator), http.StatusForbidden},
		{"other agent", tc.token("web-02_collector", auth.RoleAgent), http.StatusForbidden},
		{"own token", tc.token("web-01_collector", auth.RoleAgent), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tc.do(http.MethodPost, "/api/metrics/agents/web-01_collector", tt.token, record)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	samples, err := tc.store.ListMetrics(context.Background(), "web-01_collector", 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "web-01_collector", samples[0].Record.AgentID)
	assert.Equal(t, 42.0, samples[0].Record.CPUUsage)
	assert.False(t, samples[0].Record.Timestamp.IsZero())

	rec := tc.do(http.MethodGet, "/api/agents/web-01_collector/metrics?limit=5", tc.token("alice", auth.RoleOperator), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]protocol.MetricsRecord](t, rec).Data, 1)

	rec = tc.do(http.MethodGet, "/api/agents/web-01_collector/metrics?limit=zero", tc.token("alice", auth.RoleOperator), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCLIExecute(t *testing.T) {
	tc := newTestCore(t)
	agentToken := tc.token("web-01_collector", auth.RoleAgent)

	rec := tc.do(http.MethodPost, "/api/cli/execute", agentToken, protocol.CLIRequest{Command: "system", Args: []string{"info"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := decode[protocol.CommandResult](t, rec)
	assert.Equal(t, protocol.ResponseSuccess, out.Status)
	assert.True(t, out.Data.Success)
	assert.Contains(t, out.Data.Stdout, "test-host")

	rec = tc.do(http.MethodPost, "/api/cli/execute", tc.token("alice", auth.RoleOperator), protocol.CLIRequest{Command: "health", Args: []string{"monitor"}})
	require.Equal(t, http.StatusOK, rec.Code)
	// uptime is not in the test allow-list, so the sandbox refuses it.
	failed := decode[protocol.CommandResult](t, rec)
	assert.Equal(t, protocol.ResponseError, failed.Status)
	assert.False(t, failed.Data.Success)

	rejected := []struct {
		name string
		req  protocol.CLIRequest
	}{
		{"unknown command", protocol.CLIRequest{Command: "nuke", Args: []string{"all"}}},
		{"no subcommand", protocol.CLIRequest{Command: "health"}},
		{"denied argument", protocol.CLIRequest{Command: "shell", Args: []string{"run", "sudo id"}}},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			rec := tc.do(http.MethodPost, "/api/cli/execute", agentToken, tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[any](t, rec).Message, "command not allowed")
		})
	}

	assert.Equal(t, http.StatusUnauthorized, tc.do(http.MethodPost, "/api/cli/execute", "", protocol.CLIRequest{Command: "system", Args: []string{"info"}}).Code)
}

func TestOperatorRoutesRequireOperator(t *testing.T) {
	tc := newTestCore(t)
	agentToken := tc.token("web-01_collector", auth.RoleAgent)

	routes := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/agents"},
		{http.MethodGet, "/api/agents/web-01_collector/metrics"},
		{http.MethodPost, "/api/agents/web-01_collector/commands"},
		{http.MethodPost, "/api/agents/web-01_collector/commands/abc/cancel"},
		{http.MethodGet, "/api/commands/abc"},
	}
	for _, r := range routes {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, tc.do(r.method, r.path, "", nil).Code)
			assert.Equal(t, http.StatusForbidden, tc.do(r.method, r.path, agentToken, nil).Code)
		})
	}
}

func TestOperatorRoutesWithoutAgent(t *testing.T) {
	tc := newTestCore(t)
	op := tc.token("alice", auth.RoleOperator)

	rec := tc.do(http.MethodPost, "/api/agents/web-01_collector/commands", op, protocol.CommandRequest{Command: "system", Args: []string{"info"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "agent not connected", decode[any](t, rec).Message)

	rec = tc.do(http.MethodPost, "/api/agents/web-01_collector/commands", op, protocol.CommandRequest{Command: "nuke", Args: []string{"all"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tc.do(http.MethodPost, "/api/agents/web-01_collector/commands/abc/cancel", op, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = tc.do(http.MethodGet, "/api/commands/abc", op, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = tc.do(http.MethodGet, "/api/agents", op, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]AgentView](t, rec).Data)

	rec = tc.do(http.MethodGet, "/api/nothing-here", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, protocol.ResponseError, decode[any](t, rec).Status)
}

func TestPruneOnce(t *testing.T) {
	tc := newTestCore(t)

	ctx := context.Background()
	require.NoError(t, tc.store.SaveMetrics(ctx, "web-01_collector", protocol.MetricsRecord{}))
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, tc.store.SaveMetrics(ctx, "web-01_collector", protocol.MetricsRecord{CPUUsage: 1}))

	tc.srv.config.Commands.MetricsRetention = 150 * time.Millisecond
	tc.srv.pruneOnce(ctx)

	samples, err := tc.store.ListMetrics(ctx, "web-01_collector", 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 1.0, samples[0].Record.CPUUsage)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg, discardLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	healthURL := "http://" + ln.Addr().String() + "/api/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	_, err = srv.store.ListAgents(context.Background())
	assert.Error(t, err, "store should be closed")
}

func TestAgentEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("runs sandboxed subprocesses")
	}

	tc := newTestCore(t)
	httpSrv := httptest.NewServer(tc.srv.Handler())

	policy := sandbox.DefaultPolicy()
	policy.AllowedCommands = []string{"sleep", "echo"}
	policy.WorkDir = t.TempDir()

	orch := tasks.New(discardLogger())
	conn := connection.New(connection.Options{
		CoreURL:           httpSrv.URL,
		APIKey:            testAPIKey,
		Identity:          protocol.Identity{Name: "collector", Hostname: "web-01", Capabilities: []string{"health", "system", "shell"}},
		ReconnectInterval: time.Second,
		RetryDelay:        100 * time.Millisecond,
		Tasks:             orch,
		Logger:            discardLogger(),
	})
	rt := agentruntime.New(conn, sandbox.New(policy, fakeCollector{}, discardLogger()), fakeCollector{}, agentruntime.Options{
		MetricsInterval:   50 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		Tasks:             orch,
		Logger:            discardLogger(),
	})
	require.NoError(t, rt.Start(context.Background()))
	assert.GreaterOrEqual(t, rt.TaskCount(), 5, "connection loops share the runtime orchestrator")
	t.Cleanup(func() {
		rt.Stop()
		tc.srv.registry.CloseAll("test finished")
		httpSrv.Close()
	})

	const agentID = "web-01_collector"
	require.Eventually(t, func() bool { return tc.srv.registry.IsOnline(agentID) }, 5*time.Second, 10*time.Millisecond)

	op := tc.token("alice", auth.RoleOperator)

	t.Run("listed online", func(t *testing.T) {
		rec := tc.do(http.MethodGet, "/api/agents", op, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		agents := decode[[]AgentView](t, rec).Data
		require.Len(t, agents, 1)
		assert.Equal(t, agentID, agents[0].ID)
		assert.True(t, agents[0].Online)
		assert.Equal(t, store.AgentStatusOnline, agents[0].Status)
		assert.NotNil(t, agents[0].ConnectedAt)
	})

	t.Run("metrics arrive over the socket", func(t *testing.T) {
		require.Eventually(t, func() bool {
			samples, err := tc.store.ListMetrics(context.Background(), agentID, 1)
			return err == nil && len(samples) == 1
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("dispatch waits for the result", func(t *testing.T) {
		rec := tc.do(http.MethodPost, "/api/agents/"+agentID+"/commands", op, protocol.CommandRequest{Command: "system", Args: []string{"info"}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		out := decode[DispatchResponse](t, rec)
		assert.Equal(t, protocol.ResponseSuccess, out.Status)
		assert.Equal(t, protocol.StatusCompleted, out.Data.Status)
		require.NotNil(t, out.Data.Result)
		assert.Contains(t, out.Data.Result.Stdout, "test-host")

		rec = tc.do(http.MethodGet, "/api/commands/"+out.Data.RequestID, op, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		cmd := decode[CommandView](t, rec).Data
		assert.Equal(t, store.OriginDispatch, cmd.Origin)
		assert.Equal(t, protocol.StatusCompleted, cmd.Status)
		assert.Equal(t, agentID, cmd.AgentID)
	})

	t.Run("async dispatch can be cancelled", func(t *testing.T) {
		rec := tc.do(http.MethodPost, "/api/agents/"+agentID+"/commands?wait=false", op,
			protocol.CommandRequest{Command: "shell", Args: []string{"run", "sleep 30"}, TimeoutSeconds: 60})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		requestID := decode[DispatchResponse](t, rec).Data.RequestID
		require.NotEmpty(t, requestID)

		require.Eventually(t, func() bool {
			return tc.do(http.MethodGet, "/api/commands/"+requestID, op, nil).Code == http.StatusOK
		}, 5*time.Second, 10*time.Millisecond)

		rec = tc.do(http.MethodPost, "/api/agents/"+agentID+"/commands/"+requestID+"/cancel", op, map[string]string{"reason": "operator changed mind"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		require.Eventually(t, func() bool {
			rec := tc.do(http.MethodGet, "/api/commands/"+requestID, op, nil)
			cmd := decode[CommandView](t, rec).Data
			return cmd.Status == protocol.StatusCancelled && cmd.CompletedAt != nil
		}, 10*time.Second, 20*time.Millisecond)
	})

	t.Run("agent proxies a CLI command", func(t *testing.T) {
		result, err := conn.ExecuteCLI(context.Background(), "system", []string{"info"})
		require.NoError(t, err)
		assert.True(t, result.Success)

		result, err = conn.ExecuteCLI(context.Background(), "nuke", []string{"all"})
		require.Error(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "command not allowed")
	})
}
