// ABOUTME: Tests for the agent registry and the pending request correlation.
// ABOUTME: Uses a fake Session to check replacement, routing and cleanup rules.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hostlink/internal/protocol"
)

type fakeSession struct {
	id     string
	name   string
	mu     sync.Mutex
	closed []string
	cancel []string
	result protocol.CommandResult
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, name: "n-" + id, result: protocol.CommandResult{Success: true, Stdout: id}}
}

func (f *fakeSession) ID() string             { return f.id }
func (f *fakeSession) Name() string           { return f.name }
func (f *fakeSession) Hostname() string       { return "host" }
func (f *fakeSession) Capabilities() []string { return []string{"health"} }
func (f *fakeSession) ConnectedAt() time.Time { return time.Unix(0, 0) }
func (f *fakeSession) ActiveCommands() int    { return 0 }

func (f *fakeSession) Dispatch(ctx context.Context, requestID string, req protocol.CommandRequest) (protocol.CommandResult, error) {
	return f.result, nil
}

func (f *fakeSession) Cancel(requestID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancel = append(f.cancel, requestID)
	return nil
}

func (f *fakeSession) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, reason)
}

func (f *fakeSession) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closed)
}

func TestManagerRegisterReplacesStale(t *testing.T) {
	m := NewManager(slog.Default())

	first := newFakeSession("web-01_a")
	second := newFakeSession("web-01_a")

	m.Register(first)
	m.Register(second)

	assert.Equal(t, 1, m.Count())
	assert.Equal(t, 1, first.closeCount(), "stale session should be closed")
	assert.Equal(t, 0, second.closeCount())

	got, ok := m.Get("web-01_a")
	require.True(t, ok)
	assert.Same(t, second, got)

	// The replaced session cleaning up after itself must not evict the new one.
	assert.False(t, m.Unregister(first))
	assert.True(t, m.IsOnline("web-01_a"))

	assert.True(t, m.Unregister(second))
	assert.False(t, m.IsOnline("web-01_a"))
}

func TestManagerListSorted(t *testing.T) {
	m := NewManager(nil)
	m.Register(newFakeSession("b"))
	m.Register(newFakeSession("a"))

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "n-b", list[1].Name)
}

func TestManagerDispatchAndCancel(t *testing.T) {
	m := NewManager(nil)
	s := newFakeSession("a")
	m.Register(s)

	res, err := m.Dispatch(context.Background(), "a", "req-1", protocol.CommandRequest{Command: "health", Args: []string{"disk"}})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Stdout)

	require.NoError(t, m.Cancel("a", "req-1", "operator"))
	assert.Equal(t, []string{"req-1"}, s.cancel)

	_, err = m.Dispatch(context.Background(), "missing", "req-2", protocol.CommandRequest{})
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.ErrorIs(t, m.Cancel("missing", "req-2", ""), ErrAgentNotFound)
}

func TestManagerCloseAll(t *testing.T) {
	m := NewManager(nil)
	a, b := newFakeSession("a"), newFakeSession("b")
	m.Register(a)
	m.Register(b)

	m.CloseAll("shutdown")

	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 1, b.closeCount())
}

func TestPendingCorrelation(t *testing.T) {
	p := NewPending(nil)

	ch, err := p.CreateRequest("r1")
	require.NoError(t, err)

	_, err = p.CreateRequest("r1")
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	assert.True(t, p.HandleResponse("r1", protocol.CommandResult{Success: true, Stdout: "done"}))
	assert.False(t, p.HandleResponse("r1", protocol.CommandResult{}), "second result has nobody waiting")

	select {
	case res := <-ch:
		assert.Equal(t, "done", res.Stdout)
	case <-time.After(time.Second):
		t.Fatal("result not delivered")
	}
	assert.Equal(t, 0, p.Len())
}

func TestPendingFail(t *testing.T) {
	p := NewPending(nil)

	ch, err := p.CreateRequest("r1")
	require.NoError(t, err)

	p.Fail()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed without a result")

	_, err = p.CreateRequest("r2")
	assert.True(t, errors.Is(err, ErrPendingClosed))

	p.Reset()
	_, err = p.CreateRequest("r2")
	assert.NoError(t, err)
}

func TestPendingCloseRequest(t *testing.T) {
	p := NewPending(nil)
	_, err := p.CreateRequest("r1")
	require.NoError(t, err)

	p.CloseRequest("r1")
	assert.Equal(t, 0, p.Len())
	assert.False(t, p.HandleResponse("r1", protocol.CommandResult{}))
}
