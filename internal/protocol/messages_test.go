// ABOUTME: Tests for envelope encoding and typed payload decoding.

package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_WireShape(t *testing.T) {
	raw, err := Encode(TypeCommandRequest, "abc", CommandRequest{Command: "health", Args: []string{"disk"}, TimeoutSeconds: 30})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))

	assert.Equal(t, "command_request", generic["type"])
	assert.Equal(t, "abc", generic["request_id"])
	assert.NotEmpty(t, generic["timestamp"])

	payload, ok := generic["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "health", payload["command"])
	assert.EqualValues(t, 30, payload["timeout_seconds"])
}

func TestDecode_TypedBodies(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		payload any
		check   func(t *testing.T, body any)
	}{
		{
			name:    "command result",
			typ:     TypeCommandResult,
			payload: CommandResult{Success: true, ReturnCode: 0, Stdout: "ok"},
			check: func(t *testing.T, body any) {
				res, ok := body.(CommandResult)
				require.True(t, ok)
				assert.True(t, res.Success)
				assert.Equal(t, "ok", res.Stdout)
			},
		},
		{
			name:    "heartbeat",
			typ:     TypeHeartbeat,
			payload: Heartbeat{AgentName: "web-1", Status: "healthy", ActiveTasks: 3},
			check: func(t *testing.T, body any) {
				hb, ok := body.(Heartbeat)
				require.True(t, ok)
				assert.Equal(t, 3, hb.ActiveTasks)
			},
		},
		{
			name:    "ping without payload",
			typ:     TypePing,
			payload: nil,
			check: func(t *testing.T, body any) {
				_, ok := body.(Ping)
				assert.True(t, ok)
			},
		},
		{
			name:    "error",
			typ:     TypeError,
			payload: Error{Code: CodeInvalidMessage, Message: "bad"},
			check: func(t *testing.T, body any) {
				e, ok := body.(Error)
				require.True(t, ok)
				assert.Equal(t, CodeInvalidMessage, e.Code)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.typ, "id-1", tt.payload)
			require.NoError(t, err)

			msg, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, msg.Type)
			assert.WithinDuration(t, time.Now(), msg.Timestamp, time.Minute)
			tt.check(t, msg.Body)
		})
	}
}

func TestDecode_BadPayloadShape(t *testing.T) {
	_, err := Decode([]byte(`{"type":"command_request","payload":{"args":"not-a-list"}}`))
	assert.Error(t, err)
}

func TestCommandRequest_Timeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, CommandRequest{}.Timeout(30*time.Second))
	assert.Equal(t, 5*time.Second, CommandRequest{TimeoutSeconds: 5}.Timeout(30*time.Second))
}

func TestAgentID(t *testing.T) {
	assert.Equal(t, "web-01_collector", AgentID("web-01", "collector"))
	assert.Equal(t, "db.lan_log-shipper", AgentID(" db.lan ", "log shipper"))
	assert.Equal(t, "h-x_a-b", AgentID("h/x", "a:b"))
}
