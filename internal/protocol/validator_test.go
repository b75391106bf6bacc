// ABOUTME: Tests for frame validation: size, type, allow-list, timeout and deny-list rules.
// ABOUTME: Also checks that every accepted command request satisfies all rules at once.

package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, typ Type, id string, payload any) []byte {
	t.Helper()
	raw, err := Encode(typ, id, payload)
	require.NoError(t, err)
	return raw
}

func TestCheck_AcceptsAllowListedCommand(t *testing.T) {
	v := NewValidator()
	raw := mustEncode(t, TypeCommandRequest, "req-1", CommandRequest{
		Command:        "health",
		Args:           []string{"disk"},
		TimeoutSeconds: 30,
	})

	msg, verr := v.Check(raw)
	require.Nil(t, verr)
	require.NotNil(t, msg)

	req, ok := msg.Body.(CommandRequest)
	require.True(t, ok)
	assert.Equal(t, "req-1", msg.RequestID)
	assert.Equal(t, "health", req.Command)

	op, ok := req.Operation()
	assert.True(t, ok)
	assert.Equal(t, OpHealthDisk, op)
}

func TestCheck_Rejections(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name string
		raw  []byte
		code string
	}{
		{
			name: "oversized frame",
			raw:  []byte(`{"type":"ping","payload":{"pad":"` + strings.Repeat("x", DefaultMaxMessageSize) + `"}}`),
			code: CodeMessageSizeExceeded,
		},
		{
			name: "not json",
			raw:  []byte("{not json"),
			code: CodeInvalidMessage,
		},
		{
			name: "unknown type",
			raw:  []byte(`{"type":"launch_missiles"}`),
			code: CodeInvalidMessage,
		},
		{
			name: "missing type",
			raw:  []byte(`{"payload":{}}`),
			code: CodeInvalidMessage,
		},
		{
			name: "deny-listed argument",
			raw: mustEncode(t, TypeCommandRequest, "req-2", CommandRequest{
				Command: "health",
				Args:    []string{"disk", "; rm -rf /"},
			}),
			code: CodeValidationFailed,
		},
		{
			name: "timeout above ceiling",
			raw: mustEncode(t, TypeCommandRequest, "req-3", CommandRequest{
				Command:        "health",
				Args:           []string{"disk"},
				TimeoutSeconds: 301,
			}),
			code: CodeValidationFailed,
		},
		{
			name: "command not allowed",
			raw: mustEncode(t, TypeCommandRequest, "req-4", CommandRequest{
				Command: "deploy",
				Args:    []string{"prod"},
			}),
			code: CodeValidationFailed,
		},
		{
			name: "subcommand not allowed",
			raw: mustEncode(t, TypeCommandRequest, "req-5", CommandRequest{
				Command: "system",
				Args:    []string{"wipe"},
			}),
			code: CodeValidationFailed,
		},
		{
			name: "missing subcommand",
			raw:  mustEncode(t, TypeCommandRequest, "req-6", CommandRequest{Command: "health"}),
			code: CodeValidationFailed,
		},
		{
			name: "command request without id",
			raw:  mustEncode(t, TypeCommandRequest, "", CommandRequest{Command: "health", Args: []string{"disk"}}),
			code: CodeValidationFailed,
		},
		{
			name: "path traversal",
			raw: mustEncode(t, TypeCommandRequest, "req-7", CommandRequest{
				Command: "logs",
				Args:    []string{"read-local", "/var/log/../../etc/shadow"},
			}),
			code: CodeValidationFailed,
		},
		{
			name: "unknown status",
			raw:  mustEncode(t, TypeCommandStatus, "req-8", CommandStatus{Status: "exploding"}),
			code: CodeValidationFailed,
		},
		{
			name: "auth without token",
			raw:  mustEncode(t, TypeAuth, "", Auth{AgentName: "web-1"}),
			code: CodeValidationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, verr := v.Check(tt.raw)
			require.NotNil(t, verr)
			assert.Equal(t, tt.code, verr.Code)
			assert.NotEmpty(t, verr.Error())
		})
	}
}

func TestCheck_DenyListIsCaseInsensitive(t *testing.T) {
	v := NewValidator()
	problems := v.ValidateCommand(CommandRequest{Command: "health", Args: []string{"disk", "SUDO"}})
	assert.NotEmpty(t, problems)
}

// Every request the validator accepts must satisfy each rule individually.
func TestValidateCommand_AcceptedRequestsSatisfyAllRules(t *testing.T) {
	v := NewValidator()

	commands := []string{"health", "system", "logs", "fs", "service", "shell", "deploy", ""}
	subcommands := []string{"disk", "cpu-memory", "info", "read-local", "list", "status", "run", "wipe", ""}
	extras := []string{"", "/var/log/syslog", "nginx", "rm", "../etc", "Reboot", "a.log"}
	timeouts := []int{-1, 0, 1, 300, 301}

	accepted := 0
	for _, cmd := range commands {
		for _, sub := range subcommands {
			for _, extra := range extras {
				for _, timeout := range timeouts {
					var args []string
					if sub != "" {
						args = append(args, sub)
					}
					if extra != "" {
						args = append(args, extra)
					}
					req := CommandRequest{Command: cmd, Args: args, TimeoutSeconds: timeout}
					if len(v.ValidateCommand(req)) > 0 {
						continue
					}
					accepted++

					_, ok := req.Operation()
					assert.True(t, ok, "accepted request must be allow-listed: %+v", req)
					assert.LessOrEqual(t, req.TimeoutSeconds, DefaultMaxTimeoutSeconds)
					assert.GreaterOrEqual(t, req.TimeoutSeconds, 0)
					for _, arg := range req.Args {
						for _, denied := range DefaultDeniedSubstrings {
							assert.NotContains(t, strings.ToLower(arg), denied)
						}
					}
				}
			}
		}
	}
	assert.Positive(t, accepted)
}

func TestAllowedCommands(t *testing.T) {
	allowed := AllowedCommands()
	assert.Contains(t, allowed, "health disk")
	assert.Contains(t, allowed, "logs read-local")
	assert.Contains(t, allowed, "system environment")
	assert.NotContains(t, allowed, "system wipe")
}
