// ABOUTME: Typed message envelope and payloads exchanged between agents and Core.
// ABOUTME: Encodes outgoing frames and decodes incoming ones into concrete payload types.

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol revision agents advertise in their Identity.
const Version = "1.0"

// Type discriminates the payload carried by an Envelope.
type Type string

const (
	TypeAuth           Type = "auth"
	TypeAuthSuccess    Type = "auth_success"
	TypeCommandRequest Type = "command_request"
	TypeCommandResult  Type = "command_result"
	TypeCommandStatus  Type = "command_status"
	TypeCommandCancel  Type = "command_cancel"
	TypeHeartbeat      Type = "heartbeat"
	TypeHeartbeatAck   Type = "heartbeat_ack"
	TypeMetrics        Type = "metrics"
	TypePing           Type = "ping"
	TypePong           Type = "pong"
	TypeError          Type = "error"
	TypeDisconnect     Type = "disconnect"
)

// knownTypes is the closed set of discriminants accepted on the wire.
var knownTypes = map[Type]bool{
	TypeAuth:           true,
	TypeAuthSuccess:    true,
	TypeCommandRequest: true,
	TypeCommandResult:  true,
	TypeCommandStatus:  true,
	TypeCommandCancel:  true,
	TypeHeartbeat:      true,
	TypeHeartbeatAck:   true,
	TypeMetrics:        true,
	TypePing:           true,
	TypePong:           true,
	TypeError:          true,
	TypeDisconnect:     true,
}

// Known reports whether t is a recognised message type.
func (t Type) Known() bool {
	return knownTypes[t]
}

// Envelope is the JSON frame shared by every message.
type Envelope struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message is a decoded envelope together with its typed payload.
// Body holds one of the payload structs below, chosen by Type.
type Message struct {
	Type      Type
	Timestamp time.Time
	RequestID string
	Body      any
}

// Identity describes an agent instance to Core.
type Identity struct {
	Name            string   `json:"agent_name"`
	Hostname        string   `json:"hostname"`
	Capabilities    []string `json:"capabilities"`
	ProtocolVersion string   `json:"protocol_version,omitempty"`
}

// AgentID derives the routing key Core assigns an agent: "<hostname>_<name>"
// with anything outside [A-Za-z0-9_.-] replaced by '-'.
func AgentID(hostname, name string) string {
	return sanitizeID(hostname) + "_" + sanitizeID(name)
}

func sanitizeID(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '.' || r == '-':
			return r
		default:
			return '-'
		}
	}, strings.TrimSpace(s))
}

// Auth is the first frame an agent sends on a fresh socket.
type Auth struct {
	AgentName    string   `json:"agent_name"`
	AuthToken    string   `json:"auth_token"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// AuthSuccess is Core's acknowledgement of Auth.
type AuthSuccess struct {
	AgentID string `json:"agent_id"`
}

// CommandRequest asks the receiver to run an allow-listed operation.
type CommandRequest struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

// Timeout returns the requested timeout, or def when none was given.
func (r CommandRequest) Timeout(def time.Duration) time.Duration {
	if r.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Subcommand returns the first argument, which selects the operation.
func (r CommandRequest) Subcommand() string {
	if len(r.Args) == 0 {
		return ""
	}
	return r.Args[0]
}

// CommandResult is the single terminal outcome for a request id.
type CommandResult struct {
	Success       bool    `json:"success"`
	ReturnCode    int     `json:"return_code"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExecutionTime float64 `json:"execution_time"`
	CommandType   string  `json:"command_type,omitempty"`
	Error         string  `json:"error_message,omitempty"`
}

// Command lifecycle states reported through CommandStatus.
const (
	StatusPending   = "pending"
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// CommandStatus reports progress for a running request.
type CommandStatus struct {
	Status          string `json:"status"`
	CurrentStep     string `json:"current_step,omitempty"`
	ProgressPercent int    `json:"progress_percent,omitempty"`
}

// CommandCancel asks the receiver to stop a running request.
type CommandCancel struct {
	Reason string `json:"reason,omitempty"`
}

// Heartbeat is the periodic liveness report from an agent.
type Heartbeat struct {
	AgentName      string  `json:"agent_name"`
	Status         string  `json:"status"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	ActiveTasks    int     `json:"active_tasks"`
	ActiveCommands int     `json:"active_commands"`
}

// HeartbeatAck acknowledges a heartbeat.
type HeartbeatAck struct {
	ReceivedAt time.Time `json:"received_at"`
}

// MetricsRecord is the normalized telemetry sample an agent reports.
type MetricsRecord struct {
	AgentID        string     `json:"agent_id"`
	CPUUsage       float64    `json:"cpu_usage"`
	MemoryUsage    float64    `json:"memory_usage"`
	DiskUsage      float64    `json:"disk_usage"`
	ActiveTasks    int        `json:"active_tasks"`
	CompletedTasks int        `json:"completed_tasks"`
	ErrorCount     int        `json:"error_count"`
	UptimeSeconds  float64    `json:"uptime_seconds"`
	NetworkIn      float64    `json:"network_in"`
	NetworkOut     float64    `json:"network_out"`
	LoadAverage    [3]float64 `json:"load_average"`
	Timestamp      time.Time  `json:"timestamp"`
}

// Metrics carries a MetricsRecord over the socket.
type Metrics struct {
	AgentName string        `json:"agent_name"`
	Record    MetricsRecord `json:"metrics"`
}

// Ping and Pong carry no data.
type Ping struct{}

type Pong struct{}

// Error reports a rejected or failed frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Disconnect announces an orderly close.
type Disconnect struct {
	AgentName string `json:"agent_name,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Encode builds a wire frame for payload.
func Encode(t Type, requestID string, payload any) ([]byte, error) {
	env := Envelope{
		Type:      t,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses a frame and its payload. It does not apply validation rules
// beyond structural ones; use Validator.Check for inbound traffic.
func Decode(raw []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}
	if !env.Type.Known() {
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	body := newBody(env.Type)
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, body); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", env.Type, err)
		}
	}

	return &Message{
		Type:      env.Type,
		Timestamp: env.Timestamp,
		RequestID: env.RequestID,
		Body:      deref(body),
	}, nil
}

func newBody(t Type) any {
	switch t {
	case TypeAuth:
		return &Auth{}
	case TypeAuthSuccess:
		return &AuthSuccess{}
	case TypeCommandRequest:
		return &CommandRequest{}
	case TypeCommandResult:
		return &CommandResult{}
	case TypeCommandStatus:
		return &CommandStatus{}
	case TypeCommandCancel:
		return &CommandCancel{}
	case TypeHeartbeat:
		return &Heartbeat{}
	case TypeHeartbeatAck:
		return &HeartbeatAck{}
	case TypeMetrics:
		return &Metrics{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeError:
		return &Error{}
	case TypeDisconnect:
		return &Disconnect{}
	default:
		return &struct{}{}
	}
}

// deref turns the pointer produced by newBody into a value so callers can
// type-switch on plain structs.
func deref(body any) any {
	switch b := body.(type) {
	case *Auth:
		return *b
	case *AuthSuccess:
		return *b
	case *CommandRequest:
		return *b
	case *CommandResult:
		return *b
	case *CommandStatus:
		return *b
	case *CommandCancel:
		return *b
	case *Heartbeat:
		return *b
	case *HeartbeatAck:
		return *b
	case *Metrics:
		return *b
	case *Ping:
		return *b
	case *Pong:
		return *b
	case *Error:
		return *b
	case *Disconnect:
		return *b
	default:
		return body
	}
}
