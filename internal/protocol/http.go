// ABOUTME: JSON bodies for the HTTP side of the agent/Core contract.
// ABOUTME: Registration, the metrics fallback and the CLI proxy share the status/data envelope.

package protocol

// APIResponse statuses.
const (
	ResponseSuccess = "success"
	ResponseError   = "error"
)

// APIResponse is the envelope every Core HTTP endpoint answers with.
type APIResponse[T any] struct {
	Status  string `json:"status"`
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
}

// RegisterRequest is posted to /api/agents/register.
type RegisterRequest struct {
	AgentName    string            `json:"agent_name"`
	Hostname     string            `json:"hostname"`
	Capabilities []string          `json:"capabilities"`
	APIKey       string            `json:"api_key"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse carries the token for the WebSocket and HTTP calls.
type RegisterResponse struct {
	Token     string `json:"token"`
	AgentID   string `json:"agent_id"`
	ExpiresIn int    `json:"expires_in,omitempty"` // seconds
}

// CLIRequest is posted to /api/cli/execute.
type CLIRequest struct {
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	AgentName      string   `json:"agent_name,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// CommandRequest converts the CLI body into the request the validator checks.
func (r CLIRequest) CommandRequest() CommandRequest {
	return CommandRequest{Command: r.Command, Args: r.Args, TimeoutSeconds: r.TimeoutSeconds}
}
