// ABOUTME: Validates inbound frames before they reach any handler.
// ABOUTME: Enforces size, known types, the operation allow-list, timeouts and argument deny-list.

package protocol

import (
	"fmt"
	"strings"
)

// Rejection codes carried in error frames.
const (
	CodeMessageSizeExceeded = "MESSAGE_SIZE_EXCEEDED"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeUnsupportedMessage  = "UNSUPPORTED_MESSAGE"
)

const (
	// DefaultMaxMessageSize caps a serialized frame at 1 MiB.
	DefaultMaxMessageSize = 1 << 20
	// DefaultMaxTimeoutSeconds caps a command's requested timeout.
	DefaultMaxTimeoutSeconds = 300
)

// DefaultDeniedSubstrings never appear in a command argument, compared case-insensitively.
var DefaultDeniedSubstrings = []string{"rm", "del", "format", "shutdown", "reboot", "../", "sudo", "su"}

// ValidationError is a typed rejection of an inbound frame.
type ValidationError struct {
	Code      string
	RequestID string
	Problems  []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, strings.Join(e.Problems, "; "))
}

// Payload renders the rejection as an error frame body.
func (e *ValidationError) Payload() Error {
	return Error{Code: e.Code, Message: strings.Join(e.Problems, "; ")}
}

// Validator checks frames against the protocol rules.
type Validator struct {
	MaxMessageSize    int
	MaxTimeoutSeconds int
	DeniedSubstrings  []string
}

// NewValidator returns a validator with the default limits.
func NewValidator() *Validator {
	return &Validator{
		MaxMessageSize:    DefaultMaxMessageSize,
		MaxTimeoutSeconds: DefaultMaxTimeoutSeconds,
		DeniedSubstrings:  DefaultDeniedSubstrings,
	}
}

// Check decodes and validates a raw frame. A non-nil ValidationError means
// the frame must not be dispatched.
func (v *Validator) Check(raw []byte) (*Message, *ValidationError) {
	if len(raw) > v.MaxMessageSize {
		return nil, &ValidationError{
			Code:     CodeMessageSizeExceeded,
			Problems: []string{fmt.Sprintf("message size %d exceeds limit %d", len(raw), v.MaxMessageSize)},
		}
	}

	msg, err := Decode(raw)
	if err != nil {
		return nil, &ValidationError{Code: CodeInvalidMessage, Problems: []string{err.Error()}}
	}

	if problems := v.Validate(msg); len(problems) > 0 {
		return msg, &ValidationError{Code: CodeValidationFailed, RequestID: msg.RequestID, Problems: problems}
	}
	return msg, nil
}

// Validate applies the per-type rules to a decoded message.
func (v *Validator) Validate(msg *Message) []string {
	var problems []string

	switch body := msg.Body.(type) {
	case Auth:
		if body.AgentName == "" {
			problems = append(problems, "agent_name is required")
		}
		if body.AuthToken == "" {
			problems = append(problems, "auth_token is required")
		}
	case CommandRequest:
		if msg.RequestID == "" {
			problems = append(problems, "request_id is required")
		}
		problems = append(problems, v.ValidateCommand(body)...)
	case CommandResult:
		if msg.RequestID == "" {
			problems = append(problems, "request_id is required")
		}
	case CommandStatus:
		if msg.RequestID == "" {
			problems = append(problems, "request_id is required")
		}
		if !validStatus(body.Status) {
			problems = append(problems, fmt.Sprintf("unknown status %q", body.Status))
		}
	case CommandCancel:
		if msg.RequestID == "" {
			problems = append(problems, "request_id is required")
		}
	}

	return problems
}

// ValidateCommand checks a command request against the allow-list, the
// timeout ceiling and the argument deny-list.
func (v *Validator) ValidateCommand(req CommandRequest) []string {
	var problems []string

	if req.Command == "" {
		problems = append(problems, "command is required")
	} else if _, ok := operations[req.Command]; !ok {
		problems = append(problems, fmt.Sprintf("command %q is not allowed", req.Command))
	} else if req.Subcommand() == "" {
		problems = append(problems, fmt.Sprintf("command %q requires a subcommand", req.Command))
	} else if _, ok := req.Operation(); !ok {
		problems = append(problems, fmt.Sprintf("subcommand %q is not allowed for %q", req.Subcommand(), req.Command))
	}

	if req.TimeoutSeconds < 0 {
		problems = append(problems, "timeout_seconds must not be negative")
	}
	if req.TimeoutSeconds > v.MaxTimeoutSeconds {
		problems = append(problems, fmt.Sprintf("timeout_seconds %d exceeds limit %d", req.TimeoutSeconds, v.MaxTimeoutSeconds))
	}

	for _, arg := range req.Args {
		if denied := v.deniedSubstring(arg); denied != "" {
			problems = append(problems, fmt.Sprintf("argument %q contains forbidden pattern %q", arg, denied))
		}
	}

	return problems
}

func (v *Validator) deniedSubstring(arg string) string {
	lower := strings.ToLower(arg)
	for _, pattern := range v.DeniedSubstrings {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return pattern
		}
	}
	return ""
}

func validStatus(s string) bool {
	switch s {
	case StatusPending, StatusExecuting, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}
