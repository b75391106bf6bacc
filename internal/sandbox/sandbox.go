// ABOUTME: Command kinds, sandbox policy and the uniform execution result.
// ABOUTME: Also defines the executor's typed errors.

package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/hostlink/internal/protocol"
)

// Kind selects how a Command is executed.
type Kind string

const (
	KindShell         Kind = "shell"
	KindFileRead      Kind = "file_read"
	KindFileList      Kind = "file_list"
	KindServiceStatus Kind = "service_status"
	KindSystemInfo    Kind = "system_info"
)

// Command is a fully planned unit of work for the executor.
type Command struct {
	ID          string
	Kind        Kind
	Argv        []string
	Path        string
	Service     string
	MaxSize     int64
	Environment bool
	Timeout     time.Duration
}

// Result is the uniform outcome of every command kind.
type Result struct {
	Success       bool    `json:"success"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ReturnCode    int     `json:"return_code"`
	ExecutionTime float64 `json:"execution_time"`
	CommandType   string  `json:"command_type"`
	Error         string  `json:"error_message,omitempty"`
}

// ToProtocol converts the result into its wire form.
func (r Result) ToProtocol() protocol.CommandResult {
	return protocol.CommandResult{
		Success:       r.Success,
		ReturnCode:    r.ReturnCode,
		Stdout:        r.Stdout,
		Stderr:        r.Stderr,
		ExecutionTime: r.ExecutionTime,
		CommandType:   r.CommandType,
		Error:         r.Error,
	}
}

// DefaultAllowedCommands are the shell command prefixes permitted by default.
var DefaultAllowedCommands = []string{
	"systemctl status",
	"ps",
	"df",
	"free",
	"uptime",
	"whoami",
	"uname",
	"lscpu",
	"lsblk",
	"mount",
	"netstat",
	"ss",
	"tail",
	"head",
	"cat",
	"less",
	"grep",
	"journalctl",
}

// DefaultDeniedPaths are never readable or listable. Entries without a slash
// match file names; "~" expands to the agent user's home.
var DefaultDeniedPaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/sudoers",
	"/root/.ssh",
	"~/.ssh",
	"/home/*/.ssh",
	"*.key",
	"*.pem",
}

const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxFileSize   = 1 << 20
	DefaultMaxOutputSize = 1 << 20
	serviceStatusTimeout = 10 * time.Second
)

// Policy bounds what the executor may do.
type Policy struct {
	Enabled         bool
	AllowedCommands []string
	DeniedPaths     []string
	SearchPath      []string
	MaxFileSize     int64
	MaxOutputSize   int
	DefaultTimeout  time.Duration
	WorkDir         string
	User            string
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:         true,
		AllowedCommands: DefaultAllowedCommands,
		DeniedPaths:     DefaultDeniedPaths,
		SearchPath:      []string{"/usr/local/bin", "/usr/bin", "/bin"},
		MaxFileSize:     DefaultMaxFileSize,
		MaxOutputSize:   DefaultMaxOutputSize,
		DefaultTimeout:  DefaultTimeout,
		WorkDir:         "/tmp",
		User:            "hostlink-agent",
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.AllowedCommands == nil {
		p.AllowedCommands = def.AllowedCommands
	}
	if p.DeniedPaths == nil {
		p.DeniedPaths = def.DeniedPaths
	}
	if len(p.SearchPath) == 0 {
		p.SearchPath = def.SearchPath
	}
	if p.MaxFileSize <= 0 {
		p.MaxFileSize = def.MaxFileSize
	}
	if p.MaxOutputSize <= 0 {
		p.MaxOutputSize = def.MaxOutputSize
	}
	if p.DefaultTimeout <= 0 {
		p.DefaultTimeout = def.DefaultTimeout
	}
	if p.WorkDir == "" {
		p.WorkDir = def.WorkDir
	}
	if p.User == "" {
		p.User = def.User
	}
	return p
}

var (
	// ErrTimeout is the cancellation cause when a command outlives its deadline.
	ErrTimeout = errors.New("command timed out")
	// ErrCancelled is the cancellation cause for an explicit Cancel.
	ErrCancelled = errors.New("command cancelled")
	// ErrDisabled is returned for every command when execution is turned off.
	ErrDisabled = errors.New("command execution is disabled")
	// ErrAlreadyRunning rejects a second command with a live id.
	ErrAlreadyRunning = errors.New("command with this id is already running")
)

// UnsupportedCommandError reports a command with no executor mapping.
type UnsupportedCommandError struct {
	Command string
}

func (e *UnsupportedCommandError) Error() string {
	return fmt.Sprintf("unsupported command: %s", e.Command)
}

// CommandExecutionError reports a command that was refused or failed to start.
type CommandExecutionError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *CommandExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *CommandExecutionError) Unwrap() error { return e.Err }

func refused(kind Kind, reason string, err error) *CommandExecutionError {
	return &CommandExecutionError{Kind: kind, Reason: reason, Err: err}
}

// failure builds the result for a command that never produced output.
func failure(err error) Result {
	return Result{
		Success:    false,
		ReturnCode: -1,
		Error:      err.Error(),
	}
}

// Status maps a finished result onto its terminal command status.
func Status(r protocol.CommandResult) string {
	switch {
	case r.Success:
		return protocol.StatusCompleted
	case r.Error == ErrTimeout.Error():
		return protocol.StatusTimeout
	case r.Error == ErrCancelled.Error():
		return protocol.StatusCancelled
	default:
		return protocol.StatusFailed
	}
}

// Cancelled is the result reported for a command stopped before it ran.
func Cancelled() protocol.CommandResult {
	return failure(ErrCancelled).ToProtocol()
}

// Failed is the result reported for a command whose handler itself failed.
func Failed(err error) protocol.CommandResult {
	return failure(err).ToProtocol()
}
