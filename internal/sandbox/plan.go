// ABOUTME: Maps allow-listed protocol operations onto concrete sandbox commands.

package sandbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/2389/hostlink/internal/protocol"
)

// Plan turns a validated command request into a sandbox Command. Operations
// without a mapping yield an UnsupportedCommandError.
func Plan(id string, req protocol.CommandRequest, defaultTimeout time.Duration) (Command, error) {
	op, ok := req.Operation()
	if !ok {
		return Command{}, &UnsupportedCommandError{Command: strings.TrimSpace(req.Command + " " + req.Subcommand())}
	}

	cmd := Command{
		ID:      id,
		Timeout: req.Timeout(defaultTimeout),
	}
	var operand []string
	if len(req.Args) > 1 {
		operand = req.Args[1:]
	}

	switch op {
	case protocol.OpHealthDisk:
		cmd.Kind, cmd.Argv = KindShell, []string{"df", "-h"}
	case protocol.OpHealthCPUMemory:
		cmd.Kind, cmd.Argv = KindShell, []string{"free", "-m"}
	case protocol.OpHealthNetwork:
		cmd.Kind, cmd.Argv = KindShell, []string{"ss", "-tuln"}
	case protocol.OpHealthProcesses:
		cmd.Kind, cmd.Argv = KindShell, []string{"ps", "aux"}
	case protocol.OpHealthMonitor:
		cmd.Kind, cmd.Argv = KindShell, []string{"uptime"}
	case protocol.OpHealthSystem, protocol.OpSystemInfo:
		cmd.Kind = KindSystemInfo
	case protocol.OpSystemEnvironment:
		cmd.Kind, cmd.Environment = KindSystemInfo, true
	case protocol.OpLogsReadLocal:
		if len(operand) == 0 {
			return Command{}, fmt.Errorf("%s requires a file path", op)
		}
		cmd.Kind, cmd.Path = KindFileRead, operand[0]
	case protocol.OpFilesList:
		if len(operand) == 0 {
			return Command{}, fmt.Errorf("%s requires a directory path", op)
		}
		cmd.Kind, cmd.Path = KindFileList, operand[0]
	case protocol.OpServiceStatus:
		if len(operand) == 0 {
			return Command{}, fmt.Errorf("%s requires a service name", op)
		}
		cmd.Kind, cmd.Service = KindServiceStatus, operand[0]
	case protocol.OpShellRun:
		argv := operand
		if len(argv) == 1 {
			argv = strings.Fields(argv[0])
		}
		if len(argv) == 0 {
			return Command{}, fmt.Errorf("%s requires a command line", op)
		}
		cmd.Kind, cmd.Argv = KindShell, argv
	default:
		return Command{}, &UnsupportedCommandError{Command: op.String()}
	}

	return cmd, nil
}
