// ABOUTME: Static allow-list of remote operations keyed by command and subcommand.
// ABOUTME: Each entry resolves to an Operation value that executors switch on.

package protocol

import "sort"

// Operation identifies one allow-listed {command, subcommand} pair.
type Operation int

const (
	OpUnknown Operation = iota
	OpHealthDisk
	OpHealthCPUMemory
	OpHealthNetwork
	OpHealthProcesses
	OpHealthMonitor
	OpHealthSystem
	OpSystemInfo
	OpSystemEnvironment
	OpLogsReadLocal
	OpFilesList
	OpServiceStatus
	OpShellRun
)

var operations = map[string]map[string]Operation{
	"health": {
		"disk":          OpHealthDisk,
		"cpu-memory":    OpHealthCPUMemory,
		"network":       OpHealthNetwork,
		"processes":     OpHealthProcesses,
		"monitor":       OpHealthMonitor,
		"system-health": OpHealthSystem,
	},
	"system": {
		"info":        OpSystemInfo,
		"environment": OpSystemEnvironment,
	},
	"logs": {
		"read-local": OpLogsReadLocal,
	},
	"fs": {
		"list": OpFilesList,
	},
	"service": {
		"status": OpServiceStatus,
	},
	"shell": {
		"run": OpShellRun,
	},
}

// ResolveOperation looks up the operation for a command and subcommand.
func ResolveOperation(command, subcommand string) (Operation, bool) {
	subs, ok := operations[command]
	if !ok {
		return OpUnknown, false
	}
	op, ok := subs[subcommand]
	return op, ok
}

// Operation returns the allow-listed operation for the request.
func (r CommandRequest) Operation() (Operation, bool) {
	return ResolveOperation(r.Command, r.Subcommand())
}

// AllowedCommands lists every "command subcommand" pair, sorted.
func AllowedCommands() []string {
	var out []string
	for cmd, subs := range operations {
		for sub := range subs {
			out = append(out, cmd+" "+sub)
		}
	}
	sort.Strings(out)
	return out
}

func (o Operation) String() string {
	switch o {
	case OpHealthDisk:
		return "health.disk"
	case OpHealthCPUMemory:
		return "health.cpu-memory"
	case OpHealthNetwork:
		return "health.network"
	case OpHealthProcesses:
		return "health.processes"
	case OpHealthMonitor:
		return "health.monitor"
	case OpHealthSystem:
		return "health.system-health"
	case OpSystemInfo:
		return "system.info"
	case OpSystemEnvironment:
		return "system.environment"
	case OpLogsReadLocal:
		return "logs.read-local"
	case OpFilesList:
		return "fs.list"
	case OpServiceStatus:
		return "service.status"
	case OpShellRun:
		return "shell.run"
	default:
		return "unknown"
	}
}
