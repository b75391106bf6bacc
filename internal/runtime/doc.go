// Package runtime is the hostlink agent's composition root.
//
// A Runtime owns one task orchestrator and runs three loops on it:
//
//   - metrics: collect, normalize and send a record every interval
//   - heartbeat: report uptime and live task counts
//   - command: poll the transport's inbound queue and hand each new request
//     id to a detached task that reports executing, runs the command in the
//     sandbox and sends exactly one result
//
// Request ids are remembered for the retention window so a redelivered
// command is not run twice. Stop disconnects the transport first and then
// cancels everything with a bounded wait.
package runtime
