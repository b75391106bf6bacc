// Package agent tracks the agents connected to hostlink-core.
//
// # Manager
//
// The Manager is the registry of live sessions, keyed by agent ID
// (<hostname>_<name>):
//
//	mgr := agent.NewManager(logger)
//
// Key operations:
//
//   - Register(s): add a session, closing any stale session for the same ID
//   - Unregister(s): remove s only if it is still the current session
//   - Dispatch(ctx, agentID, requestID, req): run a command on an agent
//   - Cancel(agentID, requestID, reason): ask an agent to stop a command
//   - List(), Get(id), Count(), CloseAll(reason)
//
// The registry only knows the Session interface; the WebSocket implementation
// lives in package session.
//
// # Pending
//
// Pending correlates outgoing command requests with the command_result that
// eventually answers them. Each request ID gets a channel that receives exactly
// one result; Fail closes every outstanding channel when the socket drops.
package agent
