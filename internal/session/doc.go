// Package session serves agent WebSockets on hostlink-core.
//
// A socket at /ws/{agent_id} must present an agent token whose subject equals
// the path id, then send an auth frame carrying the same token. Core answers
// with auth_success and publishes the session in the agent registry.
//
// Frames in both directions share the protocol envelope. Every inbound frame
// is validated before dispatch; rejects are answered with an error frame and
// the socket stays open.
//
// Commands flow both ways. An agent may send command_request to run an
// operation in Core's sandbox; Core replies with command_status executing and
// exactly one command_result. Core may push command_request to the agent via
// Dispatch and waits for the agent's result. Each request id gets a single
// terminal outcome; repeats of a live or recently finished id only get its
// current status.
package session
