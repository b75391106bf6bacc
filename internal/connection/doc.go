// Package connection is the agent's link to hostlink-core.
//
// Connect walks the connection state machine once:
//
//	Disconnected → Probing (GET /api/health) → Registering (POST /api/agents/register)
//	→ WebSocket handshake (auth / auth_success) → Running
//
// A failed probe or registration is returned as *ConnectionError so the agent
// can exit. A failed socket handshake leaves the Manager in HTTP-only mode:
// metrics still flow over the HTTP fallback and the reconnect loop keeps
// trying to restore the socket. When Core refuses the token (close code 4001
// or HTTP 401) the next attempt registers again first.
//
// Inbound command_request and command_cancel frames are queued for the
// agent's command loop and read with ReceiveCommand, which never blocks.
package connection
