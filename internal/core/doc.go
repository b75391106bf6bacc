// Package core is the hostlink-core server.
//
// One echo instance serves both the HTTP API and agent sockets:
//
//	GET  /api/health
//	POST /api/agents/register                         api key -> agent token
//	POST /api/metrics/agents/:agent_id                agent token, own id only
//	POST /api/cli/execute                             agent or operator token
//	GET  /api/agents                                  operator
//	GET  /api/agents/:agent_id/metrics                operator
//	POST /api/agents/:agent_id/commands               operator, ?wait=false for async
//	POST /api/agents/:agent_id/commands/:id/cancel    operator
//	GET  /api/commands/:request_id                    operator
//	GET  /ws/:agent_id                                agent socket
//
// Responses use the protocol.APIResponse envelope, errors included.
package core
