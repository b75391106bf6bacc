// Package auth provides authentication for hostlink-core.
//
// # Agent Registration
//
// Agents trade the shared registration key for a token. The key is checked
// by APIKeyVerifier against either a bcrypt hash (auth.api_key_hash) or a
// plaintext value (auth.api_key) compared in constant time.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with auth.jwt_secret:
//
//	token, err := issuer.Issue(agentID, Claims{Role: RoleAgent}, ttl)
//	claims, err := issuer.Verify(token)
//
// The subject is the agent id for agents and a free-form name for operators.
// Role is "agent" or "operator". Agent tokens also carry the agent name and
// its advertised capabilities.
//
// # HTTP
//
// RequireToken is echo middleware for bearer-protected routes. WebSocket
// upgrades may pass the token as a "token" query parameter instead, see
// ExtractToken.
package auth
