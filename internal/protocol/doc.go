// Package protocol defines the JSON frames exchanged between hostlink agents
// and Core over the WebSocket command channel.
//
// # Envelope
//
// Every frame is an Envelope:
//
//	{"type":"command_request","timestamp":"2026-01-02T15:04:05Z","request_id":"...","payload":{...}}
//
// The type field selects the payload struct. Decode returns a Message whose
// Body is the concrete payload value, so handlers type-switch on it.
//
// # Validation
//
// Validator.Check runs before any handler sees inbound traffic:
//
//  1. frames larger than 1 MiB are rejected with MESSAGE_SIZE_EXCEEDED
//  2. malformed JSON or an unknown type yields INVALID_MESSAGE
//  3. per-type rule violations yield VALIDATION_FAILED
//
// Command requests must name an allow-listed {command, subcommand} pair,
// request at most 300 seconds and carry no deny-listed argument substring.
// Handlers answer frames they do not accept in their direction with
// UNSUPPORTED_MESSAGE.
package protocol
