// Package agent implements an LLM-assisted client for MCP servers.
//
// It combines an authenticated MCP session with a tool inference engine: a
// user's natural-language query is turned into an ordered tool plan by an
// LLM, the plan is executed against the server, and the results are
// synthesized back into an answer. Progress is reported as a stream of
// typed events.
//
// # Authentication
//
// Sessions authenticate with OAuth 2.1 via the oauth subpackage's flow
// controller: metadata discovery (RFC 8414), dynamic client registration
// (RFC 7591), PKCE, and token exchange for user delegation (RFC 8693).
// Every request carries the flow's current bearer token; an auth failure
// gets exactly one refresh-and-retry before the session is declared
// expired.
//
// # Key Components
//
//   - SessionClient: authenticated MCP session with streaming tool calls
//   - REPL: interactive loop mixing natural-language queries and commands
//   - Login: interactive browser-based authorization flow
//   - Logger: formatted logging with color support and request tracing
package agent
