// Package oauth implements the client side of OAuth 2.1 for MCP servers:
// authorization server discovery, dynamic client registration, the PKCE
// authorization-code flow, token refresh, and RFC 8693 token delegation.
//
// The central type is FlowController, a state machine that walks a server
// from discovery to an authenticated session and persists enough state to
// survive restarts. TokenStore holds the current token pair, SnapshotStore
// persists flow state per server, and CallbackServer receives the browser
// redirect during interactive login.
package oauth
