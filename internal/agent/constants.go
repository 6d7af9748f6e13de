package agent

// mcpProtocolVersion is the MCP protocol revision this client negotiates.
const mcpProtocolVersion = "2024-11-05"

// defaultClientName identifies this client during the MCP handshake and in
// dynamic client registration.
const defaultClientName = "mcp-assistant"
