package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// TokenAuthorizer supplies bearer tokens for outgoing requests and performs
// the one permitted refresh when a request is rejected. A FlowController
// satisfies this.
type TokenAuthorizer interface {
	AccessToken(ctx context.Context, delegatedUser string) (string, error)
	Refresh(ctx context.Context) error
}

// SessionConfig configures a SessionClient.
type SessionConfig struct {
	// Endpoint is the MCP server's streamable HTTP endpoint.
	Endpoint string

	// Flow supplies and refreshes the session's tokens.
	Flow TokenAuthorizer

	Logger *Logger

	// ClientName and Version identify this client during the MCP handshake.
	ClientName string
	Version    string

	// HTTPTransport overrides the base transport under the auth layer.
	HTTPTransport http.RoundTripper
}

// SessionClient is an authenticated MCP session. Every request carries the
// flow controller's current bearer token; an auth failure triggers exactly
// one refresh-and-retry before the session is declared expired.
type SessionClient struct {
	endpoint   string
	flow       TokenAuthorizer
	logger     *Logger
	clientName string
	version    string

	httpClient *http.Client
	client     *client.Client

	mu            sync.RWMutex
	delegatedUser string
	capabilities  *mcp.ServerCapabilities
	serverInfo    mcp.Implementation
	toolCache     []mcp.Tool
}

// NewSessionClient creates a session client. Connect must be called before
// any MCP operation.
func NewSessionClient(cfg SessionConfig) (*SessionClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("session requires an endpoint")
	}
	if cfg.Flow == nil {
		return nil, fmt.Errorf("session requires a flow controller")
	}
	if cfg.Logger == nil {
		cfg.Logger = NewDevNullLogger()
	}
	if cfg.ClientName == "" {
		cfg.ClientName = defaultClientName
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &SessionClient{
		endpoint:   cfg.Endpoint,
		flow:       cfg.Flow,
		logger:     cfg.Logger,
		clientName: cfg.ClientName,
		version:    cfg.Version,
	}
	s.httpClient = &http.Client{
		Transport: newAuthRoundTripper(cfg.Flow, s.DelegatedUser, cfg.HTTPTransport),
		Timeout:   5 * time.Minute,
	}
	return s, nil
}

// SetDelegatedUser switches subsequent requests to a delegated token for
// user. An empty user returns to the primary identity.
func (s *SessionClient) SetDelegatedUser(user string) {
	s.mu.Lock()
	s.delegatedUser = user
	s.mu.Unlock()
	if user != "" {
		s.logger.Info("Acting as delegated user %q", user)
	} else {
		s.logger.Info("Delegation cleared, acting as primary identity")
	}
}

// DelegatedUser returns the currently active delegated user, if any.
func (s *SessionClient) DelegatedUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegatedUser
}

// Connect establishes the transport and performs the MCP handshake.
func (s *SessionClient) Connect(ctx context.Context) error {
	s.logger.Info("Connecting to MCP server at %s...", s.endpoint)

	mcpClient, err := client.NewStreamableHttpClient(s.endpoint,
		transport.WithHTTPBasicClient(s.httpClient))
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}
	s.client = mcpClient

	if err := s.withAuthRetry(ctx, "start transport", func() error {
		return mcpClient.Start(ctx)
	}); err != nil {
		return err
	}

	return s.withAuthRetry(ctx, "initialize", func() error {
		return s.initialize(ctx)
	})
}

// Close shuts the transport down.
func (s *SessionClient) Close() {
	if s.client != nil {
		_ = s.client.Close()
	}
}

// initialize performs the MCP protocol handshake.
func (s *SessionClient) initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: mcpProtocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    s.clientName,
				Version: s.version,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}

	s.logger.Request("initialize", req.Params)
	result, err := s.client.Initialize(ctx, req)
	if err != nil {
		return err
	}
	s.logger.Response("initialize", result)

	s.mu.Lock()
	s.capabilities = &result.Capabilities
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()

	s.logger.Success("Session initialized with %s %s", result.ServerInfo.Name, result.ServerInfo.Version)
	return nil
}

// ServerInfo returns the connected server's identity.
func (s *SessionClient) ServerInfo() mcp.Implementation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

// ListTools fetches the server's tool catalog.
func (s *SessionClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var result *mcp.ListToolsResult
	err := s.withAuthRetry(ctx, "list tools", func() error {
		req := mcp.ListToolsRequest{}
		s.logger.Request("tools/list", req.Params)
		var callErr error
		result, callErr = s.client.ListTools(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	s.logger.Response("tools/list", result)

	s.mu.Lock()
	s.toolCache = result.Tools
	s.mu.Unlock()
	return result.Tools, nil
}

// CachedTools returns the tool catalog from the most recent ListTools call
// without a round trip.
func (s *SessionClient) CachedTools() []mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.toolCache
}

// CallTool executes one tool call.
func (s *SessionClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	var result *mcp.CallToolResult
	err := s.withAuthRetry(ctx, fmt.Sprintf("call tool %s", name), func() error {
		req := mcp.CallToolRequest{
			Params: mcp.CallToolParams{
				Name:      name,
				Arguments: args,
			},
		}
		s.logger.Request("tools/call", req.Params)
		var callErr error
		result, callErr = s.client.CallTool(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	s.logger.Response("tools/call", result)
	return result, nil
}

// ListResources fetches the server's resource catalog.
func (s *SessionClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	var result *mcp.ListResourcesResult
	err := s.withAuthRetry(ctx, "list resources", func() error {
		req := mcp.ListResourcesRequest{}
		s.logger.Request("resources/list", req.Params)
		var callErr error
		result, callErr = s.client.ListResources(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	s.logger.Response("resources/list", result)
	return result.Resources, nil
}

// ReadResource reads one resource by URI.
func (s *SessionClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var result *mcp.ReadResourceResult
	err := s.withAuthRetry(ctx, fmt.Sprintf("read resource %s", uri), func() error {
		req := mcp.ReadResourceRequest{
			Params: mcp.ReadResourceParams{URI: uri},
		}
		s.logger.Request("resources/read", req.Params)
		var callErr error
		result, callErr = s.client.ReadResource(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	s.logger.Response("resources/read", result)
	return result, nil
}

// ListPrompts fetches the server's prompt catalog.
func (s *SessionClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	var result *mcp.ListPromptsResult
	err := s.withAuthRetry(ctx, "list prompts", func() error {
		req := mcp.ListPromptsRequest{}
		s.logger.Request("prompts/list", req.Params)
		var callErr error
		result, callErr = s.client.ListPrompts(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	s.logger.Response("prompts/list", result)
	return result.Prompts, nil
}

// GetPrompt renders one prompt with arguments.
func (s *SessionClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	var result *mcp.GetPromptResult
	err := s.withAuthRetry(ctx, fmt.Sprintf("get prompt %s", name), func() error {
		req := mcp.GetPromptRequest{
			Params: mcp.GetPromptParams{
				Name:      name,
				Arguments: args,
			},
		}
		s.logger.Request("prompts/get", req.Params)
		var callErr error
		result, callErr = s.client.GetPrompt(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	s.logger.Response("prompts/get", result)
	return result, nil
}

// withAuthRetry runs fn, and on an auth failure refreshes the token and
// retries exactly once. A failure of the refresh or of the retry means the
// session is expired; the caller must re-run the authorization flow.
func (s *SessionClient) withAuthRetry(ctx context.Context, operation string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !isAuthError(err) {
		return fmt.Errorf("%s failed: %w", operation, err)
	}

	s.logger.Info("Authentication failed during %s, refreshing token...", operation)
	if refreshErr := s.flow.Refresh(ctx); refreshErr != nil {
		return &SessionExpiredError{Operation: operation, Err: refreshErr}
	}

	if retryErr := fn(); retryErr != nil {
		return &SessionExpiredError{Operation: operation, Err: retryErr}
	}
	s.logger.Debug("Retry after token refresh succeeded for %s", operation)
	return nil
}
