package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-assistant/internal/agent"
	"github.com/giantswarm/mcp-assistant/internal/agent/engine"
	"github.com/giantswarm/mcp-assistant/internal/agent/llm"
	"github.com/giantswarm/mcp-assistant/internal/agent/oauth"
)

var (
	version string

	endpoint   string
	query      string
	verbose    bool
	noColor    bool
	clientName string

	// OAuth flags
	oauthClientID     string
	oauthClientSecret string
	oauthScope        string
	callbackPort      int
	noBrowser         bool
	snapshotDir       string
	delegateUser      string

	// LLM flags
	llmBaseURL string
	llmAPIKey  string
	llmModel   string

	contextMaxTurns int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcp-assistant",
	Short: "LLM-assisted client for MCP servers",
	Long: `mcp-assistant connects to an MCP (Model Context Protocol) server and
turns natural-language questions into tool calls.

A query is sent to an LLM together with the server's tool catalog; the
resulting plan is executed step by step, with later steps able to consume
earlier steps' outputs, and the tool results are synthesized into an
answer. Progress is reported as a stream of events.

Servers protected with OAuth 2.1 are handled end to end: authorization
server discovery, dynamic client registration, PKCE, browser-based
authorization with a local callback server, token refresh, and acting on
behalf of another user via RFC 8693 token exchange.

Without --query an interactive session starts. Type a question to have
the assistant plan and run tools, or use commands like 'tools', 'call',
'suggest', 'delegate' and 'status' to drive the session directly.

The LLM endpoint is OpenAI-compatible; point --llm-base-url at any
provider that speaks the chat-completions API. The API key falls back to
the OPENAI_API_KEY environment variable.`,
	RunE: runAssistant,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.Flags().StringVar(&endpoint, "endpoint", "http://localhost:8090/mcp", "MCP endpoint URL")
	rootCmd.Flags().StringVarP(&query, "query", "q", "", "Run a single query and exit instead of starting the interactive session")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose logging (show MCP request/response traffic)")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.Flags().StringVar(&clientName, "client-name", "mcp-assistant", "Client name used for the MCP handshake and client registration")

	rootCmd.Flags().StringVar(&oauthClientID, "oauth-client-id", "", "OAuth client ID (optional, uses Dynamic Client Registration if not provided)")
	rootCmd.Flags().StringVar(&oauthClientSecret, "oauth-client-secret", "", "OAuth client secret (optional)")
	rootCmd.Flags().StringVar(&oauthScope, "scope", "", "Space-separated OAuth scopes to request (optional)")
	rootCmd.Flags().IntVar(&callbackPort, "callback-port", oauth.DefaultCallbackPort, "Local port for the OAuth authorization callback")
	rootCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	rootCmd.Flags().StringVar(&snapshotDir, "snapshot-dir", "", "Directory for persisted session snapshots (default ~/.mcp-assistant/sessions)")
	rootCmd.Flags().StringVar(&delegateUser, "delegate", "", "Act on behalf of this user via token exchange")

	rootCmd.Flags().StringVar(&llmBaseURL, "llm-base-url", llm.DefaultBaseURL, "Base URL of the OpenAI-compatible completion endpoint")
	rootCmd.Flags().StringVar(&llmAPIKey, "llm-api-key", "", "API key for the completion endpoint (falls back to OPENAI_API_KEY)")
	rootCmd.Flags().StringVar(&llmModel, "llm-model", llm.DefaultModel, "Completion model to use for planning and synthesis")

	rootCmd.Flags().IntVar(&contextMaxTurns, "context-max-turns", 0, "Maximum conversation turns kept as context (0 for the default)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down gracefully...")
		cancel()
	}()
}

// ensureAuthenticated restores a persisted session or runs the interactive
// authorization flow.
func ensureAuthenticated(ctx context.Context, flow *oauth.FlowController, logger *agent.Logger, loginOpts agent.LoginOptions) error {
	restored, err := flow.RestoreOnStartup(ctx, endpoint)
	if err != nil {
		logger.Debug("Could not restore a persisted session: %v", err)
	}
	if restored {
		logger.Info("Restored persisted session for %s", endpoint)
		return nil
	}
	return agent.Login(ctx, flow, logger, loginOpts)
}

func runAssistant(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	setupSignalHandler(cancel)

	logger := agent.NewLogger(verbose, !noColor)

	if oauthClientSecret != "" && cmd.Flags().Changed("oauth-client-secret") {
		logger.Warning("Security Warning: Client secret passed via CLI flag is visible in process listings")
	}

	flow, err := oauth.NewFlowController(oauth.FlowConfig{
		ClientName:   clientName,
		Scope:        oauthScope,
		ClientID:     oauthClientID,
		ClientSecret: oauthClientSecret,
		SnapshotDir:  snapshotDir,
	})
	if err != nil {
		return err
	}

	loginOpts := agent.LoginOptions{
		ServerURL:    endpoint,
		ClientName:   clientName,
		CallbackPort: callbackPort,
		NoBrowser:    noBrowser,
	}
	if err := ensureAuthenticated(ctx, flow, logger, loginOpts); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	session, err := agent.NewSessionClient(agent.SessionConfig{
		Endpoint:   endpoint,
		Flow:       flow,
		Logger:     logger,
		ClientName: clientName,
		Version:    version,
	})
	if err != nil {
		return err
	}
	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	defer session.Close()

	if delegateUser != "" {
		if _, err := flow.Delegate(ctx, delegateUser); err != nil {
			return fmt.Errorf("delegation for %s failed: %w", delegateUser, err)
		}
		session.SetDelegatedUser(delegateUser)
	}

	completer := llm.New(llm.Config{
		BaseURL: llmBaseURL,
		APIKey:  llmAPIKey,
		Model:   llmModel,
	})
	eng, err := engine.New(engine.Config{
		Session:   session,
		Completer: completer,
		MaxTurns:  contextMaxTurns,
	})
	if err != nil {
		return err
	}

	if query != "" {
		return runOneShot(ctx, eng, logger)
	}

	repl := agent.NewREPL(session, eng, flow, logger, loginOpts)
	if err := repl.Run(ctx); err != nil {
		return fmt.Errorf("session error: %w", err)
	}
	return nil
}
