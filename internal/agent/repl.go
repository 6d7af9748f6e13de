package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/giantswarm/mcp-assistant/internal/agent/engine"
	"github.com/giantswarm/mcp-assistant/internal/agent/oauth"
)

// errExit is a sentinel error used to signal REPL exit
var errExit = errors.New("exit")

// REPL is the interactive assistant loop. Bare input lines are treated as
// natural-language queries for the inference engine; lines starting with a
// known command word address the session or the authorization flow directly.
type REPL struct {
	session         *SessionClient
	engine          *engine.Engine
	flow            *oauth.FlowController
	logger          *Logger
	loginOpts       LoginOptions
	rl              *readline.Instance
	commandHandlers map[string]commandHandler
}

// NewREPL creates a new REPL instance
func NewREPL(session *SessionClient, eng *engine.Engine, flow *oauth.FlowController, logger *Logger, loginOpts LoginOptions) *REPL {
	r := &REPL{
		session:   session,
		engine:    eng,
		flow:      flow,
		logger:    logger,
		loginOpts: loginOpts,
	}
	r.commandHandlers = r.buildCommandHandlers()
	return r
}

// Run starts the REPL
func (r *REPL) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".mcp_assistant_history")

	config := &readline.Config{
		Prompt:          "assistant> ",
		HistoryFile:     historyFile,
		AutoComplete:    r.createCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()
	r.rl = rl

	r.logger.Info("Assistant started. Ask anything, or type 'help' for commands. Use TAB for completion.")
	fmt.Println()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Shutting down...")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			r.logger.Info("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := r.executeCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				r.logger.Info("Goodbye!")
				return nil
			}
			r.logger.Error("Error: %v", err)
			if shouldReconnect(err) {
				r.logger.Info("Connection lost, reconnecting...")
				if rerr := r.session.Connect(ctx); rerr != nil {
					r.logger.Error("Reconnect failed: %v", rerr)
				}
			}
		}

		fmt.Println()
	}
}

// createCompleter creates the tab completion configuration
func (r *REPL) createCompleter() *readline.PrefixCompleter {
	toolItems := make([]readline.PrefixCompleterInterface, 0)
	for _, tool := range r.session.CachedTools() {
		toolItems = append(toolItems, readline.PcItem(tool.Name))
	}

	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("ask"),
		readline.PcItem("suggest"),
		readline.PcItem("tools"),
		readline.PcItem("resources"),
		readline.PcItem("prompts"),
		readline.PcItem("describe", toolItems...),
		readline.PcItem("call", toolItems...),
		readline.PcItem("stream", toolItems...),
		readline.PcItem("get"),
		readline.PcItem("prompt"),
		readline.PcItem("status"),
		readline.PcItem("login"),
		readline.PcItem("delegate",
			readline.PcItem("clear"),
		),
		readline.PcItem("clear"),
		readline.PcItem("reset"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
	)
}

// filterInput filters input characters for readline
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// commandHandler defines a REPL command with its handler and argument requirements
type commandHandler struct {
	minArgs int
	usage   string
	handler func(ctx context.Context, parts []string) error
}

// buildCommandHandlers creates the map of command handlers
func (r *REPL) buildCommandHandlers() map[string]commandHandler {
	return map[string]commandHandler{
		"help": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"?": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"exit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"quit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"ask": {
			minArgs: 2,
			usage:   "usage: ask <question>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleAsk(ctx, strings.Join(parts[1:], " "))
			},
		},
		"suggest": {
			minArgs: 2,
			usage:   "usage: suggest <question>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleSuggest(ctx, strings.Join(parts[1:], " "))
			},
		},
		"tools": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleListTools(ctx)
		}},
		"resources": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleListResources(ctx)
		}},
		"prompts": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleListPrompts(ctx)
		}},
		"describe": {
			minArgs: 2,
			usage:   "usage: describe <tool-name>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleDescribeTool(ctx, parts[1])
			},
		},
		"call": {
			minArgs: 2,
			usage:   "usage: call <tool-name> [json-args]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleCallTool(ctx, parts[1], strings.Join(parts[2:], " "))
			},
		},
		"stream": {
			minArgs: 2,
			usage:   "usage: stream <tool-name> [json-args]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleStreamTool(ctx, parts[1], strings.Join(parts[2:], " "))
			},
		},
		"get": {
			minArgs: 2,
			usage:   "usage: get <resource-uri>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleGetResource(ctx, parts[1])
			},
		},
		"prompt": {
			minArgs: 2,
			usage:   "usage: prompt <prompt-name> [json-args]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleGetPrompt(ctx, parts[1], strings.Join(parts[2:], " "))
			},
		},
		"status": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleStatus()
		}},
		"login": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleLogin(ctx)
		}},
		"delegate": {
			minArgs: 2,
			usage:   "usage: delegate <user|clear>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleDelegate(ctx, parts[1])
			},
		},
		"clear": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			r.engine.ClearContext()
			fmt.Println("Conversation context cleared.")
			return nil
		}},
		"reset": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleReset()
		}},
	}
}

// executeCommand parses and executes one input line. Anything that does not
// start with a known command word is forwarded to the inference engine as a
// natural-language query.
func (r *REPL) executeCommand(ctx context.Context, input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	command := strings.ToLower(parts[0])

	handler, exists := r.commandHandlers[command]
	if !exists {
		return r.handleAsk(ctx, input)
	}

	if len(parts) < handler.minArgs {
		return errors.New(handler.usage)
	}

	return handler.handler(ctx, parts)
}

// showHelp displays available commands
func (r *REPL) showHelp() error {
	fmt.Println("Type a question to have the assistant plan and run tools for you.")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  ask <question>            - Run a query through the inference engine")
	fmt.Println("  suggest <question>        - Suggest matching tools without running them")
	fmt.Println("  tools                     - List the server's tools")
	fmt.Println("  resources                 - List the server's resources")
	fmt.Println("  prompts                   - List the server's prompts")
	fmt.Println("  describe <tool>           - Show a tool's description and input schema")
	fmt.Println("  call <tool> {json}        - Execute a tool directly with JSON arguments")
	fmt.Println("  stream <tool> {json}      - Execute a tool with streamed progress events")
	fmt.Println("  get <resource-uri>        - Retrieve a resource")
	fmt.Println("  prompt <name> {json}      - Render a prompt with JSON arguments")
	fmt.Println("  status                    - Show the authorization flow status")
	fmt.Println("  login                     - Run the interactive authorization flow")
	fmt.Println("  delegate <user|clear>     - Act as a delegated user (token exchange)")
	fmt.Println("  clear                     - Clear the conversation context")
	fmt.Println("  reset                     - Discard tokens and flow state")
	fmt.Println("  help, ?                   - Show this help message")
	fmt.Println("  exit, quit                - Exit")
	fmt.Println()
	fmt.Println("Keyboard shortcuts:")
	fmt.Println("  TAB                       - Auto-complete commands and tool names")
	fmt.Println("  ↑/↓ (arrow keys)          - Navigate command history")
	fmt.Println("  Ctrl+R                    - Search command history")
	fmt.Println("  Ctrl+C                    - Cancel current line")
	fmt.Println("  Ctrl+D                    - Exit")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  which pods are crash-looping in the monitoring namespace?")
	fmt.Println("  call list_clusters {\"provider\": \"aws\"}")
	fmt.Println("  delegate alice@example.com")
	return nil
}
