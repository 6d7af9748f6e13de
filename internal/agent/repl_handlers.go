package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-assistant/internal/agent/engine"
	"github.com/giantswarm/mcp-assistant/internal/agent/stream"
)

// handleAsk runs a natural-language query through the inference engine and
// renders its event stream.
func (r *REPL) handleAsk(ctx context.Context, query string) error {
	for ev := range r.engine.ProcessQuery(ctx, query) {
		r.renderEvent(ev)
	}
	return nil
}

// handleSuggest shows matching tools for a query without executing anything.
func (r *REPL) handleSuggest(ctx context.Context, query string) error {
	suggestions, err := r.engine.Suggest(ctx, query)
	if err != nil {
		return fmt.Errorf("suggestion failed: %w", err)
	}
	if len(suggestions) == 0 {
		fmt.Println("No tool suggestions for this query.")
		return nil
	}

	fmt.Printf("Suggested tools (%d):\n", len(suggestions))
	for i, s := range suggestions {
		fmt.Printf("  %d. %-30s [%s]\n", i+1, s.Tool, s.Confidence)
		if s.Description != "" {
			fmt.Printf("     %s\n", s.Description)
		}
		if s.Reasoning != "" {
			fmt.Printf("     Reasoning: %s\n", s.Reasoning)
		}
		if len(s.Arguments) > 0 {
			fmt.Printf("     Arguments: %s\n", prettyJSON(s.Arguments))
		}
		if s.Confidence == engine.ConfidenceHigh {
			fmt.Printf("     Run it: call %s %s\n", s.Tool, compactJSON(s.Arguments))
		}
	}
	return nil
}

// renderEvent prints one inference or streaming event.
func (r *REPL) renderEvent(ev stream.Event) {
	switch ev.Type {
	case stream.TypeStatus:
		r.logger.Info("%s", ev.Message)
	case stream.TypePlan:
		fmt.Printf("Plan (%d steps):\n", len(ev.Plan))
		for i, step := range ev.Plan {
			if step.Reasoning != "" {
				fmt.Printf("  %d. %s - %s\n", i+1, step.Tool, step.Reasoning)
			} else {
				fmt.Printf("  %d. %s\n", i+1, step.Tool)
			}
		}
	case stream.TypeToolStart:
		r.logger.Info("[%d/%d] Running %s...", ev.Step, ev.Total, ev.Tool)
	case stream.TypeToolResult:
		r.logger.Success("[%d/%d] %s completed", ev.Step, ev.Total, ev.Tool)
		if r.logger.Verbose() && ev.Output != nil {
			fmt.Println(prettyJSON(ev.Output))
		}
	case stream.TypeToolError:
		if ev.Skipped {
			r.logger.Warning("[%d/%d] %s skipped: %s", ev.Step, ev.Total, ev.Tool, ev.Error)
		} else {
			r.logger.Error("[%d/%d] %s failed: %s", ev.Step, ev.Total, ev.Tool, ev.Error)
		}
	case stream.TypeFinalResponse:
		fmt.Println()
		fmt.Println(ev.Response)
	case stream.TypeError:
		r.logger.Error("%s", ev.Error)
	case stream.TypeText:
		fmt.Println(ev.Content)
	}
}

// handleListTools displays the server's tool catalog.
func (r *REPL) handleListTools(ctx context.Context) error {
	tools, err := r.session.ListTools(ctx)
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		fmt.Println("No tools available.")
		return nil
	}

	fmt.Printf("Available tools (%d):\n", len(tools))
	for i, tool := range tools {
		fmt.Printf("  %d. %-30s - %s\n", i+1, tool.Name, tool.Description)
	}

	// Catalog changed, refresh tool-name completion.
	if r.rl != nil {
		r.rl.Config.AutoComplete = r.createCompleter()
	}
	return nil
}

// handleListResources displays the server's resource catalog.
func (r *REPL) handleListResources(ctx context.Context) error {
	resources, err := r.session.ListResources(ctx)
	if err != nil {
		return err
	}
	if len(resources) == 0 {
		fmt.Println("No resources available.")
		return nil
	}

	fmt.Printf("Available resources (%d):\n", len(resources))
	for i, resource := range resources {
		desc := resource.Description
		if desc == "" {
			desc = resource.Name
		}
		fmt.Printf("  %d. %-40s - %s\n", i+1, resource.URI, desc)
	}
	return nil
}

// handleListPrompts displays the server's prompt catalog.
func (r *REPL) handleListPrompts(ctx context.Context) error {
	prompts, err := r.session.ListPrompts(ctx)
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		fmt.Println("No prompts available.")
		return nil
	}

	fmt.Printf("Available prompts (%d):\n", len(prompts))
	for i, prompt := range prompts {
		fmt.Printf("  %d. %-30s - %s\n", i+1, prompt.Name, prompt.Description)
	}
	return nil
}

// handleDescribeTool shows a tool's description and input schema.
func (r *REPL) handleDescribeTool(ctx context.Context, name string) error {
	tool, err := r.findTool(ctx, name)
	if err != nil {
		return err
	}

	fmt.Printf("Tool: %s\n", tool.Name)
	fmt.Printf("Description: %s\n", tool.Description)
	fmt.Println("Input Schema:")
	fmt.Printf("%s\n", prettyJSON(tool.InputSchema))
	return nil
}

// findTool looks a tool up in the cached catalog, fetching the catalog first
// if it has not been listed yet.
func (r *REPL) findTool(ctx context.Context, name string) (*mcp.Tool, error) {
	tools := r.session.CachedTools()
	if len(tools) == 0 {
		var err error
		tools, err = r.session.ListTools(ctx)
		if err != nil {
			return nil, err
		}
	}
	for _, t := range tools {
		if t.Name == name {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("tool not found: %s", name)
}

// parseToolArgs parses JSON arguments for a tool call
func parseToolArgs(argsStr string, toolName string) (map[string]any, error) {
	if argsStr == "" {
		return nil, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
		fmt.Println("Error: Arguments must be valid JSON")
		fmt.Printf("Example: call %s {\"param1\": \"value1\", \"param2\": 123}\n", toolName)
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return args, nil
}

// handleCallTool executes a tool with the given arguments
func (r *REPL) handleCallTool(ctx context.Context, toolName string, argsStr string) error {
	if _, err := r.findTool(ctx, toolName); err != nil {
		return err
	}

	args, err := parseToolArgs(argsStr, toolName)
	if err != nil {
		return err
	}

	fmt.Printf("Executing tool: %s...\n", toolName)
	result, err := r.session.CallTool(ctx, toolName, args)
	if err != nil {
		return fmt.Errorf("tool execution failed: %w", err)
	}

	displayToolResult(result)
	return nil
}

// handleStreamTool executes a tool via the streaming endpoint and renders
// events as they arrive.
func (r *REPL) handleStreamTool(ctx context.Context, toolName string, argsStr string) error {
	if _, err := r.findTool(ctx, toolName); err != nil {
		return err
	}

	args, err := parseToolArgs(argsStr, toolName)
	if err != nil {
		return err
	}

	fmt.Printf("Streaming tool: %s...\n", toolName)
	events, err := r.session.CallToolStream(ctx, toolName, args)
	if err != nil {
		return fmt.Errorf("streaming execution failed: %w", err)
	}
	for ev := range events {
		r.renderEvent(ev)
	}
	return nil
}

// displayToolResult displays the result of a tool call
func displayToolResult(result *mcp.CallToolResult) {
	if result.IsError {
		fmt.Println("Tool returned an error:")
		for _, content := range result.Content {
			if textContent, ok := mcp.AsTextContent(content); ok {
				fmt.Printf("  %s\n", textContent.Text)
			}
		}
		return
	}

	fmt.Println("Result:")
	for _, content := range result.Content {
		displayToolResultContent(content)
	}
}

// displayToolResultContent displays a single content item from a tool result
func displayToolResultContent(content mcp.Content) {
	if textContent, ok := mcp.AsTextContent(content); ok {
		displayTextContent(textContent.Text)
	} else if imageContent, ok := mcp.AsImageContent(content); ok {
		fmt.Printf("[Image: MIME type %s, %d bytes]\n", imageContent.MIMEType, len(imageContent.Data))
	} else if audioContent, ok := mcp.AsAudioContent(content); ok {
		fmt.Printf("[Audio: MIME type %s, %d bytes]\n", audioContent.MIMEType, len(audioContent.Data))
	}
}

// displayTextContent displays text content, pretty-printing JSON if possible
func displayTextContent(text string) {
	var jsonData any
	if err := json.Unmarshal([]byte(text), &jsonData); err == nil {
		fmt.Println(prettyJSON(jsonData))
	} else {
		fmt.Println(text)
	}
}

// handleGetResource retrieves and displays a resource
func (r *REPL) handleGetResource(ctx context.Context, uri string) error {
	fmt.Printf("Retrieving resource: %s...\n", uri)
	result, err := r.session.ReadResource(ctx, uri)
	if err != nil {
		return fmt.Errorf("resource retrieval failed: %w", err)
	}

	fmt.Println("Contents:")
	for _, content := range result.Contents {
		if textContent, ok := mcp.AsTextResourceContents(content); ok {
			displayTextContent(textContent.Text)
		} else if blobContent, ok := mcp.AsBlobResourceContents(content); ok {
			fmt.Printf("[Binary data: %d bytes]\n", len(blobContent.Blob))
		}
	}
	return nil
}

// handleGetPrompt retrieves and displays a prompt with arguments
func (r *REPL) handleGetPrompt(ctx context.Context, promptName string, argsStr string) error {
	args := make(map[string]string)
	if argsStr != "" {
		var jsonArgs map[string]any
		if err := json.Unmarshal([]byte(argsStr), &jsonArgs); err != nil {
			fmt.Println("Error: Arguments must be valid JSON")
			fmt.Printf("Example: prompt %s {\"arg1\": \"value1\"}\n", promptName)
			return fmt.Errorf("invalid JSON arguments: %w", err)
		}
		for k, v := range jsonArgs {
			args[k] = fmt.Sprintf("%v", v)
		}
	}

	fmt.Printf("Getting prompt: %s...\n", promptName)
	result, err := r.session.GetPrompt(ctx, promptName, args)
	if err != nil {
		return fmt.Errorf("prompt retrieval failed: %w", err)
	}

	fmt.Println("Messages:")
	for i, msg := range result.Messages {
		fmt.Printf("\n[%d] Role: %s\n", i+1, msg.Role)
		if textContent, ok := mcp.AsTextContent(msg.Content); ok {
			fmt.Printf("Content: %s\n", textContent.Text)
		} else {
			fmt.Printf("Content: %+v\n", msg.Content)
		}
	}
	return nil
}

// handleStatus shows the authorization flow status.
func (r *REPL) handleStatus() error {
	status := r.flow.Status()

	fmt.Printf("Step:          %s\n", status.Step)
	fmt.Printf("Authenticated: %v\n", status.Authenticated)
	if status.ServerURL != "" {
		fmt.Printf("Server:        %s\n", status.ServerURL)
	}
	if status.Issuer != "" {
		fmt.Printf("Issuer:        %s\n", status.Issuer)
	}
	if status.ClientID != "" {
		fmt.Printf("Client ID:     %s\n", status.ClientID)
	}
	if !status.TokenExpiry.IsZero() {
		fmt.Printf("Token expiry:  %s\n", status.TokenExpiry.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Printf("Refresh token: %v\n", status.HasRefreshToken)
	if user := r.session.DelegatedUser(); user != "" {
		fmt.Printf("Delegated to:  %s\n", user)
	}
	if status.LastError != "" {
		fmt.Printf("Last error:    %s\n", status.LastError)
	}
	return nil
}

// handleLogin runs the interactive authorization flow.
func (r *REPL) handleLogin(ctx context.Context) error {
	return Login(ctx, r.flow, r.logger, r.loginOpts)
}

// handleDelegate switches the session to a delegated user token, or back to
// the primary identity with "clear".
func (r *REPL) handleDelegate(ctx context.Context, user string) error {
	if strings.EqualFold(user, "clear") {
		r.session.SetDelegatedUser("")
		return nil
	}

	// Exchange eagerly so a bad delegation fails here, not on the next call.
	if _, err := r.flow.Delegate(ctx, user); err != nil {
		return fmt.Errorf("delegation failed: %w", err)
	}
	r.session.SetDelegatedUser(user)
	return nil
}

// handleReset discards all tokens and flow state.
func (r *REPL) handleReset() error {
	if err := r.flow.Reset(); err != nil {
		return err
	}
	r.session.SetDelegatedUser("")
	r.engine.ClearContext()
	fmt.Println("Flow state and tokens discarded. Run 'login' to re-authenticate.")
	return nil
}

// compactJSON renders args on one line for copy-pastable examples.
func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
