// Package engine turns natural-language queries into sequences of MCP tool
// calls. It asks a language model for an execution plan over the server's
// tool catalog, runs the plan in order with output chaining, and synthesizes
// a final answer from the collected results. Progress is reported as a
// stream of events.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-assistant/internal/agent/llm"
	"github.com/giantswarm/mcp-assistant/internal/agent/stream"
)

// ToolCaller is the slice of the MCP session the engine needs.
type ToolCaller interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// Completer is the language-model collaborator.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Config configures an Engine.
type Config struct {
	Session   ToolCaller
	Completer Completer

	// MaxTurns caps the conversation context. Zero selects the default.
	MaxTurns int

	// HistoryWindow is how many recent turns are included in prompts.
	// Zero selects the default of 6.
	HistoryWindow int
}

// Engine executes natural-language queries against one MCP session.
type Engine struct {
	session       ToolCaller
	completer     Completer
	history       *ConversationContext
	historyWindow int
	logger        *slog.Logger
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("engine requires a tool session")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("engine requires a completer")
	}
	window := cfg.HistoryWindow
	if window <= 0 {
		window = 6
	}
	return &Engine{
		session:       cfg.Session,
		completer:     cfg.Completer,
		history:       NewConversationContext(cfg.MaxTurns),
		historyWindow: window,
		logger:        slog.Default().With("component", "engine"),
	}, nil
}

// History exposes the conversation context.
func (e *Engine) History() *ConversationContext { return e.history }

// ClearContext drops the conversation history.
func (e *Engine) ClearContext() { e.history.Clear() }

// ProcessQuery runs a query and returns its event stream. The channel is
// closed after the final_response (or terminal error) event; cancelling ctx
// stops production early.
func (e *Engine) ProcessQuery(ctx context.Context, query string) <-chan stream.Event {
	out := make(chan stream.Event, 8)
	go func() {
		defer close(out)
		e.run(ctx, query, out)
	}()
	return out
}

func (e *Engine) run(ctx context.Context, query string, out chan<- stream.Event) {
	emit := func(ev stream.Event) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	e.history.Append("user", query)

	if !emit(stream.Event{Type: stream.TypeStatus, Message: "analyzing query"}) {
		return
	}

	tools, err := e.session.ListTools(ctx)
	if err != nil {
		emit(stream.Event{Type: stream.TypeError, Error: fmt.Sprintf("failed to list tools: %v", err)})
		return
	}

	plan := &Plan{}
	if len(tools) > 0 {
		planned, err := e.plan(ctx, query, tools)
		if err != nil {
			e.logger.Warn("planning failed, answering without tools", "error", err)
			if !emit(stream.Event{Type: stream.TypeToolError, Tool: "planner", Error: err.Error()}) {
				return
			}
		} else {
			plan = planned
		}
	}

	planSteps := make([]stream.PlanStep, len(plan.Steps))
	for i, step := range plan.Steps {
		planSteps[i] = stream.PlanStep{Tool: step.Tool, Arguments: step.Arguments, Reasoning: step.Reasoning}
	}
	if !emit(stream.Event{Type: stream.TypePlan, Message: plan.Analysis, Plan: planSteps}) {
		return
	}

	total := len(plan.Steps)
	results := make(map[int]any)
	failed := make(map[int]bool)

	for i, step := range plan.Steps {
		if blocked, ok := blockedOn(i, step, failed, results); ok {
			failed[i] = true
			if !emit(stream.Event{
				Type:    stream.TypeToolError,
				Tool:    step.Tool,
				Step:    i + 1,
				Total:   total,
				Skipped: true,
				Error:   fmt.Sprintf("skipped: depends on step %d which did not complete", blocked+1),
			}) {
				return
			}
			continue
		}

		args := resolveArguments(step.Arguments, results)
		if !emit(stream.Event{Type: stream.TypeToolStart, Tool: step.Tool, Step: i + 1, Total: total}) {
			return
		}

		result, err := e.session.CallTool(ctx, step.Tool, args)
		if err != nil {
			failed[i] = true
			execErr := &ToolExecutionError{Tool: step.Tool, Step: i + 1, Err: err}
			e.logger.Warn("tool call failed", "tool", step.Tool, "step", i+1, "error", err)
			if !emit(stream.Event{Type: stream.TypeToolError, Tool: step.Tool, Step: i + 1, Total: total, Error: execErr.Error()}) {
				return
			}
			continue
		}

		output, isError := resultOutput(result)
		if isError {
			failed[i] = true
			if !emit(stream.Event{
				Type:  stream.TypeToolError,
				Tool:  step.Tool,
				Step:  i + 1,
				Total: total,
				Error: fmt.Sprintf("tool %q reported an error: %v", step.Tool, output),
			}) {
				return
			}
			continue
		}

		results[i] = output
		if !emit(stream.Event{Type: stream.TypeToolResult, Tool: step.Tool, Step: i + 1, Total: total, Output: output}) {
			return
		}
	}

	response := e.synthesize(ctx, query, plan, results, failed)
	if !emit(stream.Event{Type: stream.TypeFinalResponse, Response: response}) {
		return
	}
	e.history.Append("assistant", response)
}

// blockedOn reports the first dependency of step i that cannot be satisfied.
// Forward and self references are never satisfiable.
func blockedOn(i int, step PlanStep, failed map[int]bool, results map[int]any) (int, bool) {
	for _, dep := range stepRefs(step.Arguments) {
		if dep >= i || failed[dep] {
			return dep, true
		}
		if _, ok := results[dep]; !ok {
			return dep, true
		}
	}
	return 0, false
}

// plan asks the completer for an execution plan over the catalog.
func (e *Engine) plan(ctx context.Context, query string, tools []mcp.Tool) (*Plan, error) {
	raw, err := e.completer.Complete(ctx, llm.Request{
		System:    plannerSystemPrompt(tools),
		Messages:  e.promptMessages(query),
		ForceJSON: true,
	})
	if err != nil {
		return nil, &PlanningError{Err: err}
	}

	plan, err := parsePlan(raw)
	if err != nil {
		return nil, err
	}

	// Unknown tools fail the whole plan rather than failing step by step.
	known := make(map[string]bool, len(tools))
	for _, t := range tools {
		known[t.Name] = true
	}
	for i, step := range plan.Steps {
		if !known[step.Tool] {
			return nil, &PlanningError{Raw: raw, Err: fmt.Errorf("step %d names unknown tool %q", i, step.Tool)}
		}
	}
	return plan, nil
}

// promptMessages renders the recent conversation for a prompt. The current
// query is already in the history at call time.
func (e *Engine) promptMessages(query string) []llm.Message {
	recent := e.history.Recent(e.historyWindow)
	messages := make([]llm.Message, 0, len(recent))
	for _, turn := range recent {
		role := turn.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}
	if len(messages) == 0 || messages[len(messages)-1].Content != query {
		messages = append(messages, llm.Message{Role: "user", Content: query})
	}
	return messages
}

// synthesize produces the final answer from the executed plan. A completer
// failure degrades to a plain formatting of the results.
func (e *Engine) synthesize(ctx context.Context, query string, plan *Plan, results map[int]any, failed map[int]bool) string {
	if len(plan.Steps) == 0 {
		answer, err := e.completer.Complete(ctx, llm.Request{
			System:   directAnswerPrompt,
			Messages: e.promptMessages(query),
		})
		if err != nil {
			e.logger.Warn("direct answer failed", "error", err)
			return "No tools were applicable to this query and no answer could be generated."
		}
		return strings.TrimSpace(answer)
	}

	answer, err := e.completer.Complete(ctx, llm.Request{
		System: synthesisSystemPrompt,
		Messages: []llm.Message{{
			Role:    "user",
			Content: synthesisUserPrompt(query, plan, results, failed),
		}},
	})
	if err != nil {
		e.logger.Warn("synthesis failed, using fallback formatting", "error", err)
		return fallbackResponse(plan, results, failed)
	}
	return strings.TrimSpace(answer)
}

// fallbackResponse renders results without a language model.
func fallbackResponse(plan *Plan, results map[int]any, failed map[int]bool) string {
	var b strings.Builder
	b.WriteString("Tool execution results:\n")
	for i, step := range plan.Steps {
		switch {
		case failed[i]:
			fmt.Fprintf(&b, "- %s: failed or skipped\n", step.Tool)
		default:
			fmt.Fprintf(&b, "- %s: %s\n", step.Tool, compactJSON(results[i]))
		}
	}
	return strings.TrimSpace(b.String())
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// resultOutput extracts a tool result's output. Text content that parses as
// JSON is returned structured so later steps can reference into it.
func resultOutput(result *mcp.CallToolResult) (any, bool) {
	if result == nil {
		return nil, true
	}

	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	joined := strings.Join(parts, "\n")

	if result.IsError {
		return joined, true
	}

	var structured any
	if err := json.Unmarshal([]byte(joined), &structured); err == nil {
		switch structured.(type) {
		case map[string]any, []any:
			return structured, false
		}
	}
	return joined, false
}
