package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// plannerSystemPrompt renders the tool catalog into planning instructions.
func plannerSystemPrompt(tools []mcp.Tool) string {
	var b strings.Builder
	b.WriteString(`You plan tool executions for an MCP assistant. Given the available tools
and the user's request, respond with a single JSON object:

{
  "analysis": "one sentence on what the user needs",
  "steps": [
    {"tool": "<tool name>", "arguments": {...}, "reasoning": "why this step"}
  ]
}

Rules:
- Use only the tools listed below, with arguments matching their schemas.
- Steps run strictly in order. To feed one step's output into a later
  step's argument, use the string "$stepN.output" where N is the
  zero-based index of the earlier step.
- Return "steps": [] when no tool is relevant to the request.
- Respond with JSON only.

Available tools:
`)
	for _, tool := range tools {
		fmt.Fprintf(&b, "\n- %s: %s\n", tool.Name, tool.Description)
		if schema, err := json.Marshal(tool.InputSchema); err == nil {
			fmt.Fprintf(&b, "  schema: %s\n", schema)
		}
	}
	return b.String()
}

const directAnswerPrompt = `You are an assistant for an MCP server whose tools do not apply to the
current request. Answer the user directly and concisely. If the request
needed server data you do not have, say so.`

const synthesisSystemPrompt = `You are an assistant summarizing the outcome of a tool execution plan.
Write a concise, direct answer to the user's original question based on the
results. Mention failed or skipped steps only when they affect the answer.
Do not mention the planning mechanics.`

// synthesisUserPrompt packages the query and execution record for the
// synthesis call.
func synthesisUserPrompt(query string, plan *Plan, results map[int]any, failed map[int]bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nExecution record:\n", query)
	for i, step := range plan.Steps {
		switch {
		case failed[i]:
			fmt.Fprintf(&b, "%d. %s: FAILED OR SKIPPED\n", i+1, step.Tool)
		default:
			fmt.Fprintf(&b, "%d. %s: %s\n", i+1, step.Tool, compactJSON(results[i]))
		}
	}
	return b.String()
}

// suggestSystemPrompt renders the catalog into suggestion instructions.
func suggestSystemPrompt(tools []mcp.Tool) string {
	var b strings.Builder
	b.WriteString(`You recommend MCP tools for a user's request. Respond with a single JSON
object:

{
  "suggestions": [
    {"tool": "<tool name>", "arguments": {...}, "reasoning": "why it fits"}
  ]
}

Suggest at most three tools, best match first, with the arguments you would
call them with. Respond with JSON only.

Available tools:
`)
	for _, tool := range tools {
		fmt.Fprintf(&b, "\n- %s: %s\n", tool.Name, tool.Description)
		if schema, err := json.Marshal(tool.InputSchema); err == nil {
			fmt.Fprintf(&b, "  schema: %s\n", schema)
		}
	}
	return b.String()
}
