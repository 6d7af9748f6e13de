package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-assistant/internal/agent/llm"
)

// Confidence tiers for tool suggestions.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Suggestion is one recommended tool invocation for a query.
type Suggestion struct {
	Tool        string         `json:"tool"`
	Description string         `json:"description,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Reasoning   string         `json:"reasoning,omitempty"`
	Confidence  string         `json:"confidence"`
}

// Suggest recommends tools for a query without executing anything.
// Confidence is high when the suggested tool exists and every required
// schema argument is supplied, medium when only the tool exists, and low
// otherwise.
func (e *Engine) Suggest(ctx context.Context, query string) ([]Suggestion, error) {
	tools, err := e.session.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	if len(tools) == 0 {
		return nil, nil
	}

	raw, err := e.completer.Complete(ctx, llm.Request{
		System:    suggestSystemPrompt(tools),
		Messages:  []llm.Message{{Role: "user", Content: query}},
		ForceJSON: true,
	})
	if err != nil {
		return nil, &PlanningError{Err: err}
	}

	body := extractJSON(raw)
	if body == "" {
		return nil, &PlanningError{Raw: raw, Err: fmt.Errorf("response contains no JSON object")}
	}
	var aux struct {
		Suggestions []Suggestion `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(body), &aux); err != nil {
		return nil, &PlanningError{Raw: raw, Err: err}
	}

	catalog := make(map[string]mcp.Tool, len(tools))
	for _, t := range tools {
		catalog[t.Name] = t
	}

	for i := range aux.Suggestions {
		s := &aux.Suggestions[i]
		tool, known := catalog[s.Tool]
		if !known {
			s.Confidence = ConfidenceLow
			continue
		}
		s.Description = tool.Description
		if hasRequiredArguments(tool, s.Arguments) {
			s.Confidence = ConfidenceHigh
		} else {
			s.Confidence = ConfidenceMedium
		}
	}
	return aux.Suggestions, nil
}

// hasRequiredArguments reports whether args covers every required field of
// the tool's input schema.
func hasRequiredArguments(tool mcp.Tool, args map[string]any) bool {
	for _, field := range tool.InputSchema.Required {
		if _, ok := args[field]; !ok {
			return false
		}
	}
	return true
}
