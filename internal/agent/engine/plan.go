package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PlanStep is one tool invocation in an execution plan. Argument values may
// reference earlier outputs with the "$stepN.output" notation.
type PlanStep struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Reasoning string         `json:"reasoning,omitempty"`
}

// Plan is an ordered sequence of tool invocations. Order is execution order;
// dependencies are implied by step references, not stored separately.
type Plan struct {
	Analysis string     `json:"analysis,omitempty"`
	Steps    []PlanStep `json:"steps"`
}

// PlanningError indicates the language model did not produce a usable plan.
type PlanningError struct {
	Raw string
	Err error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("failed to derive a tool plan: %v", e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// ToolExecutionError indicates a plan step's tool call failed.
type ToolExecutionError struct {
	Tool string
	Step int
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q (step %d) failed: %v", e.Tool, e.Step, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// stepRefPattern matches a whole argument value referencing a prior step's
// output, e.g. "$step0" or "$step2.output".
var stepRefPattern = regexp.MustCompile(`^\$step(\d+)(?:\.output)?$`)

// parseStepRef reports whether v is a step reference and which step it names.
func parseStepRef(v any) (int, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	m := stepRefPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// stepRefs collects every step index referenced anywhere in args, walking
// nested maps and slices.
func stepRefs(args map[string]any) []int {
	seen := make(map[int]bool)
	var walk func(v any)
	walk = func(v any) {
		if n, ok := parseStepRef(v); ok {
			seen[n] = true
			return
		}
		switch t := v.(type) {
		case map[string]any:
			for _, item := range t {
				walk(item)
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	for _, v := range args {
		walk(v)
	}

	refs := make([]int, 0, len(seen))
	for n := range seen {
		refs = append(refs, n)
	}
	return refs
}

// resolveArguments returns a copy of args with every step reference replaced
// by the referenced step's recorded output. Callers must have verified all
// referenced steps completed.
func resolveArguments(args map[string]any, results map[int]any) map[string]any {
	var resolve func(v any) any
	resolve = func(v any) any {
		if n, ok := parseStepRef(v); ok {
			return results[n]
		}
		switch t := v.(type) {
		case map[string]any:
			out := make(map[string]any, len(t))
			for k, item := range t {
				out[k] = resolve(item)
			}
			return out
		case []any:
			out := make([]any, len(t))
			for i, item := range t {
				out[i] = resolve(item)
			}
			return out
		default:
			return v
		}
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = resolve(v)
	}
	return out
}

// parsePlan decodes a language-model response into a Plan. Markdown code
// fences are stripped and both "steps" and the older "tool_calls" key are
// accepted.
func parsePlan(raw string) (*Plan, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, &PlanningError{Raw: raw, Err: fmt.Errorf("response contains no JSON object")}
	}

	var aux struct {
		Analysis  string     `json:"analysis"`
		Steps     []PlanStep `json:"steps"`
		ToolCalls []PlanStep `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(body), &aux); err != nil {
		return nil, &PlanningError{Raw: raw, Err: err}
	}

	steps := aux.Steps
	if len(steps) == 0 {
		steps = aux.ToolCalls
	}
	for i, step := range steps {
		if step.Tool == "" {
			return nil, &PlanningError{Raw: raw, Err: fmt.Errorf("step %d has no tool name", i)}
		}
		if step.Arguments == nil {
			steps[i].Arguments = map[string]any{}
		}
	}

	return &Plan{Analysis: aux.Analysis, Steps: steps}, nil
}

// extractJSON strips code fences and surrounding prose, returning the
// outermost JSON object in s, or "".
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
