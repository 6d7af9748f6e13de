package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantSteps int
		wantErr   bool
	}{
		{
			name:      "plain JSON",
			raw:       `{"analysis": "a", "steps": [{"tool": "t1", "arguments": {}}]}`,
			wantSteps: 1,
		},
		{
			name: "fenced JSON",
			raw: "```json\n" +
				`{"steps": [{"tool": "t1", "arguments": {"x": 1}}, {"tool": "t2", "arguments": {}}]}` +
				"\n```",
			wantSteps: 2,
		},
		{
			name:      "legacy tool_calls key",
			raw:       `{"tool_calls": [{"tool": "t1", "arguments": {}}]}`,
			wantSteps: 1,
		},
		{
			name:      "prose around JSON",
			raw:       `Here is the plan: {"steps": []} hope it helps`,
			wantSteps: 0,
		},
		{
			name:    "no JSON at all",
			raw:     "I will not comply",
			wantErr: true,
		},
		{
			name:    "step without tool name",
			raw:     `{"steps": [{"arguments": {}}]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := parsePlan(tt.raw)
			if tt.wantErr {
				var planErr *PlanningError
				require.ErrorAs(t, err, &planErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, plan.Steps, tt.wantSteps)
			for _, step := range plan.Steps {
				assert.NotNil(t, step.Arguments, "arguments must be non-nil after parsing")
			}
		})
	}
}

func TestParseStepRef(t *testing.T) {
	tests := []struct {
		value any
		want  int
		ok    bool
	}{
		{"$step0.output", 0, true},
		{"$step12.output", 12, true},
		{"$step3", 3, true},
		{"$step0.result", 0, false},
		{"step0.output", 0, false},
		{"prefix $step0.output", 0, false},
		{42, 0, false},
	}

	for _, tt := range tests {
		got, ok := parseStepRef(tt.value)
		assert.Equal(t, tt.ok, ok, "value %v", tt.value)
		if tt.ok {
			assert.Equal(t, tt.want, got, "value %v", tt.value)
		}
	}
}

func TestStepRefs_WalksNestedValues(t *testing.T) {
	args := map[string]any{
		"direct": "$step0.output",
		"nested": map[string]any{"inner": "$step2.output"},
		"list":   []any{"plain", "$step1"},
		"plain":  "no ref here",
	}

	refs := stepRefs(args)
	assert.ElementsMatch(t, []int{0, 1, 2}, refs)
}

func TestResolveArguments(t *testing.T) {
	results := map[int]any{
		0: map[string]any{"id": "u-1"},
		1: "plain-string",
	}
	args := map[string]any{
		"user":  "$step0.output",
		"label": "$step1.output",
		"deep":  map[string]any{"v": []any{"$step0.output"}},
		"keep":  "literal",
	}

	resolved := resolveArguments(args, results)

	assert.Equal(t, map[string]any{"id": "u-1"}, resolved["user"])
	assert.Equal(t, "plain-string", resolved["label"])
	assert.Equal(t, "literal", resolved["keep"])
	deep := resolved["deep"].(map[string]any)
	assert.Equal(t, map[string]any{"id": "u-1"}, deep["v"].([]any)[0])

	// The original arguments are untouched.
	assert.Equal(t, "$step0.output", args["user"])
}
