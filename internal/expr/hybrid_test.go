package expr

import (
	"testing"

	"github.com/sentinelfleet/core/internal/templates"
	"github.com/stretchr/testify/require"
)

func TestHybridEvaluator_CEL(t *testing.T) {
	renderer := templates.NewRenderer(nil)
	evaluator, err := NewHybridEvaluator(renderer)
	require.NoError(t, err)

	tests := []struct {
		name       string
		expression string
		data       map[string]any
		want       any
	}{
		{
			name:       "string extraction",
			expression: "client.os",
			data:       map[string]any{"client": map[string]any{"os": "linux"}},
			want:       "linux",
		},
		{
			name:       "number extraction",
			expression: "client.coreCount",
			data:       map[string]any{"client": map[string]any{"coreCount": 8}},
			want:       int64(8),
		},
		{
			name:       "boolean expression",
			expression: "client.os == \"windows\"",
			data:       map[string]any{"client": map[string]any{"os": "windows"}},
			want:       true,
		},
		{
			name:       "vars map access",
			expression: "vars[\"requester\"]",
			data:       map[string]any{"vars": map[string]any{"requester": "analyst1"}},
			want:       "analyst1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.data)
			require.NoError(t, err)
			require.Equal(t, tt.want, result)
		})
	}
}

func TestHybridEvaluator_Template(t *testing.T) {
	renderer := templates.NewRenderer(nil)
	evaluator, err := NewHybridEvaluator(renderer)
	require.NoError(t, err)

	tests := []struct {
		name       string
		expression string
		data       map[string]any
		want       string
	}{
		{
			name:       "simple interpolation",
			expression: "{{ .client.os }}",
			data:       map[string]any{"client": map[string]any{"os": "linux"}},
			want:       "linux",
		},
		{
			name:       "concatenation",
			expression: "{{ .vars.requester }} requested {{ .vars.target }}",
			data:       map[string]any{"vars": map[string]any{"requester": "analyst1", "target": "C.1"}},
			want:       "analyst1 requested C.1",
		},
		{
			name:       "sprig function - upper",
			expression: "{{ .client.os | upper }}",
			data:       map[string]any{"client": map[string]any{"os": "linux"}},
			want:       "LINUX",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.data)
			require.NoError(t, err)
			require.Equal(t, tt.want, result)
		})
	}
}

func TestHybridEvaluator_Detection(t *testing.T) {
	renderer := templates.NewRenderer(nil)
	evaluator, err := NewHybridEvaluator(renderer)
	require.NoError(t, err)

	data := map[string]any{"client": map[string]any{"os": "linux"}}

	celResult, err := evaluator.Evaluate("client.os", data)
	require.NoError(t, err)
	require.Equal(t, "linux", celResult)

	tmplResult, err := evaluator.Evaluate("{{ .client.os }}", data)
	require.NoError(t, err)
	require.Equal(t, "linux", tmplResult)
}

func TestHybridEvaluator_Empty(t *testing.T) {
	renderer := templates.NewRenderer(nil)
	evaluator, err := NewHybridEvaluator(renderer)
	require.NoError(t, err)

	result, err := evaluator.Evaluate("", nil)
	require.NoError(t, err)
	require.Empty(t, result)

	result, err = evaluator.Evaluate("   ", nil)
	require.NoError(t, err)
	require.Empty(t, result)
}

func TestHybridEvaluator_EvaluateBool(t *testing.T) {
	renderer := templates.NewRenderer(nil)
	evaluator, err := NewHybridEvaluator(renderer)
	require.NoError(t, err)

	ok, err := evaluator.EvaluateBool("vars.approverCount >= 2", map[string]any{"vars": map[string]any{"approverCount": int64(2)}})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = evaluator.EvaluateBool("{{ if ge .vars.approverCount 2.0 }}true{{ else }}false{{ end }}", map[string]any{"vars": map[string]any{"approverCount": 1.0}})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = evaluator.EvaluateBool("vars.approverCount", map[string]any{"vars": map[string]any{"approverCount": int64(2)}})
	require.Error(t, err)
}
