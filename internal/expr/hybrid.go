package expr

import (
	"fmt"
	"strings"

	"github.com/sentinelfleet/core/internal/templates"
)

// HybridEvaluator evaluates either a CEL boolean/value expression or a Go
// template, picking the mode by sniffing for "{{" in the source, so one
// source string can be written either way without a separate field saying
// which. Access control's per-label Predicate does not go through it; that
// is compiled as plain CEL by internal/accesscontrol.
type HybridEvaluator struct {
	celEnv   *Environment
	renderer *templates.Renderer
}

// NewHybridEvaluator builds an evaluator over the shared client/request/vars
// CEL surface (see NewEnvironment) and the sandboxed template renderer.
func NewHybridEvaluator(renderer *templates.Renderer) (*HybridEvaluator, error) {
	celEnv, err := NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("hybrid: create CEL environment: %w", err)
	}
	return &HybridEvaluator{celEnv: celEnv, renderer: renderer}, nil
}

// Evaluate executes expression and returns its result. An expression
// containing "{{" is rendered as a template against data; otherwise it is
// compiled and evaluated as a CEL expression, which requires data to be a
// map[string]any activation.
func (h *HybridEvaluator) Evaluate(expression string, data any) (any, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return "", nil
	}
	if strings.Contains(trimmed, "{{") {
		return h.evaluateTemplate(trimmed, data)
	}
	return h.evaluateCEL(trimmed, data)
}

// EvaluateBool is Evaluate for policy predicates: the CEL path enforces a
// boolean result; the template path renders then parses "true"/"false".
func (h *HybridEvaluator) EvaluateBool(expression string, vars map[string]any) (bool, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return false, fmt.Errorf("hybrid: empty expression")
	}
	if strings.Contains(trimmed, "{{") {
		rendered, err := h.evaluateTemplate(trimmed, vars)
		if err != nil {
			return false, err
		}
		switch strings.TrimSpace(rendered) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return false, fmt.Errorf("hybrid: template %q did not render to true/false", trimmed)
		}
	}
	prog, err := h.celEnv.Compile(trimmed)
	if err != nil {
		return false, fmt.Errorf("hybrid: compile CEL: %w", err)
	}
	return prog.EvalBool(vars)
}

func (h *HybridEvaluator) evaluateTemplate(source string, data any) (string, error) {
	tmpl, err := h.renderer.CompileInline("policy", source)
	if err != nil {
		return "", fmt.Errorf("hybrid: compile template: %w", err)
	}
	result, err := tmpl.Render(data)
	if err != nil {
		return "", fmt.Errorf("hybrid: render template: %w", err)
	}
	return result, nil
}

func (h *HybridEvaluator) evaluateCEL(expression string, data any) (any, error) {
	vars, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("hybrid: CEL requires map[string]any activation, got %T", data)
	}
	prog, err := h.celEnv.CompileValue(expression)
	if err != nil {
		return nil, fmt.Errorf("hybrid: compile CEL: %w", err)
	}
	result, err := prog.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("hybrid: evaluate CEL: %w", err)
	}
	return result, nil
}
